// Package session drives a single accepted client connection through
// the fragmentation proxy's state machine: classify the first bytes as
// plain HTTP or an HTTP CONNECT tunnel, resolve and dial the upstream,
// fragment the first client->server flight through the Profile's
// policy, then relay the rest of the connection verbatim in both
// directions.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	"github.com/1etu/turkeydpi/internal/fragment"
	"github.com/1etu/turkeydpi/internal/parser"
	"github.com/1etu/turkeydpi/internal/profile"
	"github.com/1etu/turkeydpi/internal/transmit"
)

const (
	// DefaultMaxFirstFlight caps how many bytes a Session buffers
	// before giving up on classification or parsing.
	DefaultMaxFirstFlight = 8 * 1024
	// DefaultSniffTimeout bounds how long a Session waits for enough
	// bytes to classify or parse a first flight.
	DefaultSniffTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds a single upstream dial attempt.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultRelayBufferSize is the buffer each relay direction copies
	// through.
	DefaultRelayBufferSize = 16 * 1024

	defaultHTTPPort  = "80"
	defaultHTTPSPort = "443"
)

// Kind classifies an accepted connection's first flight.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTTP
	KindHTTPSConnect
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindHTTPSConnect:
		return "https-connect"
	default:
		return "unknown"
	}
}

// Resolver resolves a hostname to its address set.
// *resolver.Resolver satisfies this.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) ([]net.IP, error)
}

// Dialer opens an upstream connection. (*net.Dialer).DialContext
// satisfies this.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// SinkFactory builds the TransmitSink a Session uses to write its
// fragmented first flight to an upstream connection.
type SinkFactory func(conn net.Conn, p profile.Profile) (transmit.Sink, error)

// Config bundles the dependencies and tunables shared by every Session
// a Listener spawns. setDefaults fills in every unset tunable, the
// Logger, Dial and NewSink before a Session runs; Resolver has no
// default and must be set.
type Config struct {
	Profile         profile.Profile
	Resolver        Resolver
	Dial            Dialer
	NewSink         SinkFactory
	Logger          *slog.Logger
	MaxFirstFlight  int
	SniffTimeout    time.Duration
	ConnectTimeout  time.Duration
	RelayBufferSize int
}

func (c *Config) setDefaults() {
	if c.MaxFirstFlight <= 0 {
		c.MaxFirstFlight = DefaultMaxFirstFlight
	}
	if c.SniffTimeout <= 0 {
		c.SniffTimeout = DefaultSniffTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RelayBufferSize <= 0 {
		c.RelayBufferSize = DefaultRelayBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dial == nil {
		d := &net.Dialer{}
		c.Dial = d.DialContext
	}
	if c.NewSink == nil {
		c.NewSink = defaultSinkFactory
	}
}

func defaultSinkFactory(conn net.Conn, p profile.Profile) (transmit.Sink, error) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return transmit.NewTCPSink(tcpConn, p.ForceSmallMSS)
	}
	return transmit.NewConnSink(conn), nil
}

// Session carries one accepted client connection through
// Accept -> Sniff -> Resolve -> Connect -> FragmentFirstFlight -> Relay -> Closed.
type Session struct {
	id  uuid.UUID
	cfg Config

	client   net.Conn
	upstream net.Conn

	kind Kind

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	startedAt time.Time
}

// New creates a Session for an accepted client connection. cfg is
// copied and defaulted; callers may share one Config across Sessions.
func New(client net.Conn, cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		id:        uuid.NewV4(),
		cfg:       cfg,
		client:    client,
		startedAt: time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id.String() }

// Kind returns the classification the session settled on. It is only
// meaningful after Run has started reading.
func (s *Session) Kind() Kind { return s.kind }

// BytesIn returns the number of bytes relayed from upstream to client.
func (s *Session) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the number of bytes relayed from client to upstream.
func (s *Session) BytesOut() uint64 { return s.bytesOut.Load() }

// Run drives the session to completion. It always closes the client
// connection before returning. ctx cancellation (e.g. from a listener
// shutdown) unblocks any in-flight dial or sleep but does not
// interrupt a blocking socket read; the caller's listener is expected
// to close the client conn on shutdown to unblock that case.
func (s *Session) Run(ctx context.Context) {
	defer s.client.Close()

	log := s.cfg.Logger.With("session", s.ID())
	log.Info("new connection", "peer", s.client.RemoteAddr())
	defer func() {
		log.Debug("session closed", "bytes_in", s.BytesIn(), "bytes_out", s.BytesOut(), "duration", time.Since(s.startedAt))
	}()

	buf, kind, err := s.sniffFirstBytes(s.client)
	s.kind = kind
	if err != nil {
		log.Debug("sniff failed", "error", err)
		return
	}

	switch kind {
	case KindHTTPSConnect:
		s.runConnect(ctx, log, buf)
	case KindHTTP:
		s.runHTTP(ctx, log, buf)
	default:
		log.Debug("unrecognized first flight, closing")
	}
}

// classifyCandidates pairs a request-line prefix with the Kind it
// settles the connection into.
var classifyCandidates = []struct {
	prefix string
	kind   Kind
}{
	{"CONNECT ", KindHTTPSConnect},
	{"GET ", KindHTTP},
	{"POST ", KindHTTP},
	{"PUT ", KindHTTP},
	{"DELETE ", KindHTTP},
	{"HEAD ", KindHTTP},
	{"OPTIONS ", KindHTTP},
	{"PATCH ", KindHTTP},
}

// classify reports the Kind buf has committed to and whether that
// verdict is final. When buf is still a prefix of some candidate
// method, definite is false and the caller should read more.
func classify(buf []byte) (kind Kind, definite bool) {
	couldMatch := false
	for _, cand := range classifyCandidates {
		if bytes.HasPrefix(buf, []byte(cand.prefix)) {
			return cand.kind, true
		}
		if len(buf) < len(cand.prefix) && strings.HasPrefix(cand.prefix, string(buf)) {
			couldMatch = true
		}
	}
	if couldMatch {
		return KindUnknown, false
	}
	return KindUnknown, true
}

// sniffFirstBytes reads from conn until classify returns a definite
// verdict, the sniff timeout fires, or MaxFirstFlight bytes have
// accumulated without a match (treated as Unknown).
func (s *Session) sniffFirstBytes(conn net.Conn) ([]byte, Kind, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SniffTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 4096)
	for {
		kind, definite := classify(buf)
		if definite {
			return buf, kind, nil
		}
		if len(buf) >= s.cfg.MaxFirstFlight {
			return buf, KindUnknown, nil
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if len(buf) == 0 {
				return nil, KindUnknown, err
			}
			kind, _ := classify(buf)
			return buf, kind, nil
		}
	}
}

// completeHTTPRequest reads from the client until buf parses as a full
// HTTP request line and headers, or a non-Incomplete parser error
// occurs, or MaxFirstFlight is exhausted.
func (s *Session) completeHTTPRequest(buf []byte) (parser.HttpRequestView, []byte, error) {
	conn := s.client
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SniffTimeout))
	defer conn.SetReadDeadline(time.Time{})

	tmp := make([]byte, 4096)
	for {
		view, err := parser.ParseHTTPRequest(buf, s.cfg.MaxFirstFlight)
		if err == nil {
			return view, buf, nil
		}
		if !errors.Is(err, parser.ErrIncomplete) {
			return view, buf, err
		}
		if len(buf) >= s.cfg.MaxFirstFlight {
			return view, buf, parser.ErrMalformed
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return view, buf, rerr
		}
	}
}

// sniffTLS reads from the client until buf holds a complete (or
// conclusively unparsable) TLS record. A parse failure is not
// returned as an error: the caller falls back to passing the buffer
// through unfragmented, per the non-fatal parse-error policy.
func (s *Session) sniffTLS(conn net.Conn) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SniffTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 4096)
	for {
		_, err := parser.ParseClientHello(buf)
		if err == nil || !errors.Is(err, parser.ErrIncomplete) {
			return buf, nil
		}
		if len(buf) >= s.cfg.MaxFirstFlight {
			return buf, nil
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			if len(buf) == 0 {
				return nil, rerr
			}
			return buf, nil
		}
	}
}

// runHTTP handles a connection classified as plain HTTP: resolve the
// Host header's hostname, connect upstream (on the request-target's
// explicit port, else 80), rewrite the request-target
// to origin-form, fragment, and relay.
func (s *Session) runHTTP(ctx context.Context, log *slog.Logger, buf []byte) {
	view, buf, err := s.completeHTTPRequest(buf)
	if err != nil {
		// A missing Host header leaves nothing to route to: that is a
		// session-ending routing failure, not a fragmentation-stage
		// parse error to fall back from.
		log.Warn("http request unroutable", "error", err)
		s.respondHTTPError(http.StatusBadGateway, "bad gateway")
		return
	}

	host := view.Host
	port := defaultHTTPPort
	if u, err := url.Parse(view.Target); err == nil && u.Port() != "" {
		port = u.Port()
	}
	upstream, err := s.resolveAndConnect(ctx, log, host, port)
	if err != nil {
		log.Warn("resolve or connect failed", "host", host, "error", err)
		s.respondHTTPError(http.StatusBadGateway, "bad gateway")
		return
	}
	defer upstream.Close()
	s.upstream = upstream

	rewritten := rewriteOriginForm(buf, view)
	frags, fragmented := fragmentHTTP(rewritten, s.cfg.Profile)
	if err := s.writeFirstFlight(ctx, log, frags, host, fragmented); err != nil {
		log.Debug("first flight write failed", "error", err)
		return
	}

	s.relay(ctx, log)
}

// runConnect handles a connection classified as HTTP CONNECT: resolve
// and connect upstream before replying 200 (so a failed target never
// gets a false "tunnel established"), then sniff the client's TLS
// ClientHello as the fragmented first flight.
func (s *Session) runConnect(ctx context.Context, log *slog.Logger, buf []byte) {
	view, _, err := s.completeHTTPRequest(buf)
	if err != nil {
		log.Debug("connect request unparsable", "error", err)
		return
	}

	host, port, err := net.SplitHostPort(view.Target)
	if err != nil {
		host, port = view.Target, defaultHTTPSPort
	}

	upstream, err := s.resolveAndConnect(ctx, log, host, port)
	if err != nil {
		log.Warn("resolve or connect failed", "host", host, "error", err)
		return
	}
	defer upstream.Close()
	s.upstream = upstream

	if _, err := io.WriteString(s.client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		log.Debug("writing 200 response failed", "error", err)
		return
	}

	helloBuf, err := s.sniffTLS(s.client)
	if err != nil {
		log.Debug("tls sniff failed", "error", err)
		return
	}

	frags, fragmented := fragmentTLS(helloBuf, s.cfg.Profile)
	if err := s.writeFirstFlight(ctx, log, frags, host, fragmented); err != nil {
		log.Debug("first flight write failed", "error", err)
		return
	}

	s.relay(ctx, log)
}

// resolveAndConnect resolves host via the configured Resolver, then
// dials each returned address in order until one succeeds.
func (s *Session) resolveAndConnect(ctx context.Context, log *slog.Logger, host, port string) (net.Conn, error) {
	ips, err := s.cfg.Resolver.Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: empty address set", host)
	}
	log.Info("resolved", "host", host, "ip", ips[0].String())

	var lastErr error
	for _, ip := range ips {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, dialErr := s.cfg.Dial(dialCtx, "tcp", net.JoinHostPort(ip.String(), port))
		cancel()
		if dialErr == nil {
			log.Info("connected", "host", host, "port", port)
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, fmt.Errorf("connect %s: all addresses failed: %w", host, lastErr)
}

// fragmentHTTP fragments an HTTP first flight, falling back to a
// single passthrough fragment when the request no longer parses
// (e.g. after an origin-form rewrite that left it malformed).
func fragmentHTTP(buf []byte, p profile.Profile) ([]fragment.Fragment, bool) {
	view, err := parser.ParseHTTPRequest(buf, 0)
	if err != nil {
		return fragment.Passthrough(buf), false
	}
	return fragment.FromHTTPRequest(buf, view, p), true
}

// fragmentTLS fragments a TLS ClientHello first flight, falling back
// to a single passthrough fragment on any parse failure.
func fragmentTLS(buf []byte, p profile.Profile) ([]fragment.Fragment, bool) {
	view, err := parser.ParseClientHello(buf)
	if err != nil {
		return fragment.Passthrough(buf), false
	}
	return fragment.FromClientHello(buf, view, p), true
}

// writeFirstFlight builds the sink for the session's upstream
// connection and writes every fragment through it.
func (s *Session) writeFirstFlight(ctx context.Context, log *slog.Logger, frags []fragment.Fragment, host string, fragmented bool) error {
	sink, err := s.cfg.NewSink(s.upstream, s.cfg.Profile)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	if err := sink.WriteAll(ctx, frags); err != nil {
		return err
	}

	var n uint64
	for _, f := range frags {
		n += uint64(len(f.Bytes))
	}
	s.bytesOut.Add(n)

	if fragmented {
		log.Info("SNI fragmented", "host", host, "fragments", len(frags))
	} else {
		log.Debug("first flight forwarded unfragmented", "host", host)
	}
	return nil
}

// rewriteOriginForm rewrites an absolute-URI request-target to
// origin-form (path[?query]) in place of scheme://host[:port], leaving
// everything from the first CRLF onward untouched. A request-target
// already in origin-form is returned unchanged.
func rewriteOriginForm(buf []byte, view parser.HttpRequestView) []byte {
	if !strings.Contains(view.Target, "://") {
		return buf
	}
	u, err := url.Parse(view.Target)
	if err != nil {
		return buf
	}
	origin := u.RequestURI()
	if origin == "" {
		origin = "/"
	}

	lineEnd := bytes.Index(buf, []byte("\r\n"))
	if lineEnd < 0 {
		return buf
	}

	newLine := fmt.Sprintf("%s %s %s", view.Method, origin, view.Version)
	out := make([]byte, 0, len(newLine)+len(buf)-lineEnd)
	out = append(out, newLine...)
	out = append(out, buf[lineEnd:]...)
	return out
}

// respondHTTPError writes a minimal, connection-closing HTTP error
// response directly to the client socket.
func (s *Session) respondHTTPError(code int, msg string) {
	resp := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(msg), msg,
	)
	_, _ = io.WriteString(s.client, resp)
}

// relay copies bytes bidirectionally between client and upstream until
// both directions have ended, half-closing the write side of a peer as
// soon as its read side reaches EOF.
func (s *Session) relay(ctx context.Context, log *slog.Logger) {
	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 2)
	go func() {
		n, err := io.CopyBuffer(s.upstream, s.client, make([]byte, s.cfg.RelayBufferSize))
		s.bytesOut.Add(uint64(n))
		closeWrite(s.upstream)
		select {
		case <-done:
		case errCh <- err:
		}
	}()
	go func() {
		n, err := io.CopyBuffer(s.client, s.upstream, make([]byte, s.cfg.RelayBufferSize))
		s.bytesIn.Add(uint64(n))
		closeWrite(s.client)
		select {
		case <-done:
		case errCh <- err:
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			logTransferErr(log, err)
			return
		}
	}
}

// closeWrite half-closes conn's write side where possible, falling
// back to a full close for connection types without CloseWrite.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// normalErrMsgs are substrings of errors that are expected in the
// ordinary course of a connection ending and are logged at Debug
// rather than Warn.
var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"io: read/write on closed pipe",
	"use of closed network connection",
	"EOF",
}

func logTransferErr(log *slog.Logger, err error) {
	msg := err.Error()
	for _, s := range normalErrMsgs {
		if strings.Contains(msg, s) {
			log.Debug("relay ended", "error", err)
			return
		}
	}
	log.Warn("relay ended with unexpected error", "error", err)
}
