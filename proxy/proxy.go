// Package proxy implements the Listener component: it binds a TCP
// address, accepts connections indefinitely, and hands each one to a
// new session.Session.
//
// Unlike an ordinary HTTP reverse proxy, the listener here cannot be a
// net/http.Server: a Session must inspect the client's raw first-flight
// bytes (to classify CONNECT vs plain HTTP, and to fragment the TLS
// ClientHello or request byte-for-byte) before any
// HTTP request parsing happens. net/http's server parses the request
// line itself before a handler ever sees the connection, which is too
// late for that. The listener loop below plays the role the teacher's
// entry.start()/wrapListener pair plays, minus the net/http layer.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/1etu/turkeydpi/internal/session"
)

// DefaultAddr is the listen address used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:8844"

// Config configures a Proxy.
type Config struct {
	// Addr is the TCP address to listen on. Defaults to DefaultAddr.
	Addr string
	// Session is passed through to every session.New call.
	Session session.Config
}

// Proxy accepts TCP connections on a configured address and spawns an
// independent session.Session for each one.
type Proxy struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Proxy. It does not bind a socket until Start is called.
func New(cfg Config) *Proxy {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Session.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{cfg: cfg, logger: logger}
}

// Start binds the listener and accepts connections until Close or
// Shutdown is called, or Accept fails for a reason other than the
// listener having been deliberately closed. It blocks for the
// lifetime of the proxy; callers typically run it in its own
// goroutine.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.listener = ln
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isClosed() {
				return nil
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			session.New(conn, p.cfg.Session).Run(ctx)
		}()
	}
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops accepting new connections, closes the listener, and
// cancels every in-flight session's context immediately. It does not
// wait for sessions to finish; use Shutdown for a graceful drain.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	ln := p.listener
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Shutdown stops accepting new connections and waits for in-flight
// sessions to drain on their own (their client sockets are not
// forcibly closed), returning early if ctx is done first.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ln := p.listener
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			return fmt.Errorf("proxy: close listener: %w", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listener's address, or nil if Start has not
// been called yet.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}
