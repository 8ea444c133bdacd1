// Package transmit puts fragment.Fragment slices onto the wire. A Sink
// is the seam between the deterministic fragmentation algorithm and a
// real socket: it writes one fragment at a time, honoring each
// fragment's pre-write delay, and takes whatever steps are needed to
// stop the kernel from re-coalescing adjacent writes back into a
// single segment before the evasion has any effect.
package transmit

import (
	"context"
	"net"
	"time"

	"github.com/1etu/turkeydpi/internal/fragment"
)

// Sink writes a sequence of fragments to an upstream connection.
type Sink interface {
	// WriteFragment writes a single fragment, first sleeping for its
	// PreDelayMS (bounded by ctx). Implementations must flush the
	// fragment as its own write; they must not buffer it alongside the
	// next one.
	WriteFragment(ctx context.Context, f fragment.Fragment) error

	// WriteAll writes every fragment in order via WriteFragment,
	// returning on the first error.
	WriteAll(ctx context.Context, frags []fragment.Fragment) error
}

// TCPSink is a Sink backed by a real *net.TCPConn. It disables Nagle's
// algorithm so consecutive small writes are not coalesced by the
// kernel, and optionally caps the connection's maximum segment size so
// that even a single-packet fragment cannot be reassembled by a
// middlebox that tracks segments rather than the TCP stream.
//
// Grounded on other_examples' desyncConn: SetNoDelay on construction,
// one net.Conn.Write per fragment, and a cooperative sleep between
// writes rather than relying on OS scheduling jitter to keep segments
// apart.
type TCPSink struct {
	conn       *net.TCPConn
	forceSmall bool
}

// NewTCPSink wraps conn. When forceSmallMSS is true, the sink applies a
// platform TCP_MAXSEG clamp (see maxseg_linux.go); on platforms where
// that is not implemented, the clamp is a silent no-op and the sink
// still provides the NODELAY-plus-paced-writes behavior.
func NewTCPSink(conn *net.TCPConn, forceSmallMSS bool) (*TCPSink, error) {
	if err := conn.SetNoDelay(true); err != nil {
		return nil, err
	}
	if forceSmallMSS {
		if err := setSmallMaxSegment(conn); err != nil {
			return nil, err
		}
	}
	return &TCPSink{conn: conn, forceSmall: forceSmallMSS}, nil
}

// WriteFragment implements Sink.
func (s *TCPSink) WriteFragment(ctx context.Context, f fragment.Fragment) error {
	if f.PreDelayMS > 0 {
		if err := sleepCtx(ctx, time.Duration(f.PreDelayMS)*time.Millisecond); err != nil {
			return err
		}
	}
	if len(f.Bytes) == 0 {
		return nil
	}
	_, err := s.conn.Write(f.Bytes)
	return err
}

// WriteAll implements Sink.
func (s *TCPSink) WriteAll(ctx context.Context, frags []fragment.Fragment) error {
	for _, f := range frags {
		if err := s.WriteFragment(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// ConnSink is a Sink backed by an arbitrary net.Conn. It applies the
// delay-then-write contract without any TCP-specific socket tuning,
// for connections TCPSink cannot wrap (already-TLS-wrapped conns,
// net.Pipe in tests, or platforms where the caller didn't hand back a
// *net.TCPConn).
type ConnSink struct {
	conn net.Conn
}

// NewConnSink wraps conn.
func NewConnSink(conn net.Conn) *ConnSink {
	return &ConnSink{conn: conn}
}

// WriteFragment implements Sink.
func (s *ConnSink) WriteFragment(ctx context.Context, f fragment.Fragment) error {
	if f.PreDelayMS > 0 {
		if err := sleepCtx(ctx, time.Duration(f.PreDelayMS)*time.Millisecond); err != nil {
			return err
		}
	}
	if len(f.Bytes) == 0 {
		return nil
	}
	_, err := s.conn.Write(f.Bytes)
	return err
}

// WriteAll implements Sink.
func (s *ConnSink) WriteAll(ctx context.Context, frags []fragment.Fragment) error {
	for _, f := range frags {
		if err := s.WriteFragment(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// sleepCtx sleeps for d or returns ctx.Err() if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
