package transmit

import (
	"context"
	"sync"

	"github.com/1etu/turkeydpi/internal/fragment"
)

// RecordingSink is a Sink that appends every fragment it receives to
// an in-memory log instead of touching a real connection. It exists
// purely for tests: a Session under test can be pointed at a
// RecordingSink to assert on fragment order, delays, and byte content
// without opening a socket.
type RecordingSink struct {
	mu    sync.Mutex
	Frags []fragment.Fragment
	// FailAt, if >= 0, makes WriteFragment return Err on that 0-indexed
	// call instead of recording it.
	FailAt int
	Err    error
}

// NewRecordingSink returns a RecordingSink that never fails.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{FailAt: -1}
}

// WriteFragment implements Sink.
func (s *RecordingSink) WriteFragment(ctx context.Context, f fragment.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAt >= 0 && len(s.Frags) == s.FailAt {
		return s.Err
	}
	cp := fragment.Fragment{Bytes: append([]byte(nil), f.Bytes...), PreDelayMS: f.PreDelayMS}
	s.Frags = append(s.Frags, cp)
	return nil
}

// WriteAll implements Sink.
func (s *RecordingSink) WriteAll(ctx context.Context, frags []fragment.Fragment) error {
	for _, f := range frags {
		if err := s.WriteFragment(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Bytes concatenates every recorded fragment's bytes in order.
func (s *RecordingSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, f := range s.Frags {
		out = append(out, f.Bytes...)
	}
	return out
}
