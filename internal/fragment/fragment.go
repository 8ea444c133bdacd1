// Package fragment turns a first-flight buffer, together with a parse
// view of that buffer and a Profile, into the ordered list of byte
// fragments a Session hands to the TransmitSink. The algorithm is pure
// and deterministic: the same (buffer, view, profile) always yields the
// same fragments, and fragment concatenation always reproduces the
// input exactly.
package fragment

import (
	"sort"

	"github.com/samber/lo"

	"github.com/1etu/turkeydpi/internal/parser"
	"github.com/1etu/turkeydpi/internal/profile"
)

// Fragment is a byte-slice and the delay to apply before writing it.
// Bytes borrows from the caller's first-flight buffer; callers must
// keep that buffer alive until every fragment has been written.
type Fragment struct {
	Bytes      []byte
	PreDelayMS uint32
}

// Passthrough returns buf as a single fragment with no delay. It is
// the fallback used whenever the applicable parser failed to locate a
// split point: the proxy still forwards the traffic, it just does not
// attempt evasion.
func Passthrough(buf []byte) []Fragment {
	if len(buf) == 0 {
		return nil
	}
	return []Fragment{{Bytes: buf}}
}

// FromClientHello fragments a TLS ClientHello record according to
// profile.SNISplit and profile.ExtraSplits.
func FromClientHello(buf []byte, view parser.ClientHelloView, p profile.Profile) []Fragment {
	offsets := append([]int{}, p.ExtraSplits...)

	switch p.SNISplit.Kind {
	case profile.SNIFixedOffset:
		offsets = append(offsets, p.SNISplit.Offset)
	case profile.SNIBeforeHandshakeType:
		offsets = append(offsets, view.HandshakeTypeOffset)
	case profile.SNIInsideHostname:
		if off, ok := splitInside(view.SNIStart, view.SNIEnd, p.SNISplit.Pos, p.SNISplit.N); ok {
			offsets = append(offsets, off)
		}
	}

	return build(buf, offsets, p.InterFragmentDelayMS)
}

// FromHTTPRequest fragments an HTTP request according to
// profile.HTTPHostSplit and profile.ExtraSplits.
func FromHTTPRequest(buf []byte, view parser.HttpRequestView, p profile.Profile) []Fragment {
	offsets := append([]int{}, p.ExtraSplits...)

	if p.HTTPHostSplit.Kind == profile.HTTPHostInsideValue && view.HostStart >= 0 {
		if off, ok := splitInside(view.HostStart, view.HostEnd, p.HTTPHostSplit.Pos, p.HTTPHostSplit.N); ok {
			offsets = append(offsets, off)
		}
	}

	return build(buf, offsets, p.InterFragmentDelayMS)
}

// splitInside computes an absolute split offset inside the half-open
// range [start, end), leaving at least one byte on either side. ok is
// false when the range is too short (<=1 byte) to split.
func splitInside(start, end int, pos profile.HostnamePos, n int) (int, bool) {
	length := end - start
	if length <= 1 {
		return 0, false
	}

	var rel int
	switch pos {
	case profile.PosFromStart:
		rel = n
	case profile.PosMiddle:
		rel = length / 2
	case profile.PosFromEnd:
		rel = length - n
	}

	if rel <= 0 {
		rel = 1
	}
	if rel >= length {
		rel = length - 1
	}
	return start + rel, true
}

// build deduplicates and sorts the candidate offsets, discards any
// outside (0, len(buf)), and slices buf into the resulting fragments.
func build(buf []byte, offsets []int, delayMS uint32) []Fragment {
	offsets = lo.Uniq(offsets)
	sort.Ints(offsets)

	valid := offsets[:0]
	for _, off := range offsets {
		if off > 0 && off < len(buf) {
			if len(valid) == 0 || valid[len(valid)-1] != off {
				valid = append(valid, off)
			}
		}
	}

	if len(valid) == 0 {
		return Passthrough(buf)
	}

	fragments := make([]Fragment, 0, len(valid)+1)
	prev := 0
	for i, off := range valid {
		delay := uint32(0)
		if i > 0 {
			delay = delayMS
		}
		fragments = append(fragments, Fragment{Bytes: buf[prev:off], PreDelayMS: delay})
		prev = off
	}
	lastDelay := uint32(0)
	if len(valid) > 0 {
		lastDelay = delayMS
	}
	fragments = append(fragments, Fragment{Bytes: buf[prev:], PreDelayMS: lastDelay})

	return fragments
}
