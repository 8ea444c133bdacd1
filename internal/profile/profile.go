// Package profile holds the immutable fragmentation policy a Session
// applies to the first client->server flight of a connection.
//
// A Profile describes where to split, never how the split bytes are
// written to the wire — that is internal/transmit's job.
package profile

// SNISplitKind selects how the TLS ClientHello is split.
type SNISplitKind int

const (
	// SNINone disables TLS-side splitting.
	SNINone SNISplitKind = iota
	// SNIFixedOffset splits at a fixed byte offset from the start of
	// the TLS record (0 = record type byte).
	SNIFixedOffset
	// SNIBeforeHandshakeType splits immediately before the handshake
	// type byte, i.e. at offset 5.
	SNIBeforeHandshakeType
	// SNIInsideHostname splits somewhere inside the SNI hostname
	// bytes themselves.
	SNIInsideHostname
)

// HostnamePos selects where inside the hostname range inside_hostname
// splits.
type HostnamePos int

const (
	// PosFromStart splits N bytes after the start of the hostname.
	PosFromStart HostnamePos = iota
	// PosMiddle splits at the midpoint of the hostname.
	PosMiddle
	// PosFromEnd splits N bytes before the end of the hostname.
	PosFromEnd
)

// SNISplit is the sni_split_mode field of a Profile.
type SNISplit struct {
	Kind SNISplitKind

	// Offset is used by SNIFixedOffset; must satisfy 0 < Offset < 5.
	Offset int

	// Pos and N are used by SNIInsideHostname.
	Pos HostnamePos
	N   int
}

// HTTPHostSplitKind selects how the HTTP Host header value is split.
type HTTPHostSplitKind int

const (
	// HTTPHostNone disables HTTP-side splitting.
	HTTPHostNone HTTPHostSplitKind = iota
	// HTTPHostInsideValue splits somewhere inside the Host header
	// value bytes.
	HTTPHostInsideValue
)

// HTTPHostSplit is the http_host_split_mode field of a Profile.
type HTTPHostSplit struct {
	Kind HTTPHostSplitKind
	Pos  HostnamePos
	N    int
}

// Profile is the immutable policy describing how a Session fragments
// the first flight of a connection. Profile values are built once
// (via the constructors below or ByName) and copied, unchanged, into
// every Session that uses them.
type Profile struct {
	Name string

	SNISplit SNISplit

	HTTPHostSplit HTTPHostSplit

	// ExtraSplits are additional absolute byte offsets injected as
	// segment boundaries regardless of SNI/Host splitting.
	ExtraSplits []int

	// InterFragmentDelayMS is the delay applied before writing every
	// fragment after the first. 0 disables delay.
	InterFragmentDelayMS uint32

	// ForceSmallMSS requests a small outbound MSS from the kernel
	// where the OS supports it (Linux TCP_MAXSEG).
	ForceSmallMSS bool

	// DisableWriteCoalescing disables Nagle-style coalescing so each
	// fragment write lands on its own TCP segment.
	DisableWriteCoalescing bool
}

// TurkTelekom returns the turk-telekom preset: split the TLS record
// header after its 2nd byte, split the Host header value at its
// midpoint, no inter-fragment delay.
func TurkTelekom() Profile {
	return Profile{
		Name:                   "turk-telekom",
		SNISplit:               SNISplit{Kind: SNIFixedOffset, Offset: 2},
		HTTPHostSplit:          HTTPHostSplit{Kind: HTTPHostInsideValue, Pos: PosMiddle},
		InterFragmentDelayMS:   0,
		ForceSmallMSS:          true,
		DisableWriteCoalescing: true,
	}
}

// Vodafone returns the vodafone preset: split the TLS record header
// after its 3rd byte, and sleep 20ms between fragments.
func Vodafone() Profile {
	return Profile{
		Name:                   "vodafone",
		SNISplit:               SNISplit{Kind: SNIFixedOffset, Offset: 3},
		HTTPHostSplit:          HTTPHostSplit{Kind: HTTPHostInsideValue, Pos: PosMiddle},
		InterFragmentDelayMS:   20,
		ForceSmallMSS:          true,
		DisableWriteCoalescing: true,
	}
}

// Superonline returns the superonline preset: split the TLS record
// header right after the content-type byte (offset 1).
func Superonline() Profile {
	return Profile{
		Name:                   "superonline",
		SNISplit:               SNISplit{Kind: SNIFixedOffset, Offset: 1},
		HTTPHostSplit:          HTTPHostSplit{Kind: HTTPHostInsideValue, Pos: PosMiddle},
		InterFragmentDelayMS:   0,
		ForceSmallMSS:          true,
		DisableWriteCoalescing: true,
	}
}

// Aggressive returns the aggressive preset: splits both before the
// handshake type byte and inside the hostname, plus a 10ms delay.
//
// The Fragmenter treats ExtraSplits and the SNI split as independent
// offset sources, so combining before_handshake_type with
// inside_hostname here means the handshake-type split is injected via
// ExtraSplits while SNISplit carries the hostname-midpoint split.
func Aggressive() Profile {
	return Profile{
		Name:                   "aggressive",
		SNISplit:               SNISplit{Kind: SNIInsideHostname, Pos: PosMiddle},
		HTTPHostSplit:          HTTPHostSplit{Kind: HTTPHostInsideValue, Pos: PosMiddle},
		ExtraSplits:            []int{5},
		InterFragmentDelayMS:   10,
		ForceSmallMSS:          true,
		DisableWriteCoalescing: true,
	}
}

// ByName resolves one of the four named presets. ok is false for an
// unrecognized name.
func ByName(name string) (Profile, bool) {
	switch name {
	case "turk-telekom":
		return TurkTelekom(), true
	case "vodafone":
		return Vodafone(), true
	case "superonline":
		return Superonline(), true
	case "aggressive":
		return Aggressive(), true
	default:
		return Profile{}, false
	}
}
