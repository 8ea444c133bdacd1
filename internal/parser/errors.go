// Package parser locates the byte ranges inside a TLS ClientHello or
// an HTTP request that a DPI middlebox fingerprints: the SNI hostname
// and the HTTP Host header value. Parsers never mutate their input;
// they report offsets into the caller's buffer, alongside a string copy
// of the hostname.
package parser

import "errors"

// ErrIncomplete means the buffer does not yet hold enough bytes to
// finish parsing; the caller should read more and retry.
var ErrIncomplete = errors.New("parser: incomplete")

// ErrMalformed means the buffer does not conform to the expected wire
// format (not a TLS 1.x handshake record or an inconsistent
// ClientHello, or HTTP headers that reach the header-size budget without
// a terminating blank line).
var ErrMalformed = errors.New("parser: malformed")

// ErrNoSNI means a well-formed ClientHello was parsed but it carries
// no server_name extension.
var ErrNoSNI = errors.New("parser: no sni extension")

// ErrNotHTTP means the buffer's first line is not a recognized HTTP
// request line.
var ErrNotHTTP = errors.New("parser: not http")

// ErrNoHost means a well-formed HTTP request was parsed but it has no
// Host header (and is not CONNECT, which carries the host in its
// request-target).
var ErrNoHost = errors.New("parser: no host header")
