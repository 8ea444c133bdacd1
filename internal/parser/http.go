package parser

import (
	"bytes"
	"strings"
)

// DefaultMaxHeaderBytes caps how many bytes ParseHTTPRequest will scan
// before giving up and returning ErrMalformed.
const DefaultMaxHeaderBytes = 16 * 1024

var knownMethods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "CONNECT ",
}

// LooksLikeHTTPRequest reports whether buf begins with one of the
// recognized HTTP request methods followed by a space, without fully
// parsing the request.
func LooksLikeHTTPRequest(buf []byte) bool {
	for _, m := range knownMethods {
		if bytes.HasPrefix(buf, []byte(m)) {
			return true
		}
	}
	return false
}

// HttpRequestView is the result of parsing an HTTP/1.x request line
// and headers far enough to locate the Host value. Its offsets index
// into the caller's buffer; the string fields are copies.
type HttpRequestView struct {
	Method        string
	Target        string
	Version       string
	HostStart     int // -1 if absent (e.g. CONNECT, whose host lives in Target)
	HostEnd       int
	Host          string
	HeadersEndOff int // absolute offset of the byte after the terminating CRLFCRLF
}

// ParseHTTPRequest scans buf for a CRLF-terminated request line and
// headers, up to maxHeaderBytes. It returns ErrIncomplete if the
// terminating blank line has not yet been seen and buf is still shorter
// than that budget, ErrMalformed if buf has reached the budget without
// it, ErrNotHTTP if the first line does not parse as METHOD SP target SP
// HTTP/x.y, and ErrNoHost if no Host header is present on a non-CONNECT
// request.
func ParseHTTPRequest(buf []byte, maxHeaderBytes int) (HttpRequestView, error) {
	var view HttpRequestView
	view.HostStart, view.HostEnd = -1, -1

	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	scanLimit := len(buf)
	if scanLimit > maxHeaderBytes {
		scanLimit = maxHeaderBytes
	}

	headerEnd := bytes.Index(buf[:scanLimit], []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(buf) >= maxHeaderBytes {
			return view, ErrMalformed
		}
		return view, ErrIncomplete
	}
	view.HeadersEndOff = headerEnd + 4

	lineEnd := bytes.Index(buf[:headerEnd], []byte("\r\n"))
	if lineEnd < 0 {
		lineEnd = headerEnd
	}
	requestLine := string(buf[:lineEnd])

	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return view, ErrNotHTTP
	}
	view.Method, view.Target, view.Version = parts[0], parts[1], parts[2]

	if view.Method == "CONNECT" {
		return view, nil
	}

	off := lineEnd + 2
	for off < headerEnd {
		next := bytes.Index(buf[off:headerEnd], []byte("\r\n"))
		var line []byte
		var lineAbsEnd int
		if next < 0 {
			line = buf[off:headerEnd]
			lineAbsEnd = headerEnd
		} else {
			line = buf[off : off+next]
			lineAbsEnd = off + next
		}

		if colon := bytes.IndexByte(line, ':'); colon >= 0 {
			name := strings.TrimSpace(string(line[:colon]))
			if strings.EqualFold(name, "Host") {
				valueStart := off + colon + 1
				valueEnd := lineAbsEnd
				for valueStart < valueEnd && isOWS(buf[valueStart]) {
					valueStart++
				}
				for valueEnd > valueStart && isOWS(buf[valueEnd-1]) {
					valueEnd--
				}
				view.HostStart, view.HostEnd = valueStart, valueEnd
				view.Host = stripPort(string(buf[valueStart:valueEnd]))
				return view, nil
			}
		}

		if next < 0 {
			break
		}
		off += next + 2
	}

	return view, ErrNoHost
}

func isOWS(b byte) bool {
	return b == ' ' || b == '\t'
}

// stripPort removes a trailing ":port" from a Host header value,
// leaving IPv6 literals (enclosed in brackets) intact.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndexByte(host, ']'); idx >= 0 {
			return host[:idx+1]
		}
		return host
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}
