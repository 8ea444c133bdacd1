package parser_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/1etu/turkeydpi/internal/parser"
)

func TestParseHTTPRequestLocatesHostHeader(t *testing.T) {
	c := qt.New(t)

	buf := []byte("GET / HTTP/1.1\r\nHost: twitter.com\r\n\r\n")
	view, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(view.Method, qt.Equals, "GET")
	c.Assert(view.Host, qt.Equals, "twitter.com")
	c.Assert(string(buf[view.HostStart:view.HostEnd]), qt.Equals, "twitter.com")
}

func TestParseHTTPRequestStripsPortFromHost(t *testing.T) {
	c := qt.New(t)

	buf := []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	view, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(view.Host, qt.Equals, "example.com")
	c.Assert(string(buf[view.HostStart:view.HostEnd]), qt.Equals, "example.com:8080")
}

func TestParseHTTPRequestConnectSkipsHostHeader(t *testing.T) {
	c := qt.New(t)

	buf := []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	view, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(view.Method, qt.Equals, "CONNECT")
	c.Assert(view.Target, qt.Equals, "example.com:443")
	c.Assert(view.HostStart, qt.Equals, -1)
}

func TestParseHTTPRequestIncompleteWithoutTerminator(t *testing.T) {
	c := qt.New(t)

	buf := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n")
	_, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.Equals, parser.ErrIncomplete)
}

func TestParseHTTPRequestNotHTTPOnGarbage(t *testing.T) {
	c := qt.New(t)

	buf := make([]byte, 200)
	for i := range buf {
		buf[i] = byte(i)
	}
	buf = append(buf, []byte("\r\n\r\n")...)
	_, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.Equals, parser.ErrNotHTTP)
}

func TestParseHTTPRequestNoHostWhenAbsent(t *testing.T) {
	c := qt.New(t)

	buf := []byte("GET / HTTP/1.1\r\nAccept: */*\r\n\r\n")
	_, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.Equals, parser.ErrNoHost)
}

func TestLooksLikeHTTPRequest(t *testing.T) {
	c := qt.New(t)

	c.Assert(parser.LooksLikeHTTPRequest([]byte("GET / HTTP/1.1\r\n")), qt.IsTrue)
	c.Assert(parser.LooksLikeHTTPRequest([]byte("CONNECT a:443 HTTP/1.1\r\n")), qt.IsTrue)
	c.Assert(parser.LooksLikeHTTPRequest([]byte{0x16, 0x03, 0x03}), qt.IsFalse)
}
