package fragment_test

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/1etu/turkeydpi/internal/fragment"
	"github.com/1etu/turkeydpi/internal/parser"
	"github.com/1etu/turkeydpi/internal/profile"
)

func concat(frags []fragment.Fragment) []byte {
	var out []byte
	for _, f := range frags {
		out = append(out, f.Bytes...)
	}
	return out
}

func TestFromClientHelloAggressivePreset(t *testing.T) {
	c := qt.New(t)

	buf := make([]byte, 517)
	view := parser.ClientHelloView{
		RecordLen:           512,
		HandshakeTypeOffset: 5,
		SNIStart:            54,
		SNIEnd:              65,
		Hostname:            "discord.com",
	}

	frags := fragment.FromClientHello(buf, view, profile.Aggressive())

	c.Assert(len(frags), qt.Equals, 3)
	c.Assert(len(frags[0].Bytes), qt.Equals, 5)
	c.Assert(len(frags[1].Bytes), qt.Equals, 54)
	c.Assert(len(frags[2].Bytes), qt.Equals, 458)
	c.Assert(frags[0].PreDelayMS, qt.Equals, uint32(0))
	c.Assert(frags[1].PreDelayMS, qt.Equals, uint32(10))
	c.Assert(frags[2].PreDelayMS, qt.Equals, uint32(10))
	c.Assert(bytes.Equal(concat(frags), buf), qt.IsTrue)
}

func TestFromClientHelloTurkTelekomPreset(t *testing.T) {
	c := qt.New(t)

	buf := make([]byte, 517)
	view := parser.ClientHelloView{HandshakeTypeOffset: 5, SNIStart: 54, SNIEnd: 65}

	frags := fragment.FromClientHello(buf, view, profile.TurkTelekom())

	c.Assert(len(frags), qt.Equals, 2)
	c.Assert(len(frags[0].Bytes), qt.Equals, 2)
	c.Assert(len(frags[1].Bytes), qt.Equals, 515)
	c.Assert(frags[0].PreDelayMS, qt.Equals, uint32(0))
	c.Assert(frags[1].PreDelayMS, qt.Equals, uint32(0))
	c.Assert(bytes.Equal(concat(frags), buf), qt.IsTrue)
}

func TestFromHTTPRequestSplitsHostMidpoint(t *testing.T) {
	c := qt.New(t)

	buf := []byte("GET / HTTP/1.1\r\nHost: twitter.com\r\n\r\n")
	view, err := parser.ParseHTTPRequest(buf, 0)
	c.Assert(err, qt.IsNil)

	frags := fragment.FromHTTPRequest(buf, view, profile.TurkTelekom())

	c.Assert(len(frags), qt.Equals, 2)
	c.Assert(string(frags[0].Bytes), qt.Equals, "GET / HTTP/1.1\r\nHost: twitt")
	c.Assert(string(frags[1].Bytes), qt.Equals, "er.com\r\n\r\n")
	c.Assert(bytes.Equal(concat(frags), buf), qt.IsTrue)
}

func TestPassthroughOnParseFailure(t *testing.T) {
	c := qt.New(t)

	buf := []byte("random unrelated bytes")
	frags := fragment.Passthrough(buf)

	c.Assert(len(frags), qt.Equals, 1)
	c.Assert(frags[0].PreDelayMS, qt.Equals, uint32(0))
	c.Assert(bytes.Equal(frags[0].Bytes, buf), qt.IsTrue)
}

func TestBuildDropsOffsetsAtBoundaries(t *testing.T) {
	c := qt.New(t)

	buf := []byte("0123456789")
	view := parser.ClientHelloView{HandshakeTypeOffset: 0}
	p := profile.Profile{
		SNISplit:    profile.SNISplit{Kind: profile.SNIBeforeHandshakeType},
		ExtraSplits: []int{0, len(buf), len(buf) + 5},
	}

	frags := fragment.FromClientHello(buf, view, p)

	c.Assert(len(frags), qt.Equals, 1)
	c.Assert(bytes.Equal(concat(frags), buf), qt.IsTrue)
}

func TestFragmentRoundTripProperty(t *testing.T) {
	c := qt.New(t)

	buf := bytes.Repeat([]byte("x"), 200)
	for _, p := range []profile.Profile{profile.TurkTelekom(), profile.Vodafone(), profile.Superonline(), profile.Aggressive()} {
		view := parser.ClientHelloView{HandshakeTypeOffset: 5, SNIStart: 50, SNIEnd: 70}
		frags := fragment.FromClientHello(buf, view, p)
		c.Assert(bytes.Equal(concat(frags), buf), qt.IsTrue, qt.Commentf("preset %s", p.Name))

		offset := 0
		for _, f := range frags {
			c.Assert(len(f.Bytes) > 0, qt.IsTrue, qt.Commentf("preset %s", p.Name))
			offset += len(f.Bytes)
		}
		c.Assert(offset, qt.Equals, len(buf))
	}
}
