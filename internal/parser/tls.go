package parser

import "encoding/binary"

const (
	recordHeaderLen  = 5
	handshakeTypeLen = 4 // type(1) + length(3)
	randomLen        = 32

	handshakeTypeClientHello = 0x01
	extensionServerName      = 0x0000
	serverNameTypeHostname   = 0x00
)

// ClientHelloView is the result of parsing a TLS record that begins
// the client's first flight. Its offsets index into the caller's
// buffer; only Hostname is a copy of the bytes.
type ClientHelloView struct {
	// RecordLen is the TLS record's declared payload length (bytes
	// 3-4 of the record header, big-endian), not counting the 5-byte
	// header itself.
	RecordLen int

	// HandshakeTypeOffset is the absolute offset of the handshake
	// type byte. It is always 5 for a well-formed record.
	HandshakeTypeOffset int

	// SNIStart and SNIEnd delimit the hostname ASCII bytes inside the
	// caller's buffer, excluding the TLS length prefixes around them.
	SNIStart, SNIEnd int

	// Hostname is buf[SNIStart:SNIEnd] as a string.
	Hostname string
}

// IsTLSRecordMagic reports whether buf starts with a plausible TLS
// record header: handshake content type and a TLS 1.x version. It
// does not validate anything past byte 2, so it is cheap enough to use
// as a quick classification check before a full ParseClientHello.
func IsTLSRecordMagic(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x04
}

// ParseClientHello walks a TLS record looking for a ClientHello
// handshake message and its server_name (SNI) extension.
//
// It returns ErrMalformed if the record is not a TLS 1.x handshake
// record or the ClientHello structure itself is inconsistent,
// ErrIncomplete if buf is a prefix of a longer record, and ErrNoSNI if
// the record parses cleanly but carries no server_name extension.
func ParseClientHello(buf []byte) (ClientHelloView, error) {
	var view ClientHelloView

	if len(buf) < recordHeaderLen {
		return view, ErrIncomplete
	}
	if buf[0] != 0x16 {
		return view, ErrMalformed
	}
	if buf[1] != 0x03 || buf[2] > 0x04 {
		return view, ErrMalformed
	}

	recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
	view.RecordLen = recordLen
	view.HandshakeTypeOffset = recordHeaderLen

	total := recordHeaderLen + recordLen
	if len(buf) < total {
		return view, ErrIncomplete
	}
	payload := buf[recordHeaderLen:total]

	if len(payload) < handshakeTypeLen {
		return view, ErrMalformed
	}
	if payload[0] != handshakeTypeClientHello {
		return view, ErrMalformed
	}

	cur := reader{buf: payload, off: handshakeTypeLen}

	if _, err := cur.skip(2); err != nil { // legacy_version
		return view, err
	}
	if _, err := cur.skip(randomLen); err != nil { // random
		return view, err
	}
	if err := cur.skipLenPrefixed8(); err != nil { // session_id
		return view, err
	}
	if err := cur.skipLenPrefixed16(); err != nil { // cipher_suites
		return view, err
	}
	if err := cur.skipLenPrefixed8(); err != nil { // compression_methods
		return view, err
	}

	extTotalLen, err := cur.u16()
	if err != nil {
		return view, err
	}
	extEnd := cur.off + extTotalLen
	if extEnd > len(payload) {
		return view, ErrMalformed
	}

	for cur.off < extEnd {
		extType, err := cur.u16()
		if err != nil {
			return view, err
		}
		extLen, err := cur.u16()
		if err != nil {
			return view, err
		}
		bodyOff := cur.off
		body, err := cur.slice(extLen)
		if err != nil {
			return view, err
		}

		if extType != extensionServerName {
			continue
		}

		start, end, hostname, err := parseServerNameExtension(body)
		if err != nil {
			return view, err
		}
		// start/end are relative to body; body begins at bodyOff
		// within payload; payload begins at recordHeaderLen in buf.
		view.SNIStart = recordHeaderLen + bodyOff + start
		view.SNIEnd = recordHeaderLen + bodyOff + end
		view.Hostname = hostname
		return view, nil
	}

	return view, ErrNoSNI
}

// parseServerNameExtension parses the body of a server_name extension
// and returns the offsets (relative to body) and value of the first
// host_name entry.
func parseServerNameExtension(body []byte) (start, end int, hostname string, err error) {
	cur := reader{buf: body}

	listLen, err := cur.u16()
	if err != nil {
		return 0, 0, "", err
	}
	listEnd := cur.off + listLen
	if listEnd > len(body) {
		return 0, 0, "", ErrMalformed
	}

	for cur.off < listEnd {
		nameType, err := cur.u8()
		if err != nil {
			return 0, 0, "", err
		}
		nameLen, err := cur.u16()
		if err != nil {
			return 0, 0, "", err
		}
		nameStart := cur.off
		name, err := cur.slice(nameLen)
		if err != nil {
			return 0, 0, "", err
		}
		if nameType == serverNameTypeHostname {
			return nameStart, nameStart + nameLen, string(name), nil
		}
	}

	return 0, 0, "", ErrNoSNI
}

// reader is a bounds-checked cursor over a byte slice, used to walk
// the fixed-format fields of a TLS ClientHello without risking an
// out-of-range read.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() (int, error) {
	if r.off+1 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := int(r.buf[r.off])
	r.off++
	return v, nil
}

func (r *reader) u16() (int, error) {
	if r.off+2 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := int(binary.BigEndian.Uint16(r.buf[r.off : r.off+2]))
	r.off += 2
	return v, nil
}

func (r *reader) skip(n int) (int, error) {
	if r.off+n > len(r.buf) {
		return 0, ErrMalformed
	}
	off := r.off
	r.off += n
	return off, nil
}

func (r *reader) slice(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, ErrMalformed
	}
	s := r.buf[r.off : r.off+n]
	r.off += n
	return s, nil
}

func (r *reader) skipLenPrefixed8() error {
	n, err := r.u8()
	if err != nil {
		return err
	}
	_, err = r.skip(n)
	return err
}

func (r *reader) skipLenPrefixed16() error {
	n, err := r.u16()
	if err != nil {
		return err
	}
	_, err = r.skip(n)
	return err
}
