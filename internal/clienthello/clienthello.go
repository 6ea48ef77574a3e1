// Package clienthello incrementally parses the unencrypted prefix of a TLS
// connection far enough to recover the ClientHello's SNI hostname, without
// ever touching the handshake cryptography itself.
package clienthello

import (
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// ErrorKind enumerates the ways a byte prefix can fail to be a conformant,
// single-record ClientHello.
type ErrorKind int

const (
	_ ErrorKind = iota
	// RecordTooLarge is returned when the declared record length exceeds
	// the maximum a ClientHello could legitimately occupy.
	RecordTooLarge
	// BadRecordType names a record whose content type is not handshake.
	// Feed does not report it: any first byte other than 0x16 yields
	// NotTls instead.
	BadRecordType
	// BadVersion is returned when the record version major/minor is
	// outside the accepted TLS range.
	BadVersion
	// Truncated is returned by Finish when the peer closed while the
	// bytes received so far were still an incomplete ClientHello.
	// (Running past the read budget before completion is RecordTooLarge.)
	Truncated
	// Malformed is returned when a length field reads past the bytes
	// already declared to be part of the message.
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case RecordTooLarge:
		return "RecordTooLarge"
	case BadRecordType:
		return "BadRecordType"
	case BadVersion:
		return "BadVersion"
	case Truncated:
		return "Truncated"
	case Malformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrorKind so it satisfies the error interface.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string { return "clienthello: " + e.Kind.String() }

// Status is the outcome of a single Feed call.
type Status int

const (
	// NeedMore means the caller should read more bytes from the
	// connection and Feed them in.
	NeedMore Status = iota
	// Done means the ClientHello has been fully located; call SNI.
	Done
	// NotTls means the byte prefix cannot be the start of a TLS record.
	NotTls
	// Err means a protocol violation was found; call LastError.
	Err
)

const (
	maxRecordLen    = 16384 + 2048
	helloReadBudget = 18 * 1024
	recordHeaderLen = 5
	handshakeHdrLen = 4
)

var httpMethodPrefixes = []string{
	"GET ", "POST ", "HEAD ", "PUT ", "DELETE ", "CONNECT ", "OPTIONS ", "TRACE ", "PATCH ",
}

// Parser incrementally consumes bytes from the start of a TLS connection.
// It is restartable only by constructing a new instance via New.
type Parser struct {
	buf        []byte
	done       bool
	notTls     bool
	errored    bool
	recordVer  [2]byte
	haveVer    bool
	sni        string
	sniPresent bool
	lastErr    ErrorKind
	looksHTTP  bool
}

// New returns a buffer-backed Parser. buf, if non-nil, is reused storage
// (see the sync.Pool-backed pooling in internal/connproxy) and is reset to
// length 0 before use.
func New(buf []byte) *Parser {
	return &Parser{buf: buf[:0]}
}

// Buffered returns the bytes accumulated so far, including a completed
// ClientHello — callers replay this prefix to the upstream once connected.
func (p *Parser) Buffered() []byte { return p.buf }

// RecordVersion returns the 2-byte TLS record version captured from the
// first record header, for use when echoing a version in a fallback alert.
// Ok is false if no record header has been read yet.
func (p *Parser) RecordVersion() (ver [2]byte, ok bool) { return p.recordVer, p.haveVer }

// LastError returns the kind recorded by the most recent Err status.
func (p *Parser) LastError() ErrorKind { return p.lastErr }

// LooksLikeHTTP returns whether the prefix that triggered NotTls resembled
// a printable HTTP request line.
func (p *Parser) LooksLikeHTTP() bool { return p.looksHTTP }

// SNI returns the lowercased host_name from the server_name extension, and
// whether one was present, valid only after Feed has returned Done.
func (p *Parser) SNI() (string, bool) { return p.sni, p.sniPresent }

// Feed appends chunk to the accumulated buffer and re-evaluates parse
// progress. It never reads past the bytes it has been given.
func (p *Parser) Feed(chunk []byte) Status {
	if p.done {
		return Done
	}
	if p.notTls {
		return NotTls
	}
	if p.errored {
		return Err
	}
	p.buf = append(p.buf, chunk...)

	if len(p.buf) == 0 {
		return NeedMore
	}

	if p.buf[0] != 0x16 {
		p.looksHTTP = looksLikeHTTP(p.buf)
		p.notTls = true
		return NotTls
	}

	if len(p.buf) < recordHeaderLen {
		return NeedMore
	}

	major, minor := p.buf[1], p.buf[2]
	if !p.haveVer {
		p.recordVer = [2]byte{major, minor}
		p.haveVer = true
	}
	if major != 3 || minor < 1 || minor > 4 {
		p.lastErr = BadVersion
		return p.fail(BadVersion)
	}

	recordLen := int(p.buf[3])<<8 | int(p.buf[4])
	if recordLen > maxRecordLen {
		return p.fail(RecordTooLarge)
	}

	total := recordHeaderLen + recordLen
	if len(p.buf) > helloReadBudget && len(p.buf) < total {
		return p.fail(RecordTooLarge)
	}
	if len(p.buf) < total {
		return NeedMore
	}

	// Full record buffered; the handshake message must start right at
	// the record body.
	body := p.buf[recordHeaderLen:total]
	if len(body) < handshakeHdrLen {
		return p.fail(Malformed)
	}
	if body[0] != 0x01 {
		return p.fail(Malformed)
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if handshakeHdrLen+hsLen > len(body) {
		// The spec restricts support to single-record ClientHellos;
		// a handshake body that doesn't fit in this one record is
		// Malformed rather than NeedMore.
		return p.fail(Malformed)
	}

	sni, present, err := extractSNI(body[handshakeHdrLen : handshakeHdrLen+hsLen])
	if err != nil {
		return p.fail(Malformed)
	}
	p.sni = sni
	p.sniPresent = present
	p.done = true
	return Done
}

// Finish tells the parser the underlying connection reached EOF with no
// further bytes coming. If the ClientHello was still incomplete, this
// yields Err(Truncated) rather than leaving the caller to guess; a prior
// terminal outcome (Done/NotTls/Err) is returned unchanged.
func (p *Parser) Finish() Status {
	switch {
	case p.done:
		return Done
	case p.notTls:
		return NotTls
	case p.errored:
		return Err
	default:
		return p.fail(Truncated)
	}
}

func (p *Parser) fail(kind ErrorKind) Status {
	p.lastErr = kind
	p.errored = true
	return Err
}

func looksLikeHTTP(buf []byte) bool {
	for _, prefix := range httpMethodPrefixes {
		n := len(prefix)
		if len(buf) >= n && strings.EqualFold(string(buf[:n]), prefix) {
			return true
		}
	}
	return false
}

// extractSNI decodes a ClientHello handshake body (the bytes after the
// 1-byte type + 3-byte length) using cryptobyte, returning the lowercased
// host_name from the first server_name entry of type host_name, if any.
func extractSNI(data []byte) (sni string, present bool, err error) {
	s := cryptobyte.String(data)

	if !s.Skip(2) { // client_version
		return "", false, errBadClientHello
	}
	if !s.Skip(32) { // random
		return "", false, errBadClientHello
	}

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return "", false, errBadClientHello
	}

	var cipherSuites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&cipherSuites) {
		return "", false, errBadClientHello
	}

	var compressionMethods cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", false, errBadClientHello
	}

	if s.Empty() {
		// No extensions block at all; legal ClientHello, just no SNI.
		return "", false, nil
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return "", false, errBadClientHello
	}

	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", false, errBadClientHello
		}
		if extType != 0x0000 { // server_name
			continue
		}

		var serverNameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&serverNameList) {
			return "", false, errBadClientHello
		}
		for !serverNameList.Empty() {
			var nameType uint8
			var hostName cryptobyte.String
			if !serverNameList.ReadUint8(&nameType) || !serverNameList.ReadUint16LengthPrefixed(&hostName) {
				return "", false, errBadClientHello
			}
			if nameType != 0x00 {
				continue
			}
			name := string(hostName)
			if !isValidDNSName(name) {
				return "", false, errBadClientHello
			}
			return strings.ToLower(name), true, nil
		}
		// server_name extension present but no host_name entry.
		return "", false, nil
	}

	return "", false, nil
}

func isValidDNSName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

var errBadClientHello = &Error{Kind: Malformed}
