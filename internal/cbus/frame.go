// Package cbus implements the GridConnect ASCII representation of CAN frames
// used by CBUS, the CBUS header layout and the opcode set understood by the node.
package cbus

import (
	"errors"
)

// Wire format errors. Decode returns exactly one of these (unwrapped) so
// callers can classify with errors.Is.
var (
	ErrFrameTooShort         = errors.New("cbus: frame too short")
	ErrMalformedFrame        = errors.New("cbus: malformed frame")
	ErrNonHexDigits          = errors.New("cbus: non-hex digits")
	ErrUnrecognizedFrameKind = errors.New("cbus: unrecognized frame kind")
)

const (
	// MinWireLen is the shortest acceptable wire string (":SB020N;").
	MinWireLen = 8
	// MaxWireLen is the longest wire string: extended id with 8 data bytes.
	MaxWireLen = 2 + 8 + 1 + 2*MaxPayload + 1
	MaxPayload = 8
)

const hexUpper = "0123456789ABCDEF"

// Frame is one CAN frame as carried in GridConnect form.
//
// ID holds the identifier field exactly as it appears on the wire, which is
// the controller's register image: SIDH:SIDL for standard frames (the 11-bit
// identifier sits in the top bits, see Header) and SIDH:SIDL:EID8:EID0 for
// extended frames. Only the first Len bytes of Data are meaningful.
type Frame struct {
	Extended bool
	Remote   bool
	ID       uint32
	Len      uint8
	Data     [MaxPayload]byte
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxPayload {
		n = MaxPayload
	}
	return f.Data[:n]
}

// Opcode returns the CBUS opcode carried in the first data byte.
// Remote and zero-length frames carry no opcode.
func (f Frame) Opcode() (Opcode, bool) {
	if f.Remote || f.Len == 0 {
		return 0, false
	}
	return Opcode(f.Data[0]), true
}

// Encode renders f in wire form. Hex digits are emitted in upper case.
func Encode(f Frame) string {
	var b [MaxWireLen]byte
	return string(AppendEncode(b[:0], f))
}

// AppendEncode appends the wire form of f to dst.
func AppendEncode(dst []byte, f Frame) []byte {
	dst = append(dst, ':')
	if f.Extended {
		dst = append(dst, 'X')
		dst = appendHex(dst, f.ID, 8)
	} else {
		dst = append(dst, 'S')
		dst = appendHex(dst, f.ID&0xFFFF, 4)
	}
	if f.Remote {
		dst = append(dst, 'R')
	} else {
		dst = append(dst, 'N')
	}
	for _, b := range f.Payload() {
		dst = append(dst, hexUpper[b>>4], hexUpper[b&0x0F])
	}
	return append(dst, ';')
}

func appendHex(dst []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		dst = append(dst, hexUpper[(v>>(uint(i)*4))&0x0F])
	}
	return dst
}

// Decode parses a wire string. Both hex cases are accepted.
func Decode(s string) (Frame, error) {
	var f Frame
	if len(s) < MinWireLen {
		return f, ErrFrameTooShort
	}
	if s[0] != ':' || s[len(s)-1] != ';' {
		return f, ErrMalformedFrame
	}
	var idDigits int
	switch s[1] {
	case 'S':
		idDigits = 4
	case 'X':
		idDigits = 8
		f.Extended = true
	default:
		return f, ErrUnrecognizedFrameKind
	}
	marker := 2 + idDigits
	if len(s) < marker+2 {
		return f, ErrFrameTooShort
	}
	payload := s[marker+1 : len(s)-1]
	if !isHex(s[2:marker]) || !isHex(payload) {
		return f, ErrNonHexDigits
	}
	switch s[marker] {
	case 'N':
	case 'R':
		f.Remote = true
	default:
		return f, ErrMalformedFrame
	}
	if len(payload)%2 != 0 || len(payload) > 2*MaxPayload {
		return f, ErrMalformedFrame
	}
	for i := 2; i < marker; i++ {
		f.ID = f.ID<<4 | uint32(nibble(s[i]))
	}
	f.Len = uint8(len(payload) / 2)
	for i := 0; i < int(f.Len); i++ {
		f.Data[i] = nibble(payload[2*i])<<4 | nibble(payload[2*i+1])
	}
	return f, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func nibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
