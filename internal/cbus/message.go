package cbus

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// NewMessage builds a standard CBUS data frame: opcode followed by args.
// Arguments beyond seven bytes are dropped.
func NewMessage(h Header, op Opcode, args ...byte) Frame {
	f := Frame{ID: h.ID()}
	f.Data[0] = byte(op)
	f.Len = 1 + uint8(copy(f.Data[1:], args))
	return f
}

// Arg returns data byte i counted after the opcode (0-based), or 0 when the
// frame is shorter.
func (f Frame) Arg(i int) byte {
	if i < 0 || 1+i >= int(f.Len) {
		return 0
	}
	return f.Data[1+i]
}

// NodeNumber reads the node number carried in the first two argument bytes.
func (f Frame) NodeNumber() uint16 { return uint16(f.Arg(0))<<8 | uint16(f.Arg(1)) }

// EventNumber reads the event or device number in argument bytes 2-3.
func (f Frame) EventNumber() uint16 { return uint16(f.Arg(2))<<8 | uint16(f.Arg(3)) }

// EventIdentifier is the node number and event number of a long event
// as stored in the event table.
func (f Frame) EventIdentifier() string { return EventIdentifier(f.NodeNumber(), f.EventNumber()) }

// EventIdentifier formats a node number and event number as the 8 upper-case
// hex digit key used by the event table.
func EventIdentifier(nn, en uint16) string {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], nn)
	binary.BigEndian.PutUint16(b[2:4], en)
	out := make([]byte, 0, 8)
	for _, c := range b {
		out = append(out, hexUpper[c>>4], hexUpper[c&0x0F])
	}
	return string(out)
}

// ParseEventIdentifier splits an event identifier back into its numbers.
func ParseEventIdentifier(id string) (nn, en uint16, err error) {
	if len(id) != 8 || !isHex(id) {
		return 0, 0, fmt.Errorf("cbus: invalid event identifier %q", id)
	}
	v, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("cbus: invalid event identifier %q: %w", id, err)
	}
	return uint16(v >> 16), uint16(v), nil
}

// NormalizeEventIdentifier validates id and returns it in upper case.
func NormalizeEventIdentifier(id string) (string, error) {
	if _, _, err := ParseEventIdentifier(id); err != nil {
		return "", err
	}
	return strings.ToUpper(id), nil
}
