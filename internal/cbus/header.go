package cbus

import "encoding/binary"

// Header is the CBUS view of a standard 11-bit identifier:
// 2-bit major priority, 2-bit minor priority and 7-bit CAN id, in that order.
type Header struct {
	MajorPriority uint8
	MinorPriority uint8
	CANID         uint8
}

// Register image bits shared by the standard and extended id layouts.
const (
	sidlSID  = 0xE0 // SID2..SID0 in SIDL
	sidlEXID = 0x03 // EID17..EID16 in SIDL
)

// ID returns the wire id field for a standard frame: the 11-bit identifier
// shifted into the SIDH:SIDL register pair.
func (h Header) ID() uint32 {
	sid := uint32(h.MajorPriority&0x03)<<9 | uint32(h.MinorPriority&0x03)<<7 | uint32(h.CANID&0x7F)
	return sid << 5
}

// ParseHeader splits a standard wire id field into its CBUS parts.
func ParseHeader(id uint32) Header {
	sid := StandardID(id)
	return Header{
		MajorPriority: uint8(sid>>9) & 0x03,
		MinorPriority: uint8(sid>>7) & 0x03,
		CANID:         uint8(sid) & 0x7F,
	}
}

// StandardID extracts the 11-bit identifier from a standard wire id field.
func StandardID(id uint32) uint32 { return (id >> 5) & 0x7FF }

// CANID returns the logical identifier of f: 11 bits for standard frames,
// 29 bits for extended frames.
func (f Frame) CANID() uint32 {
	if !f.Extended {
		return StandardID(f.ID)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], f.ID)
	return uint32(b[0])<<21 | uint32(b[1]&sidlSID)<<13 | uint32(b[1]&sidlEXID)<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// FromCANID builds a frame from a logical identifier, the inverse of CANID.
func FromCANID(id uint32, extended, remote bool, data []byte) Frame {
	f := Frame{Extended: extended, Remote: remote}
	if extended {
		id &= 0x1FFFFFFF
		b := [4]byte{
			byte(id >> 21),
			byte((id>>13)&sidlSID) | byte((id>>16)&sidlEXID),
			byte(id >> 8),
			byte(id),
		}
		f.ID = binary.BigEndian.Uint32(b[:])
	} else {
		f.ID = (id & 0x7FF) << 5
	}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}
