package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>).
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// frameSize is sizeof(struct can_frame), the classic CAN MTU.
const frameSize = 16

// errErrorFrame marks controller error reports, which carry no CBUS data.
var errErrorFrame = errors.New("socketcan: error frame")

// KernelID returns the can_id of f with EFF/RTR flags.
func KernelID(f cbus.Frame) uint32 {
	id := f.CANID()
	if f.Extended {
		id |= CAN_EFF_FLAG
	}
	if f.Remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromKernel builds a frame from a can_id with flags and its payload.
func FromKernel(id uint32, data []byte) cbus.Frame {
	ext := id&CAN_EFF_FLAG != 0
	mask := uint32(CAN_SFF_MASK)
	if ext {
		mask = CAN_EFF_MASK
	}
	return cbus.FromCANID(id&mask, ext, id&CAN_RTR_FLAG != 0, data)
}

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel uses host byte order; this assumes little-endian hosts.
func marshal(f cbus.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], KernelID(f))
	n := f.Len
	if n > cbus.MaxPayload {
		n = cbus.MaxPayload
	}
	buf[4] = n
	copy(buf[8:], f.Data[:n])
	return buf
}

func unmarshal(buf []byte) (cbus.Frame, error) {
	if len(buf) != frameSize {
		return cbus.Frame{}, fmt.Errorf("short read: %d", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&CAN_ERR_FLAG != 0 {
		return cbus.Frame{}, errErrorFrame
	}
	dlc := int(buf[4])
	if dlc > cbus.MaxPayload {
		dlc = cbus.MaxPayload
	}
	return FromKernel(id, buf[8:8+dlc]), nil
}
