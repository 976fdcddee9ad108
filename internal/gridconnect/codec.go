// Package gridconnect carries CBUS frames over a byte stream in GridConnect
// ASCII form (":SB020N9000010002;"), as spoken by USB/serial CAN adapters
// such as the CANUSB4 and by TCP configuration tools.
package gridconnect

import (
	"bytes"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
)

const (
	frameStart = ':'
	frameEnd   = ';'
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer has grown
// large relative to its unread bytes. It returns true if compaction occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

func (Codec) Encode(f cbus.Frame) []byte {
	return cbus.AppendEncode(make([]byte, 0, cbus.MaxWireLen), f)
}

// DecodeStream consumes complete frames from in and emits them via out.
// Bytes outside ':' .. ';' (line endings, adapter chatter) are skipped.
// A frame that fails to parse, or a start marker with no terminator within
// the longest legal frame, is counted as malformed and skipped; the scan
// resumes at the next ':'. A trailing partial frame stays in in.
func (Codec) DecodeStream(in *bytes.Buffer, out func(cbus.Frame)) error {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		i := bytes.IndexByte(data, frameStart)
		if i < 0 {
			in.Reset()
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		end := bytes.IndexByte(data, frameEnd)
		if end < 0 {
			if len(data) > cbus.MaxWireLen {
				metrics.IncMalformed()
				in.Next(resync(data))
				continue
			}
			return nil
		}
		// A second ':' before the terminator means the first frame was cut.
		if j := bytes.LastIndexByte(data[:end], frameStart); j > 0 {
			metrics.IncMalformed()
			in.Next(j)
			continue
		}
		f, err := cbus.Decode(string(data[:end+1]))
		in.Next(end + 1)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		out(f)
	}
}

// resync returns how many bytes to drop so that data starts at the next
// frame start after the current one, or all of it when there is none.
func resync(data []byte) int {
	if j := bytes.IndexByte(data[1:], frameStart); j >= 0 {
		return j + 1
	}
	return len(data)
}
