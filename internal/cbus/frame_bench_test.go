package cbus

import "testing"

func BenchmarkEncode(b *testing.B) {
	f := NewMessage(Header{MajorPriority: 2, MinorPriority: 3, CANID: 12}, OpACON, 0, 1, 0, 2)
	var buf [MaxWireLen]byte
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = AppendEncode(buf[:0], f)
	}
}

func BenchmarkDecode(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(":SB180N9000010002;")
	}
}
