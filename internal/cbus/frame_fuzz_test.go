package cbus

import "testing"

// FuzzDecode ensures the decoder never panics and that anything it accepts
// re-encodes to an equivalent frame.
func FuzzDecode(f *testing.F) {
	for _, s := range []string{":SB020N;", ":SB020N0D;", ":X12345678R;", ":SB960N9000010002;", ":S;"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		fr, err := Decode(s)
		if err != nil {
			return
		}
		again, err := Decode(Encode(fr))
		if err != nil || again != fr {
			t.Fatalf("re-encode of %q changed frame: %+v vs %+v (%v)", s, fr, again, err)
		}
	})
}
