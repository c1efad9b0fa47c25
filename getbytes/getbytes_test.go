package getbytes

import (
	"encoding/hex"
	"testing"
)

func TestFromSlice(t *testing.T) {
	var byteslicetests = []struct {
		byteslice []byte
		expect    string
	}{
		{FromSliceUint16([]uint16{0xABCD, 0xEF01, 0x2345, 0x6789}), "cdab01ef45238967"},
		{FromSliceUint32([]uint32{0xABCDEF01, 0x23456789}), "01efcdab89674523"},
		{FromSliceFloat64([]float64{2, 4}), "00000000000000400000000000001040"},
		{FromSliceUint16([]uint16{}), ""},
		{FromSliceUint32(nil), ""},
		{FromSliceFloat64([]float64{}), ""},
	}
	for _, test := range byteslicetests {
		encodedStr := hex.EncodeToString(test.byteslice)
		if expectStr := test.expect; encodedStr != expectStr {
			t.Errorf("want %v, have %v", expectStr, encodedStr)
		}
	}
}

func TestAliasing(t *testing.T) {
	pixels := make([]uint16, 3)
	copy(FromSliceUint16(pixels), []byte{1, 0, 2, 0, 0xff, 0xff})
	want := []uint16{1, 2, 0xffff}
	for i := range want {
		if pixels[i] != want[i] {
			t.Errorf("pixels[%d] = %d, want %d", i, pixels[i], want[i])
		}
	}
}
