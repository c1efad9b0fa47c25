// Package getbytes views pixel and sample slices as raw bytes without copying.
// The views alias the original slice and use host byte order.
package getbytes

import (
	"unsafe"
)

// FromSliceUint16 views a []uint16 (pixel data) as []byte
func FromSliceUint16(d []uint16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), len(d)*int(unsafe.Sizeof(d[0])))
}

// FromSliceUint32 views a []uint32 (raw counter readings) as []byte
func FromSliceUint32(d []uint32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), len(d)*int(unsafe.Sizeof(d[0])))
}

// FromSliceFloat64 views a []float64 (sample data) as []byte
func FromSliceFloat64(d []float64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), len(d)*int(unsafe.Sizeof(d[0])))
}
