// Package http2utils holds the small byte-twiddling helpers shared by the
// frame codec: big-endian integer packing, buffer resizing and padding.
package http2utils

import (
	"crypto/rand"
	"unsafe"

	"github.com/valyala/fastrand"
)

func Uint24ToBytes(b []byte, n uint32) {
	_ = b[2] // bound checking
	b[0] = byte(n >> 16)
	b[1] = byte(n >> 8)
	b[2] = byte(n)
}

func BytesToUint24(b []byte) uint32 {
	_ = b[2] // bound checking
	return uint32(b[0])<<16 |
		uint32(b[1])<<8 |
		uint32(b[2])
}

func AppendUint32Bytes(dst []byte, n uint32) []byte {
	dst = append(dst, byte(n>>24))
	dst = append(dst, byte(n>>16))
	dst = append(dst, byte(n>>8))
	dst = append(dst, byte(n))
	return dst
}

func Uint32ToBytes(b []byte, n uint32) {
	_ = b[3] // bound checking
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

func BytesToUint32(b []byte) uint32 {
	_ = b[3] // bound checking
	return uint32(b[0])<<24 |
		uint32(b[1])<<16 |
		uint32(b[2])<<8 |
		uint32(b[3])
}

func EqualsFold(a, b []byte) bool {
	n := len(a)
	if n != len(b) {
		return false
	}
	for i := 0; i < n; i++ {
		if a[i]|0x20 != b[i]|0x20 {
			return false
		}
	}
	return true
}

func Resize(b []byte, neededLen int) []byte {
	b = b[:cap(b)]

	if n := neededLen - len(b); n > 0 {
		b = append(b, make([]byte, n)...)
	}

	return b[:neededLen]
}

// ErrPadding is returned by CutPadding when a peer advertises a pad length
// that does not fit inside the frame payload it claims to pad.
var ErrPadding = errPadding{}

type errPadding struct{}

func (errPadding) Error() string { return "http2: pad length exceeds frame payload" }

// CutPadding strips the 1-byte pad-length prefix and trailing padding octets
// from payload (a frame whose PADDED flag is set), given the frame's declared
// total length. Unlike the teacher's original (which panics on a malformed
// pad length — a peer-triggerable crash), this reports ErrPadding instead.
func CutPadding(payload []byte, length int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrPadding
	}

	pad := int(payload[0])
	if pad < 0 || length-pad-1 < 0 || len(payload) < length-pad-1 {
		return nil, ErrPadding
	}

	return payload[1 : length-pad], nil
}

// AddPadding prepends a 1-byte pad length n, chosen at random in 9..255, and
// appends n padding octets after the data, per RFC 7540 §6.1's PADDED flag.
func AddPadding(b []byte) []byte {
	n := int(fastrand.Uint32n(256-9)) + 9
	nn := len(b)

	b = Resize(b, nn+n)
	b = append(b[:1], b...)

	b[0] = uint8(n)

	rand.Read(b[nn+1 : nn+n])

	return b
}

func FastBytesToString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func FastStringToBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
