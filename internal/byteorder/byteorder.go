package byteorder

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// https://linux.die.net/man/3/ntohs
// https://github.com/vishvananda/netlink/blob/e5fd1f8193dee65ec93fafde8faf67e32a34692a/order.go

// decrypt names:
// h  = host
// n  = network
// s  = short     = 16 bit
// l  = long      = 32 bit

func Htonl(val uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, val)
}

func Htons(val uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, val)
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// PutFixedString writes s into dst as a NUL-terminated C string, truncating
// on a rune boundary so that the terminator always fits. Remaining bytes of
// dst are zeroed.
func PutFixedString(dst []byte, s string) {
	clear(dst)
	if len(dst) == 0 {
		return
	}
	if len(s) > len(dst)-1 {
		n := len(dst) - 1
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	n := copy(dst, s)
	dst[n] = 0
}

// FixedString reads a NUL-terminated string out of a fixed-width field. A
// field without a terminator is taken whole.
func FixedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}
