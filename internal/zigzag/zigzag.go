// Package zigzag maps signed integers onto unsigned ones so that values of
// small magnitude stay small:
//
//	      int32 ->     uint32
//	-------------------------
//	          0 ->          0
//	         -1 ->          1
//	          1 ->          2
//	         -2 ->          3
//	 2147483647 -> 4294967294
//	-2147483648 -> 4294967295
//
// Player info fields (team, colour, position) use it before being written
// as fixed big-endian words, and difficulty/bot index use the 8 bit form.
package zigzag

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}

func Encode8(n int8) uint8 {
	return uint8((n << 1) ^ (n >> 7))
}

func Decode8(n uint8) int8 {
	return int8(n>>1) ^ -int8(n&1)
}
