package format

// Variable-length integer encoding/decoding (SQLite format):
//   - Lower 7 bits of each byte are used for data
//   - High bit (0x80) set on all bytes except the last
//   - Most significant byte first (big-endian)
//   - Maximum of 9 bytes (last byte uses all 8 bits)

// MaxVarintLen is the longest varint encoding.
const MaxVarintLen = 9

// GetVarint reads a varint from p and returns the value and the number of
// bytes read. A truncated varint yields n == 0.
func GetVarint(p []byte) (v uint64, n int) {
	for i := 0; i < MaxVarintLen-1; i++ {
		if i >= len(p) {
			return 0, 0
		}
		v = (v << 7) | uint64(p[i]&0x7f)
		if p[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	if len(p) < MaxVarintLen {
		return 0, 0
	}
	return (v << 8) | uint64(p[MaxVarintLen-1]), MaxVarintLen
}

// PutVarint writes v to p and returns the number of bytes written. p must
// have room for VarintLen(v) bytes.
func PutVarint(p []byte, v uint64) int {
	if v&(uint64(0xff000000)<<32) != 0 {
		// 9-byte case: all 8 bits of the 9th byte are used
		p[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			p[i] = byte((v & 0x7f) | 0x80)
			v >>= 7
		}
		return 9
	}

	n := VarintLen(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v & 0x7f)
		if i < n-1 {
			b |= 0x80
		}
		p[i] = b
		v >>= 7
	}
	return n
}

// VarintLen returns the number of bytes required to encode v as a varint
func VarintLen(v uint64) int {
	if v&(uint64(0xff000000)<<32) != 0 {
		return 9
	}
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// SerialTypeSize returns the number of body bytes used by a record serial
// type, and false for the reserved types 10 and 11.
func SerialTypeSize(serialType uint64) (uint64, bool) {
	switch serialType {
	case 0, 8, 9:
		return 0, true
	case 1:
		return 1, true
	case 2:
		return 2, true
	case 3:
		return 3, true
	case 4:
		return 4, true
	case 5:
		return 6, true
	case 6, 7:
		return 8, true
	case 10, 11:
		return 0, false
	}
	return (serialType - 12) / 2, true
}
