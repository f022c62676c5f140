package wal

import "encoding/binary"

// Checksum accumulates the SQLite WAL checksum over data, starting from
// s0 and s1. data length must be a multiple of 8.
func Checksum(order binary.ByteOrder, data []byte, s0, s1 uint32) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		s0 += order.Uint32(data[i:]) + s1
		s1 += order.Uint32(data[i+4:]) + s0
	}
	return s0, s1
}

func byteOrder(magic uint32) binary.ByteOrder {
	if magic&1 != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
