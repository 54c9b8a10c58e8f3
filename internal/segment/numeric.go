package segment

import (
	"encoding/binary"
	"math"
)

// Numeric fields are indexed under fixed-width binary tokens whose byte
// order matches the value order, so the sorted term dictionary doubles as a
// sorted value index.

// I64Token encodes an int64 as an order-preserving 8-byte token.
func I64Token(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf[:]
}

// F64Token encodes a float64 as an order-preserving 8-byte token.
func F64Token(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		// Negative: flip all bits so more negative sorts lower.
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return buf[:]
}
