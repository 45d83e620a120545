package aehd

import "math/bits"

// bitmap is a fixed-size bit set backed by 64-bit words, used to track
// which GSI numbers are live in the routing table.
type bitmap []uint64

func newBitmap(nbits int) bitmap {
	return make(bitmap, (nbits+63)/64)
}

func (b bitmap) set(i int) {
	b[i/64] |= 1 << (i % 64)
}

func (b bitmap) clear(i int) {
	b[i/64] &^= 1 << (i % 64)
}

func (b bitmap) test(i int) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

// firstZero returns the lowest unset bit below limit, or -1 if every bit
// below limit is set.
func (b bitmap) firstZero(limit int) int {
	for w, word := range b {
		if word == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^word)
		if i >= limit {
			return -1
		}
		return i
	}
	return -1
}
