package bitset

import (
	"fmt"
	"iter"
	"math/bits"
)

// MaxWords specifies the number of 64-bit words in the bitset.
const MaxWords = 16

// MaxBits is the number of indices a TinyBitset can hold.
const MaxBits = 64 * MaxWords

// TinyBitset implements constant-length bitset.
//
// This structure is comparable and can be used as a key in maps. The HAL
// simulator uses it as a per-object-type handle index pool.
type TinyBitset struct {
	words [MaxWords]uint64
}

// Count returns the number of bits set in the bitset.
func (m *TinyBitset) Count() uint {
	count := uint(0)
	for _, word := range m.words {
		count += uint(bits.OnesCount64(word))
	}

	return count
}

// Insert inserts the given index into the bitset.
func (m *TinyBitset) Insert(idx uint32) {
	if idx >= MaxBits {
		panic(fmt.Sprintf("index %d is too big: must be less than %d", idx, MaxBits))
	}

	m.words[idx/64] |= 1 << (idx % 64)
}

// Remove clears the given index. Out of range indices are ignored.
func (m *TinyBitset) Remove(idx uint32) {
	if idx >= MaxBits {
		return
	}

	m.words[idx/64] &^= 1 << (idx % 64)
}

// Contains reports whether the given index is set.
func (m *TinyBitset) Contains(idx uint32) bool {
	if idx >= MaxBits {
		return false
	}

	return m.words[idx/64]&(1<<(idx%64)) != 0
}

// FirstUnset returns the lowest index that is not set, limited to the first
// "limit" bits.
func (m *TinyBitset) FirstUnset(limit uint32) (uint32, bool) {
	limit = min(limit, MaxBits)

	for idx, word := range m.words {
		if word == ^uint64(0) {
			continue
		}

		r := uint32(64*idx + bits.TrailingZeros64(^word))
		if r >= limit {
			return 0, false
		}
		return r, true
	}

	return 0, false
}

// Traverse traverses the bitset and calls the given function for each bit set.
//
// Iteration is performed from the least significant bit to the most
// significant one.
func (m *TinyBitset) Traverse(fn func(uint32) bool) {
	for idx, word := range m.words {
		for word > 0 {
			r := bits.TrailingZeros64(word)
			// Clears the lowest set bit, compiles to a single "blsr".
			word &= word - 1

			if !fn(64*uint32(idx) + uint32(r)) {
				return
			}
		}
	}
}

// Iter returns an iterator over the set indices.
func (m *TinyBitset) Iter() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		m.Traverse(yield)
	}
}

// AsSlice returns the bitset as a slice of indices, where each index is a
// position of the bit set.
func (m *TinyBitset) AsSlice() []uint32 {
	out := make([]uint32, 0, m.Count())

	m.Traverse(func(idx uint32) bool {
		out = append(out, idx)
		return true
	})

	return out
}
