// Package bitset is a dense set of small non-negative integers, used for router grants and path search.
package bitset

import (
	"fmt"
	"math/bits"
)

func NewBitSet(len uint64) BitSet {
	words := (len + 63) / 64
	bits := make([]uint64, words)
	return bits
}

type BitSet []uint64

// IsSet reports whether index is in the set. Indices beyond the set's capacity are unset.
func (b BitSet) IsSet(index uint64) bool {
	wordPosition := index / 64
	if wordPosition >= uint64(len(b)) {
		return false
	}
	mask := uint64(1) << (index % 64)
	return (b[wordPosition] & mask) != 0
}

func (b BitSet) Set(index uint64) {
	wordPosition := index / 64
	bitPosition := index % 64
	mask := uint64(1) << bitPosition

	b[wordPosition] |= mask
}

func (b BitSet) Unset(index uint64) {
	wordPosition := index / 64
	if wordPosition >= uint64(len(b)) {
		return
	}
	b[wordPosition] = b[wordPosition] &^ (uint64(1) << (index % 64))
}

func (b BitSet) Clear() {
	for i := range b {
		b[i] = 0
	}
}

func (b BitSet) SetFrom(o BitSet) {
	if len(b) != len(o) {
		panic(fmt.Sprintf("bitsets must be same size: got %d vs %d", len(b), len(o)))
	}
	copy(b, o)
}

// Grow returns a set able to hold index n-1, reusing b when it is already large enough.
func (b BitSet) Grow(n uint64) BitSet {
	words := int((n + 63) / 64)
	if words <= len(b) {
		return b
	}
	grown := make(BitSet, words)
	copy(grown, b)
	return grown
}

// Clone returns an independent copy of b.
func (b BitSet) Clone() BitSet {
	c := make(BitSet, len(b))
	copy(c, b)
	return c
}

// Count returns the number of set bits.
func (b BitSet) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Indices returns the set members in ascending order.
func (b BitSet) Indices() []uint64 {
	out := make([]uint64, 0, b.Count())
	for i, w := range b {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, uint64(i)*64+uint64(tz))
			w &= w - 1
		}
	}
	return out
}
