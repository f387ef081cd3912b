// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a bitmap with range operations. The reassembly
// code uses it to record which units of a datagram have arrived.
package bitmap

import (
	"math/bits"
)

// Bitmap is a growable set of bits.
type Bitmap struct {
	// numOnes is the number of set bits.
	numOnes uint32

	// bitBlock holds the bits, 64 to an element.
	bitBlock []uint64
}

// New creates an empty Bitmap with room for size bits.
func New(size uint32) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// IsEmpty reports whether no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the number of bits the bitmap holds without growing.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// blockMask returns the bits of block i that fall in [begin, end).
func blockMask(i, begin, end uint32) uint64 {
	lo, hi := i*64, i*64+64
	m := ^uint64(0)
	if begin > lo {
		m &= ^uint64(0) << (begin - lo)
	}
	if end < hi {
		m &= ^uint64(0) >> (hi - end)
	}
	return m
}

// SetRange sets every bit in [begin, end). The bitmap grows as needed.
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	if n := int((end + 63) / 64); n > len(b.bitBlock) {
		b.bitBlock = append(b.bitBlock, make([]uint64, n-len(b.bitBlock))...)
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		m := blockMask(i, begin, end)
		b.numOnes += uint32(bits.OnesCount64(m &^ b.bitBlock[i]))
		b.bitBlock[i] |= m
	}
}

// IsRangeSet reports whether every bit in [begin, end) is set. An empty
// range is set.
func (b *Bitmap) IsRangeSet(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	if int((end+63)/64) > len(b.bitBlock) {
		return false
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		if m := blockMask(i, begin, end); b.bitBlock[i]&m != m {
			return false
		}
	}
	return true
}

// Reset clears every bit.
func (b *Bitmap) Reset() {
	clear(b.bitBlock)
	b.numOnes = 0
}
