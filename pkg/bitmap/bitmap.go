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

// Package bitmap provides a fixed-size bitmap used to track free frames and
// free swap slots.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits numbered [0, Size()).
//
// Bitmap is not safe for concurrent use. Users hold their own lock.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each uint64 contains 64 entries. Bits at or
	// beyond size are always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsFull returns true if every bit is set.
func (b *Bitmap) IsFull() bool {
	return b.numOnes == b.size
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Has returns true if bit i is set. Bits out of range are never set.
func (b *Bitmap) Has(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit in the range [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i)*64
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == len(b.bitBlock) {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.numOnes++
		b.bitBlock[blockNum] |= mask
	}
}

// Remove clears bit i. Out of range bits are ignored.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.numOnes--
		b.bitBlock[blockNum] &^= mask
	}
}

// ToSlice transforms the Bitmap into a slice of set bits, in increasing
// order.
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			r := bits.TrailingZeros64(w)
			bitmapSlice = append(bitmapSlice, uint32(i*64+r))
			w &= w - 1
		}
	}
	return bitmapSlice
}
