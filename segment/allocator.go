/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package segment

import (
	"math/bits"
	"sync"

	"github.com/shmipc-go/dbshm/errs"
)

// Allocator is a buddy-system allocator over a sub-range of a Segment's
// region, used to reserve result-set wire buffers (spec.md §9's "implement
// a slab allocator over the segment and store indices rather than
// handles"). Unlike an in-process arena, Alloc/Free here deal exclusively
// in byte offsets relative to the arena's base: nothing we hand back can be
// dereferenced without going through Segment.At, so the allocator's state
// is itself relocation-safe if ever persisted.
type Allocator struct {
	seg  *Segment
	base int // offset of the arena within seg
	size int

	mu            sync.Mutex
	minBlockSize  int
	minBlockShift int
	maxBlockSize  int
	maxBlockOrder int
	freeLists     [][]int // per order, offsets relative to base
}

// NewAllocator creates a buddy allocator managing size bytes of seg
// starting at base, split into blocks between minBlock and maxBlock bytes
// (both powers of two, size a multiple of maxBlock).
func NewAllocator(seg *Segment, base, size, minBlock, maxBlock int) (*Allocator, error) {
	if minBlock <= 0 || minBlock&(minBlock-1) != 0 {
		return nil, errs.New(errs.Fatal, "segment: minBlock %d not a power of two", minBlock)
	}
	if maxBlock <= 0 || maxBlock&(maxBlock-1) != 0 {
		return nil, errs.New(errs.Fatal, "segment: maxBlock %d not a power of two", maxBlock)
	}
	if size < maxBlock || size%maxBlock != 0 {
		return nil, errs.New(errs.Fatal, "segment: arena size %d must be a multiple of maxBlock %d", size, maxBlock)
	}
	minShift := bits.TrailingZeros(uint(minBlock))
	maxShift := bits.TrailingZeros(uint(maxBlock))
	maxOrder := maxShift - minShift

	a := &Allocator{
		seg:           seg,
		base:          base,
		size:          size,
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxOrder,
		freeLists:     make([][]int, maxOrder+1),
	}
	numRoots := size / maxBlock
	a.freeLists[maxOrder] = make([]int, numRoots)
	for i := 0; i < numRoots; i++ {
		a.freeLists[maxOrder][i] = i * maxBlock
	}
	return a, nil
}

func (a *Allocator) orderForSize(size int) int {
	if size <= a.minBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - a.minBlockShift
}

// Alloc reserves at least size bytes and returns the arena-relative offset
// of the reservation (add the arena's base offset to get a Segment-relative
// offset, or call At directly). ok is false when no block is large enough.
func (a *Allocator) Alloc(size int) (offset int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size <= 0 || size > a.maxBlockSize {
		return 0, false
	}
	order := a.orderForSize(size)
	if fl := a.freeLists[order]; len(fl) > 0 {
		offset = fl[len(fl)-1]
		a.freeLists[order] = fl[:len(fl)-1]
		return offset, true
	}
	return a.allocSlow(size, order)
}

func (a *Allocator) allocSlow(size, order int) (int, bool) {
	foundOrder := -1
	for o := order + 1; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			foundOrder = o
			break
		}
	}
	if foundOrder == -1 {
		foundOrder = a.coalesceUntil(order)
		if foundOrder == -1 {
			return 0, false
		}
	}
	fl := a.freeLists[foundOrder]
	offset := fl[len(fl)-1]
	a.freeLists[foundOrder] = fl[:len(fl)-1]

	for foundOrder > order {
		foundOrder--
		right := offset + (a.minBlockSize << foundOrder)
		a.freeLists[foundOrder] = append(a.freeLists[foundOrder], right)
	}
	return offset, true
}

// Free returns a block previously returned by Alloc, identified by its
// offset and the size originally requested.
func (a *Allocator) Free(offset, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order := a.orderForSize(size)
	a.freeLists[order] = append(a.freeLists[order], offset)
}

func (a *Allocator) coalesceUntil(targetOrder int) int {
	for order := 0; order < targetOrder; order++ {
		fl := a.freeLists[order]
		if len(fl) < 2 {
			continue
		}
		for i := 1; i < len(fl); i++ {
			for j := i; j > 0 && fl[j] < fl[j-1]; j-- {
				fl[j], fl[j-1] = fl[j-1], fl[j]
			}
		}
		blockSize := a.minBlockSize << order
		n := 0
		for i := 0; i < len(fl); {
			off := fl[i]
			if i+1 < len(fl) && fl[i+1] == off^blockSize {
				a.freeLists[order+1] = append(a.freeLists[order+1], off&^blockSize)
				i += 2
			} else {
				fl[n] = off
				n++
				i++
			}
		}
		a.freeLists[order] = fl[:n]
	}
	for o := targetOrder; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// At resolves an offset returned by Alloc to a live slice of n bytes in the
// underlying segment.
func (a *Allocator) At(offset, n int) ([]byte, error) {
	return a.seg.At(a.base+offset, n)
}

// Available returns the total free bytes across all orders.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for order, fl := range a.freeLists {
		total += len(fl) * (a.minBlockSize << order)
	}
	return total
}
