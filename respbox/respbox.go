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

// Package respbox implements the response box: a fixed-size array of
// in-segment slots used when a response is routed by idx rather than
// streamed through the response wire.
package respbox

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shmipc-go/dbshm/errs"
)

// DefaultSlotBufferSize is the typical inline payload capacity of one slot.
const DefaultSlotBufferSize = 256

// DefaultSlotCount is the typical number of slots in a response box.
const DefaultSlotCount = 16

// slot is one entry of the response box.
type slot struct {
	inUse     bool
	queryMode bool
	length    int
	buf       []byte
	sem       *semaphore.Weighted
}

// freebits is a free/in-use bitset generalizing common/go/bitset.TinyBitset
// to an arbitrary slot count instead of a fixed 1024-bit field.
type freebits struct {
	words []uint64
}

func newFreebits(n int) freebits {
	return freebits{words: make([]uint64, (n+63)/64)}
}

func (f freebits) set(i int)   { f.words[i/64] |= 1 << uint(i%64) }
func (f freebits) clear(i int) { f.words[i/64] &^= 1 << uint(i%64) }

// firstClear returns the lowest-index bit not set, or -1 if all are set
// within n bits.
func (f freebits) firstClear(n int) int {
	for w, word := range f.words {
		if word == ^uint64(0) {
			continue
		}
		inv := ^word
		idx := w*64 + bits.TrailingZeros64(inv)
		if idx < n {
			return idx
		}
	}
	return -1
}

// Box is the fixed-size response box of spec.md §4.4.
type Box struct {
	mu    sync.Mutex
	slots []slot
	used  freebits
}

// New creates a Box with count slots, each with an inline buffer of
// bufSize bytes.
func New(count, bufSize int) *Box {
	b := &Box{
		slots: make([]slot, count),
		used:  newFreebits(count),
	}
	for i := range b.slots {
		b.slots[i].buf = make([]byte, bufSize)
		b.slots[i].sem = semaphore.NewWeighted(1)
		// Drain the initial permit so Recv blocks until Deliver posts one:
		// x/sync/semaphore.Weighted starts with its full weight available,
		// but this slot models a counting semaphore that starts empty.
		_ = b.slots[i].sem.Acquire(context.Background(), 1)
	}
	return b
}

// Get allocates a slot by linear scan for the first !in_use, marks it
// in-use, and returns its index. Fails with errs.CapacityExceeded if every
// slot is taken.
func (b *Box) Get() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.used.firstClear(len(b.slots))
	if idx < 0 {
		return 0, errs.New(errs.CapacityExceeded, "no free response-box slot")
	}
	b.used.set(idx)
	b.slots[idx].inUse = true
	b.slots[idx].length = 0
	b.slots[idx].queryMode = false
	return idx, nil
}

// Deliver writes payload into slot idx, bounded by the slot's inline
// buffer; if payload does not fit, the caller should instead have routed
// the response via query mode (SetQueryMode) and delivered only a handle.
// It then posts the slot's semaphore so a blocked Recv wakes.
func (b *Box) Deliver(idx int, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.slots) {
		return errs.New(errs.ProtocolError, "idx %d out of range for response box", idx)
	}
	s := &b.slots[idx]
	if len(payload) > len(s.buf) {
		return errs.New(errs.ProtocolError, "payload %d exceeds slot buffer %d", len(payload), len(s.buf))
	}
	s.length = copy(s.buf, payload)
	s.sem.Release(1)
	return nil
}

// SetQueryMode flags idx as routing its actual payload through a
// result-set wire; only a small handle travels through the slot itself.
func (b *Box) SetQueryMode(idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.slots) {
		return errs.New(errs.ProtocolError, "idx %d out of range for response box", idx)
	}
	b.slots[idx].queryMode = true
	return nil
}

// QueryMode reports whether idx was flagged via SetQueryMode.
func (b *Box) QueryMode(idx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[idx].queryMode
}

// Recv blocks on slot idx's semaphore until Deliver has posted it, or
// timeout elapses, then returns a copy of the delivered bytes.
func (b *Box) Recv(idx int, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	if idx < 0 || idx >= len(b.slots) {
		b.mu.Unlock()
		return nil, errs.New(errs.ProtocolError, "idx %d out of range for response box", idx)
	}
	s := &b.slots[idx]
	b.mu.Unlock()

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.New(errs.Timeout, "response box slot %d recv timed out", idx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, s.length)
	copy(out, s.buf[:s.length])
	return out, nil
}

// Unreceive returns the semaphore token without consuming the payload,
// letting a caller re-attempt Recv after inspecting slot state out of
// band (mirrors the C-ABI's slot_unreceive in spec.md §6).
func (b *Box) Unreceive(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[idx].sem.Release(1)
}

// Dispose clears in_use and resets length, returning the slot to the free
// pool.
func (b *Box) Dispose(idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.slots) {
		return errs.New(errs.ProtocolError, "idx %d out of range for response box", idx)
	}
	b.slots[idx].inUse = false
	b.slots[idx].length = 0
	b.slots[idx].queryMode = false
	b.slots[idx].sem.TryAcquire(1) // drain a delivery nobody Recv'd
	b.used.clear(idx)
	return nil
}
