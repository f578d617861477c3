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

// Package ring implements the bounded byte ring buffer shared by every wire
// kind (request, response, result-set). It is parameterised by a
// header.Codec[T] so one implementation serves frames of any of the three
// fixed header shapes.
//
// The synchronization here models the inter-process mutex and condition
// variables of the original design with sync.Mutex/sync.Cond. The mutex,
// the conditions and the pushed/pushedValid/poped counters are fields of
// the Go Buffer value, not bytes of the region it wraps, so the two "sides"
// of a ring are two goroutines of one process; another process mapping the
// same segment region is not synchronised with them. Tests in this module
// drive both sides in one binary, the way connstate's tests in the teacher
// repo do.
package ring

import (
	"sync"
	"time"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/shmipc-go/dbshm/cache/mempool"
	"github.com/shmipc-go/dbshm/errs"
	"github.com/shmipc-go/dbshm/header"
)

// Buffer is the generic bounded byte ring, parameterised by header type T.
type Buffer[T any] struct {
	data     []byte
	capacity int
	codec    header.Codec[T]

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	pushed      uint64
	pushedValid uint64
	poped       uint64

	closed bool

	// incremental-commit state (used by reqwire's brand_new/write/flush).
	reserving     bool
	reserveOffset uint64

	// front record cache, populated by Peek, consumed by Payload/Read/Dispose.
	frontValid  bool
	frontHeader T
	frontLen    int
	// frontConsumed counts payload bytes already delivered by Read for the
	// current front record, so a short read (oversize frame) can be
	// resumed by a later call instead of losing its place.
	frontConsumed int

	// independent cursor for GetChunk, tracks how much of the currently
	// committed region has already been handed out as a chunk view.
	chunkPos uint64
}

// New wraps data (capacity == len(data)) as a ring buffer using codec.
func New[T any](data []byte, codec header.Codec[T]) *Buffer[T] {
	b := &Buffer[T]{data: data, capacity: len(data), codec: codec}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	b.chunkPos = 0
	return b
}

func (b *Buffer[T]) off(x uint64) int { return int(x % uint64(b.capacity)) }

// room reports how many bytes may still be written without exceeding
// capacity, given the mutex held.
func (b *Buffer[T]) room() int { return b.capacity - int(b.pushed-b.poped) }

func (b *Buffer[T]) writeAt(logicalOffset uint64, src []byte) {
	o := b.off(logicalOffset)
	n := copy(b.data[o:], src)
	if n < len(src) {
		copy(b.data[0:], src[n:])
	}
}

// readAt returns n bytes starting at logicalOffset. If the range does not
// straddle the wraparound boundary, it returns a zero-copy view into data;
// otherwise it allocates a linear copy via dirtmake, mirroring
// bufiox.BytesWriter's no-zero-fill growth discipline.
func (b *Buffer[T]) readAt(logicalOffset uint64, n int) []byte {
	o := b.off(logicalOffset)
	first := b.capacity - o
	if first >= n {
		return b.data[o : o+n]
	}
	buf := dirtmake.Bytes(n, n)
	copy(buf, b.data[o:])
	copy(buf[first:], b.data[0:n-first])
	return buf
}

// Close marks the ring closed: blocked writers wake and drop their write,
// blocked readers wake and observe a zero header / io.EOF-equivalent.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// writeBlocking writes buf fully into the ring, advancing pushed (not
// pushedValid) as each chunk lands, waiting on notFull when the ring has no
// room. Returns errs.Closed if the ring closes mid-write.
func (b *Buffer[T]) writeBlocking(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	written := 0
	for written < len(buf) {
		for b.room() == 0 && !b.closed {
			b.notFull.Wait()
		}
		if b.closed {
			return errs.New(errs.Closed, "ring closed during write")
		}
		n := b.room()
		if rem := len(buf) - written; n > rem {
			n = rem
		}
		b.writeAt(b.pushed, buf[written:written+n])
		b.pushed += uint64(n)
		written += n
	}
	return nil
}

// Push writes header||payload as one logical record, raising pushedValid to
// pushed once the whole record has landed, then wakes readers. If the
// record is larger than capacity, writer and reader must interleave: Push
// raises pushedValid after each physically-written chunk so a concurrent
// reader can drain room for the rest.
func (b *Buffer[T]) Push(payload []byte, hdr T) error {
	hsz := b.codec.Size()
	total := hsz + len(payload)

	// full is a function-scoped staging buffer: header and payload land in
	// it once, writeAt copies it straight into data, and it never escapes
	// this call, so it is Malloc'd/Free'd here rather than left to the
	// garbage collector on a per-push basis.
	full := mempool.Malloc(total)
	defer mempool.Free(full)
	b.codec.Encode(hdr, full[:hsz])
	copy(full[hsz:], payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if total <= b.capacity {
		// a record that fits waits for room for all of it, so the loop
		// below writes and publishes it in one piece.
		for b.room() < total && !b.closed {
			b.notFull.Wait()
		}
	}
	written := 0
	for written < total {
		for b.room() == 0 && !b.closed {
			b.notFull.Wait()
		}
		if b.closed {
			return errs.New(errs.Closed, "ring closed during push")
		}
		n := b.room()
		if rem := total - written; n > rem {
			n = rem
		}
		b.writeAt(b.pushed, full[written:written+n])
		b.pushed += uint64(n)
		written += n
		b.pushedValid = b.pushed
		b.notEmpty.Broadcast()
	}
	return nil
}

// BrandNew reserves header.Size() bytes at the current pushed offset
// without raising pushedValid, per the request wire's incremental-commit
// contract.
func (b *Buffer[T]) BrandNew() error {
	hsz := b.codec.Size()
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.room() < hsz && !b.closed {
		b.notFull.Wait()
	}
	if b.closed {
		return errs.New(errs.Closed, "ring closed during brand_new")
	}
	b.reserving = true
	b.reserveOffset = b.pushed
	b.pushed += uint64(hsz)
	return nil
}

// Write appends bytes to a record opened by BrandNew, advancing pushed but
// not pushedValid. It blocks on room the same way Push does.
func (b *Buffer[T]) Write(p []byte) (int, error) {
	b.mu.Lock()
	if !b.reserving {
		b.mu.Unlock()
		return 0, errs.New(errs.ProtocolError, "write without brand_new")
	}
	b.mu.Unlock()

	written := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for written < len(p) {
		for b.room() == 0 && !b.closed {
			b.notFull.Wait()
		}
		if b.closed {
			return written, errs.New(errs.Closed, "ring closed during write")
		}
		n := b.room()
		if rem := len(p) - written; n > rem {
			n = rem
		}
		b.writeAt(b.pushed, p[written:written+n])
		b.pushed += uint64(n)
		written += n
	}
	return written, nil
}

// Flush writes hdr into the slot reserved by BrandNew and raises
// pushedValid to pushed, publishing the record atomically to readers.
func (b *Buffer[T]) Flush(hdr T) error {
	hsz := b.codec.Size()
	hbuf := make([]byte, hsz)
	b.codec.Encode(hdr, hbuf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reserving {
		return errs.New(errs.ProtocolError, "flush without brand_new")
	}
	b.writeAt(b.reserveOffset, hbuf)
	b.reserving = false
	b.pushedValid = b.pushed
	b.notEmpty.Broadcast()
	return nil
}

// BrandNewHeader is BrandNew for the case where hdr's final fields (its
// length included) are already known before any payload byte is written:
// it writes hdr immediately and raises pushedValid to cover it, instead of
// waiting for a later Flush. A reader can then Peek the header right away,
// and WriteValid publishes each payload hop as it lands, so a record
// larger than this ring's capacity can be drained by a concurrent reader
// instead of deadlocking behind a single end-of-record commit.
func (b *Buffer[T]) BrandNewHeader(hdr T) error {
	hsz := b.codec.Size()
	hbuf := make([]byte, hsz)
	b.codec.Encode(hdr, hbuf)

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.room() < hsz && !b.closed {
		b.notFull.Wait()
	}
	if b.closed {
		return errs.New(errs.Closed, "ring closed during brand_new")
	}
	b.writeAt(b.pushed, hbuf)
	b.pushed += uint64(hsz)
	b.pushedValid = b.pushed
	b.reserving = true
	b.notEmpty.Broadcast()
	return nil
}

// WriteValid appends bytes to a record opened by BrandNewHeader, raising
// pushedValid alongside pushed as each chunk lands so a concurrent reader
// can drain room for the rest, the same hop-by-hop discipline Push uses.
func (b *Buffer[T]) WriteValid(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reserving {
		return 0, errs.New(errs.ProtocolError, "write_valid without brand_new_header")
	}
	written := 0
	for written < len(p) {
		for b.room() == 0 && !b.closed {
			b.notFull.Wait()
		}
		if b.closed {
			return written, errs.New(errs.Closed, "ring closed during write_valid")
		}
		n := b.room()
		if rem := len(p) - written; n > rem {
			n = rem
		}
		b.writeAt(b.pushed, p[written:written+n])
		b.pushed += uint64(n)
		written += n
		b.pushedValid = b.pushed
		b.notEmpty.Broadcast()
	}
	return written, nil
}

// FlushHeader closes out a record opened by BrandNewHeader/WriteValid.
// Unlike Flush, the header and every payload byte were already committed
// progressively, so this only clears the reserving flag.
func (b *Buffer[T]) FlushHeader() {
	b.mu.Lock()
	b.reserving = false
	b.mu.Unlock()
}

// Peek reads the header at poped without advancing poped. If wait is true
// it blocks on notEmpty until a header is readable or the ring closes; if
// false it returns the zero header and ok=false when none is ready yet.
func (b *Buffer[T]) Peek(wait bool) (hdr T, ok bool, err error) {
	hsz := b.codec.Size()
	b.mu.Lock()
	defer b.mu.Unlock()
	for uint64(hsz) > b.pushedValid-b.poped && !b.closed {
		if !wait {
			var zero T
			return zero, false, nil
		}
		b.notEmpty.Wait()
	}
	if b.closed && uint64(hsz) > b.pushedValid-b.poped {
		var zero T
		return zero, false, nil
	}
	buf := b.readAt(b.poped, hsz)
	hdr = b.codec.Decode(buf)
	b.frontValid = true
	b.frontHeader = hdr
	b.frontConsumed = 0
	return hdr, true, nil
}

// PeekTimeout is Peek(wait=true) bounded by timeout, returning errs.Timeout
// if no header arrives in time. The wait happens directly on this
// Buffer's own notEmpty under its own mutex, with a timer broadcasting
// once timeout elapses; unlike a goroutine wrapped around Peek and raced
// against time.After, this cannot outlive the deadline or leave a stray
// goroutine racing frontValid/frontHeader against the caller that gave up.
func (b *Buffer[T]) PeekTimeout(timeout time.Duration) (T, error) {
	hsz := b.codec.Size()
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	for uint64(hsz) > b.pushedValid-b.poped && !b.closed && time.Now().Before(deadline) {
		b.notEmpty.Wait()
	}

	var zero T
	if uint64(hsz) > b.pushedValid-b.poped {
		if b.closed {
			return zero, nil
		}
		return zero, errs.New(errs.Timeout, "peek timed out after %s", timeout)
	}
	buf := b.readAt(b.poped, hsz)
	hdr := b.codec.Decode(buf)
	b.frontValid = true
	b.frontHeader = hdr
	b.frontConsumed = 0
	return hdr, nil
}

// SetFrontLen sets the front record's payload length per wire kind, since
// the header alone does not always carry a generic "length" field name;
// wire wrappers call this after decoding their own header's length field.
func (b *Buffer[T]) SetFrontLen(n int) {
	b.mu.Lock()
	b.frontLen = n
	b.mu.Unlock()
}

// Payload returns a view of the front record's payload, honoring the
// wraparound-copy contract: zero-copy when contiguous, a single linear copy
// via dirtmake when the payload straddles capacity.
func (b *Buffer[T]) Payload() ([]byte, error) {
	hsz := b.codec.Size()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frontValid {
		return nil, errs.New(errs.ProtocolError, "payload called without a peeked record")
	}
	return b.readAt(b.poped+uint64(hsz), b.frontLen), nil
}

// Read copies as much of the front record's payload as is currently
// committed into dst, advancing poped past what it copies. dst need not
// hold the whole record: for payloads larger than capacity-header
// (oversize frames), the caller calls Read repeatedly, each call consuming
// whatever has landed so far and waiting on notEmpty for more, mirroring
// the original's multi-hop delivery. frontValid (and the header/length the
// caller peeked) stays intact across short reads; only once the full
// record has been delivered does Read advance poped past the header too
// and clear frontValid, the way Dispose does for a record read in one
// shot.
func (b *Buffer[T]) Read(dst []byte) (int, error) {
	hsz := b.codec.Size()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frontValid {
		return 0, errs.New(errs.ProtocolError, "read called without a peeked record")
	}
	want := b.frontLen - b.frontConsumed
	if want > len(dst) {
		want = len(dst)
	}
	for want > 0 && int(b.pushedValid-b.poped)-hsz <= 0 && !b.closed {
		b.notEmpty.Wait()
	}
	avail := int(b.pushedValid-b.poped) - hsz
	if avail < 0 {
		avail = 0
	}
	n := want
	if n > avail {
		n = avail
	}
	if n > 0 {
		buf := b.readAt(b.poped+uint64(hsz), n)
		copy(dst, buf)
		b.poped += uint64(n)
		b.frontConsumed += n
	}
	if b.frontConsumed >= b.frontLen {
		b.poped += uint64(hsz)
		b.frontValid = false
		b.frontConsumed = 0
		b.notFull.Broadcast()
		return n, nil
	}
	if n == 0 && b.closed {
		return 0, errs.New(errs.Closed, "ring closed before record fully read")
	}
	b.notFull.Broadcast()
	return n, nil
}

// Dispose advances poped past the front record (header+payload) without
// copying it out, releasing any spillover buffer Payload() may have
// allocated.
func (b *Buffer[T]) Dispose() error {
	hsz := b.codec.Size()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frontValid {
		return errs.New(errs.ProtocolError, "dispose called without a peeked record")
	}
	b.poped += uint64(hsz + b.frontLen)
	b.frontValid = false
	b.notFull.Broadcast()
	return nil
}

// GetChunk returns the next contiguous byte range that is committed
// (below pushedValid) but not yet returned by a previous GetChunk. When the
// readable region straddles the wraparound boundary it returns only the
// prefix up to capacity; the following call returns the suffix from 0.
// Unlike Payload/Read/Dispose, GetChunk/DisposeN operate on raw committed
// bytes, not on header-framed records: they know nothing about where one
// record ends and the next begins. resultset.Child layers record framing
// on top of this pair so its own GetChunk exposes only payload bytes.
func (b *Buffer[T]) GetChunk(wait bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pushedValid <= b.chunkPos && !b.closed {
		if !wait {
			return nil, nil
		}
		b.notEmpty.Wait()
	}
	if b.pushedValid <= b.chunkPos {
		return nil, nil
	}
	o := b.off(b.chunkPos)
	avail := int(b.pushedValid - b.chunkPos)
	untilWrap := b.capacity - o
	n := avail
	if n > untilWrap {
		n = untilWrap
	}
	buf := b.data[o : o+n]
	b.chunkPos += uint64(n)
	return buf, nil
}

// DisposeN advances poped by n raw bytes, used by GetChunk-style consumers
// instead of the record-oriented Dispose.
func (b *Buffer[T]) DisposeN(n int) {
	b.mu.Lock()
	b.poped += uint64(n)
	b.notFull.Broadcast()
	b.mu.Unlock()
}

// Pushed, PushedValid, Poped expose the monotonic counters for tests and
// for invariant assertions (poped <= pushedValid <= pushed,
// pushed-poped <= capacity).
func (b *Buffer[T]) Pushed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}

func (b *Buffer[T]) PushedValid() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushedValid
}

func (b *Buffer[T]) Poped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poped
}

// Capacity returns the ring's fixed byte capacity.
func (b *Buffer[T]) Capacity() int { return b.capacity }
