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

// Package resultset implements the result-set wire pool: a dynamically
// sized collection of length-framed child ring buffers used to stream one
// query's records, with a pre-reserved spare to keep the steady-state
// acquire/release path allocation-free (spec.md §4.5, §5).
//
// The claim/return discipline here is the same shape as
// concurrency/gopool's worker pool (a fixed slice of reusable units with an
// idle-vs-fresh distinction), adapted from goroutines to shared-memory
// child wires; the spare-refill step itself runs on a small gopool.GoPool
// so Acquire's hot path never blocks on allocation.
package resultset

import (
	"sync"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/shmipc-go/dbshm/concurrency/gopool"
	"github.com/shmipc-go/dbshm/errs"
	"github.com/shmipc-go/dbshm/header"
	"github.com/shmipc-go/dbshm/ring"
	"github.com/shmipc-go/dbshm/segment"
)

// DefaultWireSize is the default capacity of a freshly allocated child
// wire, 64 KiB per spec.md §4.5.
const DefaultWireSize = 64 * datasize.KB

// DefaultMaxChildren is the typical pool size K, spec.md §4.5.
const DefaultMaxChildren = 8

// Child is one result-set wire: a length-framed ring buffer. Its GetChunk
// strips the LengthOnly header that fronts every record from the raw byte
// stream ring.Buffer.GetChunk exposes, so callers only ever see payload
// bytes, one record's worth at a time.
type Child struct {
	buf       *ring.Buffer[header.LengthOnly]
	offset    int
	size      int
	attached  bool
	closed    bool
	continued bool

	// reader-side record-framing state. hdrBuf/hdrFilled accumulate the
	// next record's 4-byte header across one or more raw chunks; once
	// complete, payloadLeft counts the record's remaining, not-yet-handed-
	// out payload bytes. pending holds raw bytes already pulled out of buf
	// (and thus already past its chunkPos) that this record boundary
	// logic has not yet assigned to a header or a returned chunk.
	hdrBuf      [header.LengthOnlySize]byte
	hdrFilled   int
	payloadLeft int
	pending     []byte
	sawEOR      bool
}

// reset clears the reader-side framing state, for a child about to be
// reused by a new Acquire after Release.
func (c *Child) reset() {
	c.hdrFilled = 0
	c.payloadLeft = 0
	c.pending = nil
	c.sawEOR = false
}

// nextBytes returns up to max bytes of raw committed data not yet handed
// out, drawing first from any leftover pending before asking the ring for
// a fresh chunk. It returns nil only when no more bytes are available
// right now (wait=false) or the ring is closed with nothing left.
func (c *Child) nextBytes(wait bool, max int) ([]byte, error) {
	if len(c.pending) == 0 {
		raw, err := c.buf.GetChunk(wait)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		c.pending = raw
	}
	n := len(c.pending)
	if n > max {
		n = max
	}
	out := c.pending[:n]
	c.pending = c.pending[n:]
	return out, nil
}

// GetChunk exposes the next slice of the current record's payload, split
// into at most two contiguous views across a wraparound, skipping the
// LengthOnly header at the start of each record. It returns nil, nil when
// no more bytes are available yet (wait=false) or this child has seen its
// end-of-record sentinel (a record flushed with zero length).
func (c *Child) GetChunk(wait bool) ([]byte, error) {
	for {
		if c.sawEOR {
			return nil, nil
		}
		if c.payloadLeft == 0 {
			need := header.LengthOnlySize - c.hdrFilled
			chunk, err := c.nextBytes(wait, need)
			if err != nil {
				return nil, err
			}
			if chunk == nil {
				return nil, nil
			}
			copy(c.hdrBuf[c.hdrFilled:], chunk)
			c.hdrFilled += len(chunk)
			c.buf.DisposeN(len(chunk))
			if c.hdrFilled < header.LengthOnlySize {
				if !wait {
					return nil, nil
				}
				continue
			}
			hdr := header.DecodeLengthOnly(c.hdrBuf[:])
			c.hdrFilled = 0
			if hdr.EndOfRecord() {
				c.sawEOR = true
				return nil, nil
			}
			c.payloadLeft = int(hdr.Length)
			continue
		}

		chunk, err := c.nextBytes(wait, c.payloadLeft)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return nil, nil
		}
		c.payloadLeft -= len(chunk)
		return chunk, nil
	}
}

// Dispose advances past length payload bytes already handed out via
// GetChunk; header bytes are disposed internally as GetChunk consumes
// them, so by the time a record's last payload byte is disposed, poped
// has advanced past the whole framed record.
func (c *Child) Dispose(length int) { c.buf.DisposeN(length) }

// Close marks this child closed; a stalled writer wakes and drops its
// write.
func (c *Child) Close() {
	c.closed = true
	c.buf.Close()
}

// Closed reports whether Close was called on this child.
func (c *Child) Closed() bool { return c.closed }

// Pool is the result-set wire pool composing up to maxChildren Child wires
// reserved lazily from a segment allocator.
type Pool struct {
	alloc       *segment.Allocator
	wireSize    int
	maxChildren int

	mu            sync.Mutex
	recordArrival *sync.Cond
	children      []*Child // index -> child, nil when detached
	spare         *Child   // pre-reserved, unattached
	useCount      int
	nextIndex     int
	eor           bool
	closed        bool

	refill *gopool.GoPool
}

// New creates a Pool backed by alloc, reserving one spare child eagerly so
// the first Acquire never allocates.
func New(alloc *segment.Allocator, wireSize, maxChildren int) (*Pool, error) {
	p := &Pool{
		alloc:       alloc,
		wireSize:    wireSize,
		maxChildren: maxChildren,
		children:    make([]*Child, maxChildren),
		refill:      gopool.NewGoPool("resultset-spare-refill", nil),
	}
	p.recordArrival = sync.NewCond(&p.mu)
	spare, err := p.newChild()
	if err != nil {
		return nil, err
	}
	p.spare = spare
	return p, nil
}

func (p *Pool) newChild() (*Child, error) {
	offset, ok := p.alloc.Alloc(p.wireSize)
	if !ok {
		return nil, errs.New(errs.CapacityExceeded, "result-set pool: no space for a %d-byte child wire", p.wireSize)
	}
	data, err := p.alloc.At(offset, p.wireSize)
	if err != nil {
		return nil, err
	}
	return &Child{
		buf:    ring.New(data, header.LengthOnlyCodec{}),
		offset: offset,
		size:   p.wireSize,
	}, nil
}

// Acquire claims a Child, reusing the spare or allocating a fresh region,
// attaching it to a free slot found via the next-free-index hint or a
// linear scan, preferring lower-indexed (reused) slots before extending.
func (p *Pool) Acquire() (int, *Child, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	if p.useCount == 0 {
		idx = 0
	} else {
		for i := 0; i < p.maxChildren; i++ {
			j := (p.nextIndex + i) % p.maxChildren
			if p.children[j] == nil {
				idx = j
				break
			}
		}
	}
	if idx < 0 {
		return 0, nil, errs.New(errs.CapacityExceeded, "result-set pool: all %d children in use", p.maxChildren)
	}

	child := p.spare
	if child == nil {
		var err error
		child, err = p.newChild()
		if err != nil {
			return 0, nil, err
		}
	} else {
		p.spare = nil
	}
	child.attached = true
	p.children[idx] = child
	p.useCount++
	p.nextIndex = (idx + 1) % p.maxChildren

	if p.spare == nil {
		// Best effort, off the hot path: reserve the next spare in the
		// background via gopool so this Acquire doesn't pay allocation
		// latency inline. If the arena has no room right now, the next
		// Release will try again by promotion instead of allocation.
		p.refill.Go(p.fillSpare)
	}
	return idx, child, nil
}

// fillSpare reserves a fresh child and installs it as the pool's spare,
// unless one was already promoted (via Release) or the pool closed while
// this ran, in which case the freshly reserved region is returned to alloc.
func (p *Pool) fillSpare() {
	child, err := p.newChild()
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spare != nil || p.closed {
		p.alloc.Free(child.offset, child.size)
		return
	}
	p.spare = child
}

// Release detaches the child at idx. If the pool currently has no spare,
// this region is promoted to spare instead of being deallocated.
func (p *Pool) Release(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	child := p.children[idx]
	if child == nil {
		return errs.New(errs.ProtocolError, "result-set pool: release of unattached index %d", idx)
	}
	p.children[idx] = nil
	p.useCount--
	if idx < p.nextIndex {
		p.nextIndex = idx
	}
	child.attached = false
	child.continued = false
	child.reset()

	if p.spare == nil {
		p.spare = child
	} else {
		p.alloc.Free(child.offset, child.size)
	}
	return nil
}

// Write appends payload bytes to the record in progress on child. The
// first call for a record opens it via BrandNewHeader with length already
// set, rather than reserving a blank slot to fill in at Flush: the record
// length is published up front so pushed_valid (and thus GetChunk) can
// advance with every call instead of only at Flush, letting a record
// larger than one child wire's capacity be drained by the reader hop by
// hop instead of deadlocking behind a single end-of-record commit. Each
// call also wakes the pool's record-arrival condition so a reader parked
// on ActiveWire sees the new bytes.
func (p *Pool) Write(child *Child, payload []byte, length uint32) error {
	if !child.continued {
		if err := child.buf.BrandNewHeader(header.LengthOnly{Length: length}); err != nil {
			return err
		}
		child.continued = true
	}
	if _, err := child.buf.WriteValid(payload); err != nil {
		return err
	}
	p.mu.Lock()
	p.recordArrival.Broadcast()
	p.mu.Unlock()
	return nil
}

// Flush closes out the record Write opened: the header and every payload
// byte were already committed progressively, so this only clears
// continued and wakes the pool's record-arrival waiters once more in case
// the last Write call raced a reader's wait.
func (p *Pool) Flush(child *Child) error {
	child.buf.FlushHeader()
	child.continued = false
	p.mu.Lock()
	p.recordArrival.Broadcast()
	p.mu.Unlock()
	return nil
}

// ActiveWire scans all children in index order for one with an unread
// committed record; if none and end-of-records has not been set, blocks on
// the record-arrival condition with timeout and retries. Returns the first
// ready child, or nil with ok=false on end-of-records.
func (p *Pool) ActiveWire(timeout time.Duration) (child *Child, ok bool, err error) {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for _, c := range p.children {
			if c != nil && c.buf.PushedValid() > c.buf.Poped() {
				return c, true, nil
			}
		}
		if p.eor {
			return nil, false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, errs.New(errs.Timeout, "result-set pool: active_wire timed out")
		}
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			p.recordArrival.Broadcast()
			p.mu.Unlock()
		})
		p.recordArrival.Wait()
		timer.Stop()
		if time.Now().After(deadline) {
			// loop once more to re-check children before declaring timeout
			for _, c := range p.children {
				if c != nil && c.buf.PushedValid() > c.buf.Poped() {
					return c, true, nil
				}
			}
			if p.eor {
				return nil, false, nil
			}
			return nil, false, errs.New(errs.Timeout, "result-set pool: active_wire timed out")
		}
	}
}

// SetEOR sets pool-wide end-of-records and wakes any reader parked in
// ActiveWire.
func (p *Pool) SetEOR() {
	p.mu.Lock()
	p.eor = true
	p.recordArrival.Broadcast()
	p.mu.Unlock()
}

// IsEOR reports whether SetEOR has been called.
func (p *Pool) IsEOR() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eor
}

// SetClosed marks every attached (and the spare) child closed, unblocking
// stalled writers so they drop their writes.
func (p *Pool) SetClosed() {
	p.mu.Lock()
	p.closed = true
	for _, c := range p.children {
		if c != nil {
			c.Close()
		}
	}
	if p.spare != nil {
		p.spare.Close()
	}
	p.recordArrival.Broadcast()
	p.mu.Unlock()
}

// Closed reports whether SetClosed has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
