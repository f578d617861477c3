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

// Package connqueue implements the connection queue: a two-stage
// fixed-capacity queue matching client connection requests with server
// accepts, issuing monotonically increasing session ids (spec.md §4.7).
package connqueue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shmipc-go/dbshm/errs"
)

// indexQueue is a bounded FIFO of ticket indices. Pops (tryPop, pop) and
// pushes are all serialised by the queue's own mutex, and the position
// counters are plain fields guarded by it; there is no lock-free or
// compare-and-swap pop. Grounded on container/ring.Ring[V]'s generic ring,
// adapted from a doubly linked traversal ring to a bounded index ring.
type indexQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slots    []int
	capacity int
	pushed   uint64
	poped    uint64
}

func newIndexQueue(capacity int) *indexQueue {
	q := &indexQueue{slots: make([]int, capacity), capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *indexQueue) fill() {
	q.mu.Lock()
	for i := 0; i < q.capacity; i++ {
		q.slots[i] = i
	}
	q.pushed = uint64(q.capacity)
	q.mu.Unlock()
}

func (q *indexQueue) push(id int) {
	q.mu.Lock()
	q.slots[q.pushed%uint64(q.capacity)] = id
	q.pushed++
	q.cond.Broadcast()
	q.mu.Unlock()
}

// tryPop pops without blocking, failing with errs.CapacityExceeded if
// empty.
func (q *indexQueue) tryPop() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushed == q.poped {
		return 0, errs.New(errs.CapacityExceeded, "connection queue: no request available")
	}
	id := q.slots[q.poped%uint64(q.capacity)]
	q.poped++
	return id, nil
}

// wait blocks until pushed > poped or terminate returns true.
func (q *indexQueue) wait(terminate func() bool) {
	q.mu.Lock()
	for q.pushed <= q.poped && !terminate() {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// pop is the unconditional counterpart to wait: caller has already
// established pushed > poped.
func (q *indexQueue) pop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.slots[q.poped%uint64(q.capacity)]
	q.poped++
	return id
}

func (q *indexQueue) notify() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// element is one ticket's rendezvous point: a per-ticket mutex+condition so
// a waiting client wakes only on its own session id rather than every
// accept.
type element struct {
	mu        sync.Mutex
	cond      *sync.Cond
	sessionID uint64
}

func newElement() *element {
	e := &element{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *element) setSessionID(id uint64) {
	e.mu.Lock()
	e.sessionID = id
	e.cond.Broadcast()
	e.mu.Unlock()
}

// wait blocks until sessionID != 0 or timeout elapses (timeout<=0 means
// wait forever, matching the original's timeout<=0 convention).
func (e *element) wait(timeout time.Duration) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timeout <= 0 {
		for e.sessionID == 0 {
			e.cond.Wait()
		}
		return e.sessionID, nil
	}

	deadline := time.Now().Add(timeout)
	for e.sessionID == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, errs.New(errs.Timeout, "connection queue: wait on ticket timed out")
		}
		timer := time.AfterFunc(remaining, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		e.cond.Wait()
		timer.Stop()
	}
	return e.sessionID, nil
}

func (e *element) reuse() {
	e.mu.Lock()
	e.sessionID = 0
	e.mu.Unlock()
}

func (e *element) check() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID != 0
}

// Queue is the connection queue of spec.md §4.7.
type Queue struct {
	free      *indexQueue
	requested *indexQueue
	elements  []*element

	mu          sync.Mutex
	nextSession uint64
	terminate   bool
	terminated  chan struct{}

	// outstanding counts tickets whose Wait returned errs.Timeout without
	// being returned to free, per the documented-leak decision for the
	// open timeout-semantics question (see Open Questions in the design
	// notes this module implements): administrative cleanup is required,
	// this is purely an observability hook.
	outstanding int
}

// New creates a Queue with capacity n tickets, all initially free.
func New(n int) *Queue {
	q := &Queue{
		free:       newIndexQueue(n),
		requested:  newIndexQueue(n),
		elements:   make([]*element, n),
		terminated: make(chan struct{}, 1),
	}
	for i := range q.elements {
		q.elements[i] = newElement()
	}
	q.free.fill()
	return q
}

// Request takes a ticket from the free ring and pushes it to requested,
// client-side. Fails fast (no blocking) with errs.CapacityExceeded if free
// is empty.
func (q *Queue) Request() (int, error) {
	id, err := q.free.tryPop()
	if err != nil {
		return 0, err
	}
	q.requested.push(id)
	return id, nil
}

// Dial is Request retried with backoff instead of a caller hand-rolling a
// retry loop around a transient errs.CapacityExceeded, the role
// cenkalti/backoff plays for any client retrying resource exhaustion.
func (q *Queue) Dial(ctx context.Context) (int, error) {
	return backoff.Retry(ctx, func() (int, error) {
		id, err := q.Request()
		if err != nil && errs.Is(err, errs.CapacityExceeded) {
			return 0, err
		}
		return id, err
	}, backoff.WithMaxElapsedTime(0))
}

// Wait blocks on ticket id's element until the server accepts it or
// timeout elapses. On success the element is reused and the ticket pushed
// back to free. On timeout the ticket is intentionally left allocated (see
// Outstanding) — per-instance documented behaviour, not a bug: the server
// may still accept it later and an administrative cleanup is required.
func (q *Queue) Wait(id int, timeout time.Duration) (uint64, error) {
	sid, err := q.elements[id].wait(timeout)
	if err != nil {
		q.mu.Lock()
		q.outstanding++
		q.mu.Unlock()
		return 0, err
	}
	q.elements[id].reuse()
	q.free.push(id)
	return sid, nil
}

// Outstanding returns the number of tickets never returned to free after a
// Wait timeout — an observability hook, not a cleanup mechanism.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Check non-blockingly tests whether ticket id's session id has been set.
func (q *Queue) Check(id int) bool {
	return q.elements[id].check()
}

// Listen blocks on the requested ring, server-side, pops one ticket, and
// returns a monotonically assigned candidate session id. It is also woken
// by RequestTerminate.
func (q *Queue) Listen() (id int, sessionID uint64, terminated bool) {
	q.requested.wait(q.IsTerminated)
	if q.IsTerminated() {
		return 0, 0, true
	}
	id = q.requested.pop()
	q.mu.Lock()
	q.nextSession++
	sid := q.nextSession
	q.mu.Unlock()
	return id, sid, false
}

// Accept writes sessionID into ticket id's element, server-side, waking
// the client blocked in Wait.
func (q *Queue) Accept(id int, sessionID uint64) {
	q.elements[id].setSessionID(sessionID)
}

// RequestTerminate sets the terminate flag, wakes all listeners, and blocks
// until ConfirmTerminated is called.
func (q *Queue) RequestTerminate() {
	q.mu.Lock()
	q.terminate = true
	q.mu.Unlock()
	q.requested.notify()
	<-q.terminated
}

// IsTerminated reports whether RequestTerminate has been called.
func (q *Queue) IsTerminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminate
}

// ConfirmTerminated wakes the RequestTerminate caller.
func (q *Queue) ConfirmTerminated() {
	select {
	case q.terminated <- struct{}{}:
	default:
	}
}
