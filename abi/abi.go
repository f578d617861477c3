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

// Package abi implements the handle-table logic behind the C-ABI surface
// of spec.md §6. It holds no cgo of its own: cmd/dbshmabi wraps these
// functions with //export shims, so the handle bookkeeping here stays
// testable with plain `go test`.
//
// Every live Go value reachable from C crosses the boundary as a Handle, an
// opaque uint64 key into a process-wide registry, the same "wrap a live
// object behind a small integer handle with paired accessor functions"
// shape controlplane/ffi/agent.go uses in the other direction (Go calling
// into a C library rather than C calling into Go).
package abi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shmipc-go/dbshm/connqueue"
	"github.com/shmipc-go/dbshm/errs"
	"github.com/shmipc-go/dbshm/session"
)

// Handle is the opaque value bindings hold in place of a Go pointer.
type Handle uint64

// invalidHandle is returned (alongside an error) whenever allocation fails.
const invalidHandle Handle = 0

var nextHandle uint64 // atomic counter; 0 is never issued, so it is safe as a null sentinel

func allocHandle() Handle {
	return Handle(atomic.AddUint64(&nextHandle, 1))
}

var (
	regMu sync.Mutex
	reg   = make(map[Handle]any)
)

func store(v any) Handle {
	h := allocHandle()
	regMu.Lock()
	reg[h] = v
	regMu.Unlock()
	return h
}

func lookup[T any](h Handle) (T, bool) {
	regMu.Lock()
	v, ok := reg[h]
	regMu.Unlock()
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func drop(h Handle) {
	regMu.Lock()
	delete(reg, h)
	regMu.Unlock()
}

// sessionState is what a session Handle resolves to: the composed Session
// plus the bookkeeping needed to hand slot and result-set identities back
// to bindings as their own handles.
type sessionState struct {
	sess *session.Session

	mu       sync.Mutex
	slots    map[int]Handle // response-box index -> slot handle issued for it
	lastInfo session.Awaited
}

// slotRef is what a slot Handle resolves to.
type slotRef struct {
	sessionHandle Handle
	idx           int
}

// rsRef is what a result-set Handle resolves to.
type rsRef struct {
	sessionHandle Handle
	handle        *session.ResultSetHandle
}

func sessionOf(h Handle) (*sessionState, error) {
	st, ok := lookup[*sessionState](h)
	if !ok {
		return nil, errs.New(errs.NotFound, "abi: unknown session handle")
	}
	return st, nil
}

func slotOf(h Handle) (*sessionState, int, error) {
	ref, ok := lookup[slotRef](h)
	if !ok {
		return nil, 0, errs.New(errs.NotFound, "abi: unknown slot handle")
	}
	st, err := sessionOf(ref.sessionHandle)
	if err != nil {
		return nil, 0, err
	}
	return st, ref.idx, nil
}

func rsOf(h Handle) (rsRef, error) {
	ref, ok := lookup[rsRef](h)
	if !ok {
		return rsRef{}, errs.New(errs.NotFound, "abi: unknown result-set handle")
	}
	return ref, nil
}

// SessionOpen attaches the named shared segment and composes a session,
// session_open(name) -> handle.
func SessionOpen(path string, opts session.Options) (Handle, error) {
	sess, err := session.Open(path, opts)
	if err != nil {
		return invalidHandle, err
	}
	st := &sessionState{sess: sess, slots: make(map[int]Handle)}
	return store(st), nil
}

// SessionClose writes the disconnect sentinel, session_close(handle). The
// handle stays valid: SessionReceive/SessionAwait may still observe
// in-flight responses until the server closes its side.
func SessionClose(h Handle) error {
	st, err := sessionOf(h)
	if err != nil {
		return err
	}
	return st.sess.Disconnect()
}

// SessionDestroy tears the session down fully and invalidates h,
// session_destroy(handle).
func SessionDestroy(h Handle) error {
	st, err := sessionOf(h)
	if err != nil {
		return err
	}
	err = st.sess.Close()
	drop(h)
	return err
}

// SessionGetSlot allocates a response-box slot and returns a handle
// identifying it, session_get_slot(handle) -> slot.
func SessionGetSlot(h Handle) (Handle, error) {
	st, err := sessionOf(h)
	if err != nil {
		return invalidHandle, err
	}
	idx, err := st.sess.GetResponseBox()
	if err != nil {
		return invalidHandle, err
	}
	slotHandle := store(slotRef{sessionHandle: h, idx: idx})
	st.mu.Lock()
	st.slots[idx] = slotHandle
	st.mu.Unlock()
	return slotHandle, nil
}

// SessionSend writes payload as one framed request addressed by slot,
// session_send(handle, slot, bytes).
func SessionSend(h, slot Handle, payload []byte) error {
	st, idx, err := slotOf(slot)
	if err != nil {
		return err
	}
	return st.sess.Send(idx, payload)
}

// SessionSetQueryMode flags slot as routing its payload through a
// result-set wire, session_set_query_mode(slot).
func SessionSetQueryMode(slot Handle) error {
	st, idx, err := slotOf(slot)
	if err != nil {
		return err
	}
	return st.sess.SetQueryMode(idx)
}

// SessionAwait blocks on the response wire and returns the slot handle
// that became ready, session_await(handle, timeout_ns) -> slot_or_minus_one.
// ok is false only together with a non-nil error; a closed response wire
// surfaces as an errs.Closed error, and the cgo boundary maps any error to
// the -1 sentinel. An end-of-stream header (msg_type 0) is returned as a
// slot handle like any other response.
func SessionAwait(h Handle, timeout time.Duration) (slot Handle, ok bool, err error) {
	st, err := sessionOf(h)
	if err != nil {
		return invalidHandle, false, err
	}
	info, err := st.sess.Await(timeout)
	if err != nil {
		return invalidHandle, false, err
	}
	st.mu.Lock()
	st.lastInfo = info
	slotHandle, known := st.slots[int(info.Idx)]
	st.mu.Unlock()
	if !known {
		// A response arrived for a slot this binding never saw get_slot
		// for (e.g. an end-of-stream header whose idx matches no issued
		// slot): synthesize a handle so callers can still inspect it.
		slotHandle = store(slotRef{sessionHandle: h, idx: int(info.Idx)})
	}
	return slotHandle, true, nil
}

// SessionGetInfo returns the msg_type of the last header SessionAwait
// observed, session_get_info(handle) -> msg_type.
func SessionGetInfo(h Handle) (uint16, error) {
	st, err := sessionOf(h)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastInfo.MsgType, nil
}

// SessionReceive copies the payload of the last awaited header,
// session_receive(handle) -> bytes.
func SessionReceive(h Handle) ([]byte, error) {
	st, err := sessionOf(h)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	length := st.lastInfo.Length
	st.mu.Unlock()
	buf := make([]byte, length)
	if _, err := st.sess.Receive(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SessionIsAlive reports the server's liveness, session_is_alive(handle)
// -> bool.
func SessionIsAlive(h Handle) (bool, error) {
	st, err := sessionOf(h)
	if err != nil {
		return false, err
	}
	return st.sess.StatusProvider().IsAlive(), nil
}

// SlotRecv blocks on slot's semaphore, slot_recv(slot, timeout_ns) -> bytes.
func SlotRecv(slot Handle, timeout time.Duration) ([]byte, error) {
	st, idx, err := slotOf(slot)
	if err != nil {
		return nil, err
	}
	return st.sess.RecvSlot(idx, timeout)
}

// SlotUnreceive returns slot's semaphore token without consuming the
// payload, slot_unreceive(slot).
func SlotUnreceive(slot Handle) error {
	st, idx, err := slotOf(slot)
	if err != nil {
		return err
	}
	st.sess.UnreceiveSlot(idx)
	return nil
}

// SlotDispose returns slot to its session's free pool and invalidates the
// handle, slot_dispose(slot).
func SlotDispose(slot Handle) error {
	st, idx, err := slotOf(slot)
	if err != nil {
		return err
	}
	err = st.sess.DisposeSlot(idx)
	st.mu.Lock()
	delete(st.slots, idx)
	st.mu.Unlock()
	drop(slot)
	return err
}

// RSCreate acquires a result-set wire for one query's records,
// rs_create(session, name) -> rs.
func RSCreate(session_ Handle, name string) (Handle, error) {
	st, err := sessionOf(session_)
	if err != nil {
		return invalidHandle, err
	}
	rs, err := st.sess.CreateResultSetWire(name)
	if err != nil {
		return invalidHandle, err
	}
	return store(rsRef{sessionHandle: session_, handle: rs}), nil
}

// RSGetChunk returns the next contiguous unread slice of the current
// record's payload, or nil if none is ready yet, rs_get_chunk(rs) ->
// bytes_or_null.
func RSGetChunk(rs Handle) ([]byte, error) {
	ref, err := rsOf(rs)
	if err != nil {
		return nil, err
	}
	return ref.handle.GetChunk(false)
}

// RSDisposeUsed advances past n consumed bytes, rs_dispose_used(rs, n).
func RSDisposeUsed(rs Handle, n int) error {
	ref, err := rsOf(rs)
	if err != nil {
		return err
	}
	ref.handle.Dispose(n)
	return nil
}

// RSIsEOR reports end-of-records, rs_is_eor(rs) -> bool.
func RSIsEOR(rs Handle) (bool, error) {
	ref, err := rsOf(rs)
	if err != nil {
		return false, err
	}
	return ref.handle.IsEOR(), nil
}

// RSClose releases rs's child wire back to the pool and invalidates the
// handle, rs_close(rs).
func RSClose(rs Handle) error {
	ref, err := rsOf(rs)
	if err != nil {
		return err
	}
	err = ref.handle.Close()
	drop(rs)
	return err
}

// DefaultConnQueueCapacity is used when a named connection queue is opened
// for the first time and no capacity has been negotiated out of band.
const DefaultConnQueueCapacity = 64

var (
	connMu sync.Mutex
	conns  = make(map[string]*connqueue.Queue)
)

func namedQueue(name string) *connqueue.Queue {
	connMu.Lock()
	defer connMu.Unlock()
	q, ok := conns[name]
	if !ok {
		q = connqueue.New(DefaultConnQueueCapacity)
		conns[name] = q
	}
	return q
}

// ConnOpen attaches (creating on first use) the named connection queue,
// conn_open(name) -> conn. Bindings in the same process sharing name share
// one underlying connqueue.Queue, mirroring how the segment-backed wires
// are shared by name.
func ConnOpen(name string) Handle {
	return store(namedQueue(name))
}

// ConnRequest takes a free ticket, conn_request(conn) -> ticket.
func ConnRequest(conn Handle) (int, error) {
	q, ok := lookup[*connqueue.Queue](conn)
	if !ok {
		return 0, errs.New(errs.NotFound, "abi: unknown connection handle")
	}
	return q.Request()
}

// ConnCheck non-blockingly tests ticket, conn_check(conn, ticket) -> bool.
func ConnCheck(conn Handle, ticket int) (bool, error) {
	q, ok := lookup[*connqueue.Queue](conn)
	if !ok {
		return false, errs.New(errs.NotFound, "abi: unknown connection handle")
	}
	return q.Check(ticket), nil
}

// ConnWait blocks on ticket until accepted or timeout,
// conn_wait(conn, ticket[, timeout_ns]) -> session_id.
func ConnWait(conn Handle, ticket int, timeout time.Duration) (uint64, error) {
	q, ok := lookup[*connqueue.Queue](conn)
	if !ok {
		return 0, errs.New(errs.NotFound, "abi: unknown connection handle")
	}
	return q.Wait(ticket, timeout)
}

// ConnClose releases this binding's reference to the named connection
// queue, conn_close(conn). The queue itself is process-wide and shared by
// name, so other open handles to it are unaffected.
func ConnClose(conn Handle) error {
	if _, ok := lookup[*connqueue.Queue](conn); !ok {
		return errs.New(errs.NotFound, "abi: unknown connection handle")
	}
	drop(conn)
	return nil
}
