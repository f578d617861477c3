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

// Package session composes the request wire, response wire, response box,
// and result-set pool of one client connection into a single handle
// (spec.md §4.6), and owns the shared-memory segment it was opened from.
package session

import (
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/sync/errgroup"

	"github.com/shmipc-go/dbshm/errs"
	"github.com/shmipc-go/dbshm/reqwire"
	"github.com/shmipc-go/dbshm/respbox"
	"github.com/shmipc-go/dbshm/respwire"
	"github.com/shmipc-go/dbshm/resultset"
	"github.com/shmipc-go/dbshm/segment"
	"github.com/shmipc-go/dbshm/status"
	"github.com/shmipc-go/dbshm/telemetry"
)

// Well-known names the server registers in a session segment's directory
// header; Open looks each of these up via segment.Segment.Named. The
// response box and status provider are presence-checked only: the box is
// rebuilt locally rather than mmap'd, and liveness is probed by flocking
// the segment's own backing file rather than a second shared object.
const (
	nameRequestWire  = "request_wire"
	nameResponseWire = "response_wire"
	nameResultSet    = "result_set_pool"
	nameResponseBox  = "response_box"
	nameStatus       = "status_provider"
)

// Options configures a Session's fixed layout: the byte sizes the server
// allocated for each wire, and the local-only sizing of the response box
// and result-set pool. This is the gopool.Option/DefaultOption() shape
// applied to every sized component in this module.
type Options struct {
	DirectoryOffset int

	RequestWireSize  int
	ResponseWireSize int

	ResponseBoxSlots   int
	ResponseBoxBufSize int

	ResultSetPoolSize int
	ResultSetWireSize int
	ResultSetMaxChild int

	Logger telemetry.Logger
}

// DefaultWireSize is the default size of the request and response wires,
// matching the result-set child wire default of spec.md §4.5.
const DefaultWireSize = 64 * datasize.KB

// DefaultOptions returns the sizing this pack uses absent an explicit
// override.
func DefaultOptions() Options {
	return Options{
		RequestWireSize:    int(DefaultWireSize),
		ResponseWireSize:   int(DefaultWireSize),
		ResponseBoxSlots:   respbox.DefaultSlotCount,
		ResponseBoxBufSize: respbox.DefaultSlotBufferSize,
		ResultSetPoolSize:  int(DefaultWireSize) * resultset.DefaultMaxChildren,
		ResultSetWireSize:  int(resultset.DefaultWireSize),
		ResultSetMaxChild:  resultset.DefaultMaxChildren,
		Logger:             telemetry.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestWireSize == 0 {
		o.RequestWireSize = d.RequestWireSize
	}
	if o.ResponseWireSize == 0 {
		o.ResponseWireSize = d.ResponseWireSize
	}
	if o.ResponseBoxSlots == 0 {
		o.ResponseBoxSlots = d.ResponseBoxSlots
	}
	if o.ResponseBoxBufSize == 0 {
		o.ResponseBoxBufSize = d.ResponseBoxBufSize
	}
	if o.ResultSetPoolSize == 0 {
		o.ResultSetPoolSize = d.ResultSetPoolSize
	}
	if o.ResultSetWireSize == 0 {
		o.ResultSetWireSize = d.ResultSetWireSize
	}
	if o.ResultSetMaxChild == 0 {
		o.ResultSetMaxChild = d.ResultSetMaxChild
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}

// ResultSetHandle is the client-side view create_result_set_wire returns:
// a child wire attached from the result-set pool.
type ResultSetHandle struct {
	session *Session
	idx     int
	child   *resultset.Child
}

// GetChunk exposes the next record's payload.
func (h *ResultSetHandle) GetChunk(wait bool) ([]byte, error) { return h.child.GetChunk(wait) }

// Dispose advances past length consumed bytes.
func (h *ResultSetHandle) Dispose(length int) { h.child.Dispose(length) }

// IsEOR reports whether the owning pool has reached end-of-records.
func (h *ResultSetHandle) IsEOR() bool { return h.session.pool.IsEOR() }

// Close releases this handle's child back to the pool and clears its
// contribution to the owning session's is_deletable count.
func (h *ResultSetHandle) Close() error {
	h.child.Close()
	err := h.session.pool.Release(h.idx)
	h.session.releaseResultSet()
	return err
}

// Session is one client's attachment to a co-located server: a segment
// plus the request wire, response wire, response box, and result-set pool
// spec.md §4.6 composes. Mirrors the mutex-plus-injected-logger shape this
// pack uses for a stateful coordinator type holding several composed
// handles.
type Session struct {
	mu  sync.Mutex
	log telemetry.Logger

	seg     *segment.Segment
	req     *reqwire.Wire
	resp    *respwire.Wire
	box     *respbox.Box
	pool    *resultset.Pool
	statusP *status.Provider

	closed      bool
	respClosed  bool
	outstanding int // live ResultSetHandle count, for is_deletable
}

// Open attaches the shared segment at path, resolves the well-known
// directory entries the server wrote, and composes a Session. Any missing
// lookup fails the whole call with errs.NotFound ("cannot find a
// session"), matching spec.md §4.6's new(segment_name).
func Open(path string, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	seg, err := segment.OpenWithDirectory(path, opts.DirectoryOffset)
	if err != nil {
		return nil, err
	}

	reqOff, ok := seg.Named(nameRequestWire)
	if !ok {
		seg.Close()
		return nil, errs.New(errs.NotFound, "cannot find a session: %s missing from segment directory", nameRequestWire)
	}
	respOff, ok := seg.Named(nameResponseWire)
	if !ok {
		seg.Close()
		return nil, errs.New(errs.NotFound, "cannot find a session: %s missing from segment directory", nameResponseWire)
	}
	poolOff, ok := seg.Named(nameResultSet)
	if !ok {
		seg.Close()
		return nil, errs.New(errs.NotFound, "cannot find a session: %s missing from segment directory", nameResultSet)
	}
	if _, ok := seg.Named(nameResponseBox); !ok {
		seg.Close()
		return nil, errs.New(errs.NotFound, "cannot find a session: %s missing from segment directory", nameResponseBox)
	}
	if _, ok := seg.Named(nameStatus); !ok {
		seg.Close()
		return nil, errs.New(errs.NotFound, "cannot find a session: %s missing from segment directory", nameStatus)
	}

	reqData, err := seg.At(reqOff, opts.RequestWireSize)
	if err != nil {
		seg.Close()
		return nil, err
	}
	respData, err := seg.At(respOff, opts.ResponseWireSize)
	if err != nil {
		seg.Close()
		return nil, err
	}

	statusP := status.New(path, status.WithLogger(opts.Logger))

	alloc, err := segment.NewAllocator(seg, poolOff, opts.ResultSetPoolSize, opts.ResultSetWireSize, opts.ResultSetWireSize)
	if err != nil {
		seg.Close()
		return nil, err
	}
	pool, err := resultset.New(alloc, opts.ResultSetWireSize, opts.ResultSetMaxChild)
	if err != nil {
		seg.Close()
		return nil, err
	}

	return &Session{
		log:     opts.Logger,
		seg:     seg,
		req:     reqwire.New(reqData),
		resp:    respwire.New(respData, statusP),
		box:     respbox.New(opts.ResponseBoxSlots, opts.ResponseBoxBufSize),
		pool:    pool,
		statusP: statusP,
	}, nil
}

// GetResponseBox allocates a response-box slot (spec.md §4.4), failing with
// errs.CapacityExceeded ("no free slot") if the box is exhausted.
func (s *Session) GetResponseBox() (int, error) {
	return s.box.Get()
}

// Send writes one framed request carrying slot's index and payload. Safe
// for concurrent callers at the granularity of one request per call: the
// request wire's own mutex serialises the underlying push.
func (s *Session) Send(slot int, payload []byte) error {
	return s.req.Send(uint16(slot), payload)
}

// SetQueryMode flags slot as routing its payload through a result-set wire
// rather than inline through the response box.
func (s *Session) SetQueryMode(slot int) error {
	return s.box.SetQueryMode(slot)
}

// RecvSlot blocks on slot's semaphore until a response is delivered or
// timeout elapses, returning a copy of the delivered bytes.
func (s *Session) RecvSlot(slot int, timeout time.Duration) ([]byte, error) {
	return s.box.Recv(slot, timeout)
}

// UnreceiveSlot returns slot's semaphore token without consuming the
// payload, letting a caller retry RecvSlot after inspecting state
// out of band.
func (s *Session) UnreceiveSlot(slot int) {
	s.box.Unreceive(slot)
}

// DisposeSlot returns slot to the response box's free pool.
func (s *Session) DisposeSlot(slot int) error {
	return s.box.Dispose(slot)
}

// SendRequest is GetResponseBox followed by Send under one call, the
// convenience path for the common single-sender-at-a-time case. Callers
// implementing query-mode pipelining should call GetResponseBox and Send
// separately so they can hold the slot across several writes.
func (s *Session) SendRequest(payload []byte) (int, error) {
	slot, err := s.GetResponseBox()
	if err != nil {
		return 0, err
	}
	if err := s.Send(slot, payload); err != nil {
		s.box.Dispose(slot)
		return 0, err
	}
	return slot, nil
}

// Awaited is the header exposed after a successful Await.
type Awaited struct {
	Idx     uint16
	MsgType uint16
	Length  uint32
}

// Await blocks on the response wire until a header is readable. On
// timeout, it consults the status provider: a dead server escalates to
// errs.ServerDead ("server crashed"); otherwise errs.Timeout.
func (s *Session) Await(timeout time.Duration) (Awaited, error) {
	hdr, err := s.resp.Await(timeout)
	if err != nil {
		return Awaited{}, err
	}
	if hdr.IsZero() {
		s.markRespClosed()
		return Awaited{}, errs.New(errs.Closed, "response wire closed")
	}
	if hdr.EndOfStream() {
		s.markRespClosed()
		return Awaited{Idx: hdr.Idx, MsgType: hdr.MsgType}, nil
	}
	s.resp.SetFrontLen(int(hdr.Length))
	return Awaited{Idx: hdr.Idx, MsgType: hdr.MsgType, Length: hdr.Length}, nil
}

// Receive copies the payload of the last awaited header into dst.
func (s *Session) Receive(dst []byte) (int, error) {
	return s.resp.Receive(dst)
}

// CreateResultSetWire acquires a child from the result-set pool for one
// query's records. name identifies the query for logging; the pool itself
// has a single segment-wide child arena shared by index, not by name.
func (s *Session) CreateResultSetWire(name string) (*ResultSetHandle, error) {
	idx, child, err := s.pool.Acquire()
	if err != nil {
		return nil, err
	}
	s.log.Debugw("session: result-set wire acquired", "name", name, "index", idx)
	s.mu.Lock()
	s.outstanding++
	s.mu.Unlock()
	return &ResultSetHandle{session: s, idx: idx, child: child}, nil
}

func (s *Session) releaseResultSet() {
	s.mu.Lock()
	s.outstanding--
	s.mu.Unlock()
}

// IsDeletable reports whether the response wire has been closed and every
// result-set handle disposed: the reference-counted readiness test
// spec.md §4.6 requires before a session's segment region may be reclaimed.
// It is purely a query; this module never reclaims a segment on its own.
func (s *Session) IsDeletable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respClosed && s.outstanding == 0
}

func (s *Session) markRespClosed() {
	s.mu.Lock()
	s.respClosed = true
	s.mu.Unlock()
}

// Disconnect writes the sentinel frame on the request wire, signalling the
// server this client is going away. Deallocation readiness is IsDeletable's
// job, not this call's: it does not close the response wire or result-set
// handles.
func (s *Session) Disconnect() error {
	return s.req.Disconnect()
}

// Close tears down this session's local state. It disconnects the request
// wire, closes the response wire, then closes the result-set pool and the
// segment attachment concurrently via errgroup — the response-wire-before-
// result-set-wires ordering the original implementation's destructor uses.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	if err := s.req.Disconnect(); err != nil {
		firstErr = err
	}
	s.resp.Close()
	s.markRespClosed()

	var g errgroup.Group
	g.Go(func() error {
		s.pool.SetClosed()
		return nil
	})
	g.Go(func() error {
		return s.seg.Close()
	})
	if err := g.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StatusProvider exposes the liveness probe wired into this session's
// response wire, for callers implementing session_is_alive directly.
func (s *Session) StatusProvider() *status.Provider { return s.statusP }
