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

// Package reqwire implements the request wire: a ring.Buffer[header.Request]
// with the incremental-commit contract and the disconnect sentinel.
package reqwire

import (
	"sync"

	"github.com/shmipc-go/dbshm/header"
	"github.com/shmipc-go/dbshm/ring"
)

// Wire is the client-write side of a request wire. push is serialised by
// the wire's own mutex: exactly one Send call proceeds at a time, mirroring "the
// request wire's mutex serialises concurrent senders" (spec.md §4.6).
type Wire struct {
	buf *ring.Buffer[header.Request]
	mu  sync.Mutex
}

// New wraps data (the segment region backing this wire) as a request wire.
func New(data []byte) *Wire {
	return &Wire{buf: ring.New(data, header.RequestCodec{})}
}

// Send writes one framed request carrying idx and payload. It blocks until
// there is room; only one Send proceeds at a time per Wire.
func (w *Wire) Send(idx uint16, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Push(payload, header.Request{Idx: idx, Length: uint32(len(payload))})
}

// BrandNew reserves space for a header the caller will fill in later via
// Write+Flush, for building a record byte-by-byte instead of handing Send
// one contiguous slice. It acquires the per-wire send lock, held until the
// matching Flush, so a concurrent Send cannot interleave with an
// in-progress incremental record.
func (w *Wire) BrandNew() error {
	w.mu.Lock()
	if err := w.buf.BrandNew(); err != nil {
		w.mu.Unlock()
		return err
	}
	return nil
}

// Write appends bytes to the record opened by BrandNew.
func (w *Wire) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Flush commits the record opened by BrandNew with the given idx, then
// releases the per-wire send lock acquired by BrandNew.
func (w *Wire) Flush(idx uint16, length uint32) error {
	defer w.mu.Unlock()
	return w.buf.Flush(header.Request{Idx: idx, Length: length})
}

// Disconnect commits the zero-payload sentinel frame (idx == NotUsed) the
// server reads as "client is gone". Readers never block on it beyond
// peeking its header.
func (w *Wire) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Push(nil, header.Request{Idx: header.NotUsed, Length: 0})
}

// Close marks the underlying ring closed, unblocking any reader parked on
// Peek.
func (w *Wire) Close() { w.buf.Close() }

// server-side reads, used by a test harness mirroring the server.

// Peek reads the next request header without consuming it.
func (w *Wire) Peek(wait bool) (header.Request, bool, error) {
	return w.buf.Peek(wait)
}

// Read copies the front record's payload into dst and advances past it.
// The caller must have called Peek and SetFrontLen first.
func (w *Wire) Read(dst []byte) (int, error) {
	return w.buf.Read(dst)
}

// SetFrontLen records the just-peeked header's payload length so Read/
// Dispose know how many payload bytes belong to the front record.
func (w *Wire) SetFrontLen(n int) { w.buf.SetFrontLen(n) }

// Dispose advances past the front record without copying its payload out.
func (w *Wire) Dispose() error { return w.buf.Dispose() }
