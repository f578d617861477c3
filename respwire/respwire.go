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

// Package respwire implements the response wire: blocking await with
// timeout, a server-liveness escalation, and end-of-stream detection.
package respwire

import (
	"time"

	"github.com/shmipc-go/dbshm/errs"
	"github.com/shmipc-go/dbshm/header"
	"github.com/shmipc-go/dbshm/ring"
)

// watchInterval is the internal sub-poll period used by Await, carried
// over from the original implementation's status-probe cadence: even a
// long caller deadline is split into 5-second slices so a dead server is
// detected within one slice of it actually going stale, not only at the
// caller's full deadline.
const watchInterval = 5 * time.Second

// LivenessChecker reports whether the peer process is still alive. session
// wires status.Provider in as this interface to avoid a direct dependency
// from respwire on the status package.
type LivenessChecker interface {
	IsAlive() bool
}

// Wire is the client-read side of a response wire.
type Wire struct {
	buf   *ring.Buffer[header.Response]
	alive LivenessChecker
}

// New wraps data as a response wire. alive may be nil, in which case a
// timed-out Await always returns errs.Timeout rather than escalating to
// errs.ServerDead.
func New(data []byte, alive LivenessChecker) *Wire {
	return &Wire{buf: ring.New(data, header.ResponseCodec{}), alive: alive}
}

// Await blocks until a response header is readable, the wire closes, or
// timeout elapses. On elapse it consults the liveness checker: if the
// server is dead, returns errs.ServerDead; otherwise errs.Timeout, and the
// caller may retry (the session itself gives up permanently on the first
// ServerDead per spec.md §7).
func (w *Wire) Await(timeout time.Duration) (header.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		slice := watchInterval
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
		if slice <= 0 {
			return w.timeoutVerdict()
		}

		hdr, err := w.buf.PeekTimeout(slice)
		if err == nil {
			return hdr, nil
		}
		if !errs.Is(err, errs.Timeout) {
			return header.Response{}, err
		}
		if w.buf.Closed() {
			return header.Response{}, nil
		}
		if time.Now().After(deadline) {
			return w.timeoutVerdict()
		}
		// sub-poll elapsed before the caller's deadline; loop and re-check
		// liveness without yet surfacing a user-visible error.
		if w.alive != nil && !w.alive.IsAlive() {
			return header.Response{}, errs.New(errs.ServerDead, "response wire await: server not alive")
		}
	}
}

func (w *Wire) timeoutVerdict() (header.Response, error) {
	if w.alive != nil && !w.alive.IsAlive() {
		return header.Response{}, errs.New(errs.ServerDead, "response wire await timed out and server is dead")
	}
	return header.Response{}, errs.New(errs.Timeout, "response wire await timed out")
}

// SetFrontLen records the just-awaited header's payload length.
func (w *Wire) SetFrontLen(n int) { w.buf.SetFrontLen(n) }

// Receive copies the last awaited header's payload into dst.
func (w *Wire) Receive(dst []byte) (int, error) {
	return w.buf.Read(dst)
}

// Close marks the response wire closed; a blocked Await returns a zero
// header without error, per spec.md §4.3.
func (w *Wire) Close() { w.buf.Close() }

// server-side write helpers, used by a test harness mirroring the server.

// Push writes one response frame.
func (w *Wire) Push(idx, msgType uint16, payload []byte) error {
	return w.buf.Push(payload, header.Response{Idx: idx, MsgType: msgType, Length: uint32(len(payload))})
}

// PushEndOfStream writes the msg_type==0 sentinel signalling the session
// container should treat this as a disconnect.
func (w *Wire) PushEndOfStream(idx uint16) error {
	return w.buf.Push(nil, header.Response{Idx: idx, MsgType: header.EndOfStream, Length: 0})
}
