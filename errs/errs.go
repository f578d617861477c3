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

// Package errs enumerates the error kinds surfaced by the shared-memory
// transport core. Every operation that can fail returns (or wraps) one of
// these kinds so callers can branch on Kind rather than string-matching
// error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind discriminates the exhaustive set of failure modes the transport can
// report.
type Kind int32

const (
	// UnknownKind is never returned; it catches zero-value Errors.
	UnknownKind Kind = iota

	// NotFound means a segment, wire, or named object was absent.
	NotFound
	// CapacityExceeded means no free response-box slot or connection
	// ticket was available.
	CapacityExceeded
	// Timeout means a deadline elapsed before the awaited event arrived.
	Timeout
	// ServerDead means await timed out and the status provider reported
	// the peer process as no longer alive.
	ServerDead
	// ClientDisconnected means a disconnect sentinel frame was observed.
	// Server-side only; clients never raise this themselves.
	ClientDisconnected
	// ProtocolError means header fields were inconsistent, e.g. an idx
	// out of range for the response box.
	ProtocolError
	// Closed means the operation was attempted on a channel already
	// closed by the peer.
	Closed
	// Fatal means the segment allocator returned null or a mutex
	// acquisition indicated irrecoverable state; the session is unusable.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case CapacityExceeded:
		return "capacity_exceeded"
	case Timeout:
		return "timeout"
	case ServerDead:
		return "server_dead"
	case ClientDisconnected:
		return "client_disconnected"
	case ProtocolError:
		return "protocol_error"
	case Closed:
		return "closed"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module. Use errors.Is
// against one of the Kind sentinels below, or inspect Kind directly.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause, if any, to the errors package.
func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, errs.ErrNotFound) work by comparing Kind against the
// sentinel errors declared below.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	if !ok {
		return false
	}
	return e.Kind == s.kind
}

// sentinel is the type behind the exported ErrNotFound/ErrCapacityExceeded/...
// values so they can be used both as errors.Is targets and as doc anchors.
type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Sentinel errors for errors.Is comparisons, e.g.:
//
//	if errors.Is(err, errs.ErrTimeout) { ... }
var (
	ErrNotFound           = &sentinel{kind: NotFound}
	ErrCapacityExceeded   = &sentinel{kind: CapacityExceeded}
	ErrTimeout            = &sentinel{kind: Timeout}
	ErrServerDead         = &sentinel{kind: ServerDead}
	ErrClientDisconnected = &sentinel{kind: ClientDisconnected}
	ErrProtocolError      = &sentinel{kind: ProtocolError}
	ErrClosed             = &sentinel{kind: Closed}
	ErrFatal              = &sentinel{kind: Fatal}
)

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), err: cause}
}

// Is reports whether err carries the given Kind, looking through wrapping
// via errors.As.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
