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

package respwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc-go/dbshm/errs"
)

type fakeAlive struct{ alive bool }

func (f *fakeAlive) IsAlive() bool { return f.alive }

func TestAwaitReturnsHeader(t *testing.T) {
	w := New(make([]byte, 4096), nil)
	require.NoError(t, w.Push(2, 9, []byte{0xA, 0xB, 0xC}))

	hdr, err := w.Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), hdr.Idx)
	assert.Equal(t, uint16(9), hdr.MsgType)

	w.SetFrontLen(int(hdr.Length))
	dst := make([]byte, hdr.Length)
	n, err := w.Receive(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA, 0xB, 0xC}, dst[:n])
}

func TestAwaitTimeoutWithoutLivenessChecker(t *testing.T) {
	w := New(make([]byte, 4096), nil)
	_, err := w.Await(30 * time.Millisecond)
	assert.True(t, errs.Is(err, errs.Timeout))
}

func TestAwaitEscalatesToServerDead(t *testing.T) {
	w := New(make([]byte, 4096), &fakeAlive{alive: false})
	_, err := w.Await(30 * time.Millisecond)
	assert.True(t, errs.Is(err, errs.ServerDead))
}

func TestAwaitOnClosedWireReturnsZeroHeader(t *testing.T) {
	w := New(make([]byte, 4096), nil)
	w.Close()
	hdr, err := w.Await(time.Second)
	require.NoError(t, err)
	assert.True(t, hdr.IsZero())
}

func TestEndOfStreamSentinel(t *testing.T) {
	w := New(make([]byte, 4096), nil)
	require.NoError(t, w.PushEndOfStream(5))
	hdr, err := w.Await(time.Second)
	require.NoError(t, err)
	assert.True(t, hdr.EndOfStream())
}
