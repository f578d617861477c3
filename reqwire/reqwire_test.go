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

package reqwire

import (
	"testing"

	"github.com/shmipc-go/dbshm/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendThenServerReads(t *testing.T) {
	w := New(make([]byte, 4096))
	require.NoError(t, w.Send(3, []byte{1, 2, 3}))

	hdr, ok, err := w.Peek(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(3), hdr.Idx)

	w.SetFrontLen(int(hdr.Length))
	dst := make([]byte, hdr.Length)
	n, err := w.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, dst[:n])
}

func TestDisconnectSentinel(t *testing.T) {
	w := New(make([]byte, 4096))
	require.NoError(t, w.Disconnect())
	hdr, ok, err := w.Peek(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hdr.Disconnect())
}

func TestIncrementalCommit(t *testing.T) {
	w := New(make([]byte, 4096))
	require.NoError(t, w.BrandNew())
	_, err := w.Write([]byte{0xDE, 0xAD})
	require.NoError(t, err)
	_, err = w.Write([]byte{0xBE, 0xEF})
	require.NoError(t, err)
	require.NoError(t, w.Flush(9, 4))

	hdr, ok, err := w.Peek(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(9), hdr.Idx)
	assert.Equal(t, uint32(4), hdr.Length)

	w.SetFrontLen(4)
	dst := make([]byte, 4)
	_, err = w.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, dst)
}
