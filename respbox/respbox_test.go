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

package respbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc-go/dbshm/errs"
)

func TestGetDeliverRecv(t *testing.T) {
	b := New(4, DefaultSlotBufferSize)
	idx, err := b.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, b.Deliver(idx, []byte{1, 2, 3}))
	}()

	got, err := b.Recv(idx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestRecvTimeout(t *testing.T) {
	b := New(4, DefaultSlotBufferSize)
	idx, err := b.Get()
	require.NoError(t, err)
	_, err = b.Recv(idx, 20*time.Millisecond)
	assert.True(t, errs.Is(err, errs.Timeout))
}

func TestExhaustionAndDispose(t *testing.T) {
	b := New(2, DefaultSlotBufferSize)
	i0, err := b.Get()
	require.NoError(t, err)
	_, err = b.Get()
	require.NoError(t, err)
	_, err = b.Get()
	assert.True(t, errs.Is(err, errs.CapacityExceeded))

	require.NoError(t, b.Dispose(i0))
	idx, err := b.Get()
	require.NoError(t, err)
	assert.Equal(t, i0, idx)
}

func TestQueryModeFlag(t *testing.T) {
	b := New(2, DefaultSlotBufferSize)
	idx, err := b.Get()
	require.NoError(t, err)
	assert.False(t, b.QueryMode(idx))
	require.NoError(t, b.SetQueryMode(idx))
	assert.True(t, b.QueryMode(idx))
}
