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

package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, size int) *Allocator {
	t.Helper()
	seg := NewInMemory(make([]byte, size))
	a, err := NewAllocator(seg, 0, size, 4096, 65536)
	require.NoError(t, err)
	return a
}

func TestAllocFreeIdempotent(t *testing.T) {
	a := newTestAllocator(t, 65536*2)
	off1, ok := a.Alloc(4096)
	require.True(t, ok)
	a.Free(off1, 4096)
	off2, ok := a.Alloc(4096)
	require.True(t, ok)
	assert.Equal(t, off1, off2)
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(t, 65536)
	offsets := map[int]bool{}
	for i := 0; i < 16; i++ {
		off, ok := a.Alloc(4096)
		require.True(t, ok)
		assert.False(t, offsets[off], "offset reused before free")
		offsets[off] = true
	}
	_, ok := a.Alloc(4096)
	assert.False(t, ok)
}

func TestAllocCoalesceAfterFree(t *testing.T) {
	a := newTestAllocator(t, 65536)
	var offs []int
	for i := 0; i < 16; i++ {
		off, ok := a.Alloc(4096)
		require.True(t, ok)
		offs = append(offs, off)
	}
	for _, off := range offs {
		a.Free(off, 4096)
	}
	big, ok := a.Alloc(65536 - 8)
	assert.True(t, ok)
	_ = big
}
