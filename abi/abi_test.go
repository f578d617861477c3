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

package abi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnLifecycleThroughHandles(t *testing.T) {
	conn := ConnOpen(t.Name())
	defer ConnClose(conn)

	ticket, err := ConnRequest(conn)
	require.NoError(t, err)

	ok, err := ConnCheck(conn, ticket)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ConnWait(conn, ticket, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestUnknownHandlesReportNotFound(t *testing.T) {
	_, err := ConnRequest(Handle(999999))
	assert.Error(t, err)

	_, err = SessionGetSlot(Handle(999999))
	assert.Error(t, err)

	_, err = SlotRecv(Handle(999999), time.Millisecond)
	assert.Error(t, err)

	_, err = RSGetChunk(Handle(999999))
	assert.Error(t, err)
}

func TestConnOpenSharesQueueByName(t *testing.T) {
	a := ConnOpen(t.Name())
	b := ConnOpen(t.Name())
	defer ConnClose(a)
	defer ConnClose(b)

	ticket, err := ConnRequest(a)
	require.NoError(t, err)

	// b resolves to the same underlying queue: the ticket it just saw
	// requested through a is visible via b's handle too.
	ok, err := ConnCheck(b, ticket)
	require.NoError(t, err)
	assert.False(t, ok)
}
