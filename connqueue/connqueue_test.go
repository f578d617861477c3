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

package connqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/shmipc-go/dbshm/errs"
)

func TestConnectionHandshake(t *testing.T) {
	q := New(4)

	ticketA, err := q.Request()
	require.NoError(t, err)
	ticketB, err := q.Request()
	require.NoError(t, err)
	assert.NotEqual(t, ticketA, ticketB)

	var g errgroup.Group
	g.Go(func() error {
		id, sid, terminated := q.Listen()
		assert.False(t, terminated)
		q.Accept(id, sid)
		return nil
	})
	require.NoError(t, g.Wait())

	sidA, err := q.Wait(ticketA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sidA)

	g.Go(func() error {
		id, sid, terminated := q.Listen()
		assert.False(t, terminated)
		q.Accept(id, sid)
		return nil
	})
	require.NoError(t, g.Wait())

	sidB, err := q.Wait(ticketB, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sidB)
}

func TestRequestFailsFastWhenFull(t *testing.T) {
	q := New(1)
	_, err := q.Request()
	require.NoError(t, err)
	_, err = q.Request()
	assert.True(t, errs.Is(err, errs.CapacityExceeded))
}

func TestWaitTimeoutLeavesTicketOutstanding(t *testing.T) {
	q := New(1)
	ticket, err := q.Request()
	require.NoError(t, err)

	_, err = q.Wait(ticket, 20*time.Millisecond)
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, 1, q.Outstanding())
}

func TestCheckNonBlocking(t *testing.T) {
	q := New(1)
	ticket, err := q.Request()
	require.NoError(t, err)
	assert.False(t, q.Check(ticket))

	id, sid, terminated := q.Listen()
	assert.False(t, terminated)
	q.Accept(id, sid)

	assert.True(t, q.Check(ticket))
}
