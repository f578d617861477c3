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

package session

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc-go/dbshm/errs"
)

const (
	testReqOffset  = 4096
	testReqSize    = 1024
	testRespOffset = testReqOffset + testReqSize
	testRespSize   = 1024
	testPoolOffset = testRespOffset + testRespSize
	testWireSize   = 512
	testMaxChild   = 2
	testPoolSize   = testWireSize * testMaxChild
	testFileSize   = testPoolOffset + testPoolSize
)

func writeTestDirectory(buf []byte, entries map[string]int) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for name, objOffset := range entries {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(name)))
		off += 2
		copy(buf[off:off+len(name)], name)
		off += len(name)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(objOffset))
		off += 4
	}
}

func newTestSegmentFile(t *testing.T) string {
	t.Helper()
	data := make([]byte, testFileSize)
	writeTestDirectory(data, map[string]int{
		nameRequestWire:  testReqOffset,
		nameResponseWire: testRespOffset,
		nameResultSet:    testPoolOffset,
		nameResponseBox:  0,
		nameStatus:       0,
	})
	path := filepath.Join(t.TempDir(), "segment")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testOptions() Options {
	return Options{
		RequestWireSize:    testReqSize,
		ResponseWireSize:   testRespSize,
		ResponseBoxSlots:   4,
		ResponseBoxBufSize: 64,
		ResultSetPoolSize:  testPoolSize,
		ResultSetWireSize:  testWireSize,
		ResultSetMaxChild:  testMaxChild,
	}
}

func TestOpenMissingDirectoryEntryFails(t *testing.T) {
	data := make([]byte, testFileSize)
	writeTestDirectory(data, map[string]int{
		nameRequestWire: testReqOffset,
	})
	path := filepath.Join(t.TempDir(), "segment")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path, testOptions())
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSendAwaitReceiveRoundTrip(t *testing.T) {
	path := newTestSegmentFile(t)
	s, err := Open(path, testOptions())
	require.NoError(t, err)
	defer s.seg.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr, ok, err := s.req.Peek(true)
		require.NoError(t, err)
		require.True(t, ok)
		s.req.SetFrontLen(int(hdr.Length))
		payload := make([]byte, hdr.Length)
		_, err = s.req.Read(payload)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(payload))

		require.NoError(t, s.resp.Push(hdr.Idx, 1, []byte("pong")))
	}()

	slot, err := s.SendRequest([]byte("ping"))
	require.NoError(t, err)

	awaited, err := s.Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(slot), awaited.Idx)
	assert.Equal(t, uint32(4), awaited.Length)

	out := make([]byte, awaited.Length)
	_, err = s.Receive(out)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(out))

	<-done
}

func TestIsDeletableLifecycle(t *testing.T) {
	path := newTestSegmentFile(t)
	s, err := Open(path, testOptions())
	require.NoError(t, err)

	assert.False(t, s.IsDeletable())

	handle, err := s.CreateResultSetWire("rows")
	require.NoError(t, err)
	assert.False(t, s.IsDeletable())

	require.NoError(t, handle.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.IsDeletable())
}

func TestDisconnectWritesSentinel(t *testing.T) {
	path := newTestSegmentFile(t)
	s, err := Open(path, testOptions())
	require.NoError(t, err)
	defer s.seg.Close()

	require.NoError(t, s.Disconnect())

	hdr, ok, err := s.req.Peek(true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hdr.Disconnect())
}
