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

// Package segment attaches the named, file-backed shared-memory region a
// session lives in. The client never creates the segment: the server has
// already sized and populated it; the client opens it O_RDWR and mmaps it.
//
// Everything that must survive being looked at from either process stores
// a byte offset into this region, never a pointer, per the relocation-safe
// design note: an offset resolves to a local address only at the use site,
// through Segment.At.
package segment

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/shmipc-go/dbshm/container/strmap"
	"github.com/shmipc-go/dbshm/errs"
)

// Segment is a client's attachment to one shared-memory region.
type Segment struct {
	path string
	file *os.File
	data []byte

	mu        sync.RWMutex
	names     []string       // directory entries seen so far, parallel to offsets
	offsets   []int
	registry  *strmap.StrMap[int] // name -> byte offset, rebuilt on each Register
}

// Open attaches the existing file at path read/write and mmaps its full
// current size. The client never creates this file; if it does not exist,
// NotFound is returned.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.NotFound, err, "segment %q not found", path)
		}
		return nil, errs.Wrap(errs.Fatal, err, "segment %q open failed", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Fatal, err, "segment %q stat failed", path)
	}
	size := int(fi.Size())
	if size == 0 {
		f.Close()
		return nil, errs.New(errs.Fatal, "segment %q is empty", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Fatal, err, "segment %q mmap failed", path)
	}
	return &Segment{
		path:     path,
		file:     f,
		data:     data,
		registry: strmap.NewFromSlice[int](nil, nil),
	}, nil
}

// Close unmaps the region and closes the backing file descriptor. It does
// not remove the file: the server owns its lifetime.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Size returns the mmap'd region's byte length.
func (s *Segment) Size() int { return len(s.data) }

// At resolves offset into a live slice of n bytes into the attached region.
// The returned slice aliases the mmap'd memory directly; callers must not
// retain it past Close.
func (s *Segment) At(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(s.data) {
		return nil, errs.New(errs.ProtocolError, "offset %d len %d out of range (segment size %d)", offset, n, len(s.data))
	}
	return s.data[offset : offset+n], nil
}

// Register records offset under name, making it discoverable by Named. The
// server populates these entries at segment-init time; the client only
// reads them here to mirror a test harness that builds both sides in one
// binary (see telemetry/test-tooling notes).
//
// The directory is small (a handful of well-known objects) and read far
// more often than written, so it is kept as a strmap.StrMap rebuilt on each
// Register rather than a plain map: every Named lookup after attach runs
// against the GC-friendly readonly representation.
func (s *Segment) Register(name string, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.offsets = append(s.offsets, offset)
	s.registry = strmap.NewFromSlice[int](s.names, s.offsets)
}

// Named looks up a previously Register-ed offset by name.
func (s *Segment) Named(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Get(name)
}

// readDirectoryHeader parses the fixed on-disk directory the server writes
// at offset 0: a count followed by count entries of {u16 name length, name
// bytes, u32 offset}, used by OpenWithDirectory to bootstrap the registry for well-known
// objects (connection_queue, request_wire, response_wire, response_box,
// status_provider) without any higher-level protocol round trip.
func (s *Segment) readDirectoryHeader(base int) error {
	if base+4 > len(s.data) {
		return errs.New(errs.ProtocolError, "segment directory header truncated")
	}
	count := binary.LittleEndian.Uint32(s.data[base : base+4])
	off := base + 4
	for i := uint32(0); i < count; i++ {
		if off+2 > len(s.data) {
			return errs.New(errs.ProtocolError, "segment directory entry truncated")
		}
		nameLen := int(binary.LittleEndian.Uint16(s.data[off : off+2]))
		off += 2
		if off+nameLen+4 > len(s.data) {
			return errs.New(errs.ProtocolError, "segment directory entry truncated")
		}
		name := string(s.data[off : off+nameLen])
		off += nameLen
		objOffset := int(binary.LittleEndian.Uint32(s.data[off : off+4]))
		off += 4
		s.Register(name, objOffset)
	}
	return nil
}

// NewInMemory wraps a plain byte slice as a Segment without a backing file
// or mmap, for tests that exercise the allocator/wire layers without a real
// shared-memory attachment.
func NewInMemory(data []byte) *Segment {
	return &Segment{data: data, registry: strmap.NewFromSlice[int](nil, nil)}
}

// OpenWithDirectory is Open followed by reading a directory header at
// directoryOffset, populating the registry used by Named lookups.
func OpenWithDirectory(path string, directoryOffset int) (*Segment, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := s.readDirectoryHeader(directoryOffset); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
