//go:build linux

/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

package dmabuf

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type BufferTestSuite struct {
	suite.Suite
	alloc *Memfd
}

func (s *BufferTestSuite) SetupSuite() {
	s.alloc = NewMemfd("dmabuf-test")
}

func (s *BufferTestSuite) TestAllocRoundsToPage() {
	b, err := Alloc(s.alloc, 100)
	s.Require().NoError(err)
	defer b.Free()
	s.Equal(unix.Getpagesize(), b.Size())
	s.Equal(0, b.Len())
	s.True(b.Fd() >= 0)
}

func (s *BufferTestSuite) TestAllocInvalidSize() {
	_, err := Alloc(s.alloc, 0)
	s.ErrorIs(err, ErrInvalidSize)
}

func (s *BufferTestSuite) TestMapIsIdempotent() {
	b, err := Alloc(s.alloc, 8192)
	s.Require().NoError(err)
	defer b.Free()
	m1, err := b.Map()
	s.Require().NoError(err)
	m2, err := b.Map()
	s.Require().NoError(err)
	s.Equal(unsafe.Pointer(&m1[0]), unsafe.Pointer(&m2[0]))
	s.Len(m1, b.Size())
}

func (s *BufferTestSuite) TestWriteReadRoundTrip() {
	b, err := Alloc(s.alloc, 4096)
	s.Require().NoError(err)
	defer b.Free()

	payload := []byte("stateless slice data")
	s.Require().NoError(b.WriteStart())
	m, err := b.Map()
	s.Require().NoError(err)
	copy(m, payload)
	b.SetLen(len(payload))
	s.Require().NoError(b.WriteEnd())

	// a second mapping of a dup'ed fd sees the same bytes
	fd, err := b.Dup()
	s.Require().NoError(err)
	other := &Buffer{fd: fd, size: b.Size(), syncer: s.alloc}
	defer other.Free()
	s.Require().NoError(other.ReadStart())
	s.Equal(payload, other.mapping[:b.Len()])
	s.Require().NoError(other.ReadEnd())
}

func (s *BufferTestSuite) TestSetLenClamps() {
	b, err := Alloc(s.alloc, 4096)
	s.Require().NoError(err)
	defer b.Free()
	b.SetLen(b.Size() + 10)
	s.Equal(b.Size(), b.Len())
	b.SetLen(-1)
	s.Equal(0, b.Len())
}

func (s *BufferTestSuite) TestFreeIsSafe() {
	var nilBuf *Buffer
	nilBuf.Free()

	b, err := Alloc(s.alloc, 4096)
	s.Require().NoError(err)
	_, err = b.Map()
	s.Require().NoError(err)
	b.Free()
	s.Equal(-1, b.Fd())
	b.Free()
}

func TestBufferTestSuite(t *testing.T) {
	suite.Run(t, new(BufferTestSuite))
}

type flakyAllocator struct {
	*Memfd
	eintr   int
	calls   int
	syncErr error
}

func (f *flakyAllocator) Alloc(size int) (int, error) {
	f.calls++
	if f.calls <= f.eintr {
		return -1, unix.EINTR
	}
	return f.Memfd.Alloc(size)
}

func (f *flakyAllocator) Sync(fd int, flags uint64) error {
	return f.syncErr
}

func TestAllocRetriesEINTR(t *testing.T) {
	a := &flakyAllocator{Memfd: NewMemfd("flaky"), eintr: 2}
	b, err := Alloc(a, 4096)
	require.NoError(t, err)
	defer b.Free()
	assert.Equal(t, 3, a.calls)
}

func TestAllocPermanentFailure(t *testing.T) {
	a := &failingAllocator{err: unix.ENOMEM}
	_, err := Alloc(a, 4096)
	assert.True(t, errors.Is(err, unix.ENOMEM))
	assert.Equal(t, 1, a.calls)
}

func TestSyncFailureSurfaces(t *testing.T) {
	a := &flakyAllocator{Memfd: NewMemfd("sync"), syncErr: unix.EIO}
	b, err := Alloc(a, 4096)
	require.NoError(t, err)
	defer b.Free()
	assert.ErrorIs(t, b.WriteStart(), unix.EIO)
	assert.ErrorIs(t, b.ReadStart(), unix.EIO)
}

type failingAllocator struct {
	err   error
	calls int
}

func (f *failingAllocator) Alloc(int) (int, error) {
	f.calls++
	return -1, f.err
}

func (f *failingAllocator) Sync(int, uint64) error { return nil }
func (f *failingAllocator) PageSize() int          { return 4096 }
func (f *failingAllocator) Close() error           { return nil }
