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

// Package dmabuf manages dma-buf backed memory: allocation from an Allocator,
// lazy CPU mapping and cache coherency brackets around CPU access.
package dmabuf

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/debuglog"
	"github.com/srediag/v4l2-request/internal/v4l2"
)

var (
	ErrNoHeap             = errors.New("dmabuf: no usable dma heap")
	ErrInsufficientMemory = errors.New("dmabuf: insufficient memory")
	ErrInvalidSize        = errors.New("dmabuf: invalid size")
)

// Flags for Syncer.Sync, as DMA_BUF_SYNC_*.
const (
	SyncRead  = 1 << 0
	SyncWrite = 2 << 0
	SyncRW    = SyncRead | SyncWrite
	SyncStart = 0 << 2
	SyncEnd   = 1 << 2
)

var log = debuglog.New("dmabuf")

// Syncer issues cache coherency operations on a buffer fd.
type Syncer interface {
	Sync(fd int, flags uint64) error
}

// Allocator hands out dma-buf file descriptors of at least size bytes.
type Allocator interface {
	Syncer
	Alloc(size int) (int, error)
	PageSize() int
	Close() error
}

// Buffer is one allocation exposed as a file descriptor.
type Buffer struct {
	fd      int
	size    int
	length  int
	mapping []byte
	syncer  Syncer
}

// Alloc allocates a buffer of size rounded up to the allocator's page size.
func Alloc(a Allocator, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	page := a.PageSize()
	if page <= 0 {
		page = unix.Getpagesize()
	}
	size = (size + page - 1) &^ (page - 1)

	if vm, err := mem.VirtualMemory(); err == nil && vm.Available < uint64(size) {
		return nil, fmt.Errorf("%w: want %d, available %d", ErrInsufficientMemory, size, vm.Available)
	}

	fd := -1
	err := v4l2.RetryEINTR(func() error {
		var err error
		fd, err = a.Alloc(size)
		return err
	})
	if err != nil {
		log.Errorf("alloc %d bytes failed: %v", size, err)
		return nil, fmt.Errorf("dmabuf alloc %d: %w", size, err)
	}
	return &Buffer{fd: fd, size: size, syncer: a}, nil
}

func (b *Buffer) Fd() int {
	return b.fd
}

// Size is the allocated size.
func (b *Buffer) Size() int {
	return b.size
}

// Len is the number of valid bytes.
func (b *Buffer) Len() int {
	return b.length
}

// SetLen sets the number of valid bytes, clamped to Size.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > b.size {
		n = b.size
	}
	b.length = n
}

// Map maps the buffer on first use and returns the cached mapping afterwards.
func (b *Buffer) Map() ([]byte, error) {
	if b.mapping != nil {
		return b.mapping, nil
	}
	m, err := unix.Mmap(b.fd, 0, b.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		log.Errorf("mmap fd=%d size=%d failed: %v", b.fd, b.size, err)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	b.mapping = m
	return m, nil
}

func (b *Buffer) sync(flags uint64) error {
	if b.syncer == nil {
		return nil
	}
	if err := b.syncer.Sync(b.fd, flags); err != nil {
		log.Errorf("sync fd=%d flags=%#x failed: %v", b.fd, flags, err)
		return fmt.Errorf("dmabuf sync: %w", err)
	}
	return nil
}

func (b *Buffer) WriteStart() error {
	return b.sync(SyncStart | SyncWrite)
}

func (b *Buffer) WriteEnd() error {
	return b.sync(SyncEnd | SyncWrite)
}

// ReadStart maps the buffer if needed before syncing for CPU reads.
func (b *Buffer) ReadStart() error {
	if _, err := b.Map(); err != nil {
		return err
	}
	return b.sync(SyncStart | SyncRead)
}

func (b *Buffer) ReadEnd() error {
	return b.sync(SyncEnd | SyncRead)
}

// Dup returns a close-on-exec duplicate of the fd, owned by the caller.
func (b *Buffer) Dup() (int, error) {
	fd, err := unix.FcntlInt(uintptr(b.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup fd=%d: %w", b.fd, err)
	}
	return fd, nil
}

// Free unmaps and closes the buffer. It is safe on a nil buffer.
func (b *Buffer) Free() {
	if b == nil {
		return
	}
	if b.mapping != nil {
		if err := unix.Munmap(b.mapping); err != nil {
			log.Warnf("munmap fd=%d failed: %v", b.fd, err)
		}
		b.mapping = nil
	}
	if b.fd >= 0 {
		if err := v4l2.RetryEINTR(func() error { return unix.Close(b.fd) }); err != nil {
			log.Warnf("close fd=%d failed: %v", b.fd, err)
		}
		b.fd = -1
	}
	b.length = 0
}
