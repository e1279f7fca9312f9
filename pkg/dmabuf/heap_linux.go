//go:build linux && (amd64 || arm64)

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
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

const (
	dmaHeapIoctlAlloc = 0xc0184800
	dmaBufIoctlSync   = 0x40086200
)

// DefaultHeapPaths are tried in order by NewHeap when no path is given.
var DefaultHeapPaths = []string{
	"/dev/dma_heap/linux,cma",
	"/dev/dma_heap/reserved",
}

type dmaHeapAllocationData struct {
	len       uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

type dmaBufSync struct {
	flags uint64
}

var (
	_ [0]struct{} = [unsafe.Sizeof(dmaHeapAllocationData{}) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(dmaBufSync{}) - 8]struct{}{}
)

// Heap allocates from a /dev/dma_heap node.
type Heap struct {
	fd       int
	path     string
	pageSize int
}

// NewHeap opens the first heap node of paths that can be opened.
func NewHeap(paths ...string) (*Heap, error) {
	if len(paths) == 0 {
		paths = DefaultHeapPaths
	}
	var lastErr error
	for _, p := range paths {
		fd, err := unix.Open(p, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			log.Debugf("heap %s: %v", p, err)
			lastErr = err
			continue
		}
		log.Infof("using dma heap %s", p)
		return &Heap{fd: fd, path: p, pageSize: unix.Getpagesize()}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoHeap, lastErr)
}

func (h *Heap) Path() string {
	return h.path
}

func (h *Heap) PageSize() int {
	return h.pageSize
}

// Alloc returns a new dma-buf fd of size bytes.
func (h *Heap) Alloc(size int) (int, error) {
	data := dmaHeapAllocationData{
		len:     uint64(size),
		fdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := v4l2.Ioctl(h.fd, dmaHeapIoctlAlloc, unsafe.Pointer(&data)); err != nil {
		return -1, fmt.Errorf("DMA_HEAP_IOCTL_ALLOC %s: %w", h.path, err)
	}
	return int(data.fd), nil
}

// Sync issues DMA_BUF_IOCTL_SYNC on fd.
func (h *Heap) Sync(fd int, flags uint64) error {
	return SyncFd(fd, flags)
}

func (h *Heap) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

// SyncFd issues DMA_BUF_IOCTL_SYNC on any dma-buf fd.
func SyncFd(fd int, flags uint64) error {
	s := dmaBufSync{flags: flags}
	return v4l2.Ioctl(fd, dmaBufIoctlSync, unsafe.Pointer(&s))
}

