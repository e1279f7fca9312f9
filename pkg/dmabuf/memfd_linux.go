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
	"fmt"

	"golang.org/x/sys/unix"
)

// Memfd allocates anonymous shared memory. The memory is cache coherent so
// Sync does nothing. Used where no dma heap exists and by the simulated kernel.
type Memfd struct {
	name string
}

func NewMemfd(name string) *Memfd {
	if name == "" {
		name = "v4l2-request"
	}
	return &Memfd{name: name}
}

func (m *Memfd) PageSize() int {
	return unix.Getpagesize()
}

func (m *Memfd) Alloc(size int) (int, error) {
	fd, err := unix.MemfdCreate(m.name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("memfd truncate %d: %w", size, err)
	}
	return fd, nil
}

func (m *Memfd) Sync(fd int, flags uint64) error {
	return nil
}

func (m *Memfd) Close() error {
	return nil
}
