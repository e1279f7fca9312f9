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

package media

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/dmabuf"
)

// Status is the state of an Entry.
type Status int

const (
	// StatusNew entries sit in a free pool.
	StatusNew Status = iota
	// StatusPending entries are held by the caller.
	StatusPending
	// StatusWaiting entries are queued to the kernel.
	StatusWaiting
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPending:
		return "pending"
	case StatusWaiting:
		return "waiting"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Entry is one kernel buffer and the dma-bufs backing its planes.
type Entry struct {
	status    Status
	index     uint32
	bufs      [v4l2.MaxPlanes]*dmabuf.Buffer
	timestamp unix.Timeval

	// slot in the owning queue's arena, -1 when not tracked
	slot   int
	pooled bool
}

func newEntry(index uint32) *Entry {
	return &Entry{index: index, slot: -1}
}

func (e *Entry) Status() Status {
	return e.status
}

// Index is the kernel buffer index.
func (e *Entry) Index() uint32 {
	return e.index
}

func (e *Entry) NumPlanes() int {
	n := 0
	for n < len(e.bufs) && e.bufs[n] != nil {
		n++
	}
	return n
}

// Buffer returns plane i, nil past the last plane.
func (e *Entry) Buffer(i int) *dmabuf.Buffer {
	if i < 0 || i >= len(e.bufs) {
		return nil
	}
	return e.bufs[i]
}

func (e *Entry) SetTimestamp(tv unix.Timeval) {
	e.timestamp = tv
}

func (e *Entry) Timestamp() unix.Timeval {
	return e.timestamp
}

// CopyIn writes data at the start of plane 0 and sets its length.
func (e *Entry) CopyIn(data []byte) error {
	return e.write(0, data)
}

// Append writes data after the current length of plane 0.
func (e *Entry) Append(data []byte) error {
	b := e.bufs[0]
	if b == nil {
		return fmt.Errorf("%w: entry %d has no buffer", ErrOperationFailed, e.index)
	}
	return e.write(b.Len(), data)
}

func (e *Entry) write(off int, data []byte) error {
	b := e.bufs[0]
	if b == nil {
		return fmt.Errorf("%w: entry %d has no buffer", ErrOperationFailed, e.index)
	}
	if off+len(data) > b.Size() {
		log.Errorf("overrun %d > %d", off+len(data), b.Size())
		return fmt.Errorf("%w: %d bytes into %d byte buffer", ErrAllocationFailed, off+len(data), b.Size())
	}
	if err := b.WriteStart(); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	m, err := b.Map()
	if err != nil {
		_ = b.WriteEnd()
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	copy(m[off:], data)
	b.SetLen(off + len(data))
	if err := b.WriteEnd(); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	return nil
}

// Plane maps plane i.
func (e *Entry) Plane(i int) ([]byte, error) {
	b := e.Buffer(i)
	if b == nil {
		return nil, fmt.Errorf("%w: entry %d has no plane %d", ErrOperationFailed, e.index, i)
	}
	m, err := b.Map()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	return m, nil
}

// ReadStart opens a CPU read bracket on every plane. On failure the planes
// already started are ended again.
func (e *Entry) ReadStart() error {
	n := e.NumPlanes()
	for i := 0; i < n; i++ {
		if err := e.bufs[i].ReadStart(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = e.bufs[j].ReadEnd()
			}
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
	}
	return nil
}

// ReadStop closes the read bracket opened by ReadStart.
func (e *Entry) ReadStop() error {
	var first error
	for i := 0; i < e.NumPlanes(); i++ {
		if err := e.bufs[i].ReadEnd(); err != nil && first == nil {
			first = fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
	}
	return first
}

// DupFds duplicates the fd of every plane. The caller owns the result.
func (e *Entry) DupFds() ([]int, error) {
	n := e.NumPlanes()
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd, err := e.bufs[i].Dup()
		if err != nil {
			for _, f := range fds {
				_ = unix.Close(f)
			}
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func (e *Entry) resetLengths() {
	for i := 0; i < e.NumPlanes(); i++ {
		e.bufs[i].SetLen(0)
	}
}

func (e *Entry) planes(bytesUsed bool) []v4l2.Plane {
	n := e.NumPlanes()
	planes := make([]v4l2.Plane, n)
	for i := 0; i < n; i++ {
		b := e.bufs[i]
		planes[i] = v4l2.Plane{Length: uint32(b.Size()), Fd: b.Fd()}
		if bytesUsed {
			planes[i].BytesUsed = uint32(b.Len())
		}
	}
	return planes
}

// allocPlanes backs the entry with buffers sized from f. Bitstream buffers
// get at least minSourceAlloc bytes.
func (e *Entry) allocPlanes(a dmabuf.Allocator, f *v4l2.Format) error {
	n := 1
	if f.Type.IsMPlane() {
		n = f.NumPlanes
	}
	for i := 0; i < n; i++ {
		size := int(f.Planes[i].SizeImage)
		if !f.Type.IsCapture() && size < minSourceAlloc {
			size = minSourceAlloc
		}
		b, err := dmabuf.Alloc(a, size)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				e.bufs[j].Free()
				e.bufs[j] = nil
			}
			return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		e.bufs[i] = b
	}
	return nil
}

// Free releases every plane. Safe on partially allocated entries.
func (e *Entry) Free() {
	for i := range e.bufs {
		e.bufs[i].Free()
		e.bufs[i] = nil
	}
}
