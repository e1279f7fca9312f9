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
	"context"
	"fmt"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/pkg/pollqueue"
)

// BufferQueue tracks the entries of one direction. Entries live in an arena;
// the free list and the in-flight list hold arena slots.
type BufferQueue struct {
	name     string
	pq       *pollqueue.Queue
	interval time.Duration
	metrics  *Metrics

	entries []*Entry
	vacant  []int
	free    *queuepkg.Queue
	inuse   []int
}

func newBufferQueue(name string, pq *pollqueue.Queue, interval time.Duration, m *Metrics) *BufferQueue {
	return &BufferQueue{
		name:     name,
		pq:       pq,
		interval: interval,
		metrics:  m,
		free:     queuepkg.New(8),
	}
}

func (q *BufferQueue) attach(e *Entry) {
	if e.slot >= 0 && e.slot < len(q.entries) && q.entries[e.slot] == e {
		return
	}
	if n := len(q.vacant); n > 0 {
		e.slot = q.vacant[n-1]
		q.vacant = q.vacant[:n-1]
		q.entries[e.slot] = e
		return
	}
	e.slot = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *BufferQueue) detach(e *Entry) {
	if e.slot < 0 || e.slot >= len(q.entries) || q.entries[e.slot] != e {
		return
	}
	q.entries[e.slot] = nil
	q.vacant = append(q.vacant, e.slot)
	e.slot = -1
}

// adopt makes e a member of the free pool.
func (q *BufferQueue) adopt(e *Entry) {
	q.attach(e)
	e.pooled = true
	q.PutFree(e)
}

// PutFree resets e and returns it to the free list.
func (q *BufferQueue) PutFree(e *Entry) {
	e.timestamp = unix.Timeval{}
	e.resetLengths()
	e.status = StatusNew
	_ = q.free.Put(e.slot)
}

// TryGetFree pops a free entry without blocking.
func (q *BufferQueue) TryGetFree() (*Entry, error) {
	for !q.free.Empty() {
		items, err := q.free.Get(1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		slot := items[0].(int)
		if slot >= len(q.entries) || q.entries[slot] == nil {
			continue
		}
		e := q.entries[slot]
		e.resetLengths()
		e.timestamp = unix.Timeval{}
		e.status = StatusPending
		return e, nil
	}
	return nil, ErrNoFreeEntry
}

// GetFree blocks, servicing the poll queue, until an entry is free.
func (q *BufferQueue) GetFree(ctx context.Context) (*Entry, error) {
	if err := q.pq.WaitUntil(ctx, func() bool { return !q.free.Empty() }, q.interval); err != nil {
		log.Errorf("%s: waiting for a free entry: %v", q.name, err)
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return q.TryGetFree()
}

// PutInuse appends e to the in-flight list.
func (q *BufferQueue) PutInuse(e *Entry) {
	q.attach(e)
	e.status = StatusWaiting
	q.inuse = append(q.inuse, e.slot)
	q.metrics.InFlight.WithLabelValues(q.name).Inc()
}

// extract removes the in-flight entry backed by fd, falling back to the kernel
// index. The kernel dequeues roughly in order so the scan starts at the head.
func (q *BufferQueue) extract(fd int, index uint32) *Entry {
	pos := -1
	for i, slot := range q.inuse {
		e := q.entries[slot]
		if b := e.Buffer(0); b != nil && b.Fd() == fd {
			pos = i
			break
		}
	}
	if pos < 0 {
		for i, slot := range q.inuse {
			if q.entries[slot].index == index {
				pos = i
				break
			}
		}
	}
	if pos < 0 {
		return nil
	}
	e := q.entries[q.inuse[pos]]
	copy(q.inuse[pos:], q.inuse[pos+1:])
	q.inuse = q.inuse[:len(q.inuse)-1]
	q.metrics.InFlight.WithLabelValues(q.name).Dec()
	if !e.pooled {
		q.detach(e)
	}
	return e
}

// IsInuse reports whether any entry is in flight.
func (q *BufferQueue) IsInuse() bool {
	return len(q.inuse) != 0
}

// InFlight is the number of entries in flight.
func (q *BufferQueue) InFlight() int {
	return len(q.inuse)
}

// FreeCount is the number of entries in the free list.
func (q *BufferQueue) FreeCount() int {
	return int(q.free.Len())
}

// Wait blocks until e leaves StatusWaiting. e is left StatusPending so that it
// can be read.
func (q *BufferQueue) Wait(ctx context.Context, e *Entry) error {
	if err := q.pq.WaitUntil(ctx, func() bool { return e.status != StatusWaiting }, q.interval); err != nil {
		log.Errorf("%s: wait for entry %d: %v", q.name, e.index, err)
		return fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	st := e.status
	e.status = StatusPending
	switch st {
	case StatusDone:
		return nil
	case StatusError:
		return ErrDecodingError
	}
	return fmt.Errorf("%w: entry %d ended %s", ErrOperationFailed, e.index, st)
}

// drain frees every pooled entry. In-flight entries are forgotten.
func (q *BufferQueue) drain() {
	for _, e := range q.entries {
		if e != nil && e.pooled {
			e.Free()
		}
	}
	if n := len(q.inuse); n > 0 {
		q.metrics.InFlight.WithLabelValues(q.name).Sub(float64(n))
	}
	q.entries = nil
	q.vacant = nil
	q.inuse = nil
	q.free.Dispose()
	q.free = queuepkg.New(8)
}
