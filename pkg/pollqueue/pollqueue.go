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

// Package pollqueue multiplexes descriptor readiness for many in-flight
// kernel objects over a single goroutine.
//
// A Queue is not safe for concurrent use. All tasks, callbacks and waits of one
// Queue run on the goroutine that calls Step or WaitUntil, so callbacks never
// overlap and may add tasks, including the one being run.
package pollqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/debuglog"
)

var (
	// ErrWaitTimeout is returned by WaitUntil when the queue's wait timeout elapses.
	ErrWaitTimeout = errors.New("pollqueue: wait timed out")
	// ErrStalled is returned by WaitUntil when the condition is false and
	// no task is registered that could change it.
	ErrStalled = errors.New("pollqueue: nothing pending, condition can never become true")
)

var log = debuglog.New("pollqueue")

// Poller waits for events on a set of descriptors, as poll(2).
type Poller interface {
	Poll(fds []unix.PollFd, timeoutMs int) (int, error)
}

type unixPoller struct{}

func (unixPoller) Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	return unix.Poll(fds, timeoutMs)
}

// Task is one registration: a descriptor, the events of interest and the
// callback. revents is 0 when the task's deadline expired.
type Task struct {
	fd       int
	events   int16
	fn       func(revents int16)
	deadline time.Time
	queued   bool
	// bumped on every registration
	gen uint64
}

// NewTask returns a task that can be added to a Queue any number of times.
func NewTask(fd int, events int16, fn func(revents int16)) *Task {
	return &Task{fd: fd, events: events, fn: fn}
}

func (t *Task) Fd() int {
	return t.fd
}

// Queued reports whether t is registered.
func (t *Task) Queued() bool {
	return t.queued
}

// Option configures a Queue.
type Option func(*Queue)

// WithPoller replaces poll(2).
func WithPoller(p Poller) Option {
	return func(q *Queue) {
		q.poller = p
	}
}

// WithWaitTimeout bounds WaitUntil. Zero means unbounded.
func WithWaitTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.waitTimeout = d
	}
}

// Queue holds the registered tasks.
type Queue struct {
	poller      Poller
	tasks       []*Task
	waitTimeout time.Duration
	now         func() time.Time
	fds         []unix.PollFd
	snapshot    []*Task
	gens        []uint64
}

func New(opts ...Option) *Queue {
	q := &Queue{
		poller: unixPoller{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Add registers t. A negative timeout means no deadline.
func (q *Queue) Add(t *Task, timeout time.Duration) {
	if timeout < 0 {
		t.deadline = time.Time{}
	} else {
		t.deadline = q.now().Add(timeout)
	}
	if t.queued {
		return
	}
	t.queued = true
	t.gen++
	q.tasks = append(q.tasks, t)
}

// Remove unregisters t if it is queued. It is the only way to cancel a task.
func (q *Queue) Remove(t *Task) {
	if !t.queued {
		return
	}
	for i, x := range q.tasks {
		if x == t {
			copy(q.tasks[i:], q.tasks[i+1:])
			q.tasks[len(q.tasks)-1] = nil
			q.tasks = q.tasks[:len(q.tasks)-1]
			break
		}
	}
	t.queued = false
}

// Pending returns the number of registered tasks.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Step polls once for at most timeout (negative = until an event or the
// soonest task deadline) and runs the callbacks of every task that became
// ready or expired. It returns the number of callbacks run.
func (q *Queue) Step(timeout time.Duration) (int, error) {
	now := q.now()
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	q.snapshot = append(q.snapshot[:0], q.tasks...)
	q.fds = q.fds[:0]
	q.gens = q.gens[:0]
	for _, t := range q.snapshot {
		q.gens = append(q.gens, t.gen)
		q.fds = append(q.fds, unix.PollFd{Fd: int32(t.fd), Events: t.events})
		if t.deadline.IsZero() {
			continue
		}
		left := t.deadline.Sub(now)
		if left < 0 {
			left = 0
		}
		// round up so an expired deadline is seen after the poll returns
		lms := int((left + time.Millisecond - 1) / time.Millisecond)
		if ms < 0 || lms < ms {
			ms = lms
		}
	}

	if _, err := q.poller.Poll(q.fds, ms); err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		log.Errorf("poll of %d fds failed: %v", len(q.fds), err)
		return -1, fmt.Errorf("poll: %w", err)
	}

	now = q.now()
	n := 0
	for i, t := range q.snapshot {
		revents := q.fds[i].Revents
		expired := !t.deadline.IsZero() && !now.Before(t.deadline)
		if revents == 0 && !expired {
			continue
		}
		// an earlier callback may have cancelled or re-registered it
		if !t.queued || t.gen != q.gens[i] {
			continue
		}
		q.Remove(t)
		if revents == 0 {
			log.Debugf("task fd=%d timed out", t.fd)
		}
		t.fn(revents)
		n++
	}
	for i := range q.snapshot {
		q.snapshot[i] = nil
	}
	return n, nil
}

// WaitUntil runs Step with at most interval per poll until cond returns true.
func (q *Queue) WaitUntil(ctx context.Context, cond func() bool, interval time.Duration) error {
	var limit time.Time
	if q.waitTimeout > 0 {
		limit = q.now().Add(q.waitTimeout)
	}
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(q.tasks) == 0 {
			return ErrStalled
		}
		step := interval
		if !limit.IsZero() {
			left := limit.Sub(q.now())
			if left <= 0 {
				return ErrWaitTimeout
			}
			if step < 0 || left < step {
				step = left
			}
		}
		if dl, ok := ctx.Deadline(); ok {
			left := time.Until(dl)
			if left < 0 {
				left = 0
			}
			if step < 0 || left < step {
				step = left
			}
		}
		if _, err := q.Step(step); err != nil {
			return err
		}
	}
	return nil
}
