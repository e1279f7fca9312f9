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

package pollqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

// fakePoller marks the fds in ready and advances a fake clock by the timeout
// when nothing is ready.
type fakePoller struct {
	clock  *fakeClock
	ready  map[int32]int16
	lastMs []int
	err    error
	onPoll func()
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (p *fakePoller) Poll(fds []unix.PollFd, ms int) (int, error) {
	p.lastMs = append(p.lastMs, ms)
	if p.onPoll != nil {
		p.onPoll()
	}
	if p.err != nil {
		err := p.err
		p.err = nil
		return -1, err
	}
	n := 0
	for i := range fds {
		if ev := p.ready[fds[i].Fd] & fds[i].Events; ev != 0 {
			fds[i].Revents = ev
			n++
		}
	}
	if n == 0 && ms > 0 {
		p.clock.t = p.clock.t.Add(time.Duration(ms) * time.Millisecond)
	}
	return n, nil
}

type PollQueueTestSuite struct {
	suite.Suite
	clock  *fakeClock
	poller *fakePoller
	q      *Queue
}

func (s *PollQueueTestSuite) SetupTest() {
	s.clock = &fakeClock{t: time.Unix(1000, 0)}
	s.poller = &fakePoller{clock: s.clock, ready: map[int32]int16{}}
	s.q = New(WithPoller(s.poller), WithWaitTimeout(10*time.Second))
	s.q.now = s.clock.now
}

func (s *PollQueueTestSuite) TestReadyTaskRemovedBeforeCallback() {
	var got int16
	var t *Task
	t = NewTask(5, unix.POLLIN, func(revents int16) {
		got = revents
		s.False(t.Queued())
		s.Equal(0, s.q.Pending())
	})
	s.q.Add(t, time.Second)
	s.poller.ready[5] = unix.POLLIN

	n, err := s.q.Step(100 * time.Millisecond)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(int16(unix.POLLIN), got)
}

func (s *PollQueueTestSuite) TestCallbackMayReAddItself() {
	calls := 0
	var t *Task
	t = NewTask(7, unix.POLLOUT, func(int16) {
		calls++
		if calls < 3 {
			s.q.Add(t, time.Second)
		}
	})
	s.q.Add(t, time.Second)
	s.poller.ready[7] = unix.POLLOUT
	for i := 0; i < 5; i++ {
		_, err := s.q.Step(0)
		s.Require().NoError(err)
	}
	s.Equal(3, calls)
	s.Equal(0, s.q.Pending())
}

func (s *PollQueueTestSuite) TestDeadlineFiresWithZeroRevents() {
	got := int16(-1)
	s.q.Add(NewTask(9, unix.POLLPRI, func(revents int16) { got = revents }), 2*time.Second)

	n, err := s.q.Step(-1)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(int16(0), got)
	// clamped to the deadline rather than blocking forever
	s.Equal([]int{2000}, s.poller.lastMs)
}

func (s *PollQueueTestSuite) TestTimeoutClampedToSoonestDeadline() {
	s.q.Add(NewTask(1, unix.POLLIN, func(int16) {}), 3*time.Second)
	s.q.Add(NewTask(2, unix.POLLIN, func(int16) {}), 500*time.Millisecond)
	s.q.Add(NewTask(3, unix.POLLIN, func(int16) {}), -1)

	n, err := s.q.Step(2 * time.Second)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(500, s.poller.lastMs[0])
	s.Equal(2, s.q.Pending())
}

func (s *PollQueueTestSuite) TestRemoveCancels() {
	fired := false
	t := NewTask(4, unix.POLLIN, func(int16) { fired = true })
	s.q.Add(t, time.Second)
	s.q.Remove(t)
	s.q.Remove(t)
	s.poller.ready[4] = unix.POLLIN
	n, err := s.q.Step(0)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.False(fired)
}

func (s *PollQueueTestSuite) TestCallbackCancelsLaterTask() {
	fired := false
	later := NewTask(11, unix.POLLIN, func(int16) { fired = true })
	first := NewTask(10, unix.POLLIN, func(int16) { s.q.Remove(later) })
	s.q.Add(first, time.Second)
	s.q.Add(later, time.Second)
	s.poller.ready[10] = unix.POLLIN
	s.poller.ready[11] = unix.POLLIN
	n, err := s.q.Step(0)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.False(fired)
}

func (s *PollQueueTestSuite) TestReRegisteredTaskWaitsForNextStep() {
	var got []int16
	later := NewTask(13, unix.POLLIN, func(revents int16) { got = append(got, revents) })
	first := NewTask(12, unix.POLLIN, func(int16) {
		s.q.Remove(later)
		s.q.Add(later, time.Second)
	})
	s.q.Add(first, time.Second)
	s.q.Add(later, time.Second)
	s.poller.ready[12] = unix.POLLIN
	s.poller.ready[13] = unix.POLLIN

	n, err := s.q.Step(0)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Empty(got)
	s.True(later.Queued())

	n, err = s.q.Step(0)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]int16{unix.POLLIN}, got)
}

func (s *PollQueueTestSuite) TestEINTRIsNotAnError() {
	s.q.Add(NewTask(1, unix.POLLIN, func(int16) {}), time.Second)
	s.poller.err = unix.EINTR
	n, err := s.q.Step(0)
	s.NoError(err)
	s.Equal(0, n)

	s.poller.err = unix.EBADF
	_, err = s.q.Step(0)
	s.ErrorIs(err, unix.EBADF)
}

func (s *PollQueueTestSuite) TestWaitUntilPumpsCallbacks() {
	done := false
	s.q.Add(NewTask(3, unix.POLLIN, func(int16) { done = true }), 5*time.Second)
	steps := 0
	s.poller.onPoll = func() {
		steps++
		if steps == 3 {
			s.poller.ready[3] = unix.POLLIN
		}
	}
	err := s.q.WaitUntil(context.Background(), func() bool { return done }, 100*time.Millisecond)
	s.Require().NoError(err)
	s.Equal(3, steps)
}

func (s *PollQueueTestSuite) TestWaitUntilStalled() {
	err := s.q.WaitUntil(context.Background(), func() bool { return false }, time.Millisecond)
	s.ErrorIs(err, ErrStalled)
	s.Empty(s.poller.lastMs)
}

func (s *PollQueueTestSuite) TestWaitUntilTimesOut() {
	var t *Task
	t = NewTask(3, unix.POLLIN, func(int16) { s.q.Add(t, time.Second) })
	s.q.Add(t, time.Second)
	err := s.q.WaitUntil(context.Background(), func() bool { return false }, 500*time.Millisecond)
	s.ErrorIs(err, ErrWaitTimeout)
}

func (s *PollQueueTestSuite) TestWaitUntilContextCancelled() {
	s.q.Add(NewTask(3, unix.POLLIN, func(int16) {}), -1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.q.WaitUntil(ctx, func() bool { return false }, time.Millisecond)
	s.ErrorIs(err, context.Canceled)
}

func TestPollQueueTestSuite(t *testing.T) {
	suite.Run(t, new(PollQueueTestSuite))
}

func TestRealPollOnPipe(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	q := New()
	var got int16
	q.Add(NewTask(p[0], unix.POLLIN, func(revents int16) { got = revents }), time.Second)

	_, err := unix.Write(p[1], []byte{1})
	require.NoError(t, err)
	n, err := q.Step(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotZero(t, got&unix.POLLIN)
}

func BenchmarkStep(b *testing.B) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := &fakePoller{clock: clock, ready: map[int32]int16{1: unix.POLLIN}}
	q := New(WithPoller(p))
	q.now = clock.now
	var t *Task
	t = NewTask(1, unix.POLLIN, func(int16) { q.Add(t, time.Second) })
	q.Add(t, time.Second)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.lastMs = p.lastMs[:0]
		_, _ = q.Step(0)
	}
}
