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

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/pollqueue"
)

// Request is one reusable media request.
type Request struct {
	pool *RequestPool
	fd   int
	task *pollqueue.Task
}

// Fd is the request fd passed with QBUF and S_EXT_CTRLS.
func (r *Request) Fd() int {
	return r.fd
}

// Start queues the request. On success the request returns to its pool by
// itself once the kernel signals completion.
func (r *Request) Start() error {
	p := r.pool
	if err := p.md.QueueRequest(r.fd); err != nil {
		log.Errorf("failed to queue media request fd=%d: %v", r.fd, err)
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	p.metrics.RequestsStarted.Inc()
	p.pq.Add(r.task, p.cfg.PollTimeout)
	return nil
}

// Release returns a request that was not started, or whose start failed.
func (r *Request) Release() {
	r.pool.recycle(r)
}

func (r *Request) done(revents int16) {
	p := r.pool
	if revents == 0 {
		log.Errorf("media request fd=%d: completion timeout", r.fd)
		p.metrics.RequestTimeouts.Inc()
	}
	p.metrics.RequestsCompleted.Inc()
	p.recycle(r)
}

// RequestPool hands out a fixed set of media requests.
type RequestPool struct {
	md      v4l2.MediaDevice
	pq      *pollqueue.Queue
	cfg     *Config
	metrics *Metrics
	reqs    []*Request
	free    *queuepkg.Queue
	closed  bool
}

// NewRequestPool allocates n requests on md. Completion is reaped through pq.
func NewRequestPool(md v4l2.MediaDevice, pq *pollqueue.Queue, n int, cfg *Config) (*RequestPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: request count %d", ErrAllocationFailed, n)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	p := &RequestPool{
		md:      md,
		pq:      pq,
		cfg:     cfg,
		metrics: cfg.Metrics,
		free:    queuepkg.New(int64(n)),
	}
	for i := 0; i < n; i++ {
		fd, err := md.AllocRequest()
		if err != nil {
			log.Errorf("failed to alloc media request %d of %d: %v", i, n, err)
			p.Close()
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		r := &Request{pool: p, fd: fd}
		r.task = pollqueue.NewTask(fd, unix.POLLPRI, r.done)
		p.reqs = append(p.reqs, r)
		_ = p.free.Put(r)
	}
	return p, nil
}

func (p *RequestPool) recycle(r *Request) {
	if err := p.md.ReinitRequest(r.fd); err != nil {
		log.Warnf("unable to reinit media request fd=%d: %v", r.fd, err)
	}
	if p.closed {
		return
	}
	_ = p.free.Put(r)
}

// TryGet returns a free request or ErrNoFreeEntry.
func (p *RequestPool) TryGet() (*Request, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.free.Empty() {
		return nil, ErrNoFreeEntry
	}
	items, err := p.free.Get(1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return items[0].(*Request), nil
}

// Get blocks, servicing the poll queue, until a request is free.
func (p *RequestPool) Get(ctx context.Context) (*Request, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	if err := p.pq.WaitUntil(ctx, func() bool { return !p.free.Empty() }, p.cfg.WaitInterval); err != nil {
		log.Errorf("waiting for a media request: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return p.TryGet()
}

// Cap is the number of requests owned by the pool.
func (p *RequestPool) Cap() int {
	return len(p.reqs)
}

// Free is the number of requests that can be taken without blocking.
func (p *RequestPool) Free() int {
	return int(p.free.Len())
}

// Close cancels pending completions, closes every request and the media
// device. Callers guarantee no request is in flight.
func (p *RequestPool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, r := range p.reqs {
		p.pq.Remove(r.task)
		if err := p.md.CloseRequest(r.fd); err != nil {
			log.Warnf("close media request fd=%d: %v", r.fd, err)
		}
	}
	p.reqs = nil
	p.free.Dispose()
	if err := p.md.Close(); err != nil {
		log.Warnf("close media device: %v", err)
	}
}
