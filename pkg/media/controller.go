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
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/dmabuf"
	"github.com/srediag/v4l2-request/pkg/pollqueue"
)

// Controller owns a video device and its bitstream and frame queues.
//
// The controller is reference counted: the owner holds one reference and an
// armed poll task holds another, so teardown waits for the last in-flight
// buffer to be reaped.
type Controller struct {
	dev     v4l2.Device
	pq      *pollqueue.Queue
	cfg     *Config
	metrics *Metrics

	src *BufferQueue
	dst *BufferQueue

	mplane   bool
	srcFmt   v4l2.Format
	dstFmt   v4l2.Format
	srcSet   bool
	dstSet   bool
	streamOn bool

	polling bool
	task    *pollqueue.Task
	refs    atomic.Int32
	deleted bool
}

// NewController takes ownership of dev.
func NewController(dev v4l2.Device, pq *pollqueue.Queue, cfg *Config) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	caps, err := dev.QueryCap()
	if err != nil {
		log.Errorf("query caps: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	c := &Controller{
		dev:     dev,
		pq:      pq,
		cfg:     cfg,
		metrics: cfg.Metrics,
		src:     newBufferQueue("src", pq, cfg.WaitInterval, cfg.Metrics),
		dst:     newBufferQueue("dst", pq, cfg.WaitInterval, cfg.Metrics),
		mplane:  caps.Caps()&v4l2.CapVideoM2M == 0 && caps.Caps()&v4l2.CapVideoM2MMPlane != 0,
	}
	c.task = pollqueue.NewTask(dev.Fd(), unix.POLLIN|unix.POLLOUT, c.pollCallback)
	c.refs.Store(1)
	return c, nil
}

// Ref takes a reference.
func (c *Controller) Ref() *Controller {
	c.refs.Add(1)
	return c
}

// Unref drops a reference; the last one tears the controller down.
func (c *Controller) Unref() {
	if c.refs.Add(-1) == 0 {
		c.delete()
	}
}

func (c *Controller) delete() {
	if c.deleted {
		return
	}
	c.deleted = true
	c.pq.Remove(c.task)
	c.StreamOff()
	if c.srcSet {
		if _, _, err := c.dev.RequestBuffers(c.srcFmt.Type, v4l2.MemoryDMABuf, 0); err != nil {
			log.Warnf("free src kernel buffers: %v", err)
		}
	}
	if c.dstSet {
		if _, _, err := c.dev.RequestBuffers(c.dstFmt.Type, v4l2.MemoryDMABuf, 0); err != nil {
			log.Warnf("free dst kernel buffers: %v", err)
		}
	}
	c.src.drain()
	c.dst.drain()
	if err := c.dev.Close(); err != nil {
		log.Warnf("close video device: %v", err)
	}
}

// Deleted reports whether the last reference was dropped.
func (c *Controller) Deleted() bool {
	return c.deleted
}

// MultiPlanar reports whether the device uses the multi-planar API.
func (c *Controller) MultiPlanar() bool {
	return c.mplane
}

// SetSrcFormat sets the bitstream format. sizeimage is the configured maximum.
func (c *Controller) SetSrcFormat(pixfmt, width, height uint32) error {
	f := v4l2.Format{
		Type:        v4l2.OutputType(c.mplane),
		Width:       width,
		Height:      height,
		PixelFormat: pixfmt,
		NumPlanes:   1,
	}
	f.Planes[0].SizeImage = uint32(c.cfg.SourceSizeMax)
	if err := c.dev.SetFormat(&f); err != nil {
		log.Errorf("set src format %s %dx%d: %v", v4l2.FourCCString(pixfmt), width, height, err)
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	if f.PixelFormat != pixfmt {
		log.Errorf("src format %s replaced by %s", v4l2.FourCCString(pixfmt), v4l2.FourCCString(f.PixelFormat))
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, v4l2.FourCCString(pixfmt))
	}
	c.srcFmt = f
	c.srcSet = true
	return nil
}

// SetDstFormat negotiates the capture format for rt, trying non emulated
// single then multi planar formats before emulated ones.
func (c *Controller) SetDstFormat(rt RTFormat, width, height uint32) error {
	err := ErrUnsupportedBufferType
	for _, step := range negotiationOrder {
		var f v4l2.Format
		f, err = findFormat(c.dev, c.cfg.FormatCheck, rt, step, width, height)
		if err == nil {
			c.dstFmt = f
			c.dstSet = true
			log.Infof("dst format %s %s %dx%d", f.Type, v4l2.FourCCString(f.PixelFormat), f.Width, f.Height)
			return nil
		}
		if !errors.Is(err, ErrUnsupportedBufferType) {
			return err
		}
	}
	log.Errorf("no capture format for %s %dx%d", rt, width, height)
	return err
}

func (c *Controller) SrcFormat() v4l2.Format {
	return c.srcFmt
}

// DstFormat returns the negotiated capture format; ok is false before
// negotiation.
func (c *Controller) DstFormat() (f v4l2.Format, ok bool) {
	return c.dstFmt, c.dstSet
}

// CreateSrcPool reserves n bitstream buffers, fewer if the kernel grants fewer.
func (c *Controller) CreateSrcPool(a dmabuf.Allocator, n int) error {
	if !c.srcSet {
		return fmt.Errorf("%w: src format not set", ErrOperationFailed)
	}
	c.src.drain()
	granted, caps, err := c.dev.RequestBuffers(c.srcFmt.Type, v4l2.MemoryDMABuf, uint32(n))
	if err != nil {
		log.Errorf("failed to request src bufs: %v", err)
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	if caps&v4l2.BufCapSupportsRequests == 0 {
		log.Warnf("src queue does not report request support (caps %#x)", caps)
	}
	if int(granted) < n {
		log.Infof("only allocated %d of %d src buffers requested", granted, n)
		n = int(granted)
	}
	for i := 0; i < n; i++ {
		e := newEntry(uint32(i))
		if err := e.allocPlanes(a, &c.srcFmt); err != nil {
			log.Errorf("failed to create src entry %d: %v", i, err)
			c.src.drain()
			if _, _, rerr := c.dev.RequestBuffers(c.srcFmt.Type, v4l2.MemoryDMABuf, 0); rerr != nil {
				log.Warnf("release src bufs: %v", rerr)
			}
			return err
		}
		c.src.adopt(e)
	}
	return nil
}

// SrcPoolSize is the number of bitstream entries, free or not.
func (c *Controller) SrcPoolSize() int {
	n := 0
	for _, e := range c.src.entries {
		if e != nil && e.pooled {
			n++
		}
	}
	return n
}

// GetSrc blocks until a bitstream entry is free.
func (c *Controller) GetSrc(ctx context.Context) (*Entry, error) {
	return c.src.GetFree(ctx)
}

// TryGetSrc returns a free bitstream entry or ErrNoFreeEntry.
func (c *Controller) TryGetSrc() (*Entry, error) {
	return c.src.TryGetFree()
}

// PutSrc returns an unsubmitted bitstream entry.
func (c *Controller) PutSrc(e *Entry) {
	c.src.PutFree(e)
}

// AllocDstEntry creates one capture buffer in the negotiated format. The
// caller owns the entry and frees it with Entry.Free.
func (c *Controller) AllocDstEntry(a dmabuf.Allocator) (*Entry, error) {
	if !c.dstSet {
		return nil, fmt.Errorf("%w: dst format not set", ErrOperationFailed)
	}
	e := newEntry(0)
	if err := e.allocPlanes(a, &c.dstFmt); err != nil {
		return nil, err
	}
	index, _, err := c.dev.CreateBuffers(&c.dstFmt, v4l2.MemoryDMABuf, 1)
	if err != nil {
		e.Free()
		log.Errorf("create dst buffer: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	e.index = index
	e.status = StatusPending
	return e, nil
}

// StartRequest submits src, and dst when not nil, with req. Unless isFinal the
// bitstream is queued with the hold capture flag so the kernel keeps decoding
// into the same frame across requests.
func (c *Controller) StartRequest(req *Request, src, dst *Entry, isFinal bool) error {
	b := v4l2.Buffer{
		Index:     src.index,
		Type:      c.srcFmt.Type,
		Memory:    v4l2.MemoryDMABuf,
		Field:     v4l2.FieldNone,
		Timestamp: src.timestamp,
		RequestFd: req.Fd(),
		Planes:    src.planes(true),
	}
	if !isFinal {
		b.Flags |= v4l2.BufFlagM2MHoldCaptureBuf
	}
	if err := c.dev.QueueBuffer(&b); err != nil {
		log.Errorf("queue src entry %d: %v", src.index, err)
		c.src.PutFree(src)
		req.Release()
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	c.src.PutInuse(src)

	if dst != nil {
		dst.timestamp = unix.Timeval{}
		dst.resetLengths()
		d := v4l2.Buffer{
			Index:  dst.index,
			Type:   c.dstFmt.Type,
			Memory: v4l2.MemoryDMABuf,
			Field:  v4l2.FieldNone,
			Planes: dst.planes(false),
		}
		if err := c.dev.QueueBuffer(&d); err != nil {
			log.Errorf("queue dst entry %d: %v", dst.index, err)
			if e := c.src.extract(src.bufs[0].Fd(), src.index); e != nil {
				c.src.PutFree(e)
			}
			req.Release()
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		c.dst.PutInuse(dst)
	}

	if !c.polling {
		c.polling = true
		c.Ref()
		c.pq.Add(c.task, c.cfg.PollTimeout)
	}

	if err := req.Start(); err != nil {
		// the kernel never saw the bitstream, reinit unbinds it
		if e := c.src.extract(src.bufs[0].Fd(), src.index); e != nil {
			c.src.PutFree(e)
		}
		req.Release()
		return err
	}
	return nil
}

func (c *Controller) wantsPoll() bool {
	return c.src.IsInuse() || c.dst.IsInuse()
}

func (c *Controller) pollCallback(revents int16) {
	c.polling = false
	if revents == 0 {
		log.Errorf("buffer poll timeout (src in flight %d, dst in flight %d)", c.src.InFlight(), c.dst.InFlight())
		c.metrics.PollTimeouts.Inc()
	}
	if revents&unix.POLLOUT != 0 {
		if e := c.dequeue(c.src, c.srcFmt.Type); e != nil {
			c.src.PutFree(e)
		}
	}
	if revents&unix.POLLIN != 0 {
		c.dequeue(c.dst, c.dstFmt.Type)
	}
	if c.wantsPoll() && !c.deleted {
		c.polling = true
		c.pq.Add(c.task, c.cfg.PollTimeout)
		return
	}
	c.Unref()
}

// dequeue reaps one buffer of type t and marks the matching entry.
func (c *Controller) dequeue(q *BufferQueue, t v4l2.BufType) *Entry {
	n := 1
	if t.IsMPlane() {
		n = v4l2.MaxPlanes
	}
	b := v4l2.Buffer{Type: t, Memory: v4l2.MemoryDMABuf, Planes: make([]v4l2.Plane, n)}
	if err := c.dev.DequeueBuffer(&b); err != nil {
		log.Errorf("%s: dequeue: %v", q.name, err)
		return nil
	}
	fd := -1
	if len(b.Planes) > 0 {
		fd = b.Planes[0].Fd
	}
	e := q.extract(fd, b.Index)
	if e == nil {
		log.Errorf("%s: dequeued unknown buffer index=%d fd=%d", q.name, b.Index, fd)
		return nil
	}
	status := "done"
	e.status = StatusDone
	if b.Flags&v4l2.BufFlagError != 0 {
		status = "error"
		e.status = StatusError
	}
	c.metrics.BuffersDone.WithLabelValues(q.name, status).Inc()
	e.timestamp = b.Timestamp
	for i := 0; i < len(b.Planes) && i < e.NumPlanes(); i++ {
		e.bufs[i].SetLen(int(b.Planes[i].BytesUsed))
	}
	return e
}

// Wait blocks until the frame entry e completes.
func (c *Controller) Wait(ctx context.Context, e *Entry) error {
	return c.dst.Wait(ctx, e)
}

// InFlight returns the number of queued bitstream and frame entries.
func (c *Controller) InFlight() (src, dst int) {
	return c.src.InFlight(), c.dst.InFlight()
}

// StreamOn starts both queues. If the second fails the first is stopped again.
func (c *Controller) StreamOn() error {
	if c.streamOn {
		return nil
	}
	if err := c.dev.StreamOn(c.srcFmt.Type); err != nil {
		log.Errorf("stream on src: %v", err)
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	if err := c.dev.StreamOn(c.dstFmt.Type); err != nil {
		log.Errorf("stream on dst: %v", err)
		if oerr := c.dev.StreamOff(c.srcFmt.Type); oerr != nil {
			log.Warnf("stream off src: %v", oerr)
		}
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	c.streamOn = true
	c.metrics.Streaming.Inc()
	return nil
}

// StreamOff stops both queues. Errors are logged.
func (c *Controller) StreamOff() {
	if !c.streamOn {
		return
	}
	if err := c.dev.StreamOff(c.srcFmt.Type); err != nil {
		log.Warnf("stream off src: %v", err)
	}
	if err := c.dev.StreamOff(c.dstFmt.Type); err != nil {
		log.Warnf("stream off dst: %v", err)
	}
	c.streamOn = false
	c.metrics.Streaming.Dec()
}

func (c *Controller) Streaming() bool {
	return c.streamOn
}

// SetControls applies device level controls outside of any request.
func (c *Controller) SetControls(ctrls []v4l2.Control) error {
	if err := c.dev.SetExtControls(0, ctrls); err != nil {
		log.Errorf("set %d device controls: %v", len(ctrls), err)
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	return nil
}

// SetRequestControls stages ctrls in req.
func (c *Controller) SetRequestControls(req *Request, ctrls []v4l2.Control) error {
	if err := c.dev.SetExtControls(req.Fd(), ctrls); err != nil {
		log.Errorf("set %d request controls: %v", len(ctrls), err)
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	return nil
}
