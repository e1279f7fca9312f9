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

// Package fakekernel is an in-memory stateless m2m decoder. It implements the
// video node, the media node and poll(2) so the pipeline can run without
// hardware. Requests complete on the Poll call after they are queued, once
// both queues stream.
package fakekernel

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

const (
	firstFd        = 1 << 20
	defaultMaxBufs = 32
	defaultBufCaps = v4l2.BufCapSupportsMMAP | v4l2.BufCapSupportsDMABuf | v4l2.BufCapSupportsRequests | v4l2.BufCapSupportsM2MHoldCaptureBuf
	idleSleep      = time.Millisecond
)

type reqState int

const (
	reqIdle reqState = iota
	reqQueued
	reqDone
)

type request struct {
	fd    int
	state reqState
	bufs  []v4l2.Buffer
	ctrls []v4l2.Control
	ticks int
}

// Kernel is one fake decoder with its video and media nodes.
type Kernel struct {
	mu sync.Mutex

	nextFd  int
	videoFd int
	mediaFd int
	mplane  bool

	enum      map[v4l2.BufType][]v4l2.FmtDesc
	formats   map[v4l2.BufType]v4l2.Format
	streaming map[v4l2.BufType]bool
	bufCount  map[v4l2.BufType]uint32
	queued    map[v4l2.BufType][]v4l2.Buffer
	done      map[v4l2.BufType][]v4l2.Buffer
	requests  map[int]*request
	pending   []*request

	deviceCtrls  []v4l2.Control
	requestCtrls [][]v4l2.Control
	started      int
	sequence     uint32

	maxBufs      uint32
	bufCaps      uint32
	ticks        int
	failDecode   int
	failStreamOn map[v4l2.BufType]error
	failQueueReq error
	failReqBufs  error
	failControls error
	videoClosed  bool
	mediaClosed  bool
}

// New returns a single-planar decoder accepting MPEG2, H.264 and HEVC slices
// and producing NC12, NV12 (emulated) and NC30.
func New() *Kernel {
	k := &Kernel{
		nextFd:       firstFd,
		enum:         map[v4l2.BufType][]v4l2.FmtDesc{},
		formats:      map[v4l2.BufType]v4l2.Format{},
		streaming:    map[v4l2.BufType]bool{},
		bufCount:     map[v4l2.BufType]uint32{},
		queued:       map[v4l2.BufType][]v4l2.Buffer{},
		done:         map[v4l2.BufType][]v4l2.Buffer{},
		requests:     map[int]*request{},
		failStreamOn: map[v4l2.BufType]error{},
		maxBufs:      defaultMaxBufs,
		bufCaps:      defaultBufCaps,
	}
	k.videoFd = k.allocFd()
	k.mediaFd = k.allocFd()
	k.enum[v4l2.BufTypeVideoOutput] = []v4l2.FmtDesc{
		{Type: v4l2.BufTypeVideoOutput, PixelFormat: v4l2.PixFmtMPEG2Slice, Description: "MPEG-2 Parsed Slice Data"},
		{Type: v4l2.BufTypeVideoOutput, PixelFormat: v4l2.PixFmtH264Slice, Description: "H.264 Parsed Slice Data"},
		{Type: v4l2.BufTypeVideoOutput, PixelFormat: v4l2.PixFmtHEVCSlice, Description: "HEVC Parsed Slice Data"},
	}
	k.enum[v4l2.BufTypeVideoCapture] = []v4l2.FmtDesc{
		{Type: v4l2.BufTypeVideoCapture, PixelFormat: v4l2.PixFmtNV12Col128, Description: "Y/CbCr 4:2:0 (128b cols)"},
		{Type: v4l2.BufTypeVideoCapture, PixelFormat: v4l2.PixFmtNV12, Flags: v4l2.FmtFlagEmulated, Description: "Y/CbCr 4:2:0"},
		{Type: v4l2.BufTypeVideoCapture, PixelFormat: v4l2.PixFmtNV12_10Col128, Description: "10-bit Y/CbCr 4:2:0 (128b cols)"},
	}
	return k
}

func (k *Kernel) allocFd() int {
	fd := k.nextFd
	k.nextFd++
	return fd
}

// Video returns the video node.
func (k *Kernel) Video() v4l2.Device {
	return &videoNode{k: k}
}

// Media returns the media node.
func (k *Kernel) Media() v4l2.MediaDevice {
	return &mediaNode{k: k}
}

// SetFormats replaces the formats enumerated on t.
func (k *Kernel) SetFormats(t v4l2.BufType, descs []v4l2.FmtDesc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range descs {
		descs[i].Index = uint32(i)
		descs[i].Type = t
	}
	k.enum[t] = descs
}

// SetMultiPlanar makes QUERYCAP report a multi-planar m2m device.
func (k *Kernel) SetMultiPlanar(mplane bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mplane = mplane
}

// SetMaxBuffers caps the number of buffers REQBUFS grants.
func (k *Kernel) SetMaxBuffers(n uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.maxBufs = n
}

// SetBufferCaps replaces the capability bits REQBUFS reports.
func (k *Kernel) SetBufferCaps(caps uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bufCaps = caps
}

// SetCompletionTicks delays request completion by n Poll calls.
func (k *Kernel) SetCompletionTicks(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ticks = n
}

// FailNextDecodes flags the next n decoded frames with V4L2_BUF_FLAG_ERROR.
func (k *Kernel) FailNextDecodes(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failDecode = n
}

// FailStreamOn makes STREAMON on t fail with err.
func (k *Kernel) FailStreamOn(t v4l2.BufType, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failStreamOn[t] = err
}

// FailQueueRequest makes the next MEDIA_REQUEST_IOC_QUEUE fail with err.
func (k *Kernel) FailQueueRequest(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failQueueReq = err
}

// FailRequestBuffers makes the next non zero REQBUFS fail with err.
func (k *Kernel) FailRequestBuffers(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failReqBufs = err
}

// FailControls makes the next S_EXT_CTRLS fail with err.
func (k *Kernel) FailControls(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failControls = err
}

// Streaming reports whether t is streaming.
func (k *Kernel) Streaming(t v4l2.BufType) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.streaming[t]
}

// BufferCount is the number of buffers reserved on t.
func (k *Kernel) BufferCount(t v4l2.BufType) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bufCount[t]
}

// DeviceControls returns every control set outside a request.
func (k *Kernel) DeviceControls() []v4l2.Control {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]v4l2.Control(nil), k.deviceCtrls...)
}

// RequestControls returns the controls of every queued request, in order.
func (k *Kernel) RequestControls() [][]v4l2.Control {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([][]v4l2.Control(nil), k.requestCtrls...)
}

// RequestsStarted counts successful MEDIA_REQUEST_IOC_QUEUE calls.
func (k *Kernel) RequestsStarted() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.started
}

// OpenRequests counts allocated, not yet closed requests.
func (k *Kernel) OpenRequests() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.requests)
}

// Closed reports whether both nodes were closed.
func (k *Kernel) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.videoClosed && k.mediaClosed
}

// VideoClosed reports whether the video node was closed.
func (k *Kernel) VideoClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.videoClosed
}

// Poll implements poll(2) over the fake nodes and requests.
func (k *Kernel) Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	k.mu.Lock()
	k.process()
	n := 0
	for i := range fds {
		fds[i].Revents = k.revents(int(fds[i].Fd)) & (fds[i].Events | unix.POLLERR)
		if fds[i].Revents != 0 {
			n++
		}
	}
	k.mu.Unlock()
	if n == 0 && timeoutMs != 0 {
		d := idleSleep
		if timeoutMs > 0 && time.Duration(timeoutMs)*time.Millisecond < d {
			d = time.Duration(timeoutMs) * time.Millisecond
		}
		time.Sleep(d)
	}
	return n, nil
}

func (k *Kernel) revents(fd int) int16 {
	var ev int16
	switch {
	case fd == k.videoFd:
		if len(k.done[v4l2.BufTypeVideoOutput])+len(k.done[v4l2.BufTypeVideoOutputMPlane]) > 0 {
			ev |= unix.POLLOUT
		}
		if len(k.done[v4l2.BufTypeVideoCapture])+len(k.done[v4l2.BufTypeVideoCaptureMPlane]) > 0 {
			ev |= unix.POLLIN
		}
	default:
		if r, ok := k.requests[fd]; ok && r.state == reqDone {
			ev |= unix.POLLPRI
		}
	}
	return ev
}

func (k *Kernel) bothStreaming() bool {
	out := k.streaming[v4l2.BufTypeVideoOutput] || k.streaming[v4l2.BufTypeVideoOutputMPlane]
	capture := k.streaming[v4l2.BufTypeVideoCapture] || k.streaming[v4l2.BufTypeVideoCaptureMPlane]
	return out && capture
}

// process completes queued requests in order.
func (k *Kernel) process() {
	if !k.bothStreaming() {
		return
	}
	rest := k.pending[:0]
	blocked := false
	for _, r := range k.pending {
		if blocked || r.ticks > 0 {
			r.ticks--
			blocked = true
			rest = append(rest, r)
			continue
		}
		k.complete(r)
	}
	for i := len(rest); i < len(k.pending); i++ {
		k.pending[i] = nil
	}
	k.pending = rest
}

func (k *Kernel) complete(r *request) {
	for _, b := range r.bufs {
		k.done[b.Type] = append(k.done[b.Type], b)
		if b.Flags&v4l2.BufFlagM2MHoldCaptureBuf != 0 {
			continue
		}
		k.produceFrame(b.Timestamp)
	}
	r.state = reqDone
}

func (k *Kernel) produceFrame(ts unix.Timeval) {
	for _, t := range []v4l2.BufType{v4l2.BufTypeVideoCapture, v4l2.BufTypeVideoCaptureMPlane} {
		q := k.queued[t]
		if len(q) == 0 {
			continue
		}
		b := q[0]
		k.queued[t] = q[1:]
		k.sequence++
		b.Sequence = k.sequence
		b.Timestamp = ts
		f := k.formats[t]
		for i := range b.Planes {
			size := f.Planes[i].SizeImage
			if size == 0 || size > b.Planes[i].Length {
				size = b.Planes[i].Length
			}
			b.Planes[i].BytesUsed = size
			fill(b.Planes[i].Fd, int(size), byte(b.Sequence))
		}
		if k.failDecode > 0 {
			k.failDecode--
			b.Flags |= v4l2.BufFlagError
		}
		k.done[t] = append(k.done[t], b)
		return
	}
}

// fill writes the frame pattern into a real fd; fake fds are skipped.
func fill(fd int, size int, v byte) {
	if fd < 0 || fd >= firstFd || size <= 0 {
		return
	}
	m, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return
	}
	for i := range m {
		m[i] = v
	}
	_ = unix.Munmap(m)
}

func copyBuffer(b *v4l2.Buffer) v4l2.Buffer {
	c := *b
	c.Planes = append([]v4l2.Plane(nil), b.Planes...)
	return c
}

func copyControls(ctrls []v4l2.Control) []v4l2.Control {
	out := make([]v4l2.Control, len(ctrls))
	for i, c := range ctrls {
		out[i] = c
		if c.Payload != nil {
			out[i].Payload = append([]byte(nil), c.Payload...)
		}
	}
	return out
}
