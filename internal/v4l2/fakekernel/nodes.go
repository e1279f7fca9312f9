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

package fakekernel

import (
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

type videoNode struct {
	k      *Kernel
	closed bool
}

var _ v4l2.Device = (*videoNode)(nil)

func (v *videoNode) Fd() int {
	return v.k.videoFd
}

func (v *videoNode) QueryCap() (v4l2.Capability, error) {
	v.k.mu.Lock()
	defer v.k.mu.Unlock()
	caps := uint32(v4l2.CapVideoM2M | v4l2.CapStreaming)
	if v.k.mplane {
		caps = v4l2.CapVideoM2MMPlane | v4l2.CapStreaming
	}
	return v4l2.Capability{
		Driver:       "fake-m2m",
		Card:         "fake stateless decoder",
		BusInfo:      "platform:fake-m2m",
		Capabilities: caps | v4l2.CapDeviceCaps,
		DeviceCaps:   caps,
	}, nil
}

func (v *videoNode) EnumFormat(t v4l2.BufType, index uint32) (v4l2.FmtDesc, error) {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.enum[t]
	if int(index) >= len(list) {
		return v4l2.FmtDesc{}, unix.EINVAL
	}
	d := list[index]
	d.Index = index
	d.Type = t
	return d, nil
}

func (v *videoNode) GetFormat(t v4l2.BufType) (v4l2.Format, error) {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	f, ok := k.formats[t]
	if !ok {
		return v4l2.Format{}, unix.EINVAL
	}
	return f, nil
}

func (v *videoNode) adjust(f *v4l2.Format) error {
	list := v.k.enum[f.Type]
	if len(list) == 0 {
		return unix.EINVAL
	}
	found := false
	for _, d := range list {
		if d.PixelFormat == f.PixelFormat {
			found = true
			break
		}
	}
	if !found {
		f.PixelFormat = list[0].PixelFormat
	}
	f.Field = v4l2.FieldNone
	f.NumPlanes = 1
	if !f.Type.IsCapture() {
		if f.Planes[0].SizeImage == 0 {
			f.Planes[0].SizeImage = 1 << 20
		}
		f.Planes[0].BytesPerLine = 0
		return nil
	}
	w := (f.Width + 15) &^ 15
	h := (f.Height + 15) &^ 15
	switch f.PixelFormat {
	case v4l2.PixFmtNV12Col128:
		colHeight := h * 3 / 2
		f.Planes[0].BytesPerLine = colHeight
		f.Planes[0].SizeImage = colHeight * 128 * ((w + 127) / 128)
	case v4l2.PixFmtNV12_10Col128:
		colHeight := h * 3 / 2
		f.Planes[0].BytesPerLine = colHeight
		f.Planes[0].SizeImage = colHeight * 128 * ((w*4/3 + 127) / 128)
	default:
		f.Planes[0].BytesPerLine = w
		f.Planes[0].SizeImage = w * h * 3 / 2
	}
	return nil
}

func (v *videoNode) SetFormat(f *v4l2.Format) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.streaming[f.Type] || k.bufCount[f.Type] > 0 {
		return unix.EBUSY
	}
	if err := v.adjust(f); err != nil {
		return err
	}
	k.formats[f.Type] = *f
	return nil
}

func (v *videoNode) TryFormat(f *v4l2.Format) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	return v.adjust(f)
}

func (v *videoNode) RequestBuffers(t v4l2.BufType, mem v4l2.Memory, count uint32) (uint32, uint32, error) {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.formats[t]; !ok {
		return 0, 0, unix.EINVAL
	}
	if k.streaming[t] {
		return 0, 0, unix.EBUSY
	}
	if count == 0 {
		k.bufCount[t] = 0
		k.queued[t] = nil
		k.done[t] = nil
		return 0, k.bufCaps, nil
	}
	if err := k.failReqBufs; err != nil {
		k.failReqBufs = nil
		return 0, 0, err
	}
	if count > k.maxBufs {
		count = k.maxBufs
	}
	k.bufCount[t] = count
	return count, k.bufCaps, nil
}

func (v *videoNode) CreateBuffers(f *v4l2.Format, mem v4l2.Memory, count uint32) (uint32, uint32, error) {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.formats[f.Type]; !ok {
		return 0, 0, unix.EINVAL
	}
	if k.bufCount[f.Type]+count > k.maxBufs {
		return 0, 0, unix.ENOMEM
	}
	index := k.bufCount[f.Type]
	k.bufCount[f.Type] += count
	return index, count, nil
}

func (v *videoNode) QueueBuffer(b *v4l2.Buffer) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if b.Index >= k.bufCount[b.Type] || b.Memory != v4l2.MemoryDMABuf || len(b.Planes) == 0 {
		return unix.EINVAL
	}
	c := copyBuffer(b)
	if b.RequestFd > 0 {
		r, ok := k.requests[b.RequestFd]
		if !ok || r.state != reqIdle {
			return unix.EINVAL
		}
		c.Flags |= v4l2.BufFlagRequestFd
		r.bufs = append(r.bufs, c)
		return nil
	}
	k.queued[b.Type] = append(k.queued[b.Type], c)
	return nil
}

func (v *videoNode) DequeueBuffer(b *v4l2.Buffer) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	q := k.done[b.Type]
	if len(q) == 0 {
		return unix.EAGAIN
	}
	d := q[0]
	k.done[b.Type] = q[1:]
	b.Index = d.Index
	b.Flags = d.Flags
	b.Field = d.Field
	b.Timestamp = d.Timestamp
	b.Sequence = d.Sequence
	b.RequestFd = d.RequestFd
	b.Planes = append(b.Planes[:0], d.Planes...)
	return nil
}

func (v *videoNode) SetExtControls(requestFd int, ctrls []v4l2.Control) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failControls; err != nil {
		k.failControls = nil
		return err
	}
	if requestFd <= 0 {
		k.deviceCtrls = append(k.deviceCtrls, copyControls(ctrls)...)
		return nil
	}
	r, ok := k.requests[requestFd]
	if !ok || r.state != reqIdle {
		return unix.EINVAL
	}
	r.ctrls = append(r.ctrls, copyControls(ctrls)...)
	return nil
}

func (v *videoNode) StreamOn(t v4l2.BufType) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failStreamOn[t]; err != nil {
		return err
	}
	if _, ok := k.formats[t]; !ok {
		return unix.EINVAL
	}
	k.streaming[t] = true
	return nil
}

func (v *videoNode) StreamOff(t v4l2.BufType) error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.streaming[t] = false
	k.queued[t] = nil
	k.done[t] = nil
	return nil
}

func (v *videoNode) Close() error {
	k := v.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if v.closed {
		return unix.EBADF
	}
	v.closed = true
	k.videoClosed = true
	return nil
}

type mediaNode struct {
	k *Kernel
}

var _ v4l2.MediaDevice = (*mediaNode)(nil)

func (m *mediaNode) Fd() int {
	return m.k.mediaFd
}

func (m *mediaNode) AllocRequest() (int, error) {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	r := &request{fd: k.allocFd()}
	k.requests[r.fd] = r
	return r.fd, nil
}

func (m *mediaNode) QueueRequest(fd int) error {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failQueueReq; err != nil {
		k.failQueueReq = nil
		return err
	}
	r, ok := k.requests[fd]
	if !ok {
		return unix.EBADF
	}
	if r.state != reqIdle {
		return unix.EBUSY
	}
	if len(r.bufs) == 0 {
		return unix.ENOENT
	}
	r.state = reqQueued
	r.ticks = k.ticks
	k.pending = append(k.pending, r)
	k.requestCtrls = append(k.requestCtrls, r.ctrls)
	k.started++
	return nil
}

func (m *mediaNode) ReinitRequest(fd int) error {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.requests[fd]
	if !ok {
		return unix.EBADF
	}
	if r.state == reqQueued {
		return unix.EBUSY
	}
	r.state = reqIdle
	r.bufs = nil
	r.ctrls = nil
	return nil
}

func (m *mediaNode) CloseRequest(fd int) error {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.requests[fd]; !ok {
		return unix.EBADF
	}
	delete(k.requests, fd)
	return nil
}

func (m *mediaNode) Close() error {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mediaClosed {
		return unix.EBADF
	}
	k.mediaClosed = true
	return nil
}
