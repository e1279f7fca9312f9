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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

func setupStreams(t *testing.T, k *Kernel) v4l2.Device {
	dev := k.Video()
	out := v4l2.Format{Type: v4l2.BufTypeVideoOutput, Width: 64, Height: 64, PixelFormat: v4l2.PixFmtH264Slice}
	require.NoError(t, dev.SetFormat(&out))
	capture := v4l2.Format{Type: v4l2.BufTypeVideoCapture, Width: 64, Height: 64, PixelFormat: v4l2.PixFmtNV12}
	require.NoError(t, dev.SetFormat(&capture))
	_, _, err := dev.RequestBuffers(out.Type, v4l2.MemoryDMABuf, 4)
	require.NoError(t, err)
	_, _, err = dev.RequestBuffers(capture.Type, v4l2.MemoryDMABuf, 2)
	require.NoError(t, err)
	require.NoError(t, dev.StreamOn(out.Type))
	require.NoError(t, dev.StreamOn(capture.Type))
	return dev
}

func srcBuffer(index uint32, reqFd int, hold bool) *v4l2.Buffer {
	b := &v4l2.Buffer{
		Index:     index,
		Type:      v4l2.BufTypeVideoOutput,
		Memory:    v4l2.MemoryDMABuf,
		RequestFd: reqFd,
		Planes:    []v4l2.Plane{{BytesUsed: 16, Length: 4096, Fd: -1}},
	}
	if hold {
		b.Flags = v4l2.BufFlagM2MHoldCaptureBuf
	}
	return b
}

func TestFormatAdjust(t *testing.T) {
	k := New()
	dev := k.Video()
	f := v4l2.Format{Type: v4l2.BufTypeVideoCapture, Width: 1920, Height: 1080, PixelFormat: v4l2.PixFmtNV12Col128}
	require.NoError(t, dev.SetFormat(&f))
	assert.Equal(t, uint32(1088*3/2), f.Planes[0].BytesPerLine)
	assert.Equal(t, uint32(1632*128*15), f.Planes[0].SizeImage)

	f = v4l2.Format{Type: v4l2.BufTypeVideoOutput, PixelFormat: v4l2.FourCC('X', 'X', 'X', 'X')}
	require.NoError(t, dev.SetFormat(&f))
	assert.Equal(t, v4l2.PixFmtMPEG2Slice, f.PixelFormat)
	assert.Equal(t, uint32(1<<20), f.Planes[0].SizeImage)

	_, _, err := dev.RequestBuffers(v4l2.BufTypeVideoOutput, v4l2.MemoryDMABuf, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, dev.SetFormat(&f), unix.EBUSY)
}

func TestRequestLifecycle(t *testing.T) {
	k := New()
	dev := setupStreams(t, k)
	md := k.Media()

	fd, err := md.AllocRequest()
	require.NoError(t, err)
	assert.ErrorIs(t, md.QueueRequest(fd), unix.ENOENT)

	require.NoError(t, dev.SetExtControls(fd, []v4l2.Control{{ID: v4l2.CidStatelessH264SPS, Payload: []byte{7}}}))
	require.NoError(t, dev.QueueBuffer(srcBuffer(0, fd, false)))
	require.NoError(t, dev.QueueBuffer(&v4l2.Buffer{
		Index:  0,
		Type:   v4l2.BufTypeVideoCapture,
		Memory: v4l2.MemoryDMABuf,
		Planes: []v4l2.Plane{{Length: 6144, Fd: -1}},
	}))
	require.NoError(t, md.QueueRequest(fd))
	assert.ErrorIs(t, md.ReinitRequest(fd), unix.EBUSY)
	assert.Equal(t, 1, k.RequestsStarted())

	fds := []unix.PollFd{
		{Fd: int32(dev.Fd()), Events: unix.POLLIN | unix.POLLOUT},
		{Fd: int32(fd), Events: unix.POLLPRI},
	}
	n, err := k.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int16(unix.POLLIN|unix.POLLOUT), fds[0].Revents)
	assert.Equal(t, int16(unix.POLLPRI), fds[1].Revents)

	b := v4l2.Buffer{Type: v4l2.BufTypeVideoCapture, Memory: v4l2.MemoryDMABuf}
	require.NoError(t, dev.DequeueBuffer(&b))
	assert.Equal(t, uint32(1), b.Sequence)
	assert.Zero(t, b.Flags&v4l2.BufFlagError)
	assert.ErrorIs(t, dev.DequeueBuffer(&b), unix.EAGAIN)

	require.NoError(t, md.ReinitRequest(fd))
	require.NoError(t, md.CloseRequest(fd))
	assert.Equal(t, 0, k.OpenRequests())
	require.Len(t, k.RequestControls(), 1)
	assert.Equal(t, []byte{7}, k.RequestControls()[0][0].Payload)
}

func TestHoldCaptureProducesOneFrame(t *testing.T) {
	k := New()
	dev := setupStreams(t, k)
	md := k.Media()
	require.NoError(t, dev.QueueBuffer(&v4l2.Buffer{
		Type:   v4l2.BufTypeVideoCapture,
		Memory: v4l2.MemoryDMABuf,
		Planes: []v4l2.Plane{{Length: 6144, Fd: -1}},
	}))
	k.FailNextDecodes(1)
	for i := 0; i < 3; i++ {
		fd, err := md.AllocRequest()
		require.NoError(t, err)
		require.NoError(t, dev.QueueBuffer(srcBuffer(uint32(i), fd, i < 2)))
		require.NoError(t, md.QueueRequest(fd))
	}
	_, err := k.Poll(nil, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b := v4l2.Buffer{Type: v4l2.BufTypeVideoOutput, Memory: v4l2.MemoryDMABuf}
		require.NoError(t, dev.DequeueBuffer(&b))
		assert.Equal(t, uint32(i), b.Index)
	}
	b := v4l2.Buffer{Type: v4l2.BufTypeVideoCapture, Memory: v4l2.MemoryDMABuf}
	require.NoError(t, dev.DequeueBuffer(&b))
	assert.NotZero(t, b.Flags&v4l2.BufFlagError)
	assert.ErrorIs(t, dev.DequeueBuffer(&b), unix.EAGAIN)
}

func TestCompletionNeedsStreaming(t *testing.T) {
	k := New()
	dev := setupStreams(t, k)
	md := k.Media()
	k.SetCompletionTicks(1)
	fd, err := md.AllocRequest()
	require.NoError(t, err)
	require.NoError(t, dev.QueueBuffer(srcBuffer(0, fd, true)))
	require.NoError(t, md.QueueRequest(fd))

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI}}
	n, _ := k.Poll(fds, 0)
	assert.Equal(t, 0, n)
	n, _ = k.Poll(fds, 0)
	assert.Equal(t, 1, n)

	require.NoError(t, dev.StreamOff(v4l2.BufTypeVideoCapture))
	fd2, err := md.AllocRequest()
	require.NoError(t, err)
	require.NoError(t, dev.QueueBuffer(srcBuffer(1, fd2, true)))
	require.NoError(t, md.QueueRequest(fd2))
	fds = []unix.PollFd{{Fd: int32(fd2), Events: unix.POLLPRI}}
	for i := 0; i < 3; i++ {
		n, _ = k.Poll(fds, 0)
		assert.Equal(t, 0, n)
	}
}

func TestInjectedFailures(t *testing.T) {
	k := New()
	dev := k.Video()
	f := v4l2.Format{Type: v4l2.BufTypeVideoOutput, PixelFormat: v4l2.PixFmtHEVCSlice}
	require.NoError(t, dev.SetFormat(&f))

	k.SetMaxBuffers(3)
	k.SetBufferCaps(v4l2.BufCapSupportsDMABuf)
	granted, caps, err := dev.RequestBuffers(f.Type, v4l2.MemoryDMABuf, 6)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), granted)
	assert.Equal(t, uint32(v4l2.BufCapSupportsDMABuf), caps)
	_, _, err = dev.CreateBuffers(&f, v4l2.MemoryDMABuf, 1)
	assert.ErrorIs(t, err, unix.ENOMEM)

	k.FailRequestBuffers(unix.ENOMEM)
	_, _, err = dev.RequestBuffers(f.Type, v4l2.MemoryDMABuf, 0)
	require.NoError(t, err)
	_, _, err = dev.RequestBuffers(f.Type, v4l2.MemoryDMABuf, 2)
	assert.ErrorIs(t, err, unix.ENOMEM)

	k.FailControls(unix.EINVAL)
	assert.ErrorIs(t, dev.SetExtControls(0, []v4l2.Control{{ID: 1}}), unix.EINVAL)
	require.NoError(t, dev.SetExtControls(0, []v4l2.Control{{ID: 1, Value: 3}}))
	assert.Equal(t, int64(3), k.DeviceControls()[0].Value)

	k.FailStreamOn(f.Type, unix.EIO)
	assert.ErrorIs(t, dev.StreamOn(f.Type), unix.EIO)
	assert.False(t, k.Streaming(f.Type))

	caps2, err := dev.QueryCap()
	require.NoError(t, err)
	assert.NotZero(t, caps2.Caps()&v4l2.CapVideoM2M)

	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.Close(), unix.EBADF)
	require.NoError(t, k.Media().Close())
	assert.True(t, k.Closed())
}
