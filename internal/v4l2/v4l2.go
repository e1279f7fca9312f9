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

// Package v4l2 wraps the V4L2 memory-to-memory and media request ioctls used
// by the stateless decode pipeline.
package v4l2

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// ErrUnsupportedPlatform is returned by Open on builds without the kernel ABI.
var ErrUnsupportedPlatform = errors.New("v4l2: unsupported platform")

// BufType is enum v4l2_buf_type.
type BufType uint32

const (
	BufTypeVideoCapture       BufType = 1
	BufTypeVideoOutput        BufType = 2
	BufTypeVideoCaptureMPlane BufType = 9
	BufTypeVideoOutputMPlane  BufType = 10
)

// IsMPlane reports whether t is one of the multi-planar types.
func (t BufType) IsMPlane() bool {
	return t == BufTypeVideoCaptureMPlane || t == BufTypeVideoOutputMPlane
}

// IsCapture reports whether t is a capture (decoded frame) type.
func (t BufType) IsCapture() bool {
	return t == BufTypeVideoCapture || t == BufTypeVideoCaptureMPlane
}

func (t BufType) String() string {
	switch t {
	case BufTypeVideoCapture:
		return "capture"
	case BufTypeVideoOutput:
		return "output"
	case BufTypeVideoCaptureMPlane:
		return "capture-mplane"
	case BufTypeVideoOutputMPlane:
		return "output-mplane"
	}
	return "unknown"
}

// OutputType returns the bitstream queue type.
func OutputType(mplane bool) BufType {
	if mplane {
		return BufTypeVideoOutputMPlane
	}
	return BufTypeVideoOutput
}

// CaptureType returns the frame queue type.
func CaptureType(mplane bool) BufType {
	if mplane {
		return BufTypeVideoCaptureMPlane
	}
	return BufTypeVideoCapture
}

// Memory is enum v4l2_memory.
type Memory uint32

const (
	MemoryMMAP   Memory = 1
	MemoryDMABuf Memory = 4
)

// MaxPlanes is VIDEO_MAX_PLANES.
const MaxPlanes = 8

const (
	CapVideoM2MMPlane = 0x00004000
	CapVideoM2M       = 0x00008000
	CapStreaming      = 0x04000000
	CapDeviceCaps     = 0x80000000

	BufCapSupportsMMAP              = 1 << 0
	BufCapSupportsDMABuf            = 1 << 2
	BufCapSupportsRequests          = 1 << 3
	BufCapSupportsM2MHoldCaptureBuf = 1 << 5

	BufFlagError             = 0x00000040
	BufFlagM2MHoldCaptureBuf = 0x00000200
	BufFlagRequestFd         = 0x00800000

	FmtFlagEmulated = 0x0002

	FieldAny  = 0
	FieldNone = 1

	CtrlWhichCurValue = 0
	CtrlWhichRequest  = 0x0f010000
)

// FourCC builds a v4l2/drm pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// FourCCString renders a pixel format code for logs.
func FourCCString(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

var (
	PixFmtNV12          = FourCC('N', 'V', '1', '2')
	PixFmtNV12Col128    = FourCC('N', 'C', '1', '2')
	PixFmtNV12_10Col128 = FourCC('N', 'C', '3', '0')
	PixFmtMPEG2Slice    = FourCC('M', 'G', '2', 'S')
	PixFmtH264Slice     = FourCC('S', '2', '6', '4')
	PixFmtHEVCSlice     = FourCC('S', '2', '6', '5')
)

const ctrlStatelessBase = 0x00a40000 | 0x900

// Stateless codec control ids.
const (
	CidStatelessH264DecodeMode    = ctrlStatelessBase + 0
	CidStatelessH264StartCode     = ctrlStatelessBase + 1
	CidStatelessH264SPS           = ctrlStatelessBase + 2
	CidStatelessH264PPS           = ctrlStatelessBase + 3
	CidStatelessH264ScalingMatrix = ctrlStatelessBase + 4
	CidStatelessH264PredWeights   = ctrlStatelessBase + 5
	CidStatelessH264SliceParams   = ctrlStatelessBase + 6
	CidStatelessH264DecodeParams  = ctrlStatelessBase + 7

	CidStatelessMPEG2Sequence     = ctrlStatelessBase + 220
	CidStatelessMPEG2Picture      = ctrlStatelessBase + 221
	CidStatelessMPEG2Quantisation = ctrlStatelessBase + 222

	CidStatelessHEVCSPS           = ctrlStatelessBase + 400
	CidStatelessHEVCPPS           = ctrlStatelessBase + 401
	CidStatelessHEVCSliceParams   = ctrlStatelessBase + 402
	CidStatelessHEVCScalingMatrix = ctrlStatelessBase + 403
	CidStatelessHEVCDecodeParams  = ctrlStatelessBase + 404
	CidStatelessHEVCDecodeMode    = ctrlStatelessBase + 405
	CidStatelessHEVCStartCode     = ctrlStatelessBase + 406
)

// PlaneFormat is one entry of the multi-planar plane_fmt array. Single-planar
// formats use Planes[0].
type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// Format is the subset of struct v4l2_format the pipeline negotiates.
type Format struct {
	Type        BufType
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Field       uint32
	ColorSpace  uint32
	NumPlanes   int
	Planes      [MaxPlanes]PlaneFormat
}

// Capability is struct v4l2_capability.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// Caps returns the device capabilities, preferring device_caps when present.
func (c Capability) Caps() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// FmtDesc is struct v4l2_fmtdesc.
type FmtDesc struct {
	Index       uint32
	Type        BufType
	Flags       uint32
	Description string
	PixelFormat uint32
}

// Plane describes one dmabuf backed plane of a queued buffer.
type Plane struct {
	BytesUsed  uint32
	Length     uint32
	Fd         int
	DataOffset uint32
}

// Buffer is struct v4l2_buffer restricted to DMABUF memory. For single-planar
// types only Planes[0] is used.
type Buffer struct {
	Index     uint32
	Type      BufType
	Memory    Memory
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Sequence  uint32
	RequestFd int
	Planes    []Plane
}

// Control is one extended control. Payload, when set, is passed by pointer
// and Value is ignored.
type Control struct {
	ID      uint32
	Value   int64
	Payload []byte
}

// Device is an open V4L2 video node.
type Device interface {
	Fd() int
	QueryCap() (Capability, error)
	EnumFormat(t BufType, index uint32) (FmtDesc, error)
	GetFormat(t BufType) (Format, error)
	SetFormat(f *Format) error
	TryFormat(f *Format) error
	// RequestBuffers returns the granted count and the queue's buffer
	// capability bits.
	RequestBuffers(t BufType, mem Memory, count uint32) (granted uint32, caps uint32, err error)
	// CreateBuffers returns the index of the first created buffer.
	CreateBuffers(f *Format, mem Memory, count uint32) (index uint32, granted uint32, err error)
	QueueBuffer(b *Buffer) error
	// DequeueBuffer fills b. Type, Memory and len(Planes) select the queue.
	DequeueBuffer(b *Buffer) error
	// SetExtControls applies ctrls to the request requestFd, or to the
	// device when requestFd is 0.
	SetExtControls(requestFd int, ctrls []Control) error
	StreamOn(t BufType) error
	StreamOff(t BufType) error
	Close() error
}

// MediaDevice is an open media controller node able to allocate requests.
type MediaDevice interface {
	Fd() int
	AllocRequest() (int, error)
	QueueRequest(fd int) error
	ReinitRequest(fd int) error
	CloseRequest(fd int) error
	Close() error
}

// RetryEINTR runs op until it returns anything but EINTR.
func RetryEINTR(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			return err
		}
		return backoff.Permanent(err)
	}, &backoff.ZeroBackOff{})
}
