//go:build linux && (amd64 || arm64)

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

package v4l2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	vidiocQueryCap   = 0x80685600
	vidiocEnumFmt    = 0xc0405602
	vidiocGFmt       = 0xc0d05604
	vidiocSFmt       = 0xc0d05605
	vidiocReqBufs    = 0xc0145608
	vidiocQBuf       = 0xc058560f
	vidiocDQBuf      = 0xc0585611
	vidiocStreamOn   = 0x40045612
	vidiocStreamOff  = 0x40045613
	vidiocTryFmt     = 0xc0d05640
	vidiocSExtCtrls  = 0xc0205648
	vidiocCreateBufs = 0xc100565c

	mediaIocRequestAlloc  = 0x80047c05
	mediaRequestIocQueue  = 0x7c80
	mediaRequestIocReinit = 0x7c81
)

type v4l2Capability struct {
	driver       [16]uint8
	card         [32]uint8
	busInfo      [32]uint8
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]uint8
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

type v4l2PixFormatMPlane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [MaxPlanes]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

// the union is 8 byte aligned in the kernel
type v4l2Format struct {
	typ uint32
	_   uint32
	fmt [200]byte
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uint64
	length    uint32
	reserved2 uint32
	requestFd int32
	_         uint32
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uint64
	dataOffset uint32
	reserved   [11]uint32
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2CreateBuffers struct {
	index         uint32
	count         uint32
	memory        uint32
	_             uint32
	format        v4l2Format
	capabilities  uint32
	flags         uint32
	maxNumBuffers uint32
	reserved      [5]uint32
}

// packed in the kernel, value is a 64 bit union
type v4l2ExtControl struct {
	id        uint32
	size      uint32
	reserved2 uint32
	value     [8]byte
}

type v4l2ExtControls struct {
	which     uint32
	count     uint32
	errorIdx  uint32
	requestFd int32
	reserved  uint32
	_         uint32
	controls  uintptr
}

var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Fmtdesc{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormatMPlane{}) - 192]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Plane{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2CreateBuffers{}) - 256]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2ExtControl{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2ExtControls{}) - 32]struct{}{}
)

// Ioctl issues a raw ioctl, retrying on EINTR.
func Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	return RetryEINTR(func() error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno != 0 {
			return errno
		}
		return nil
	})
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

type device struct {
	fd   int
	path string
}

// Open opens a video node for non-blocking use.
func Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &device{fd: fd, path: path}, nil
}

func (d *device) Fd() int {
	return d.fd
}

func (d *device) QueryCap() (Capability, error) {
	var c v4l2Capability
	if err := Ioctl(d.fd, vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP %s: %w", d.path, err)
	}
	return Capability{
		Driver:       cString(c.driver[:]),
		Card:         cString(c.card[:]),
		BusInfo:      cString(c.busInfo[:]),
		Version:      c.version,
		Capabilities: c.capabilities,
		DeviceCaps:   c.deviceCaps,
	}, nil
}

func (d *device) EnumFormat(t BufType, index uint32) (FmtDesc, error) {
	fd := v4l2Fmtdesc{index: index, typ: uint32(t)}
	if err := Ioctl(d.fd, vidiocEnumFmt, unsafe.Pointer(&fd)); err != nil {
		return FmtDesc{}, err
	}
	return FmtDesc{
		Index:       fd.index,
		Type:        BufType(fd.typ),
		Flags:       fd.flags,
		Description: cString(fd.description[:]),
		PixelFormat: fd.pixelformat,
	}, nil
}

func formatToKernel(f *Format) v4l2Format {
	k := v4l2Format{typ: uint32(f.Type)}
	if f.Type.IsMPlane() {
		mp := (*v4l2PixFormatMPlane)(unsafe.Pointer(&k.fmt[0]))
		mp.width = f.Width
		mp.height = f.Height
		mp.pixelformat = f.PixelFormat
		mp.field = f.Field
		mp.colorspace = f.ColorSpace
		mp.numPlanes = uint8(f.NumPlanes)
		for i := 0; i < f.NumPlanes && i < MaxPlanes; i++ {
			mp.planeFmt[i].sizeimage = f.Planes[i].SizeImage
			mp.planeFmt[i].bytesperline = f.Planes[i].BytesPerLine
		}
		return k
	}
	pix := (*v4l2PixFormat)(unsafe.Pointer(&k.fmt[0]))
	pix.width = f.Width
	pix.height = f.Height
	pix.pixelformat = f.PixelFormat
	pix.field = f.Field
	pix.colorspace = f.ColorSpace
	pix.bytesperline = f.Planes[0].BytesPerLine
	pix.sizeimage = f.Planes[0].SizeImage
	return k
}

func formatFromKernel(k *v4l2Format) Format {
	f := Format{Type: BufType(k.typ)}
	if f.Type.IsMPlane() {
		mp := (*v4l2PixFormatMPlane)(unsafe.Pointer(&k.fmt[0]))
		f.Width = mp.width
		f.Height = mp.height
		f.PixelFormat = mp.pixelformat
		f.Field = mp.field
		f.ColorSpace = mp.colorspace
		f.NumPlanes = int(mp.numPlanes)
		for i := 0; i < f.NumPlanes && i < MaxPlanes; i++ {
			f.Planes[i].SizeImage = mp.planeFmt[i].sizeimage
			f.Planes[i].BytesPerLine = mp.planeFmt[i].bytesperline
		}
		return f
	}
	pix := (*v4l2PixFormat)(unsafe.Pointer(&k.fmt[0]))
	f.Width = pix.width
	f.Height = pix.height
	f.PixelFormat = pix.pixelformat
	f.Field = pix.field
	f.ColorSpace = pix.colorspace
	f.NumPlanes = 1
	f.Planes[0].SizeImage = pix.sizeimage
	f.Planes[0].BytesPerLine = pix.bytesperline
	return f
}

func (d *device) GetFormat(t BufType) (Format, error) {
	k := v4l2Format{typ: uint32(t)}
	if err := Ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&k)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_G_FMT %s: %w", t, err)
	}
	return formatFromKernel(&k), nil
}

func (d *device) SetFormat(f *Format) error {
	k := formatToKernel(f)
	if err := Ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&k)); err != nil {
		return fmt.Errorf("VIDIOC_S_FMT %s %s: %w", f.Type, FourCCString(f.PixelFormat), err)
	}
	*f = formatFromKernel(&k)
	return nil
}

func (d *device) TryFormat(f *Format) error {
	k := formatToKernel(f)
	if err := Ioctl(d.fd, vidiocTryFmt, unsafe.Pointer(&k)); err != nil {
		return fmt.Errorf("VIDIOC_TRY_FMT %s %s: %w", f.Type, FourCCString(f.PixelFormat), err)
	}
	*f = formatFromKernel(&k)
	return nil
}

func (d *device) RequestBuffers(t BufType, mem Memory, count uint32) (uint32, uint32, error) {
	rb := v4l2RequestBuffers{count: count, typ: uint32(t), memory: uint32(mem)}
	if err := Ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&rb)); err != nil {
		return 0, 0, fmt.Errorf("VIDIOC_REQBUFS %s count=%d: %w", t, count, err)
	}
	return rb.count, rb.capabilities, nil
}

func (d *device) CreateBuffers(f *Format, mem Memory, count uint32) (uint32, uint32, error) {
	cb := v4l2CreateBuffers{count: count, memory: uint32(mem), format: formatToKernel(f)}
	if err := Ioctl(d.fd, vidiocCreateBufs, unsafe.Pointer(&cb)); err != nil {
		return 0, 0, fmt.Errorf("VIDIOC_CREATE_BUFS %s: %w", f.Type, err)
	}
	return cb.index, cb.count, nil
}

// setupBuffer fills kb from b. Multi-planar plane arrays are pinned through p.
func setupBuffer(kb *v4l2Buffer, b *Buffer, p *runtime.Pinner) []v4l2Plane {
	kb.index = b.Index
	kb.typ = uint32(b.Type)
	kb.memory = uint32(b.Memory)
	kb.flags = b.Flags
	kb.field = b.Field
	kb.timestamp = b.Timestamp
	if b.RequestFd > 0 {
		kb.requestFd = int32(b.RequestFd)
		kb.flags |= BufFlagRequestFd
	}
	if b.Type.IsMPlane() {
		n := len(b.Planes)
		if n == 0 {
			n = MaxPlanes
		}
		planes := make([]v4l2Plane, n)
		for i := range b.Planes {
			planes[i].bytesused = b.Planes[i].BytesUsed
			planes[i].length = b.Planes[i].Length
			planes[i].m = uint64(uint32(int32(b.Planes[i].Fd)))
			planes[i].dataOffset = b.Planes[i].DataOffset
		}
		p.Pin(&planes[0])
		kb.length = uint32(n)
		kb.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		return planes
	}
	if len(b.Planes) > 0 {
		kb.bytesused = b.Planes[0].BytesUsed
		kb.length = b.Planes[0].Length
		kb.m = uint64(uint32(int32(b.Planes[0].Fd)))
	}
	return nil
}

func (d *device) QueueBuffer(b *Buffer) error {
	var kb v4l2Buffer
	var p runtime.Pinner
	defer p.Unpin()
	planes := setupBuffer(&kb, b, &p)
	err := Ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&kb))
	runtime.KeepAlive(planes)
	if err != nil {
		return fmt.Errorf("VIDIOC_QBUF %s index=%d: %w", b.Type, b.Index, err)
	}
	return nil
}

func (d *device) DequeueBuffer(b *Buffer) error {
	var kb v4l2Buffer
	var p runtime.Pinner
	defer p.Unpin()
	planes := setupBuffer(&kb, &Buffer{Type: b.Type, Memory: b.Memory, Planes: b.Planes}, &p)
	if err := Ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&kb)); err != nil {
		return fmt.Errorf("VIDIOC_DQBUF %s: %w", b.Type, err)
	}
	b.Index = kb.index
	b.Flags = kb.flags
	b.Field = kb.field
	b.Timestamp = kb.timestamp
	b.Sequence = kb.sequence
	b.RequestFd = int(kb.requestFd)
	if b.Type.IsMPlane() {
		n := int(kb.length)
		if n > len(planes) {
			n = len(planes)
		}
		b.Planes = b.Planes[:0]
		for i := 0; i < n; i++ {
			b.Planes = append(b.Planes, Plane{
				BytesUsed:  planes[i].bytesused,
				Length:     planes[i].length,
				Fd:         int(int32(uint32(planes[i].m))),
				DataOffset: planes[i].dataOffset,
			})
		}
		return nil
	}
	b.Planes = append(b.Planes[:0], Plane{
		BytesUsed: kb.bytesused,
		Length:    kb.length,
		Fd:        int(int32(uint32(kb.m))),
	})
	return nil
}

func (d *device) SetExtControls(requestFd int, ctrls []Control) error {
	if len(ctrls) == 0 {
		return nil
	}
	var p runtime.Pinner
	defer p.Unpin()
	kc := make([]v4l2ExtControl, len(ctrls))
	for i, c := range ctrls {
		kc[i].id = c.ID
		if len(c.Payload) > 0 {
			p.Pin(&c.Payload[0])
			kc[i].size = uint32(len(c.Payload))
			binary.NativeEndian.PutUint64(kc[i].value[:], uint64(uintptr(unsafe.Pointer(&c.Payload[0]))))
			continue
		}
		binary.NativeEndian.PutUint64(kc[i].value[:], uint64(c.Value))
	}
	p.Pin(&kc[0])
	ec := v4l2ExtControls{
		which:    CtrlWhichCurValue,
		count:    uint32(len(kc)),
		controls: uintptr(unsafe.Pointer(&kc[0])),
	}
	if requestFd > 0 {
		ec.which = CtrlWhichRequest
		ec.requestFd = int32(requestFd)
	}
	err := Ioctl(d.fd, vidiocSExtCtrls, unsafe.Pointer(&ec))
	runtime.KeepAlive(kc)
	runtime.KeepAlive(ctrls)
	if err != nil {
		return fmt.Errorf("VIDIOC_S_EXT_CTRLS count=%d error_idx=%d: %w", len(kc), ec.errorIdx, err)
	}
	return nil
}

func (d *device) StreamOn(t BufType) error {
	v := uint32(t)
	if err := Ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON %s: %w", t, err)
	}
	return nil
}

func (d *device) StreamOff(t BufType) error {
	v := uint32(t)
	if err := Ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF %s: %w", t, err)
	}
	return nil
}

func (d *device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

type mediaDevice struct {
	fd   int
	path string
}

// OpenMedia opens a media controller node.
func OpenMedia(path string) (MediaDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &mediaDevice{fd: fd, path: path}, nil
}

func (m *mediaDevice) Fd() int {
	return m.fd
}

func (m *mediaDevice) AllocRequest() (int, error) {
	var fd int32
	if err := Ioctl(m.fd, mediaIocRequestAlloc, unsafe.Pointer(&fd)); err != nil {
		return -1, fmt.Errorf("MEDIA_IOC_REQUEST_ALLOC %s: %w", m.path, err)
	}
	return int(fd), nil
}

func (m *mediaDevice) QueueRequest(fd int) error {
	if err := Ioctl(fd, mediaRequestIocQueue, nil); err != nil {
		return fmt.Errorf("MEDIA_REQUEST_IOC_QUEUE: %w", err)
	}
	return nil
}

func (m *mediaDevice) ReinitRequest(fd int) error {
	if err := Ioctl(fd, mediaRequestIocReinit, nil); err != nil {
		return fmt.Errorf("MEDIA_REQUEST_IOC_REINIT: %w", err)
	}
	return nil
}

func (m *mediaDevice) CloseRequest(fd int) error {
	return unix.Close(fd)
}

func (m *mediaDevice) Close() error {
	if m.fd < 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = -1
	return err
}
