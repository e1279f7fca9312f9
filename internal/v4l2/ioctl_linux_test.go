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
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestFormatKernelLayout(t *testing.T) {
	f := Format{
		Type:        BufTypeVideoCapture,
		Width:       1920,
		Height:      1088,
		PixelFormat: PixFmtNV12,
		Field:       FieldNone,
	}
	f.Planes[0] = PlaneFormat{SizeImage: 1920 * 1088 * 3 / 2, BytesPerLine: 1920}
	k := formatToKernel(&f)
	back := formatFromKernel(&k)
	f.NumPlanes = 1
	assert.Equal(t, f, back)
}

func TestFormatKernelLayoutMPlane(t *testing.T) {
	f := Format{
		Type:        BufTypeVideoCaptureMPlane,
		Width:       1280,
		Height:      720,
		PixelFormat: PixFmtNV12,
		NumPlanes:   2,
	}
	f.Planes[0] = PlaneFormat{SizeImage: 1280 * 720, BytesPerLine: 1280}
	f.Planes[1] = PlaneFormat{SizeImage: 1280 * 360, BytesPerLine: 1280}
	k := formatToKernel(&f)
	// num_planes lives at byte 180 of the pix_mp union
	assert.Equal(t, byte(2), k.fmt[180])
	assert.Equal(t, f, formatFromKernel(&k))
}

func TestSetupBufferSinglePlane(t *testing.T) {
	var kb v4l2Buffer
	var p runtime.Pinner
	b := &Buffer{
		Index:     3,
		Type:      BufTypeVideoOutput,
		Memory:    MemoryDMABuf,
		Flags:     BufFlagM2MHoldCaptureBuf,
		RequestFd: 17,
		Timestamp: unix.Timeval{Sec: 1, Usec: 2},
		Planes:    []Plane{{BytesUsed: 100, Length: 4096, Fd: 9}},
	}
	planes := setupBuffer(&kb, b, &p)
	defer p.Unpin()
	assert.Nil(t, planes)
	assert.Equal(t, uint32(3), kb.index)
	assert.Equal(t, uint32(BufFlagM2MHoldCaptureBuf|BufFlagRequestFd), kb.flags)
	assert.Equal(t, int32(17), kb.requestFd)
	assert.Equal(t, uint32(100), kb.bytesused)
	assert.Equal(t, uint64(9), kb.m)
}
