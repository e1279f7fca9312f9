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
	"fmt"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

var (
	DRMFormatNV12 = v4l2.FourCC('N', 'V', '1', '2')
	DRMFormatP030 = v4l2.FourCC('P', '0', '3', '0')
)

const (
	DRMFormatModLinear = 0
	drmVendorBroadcom  = 0x07
)

// DRMFormatModSand128 is DRM_FORMAT_MOD_BROADCOM_SAND128_COL_HEIGHT(colHeight).
func DRMFormatModSand128(colHeight uint32) uint64 {
	return drmVendorBroadcom<<56 | (uint64(colHeight)&0xffffffffffff)<<8 | 4
}

// ObjectDesc is one exported memory object.
type ObjectDesc struct {
	Size     uint32
	Modifier uint64
}

// PlaneDesc places one picture plane inside an object.
type PlaneDesc struct {
	Object int
	Width  uint32
	Height uint32
	Offset uint32
	Pitch  uint32
}

// PicDesc describes the memory layout of a decoded picture for export.
type PicDesc struct {
	PixelFormat uint32
	DRMFourCC   uint32
	RTFormat    RTFormat
	Linear      bool
	Width       uint32
	Height      uint32
	Objects     []ObjectDesc
	Planes      []PlaneDesc
}

// PicDescFromFormat derives the export layout of a negotiated capture format.
func PicDescFromFormat(f v4l2.Format) (PicDesc, error) {
	if f.Type != v4l2.BufTypeVideoCapture {
		return PicDesc{}, fmt.Errorf("%w: %s layout", ErrUnsupportedFormat, f.Type)
	}
	bpl := f.Planes[0].BytesPerLine
	pd := PicDesc{
		PixelFormat: f.PixelFormat,
		Width:       f.Width,
		Height:      f.Height,
	}
	switch f.PixelFormat {
	case v4l2.PixFmtNV12Col128, v4l2.PixFmtNV12_10Col128:
		// SAND128: bytesperline holds the column height, the pitch is nominal
		pitch := f.Width
		pd.DRMFourCC = DRMFormatNV12
		pd.RTFormat = RTFormatYUV420
		if f.PixelFormat == v4l2.PixFmtNV12_10Col128 {
			pitch = f.Width * 4 / 3
			pd.DRMFourCC = DRMFormatP030
			pd.RTFormat = RTFormatYUV420_10
		}
		pd.Objects = []ObjectDesc{{Size: f.Planes[0].SizeImage, Modifier: DRMFormatModSand128(bpl)}}
		pd.Planes = []PlaneDesc{
			{Width: f.Width, Height: f.Height, Pitch: pitch},
			{Width: f.Width / 2, Height: f.Height / 2, Pitch: pitch, Offset: f.Height * 128},
		}
	case v4l2.PixFmtNV12:
		pd.DRMFourCC = DRMFormatNV12
		pd.RTFormat = RTFormatYUV420
		pd.Linear = true
		pd.Objects = []ObjectDesc{{Size: f.Planes[0].SizeImage, Modifier: DRMFormatModLinear}}
		pd.Planes = []PlaneDesc{
			{Width: f.Width, Height: f.Height, Pitch: bpl},
			{Width: f.Width / 2, Height: f.Height / 2, Pitch: bpl, Offset: f.Height * bpl},
		}
	default:
		return PicDesc{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, v4l2.FourCCString(f.PixelFormat))
	}
	return pd, nil
}
