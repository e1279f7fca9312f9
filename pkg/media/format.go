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
	"errors"
	"fmt"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

// RTFormat is a render target format, as VA_RT_FORMAT_*.
type RTFormat uint32

const (
	RTFormatYUV420    RTFormat = 0x00000001
	RTFormatYUV420_10 RTFormat = 0x00000100
)

func (f RTFormat) String() string {
	switch f {
	case RTFormatYUV420:
		return "yuv420"
	case RTFormatYUV420_10:
		return "yuv420-10"
	}
	return fmt.Sprintf("rtformat(%#x)", uint32(f))
}

// FormatCheck decides whether a capture pixel format can back rt. It returns
// nil to accept, ErrUnsupportedBufferType to try the next candidate and
// ErrUnsupportedRTFormat to abort negotiation.
type FormatCheck func(pixfmt uint32, t v4l2.BufType, rt RTFormat) error

// DefaultFormatCheck accepts single planar NV12 and NC12 for 8 bit output and
// NC30 for 10 bit output.
func DefaultFormatCheck(pixfmt uint32, t v4l2.BufType, rt RTFormat) error {
	switch rt {
	case RTFormatYUV420:
		if t == v4l2.BufTypeVideoCapture && (pixfmt == v4l2.PixFmtNV12 || pixfmt == v4l2.PixFmtNV12Col128) {
			return nil
		}
		return ErrUnsupportedBufferType
	case RTFormatYUV420_10:
		if t == v4l2.BufTypeVideoCapture && pixfmt == v4l2.PixFmtNV12_10Col128 {
			return nil
		}
		return ErrUnsupportedBufferType
	}
	return ErrUnsupportedRTFormat
}

type negotiationStep struct {
	t        v4l2.BufType
	mustHave uint32
	mustNot  uint32
}

// non emulated formats first, single planar before multi planar
var negotiationOrder = []negotiationStep{
	{v4l2.BufTypeVideoCapture, 0, v4l2.FmtFlagEmulated},
	{v4l2.BufTypeVideoCaptureMPlane, 0, v4l2.FmtFlagEmulated},
	{v4l2.BufTypeVideoCapture, v4l2.FmtFlagEmulated, 0},
	{v4l2.BufTypeVideoCaptureMPlane, v4l2.FmtFlagEmulated, 0},
}

func findFormat(dev v4l2.Device, check FormatCheck, rt RTFormat, step negotiationStep, width, height uint32) (v4l2.Format, error) {
	for i := uint32(0); ; i++ {
		d, err := dev.EnumFormat(step.t, i)
		if err != nil {
			return v4l2.Format{}, ErrUnsupportedBufferType
		}
		if d.Flags&step.mustHave != step.mustHave || d.Flags&step.mustNot != 0 {
			continue
		}
		err = check(d.PixelFormat, d.Type, rt)
		if errors.Is(err, ErrUnsupportedRTFormat) {
			return v4l2.Format{}, err
		}
		if err != nil {
			continue
		}
		f := v4l2.Format{
			Type:        d.Type,
			Width:       width,
			Height:      height,
			PixelFormat: d.PixelFormat,
		}
		if err := dev.SetFormat(&f); err != nil {
			log.Warnf("S_FMT %s %s %dx%d rejected: %v", d.Type, v4l2.FourCCString(d.PixelFormat), width, height, err)
			continue
		}
		if f.PixelFormat != d.PixelFormat {
			continue
		}
		return f, nil
	}
}
