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

package decode

import (
	"fmt"

	"github.com/srediag/v4l2-request/internal/v4l2"
)

// BufferKind is the role of a buffer rendered into a picture.
type BufferKind int

const (
	// BufferSequenceParameter is a sequence header or SPS.
	BufferSequenceParameter BufferKind = iota + 1
	// BufferPictureParameter is a picture header or PPS. A stream cannot
	// start before one has been rendered.
	BufferPictureParameter
	BufferDecodeParameter
	BufferIQMatrix
	BufferSliceParameter
	BufferPredWeight
	// BufferSliceData is raw bitstream copied into the OUTPUT queue.
	BufferSliceData
)

func (k BufferKind) String() string {
	switch k {
	case BufferSequenceParameter:
		return "sequence-parameter"
	case BufferPictureParameter:
		return "picture-parameter"
	case BufferDecodeParameter:
		return "decode-parameter"
	case BufferIQMatrix:
		return "iq-matrix"
	case BufferSliceParameter:
		return "slice-parameter"
	case BufferPredWeight:
		return "pred-weight"
	case BufferSliceData:
		return "slice-data"
	}
	return fmt.Sprintf("buffer-kind(%d)", int(k))
}

func (k BufferKind) valid() bool {
	return k >= BufferSequenceParameter && k <= BufferSliceData
}

// Codec turns rendered parameter buffers into V4L2 stateless controls.
type Codec interface {
	// Store records the payload of a parameter buffer. Kinds the codec
	// has no control for are ignored.
	Store(kind BufferKind, data []byte) error
	// DeviceControls are set once before streaming starts.
	DeviceControls() []v4l2.Control
	// RequestControls are attached to every request of a picture.
	RequestControls() []v4l2.Control
}

type codecBinding struct {
	kind BufferKind
	id   uint32
}

// passthroughCodec forwards payloads as the kernel's control structures.
// Callers render buffers already laid out as the uAPI expects.
type passthroughCodec struct {
	name     string
	bindings []codecBinding
	device   []v4l2.Control
	payloads map[BufferKind][]byte
}

const (
	decodeModeSliceBased = 0
	startCodeAnnexB      = 1
)

func newCodec(p Profile) (Codec, error) {
	c := &passthroughCodec{payloads: map[BufferKind][]byte{}}
	switch p.family() {
	case familyMPEG2:
		c.name = "mpeg2"
		c.bindings = []codecBinding{
			{BufferSequenceParameter, v4l2.CidStatelessMPEG2Sequence},
			{BufferPictureParameter, v4l2.CidStatelessMPEG2Picture},
			{BufferIQMatrix, v4l2.CidStatelessMPEG2Quantisation},
		}
	case familyH264:
		c.name = "h264"
		c.bindings = []codecBinding{
			{BufferSequenceParameter, v4l2.CidStatelessH264SPS},
			{BufferPictureParameter, v4l2.CidStatelessH264PPS},
			{BufferIQMatrix, v4l2.CidStatelessH264ScalingMatrix},
			{BufferDecodeParameter, v4l2.CidStatelessH264DecodeParams},
			{BufferSliceParameter, v4l2.CidStatelessH264SliceParams},
			{BufferPredWeight, v4l2.CidStatelessH264PredWeights},
		}
		c.device = []v4l2.Control{
			{ID: v4l2.CidStatelessH264DecodeMode, Value: decodeModeSliceBased},
			{ID: v4l2.CidStatelessH264StartCode, Value: startCodeAnnexB},
		}
	case familyHEVC:
		c.name = "hevc"
		c.bindings = []codecBinding{
			{BufferSequenceParameter, v4l2.CidStatelessHEVCSPS},
			{BufferPictureParameter, v4l2.CidStatelessHEVCPPS},
			{BufferIQMatrix, v4l2.CidStatelessHEVCScalingMatrix},
			{BufferDecodeParameter, v4l2.CidStatelessHEVCDecodeParams},
			{BufferSliceParameter, v4l2.CidStatelessHEVCSliceParams},
		}
		c.device = []v4l2.Control{
			{ID: v4l2.CidStatelessHEVCDecodeMode, Value: decodeModeSliceBased},
			{ID: v4l2.CidStatelessHEVCStartCode, Value: startCodeAnnexB},
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProfile, p)
	}
	return c, nil
}

func (c *passthroughCodec) Store(kind BufferKind, data []byte) error {
	if kind == BufferSliceData {
		return fmt.Errorf("%w: %s is not a control payload", ErrInvalidBuffer, kind)
	}
	for _, b := range c.bindings {
		if b.kind == kind {
			c.payloads[kind] = append(c.payloads[kind][:0], data...)
			return nil
		}
	}
	log.Debugf("%s: ignoring %s buffer", c.name, kind)
	return nil
}

func (c *passthroughCodec) DeviceControls() []v4l2.Control {
	return c.device
}

func (c *passthroughCodec) RequestControls() []v4l2.Control {
	ctrls := make([]v4l2.Control, 0, len(c.bindings))
	for _, b := range c.bindings {
		p, ok := c.payloads[b.kind]
		if !ok {
			continue
		}
		ctrls = append(ctrls, v4l2.Control{ID: b.id, Payload: p})
	}
	return ctrls
}
