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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/media"
)

func TestBitStash(t *testing.T) {
	s := NewBitStash()
	defer s.Release()

	src := []byte("pps")
	s.Add(BufferPictureParameter, src, false)
	s.Add(BufferSliceData, []byte{1, 2, 3}, false)
	s.MarkLast()
	src[0] = 'X'

	require.Equal(t, 2, s.Len())
	assert.Equal(t, 6, s.Size())
	kind, data, last := s.Record(0)
	assert.Equal(t, BufferPictureParameter, kind)
	assert.Equal(t, []byte("pps"), data, "payload is copied")
	assert.False(t, last)
	kind, data, last = s.Record(1)
	assert.Equal(t, BufferSliceData, kind)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.True(t, last)
	assert.Equal(t, 3, cap(data), "records cannot grow into their neighbours")

	assert.True(t, s.Has(BufferSliceData))
	assert.Equal(t, -1, s.LastIndex(BufferIQMatrix))

	s.Reset()
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Size())
	assert.False(t, s.Has(BufferPictureParameter))
	s.MarkLast()

	s.Release()
	s.Release()
}

func TestPassthroughCodec(t *testing.T) {
	c, err := newCodec(ProfileHEVCMain)
	require.NoError(t, err)
	assert.Empty(t, c.RequestControls())

	sps := []byte("sps")
	require.NoError(t, c.Store(BufferSequenceParameter, sps))
	require.NoError(t, c.Store(BufferPredWeight, []byte("ignored")))
	require.NoError(t, c.Store(BufferSliceParameter, []byte("one")))
	require.NoError(t, c.Store(BufferSliceParameter, []byte("two")))
	sps[0] = 'X'
	assert.ErrorIs(t, c.Store(BufferSliceData, nil), ErrInvalidBuffer)

	ctrls := c.RequestControls()
	require.Len(t, ctrls, 2)
	assert.Equal(t, uint32(v4l2.CidStatelessHEVCSPS), ctrls[0].ID)
	assert.Equal(t, []byte("sps"), ctrls[0].Payload)
	assert.Equal(t, uint32(v4l2.CidStatelessHEVCSliceParams), ctrls[1].ID)
	assert.Equal(t, []byte("two"), ctrls[1].Payload)
	assert.Len(t, c.DeviceControls(), 2)

	c, err = newCodec(ProfileMPEG2Simple)
	require.NoError(t, err)
	assert.Empty(t, c.DeviceControls())

	_, err = newCodec(Profile(0))
	assert.ErrorIs(t, err, ErrUnsupportedProfile)
}

func TestProfiles(t *testing.T) {
	for _, p := range allProfiles {
		assert.NotZero(t, p.SourceFormat(), p.String())
		assert.True(t, p.SupportsRTFormat(media.RTFormatYUV420), p.String())
		got, err := ParseProfile(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	assert.Equal(t, v4l2.PixFmtMPEG2Slice, ProfileMPEG2Simple.SourceFormat())
	assert.Equal(t, v4l2.PixFmtH264Slice, ProfileH264StereoHigh.SourceFormat())
	assert.Equal(t, v4l2.PixFmtHEVCSlice, ProfileHEVCMain10.SourceFormat())
	assert.True(t, ProfileHEVCMain10.SupportsRTFormat(media.RTFormatYUV420_10))
	assert.False(t, ProfileHEVCMain.SupportsRTFormat(media.RTFormatYUV420_10))
	assert.Zero(t, Profile(42).SourceFormat())
	assert.Equal(t, "profile(42)", Profile(42).String())
	_, err := ParseProfile("vp9")
	assert.ErrorIs(t, err, ErrUnsupportedProfile)
	assert.Equal(t, "slice-data", BufferSliceData.String())
	assert.Equal(t, "displaying", SurfaceDisplaying.String())
}

func TestStoreRanges(t *testing.T) {
	a := newStore[int](contextIDBase)
	b := newStore[int](surfaceIDBase)
	ids := []ID{a.add(1), a.add(2), a.add(3)}
	sid := b.add(4)

	assert.Equal(t, ids, a.ids())
	_, ok := a.get(sid)
	assert.False(t, ok)
	v, ok := a.remove(ids[1])
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = a.remove(ids[1])
	assert.False(t, ok)
	assert.Equal(t, 2, a.count())
	assert.NotEqual(t, ids[2], a.add(5), "ids are not reused")
}
