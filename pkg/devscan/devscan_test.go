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

package devscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/internal/v4l2/fakekernel"
)

func mkSysfs(t *testing.T, nodes map[string]string) string {
	root := t.TempDir()
	for video, media := range nodes {
		dir := filepath.Join(root, "class", "video4linux", video, "device")
		if media != "" {
			dir = filepath.Join(dir, media)
		}
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return root
}

func opener(kernels map[string]*fakekernel.Kernel) func(string) (v4l2.Device, error) {
	return func(path string) (v4l2.Device, error) {
		k, ok := kernels[path]
		if !ok {
			return nil, unix.ENOENT
		}
		return k.Video(), nil
	}
}

func TestScanFindsDecoders(t *testing.T) {
	noHold := fakekernel.New()
	noHold.SetBufferCaps(v4l2.BufCapSupportsMMAP | v4l2.BufCapSupportsDMABuf | v4l2.BufCapSupportsRequests)

	hevcOnly := fakekernel.New()
	hevcOnly.SetMultiPlanar(true)
	hevcOnly.SetFormats(v4l2.BufTypeVideoOutputMPlane, []v4l2.FmtDesc{
		{PixelFormat: v4l2.FourCC('J', 'P', 'E', 'G')},
		{PixelFormat: v4l2.PixFmtHEVCSlice},
	})

	s := &Scanner{
		SysRoot: mkSysfs(t, map[string]string{
			"video0":  "media0",
			"video1":  "",
			"video2":  "media1",
			"video10": "media2",
		}),
		DevRoot: "/dev",
		Open: opener(map[string]*fakekernel.Kernel{
			"/dev/video0":  fakekernel.New(),
			"/dev/video1":  fakekernel.New(),
			"/dev/video2":  noHold,
			"/dev/video10": hevcOnly,
		}),
	}

	r, err := s.Scan()
	require.NoError(t, err)
	devs := r.Devices()
	require.Len(t, devs, 4)

	d, ok := r.Find(v4l2.PixFmtMPEG2Slice)
	require.True(t, ok)
	assert.Equal(t, "/dev/video0", d.VideoPath)
	assert.Equal(t, "/dev/media0", d.MediaPath)
	assert.Equal(t, v4l2.BufTypeVideoOutput, d.Type)

	d, ok = r.Find(v4l2.PixFmtHEVCSlice)
	require.True(t, ok)
	assert.Equal(t, "/dev/video0", d.VideoPath, "first match wins")

	d, ok = r.Find(0)
	require.True(t, ok)
	assert.Equal(t, devs[0], d)

	last := devs[len(devs)-1]
	assert.Equal(t, "/dev/video10", last.VideoPath)
	assert.Equal(t, "/dev/media2", last.MediaPath)
	assert.Equal(t, v4l2.BufTypeVideoOutputMPlane, last.Type)
	assert.Equal(t, v4l2.PixFmtHEVCSlice, last.SourceFormat)

	for _, d := range devs {
		assert.NotEqual(t, "/dev/video2", d.VideoPath, "device without hold support")
	}
}

func TestScanNothingUsable(t *testing.T) {
	s := &Scanner{
		SysRoot: mkSysfs(t, map[string]string{"video0": "media0"}),
		DevRoot: "/dev",
		Open:    opener(nil),
	}
	r, err := s.Scan()
	assert.ErrorIs(t, err, ErrNoDevice)
	_, ok := r.Find(0)
	assert.False(t, ok)

	s.SysRoot = t.TempDir()
	_, err = s.Scan()
	assert.Error(t, err)
}

func TestStaticAndEnv(t *testing.T) {
	r := Static("/dev/video7", "/dev/media3")
	d, ok := r.Find(v4l2.PixFmtH264Slice)
	require.True(t, ok)
	assert.Equal(t, "/dev/video7", d.VideoPath)
	assert.Equal(t, "/dev/media3", d.MediaPath)
	assert.Equal(t, v4l2.PixFmtH264Slice, d.SourceFormat)
	assert.Len(t, r.Devices(), 1)

	t.Setenv(EnvVideoPath, "/dev/video4")
	t.Setenv(EnvMediaPath, "")
	_, ok = FromEnv()
	assert.False(t, ok, "both paths are needed")

	t.Setenv(EnvMediaPath, "/dev/media4")
	r, err := Scan()
	require.NoError(t, err)
	d, ok = r.Find(0)
	require.True(t, ok)
	assert.Equal(t, "/dev/video4", d.VideoPath)
	assert.Equal(t, "/dev/media4", d.MediaPath)
}
