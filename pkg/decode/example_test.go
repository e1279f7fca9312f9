//go:build linux

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

package decode_test

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/internal/v4l2/fakekernel"
	"github.com/srediag/v4l2-request/pkg/decode"
	"github.com/srediag/v4l2-request/pkg/devscan"
	"github.com/srediag/v4l2-request/pkg/dmabuf"
	"github.com/srediag/v4l2-request/pkg/media"
)

func Example() {
	k := fakekernel.New()
	opts := decode.DefaultOptions()
	opts.Devices = devscan.Static("/dev/video0", "/dev/media0")
	opts.OpenVideo = func(string) (v4l2.Device, error) { return k.Video(), nil }
	opts.OpenMedia = func(string) (v4l2.MediaDevice, error) { return k.Media(), nil }
	opts.Allocator = dmabuf.NewMemfd("example")
	opts.Poller = k

	d, err := decode.New(opts)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer d.Terminate(ctx)

	cfg, _ := d.CreateConfig(decode.ProfileMPEG2Main, media.RTFormatYUV420)
	surfs, _ := d.CreateSurfaces(media.RTFormatYUV420, 720, 480, 1)
	c, _ := d.CreateContext(cfg, 720, 480, surfs...)
	pic, _ := d.CreateBuffer(c, decode.BufferPictureParameter, 4, 1, []byte("pict"))
	data, _ := d.CreateBuffer(c, decode.BufferSliceData, 4, 1, []byte{0, 0, 1, 1})

	_ = d.BeginPicture(ctx, c, surfs[0])
	_ = d.RenderPicture(c, pic, data)
	if err := d.EndPicture(ctx, c); err != nil {
		panic(err)
	}
	exp, err := d.ExportSurface(ctx, surfs[0])
	if err != nil {
		panic(err)
	}
	for _, fd := range exp.Fds {
		_ = unix.Close(fd)
	}
	fmt.Println(v4l2.FourCCString(exp.PicDesc.PixelFormat), exp.PicDesc.Width, exp.PicDesc.Height)
	// Output: NC12 720 480
}
