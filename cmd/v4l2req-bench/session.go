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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/internal/v4l2/fakekernel"
	"github.com/srediag/v4l2-request/pkg/config"
	"github.com/srediag/v4l2-request/pkg/decode"
	"github.com/srediag/v4l2-request/pkg/devscan"
	"github.com/srediag/v4l2-request/pkg/media"
)

const (
	benchSurfaces = 4
	// synthetic payload sizes
	paramSize = 64
	sliceSize = 4096
)

// Bench describes the synthetic stream every session decodes.
type Bench struct {
	Config   *config.Config
	Metrics  *media.Metrics
	Profile  decode.Profile
	Frames   int
	Chunks   int
	Width    uint32
	Height   uint32
	Simulate bool
}

// Result is the outcome of one session.
type Result struct {
	Frames       int
	DecodeErrors int
	Elapsed      time.Duration
	Err          error
}

func (b *Bench) Verify() error {
	if b.Frames < 1 {
		return fmt.Errorf("frames must be at least 1, got %d", b.Frames)
	}
	if b.Chunks < 1 {
		return fmt.Errorf("chunks must be at least 1, got %d", b.Chunks)
	}
	if b.Width == 0 || b.Height == 0 {
		return fmt.Errorf("invalid size %dx%d", b.Width, b.Height)
	}
	if sliceSize > b.Config.SourceSizeMax {
		return fmt.Errorf("source_size_max %d is below the %d byte slices", b.Config.SourceSizeMax, sliceSize)
	}
	return nil
}

func (b *Bench) options() (*decode.Options, error) {
	cfg := b.Config
	opts := cfg.DecodeOptions(b.Metrics)
	if b.Simulate {
		k := fakekernel.New()
		opts.Devices = devscan.Static("/dev/video-sim", "/dev/media-sim")
		opts.OpenVideo = func(string) (v4l2.Device, error) { return k.Video(), nil }
		opts.OpenMedia = func(string) (v4l2.MediaDevice, error) { return k.Media(), nil }
		opts.Poller = k
		c := *cfg
		c.UseMemfd = true
		cfg = &c
	} else {
		devs, err := cfg.Devices()
		if err != nil {
			return nil, err
		}
		opts.Devices = devs
	}
	a, err := cfg.NewAllocator()
	if err != nil {
		return nil, err
	}
	opts.Allocator = a
	return opts, nil
}

// Run decodes the synthetic stream once.
func (b *Bench) Run(ctx context.Context, id int) (res Result) {
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
	}()
	opts, err := b.options()
	if err != nil {
		res.Err = err
		return res
	}
	d, err := decode.New(opts)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := d.Terminate(context.Background()); err != nil {
			log.Warnf("session %d: terminate: %v", id, err)
		}
	}()
	res.Err = b.decode(ctx, d, &res)
	return res
}

func (b *Bench) decode(ctx context.Context, d *decode.Driver, res *Result) error {
	rt := media.RTFormatYUV420
	if b.Profile == decode.ProfileHEVCMain10 {
		rt = media.RTFormatYUV420_10
	}
	cfgID, err := d.CreateConfig(b.Profile, rt)
	if err != nil {
		return err
	}
	surfs, err := d.CreateSurfaces(rt, b.Width, b.Height, benchSurfaces)
	if err != nil {
		return err
	}
	c, err := d.CreateContext(cfgID, b.Width, b.Height, surfs...)
	if err != nil {
		return err
	}

	mk := func(kind decode.BufferKind, size int, fill byte) (decode.ID, error) {
		id, err := d.CreateBuffer(c, kind, size, 1, nil)
		if err != nil {
			return decode.InvalidID, err
		}
		m, err := d.MapBuffer(id)
		if err != nil {
			return decode.InvalidID, err
		}
		for i := range m {
			m[i] = fill
		}
		return id, nil
	}
	seq, err := mk(decode.BufferSequenceParameter, paramSize, 0x10)
	if err != nil {
		return err
	}
	pic, err := mk(decode.BufferPictureParameter, paramSize, 0x20)
	if err != nil {
		return err
	}
	sp, err := mk(decode.BufferSliceParameter, paramSize, 0x30)
	if err != nil {
		return err
	}
	data, err := mk(decode.BufferSliceData, sliceSize, 0x40)
	if err != nil {
		return err
	}

	for f := 0; f < b.Frames; f++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		surf := surfs[f%len(surfs)]
		if err := d.BeginPicture(ctx, c, surf); err != nil {
			return err
		}
		if err := d.RenderPicture(c, seq, pic); err != nil {
			return err
		}
		for i := 0; i < b.Chunks; i++ {
			if err := d.RenderPicture(c, sp, data); err != nil {
				return err
			}
		}
		if err := d.EndPicture(ctx, c); err != nil {
			return err
		}
		err := d.SyncSurface(ctx, surf)
		switch {
		case errors.Is(err, decode.ErrDecodingError):
			res.DecodeErrors++
		case err != nil:
			return err
		default:
			res.Frames++
		}
	}
	return nil
}
