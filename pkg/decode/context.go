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

	"github.com/google/uuid"

	"github.com/srediag/v4l2-request/pkg/media"
)

type decodeContext struct {
	id      ID
	config  *decodeConfig
	width   uint32
	height  uint32
	ctrl    *media.Controller
	codec   Codec
	stash   *BitStash
	traceID uuid.UUID

	// surfaces bound at creation, given frame buffers when streaming starts
	surfaces []ID
	// render is the surface between BeginPicture and EndPicture
	render ID
	// reqOne is set until the first request of a picture carried the frame
	reqOne bool
}

// CreateContext opens the decoder for the config's profile and sets its
// bitstream format. surfaces, which may be empty, are the render targets the
// caller intends to use.
func (d *Driver) CreateContext(configID ID, width, height uint32, surfaces ...ID) (ID, error) {
	if err := d.checkOpen(); err != nil {
		return InvalidID, err
	}
	cfg, ok := d.configs.get(configID)
	if !ok {
		return InvalidID, ErrInvalidConfig
	}
	if width == 0 || height == 0 {
		return InvalidID, fmt.Errorf("%w: %dx%d", ErrInvalidParameter, width, height)
	}
	for _, sid := range surfaces {
		if _, ok := d.surfaces.get(sid); !ok {
			return InvalidID, fmt.Errorf("%w: %#x", ErrInvalidSurface, sid)
		}
	}
	pixfmt := cfg.profile.SourceFormat()
	dev, err := d.findDevice(cfg.profile)
	if err != nil {
		return InvalidID, err
	}
	codec, err := newCodec(cfg.profile)
	if err != nil {
		return InvalidID, err
	}

	vdev, err := d.opts.OpenVideo(dev.VideoPath)
	if err != nil {
		log.Errorf("open %s: %v", dev.VideoPath, err)
		return InvalidID, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	ctrl, err := media.NewController(vdev, d.pq, d.opts.Media)
	if err != nil {
		_ = vdev.Close()
		return InvalidID, err
	}
	if err := ctrl.SetSrcFormat(pixfmt, width, height); err != nil {
		ctrl.Unref()
		return InvalidID, err
	}

	c := &decodeContext{
		config:   cfg,
		width:    width,
		height:   height,
		ctrl:     ctrl,
		codec:    codec,
		stash:    NewBitStash(),
		traceID:  uuid.New(),
		surfaces: append([]ID(nil), surfaces...),
		render:   InvalidID,
	}
	c.id = d.contexts.add(c)
	log.Infof("context %#x (%s): %s %dx%d on %s", c.id, c.traceID, cfg.profile, width, height, dev.VideoPath)
	return c.id, nil
}

// DestroyContext drops the context's hold on its decoder. Surfaces keep their
// frame buffers, and the device, until they are destroyed or rebound.
func (d *Driver) DestroyContext(id ID) error {
	c, ok := d.contexts.remove(id)
	if !ok {
		return ErrInvalidContext
	}
	c.stash.Release()
	c.ctrl.Unref()
	log.Debugf("context %#x destroyed", id)
	return nil
}

// ContextTraceID is the id tagging the context's log lines and spans.
func (d *Driver) ContextTraceID(id ID) (uuid.UUID, error) {
	c, ok := d.contexts.get(id)
	if !ok {
		return uuid.Nil, ErrInvalidContext
	}
	return c.traceID, nil
}

// startStream runs once, on the first EndPicture holding picture parameters.
func (d *Driver) startStream(c *decodeContext, target *surface) error {
	if !c.stash.Has(BufferPictureParameter) {
		log.Errorf("context %#x: no picture parameters before stream start", c.id)
		return fmt.Errorf("%w: stream needs picture parameters", ErrInvalidParameter)
	}
	if ctrls := c.codec.DeviceControls(); len(ctrls) > 0 {
		if err := c.ctrl.SetControls(ctrls); err != nil {
			return err
		}
	}
	if err := c.ctrl.SetDstFormat(c.config.rt, c.width, c.height); err != nil {
		return err
	}
	if err := c.ctrl.CreateSrcPool(d.alloc, d.opts.SourceBuffers); err != nil {
		return err
	}
	for _, sid := range c.surfaces {
		s, ok := d.surfaces.get(sid)
		if !ok {
			continue
		}
		if err := d.attach(c, s); err != nil {
			return err
		}
	}
	if err := d.attach(c, target); err != nil {
		return err
	}
	if err := c.ctrl.StreamOn(); err != nil {
		return err
	}
	log.Infof("context %#x: streaming with %d source buffers", c.id, c.ctrl.SrcPoolSize())
	return nil
}
