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
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/pkg/media"
)

// BeginPicture starts a picture on a surface. A surface still decoding an
// earlier picture is synced first.
func (d *Driver) BeginPicture(ctx context.Context, ctxID, surfaceID ID) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	c, ok := d.contexts.get(ctxID)
	if !ok {
		return ErrInvalidContext
	}
	s, ok := d.surfaces.get(surfaceID)
	if !ok {
		return ErrInvalidSurface
	}
	busy := false
	d.contexts.each(func(id ID, other *decodeContext) {
		if id != ctxID && other.render == surfaceID {
			busy = true
		}
	})
	if busy {
		return fmt.Errorf("%w: %#x", ErrSurfaceBusy, surfaceID)
	}
	if s.status == SurfaceRendering {
		if err := d.SyncSurface(ctx, surfaceID); err != nil {
			log.Warnf("surface %#x: sync of previous picture: %v", surfaceID, err)
		}
	}
	d.frameSeq++
	s.status = SurfaceRendering
	s.timestamp = unix.NsecToTimeval(d.frameSeq * 1000)
	c.render = surfaceID
	c.reqOne = true
	c.stash.Reset()
	return nil
}

// RenderPicture records buffers into the current picture. Nothing reaches the
// kernel until EndPicture.
func (d *Driver) RenderPicture(ctxID ID, bufIDs ...ID) error {
	c, ok := d.contexts.get(ctxID)
	if !ok {
		return ErrInvalidContext
	}
	if c.render == InvalidID {
		return fmt.Errorf("%w: no picture begun", ErrInvalidParameter)
	}
	bufs := make([]*buffer, len(bufIDs))
	for i, id := range bufIDs {
		b, ok := d.buffers.get(id)
		if !ok || b.ctxID != ctxID {
			return fmt.Errorf("%w: %#x", ErrInvalidBuffer, id)
		}
		bufs[i] = b
	}
	for _, b := range bufs {
		c.stash.Add(b.kind, b.data, false)
	}
	c.stash.MarkLast()
	return nil
}

// EndPicture replays the picture's records into media requests. Parameter
// records update the codec state; slice data is copied into bitstream
// buffers, and a request is submitted after the last record of each render
// call and before any parameter record that follows slice data. The request
// holding the final slice data completes the frame.
func (d *Driver) EndPicture(ctx context.Context, ctxID ID) (err error) {
	if err := d.checkOpen(); err != nil {
		return err
	}
	c, ok := d.contexts.get(ctxID)
	if !ok {
		return ErrInvalidContext
	}
	s, ok := d.surfaces.get(c.render)
	if !ok {
		return fmt.Errorf("%w: no picture begun", ErrInvalidSurface)
	}
	c.render = InvalidID

	ctx, span := d.tracer.Start(ctx, "decode.EndPicture", trace.WithAttributes(
		attribute.String("decode.context", c.traceID.String()),
		attribute.String("decode.profile", c.config.profile.String()),
		attribute.Int("decode.records", c.stash.Len()),
		attribute.Int("decode.bytes", c.stash.Size()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if s.entry == nil || s.entry.Status() != media.StatusWaiting {
				s.status = SurfaceReady
			}
		}
		span.End()
	}()

	if !c.ctrl.Streaming() {
		if err = d.startStream(c, s); err != nil {
			return err
		}
	}
	if err = d.attach(c, s); err != nil {
		return err
	}
	if err = d.replay(ctx, c, s); err != nil {
		return err
	}
	d.pictures.Add(ctx, 1, metric.WithAttributes(attribute.String("decode.profile", c.config.profile.String())))
	return nil
}

func (d *Driver) replay(ctx context.Context, c *decodeContext, s *surface) error {
	lastData := c.stash.LastIndex(BufferSliceData)
	if lastData < 0 {
		return fmt.Errorf("%w: picture has no slice data", ErrInvalidParameter)
	}
	var src *media.Entry
	n := c.stash.Len()
	for i := 0; i < n; i++ {
		kind, data, last := c.stash.Record(i)
		if src != nil && kind != BufferSliceData {
			// parameters of the next slice
			if err := d.flush(ctx, c, s, src, i > lastData); err != nil {
				return err
			}
			src = nil
		}
		if kind == BufferSliceData {
			if src == nil {
				e, err := c.ctrl.GetSrc(ctx)
				if err != nil {
					return err
				}
				e.SetTimestamp(s.timestamp)
				src = e
			}
			if err := src.Append(data); err != nil {
				c.ctrl.PutSrc(src)
				return err
			}
			d.bytesIn.Add(ctx, int64(len(data)))
		} else if err := c.codec.Store(kind, data); err != nil {
			return err
		}
		if src != nil && (last || i == n-1) {
			if err := d.flush(ctx, c, s, src, i >= lastData); err != nil {
				return err
			}
			src = nil
		}
	}
	return nil
}

// flush submits src with the current codec controls. The frame buffer rides
// on the first request of the picture.
func (d *Driver) flush(ctx context.Context, c *decodeContext, s *surface, src *media.Entry, isLast bool) error {
	ctx, span := d.tracer.Start(ctx, "decode.flush", trace.WithAttributes(
		attribute.Bool("decode.last", isLast),
		attribute.Int("decode.src.bytes", src.Buffer(0).Len()),
	))
	defer span.End()

	req, err := d.pool.Get(ctx)
	if err != nil {
		c.ctrl.PutSrc(src)
		return err
	}
	if err := c.ctrl.SetRequestControls(req, c.codec.RequestControls()); err != nil {
		req.Release()
		c.ctrl.PutSrc(src)
		return err
	}
	var dst *media.Entry
	if c.reqOne {
		dst = s.entry
	}
	if err := c.ctrl.StartRequest(req, src, dst, isLast); err != nil {
		return err
	}
	c.reqOne = false
	d.requests.Add(ctx, 1)
	log.Tracef("context %#x: request fd=%d last=%t", c.id, req.Fd(), isLast)
	return nil
}
