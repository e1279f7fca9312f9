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

	"golang.org/x/sys/unix"

	"github.com/srediag/v4l2-request/pkg/media"
)

// SurfaceStatus is the render state of a surface.
type SurfaceStatus int

const (
	SurfaceReady SurfaceStatus = iota
	SurfaceRendering
	SurfaceDisplaying
)

func (s SurfaceStatus) String() string {
	switch s {
	case SurfaceReady:
		return "ready"
	case SurfaceRendering:
		return "rendering"
	case SurfaceDisplaying:
		return "displaying"
	}
	return fmt.Sprintf("surface-status(%d)", int(s))
}

type surface struct {
	id     ID
	rt     media.RTFormat
	width  uint32
	height uint32
	status SurfaceStatus

	// the frame buffer and the controller it was created on, which the
	// surface holds a reference to
	ctxID ID
	ctrl  *media.Controller
	entry *media.Entry

	timestamp unix.Timeval
}

// CreateSurfaces creates n render targets. Frame memory is allocated when a
// surface is first decoded into.
func (d *Driver) CreateSurfaces(rt media.RTFormat, width, height uint32, n int) ([]ID, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if rt != media.RTFormatYUV420 && rt != media.RTFormatYUV420_10 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRTFormat, rt)
	}
	if width == 0 || height == 0 || n <= 0 {
		return nil, fmt.Errorf("%w: %d surfaces of %dx%d", ErrInvalidParameter, n, width, height)
	}
	ids := make([]ID, n)
	for i := range ids {
		s := &surface{rt: rt, width: width, height: height, ctxID: InvalidID}
		s.id = d.surfaces.add(s)
		ids[i] = s.id
	}
	return ids, nil
}

// DestroySurfaces waits for any picture still decoding into the surfaces and
// frees them. It stops at the first unknown id.
func (d *Driver) DestroySurfaces(ctx context.Context, ids ...ID) error {
	for _, id := range ids {
		s, ok := d.surfaces.get(id)
		if !ok {
			return fmt.Errorf("%w: %#x", ErrInvalidSurface, id)
		}
		if s.status == SurfaceRendering {
			if err := d.SyncSurface(ctx, id); err != nil {
				log.Warnf("surface %#x: sync before destroy: %v", id, err)
			}
		}
		d.detach(s)
		d.surfaces.remove(id)
	}
	return nil
}

func (d *Driver) attach(c *decodeContext, s *surface) error {
	if s.entry != nil && s.ctxID == c.id {
		return nil
	}
	d.detach(s)
	e, err := c.ctrl.AllocDstEntry(d.alloc)
	if err != nil {
		log.Errorf("surface %#x: frame buffer for context %#x: %v", s.id, c.id, err)
		return err
	}
	s.entry = e
	s.ctrl = c.ctrl.Ref()
	s.ctxID = c.id
	return nil
}

func (d *Driver) detach(s *surface) {
	if s.entry == nil {
		return
	}
	s.entry.Free()
	s.entry = nil
	s.ctrl.Unref()
	s.ctrl = nil
	s.ctxID = InvalidID
}

// SyncSurface blocks until the last picture rendered to the surface is
// decoded.
func (d *Driver) SyncSurface(ctx context.Context, id ID) error {
	s, ok := d.surfaces.get(id)
	if !ok {
		return ErrInvalidSurface
	}
	if s.status != SurfaceRendering {
		return nil
	}
	if s.entry == nil {
		s.status = SurfaceReady
		return fmt.Errorf("%w: surface %#x has no frame buffer", ErrOperationFailed, id)
	}
	if err := s.ctrl.Wait(ctx, s.entry); err != nil {
		s.status = SurfaceReady
		return err
	}
	s.status = SurfaceDisplaying
	return nil
}

// QuerySurfaceStatus services pending completions without blocking and reports
// a decoded but not yet synced surface as ready.
func (d *Driver) QuerySurfaceStatus(id ID) (SurfaceStatus, error) {
	s, ok := d.surfaces.get(id)
	if !ok {
		return SurfaceReady, ErrInvalidSurface
	}
	if s.status != SurfaceRendering {
		return s.status, nil
	}
	if s.entry == nil {
		return SurfaceReady, nil
	}
	if s.entry.Status() == media.StatusWaiting && d.pq.Pending() > 0 {
		if _, err := d.pq.Step(0); err != nil {
			return s.status, err
		}
	}
	if s.entry.Status() == media.StatusWaiting {
		return SurfaceRendering, nil
	}
	return SurfaceReady, nil
}

// SurfaceTimestamp is the V4L2 timestamp, in nanoseconds, of the last picture
// begun on the surface. Reference lists in codec parameters use it.
func (d *Driver) SurfaceTimestamp(id ID) (uint64, error) {
	s, ok := d.surfaces.get(id)
	if !ok {
		return 0, ErrInvalidSurface
	}
	return uint64(s.timestamp.Nano()), nil
}

// ReadSurface syncs the surface and copies out the planes of its frame.
func (d *Driver) ReadSurface(ctx context.Context, id ID) (media.PicDesc, [][]byte, error) {
	if err := d.SyncSurface(ctx, id); err != nil {
		return media.PicDesc{}, nil, err
	}
	s, _ := d.surfaces.get(id)
	if s == nil || s.entry == nil {
		return media.PicDesc{}, nil, fmt.Errorf("%w: surface %#x was never decoded into", ErrInvalidSurface, id)
	}
	pd, err := d.picDesc(s)
	if err != nil {
		return media.PicDesc{}, nil, err
	}
	if err := s.entry.ReadStart(); err != nil {
		return media.PicDesc{}, nil, err
	}
	defer func() {
		if err := s.entry.ReadStop(); err != nil {
			log.Warnf("surface %#x: end read: %v", id, err)
		}
	}()
	planes := make([][]byte, s.entry.NumPlanes())
	for i := range planes {
		m, err := s.entry.Plane(i)
		if err != nil {
			return media.PicDesc{}, nil, err
		}
		planes[i] = append([]byte(nil), m...)
	}
	return pd, planes, nil
}

// ExportDescriptor is a decoded frame shared by file descriptor. Fds[i]
// backs PicDesc.Objects[i]; the caller closes them.
type ExportDescriptor struct {
	PicDesc media.PicDesc
	Fds     []int
}

// ExportSurface syncs the surface and duplicates the descriptors of its frame.
func (d *Driver) ExportSurface(ctx context.Context, id ID) (ExportDescriptor, error) {
	if err := d.SyncSurface(ctx, id); err != nil {
		return ExportDescriptor{}, err
	}
	s, _ := d.surfaces.get(id)
	if s == nil || s.entry == nil {
		return ExportDescriptor{}, fmt.Errorf("%w: surface %#x was never decoded into", ErrInvalidSurface, id)
	}
	pd, err := d.picDesc(s)
	if err != nil {
		return ExportDescriptor{}, err
	}
	fds, err := s.entry.DupFds()
	if err != nil {
		return ExportDescriptor{}, err
	}
	return ExportDescriptor{PicDesc: pd, Fds: fds}, nil
}

func (d *Driver) picDesc(s *surface) (media.PicDesc, error) {
	f, ok := s.ctrl.DstFormat()
	if !ok {
		return media.PicDesc{}, fmt.Errorf("%w: no frame format", ErrOperationFailed)
	}
	return media.PicDescFromFormat(f)
}
