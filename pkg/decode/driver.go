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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/devscan"
	"github.com/srediag/v4l2-request/pkg/dmabuf"
	"github.com/srediag/v4l2-request/pkg/media"
	"github.com/srediag/v4l2-request/pkg/pollqueue"
)

const (
	instrumentationName = "github.com/srediag/v4l2-request/pkg/decode"

	defaultRequests      = 6
	defaultSourceBuffers = 6
	defaultWaitTimeout   = 10 * time.Second
)

// DeviceFinder locates the decoder for a bitstream format. 0 asks for any
// decoder.
type DeviceFinder interface {
	Find(pixfmt uint32) (devscan.Device, bool)
}

// Options configures a Driver.
type Options struct {
	// Devices is scanned from the system when nil.
	Devices DeviceFinder
	// OpenVideo and OpenMedia open device nodes. They default to the kernel.
	OpenVideo func(path string) (v4l2.Device, error)
	OpenMedia func(path string) (v4l2.MediaDevice, error)
	// Allocator backs bitstream and frame buffers. The Driver owns it and
	// closes it on Terminate. A dma heap is opened when nil.
	Allocator dmabuf.Allocator
	// Poller replaces poll(2), for tests.
	Poller pollqueue.Poller
	// Requests is the size of the shared media request pool.
	Requests int
	// SourceBuffers is the number of bitstream buffers per context.
	SourceBuffers int
	// WaitTimeout bounds every blocking wait on the poll queue.
	WaitTimeout time.Duration
	// Media tunes the request pool and the per context controllers.
	Media *media.Config
	// Tracer and Meter default to no-op implementations.
	Tracer trace.Tracer
	Meter  metric.Meter
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		OpenVideo:     v4l2.Open,
		OpenMedia:     v4l2.OpenMedia,
		Requests:      defaultRequests,
		SourceBuffers: defaultSourceBuffers,
		WaitTimeout:   defaultWaitTimeout,
		Media:         media.DefaultConfig(),
	}
}

// VerifyOptions checks o and fills the optional fields except Devices and
// Allocator, which need system access.
func VerifyOptions(o *Options) error {
	if o.Requests <= 0 {
		return fmt.Errorf("requests must be positive, got %d", o.Requests)
	}
	if o.SourceBuffers <= 0 {
		return fmt.Errorf("source buffers must be positive, got %d", o.SourceBuffers)
	}
	if o.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must not be negative, got %v", o.WaitTimeout)
	}
	if o.Media == nil {
		o.Media = media.DefaultConfig()
	}
	if err := media.VerifyConfig(o.Media); err != nil {
		return err
	}
	if o.OpenVideo == nil {
		o.OpenVideo = v4l2.Open
	}
	if o.OpenMedia == nil {
		o.OpenMedia = v4l2.OpenMedia
	}
	if o.Tracer == nil {
		o.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if o.Meter == nil {
		o.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	return nil
}

type decodeConfig struct {
	profile Profile
	rt      media.RTFormat
}

// Driver is one decode session backend: the shared media request pool plus
// every object created through it.
type Driver struct {
	opts  *Options
	pq    *pollqueue.Queue
	pool  *media.RequestPool
	alloc dmabuf.Allocator

	// media node the request pool was opened on
	mediaPath string

	configs  *store[*decodeConfig]
	contexts *store[*decodeContext]
	surfaces *store[*surface]
	buffers  *store[*buffer]

	tracer   trace.Tracer
	bytesIn  metric.Int64Counter
	requests metric.Int64Counter
	pictures metric.Int64Counter
	frameSeq int64
	closed   bool
}

// New opens the media device of the first decoder found and creates the
// request pool.
func New(opts *Options) (*Driver, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := VerifyOptions(opts); err != nil {
		return nil, err
	}
	if opts.Devices == nil {
		r, err := devscan.Scan()
		if err != nil {
			return nil, err
		}
		opts.Devices = r
	}
	dev, ok := opts.Devices.Find(0)
	if !ok {
		return nil, devscan.ErrNoDevice
	}

	d := &Driver{
		opts:      opts,
		mediaPath: dev.MediaPath,
		configs:   newStore[*decodeConfig](configIDBase),
		contexts:  newStore[*decodeContext](contextIDBase),
		surfaces:  newStore[*surface](surfaceIDBase),
		buffers:   newStore[*buffer](bufferIDBase),
		tracer:    opts.Tracer,
	}
	if err := d.initMetrics(opts.Meter); err != nil {
		return nil, err
	}

	d.alloc = opts.Allocator
	if d.alloc == nil {
		a, err := defaultAllocator()
		if err != nil {
			log.Errorf("no dma-buf allocator: %v", err)
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		d.alloc = a
	}

	qopts := []pollqueue.Option{pollqueue.WithWaitTimeout(opts.WaitTimeout)}
	if opts.Poller != nil {
		qopts = append(qopts, pollqueue.WithPoller(opts.Poller))
	}
	d.pq = pollqueue.New(qopts...)

	md, err := opts.OpenMedia(dev.MediaPath)
	if err != nil {
		log.Errorf("open %s: %v", dev.MediaPath, err)
		_ = d.alloc.Close()
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	d.pool, err = media.NewRequestPool(md, d.pq, opts.Requests, opts.Media)
	if err != nil {
		_ = d.alloc.Close()
		return nil, err
	}
	log.Infof("driver ready on %s with %d requests", dev.MediaPath, opts.Requests)
	return d, nil
}

func (d *Driver) initMetrics(m metric.Meter) error {
	var err error
	if d.bytesIn, err = m.Int64Counter("decode.bitstream.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Slice data bytes copied into bitstream buffers.")); err != nil {
		return err
	}
	if d.requests, err = m.Int64Counter("decode.requests",
		metric.WithDescription("Media requests submitted by EndPicture.")); err != nil {
		return err
	}
	if d.pictures, err = m.Int64Counter("decode.pictures",
		metric.WithDescription("Pictures submitted by EndPicture.")); err != nil {
		return err
	}
	return nil
}

func (d *Driver) checkOpen() error {
	if d.closed {
		return ErrTerminated
	}
	return nil
}

// Profiles lists the profiles a decoder was found for.
func (d *Driver) Profiles() []Profile {
	var ps []Profile
	for _, p := range allProfiles {
		if _, err := d.findDevice(p); err == nil {
			ps = append(ps, p)
		}
	}
	return ps
}

// findDevice returns the decoder for p. Requests can only be queued on video
// nodes behind the media node the request pool uses.
func (d *Driver) findDevice(p Profile) (devscan.Device, error) {
	dev, ok := d.opts.Devices.Find(p.SourceFormat())
	if !ok {
		return devscan.Device{}, fmt.Errorf("%w: no decoder for %s", ErrUnsupportedProfile, p)
	}
	if dev.MediaPath != d.mediaPath {
		return devscan.Device{}, fmt.Errorf("%w: %s decodes on %s, requests come from %s",
			ErrUnsupportedProfile, p, dev.MediaPath, d.mediaPath)
	}
	return dev, nil
}

// CreateConfig binds a profile to a render target format.
func (d *Driver) CreateConfig(p Profile, rt media.RTFormat) (ID, error) {
	if err := d.checkOpen(); err != nil {
		return InvalidID, err
	}
	if p.family() == familyUnknown {
		return InvalidID, fmt.Errorf("%w: %s", ErrUnsupportedProfile, p)
	}
	if _, err := d.findDevice(p); err != nil {
		return InvalidID, err
	}
	if !p.SupportsRTFormat(rt) {
		return InvalidID, fmt.Errorf("%w: %s with %s", ErrUnsupportedRTFormat, rt, p)
	}
	id := d.configs.add(&decodeConfig{profile: p, rt: rt})
	log.Debugf("config %#x: %s %s", id, p, rt)
	return id, nil
}

// ConfigAttributes returns the profile and format of a config.
func (d *Driver) ConfigAttributes(id ID) (Profile, media.RTFormat, error) {
	c, ok := d.configs.get(id)
	if !ok {
		return 0, 0, ErrInvalidConfig
	}
	return c.profile, c.rt, nil
}

func (d *Driver) DestroyConfig(id ID) error {
	if _, ok := d.configs.remove(id); !ok {
		return ErrInvalidConfig
	}
	return nil
}

// Terminate destroys every object, waits for in-flight buffers and closes the
// request pool and the allocator.
func (d *Driver) Terminate(ctx context.Context) error {
	if d.closed {
		return nil
	}
	for _, id := range d.buffers.ids() {
		_ = d.DestroyBuffer(id)
	}
	for _, id := range d.surfaces.ids() {
		_ = d.DestroySurfaces(ctx, id)
	}
	for _, id := range d.contexts.ids() {
		_ = d.DestroyContext(id)
	}
	for _, id := range d.configs.ids() {
		_ = d.DestroyConfig(id)
	}
	var errs []error
	if err := d.pq.WaitUntil(ctx, func() bool { return d.pq.Pending() == 0 }, d.opts.Media.WaitInterval); err != nil {
		log.Warnf("terminate: %d poll tasks still pending: %v", d.pq.Pending(), err)
		errs = append(errs, err)
	}
	d.pool.Close()
	if err := d.alloc.Close(); err != nil {
		errs = append(errs, err)
	}
	d.closed = true
	return errors.Join(errs...)
}
