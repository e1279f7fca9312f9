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

// Package devscan finds stateless decoders: pairs of a video node able to
// take a slice format on its OUTPUT queue with media requests, and the media
// node that allocates those requests.
package devscan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/srediag/v4l2-request/internal/debuglog"
	"github.com/srediag/v4l2-request/internal/v4l2"
)

const (
	EnvVideoPath = "LIBVA_V4L2_REQUEST_VIDEO_PATH"
	EnvMediaPath = "LIBVA_V4L2_REQUEST_MEDIA_PATH"

	// probe size used when checking that a slice format is settable
	probeWidth  = 720
	probeHeight = 480

	requiredBufCaps = v4l2.BufCapSupportsDMABuf | v4l2.BufCapSupportsRequests | v4l2.BufCapSupportsM2MHoldCaptureBuf
)

var log = debuglog.New("devscan")

// ErrNoDevice is returned when no usable decoder was found.
var ErrNoDevice = errors.New("devscan: no usable v4l2 request device")

// Device is one decoder able to accept SourceFormat.
type Device struct {
	VideoPath    string
	MediaPath    string
	SourceFormat uint32
	Type         v4l2.BufType
}

func (d Device) String() string {
	return fmt.Sprintf("%s,%s %s %s", d.MediaPath, d.VideoPath, d.Type, v4l2.FourCCString(d.SourceFormat))
}

// Result is the outcome of a scan.
type Result struct {
	static *Device
	devs   []Device
}

// Static returns a result that answers every lookup with the given paths.
func Static(videoPath, mediaPath string) *Result {
	return &Result{static: &Device{VideoPath: videoPath, MediaPath: mediaPath}}
}

// FromEnv returns Static with the paths from the environment, if both are set.
func FromEnv() (*Result, bool) {
	v, m := os.Getenv(EnvVideoPath), os.Getenv(EnvMediaPath)
	if v == "" || m == "" {
		return nil, false
	}
	log.Infof("media/video device env overrides found: %s,%s", m, v)
	return Static(v, m), true
}

// Find returns the device accepting pixfmt, or the first device when pixfmt
// is 0.
func (r *Result) Find(pixfmt uint32) (Device, bool) {
	if r.static != nil {
		d := *r.static
		d.SourceFormat = pixfmt
		return d, true
	}
	for _, d := range r.devs {
		if pixfmt == 0 || d.SourceFormat == pixfmt {
			return d, true
		}
	}
	return Device{}, false
}

// Devices returns every device found.
func (r *Result) Devices() []Device {
	if r.static != nil {
		return []Device{*r.static}
	}
	return append([]Device(nil), r.devs...)
}

// Scanner walks sysfs for video nodes that have a media node sibling.
type Scanner struct {
	// SysRoot is the sysfs mount point, normally /sys.
	SysRoot string
	// DevRoot holds the device nodes, normally /dev.
	DevRoot string
	// Open opens a video node for probing.
	Open func(path string) (v4l2.Device, error)
}

// NewScanner returns a scanner of the live system.
func NewScanner() *Scanner {
	return &Scanner{SysRoot: "/sys", DevRoot: "/dev", Open: v4l2.Open}
}

// Scan lists the usable decoders. The environment overrides take precedence.
func Scan() (*Result, error) {
	if r, ok := FromEnv(); ok {
		return r, nil
	}
	return NewScanner().Scan()
}

// Scan probes every video4linux node.
func (s *Scanner) Scan() (*Result, error) {
	classDir := filepath.Join(s.SysRoot, "class", "video4linux")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, fmt.Errorf("devscan: read %s: %w", classDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "video") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	r := &Result{}
	for _, name := range names {
		media := mediaSibling(filepath.Join(classDir, name, "device"))
		if media == "" {
			log.Debugf("%s: no media node", name)
			continue
		}
		vpath := filepath.Join(s.DevRoot, name)
		mpath := filepath.Join(s.DevRoot, media)
		devs, err := s.probe(vpath, mpath)
		if err != nil {
			log.Infof("%s: %v", vpath, err)
			continue
		}
		r.devs = append(r.devs, devs...)
	}
	if len(r.devs) == 0 {
		return r, ErrNoDevice
	}
	return r, nil
}

func mediaSibling(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "media") {
			return e.Name()
		}
	}
	return ""
}

func (s *Scanner) probe(vpath, mpath string) ([]Device, error) {
	dev, err := s.Open(vpath)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	c, err := dev.QueryCap()
	if err != nil {
		return nil, err
	}
	caps := c.Caps()
	log.Infof("path=%s capabilities=%#x", vpath, caps)
	if caps&v4l2.CapStreaming == 0 {
		return nil, errors.New("missing required streaming capability")
	}
	if caps&(v4l2.CapVideoM2M|v4l2.CapVideoM2MMPlane) == 0 {
		return nil, errors.New("missing required mem2mem capability")
	}
	var devs []Device
	if caps&v4l2.CapVideoM2M != 0 {
		devs = append(devs, probeFormats(dev, v4l2.BufTypeVideoOutput, vpath, mpath)...)
	}
	if caps&v4l2.CapVideoM2MMPlane != 0 {
		devs = append(devs, probeFormats(dev, v4l2.BufTypeVideoOutputMPlane, vpath, mpath)...)
	}
	return devs, nil
}

func decodeFormatSupported(pixfmt uint32) bool {
	return pixfmt == v4l2.PixFmtH264Slice || pixfmt == v4l2.PixFmtHEVCSlice || pixfmt == v4l2.PixFmtMPEG2Slice
}

func probeFormats(dev v4l2.Device, t v4l2.BufType, vpath, mpath string) []Device {
	var devs []Device
	for i := uint32(0); ; i++ {
		d, err := dev.EnumFormat(t, i)
		if err != nil {
			return devs
		}
		if !decodeFormatSupported(d.PixelFormat) {
			continue
		}
		f := v4l2.Format{Type: t, Width: probeWidth, Height: probeHeight, PixelFormat: d.PixelFormat, NumPlanes: 1}
		if err := dev.SetFormat(&f); err != nil || f.PixelFormat != d.PixelFormat {
			continue
		}
		_, caps, err := dev.RequestBuffers(t, v4l2.MemoryMMAP, 0)
		if err != nil {
			log.Infof("%s: reqbufs failed: %v", vpath, err)
			continue
		}
		if caps&requiredBufCaps != requiredBufCaps {
			log.Infof("%s: buf caps %#x insufficient", vpath, caps)
			continue
		}
		dd := Device{VideoPath: vpath, MediaPath: mpath, SourceFormat: d.PixelFormat, Type: t}
		log.Infof("adding %s", dd)
		devs = append(devs, dd)
	}
}
