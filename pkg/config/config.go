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

// Package config loads the settings of a decode backend from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/v4l2-request/internal/debuglog"
	"github.com/srediag/v4l2-request/pkg/decode"
	"github.com/srediag/v4l2-request/pkg/devscan"
	"github.com/srediag/v4l2-request/pkg/media"
)

// Config is the top-level configuration.
type Config struct {
	// VideoPath and MediaPath pin the decoder. Both empty means discover.
	VideoPath string `yaml:"video_path"`
	MediaPath string `yaml:"media_path"`
	// HeapPaths are the dma-heap nodes tried in order.
	HeapPaths []string `yaml:"heap_paths"`
	// UseMemfd allocates buffers from memfd instead of a dma heap.
	UseMemfd      bool     `yaml:"use_memfd"`
	SourceBuffers int      `yaml:"source_buffers"` // bitstream buffers per context
	Requests      int      `yaml:"requests"`       // media requests shared by all contexts
	SourceSizeMax int      `yaml:"source_size_max"`
	PollTimeout   Duration `yaml:"poll_timeout"`  // deadline of a poll task
	WaitTimeout   Duration `yaml:"wait_timeout"`  // bound of a blocking wait, 0 = none
	PumpInterval  Duration `yaml:"pump_interval"` // longest single poll while blocked
	LogLevel      string   `yaml:"log_level"`
}

// Duration wraps time.Duration for YAML unmarshalling from strings like "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HeapPaths:     []string{"/dev/dma_heap/linux,cma", "/dev/dma_heap/reserved"},
		SourceBuffers: 6,
		Requests:      6,
		SourceSizeMax: 1 << 20,
		PollTimeout:   Duration{2 * time.Second},
		WaitTimeout:   Duration{10 * time.Second},
		PumpInterval:  Duration{2 * time.Second},
		LogLevel:      "warn",
	}
}

// VerifyConfig checks c.
func VerifyConfig(c *Config) error {
	if (c.VideoPath == "") != (c.MediaPath == "") {
		return fmt.Errorf("video_path and media_path must be set together")
	}
	if !c.UseMemfd && len(c.HeapPaths) == 0 {
		return fmt.Errorf("heap_paths is empty and use_memfd is off")
	}
	if c.SourceBuffers < 1 {
		return fmt.Errorf("source_buffers must be at least 1, got %d", c.SourceBuffers)
	}
	if c.Requests < 1 {
		return fmt.Errorf("requests must be at least 1, got %d", c.Requests)
	}
	if c.SourceSizeMax <= 0 {
		return fmt.Errorf("source_size_max must be positive, got %d", c.SourceSizeMax)
	}
	if c.PollTimeout.Duration <= 0 {
		return fmt.Errorf("poll_timeout must be positive, got %v", c.PollTimeout)
	}
	if c.WaitTimeout.Duration < 0 {
		return fmt.Errorf("wait_timeout must not be negative, got %v", c.WaitTimeout)
	}
	if c.PumpInterval.Duration <= 0 {
		return fmt.Errorf("pump_interval must be positive, got %v", c.PumpInterval)
	}
	if _, err := debuglog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Load reads a YAML file over the defaults and applies the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyEnv(cfg)
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the device paths when both environment variables are set.
func ApplyEnv(c *Config) {
	v, m := os.Getenv(devscan.EnvVideoPath), os.Getenv(devscan.EnvMediaPath)
	if v == "" || m == "" {
		return
	}
	c.VideoPath, c.MediaPath = v, m
}

// ApplyLogLevel sets the level of every pipeline logger.
func (c *Config) ApplyLogLevel() error {
	l, err := debuglog.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	debuglog.SetLevel(l)
	return nil
}

// MediaConfig returns the request pool and controller settings.
func (c *Config) MediaConfig(m *media.Metrics) *media.Config {
	mc := media.DefaultConfig()
	mc.PollTimeout = c.PollTimeout.Duration
	mc.WaitInterval = c.PumpInterval.Duration
	mc.SourceSizeMax = c.SourceSizeMax
	mc.Metrics = m
	return mc
}

// Devices returns the pinned decoder, or scans the system.
func (c *Config) Devices() (*devscan.Result, error) {
	if c.VideoPath != "" {
		return devscan.Static(c.VideoPath, c.MediaPath), nil
	}
	return devscan.NewScanner().Scan()
}

// DecodeOptions returns driver options without devices or allocator.
func (c *Config) DecodeOptions(m *media.Metrics) *decode.Options {
	o := decode.DefaultOptions()
	o.Requests = c.Requests
	o.SourceBuffers = c.SourceBuffers
	o.WaitTimeout = c.WaitTimeout.Duration
	o.Media = c.MediaConfig(m)
	return o
}
