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

package media

import (
	"fmt"
	"time"
)

const (
	defaultPollTimeout   = 2 * time.Second
	defaultWaitInterval  = 2 * time.Second
	defaultSourceSizeMax = 1 << 20
	// bitstream buffers are never smaller than this
	minSourceAlloc = 0x100000
)

// Config tunes a RequestPool and a Controller.
type Config struct {
	// PollTimeout is the deadline of every registered poll task.
	PollTimeout time.Duration
	// WaitInterval bounds a single poll step while blocked in a getter or a wait.
	WaitInterval time.Duration
	// SourceSizeMax is the sizeimage asked for on the bitstream queue.
	SourceSizeMax int
	// FormatCheck filters capture formats during negotiation.
	FormatCheck FormatCheck
	// Metrics receives pipeline counters. Unregistered collectors are used when nil.
	Metrics *Metrics
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PollTimeout:   defaultPollTimeout,
		WaitInterval:  defaultWaitInterval,
		SourceSizeMax: defaultSourceSizeMax,
		FormatCheck:   DefaultFormatCheck,
	}
}

// VerifyConfig checks c and fills the optional fields.
func VerifyConfig(c *Config) error {
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %v", c.PollTimeout)
	}
	if c.WaitInterval <= 0 {
		return fmt.Errorf("wait interval must be positive, got %v", c.WaitInterval)
	}
	if c.SourceSizeMax <= 0 {
		return fmt.Errorf("source size max must be positive, got %d", c.SourceSizeMax)
	}
	if c.FormatCheck == nil {
		c.FormatCheck = DefaultFormatCheck
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return nil
}
