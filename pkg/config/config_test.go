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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/srediag/v4l2-request/internal/debuglog"
	"github.com/srediag/v4l2-request/pkg/devscan"
	"github.com/srediag/v4l2-request/pkg/media"
)

func writeFile(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "v4l2-request.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, VerifyConfig(c))
	assert.Equal(t, 6, c.Requests)
	assert.Equal(t, 6, c.SourceBuffers)
	assert.Equal(t, 1<<20, c.SourceSizeMax)
	assert.Equal(t, 2*time.Second, c.PollTimeout.Duration)
	assert.Equal(t, 10*time.Second, c.WaitTimeout.Duration)
}

func TestLoad(t *testing.T) {
	t.Setenv(devscan.EnvVideoPath, "")
	t.Setenv(devscan.EnvMediaPath, "")
	p := writeFile(t, `
video_path: /dev/video3
media_path: /dev/media1
use_memfd: true
requests: 3
poll_timeout: 500ms
wait_timeout: 0s
log_level: debug
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/dev/video3", c.VideoPath)
	assert.True(t, c.UseMemfd)
	assert.Equal(t, 3, c.Requests)
	assert.Equal(t, 6, c.SourceBuffers, "unset keys keep their default")
	assert.Equal(t, 500*time.Millisecond, c.PollTimeout.Duration)
	assert.Zero(t, c.WaitTimeout.Duration)

	mc := c.MediaConfig(nil)
	require.NoError(t, media.VerifyConfig(mc))
	assert.Equal(t, 500*time.Millisecond, mc.PollTimeout)
	assert.Equal(t, 2*time.Second, mc.WaitInterval)

	o := c.DecodeOptions(nil)
	assert.Equal(t, 3, o.Requests)
	assert.Zero(t, o.WaitTimeout)

	r, err := c.Devices()
	require.NoError(t, err)
	d, ok := r.Find(0)
	require.True(t, ok)
	assert.Equal(t, "/dev/media1", d.MediaPath)

	saved := debuglog.Level()
	defer debuglog.SetLevel(saved)
	require.NoError(t, c.ApplyLogLevel())
	assert.Equal(t, debuglog.LevelDebug, debuglog.Level())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "poll_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "requests: 0\n"))
	assert.ErrorContains(t, err, "requests")

	_, err = Load(writeFile(t, "video_path: /dev/video0\n"))
	assert.ErrorContains(t, err, "together")

	_, err = Load(writeFile(t, "log_level: shouty\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	c := DefaultConfig()
	t.Setenv(devscan.EnvVideoPath, "/dev/video9")
	t.Setenv(devscan.EnvMediaPath, "")
	ApplyEnv(c)
	assert.Empty(t, c.VideoPath, "both variables are required")

	t.Setenv(devscan.EnvMediaPath, "/dev/media9")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/video9", c.VideoPath)
	assert.Equal(t, "/dev/media9", c.MediaPath)
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(out), "poll_timeout: 2s")

	var c Config
	require.NoError(t, yaml.Unmarshal(out, &c))
	assert.Equal(t, 10*time.Second, c.WaitTimeout.Duration)
}
