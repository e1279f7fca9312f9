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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/v4l2-request/pkg/config"
	"github.com/srediag/v4l2-request/pkg/decode"
	"github.com/srediag/v4l2-request/pkg/media"
)

func simBench(t *testing.T) *Bench {
	cfg := config.DefaultConfig()
	cfg.PollTimeout = config.Duration{Duration: 200 * time.Millisecond}
	cfg.PumpInterval = config.Duration{Duration: 10 * time.Millisecond}
	b := &Bench{
		Config:   cfg,
		Metrics:  media.NewMetrics(nil),
		Profile:  decode.ProfileH264Main,
		Frames:   6,
		Chunks:   3,
		Width:    320,
		Height:   240,
		Simulate: true,
	}
	require.NoError(t, b.Verify())
	return b
}

func TestSimulatedSessions(t *testing.T) {
	b := simBench(t)
	var running atomic.Int32
	results, err := runAll(context.Background(), b, 3, &running)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, 6, r.Frames)
		assert.Zero(t, r.DecodeErrors)
	}
	assert.Zero(t, running.Load())
}

func TestCancelledSession(t *testing.T) {
	b := simBench(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := b.Run(ctx, 0)
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Zero(t, r.Frames)
}

func TestBenchVerify(t *testing.T) {
	b := simBench(t)
	b.Config.SourceSizeMax = 1024
	assert.Error(t, b.Verify())
	b.Config.SourceSizeMax = 1 << 20
	b.Frames = 0
	assert.Error(t, b.Verify())
}

func TestDebugServer(t *testing.T) {
	var running atomic.Int32
	srv := debugServer("", prometheus.NewRegistry(), &running)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get("/healthz/live"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz/ready"))
	running.Add(1)
	assert.Equal(t, http.StatusOK, get("/healthz/ready"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}
