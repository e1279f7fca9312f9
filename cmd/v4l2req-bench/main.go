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

// Command v4l2req-bench drives synthetic decode sessions through the request
// pipeline, against real hardware or a simulated decoder, and serves health
// and metrics while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/v4l2-request/internal/debuglog"
	"github.com/srediag/v4l2-request/pkg/config"
	"github.com/srediag/v4l2-request/pkg/decode"
	"github.com/srediag/v4l2-request/pkg/media"
)

const metricsNamespace = "v4l2_request"

var log = debuglog.New("bench")

func main() {
	var (
		cfgPath   = flag.String("config", "", "YAML configuration file")
		sessions  = flag.Int("sessions", 1, "independent decode sessions run concurrently")
		frames    = flag.Int("frames", 100, "pictures decoded per session")
		chunks    = flag.Int("chunks", 1, "slices, each its own request, per picture")
		width     = flag.Uint("width", 1280, "coded width")
		height    = flag.Uint("height", 720, "coded height")
		profile   = flag.String("profile", decode.ProfileMPEG2Main.String(), "codec profile")
		simulate  = flag.Bool("simulate", false, "decode on a simulated device")
		debugAddr = flag.String("debug-addr", "", "serve /healthz and /metrics on this address")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	p, err := decode.ParseProfile(*profile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	bench := Bench{
		Config:   cfg,
		Profile:  p,
		Frames:   *frames,
		Chunks:   *chunks,
		Width:    uint32(*width),
		Height:   uint32(*height),
		Simulate: *simulate,
	}
	if err := bench.Verify(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bench.Metrics = media.NewMetrics(reg)

	var running atomic.Int32
	if *debugAddr != "" {
		srv := debugServer(*debugAddr, reg, &running)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("debug server: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	results, err := runAll(ctx, &bench, *sessions, &running)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	failed := false
	for i, r := range results {
		fmt.Printf("session %d: %d frames, %d decode errors in %v", i, r.Frames, r.DecodeErrors, r.Elapsed.Round(time.Millisecond))
		if r.Err != nil {
			failed = true
			fmt.Printf(" (%v)", r.Err)
		}
		fmt.Println()
	}
	if failed {
		os.Exit(1)
	}
}

func debugServer(addr string, reg *prometheus.Registry, running *atomic.Int32) *http.Server {
	health := healthcheck.NewMetricsHandler(reg, metricsNamespace)
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("sessions", func() error {
		if running.Load() == 0 {
			return errors.New("no decode session running")
		}
		return nil
	})
	mux := http.NewServeMux()
	mux.Handle("/healthz/", http.StripPrefix("/healthz", health))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// runAll runs n sessions on a bounded goroutine pool. Each session owns its
// Driver, so sessions never share a poll queue.
func runAll(ctx context.Context, b *Bench, n int, running *atomic.Int32) ([]Result, error) {
	pool, err := ants.NewPool(n, ants.WithPanicHandler(func(p interface{}) {
		log.Errorf("session panic: %v", p)
	}))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			running.Add(1)
			defer running.Add(-1)
			results[i] = b.Run(ctx, i)
		})
		if err != nil {
			wg.Done()
			results[i] = Result{Err: err}
		}
	}
	wg.Wait()
	return results, nil
}
