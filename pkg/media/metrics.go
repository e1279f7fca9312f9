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

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "v4l2_request"

// Metrics counts pipeline activity. One instance may be shared by any number
// of pools and controllers.
type Metrics struct {
	RequestsStarted   prometheus.Counter
	RequestsCompleted prometheus.Counter
	RequestTimeouts   prometheus.Counter
	PollTimeouts      prometheus.Counter
	BuffersDone       *prometheus.CounterVec
	InFlight          *prometheus.GaugeVec
	Streaming         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_started_total",
			Help:      "Media requests queued to the kernel.",
		}),
		RequestsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_completed_total",
			Help:      "Media requests reinitialised and returned to their pool.",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_timeouts_total",
			Help:      "Media requests whose completion was not signalled before the poll deadline.",
		}),
		PollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buffer_poll_timeouts_total",
			Help:      "Buffer queue polls that expired without an event.",
		}),
		BuffersDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buffers_dequeued_total",
			Help:      "Buffers dequeued from the kernel by direction and status.",
		}, []string{"direction", "status"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffers_in_flight",
			Help:      "Buffers queued to the kernel and not yet dequeued.",
		}, []string{"direction"}),
		Streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "streaming_controllers",
			Help:      "Controllers with both queues streaming.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsStarted,
			m.RequestsCompleted,
			m.RequestTimeouts,
			m.PollTimeouts,
			m.BuffersDone,
			m.InFlight,
			m.Streaming,
		)
	}
	return m
}
