// Copyright 2024-2026 The GrepWise Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the process-wide counters on a private registry. It is
// constructed once at startup and handed to the components that need it.
type Metrics struct {
	registry *prometheus.Registry

	IngestDrops      prometheus.Counter
	AuthFailures     prometheus.Counter
	QueryRowErrors   prometheus.Counter
	JobFailures      *prometheus.CounterVec
	JobSkipped       *prometheus.CounterVec
	ListenerOversize prometheus.Counter
	SlowConsumers    prometheus.Counter
	NotifyFailures   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		IngestDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_drops_total",
			Help: "Records dropped because the ingestion buffer was full.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_auth_failures_total",
			Help: "HTTP intake requests rejected for a missing or wrong token.",
		}),
		QueryRowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_row_errors_total",
			Help: "Rows skipped during query evaluation because an expression failed.",
		}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_failures_total",
			Help: "Background job runs that returned an error or panicked.",
		}, []string{"job"}),
		JobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_skipped_total",
			Help: "Background job runs skipped because the previous run was still going.",
		}, []string{"job"}),
		ListenerOversize: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listener_oversize_dropped_total",
			Help: "Syslog frames dropped for exceeding the size cap.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listener_slow_consumer_closed_total",
			Help: "TCP syslog connections closed because their queue stayed full.",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_notify_failures_total",
			Help: "Alarm notifications that failed after exhausting retries.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestDrops,
		m.AuthFailures,
		m.QueryRowErrors,
		m.JobFailures,
		m.JobSkipped,
		m.ListenerOversize,
		m.SlowConsumers,
		m.NotifyFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
