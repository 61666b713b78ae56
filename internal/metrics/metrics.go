// Copyright 2025 Ryan McCoy
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

// Package metrics exposes the platform's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the platform collectors on one registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted    *prometheus.CounterVec
	RunsCompleted  *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	ClaimConflicts prometheus.Counter
	SchedulerTicks prometheus.Counter
	Misfires       prometheus.Counter
	LockContention prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spine_runs_started_total",
			Help: "Executions started, by workflow and trigger source.",
		}, []string{"workflow", "trigger"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spine_runs_completed_total",
			Help: "Executions finished, by workflow and terminal status.",
		}, []string{"workflow", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spine_run_duration_seconds",
			Help:    "Execution wall time by workflow.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"workflow"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spine_queue_depth",
			Help: "Work items by state.",
		}, []string{"state"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spine_queue_claim_conflicts_total",
			Help: "Claims lost to a racing worker.",
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spine_scheduler_ticks_total",
			Help: "Scheduler tick evaluations.",
		}),
		Misfires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spine_scheduler_misfires_total",
			Help: "Schedule occurrences skipped past the misfire grace.",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spine_lock_contention_total",
			Help: "Concurrency lock acquisitions refused.",
		}),
	}
	reg.MustRegister(
		m.RunsStarted, m.RunsCompleted, m.RunDuration, m.QueueDepth,
		m.ClaimConflicts, m.SchedulerTicks, m.Misfires, m.LockContention,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
