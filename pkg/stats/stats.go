// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats exposes the fuzzer driver's counters as Prometheus
// metrics, following the metric-variable-plus-init-registration style of
// the pack's warren/pkg/metrics package.
package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftfuzz_runs_total",
			Help: "Total number of cluster runs executed, by strategy",
		},
		[]string{"strategy"},
	)

	BugsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftfuzz_bugs_total",
			Help: "Total number of distinct bugs found, by strategy",
		},
		[]string{"strategy"},
	)

	CoverageTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftfuzz_coverage_states",
			Help: "Total number of distinct abstract states seen across all runs",
		},
	)

	SeedPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftfuzz_seed_pool_size",
			Help: "Current number of schedules held in the seed pool",
		},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftfuzz_run_duration_seconds",
			Help:    "Wall-clock duration of one cluster run",
			Buckets: prometheus.DefBuckets,
		},
	)

	NewStatesPerRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftfuzz_new_states_per_run",
			Help:    "Number of previously-unseen states produced by one cluster run",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(BugsTotal)
	prometheus.MustRegister(CoverageTotal)
	prometheus.MustRegister(SeedPoolSize)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(NewStatesPerRun)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of one cluster run.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveRunDuration records the elapsed time to RunDuration.
func (t *Timer) ObserveRunDuration() {
	RunDuration.Observe(time.Since(t.start).Seconds())
}
