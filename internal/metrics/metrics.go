// Copyright 2025 Tom Barlow
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

// Package metrics registers the Prometheus metrics the execution manager
// emits about job lifecycle progress.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsTotal counts terminal transitions by the state a job landed in.
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cerise_jobs_total",
			Help: "Total jobs that reached a terminal state, by state",
		},
		[]string{"state"},
	)

	// jobDuration observes wall-clock time from Submitted to a terminal
	// state.
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cerise_job_duration_seconds",
			Help:    "Job lifecycle duration from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"state"},
	)

	// sweepDuration observes one execution manager sweep pass.
	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cerise_sweep_duration_seconds",
			Help:    "Execution manager sweep duration by pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// sweepJobsMatched counts jobs a sweep found eligible to process.
	sweepJobsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cerise_sweep_jobs_matched_total",
			Help: "Jobs matched by a sweep's state filter, by pipeline stage",
		},
		[]string{"stage"},
	)

	// transientErrors counts errors classified as retryable by the
	// execution manager's error taxonomy.
	transientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cerise_transient_errors_total",
			Help: "Transient errors encountered during a sweep, by pipeline stage",
		},
		[]string{"stage"},
	)

	// activeJobs tracks jobs currently in a non-terminal state.
	activeJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cerise_active_jobs",
			Help: "Jobs currently in a non-terminal state, by state",
		},
		[]string{"state"},
	)
)

// RecordTerminal records a job reaching a terminal state, along with its
// total lifecycle duration.
func RecordTerminal(state string, duration time.Duration) {
	jobsTotal.WithLabelValues(state).Inc()
	jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordSweep records one sweep pass over a pipeline stage: how long it
// took and how many jobs matched the stage's state filter.
func RecordSweep(stage string, duration time.Duration, matched int) {
	sweepDuration.WithLabelValues(stage).Observe(duration.Seconds())
	sweepJobsMatched.WithLabelValues(stage).Add(float64(matched))
}

// RecordTransientError records a retryable error surfaced during stage,
// per the error taxonomy's transient classification.
func RecordTransientError(stage string) {
	transientErrors.WithLabelValues(stage).Inc()
}

// SetActiveJobs reports the current count of non-terminal jobs per state,
// replacing any previously reported counts for states absent from counts.
func SetActiveJobs(counts map[string]int) {
	activeJobs.Reset()
	for state, n := range counts {
		activeJobs.WithLabelValues(state).Set(float64(n))
	}
}
