// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics centralizes the Prometheus vectors shared across the
// pipeline, the same way internal/staging/stage/metrics.go does for the
// teacher's staging layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is the shared histogram bucket set for latency metrics.
var LatencyBuckets = []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60}

// TableLabels is the shared label set keyed by source table.
var TableLabels = []string{"source", "table"}

var (
	// RetryAttempts counts attempts made by RetryHarness, labeled by
	// whether the attempt succeeded, hit a concurrent-modification
	// conflict, or exhausted the policy.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "the number of attempts made by the retry harness",
	}, []string{"outcome"})

	// RetryElapsed records the cumulative elapsed time of a retried
	// action, from first attempt to terminal outcome.
	RetryElapsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retry_elapsed_seconds",
		Help:    "cumulative elapsed time of a retried action",
		Buckets: LatencyBuckets,
	}, []string{"outcome"})

	// MergeDuration records the time taken to apply one merge batch.
	MergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merge_apply_duration_seconds",
		Help:    "the length of time it took to apply a merge batch",
		Buckets: LatencyBuckets,
	}, TableLabels)

	// MergeRetriesExhausted counts batches diverted to violations after
	// RetriesExhausted.
	MergeRetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merge_retries_exhausted_total",
		Help: "the number of merge batches diverted to violations after retries were exhausted",
	}, TableLabels)

	// MergeFailureTotal counts non-retryable merge failures that are
	// logged but not diverted (spec §9 open question).
	MergeFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merge_failure_total",
		Help: "the number of non-retryable merge failures that were logged but not diverted to violations",
	}, TableLabels)

	// ValidationRejected counts rows rejected by RecordValidator.
	ValidationRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_rejected_total",
		Help: "the number of rows that failed schema validation",
	}, TableLabels)

	// DomainRefreshDuration records the time taken to refresh one
	// domain table from a CDC slice.
	DomainRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "domain_refresh_duration_seconds",
		Help:    "the length of time it took to refresh a domain table",
		Buckets: LatencyBuckets,
	}, []string{"domain", "table"})

	// DomainRefreshErrors counts per-table domain refresh failures that
	// were logged and surfaced as a batch-level warning without
	// aborting the remaining tables.
	DomainRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domain_refresh_errors_total",
		Help: "the number of domain table refreshes that failed",
	}, []string{"domain", "table"})

	// MaintenanceFailures counts per-table compact/vacuum failures.
	MaintenanceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maintenance_failures_total",
		Help: "the number of per-table compact/vacuum failures",
	}, []string{"operation"})
)
