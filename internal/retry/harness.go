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

// Package retry implements the RetryHarness of spec §4.1: a fallible
// action retried under bounded exponential backoff with jitter, but
// only when it fails with a distinguished concurrent-modification
// error.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Policy configures a Harness. It is a plain value type so that a job
// can construct one policy once and share it read-only across every
// supervisor, per spec §9's "Retry policy construction" note.
type Policy struct {
	MinWait      time.Duration
	MaxWait      time.Duration
	JitterFactor float64 // in [0,1]
	MaxAttempts  int     // >= 1; 1 disables retry
}

// Harness wraps a fallible action in the configured Policy.
type Harness struct {
	policy Policy
}

// New constructs a Harness from a Policy.
func New(policy Policy) *Harness {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Harness{policy: policy}
}

// attemptLimiter bounds a backoff.BackOff by attempt count rather than
// elapsed time: backoff/v4's ExponentialBackOff only bounds by
// MaxElapsedTime, which doesn't match spec's maxAttempts contract.
type attemptLimiter struct {
	backoff.BackOff
	remaining int
}

func (a *attemptLimiter) NextBackOff() time.Duration {
	if a.remaining <= 0 {
		return backoff.Stop
	}
	a.remaining--
	return a.BackOff.NextBackOff()
}

// Do invokes fn, retrying while it returns a concurrent-modification
// error, up to policy.MaxAttempts times. Any other error is returned
// immediately on first occurrence. On exhaustion, a
// *errkind.RetriesExhaustedError wrapping the last cause is returned.
func (h *Harness) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts := 0

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.policy.MinWait
	eb.MaxInterval = h.policy.MaxWait
	eb.RandomizationFactor = h.policy.JitterFactor
	eb.MaxElapsedTime = 0 // bounded by attempts, not elapsed time
	bo := backoff.WithContext(&attemptLimiter{BackOff: eb, remaining: h.policy.MaxAttempts - 1}, ctx)

	var lastErr error
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errkind.IsConcurrentModification(err) {
			// Not retryable: wrap in backoff.Permanent so Retry stops
			// immediately and surfaces the original error.
			lastErr = err
			return backoff.Permanent(err)
		}
		lastErr = err
		log.WithFields(log.Fields{
			"label":   label,
			"attempt": attempts,
		}).Trace("retrying after concurrent-modification conflict")
		return err
	}

	retryErr := backoff.Retry(op, bo)
	elapsed := time.Since(start)

	switch {
	case retryErr == nil:
		metrics.RetryAttempts.WithLabelValues("success").Inc()
		metrics.RetryElapsed.WithLabelValues("success").Observe(elapsed.Seconds())
		log.WithFields(log.Fields{
			"label":    label,
			"attempts": attempts,
			"elapsed":  elapsed,
		}).Trace("retry harness succeeded")
		return nil

	case lastErr == nil || !errkind.IsConcurrentModification(lastErr):
		metrics.RetryAttempts.WithLabelValues("nonretryable").Inc()
		metrics.RetryElapsed.WithLabelValues("nonretryable").Observe(elapsed.Seconds())
		if lastErr != nil {
			return lastErr
		}
		return errors.WithStack(retryErr)

	default:
		metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
		metrics.RetryElapsed.WithLabelValues("exhausted").Observe(elapsed.Seconds())
		log.WithFields(log.Fields{
			"label":    label,
			"attempts": attempts,
			"elapsed":  elapsed,
		}).Warn("retry harness exhausted")
		return &errkind.RetriesExhaustedError{Attempts: attempts, Cause: lastErr}
	}
}
