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

package retry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/stretchr/testify/require"
)

// Retry law: maxAttempts = n, with n-1 concurrent-modification failures
// followed by success, succeeds.
func TestHarnessSucceedsJustBeforeExhaustion(t *testing.T) {
	h := retry.New(retry.Policy{MaxAttempts: 3})
	calls := 0
	err := h.Do(context.Background(), "t", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &errkind.ConcurrentModificationError{Path: "t"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

// Retry law: n concurrent-modification failures under maxAttempts = n
// exhausts and surfaces RetriesExhaustedError wrapping the last cause.
func TestHarnessExhaustsAfterMaxAttempts(t *testing.T) {
	h := retry.New(retry.Policy{MaxAttempts: 3})
	calls := 0
	cause := &errkind.ConcurrentModificationError{Path: "t"}
	err := h.Do(context.Background(), "t", func(ctx context.Context) error {
		calls++
		return cause
	})
	require.Equal(t, 3, calls)

	var exhausted *errkind.RetriesExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, cause, exhausted.Cause)
}

// A non-retryable error is surfaced immediately, without consuming
// further attempts.
func TestHarnessDoesNotRetryNonRetryableErrors(t *testing.T) {
	h := retry.New(retry.Policy{MaxAttempts: 5})
	calls := 0
	boom := errors.New("boom")
	err := h.Do(context.Background(), "t", func(ctx context.Context) error {
		calls++
		return boom
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, boom)
}

// MaxAttempts below 1 is clamped to 1: a single call, no retry.
func TestHarnessClampsMaxAttemptsToOne(t *testing.T) {
	h := retry.New(retry.Policy{MaxAttempts: 0})
	calls := 0
	err := h.Do(context.Background(), "t", func(ctx context.Context) error {
		calls++
		return &errkind.ConcurrentModificationError{Path: "t"}
	})
	require.Equal(t, 1, calls)
	require.True(t, errkind.IsRetriesExhausted(err))
}
