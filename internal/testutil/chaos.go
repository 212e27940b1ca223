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

package testutil

import (
	"context"
	"math/rand"

	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/store"
)

// ChaoticMergeStore wraps a store.TableStore, injecting a
// *errkind.ConcurrentModificationError into Merge with probability
// Prob, the same "chaos at one call site" shape as
// internal/source/logical/chaos.go's WithChaos, narrowed to the single
// fault RetryHarness is contracted to recover from. Exercised by the
// zone pipeline's retry-exhaustion test, which sets Prob to 1 with a
// bounded MaxAttempts.
type ChaoticMergeStore struct {
	store.TableStore
	Prob float32
}

// Merge injects a ConcurrentModificationError with probability Prob
// before delegating.
func (c *ChaoticMergeStore) Merge(ctx context.Context, spec store.MergeSpec, rows []map[string]any) error {
	if c.Prob > 0 && rand.Float32() < c.Prob {
		return &errkind.ConcurrentModificationError{
			Path: spec.Target.String(),
			Err:  errChaos,
		}
	}
	return c.TableStore.Merge(ctx, spec, rows)
}

var errChaos = chaosError("testutil: injected concurrent-modification fault")

type chaosError string

func (e chaosError) Error() string { return string(e) }

var _ store.TableStore = (*ChaoticMergeStore)(nil)

// AlwaysFailStore wraps a store.TableStore, failing every Compact and
// Vacuum call for one chosen table, to exercise
// MaintenanceEngine.sweep's per-table failure isolation without
// aborting the whole sweep.
type AlwaysFailStore struct {
	store.TableStore
	FailTable ident.Table
}

func (a *AlwaysFailStore) Compact(ctx context.Context, target ident.Table) error {
	if target.String() == a.FailTable.String() {
		return errChaos
	}
	return a.TableStore.Compact(ctx, target)
}

func (a *AlwaysFailStore) Vacuum(ctx context.Context, target ident.Table) error {
	if target.String() == a.FailTable.String() {
		return errChaos
	}
	return a.TableStore.Vacuum(ctx, target)
}

var _ store.TableStore = (*AlwaysFailStore)(nil)
