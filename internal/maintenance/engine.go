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

// Package maintenance implements MaintenanceEngine (spec §4.8/C10):
// compactAll and vacuumAll sweep every table under a root, isolating
// per-table failures so one bad table never aborts the whole sweep.
package maintenance

import (
	"context"

	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/metrics"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/modular-data/core-platform-jobs/internal/store"
	log "github.com/sirupsen/logrus"
)

// Engine runs compact/vacuum sweeps against a store.TableStore.
type Engine struct {
	Store   store.TableStore
	Retrier *retry.Harness
}

// New constructs an Engine.
func New(s store.TableStore, retrier *retry.Harness) *Engine {
	return &Engine{Store: s, Retrier: retrier}
}

// CompactAll runs Compact against every table under root.
func (e *Engine) CompactAll(ctx context.Context, root ident.Schema) error {
	return e.sweep(ctx, root, "compact", e.Store.Compact)
}

// VacuumAll runs Vacuum against every table under root.
func (e *Engine) VacuumAll(ctx context.Context, root ident.Schema) error {
	return e.sweep(ctx, root, "vacuum", e.Store.Vacuum)
}

func (e *Engine) sweep(ctx context.Context, root ident.Schema, operation string, apply func(context.Context, ident.Table) error) error {
	tables, err := e.Store.ListTables(ctx, root)
	if err != nil {
		return err
	}

	failures := make(map[string]error)
	for _, t := range tables {
		label := t.String()
		err := e.Retrier.Do(ctx, label, func(ctx context.Context) error {
			return apply(ctx, t)
		})
		if err != nil {
			failures[label] = err
			metrics.MaintenanceFailures.WithLabelValues(operation).Inc()
			log.WithError(err).WithFields(log.Fields{
				"operation": operation,
				"table":     label,
			}).Warn("maintenance operation failed for table")
			continue
		}
	}

	log.WithFields(log.Fields{
		"operation": operation,
		"total":     len(tables),
		"failed":    len(failures),
	}).Info("maintenance sweep complete")

	if len(failures) > 0 {
		return &errkind.MaintenanceFailureError{Failures: failures}
	}
	return nil
}
