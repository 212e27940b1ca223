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

// Package merge implements MergeEngine (spec §4.4/C6): the clause-
// ordered apply of one CDC micro-batch onto a primary-keyed target,
// wrapped in retry.Harness so a lost optimistic-concurrency race is
// retried rather than surfaced to the caller. Grounded on
// internal/source/cdc/resolver.go's accumulate-then-flush shape: rows
// accumulate in memory, then one atomic flush commits them.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/metrics"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/modular-data/core-platform-jobs/internal/store"
	log "github.com/sirupsen/logrus"
)

// Engine applies micro-batches to a store.TableStore under RetryHarness.
type Engine struct {
	Store   store.TableStore
	Retrier *retry.Harness
}

// New constructs an Engine.
func New(s store.TableStore, retrier *retry.Harness) *Engine {
	return &Engine{Store: s, Retrier: retrier}
}

// toRows converts a cdctypes.Event slice into the bare
// map[string]any rows store.TableStore deals in, stamping the
// operation code onto a "__op" bookkeeping column so the store's merge
// clauses can discriminate on it. Callers that exclude bookkeeping
// columns from the destination (spec's "excludes a caller-supplied set
// of columns" clause) should include "__op" in ExcludeColumns.
func toRows(events []cdctypes.Event) ([]map[string]any, error) {
	rows := make([]map[string]any, len(events))
	for i, e := range events {
		c, err := e.Op.WireChar()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(e.Payload)+1)
		for k, v := range e.Payload {
			row[k] = v
		}
		row["__op"] = string(c)
		rows[i] = row
	}
	return rows, nil
}

// UniqueByKey reduces events to one per primary key, keeping the one
// with the greatest hlc.Time, mirroring
// internal/util/msort.UniqueByKey's "last one wins" contract.
func UniqueByKey(key []string, events []cdctypes.Event) []cdctypes.Event {
	seenIdx := make(map[string]int, len(events))
	dest := len(events)
	for src := len(events) - 1; src >= 0; src-- {
		k := rowKey(key, events[src].Payload)
		if curIdx, found := seenIdx[k]; found {
			if hlc.Compare(events[src].Time, events[curIdx].Time) > 0 {
				events[curIdx] = events[src]
			}
		} else {
			dest--
			seenIdx[k] = dest
			events[dest] = events[src]
		}
	}
	return events[dest:]
}

func rowKey(key []string, payload map[string]any) string {
	var out string
	for _, k := range key {
		out += "\x1f"
		if v, ok := payload[k]; ok {
			out += toString(v)
		}
	}
	return out
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// LoadDistinct applies a full-table load batch (op = LOAD) to target
// under load-distinct mode: if target doesn't yet exist, the batch is
// simply appended; otherwise an unmatched-insert-only merge runs so
// re-delivery of the same batch is idempotent.
func (e *Engine) LoadDistinct(ctx context.Context, target ident.Table, key []string, exclude []string, events []cdctypes.Event) error {
	rows, err := toRows(events)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		metrics.MergeDuration.WithLabelValues(target.Schema().String(), target.Table().String()).Observe(time.Since(start).Seconds())
	}()

	exists, err := e.Store.Exists(ctx, target)
	if err != nil {
		return err
	}
	if !exists {
		return e.Store.Append(ctx, target, stripExcludedRows(rows, exclude))
	}

	spec := store.DefaultLoadMergeSpec(target, key, exclude)
	return e.retriedMerge(ctx, target, spec, rows)
}

// CDC applies a CDC delta batch (op ∈ {INSERT, UPDATE, DELETE}) to
// target under cdc mode: the store's Merge creates target on demand, and
// the full matched-upsert / matched-delete / unmatched-insert clause
// ordering of spec §4.4 is installed for every batch, the first included.
func (e *Engine) CDC(ctx context.Context, target ident.Table, key []string, exclude []string, events []cdctypes.Event) error {
	rows, err := toRows(events)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		metrics.MergeDuration.WithLabelValues(target.Schema().String(), target.Table().String()).Observe(time.Since(start).Seconds())
	}()

	spec := store.DefaultCDCMergeSpec(target, key, exclude)
	return e.retriedMerge(ctx, target, spec, rows)
}

func (e *Engine) retriedMerge(ctx context.Context, target ident.Table, spec store.MergeSpec, rows []map[string]any) error {
	label := target.String()
	err := e.Retrier.Do(ctx, label, func(ctx context.Context) error {
		return e.Store.Merge(ctx, spec, rows)
	})
	if err == nil {
		return nil
	}

	schemaLabels := []string{target.Schema().String(), target.Table().String()}
	if errkind.IsRetriesExhausted(err) {
		metrics.MergeRetriesExhausted.WithLabelValues(schemaLabels...).Inc()
		return err
	}

	// A non-retryable, non-exhaustion failure. Schema drift is always
	// surfaced to the caller as-is; any other merge failure is wrapped
	// and, per spec §9's open question, left for the caller to decide
	// whether to log-only or also divert (preserved as log-only here).
	var drift *errkind.SchemaDriftError
	if asSchemaDrift(err, &drift) {
		return drift
	}
	metrics.MergeFailureTotal.WithLabelValues(schemaLabels...).Inc()
	log.WithError(err).WithField("target", label).Warn("merge failed; not diverting per existing policy")
	return &errkind.MergeFailureError{Table: label, Cause: err}
}

func asSchemaDrift(err error, target **errkind.SchemaDriftError) bool {
	d, ok := err.(*errkind.SchemaDriftError)
	if ok {
		*target = d
	}
	return ok
}

// stripExcludedRows returns a copy of rows with every column named in
// exclude removed, so a table created on demand by Append never picks
// up bookkeeping columns like "__op" (spec §4.4).
func stripExcludedRows(rows []map[string]any, exclude []string) []map[string]any {
	if len(exclude) == 0 {
		return rows
	}
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		stripped := make(map[string]any, len(row))
		for k, v := range row {
			if excluded[k] {
				continue
			}
			stripped[k] = v
		}
		out[i] = stripped
	}
	return out
}
