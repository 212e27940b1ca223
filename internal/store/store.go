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

// Package store declares TableStore (spec §4.2/C2), the opaque
// table-storage interface every engine in this module is built against.
// Small, composable method sets mirror internal/types.Applier / Stager /
// Watcher: callers depend on the narrow slice of behavior they need.
package store

import (
	"context"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/ident"
)

// ClauseKind discriminates the three clauses of a clause-ordered merge.
type ClauseKind int

const (
	// ClauseMatchedUpsert replaces every non-key column of a matched row
	// on INSERT or UPDATE.
	ClauseMatchedUpsert ClauseKind = iota
	// ClauseMatchedDelete deletes a matched row on DELETE.
	ClauseMatchedDelete
	// ClauseUnmatchedInsert inserts an unmatched row, provided its
	// operation is not DELETE.
	ClauseUnmatchedInsert
)

// MergeClause is one ordered clause of a MergeSpec. Clauses are applied
// in slice order: a matched-upsert clause must precede the
// matched-delete clause so that a row touched by both an UPDATE and a
// DELETE in the same batch settles on DELETE (last-writer-wins per
// spec's replay/idempotence invariant), and both matched clauses
// precede the unmatched-insert clause so a row is never inserted and
// then immediately matched by a later clause in the same apply.
type MergeClause struct {
	Kind ClauseKind
	// Ops restricts the clause to events carrying one of these
	// operations; nil means "DELETE is excluded, everything else
	// matches" for ClauseUnmatchedInsert, or "any op" otherwise.
	Ops []cdctypes.Op
}

// MergeSpec describes one clause-ordered merge of a micro-batch into a
// table, per spec §4.2.
type MergeSpec struct {
	Target ident.Table
	// Key lists the primary-key columns used to match source rows
	// against the target.
	Key []string
	// ExcludeColumns lists bookkeeping columns (e.g. "__op") carried on
	// source rows that never reach the target: every row a clause
	// writes has them removed.
	ExcludeColumns []string
	Clauses        []MergeClause
	// Distinct requests load-distinct semantics: the source is first
	// reduced to one row per Key (last one wins), independent of Op.
	// Used for full-table LOAD batches rather than CDC deltas.
	Distinct bool
}

// DefaultCDCMergeSpec returns the standard clause ordering for a CDC
// delta batch: matched upsert, then matched delete, then unmatched
// insert.
func DefaultCDCMergeSpec(target ident.Table, key []string, exclude []string) MergeSpec {
	return MergeSpec{
		Target:         target,
		Key:            key,
		ExcludeColumns: exclude,
		Clauses: []MergeClause{
			{Kind: ClauseMatchedUpsert, Ops: []cdctypes.Op{cdctypes.OpInsert, cdctypes.OpUpdate}},
			{Kind: ClauseMatchedDelete, Ops: []cdctypes.Op{cdctypes.OpDelete}},
			{Kind: ClauseUnmatchedInsert},
		},
	}
}

// DefaultLoadMergeSpec returns the clause ordering for a load-distinct
// batch against a pre-existing target: only an unmatched-insert clause,
// so a row already present at Key is left untouched. This is what makes
// re-delivery of the same load batch idempotent; the caller is
// responsible for falling back to store.TableStore.Append when the
// target does not yet exist at all (spec's load-distinct mode).
func DefaultLoadMergeSpec(target ident.Table, key []string, exclude []string) MergeSpec {
	return MergeSpec{
		Target:         target,
		Key:            key,
		ExcludeColumns: exclude,
		Distinct:       true,
		Clauses: []MergeClause{
			{Kind: ClauseUnmatchedInsert},
		},
	}
}

// TableStore is the opaque table-storage collaborator of spec §2: an
// append-only/merge-capable table format (e.g. an Iceberg-like
// lakehouse table) addressed by ident.Table.
type TableStore interface {
	// Exists reports whether target has been materialized at all.
	Exists(ctx context.Context, target ident.Table) (bool, error)

	// HasRows reports whether target currently has at least one live row.
	HasRows(ctx context.Context, target ident.Table) (bool, error)

	// Append writes rows to target without any key-based reconciliation.
	// Used for raw-zone landing and for violations routing.
	Append(ctx context.Context, target ident.Table, rows []map[string]any) error

	// Overwrite atomically replaces the entire contents of target with
	// rows. Used for full-refresh domain materialisation.
	Overwrite(ctx context.Context, target ident.Table, rows []map[string]any) error

	// Merge applies rows to target under spec and optimistic
	// concurrency: a writer that loses a commit race returns a
	// *errkind.ConcurrentModificationError rather than retrying
	// internally.
	Merge(ctx context.Context, spec MergeSpec, rows []map[string]any) error

	// Delete removes every row of target matching the key values in
	// keys. With no keyColumns, target itself is removed, so Exists
	// then reports false (a domain-table delete-mode refresh).
	Delete(ctx context.Context, target ident.Table, keyColumns []string, keys []map[string]any) error

	// Vacuum reclaims storage for data files superseded by prior
	// compact/merge operations, respecting any data retention window.
	Vacuum(ctx context.Context, target ident.Table) error

	// Compact rewrites target's data files into fewer, larger files.
	Compact(ctx context.Context, target ident.Table) error

	// RefreshManifest rewrites target's manifest/symlink sidecar so
	// external non-transactional readers observe the current snapshot.
	RefreshManifest(ctx context.Context, target ident.Table) error

	// ListTables enumerates every table presently registered under a
	// schema, for maintenance sweeps.
	ListTables(ctx context.Context, schema ident.Schema) ([]ident.Table, error)
}
