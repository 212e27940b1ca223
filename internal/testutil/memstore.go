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

// Package testutil provides the in-memory test doubles this module's
// tests are built against, the same role internal/sinktest/all.Fixture
// plays for the teacher: a complete, fast-to-construct set of fake
// collaborators standing in for the opaque external interfaces of spec
// §2 (TableStore, SchemaRegistry), plus a chaos wrapper for exercising
// RetryHarness's fault paths, adapted from
// internal/source/logical/chaos.go's WithChaos.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/modular-data/core-platform-jobs/internal/catalog"
	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/store"
)

// MemStore is an in-memory store.TableStore, reimplementing
// internal/store/s3table's manifest-and-data-file model over plain Go
// maps instead of S3 objects, so merge/zone/domain tests run without a
// network dependency.
type MemStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
	etags  map[string]int
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tables: make(map[string][]map[string]any),
		etags:  make(map[string]int),
	}
}

var _ store.TableStore = (*MemStore)(nil)

func (m *MemStore) key(target ident.Table) string { return target.String() }

// Exists reports whether target has ever been written.
func (m *MemStore) Exists(ctx context.Context, target ident.Table) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[m.key(target)]
	return ok, nil
}

// HasRows reports whether target currently has at least one live row.
func (m *MemStore) HasRows(ctx context.Context, target ident.Table) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[m.key(target)]) > 0, nil
}

// Append adds rows to target without reconciliation.
func (m *MemStore) Append(ctx context.Context, target ident.Table, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(target)
	m.tables[k] = append(m.tables[k], rows...)
	m.etags[k]++
	return nil
}

// Overwrite replaces target's entire contents.
func (m *MemStore) Overwrite(ctx context.Context, target ident.Table, rows []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(target)
	m.tables[k] = append([]map[string]any(nil), rows...)
	m.etags[k]++
	return nil
}

// Merge applies spec's clause-ordered merge, mirroring
// s3table.Store.Merge's in-memory algorithm exactly.
func (m *MemStore) Merge(ctx context.Context, spec store.MergeSpec, rows []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(spec.Target)
	merged, err := applyMerge(spec, m.tables[k], rows)
	if err != nil {
		return err
	}
	m.tables[k] = merged
	m.etags[k]++
	return nil
}

// Delete removes every row matching keys. With no keyColumns, target
// is removed altogether.
func (m *MemStore) Delete(ctx context.Context, target ident.Table, keyColumns []string, keys []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(target)
	if len(keyColumns) == 0 {
		delete(m.tables, k)
		m.etags[k]++
		return nil
	}
	toDelete := make(map[string]bool, len(keys))
	for _, key := range keys {
		toDelete[keyOf(keyColumns, key)] = true
	}
	var kept []map[string]any
	for _, row := range m.tables[k] {
		if !toDelete[keyOf(keyColumns, row)] {
			kept = append(kept, row)
		}
	}
	m.tables[k] = kept
	m.etags[k]++
	return nil
}

// Vacuum is a no-op: MemStore never retains superseded files.
func (m *MemStore) Vacuum(ctx context.Context, target ident.Table) error { return nil }

// Compact is a no-op: MemStore always stores one consolidated slice.
func (m *MemStore) Compact(ctx context.Context, target ident.Table) error { return nil }

// RefreshManifest is a no-op: MemStore has no external manifest sidecar.
func (m *MemStore) RefreshManifest(ctx context.Context, target ident.Table) error { return nil }

// ListTables enumerates every table registered under schema.
func (m *MemStore) ListTables(ctx context.Context, schema ident.Schema) ([]ident.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := schema.String() + "."
	var tables []ident.Table
	for k := range m.tables {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		tables = append(tables, ident.NewTable(schema, ident.New(strings.TrimPrefix(k, prefix))))
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].String() < tables[j].String() })
	return tables, nil
}

// Rows returns a snapshot of target's current contents, for test
// assertions.
func (m *MemStore) Rows(target ident.Table) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.tables[m.key(target)]))
	copy(out, m.tables[m.key(target)])
	return out
}

func keyOf(keyColumns []string, row map[string]any) string {
	var sb strings.Builder
	for i, c := range keyColumns {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		fmt.Fprintf(&sb, "%v", row[c])
	}
	return sb.String()
}

func rowOp(row map[string]any) cdctypes.Op {
	v, ok := row["__op"]
	if !ok {
		return cdctypes.OpLoad
	}
	s, _ := v.(string)
	if s == "" {
		return cdctypes.OpLoad
	}
	op, err := cdctypes.ParseOpWireChar(s[0])
	if err != nil {
		return cdctypes.OpLoad
	}
	return op
}

func opAllowed(ops []cdctypes.Op, row map[string]any, distinct bool) bool {
	if distinct || len(ops) == 0 {
		return true
	}
	op := rowOp(row)
	for _, want := range ops {
		if op == want {
			return true
		}
	}
	return false
}

func mergeColumns(existing, incoming map[string]any, exclude []string) map[string]any {
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		if excluded[k] {
			continue
		}
		out[k] = v
	}
	for k, v := range incoming {
		if excluded[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// stripExcluded returns a copy of row with every column named in
// exclude removed, mirroring s3table.Store's stripExcluded exactly so
// the two TableStore implementations drop bookkeeping columns like
// "__op" the same way on the unmatched-insert path.
func stripExcluded(row map[string]any, exclude []string) map[string]any {
	if len(exclude) == 0 {
		return row
	}
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if excluded[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func dedupLastWins(key []string, rows []map[string]any) []map[string]any {
	byKey := make(map[string]map[string]any, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		k := keyOf(key, row)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = row
	}
	out := make([]map[string]any, len(order))
	for i, k := range order {
		out[i] = byKey[k]
	}
	return out
}

// applyMerge runs spec's clauses, in order, against current and
// incoming rows, the same algorithm as s3table.Store's unexported
// applyMerge.
func applyMerge(spec store.MergeSpec, current, incoming []map[string]any) ([]map[string]any, error) {
	if spec.Distinct {
		incoming = dedupLastWins(spec.Key, incoming)
	}

	byKey := make(map[string]map[string]any, len(current))
	order := make([]string, 0, len(current))
	for _, row := range current {
		k := keyOf(spec.Key, row)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = row
	}

	inByKey := make(map[string]map[string]any, len(incoming))
	for _, row := range incoming {
		inByKey[keyOf(spec.Key, row)] = row
	}

	matched := make(map[string]bool)
	for _, clause := range spec.Clauses {
		switch clause.Kind {
		case store.ClauseMatchedUpsert:
			for k, in := range inByKey {
				if _, ok := byKey[k]; !ok {
					continue
				}
				if !opAllowed(clause.Ops, in, spec.Distinct) {
					continue
				}
				byKey[k] = mergeColumns(byKey[k], in, spec.ExcludeColumns)
				matched[k] = true
			}
		case store.ClauseMatchedDelete:
			for k, in := range inByKey {
				if _, ok := byKey[k]; !ok {
					continue
				}
				if !opAllowed(clause.Ops, in, spec.Distinct) {
					continue
				}
				delete(byKey, k)
				matched[k] = true
			}
		case store.ClauseUnmatchedInsert:
			for k, in := range inByKey {
				if matched[k] {
					continue
				}
				if _, ok := byKey[k]; ok {
					continue
				}
				if rowOp(in) == cdctypes.OpDelete {
					continue
				}
				byKey[k] = stripExcluded(in, spec.ExcludeColumns)
				order = append(order, k)
				matched[k] = true
			}
		}
	}

	out := make([]map[string]any, 0, len(order))
	for _, k := range order {
		if row, ok := byKey[k]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// CatalogEntry is a registered catalogue-table record, for test
// assertions against MemRegistry.RegisterTable.
type CatalogEntry struct {
	ManifestPath string
	Kind         string
	Schema       []cdctypes.Column
}

// MemRegistry is an in-memory catalog.SchemaRegistry.
type MemRegistry struct {
	mu            sync.Mutex
	refs          map[string]cdctypes.SourceReference
	domains       map[string]cdctypes.DomainDefinition
	catalogTables map[string]CatalogEntry
}

var _ catalog.SchemaRegistry = (*MemRegistry)(nil)

// NewMemRegistry constructs an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		refs:          make(map[string]cdctypes.SourceReference),
		domains:       make(map[string]cdctypes.DomainDefinition),
		catalogTables: make(map[string]CatalogEntry),
	}
}

// RegisterTable implements catalog.SchemaRegistry.RegisterTable,
// storing the registration in memory instead of Postgres so tests can
// assert on it via CatalogEntry.
func (r *MemRegistry) RegisterTable(ctx context.Context, id cdctypes.TableIdentifier, schema []cdctypes.Column) error {
	if !catalog.ValidTableNameFragment(id.Database) {
		return fmt.Errorf("registering catalog table: database fragment %q is invalid", id.Database)
	}
	name, err := id.CatalogName()
	if err != nil {
		return err
	}

	widened := make([]cdctypes.Column, len(schema))
	for i, c := range schema {
		widened[i] = c
		if wider, ok := catalog.Widen(c.LogicalType); ok {
			widened[i].LogicalType = wider
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogTables[name] = CatalogEntry{
		ManifestPath: id.Path() + "/_symlink_format_manifest",
		Kind:         "columnar",
		Schema:       widened,
	}
	return nil
}

// CatalogEntry looks up a previously registered catalogue table by its
// full catalogue name, for test assertions.
func (r *MemRegistry) CatalogEntry(name string) (CatalogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.catalogTables[name]
	return e, ok
}

func (r *MemRegistry) refKey(source ident.Schema, table ident.Ident) string {
	return source.String() + "." + table.String()
}

// Lookup returns the registered SourceReference, or a
// *errkind.SchemaNotFoundError.
func (r *MemRegistry) Lookup(ctx context.Context, source ident.Schema, table ident.Ident) (cdctypes.SourceReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[r.refKey(source, table)]
	if !ok {
		return cdctypes.SourceReference{}, &errkind.SchemaNotFoundError{Source: source.String(), Table: table.String()}
	}
	return ref, nil
}

// Register upserts a SourceReference.
func (r *MemRegistry) Register(ctx context.Context, ref cdctypes.SourceReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[r.refKey(ref.Source, ref.Table)] = ref
	return nil
}

// DomainDefinition loads a registered DomainDefinition, or an error if
// name was never added via PutDomainDefinition.
func (r *MemRegistry) DomainDefinition(ctx context.Context, name string) (cdctypes.DomainDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.domains[name]
	if !ok {
		return cdctypes.DomainDefinition{}, fmt.Errorf("testutil: no domain definition registered for %q", name)
	}
	return def, nil
}

// PutDomainDefinition registers a DomainDefinition for DomainDefinition
// to return later.
func (r *MemRegistry) PutDomainDefinition(def cdctypes.DomainDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[def.Name] = def
}
