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

// Package domain implements DomainRefreshEngine (spec §4.6/C8): it
// derives domain tables from a CDC slice via declarative SQL transforms
// evaluated by an opaque QueryEngine.
package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/modular-data/core-platform-jobs/internal/catalog"
	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/merge"
	"github.com/modular-data/core-platform-jobs/internal/metrics"
	"github.com/modular-data/core-platform-jobs/internal/store"
	log "github.com/sirupsen/logrus"
)

// QueryEngine is the opaque SQL execution collaborator of spec §2: it
// evaluates a transform's viewText against named temporary inputs.
type QueryEngine interface {
	// EvaluateTransform binds inputs (name -> rows) as temporary tables
	// and evaluates viewText, returning the derived row set.
	EvaluateTransform(ctx context.Context, viewText string, inputs map[string][]map[string]any) ([]map[string]any, error)

	// EvaluateFull evaluates viewText with no CDC slice bound, used for
	// full-refresh mode, reading directly from the catalogued sources.
	EvaluateFull(ctx context.Context, viewText string, sources map[string]ident.Table) ([]map[string]any, error)
}

// Engine derives domain tables from a DomainDefinition catalogue.
type Engine struct {
	Query  QueryEngine
	Merge  *merge.Engine
	Store  store.TableStore
	Target ident.Schema // domain.target.path root

	// Registry and DatabaseName are used to register a domain table in
	// the catalogue (spec §6 "Catalogue interaction") the first time
	// FullRefresh materializes it. Both may be left zero-valued for
	// deployments that don't use the catalogue; RegisterTable is then
	// simply not called.
	Registry     catalog.SchemaRegistry
	DatabaseName string
}

// New constructs an Engine.
func New(q QueryEngine, m *merge.Engine, s store.TableStore, target ident.Schema) *Engine {
	return &Engine{Query: q, Merge: m, Store: s, Target: target}
}

// tiers topologically orders a domain's tables by their transform
// sources so a table that consumes another domain table's output
// refreshes after its dependency, mirroring the ducklake dataplatform's
// executeRun tiers [][]DAGNode pattern.
func tiers(tables []cdctypes.TableDefinition) [][]cdctypes.TableDefinition {
	byName := make(map[string]cdctypes.TableDefinition, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	depsOf := func(t cdctypes.TableDefinition) []string {
		var deps []string
		for _, src := range t.Transform.Sources {
			name := src
			if idx := strings.LastIndex(src, "."); idx >= 0 {
				name = src[idx+1:]
			}
			if _, ok := byName[name]; ok {
				deps = append(deps, name)
			}
		}
		return deps
	}

	placed := make(map[string]bool, len(tables))
	var result [][]cdctypes.TableDefinition
	remaining := append([]cdctypes.TableDefinition(nil), tables...)
	for len(remaining) > 0 {
		var tier []cdctypes.TableDefinition
		var next []cdctypes.TableDefinition
		for _, t := range remaining {
			ready := true
			for _, dep := range depsOf(t) {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				tier = append(tier, t)
			} else {
				next = append(next, t)
			}
		}
		if len(tier) == 0 {
			// Cyclic or unresolved dependency: place the rest as a final
			// best-effort tier rather than looping forever.
			tier = next
			next = nil
		}
		for _, t := range tier {
			placed[t.Name] = true
		}
		result = append(result, tier)
		remaining = next
	}
	return result
}

// RefreshFromSlice implements spec §4.6's incremental path: for every
// table in def whose transform consumes (source, tableName), the CDC
// rows are projected to the non-LOAD subset, evaluated through the
// QueryEngine, and merged onto the domain target using cdc mode.
//
// A failure refreshing one table is logged and counted; it does not
// abort the remaining tables in def.
func (e *Engine) RefreshFromSlice(ctx context.Context, def cdctypes.DomainDefinition, source ident.Schema, tableName ident.Ident, rows []cdctypes.Event) []error {
	qualified := source.String() + "." + tableName.String()

	var delta []cdctypes.Event
	for _, r := range rows {
		if r.Op.IsCDCDelta() {
			delta = append(delta, r)
		}
	}
	if len(delta) == 0 {
		return nil
	}

	var errs []error
	for _, tier := range tiers(def.Tables) {
		for _, table := range tier {
			if !consumesSource(table, qualified) {
				continue
			}
			if err := e.refreshOne(ctx, def.Name, table, qualified, delta); err != nil {
				errs = append(errs, err)
				metrics.DomainRefreshErrors.WithLabelValues(def.Name, table.Name).Inc()
				log.WithError(err).WithFields(log.Fields{
					"domain": def.Name,
					"table":  table.Name,
				}).Warn("domain refresh failed for table")
			}
		}
	}
	return errs
}

func consumesSource(table cdctypes.TableDefinition, qualified string) bool {
	for _, s := range table.Transform.Sources {
		if s == qualified {
			return true
		}
	}
	return false
}

func (e *Engine) refreshOne(ctx context.Context, domainName string, table cdctypes.TableDefinition, qualified string, delta []cdctypes.Event) error {
	payloads := make([]map[string]any, len(delta))
	for i, d := range delta {
		row := make(map[string]any, len(d.Payload)+1)
		for k, v := range d.Payload {
			row[k] = v
		}
		c, err := d.Op.WireChar()
		if err != nil {
			return err
		}
		row["__op"] = string(c)
		payloads[i] = row
	}

	derived, err := e.Query.EvaluateTransform(ctx, table.Transform.ViewText, map[string][]map[string]any{qualified: payloads})
	if err != nil {
		return fmt.Errorf("evaluating transform for domain table %s: %w", table.Name, err)
	}
	if len(derived) == 0 {
		return nil
	}

	events := make([]cdctypes.Event, len(derived))
	for i, row := range derived {
		opChar, _ := row["__op"].(string)
		op := cdctypes.OpUpdate
		if opChar != "" {
			if parsed, err := cdctypes.ParseOpWireChar(opChar[0]); err == nil {
				op = parsed
			}
		}
		events[i] = cdctypes.Event{Payload: row, Op: op}
	}

	target := ident.NewTable(e.Target, ident.New(table.Name))
	return e.Merge.CDC(ctx, target, table.PrimaryKey, []string{"__op"}, events)
}

// FullRefresh implements spec §4.6's full-refresh mode: a single table
// is resolved by (domainName, tableName) and its target is overwritten
// wholesale from a from-scratch evaluation of its transform.
func (e *Engine) FullRefresh(ctx context.Context, def cdctypes.DomainDefinition, tableName string, sources map[string]ident.Table) error {
	table, ok := findTable(def, tableName)
	if !ok {
		return fmt.Errorf("domain %s has no table %q", def.Name, tableName)
	}
	rows, err := e.Query.EvaluateFull(ctx, table.Transform.ViewText, sources)
	if err != nil {
		return fmt.Errorf("evaluating full refresh for domain table %s: %w", table.Name, err)
	}
	target := ident.NewTable(e.Target, ident.New(table.Name))
	existed, err := e.Store.Exists(ctx, target)
	if err != nil {
		return err
	}
	if err := e.Store.Overwrite(ctx, target, rows); err != nil {
		return err
	}
	if !existed && e.Registry != nil {
		id := cdctypes.TableIdentifier{
			Database: e.DatabaseName,
			Schema:   e.Target.String(),
			Table:    table.Name,
			Root:     e.Target.String(),
		}
		if err := e.Registry.RegisterTable(ctx, id, inferSchema(table.PrimaryKey, rows)); err != nil {
			log.WithError(err).WithField("target", target.String()).Warn("catalogue table registration failed")
		}
	}
	return nil
}

// inferSchema builds a catalogue column schema for a domain table from
// its derived rows: a domain TableDefinition carries no declared column
// types the way a SourceReference does, so the logical type of each
// column is inferred from the first non-nil value observed for it, and
// a column is marked non-nullable only if it's part of primaryKey.
func inferSchema(primaryKey []string, rows []map[string]any) []cdctypes.Column {
	pk := make(map[string]bool, len(primaryKey))
	for _, k := range primaryKey {
		pk[k] = true
	}

	order := make([]string, 0)
	types := make(map[string]string)
	for _, row := range rows {
		for k, v := range row {
			if _, seen := types[k]; seen {
				continue
			}
			if v == nil {
				continue
			}
			order = append(order, k)
			types[k] = inferLogicalType(v)
		}
	}

	columns := make([]cdctypes.Column, len(order))
	for i, name := range order {
		columns[i] = cdctypes.Column{
			Name:        name,
			LogicalType: types[name],
			Nullable:    !pk[name],
		}
	}
	return columns
}

// inferLogicalType maps a decoded row value to a logical type name:
// integer kinds map onto the names catalog.Widen recognizes, floats to
// "double", booleans to "boolean", and anything else to "string".
func inferLogicalType(v any) string {
	switch v.(type) {
	case int, int32:
		return "integer"
	case int64:
		return "long"
	case int16:
		return "short"
	case int8, byte:
		return "byte"
	case float32, float64:
		return "double"
	case bool:
		return "boolean"
	default:
		return "string"
	}
}

// DeleteTable implements spec §4.6's delete mode: the domain target
// table is removed entirely.
func (e *Engine) DeleteTable(ctx context.Context, def cdctypes.DomainDefinition, tableName string) error {
	table, ok := findTable(def, tableName)
	if !ok {
		return fmt.Errorf("domain %s has no table %q", def.Name, tableName)
	}
	target := ident.NewTable(e.Target, ident.New(table.Name))
	return e.Store.Delete(ctx, target, nil, nil)
}

func findTable(def cdctypes.DomainDefinition, name string) (cdctypes.TableDefinition, bool) {
	for _, t := range def.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return cdctypes.TableDefinition{}, false
}
