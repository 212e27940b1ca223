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

// Package zone implements ZonePipeline (spec §4.5/C7): the raw,
// structured-load, and structured-cdc stages that share the common
// (validate? -> write valid -> route invalid -> refresh manifest)
// pattern. No per-batch data error aborts the stream; only an
// infrastructure failure (auth, I/O) propagates out of Run.
package zone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modular-data/core-platform-jobs/internal/catalog"
	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/merge"
	"github.com/modular-data/core-platform-jobs/internal/store"
	"github.com/modular-data/core-platform-jobs/internal/validate"
	"github.com/modular-data/core-platform-jobs/internal/violations"
	log "github.com/sirupsen/logrus"
)

// Pipeline drives the raw/structured-load/structured-cdc stages for one
// micro-batch. RawStore and StructuredStore are independent
// store.TableStore instances because the raw and structured zone roots
// of spec §6 are independently-configured paths, possibly in different
// buckets; the zone a row belongs to is selected by which store method
// is called, not by an ident.Schema within a single store.
type Pipeline struct {
	RawStore        store.TableStore
	StructuredStore store.TableStore
	Registry        catalog.SchemaRegistry
	Validator       *validate.Validator
	Merge           *merge.Engine
	Router          *violations.Router
	StructuredRoot  ident.Schema

	// DatabaseName is the catalogue database fragment used when
	// registering a structured table on create (spec §6 "Catalogue
	// interaction"). Left zero-valued, it registers tables under an
	// empty database prefix, which is acceptable for deployments that
	// don't use the catalogue.
	DatabaseName string
}

// New constructs a Pipeline.
func New(rawStore, structuredStore store.TableStore, reg catalog.SchemaRegistry, v *validate.Validator, m *merge.Engine, r *violations.Router, structuredRoot ident.Schema) *Pipeline {
	return &Pipeline{
		RawStore:        rawStore,
		StructuredStore: structuredStore,
		Registry:        reg,
		Validator:       v,
		Merge:           m,
		Router:          r,
		StructuredRoot:  structuredRoot,
	}
}

// RawWrite appends every row of batch, unvalidated, to the table
// "<table>__<op>" under the batch's source schema in RawStore, as a
// standing archive. The operation is part of the table name, not a
// path level of its own.
func (p *Pipeline) RawWrite(ctx context.Context, batch cdctypes.MicroBatch) error {
	bySuffix := make(map[string][]map[string]any)
	for _, e := range batch.Rows {
		wire, err := e.Op.WireChar()
		if err != nil {
			return err
		}
		key := string(wire)
		bySuffix[key] = append(bySuffix[key], e.Payload)
	}
	for opSuffix, rows := range bySuffix {
		target := ident.NewTable(batch.Source, ident.New(fmt.Sprintf("%s__%s", batch.Table.String(), opSuffix)))
		if err := isInfrastructure(p.RawStore.Append(ctx, target, rows)); err != nil {
			return err
		}
	}
	return nil
}

// StructuredLoad runs the structured-load stage of spec §4.5 against a
// batch whose op is LOAD.
func (p *Pipeline) StructuredLoad(ctx context.Context, batch cdctypes.MicroBatch) error {
	ref, err := p.Registry.Lookup(ctx, batch.Source, batch.Table)
	if err != nil {
		var notFound *errkind.SchemaNotFoundError
		if errors.As(err, &notFound) {
			rows := payloadsOf(batch.Rows)
			reason := fmt.Sprintf("Schema does not exist for %s/%s", batch.Source.String(), batch.Table.String())
			return isInfrastructure(p.Router.RouteBatch(ctx, batch.Source, batch.Table, violations.ZoneSchemaNotFound, rows, reason))
		}
		return isInfrastructure(err)
	}

	var valid []cdctypes.Event
	for _, e := range batch.Rows {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		res := p.Validator.Validate(raw, ref)
		if res.Valid {
			valid = append(valid, e)
			continue
		}
		if err := isInfrastructure(p.Router.RouteRow(ctx, batch.Source, batch.Table, violations.ZoneStructuredLoad, e.Payload, res.Error)); err != nil {
			return err
		}
	}
	if len(valid) == 0 {
		return nil
	}

	target := ident.NewTable(p.StructuredRoot, batch.Table)
	exclude := []string{"__op"}
	existed, err := p.StructuredStore.Exists(ctx, target)
	if err != nil {
		return isInfrastructure(err)
	}
	if err := p.Merge.LoadDistinct(ctx, target, ref.PrimaryKey, exclude, valid); err != nil {
		log.WithError(err).WithField("target", target.String()).Warn("structured-load merge failed")
		return isInfrastructure(err)
	}
	if !existed {
		p.registerTable(ctx, batch, target, ref.Schema)
	}
	return isInfrastructure(p.StructuredStore.RefreshManifest(ctx, target))
}

// StructuredCDC runs the structured-cdc stage of spec §4.5 against a
// batch whose rows carry INSERT/UPDATE/DELETE operations.
func (p *Pipeline) StructuredCDC(ctx context.Context, batch cdctypes.MicroBatch) error {
	ref, err := p.Registry.Lookup(ctx, batch.Source, batch.Table)
	if err != nil {
		return isInfrastructure(err)
	}

	target := ident.NewTable(p.StructuredRoot, batch.Table)
	exclude := []string{"__op"}
	existed, err := p.StructuredStore.Exists(ctx, target)
	if err != nil {
		return isInfrastructure(err)
	}
	err = p.Merge.CDC(ctx, target, ref.PrimaryKey, exclude, batch.Rows)
	if err == nil {
		if !existed {
			p.registerTable(ctx, batch, target, ref.Schema)
		}
		return isInfrastructure(p.StructuredStore.RefreshManifest(ctx, target))
	}

	if errkind.IsRetriesExhausted(err) {
		rows := payloadsOf(batch.Rows)
		reason := err.Error()
		return isInfrastructure(p.Router.RouteBatch(ctx, batch.Source, batch.Table, violations.ZoneStructuredCDC, rows, reason))
	}

	// Any other merge failure (schema drift, generic MergeFailure) is
	// already logged by merge.Engine; the stream continues.
	return nil
}

// registerTable registers target's table in the catalogue (spec §6
// "Catalogue interaction") the first time a structured table is
// created, under batch.Source as the schema fragment — not
// p.StructuredRoot, which names the structured zone's physical root
// rather than the CDC source's schema. Registration failures are
// logged and otherwise swallowed: a missing catalogue entry doesn't
// invalidate data already durably merged.
func (p *Pipeline) registerTable(ctx context.Context, batch cdctypes.MicroBatch, target ident.Table, schema []cdctypes.Column) {
	id := cdctypes.TableIdentifier{
		Database: p.DatabaseName,
		Schema:   batch.Source.String(),
		Table:    batch.Table.String(),
		Root:     p.StructuredRoot.String(),
	}
	if err := p.Registry.RegisterTable(ctx, id, schema); err != nil {
		log.WithError(err).WithField("target", target.String()).Warn("catalogue table registration failed")
	}
}

func payloadsOf(events []cdctypes.Event) []map[string]any {
	rows := make([]map[string]any, len(events))
	for i, e := range events {
		rows[i] = e.Payload
	}
	return rows
}

// isInfrastructure passes through infrastructure errors so Run can
// abort the stream on them, while swallowing everything else: the zone
// pipeline never aborts on a per-batch data error.
func isInfrastructure(err error) error {
	if err == nil {
		return nil
	}
	var infra *errkind.InfrastructureError
	if errors.As(err, &infra) {
		return infra
	}
	return nil
}
