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

// Package pgcatalog implements catalog.SchemaRegistry over a Postgres
// metadata database, using jackc/pgx/v5's pgxpool the way the teacher's
// newer staging/target pools are opened, and adapting
// internal/util/stdpool's retry-until-ready startup loop from
// database/sql onto pgxpool.New.
package pgcatalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modular-data/core-platform-jobs/internal/catalog"
	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var _ catalog.SchemaRegistry = (*Registry)(nil)

// Registry is a catalog.SchemaRegistry backed by Postgres.
type Registry struct {
	pool *pgxpool.Pool
}

// Open establishes the pool, retrying the ping every five seconds for
// as long as it fails (isStartupError treats every ping error as a
// startup error) until ctx is done, and registers a cleanup hook on
// ctx.Stopping so the pool closes when the owning stopper.Context is
// asked to stop.
func Open(ctx *stopper.Context, connString string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "could not create connection pool")
	}

ping:
	if err := pool.Ping(ctx); err != nil {
		if isStartupError(err) {
			log.WithError(err).Info("waiting for catalog database to become ready")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				goto ping
			}
		}
		return nil, errors.Wrap(err, "could not ping catalog database")
	}

	ctx.Go(func() error {
		<-ctx.Stopping()
		pool.Close()
		return nil
	})

	return &Registry{pool: pool}, nil
}

func isStartupError(err error) bool {
	return err != nil
}

// Lookup resolves a SourceReference from the source_reference table.
func (r *Registry) Lookup(ctx context.Context, source ident.Schema, table ident.Ident) (cdctypes.SourceReference, error) {
	var (
		fqn        string
		primaryKey []byte
		schemaCols []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT fully_qualified_name, primary_key, schema_columns
		   FROM source_reference
		  WHERE source_name = $1 AND table_name = $2`,
		source.String(), table.String(),
	).Scan(&fqn, &primaryKey, &schemaCols)
	if err != nil {
		return cdctypes.SourceReference{}, &errkind.SchemaNotFoundError{Source: source.String(), Table: table.String()}
	}

	ref := cdctypes.SourceReference{
		FullyQualifiedName: fqn,
		Source:             source,
		Table:              table,
	}
	if err := json.Unmarshal(primaryKey, &ref.PrimaryKey); err != nil {
		return cdctypes.SourceReference{}, errors.Wrap(err, "decoding primary key")
	}
	if err := json.Unmarshal(schemaCols, &ref.Schema); err != nil {
		return cdctypes.SourceReference{}, errors.Wrap(err, "decoding schema columns")
	}
	return ref, nil
}

// Register upserts a SourceReference.
func (r *Registry) Register(ctx context.Context, ref cdctypes.SourceReference) error {
	primaryKey, err := json.Marshal(ref.PrimaryKey)
	if err != nil {
		return errors.WithStack(err)
	}
	schemaCols, err := json.Marshal(ref.Schema)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO source_reference (source_name, table_name, fully_qualified_name, primary_key, schema_columns)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_name, table_name)
		 DO UPDATE SET fully_qualified_name = EXCLUDED.fully_qualified_name,
		               primary_key = EXCLUDED.primary_key,
		               schema_columns = EXCLUDED.schema_columns`,
		ref.Source.String(), ref.Table.String(), ref.FullyQualifiedName, primaryKey, schemaCols,
	)
	return errors.Wrap(err, "registering source reference")
}

// RegisterTable implements catalog.SchemaRegistry.RegisterTable (spec
// §6 "Catalogue interaction"): upserts a catalog_table row named
// "databaseName.<schema>_<table>", pointing at the symlink-format
// manifest beneath id's storage path, classified columnar, with every
// column's logical type widened per catalog.Widen.
func (r *Registry) RegisterTable(ctx context.Context, id cdctypes.TableIdentifier, schema []cdctypes.Column) error {
	if !catalog.ValidTableNameFragment(id.Database) {
		return errors.Errorf("registering catalog table: database fragment %q is invalid", id.Database)
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
	columns, err := json.Marshal(widened)
	if err != nil {
		return errors.WithStack(err)
	}

	manifestPath := id.Path() + "/_symlink_format_manifest"
	_, err = r.pool.Exec(ctx,
		`INSERT INTO catalog_table (catalog_name, manifest_path, kind, columns)
		 VALUES ($1, $2, 'columnar', $3)
		 ON CONFLICT (catalog_name)
		 DO UPDATE SET manifest_path = EXCLUDED.manifest_path,
		               kind = EXCLUDED.kind,
		               columns = EXCLUDED.columns`,
		name, manifestPath, columns,
	)
	return errors.Wrap(err, "registering catalog table")
}

// DomainDefinition loads a declarative refresh definition by name.
func (r *Registry) DomainDefinition(ctx context.Context, name string) (cdctypes.DomainDefinition, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT definition FROM domain_definition WHERE name = $1`, name,
	).Scan(&raw)
	if err != nil {
		return cdctypes.DomainDefinition{}, errors.Wrapf(err, "loading domain definition %q", name)
	}
	var def cdctypes.DomainDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return cdctypes.DomainDefinition{}, errors.Wrap(err, "decoding domain definition")
	}
	return def, nil
}
