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

// Package duckquery implements domain.QueryEngine over an embedded
// DuckDB instance (github.com/duckdb/duckdb-go/v2): CDC slices are
// registered as temporary in-memory tables and a transform's viewText
// is evaluated directly against them with DuckDB's vectorized SQL
// engine, the natural fit for ad hoc analytical SELECTs over
// short-lived batches.
package duckquery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/pkg/errors"
)

// Engine is a domain.QueryEngine backed by an in-process DuckDB
// connection.
type Engine struct {
	db *sql.DB
}

// Open establishes an in-memory DuckDB connection. The pool is tiny and
// single-purpose: each transform evaluation is a self-contained
// register-then-query cycle, so a single *sql.DB suffices.
func Open() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "opening duckdb")
	}
	return &Engine{db: db}, nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error { return e.db.Close() }

// EvaluateTransform registers each named input as a temporary table
// (materialised from its JSON-able rows via DuckDB's read_json_auto),
// evaluates viewText, and returns the resulting rows.
func (e *Engine) EvaluateTransform(ctx context.Context, viewText string, inputs map[string][]map[string]any) ([]map[string]any, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close()

	for name, rows := range inputs {
		if err := registerTemp(ctx, conn, name, rows); err != nil {
			return nil, err
		}
	}

	return queryRows(ctx, conn, viewText)
}

// EvaluateFull evaluates viewText directly against sources' catalogued
// table paths, with no CDC slice registered, for full-refresh mode.
func (e *Engine) EvaluateFull(ctx context.Context, viewText string, sources map[string]ident.Table) ([]map[string]any, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close()

	for name, target := range sources {
		stmt := fmt.Sprintf(`CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM read_json_auto('%s')`, quoteIdent(name), target.String())
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrapf(err, "binding full-refresh source %s", name)
		}
	}

	return queryRows(ctx, conn, viewText)
}

func registerTemp(ctx context.Context, conn *sql.Conn, name string, rows []map[string]any) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return errors.WithStack(err)
	}
	stmt := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %s AS SELECT * FROM read_json_auto(?)`, quoteIdent(name))
	// DuckDB's read_json_auto accepts an inline JSON string via the
	// json_strings table function when passed as a value rather than a
	// path; pass the serialized batch as a bound parameter.
	if _, err := conn.ExecContext(ctx, stmt, string(body)); err != nil {
		return errors.Wrapf(err, "registering input %s", name)
	}
	return nil
}

func queryRows(ctx context.Context, conn *sql.Conn, viewText string) ([]map[string]any, error) {
	rows, err := conn.QueryContext(ctx, viewText)
	if err != nil {
		return nil, errors.Wrap(err, "evaluating transform")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
