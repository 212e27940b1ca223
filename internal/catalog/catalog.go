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

// Package catalog declares SchemaRegistry (spec §4.3/C3), the opaque
// collaborator that maps a (source, table) pair to its
// cdctypes.SourceReference, and the numeric-widening table applied to
// column logical types when a table is registered in the catalogue.
package catalog

import (
	"context"
	"regexp"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/ident"
)

// SchemaRegistry resolves source table metadata.
type SchemaRegistry interface {
	// Lookup returns the SourceReference registered for (source, table),
	// or a *errkind.SchemaNotFoundError if none exists.
	Lookup(ctx context.Context, source ident.Schema, table ident.Ident) (cdctypes.SourceReference, error)

	// Register upserts the SourceReference for its own (Source, Table).
	Register(ctx context.Context, ref cdctypes.SourceReference) error

	// DomainDefinition returns the declarative refresh definition
	// registered under name, for DomainRefreshEngine.
	DomainDefinition(ctx context.Context, name string) (cdctypes.DomainDefinition, error)

	// RegisterTable registers id's table under the catalogue on table
	// create/replace (spec §6 "Catalogue interaction"), pointing at its
	// symlink-format manifest and classifying it columnar, with schema's
	// numeric logical types widened per Widen.
	RegisterTable(ctx context.Context, id cdctypes.TableIdentifier, schema []cdctypes.Column) error
}

// widening maps a source column's logical type to the explicit target
// type it is registered under in the catalogue (spec §6's "Catalogue
// interaction": long->bigint, short->smallint, integer->int,
// byte->tinyint).
var widening = map[string]string{
	"long":    "bigint",
	"short":   "smallint",
	"integer": "int",
	"byte":    "tinyint",
}

// Widen returns the catalogue type logicalType is registered under,
// and false if logicalType has no widening entry (it is registered
// under its own name unchanged).
func Widen(logicalType string) (string, bool) {
	wider, ok := widening[logicalType]
	return wider, ok
}

// CanWiden reports whether from may be registered in the catalogue as
// to, either unchanged (from == to) or via the explicit widening table.
func CanWiden(from, to string) bool {
	if from == to {
		return true
	}
	wider, ok := widening[from]
	return ok && wider == to
}

// tableNamePattern validates the identifier fragments used to build a
// catalog table name (cdctypes.TableIdentifier.CatalogName). Empty
// strings are intentionally permitted: a DomainDefinition table entry
// omitting a schema fragment is common and should not be rejected here.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// ValidTableNameFragment reports whether s is a safe fragment to splice
// into a generated catalog table name.
func ValidTableNameFragment(s string) bool {
	return tableNamePattern.MatchString(s)
}
