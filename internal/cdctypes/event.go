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

// Package cdctypes contains the data types shared across the CDC
// ingestion and table-materialisation pipeline: events, schemas, and
// domain definitions. Grouping them here mirrors the teacher's
// internal/types package, which exists so the rest of the codebase can
// compose functionality against small, shared interfaces and structs.
package cdctypes

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/pkg/errors"
)

// Op is the closed variant of CDC operation codes.
type Op int

// The four operation codes a CDC event may carry.
const (
	OpUnknown Op = iota
	OpLoad
	OpInsert
	OpUpdate
	OpDelete
)

// wire-char mapping, bidirectional. LOAD uses 'l' since 'L' is reserved
// by some upstream replicators for "large object".
var opToWire = map[Op]byte{
	OpLoad:   'l',
	OpInsert: 'c', // create
	OpUpdate: 'u',
	OpDelete: 'd',
}

var wireToOp = func() map[byte]Op {
	m := make(map[byte]Op, len(opToWire))
	for op, c := range opToWire {
		m[c] = op
	}
	return m
}()

// WireChar returns the single-character wire code for the Op.
func (o Op) WireChar() (byte, error) {
	c, ok := opToWire[o]
	if !ok {
		return 0, errors.Errorf("cdctypes: no wire code for op %d", o)
	}
	return c, nil
}

// ParseOpWireChar decodes a single-character wire code into an Op.
func ParseOpWireChar(c byte) (Op, error) {
	op, ok := wireToOp[c]
	if !ok {
		return OpUnknown, errors.Errorf("cdctypes: unrecognized op code %q", c)
	}
	return op, nil
}

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpLoad:
		return "LOAD"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// IsCDCDelta reports whether the Op is one of the three streaming-delta
// operations (i.e., not the initial LOAD).
func (o Op) IsCDCDelta() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Meta carries the source/table a row belongs to.
type Meta struct {
	Source ident.Schema
	Table  ident.Ident
}

// Event is an immutable CDC row.
type Event struct {
	// Payload maps column name to value; nil for DELETE.
	Payload map[string]any
	Meta    Meta
	Op      Op
	Time    hlc.Time
	// Key is the ordered primary-key tuple, JSON-encoded, used for
	// dedup and merge joins.
	Key json.RawMessage
}

// Validate checks the event-level invariants of spec §3: non-null
// operation and source/table.
func (e Event) Validate() error {
	if e.Op == OpUnknown {
		return errors.New("cdctypes: event has no operation code")
	}
	if e.Meta.Source.Raw() == "" || e.Meta.Table.Raw() == "" {
		return errors.New("cdctypes: event missing source/table metadata")
	}
	return nil
}

// Column describes one field of a SourceReference's schema.
type Column struct {
	Name        string
	LogicalType string
	Nullable    bool
}

// SourceReference is the resolved, immutable binding between a
// (source, table) pair and its schema, as returned by a SchemaRegistry.
type SourceReference struct {
	FullyQualifiedName string
	Source             ident.Schema
	Table              ident.Ident
	PrimaryKey         []string
	Schema             []Column
}

// Validate enforces the SourceReference invariant: every primary-key
// column exists in the schema and is non-nullable.
func (s SourceReference) Validate() error {
	if len(s.PrimaryKey) == 0 {
		return errors.New("cdctypes: SourceReference has empty primary key")
	}
	byName := make(map[string]Column, len(s.Schema))
	for _, c := range s.Schema {
		byName[c.Name] = c
	}
	for _, pk := range s.PrimaryKey {
		col, ok := byName[pk]
		if !ok {
			return errors.Errorf("cdctypes: primary key column %q not present in schema", pk)
		}
		if col.Nullable {
			return errors.Errorf("cdctypes: primary key column %q must be non-nullable", pk)
		}
	}
	return nil
}

// NonNullColumns returns the set of column names declared non-nullable.
func (s SourceReference) NonNullColumns() []string {
	var out []string
	for _, c := range s.Schema {
		if !c.Nullable {
			out = append(out, c.Name)
		}
	}
	return out
}

// TableIdentifier names the triple (database, schema, table) that a
// catalogue-visible table is registered under, together with its
// derived storage path.
type TableIdentifier struct {
	Database string
	Schema   string
	Table    string
	Root     string // zone root, e.g. the structured zone prefix
}

// Path returns the storage path "root/database/schema/table".
func (t TableIdentifier) Path() string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Root, t.Database, t.Schema, t.Table)
}

var catalogTableName = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// CatalogName returns the underscore-joined catalogue table name
// "databaseName.<schema>_<table>" per spec §6, validating that both
// components match the permitted character set. The empty string is
// intentionally still accepted here — see DESIGN.md Open Questions.
func (t TableIdentifier) CatalogName() (string, error) {
	joined := fmt.Sprintf("%s_%s", t.Schema, t.Table)
	if !catalogTableName.MatchString(joined) {
		return "", errors.Errorf("cdctypes: table name %q does not match required pattern", joined)
	}
	return fmt.Sprintf("%s.%s", t.Database, joined), nil
}

// Transform is a declarative SQL derivation of a domain table from one
// or more source tables.
type Transform struct {
	Sources  []string // "source.table" entries
	ViewText string   // a SELECT expression over Sources
}

// TableDefinition is one table within a DomainDefinition.
type TableDefinition struct {
	Name       string
	PrimaryKey []string
	Violations string
	Transform  Transform
}

// DomainDefinition groups the TableDefinitions produced from a shared
// set of source tables.
type DomainDefinition struct {
	Name   string
	Tables []TableDefinition
}

// MicroBatch is an ordered, finite row set produced by one tick of an
// EventSource.
type MicroBatch struct {
	ID     int64
	Source ident.Schema
	Table  ident.Ident
	Rows   []Event
}
