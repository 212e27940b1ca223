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

package zone_test

import (
	"context"
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/merge"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/modular-data/core-platform-jobs/internal/testutil"
	"github.com/modular-data/core-platform-jobs/internal/validate"
	"github.com/modular-data/core-platform-jobs/internal/violations"
	"github.com/modular-data/core-platform-jobs/internal/zone"
	"github.com/stretchr/testify/require"
)

func peopleRef() cdctypes.SourceReference {
	return cdctypes.SourceReference{
		Source:     ident.NewSchema("src"),
		Table:      ident.New("people"),
		PrimaryKey: []string{"id"},
		Schema: []cdctypes.Column{
			{Name: "id", LogicalType: "bigint", Nullable: false},
			{Name: "age", LogicalType: "int", Nullable: false},
		},
	}
}

// Scenario 4: a non-null violation is routed to the violations zone
// with the exact reason string, and the stream continues.
func TestStructuredLoadDivertsNonNullViolation(t *testing.T) {
	raw := testutil.NewMemStore()
	structured := testutil.NewMemStore()
	violationsStore := testutil.NewMemStore()
	registry := testutil.NewMemRegistry()
	require.NoError(t, registry.Register(context.Background(), peopleRef()))

	router := violations.New(violationsStore, ident.NewSchema("violations"))
	mergeEngine := merge.New(structured, retry.New(retry.Policy{MaxAttempts: 1}))
	pipeline := zone.New(raw, structured, registry, validate.New(nil), mergeEngine, router, ident.NewSchema("structured"))

	source := ident.NewSchema("src")
	table := ident.New("people")
	batch := cdctypes.MicroBatch{
		Source: source,
		Table:  table,
		Rows: []cdctypes.Event{
			{Payload: map[string]any{"id": 1, "age": nil}, Op: cdctypes.OpLoad, Time: hlc.New(1, 0)},
		},
	}

	require.NoError(t, pipeline.StructuredLoad(context.Background(), batch))

	diverted := violationsStore.Rows(ident.NewTable(ident.NewSchema("violations"), ident.New("src__people")))
	require.Len(t, diverted, 1)
	require.Equal(t, "non-null field age is null", diverted[0]["error"])
	require.Equal(t, string(violations.ZoneStructuredLoad), diverted[0]["zone"])
}

// Scenario 5: retry exhaustion diverts the whole batch to the
// violations zone tagged STRUCTURED_CDC, and Run does not abort.
func TestStructuredCDCDivertsOnRetryExhaustion(t *testing.T) {
	raw := testutil.NewMemStore()
	structured := testutil.NewMemStore()
	violationsStore := testutil.NewMemStore()
	registry := testutil.NewMemRegistry()
	require.NoError(t, registry.Register(context.Background(), peopleRef()))

	chaos := &testutil.ChaoticMergeStore{TableStore: structured, Prob: 1}
	router := violations.New(violationsStore, ident.NewSchema("violations"))
	mergeEngine := merge.New(chaos, retry.New(retry.Policy{MaxAttempts: 2}))
	pipeline := zone.New(raw, structured, registry, validate.New(nil), mergeEngine, router, ident.NewSchema("structured"))

	source := ident.NewSchema("src")
	table := ident.New("people")
	batch := cdctypes.MicroBatch{
		Source: source,
		Table:  table,
		Rows: []cdctypes.Event{
			{Payload: map[string]any{"id": 1, "age": 30}, Op: cdctypes.OpInsert, Time: hlc.New(1, 0)},
		},
	}

	// Seed the target so the batch is merged into an existing table.
	require.NoError(t, structured.Overwrite(context.Background(), ident.NewTable(ident.NewSchema("structured"), table), nil))

	err := pipeline.StructuredCDC(context.Background(), batch)
	require.NoError(t, err, "a data-plane failure must not abort the stream")

	diverted := violationsStore.Rows(ident.NewTable(ident.NewSchema("violations"), ident.New("src__people")))
	require.Len(t, diverted, 1)
	require.Equal(t, string(violations.ZoneStructuredCDC), diverted[0]["zone"])
}

// A structured table created for the first time is registered in the
// catalogue under "databaseName.<schema>_<table>", pointing at its
// symlink-format manifest, with numeric logical types widened.
func TestStructuredCDCRegistersTableOnCreate(t *testing.T) {
	raw := testutil.NewMemStore()
	structured := testutil.NewMemStore()
	violationsStore := testutil.NewMemStore()
	registry := testutil.NewMemRegistry()
	ref := peopleRef()
	ref.Schema = append(ref.Schema, cdctypes.Column{Name: "hire_count", LogicalType: "long", Nullable: true})
	require.NoError(t, registry.Register(context.Background(), ref))

	router := violations.New(violationsStore, ident.NewSchema("violations"))
	mergeEngine := merge.New(structured, retry.New(retry.Policy{MaxAttempts: 1}))
	pipeline := zone.New(raw, structured, registry, validate.New(nil), mergeEngine, router, ident.NewSchema("structured"))
	pipeline.DatabaseName = "lakehouse"

	source := ident.NewSchema("src")
	table := ident.New("people")
	batch := cdctypes.MicroBatch{
		Source: source,
		Table:  table,
		Rows: []cdctypes.Event{
			{Payload: map[string]any{"id": 1, "age": 30, "hire_count": int64(2)}, Op: cdctypes.OpInsert, Time: hlc.New(1, 0)},
		},
	}

	require.NoError(t, pipeline.StructuredCDC(context.Background(), batch))

	entry, ok := registry.CatalogEntry("lakehouse.src_people")
	require.True(t, ok)
	require.Equal(t, "columnar", entry.Kind)
	require.Equal(t, "structured/lakehouse/src/people/_symlink_format_manifest", entry.ManifestPath)
	for _, col := range entry.Schema {
		if col.Name == "hire_count" {
			require.Equal(t, "bigint", col.LogicalType)
		}
	}

	// Re-delivering to the now-existing table must not re-register (no
	// panic, no behavior change expected; Exists short-circuits).
	require.NoError(t, pipeline.StructuredCDC(context.Background(), batch))
}
