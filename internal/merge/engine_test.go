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

package merge_test

import (
	"context"
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/merge"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/modular-data/core-platform-jobs/internal/store"
	"github.com/modular-data/core-platform-jobs/internal/testutil"
	"github.com/stretchr/testify/require"
)

// countedFailStore returns a ConcurrentModificationError from Merge
// until failures reaches zero, then delegates.
type countedFailStore struct {
	*testutil.MemStore
	failures int
}

func (c *countedFailStore) Merge(ctx context.Context, spec store.MergeSpec, rows []map[string]any) error {
	if c.failures > 0 {
		c.failures--
		return &errkind.ConcurrentModificationError{Path: spec.Target.String()}
	}
	return c.MemStore.Merge(ctx, spec, rows)
}

func event(id int, name string, op cdctypes.Op) cdctypes.Event {
	payload := map[string]any{"id": id}
	if op != cdctypes.OpDelete {
		payload["name"] = name
	}
	return cdctypes.Event{Payload: payload, Op: op, Time: hlc.New(int64(id), 0)}
}

// Scenario 1: pure insert batch.
func TestCDCPureInsert(t *testing.T) {
	store := testutil.NewMemStore()
	engine := merge.New(store, retry.New(retry.Policy{MaxAttempts: 1}))
	target := ident.NewTable(ident.NewSchema("src"), ident.New("widgets"))

	err := engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"},
		[]cdctypes.Event{event(1, "a", cdctypes.OpInsert), event(2, "b", cdctypes.OpInsert)})
	require.NoError(t, err)

	byID := rowsByID(store.Rows(target))
	require.Equal(t, "a", byID[1]["name"])
	require.Equal(t, "b", byID[2]["name"])
}

// Scenario 2: update then delete of the same key settles on deleted.
func TestCDCUpdateThenDeleteSameKey(t *testing.T) {
	store := testutil.NewMemStore()
	engine := merge.New(store, retry.New(retry.Policy{MaxAttempts: 1}))
	target := ident.NewTable(ident.NewSchema("src"), ident.New("widgets"))

	require.NoError(t, engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"},
		[]cdctypes.Event{event(1, "a", cdctypes.OpInsert)}))

	err := engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"},
		[]cdctypes.Event{event(1, "z", cdctypes.OpUpdate), event(1, "", cdctypes.OpDelete)})
	require.NoError(t, err)
	require.Empty(t, store.Rows(target))
}

// Scenario 3: deleting an absent key is a no-op, not an error.
func TestCDCDeleteOfAbsentKey(t *testing.T) {
	store := testutil.NewMemStore()
	engine := merge.New(store, retry.New(retry.Policy{MaxAttempts: 1}))
	target := ident.NewTable(ident.NewSchema("src"), ident.New("widgets"))

	require.NoError(t, engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"},
		[]cdctypes.Event{event(7, "", cdctypes.OpDelete)}))
	require.Empty(t, store.Rows(target))
}

// Replay law: applying a batch twice is equivalent to applying it once.
func TestCDCReplayIdempotence(t *testing.T) {
	store := testutil.NewMemStore()
	engine := merge.New(store, retry.New(retry.Policy{MaxAttempts: 1}))
	target := ident.NewTable(ident.NewSchema("src"), ident.New("widgets"))

	batch := []cdctypes.Event{event(1, "a", cdctypes.OpInsert), event(2, "b", cdctypes.OpInsert)}
	require.NoError(t, engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"}, batch))
	first := rowsByID(store.Rows(target))

	require.NoError(t, engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"}, batch))
	second := rowsByID(store.Rows(target))

	require.Equal(t, len(first), len(second))
	for id, row := range first {
		require.Equal(t, row["name"], second[id]["name"])
	}
}

// Retry law: a TableStore that fails n-1 times then succeeds returns
// success under maxAttempts = n.
func TestRetryLawSucceedsBeforeExhaustion(t *testing.T) {
	mem := testutil.NewMemStore()
	target := ident.NewTable(ident.NewSchema("src"), ident.New("widgets"))

	// Seed the target with the row the update below matches.
	seed := merge.New(mem, retry.New(retry.Policy{MaxAttempts: 1}))
	require.NoError(t, seed.CDC(context.Background(), target, []string{"id"}, []string{"__op"},
		[]cdctypes.Event{event(1, "a", cdctypes.OpInsert)}))

	chaosStore := &countedFailStore{MemStore: mem, failures: 2}
	engine := merge.New(chaosStore, retry.New(retry.Policy{MaxAttempts: 3}))

	err := engine.CDC(context.Background(), target, []string{"id"}, []string{"__op"},
		[]cdctypes.Event{event(1, "z", cdctypes.OpUpdate)})
	require.NoError(t, err)
	require.Equal(t, 0, chaosStore.failures)

	byID := rowsByID(mem.Rows(target))
	require.Equal(t, "z", byID[1]["name"])
}

func rowsByID(rows []map[string]any) map[int]map[string]any {
	out := make(map[int]map[string]any, len(rows))
	for _, r := range rows {
		id, _ := r["id"].(int)
		out[id] = r
	}
	return out
}
