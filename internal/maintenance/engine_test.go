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

package maintenance_test

import (
	"context"
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/maintenance"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/modular-data/core-platform-jobs/internal/testutil"
	"github.com/stretchr/testify/require"
)

// Maintenance law: a sweep visits every table returned by ListTables
// even when one table's operation fails, and reports that failure
// rather than aborting the rest.
func TestCompactAllIsolatesPerTableFailure(t *testing.T) {
	root := ident.NewSchema("structured")
	good := ident.NewTable(root, ident.New("orders"))
	bad := ident.NewTable(root, ident.New("widgets"))

	mem := testutil.NewMemStore()
	require.NoError(t, mem.Append(context.Background(), good, []map[string]any{{"id": 1}}))
	require.NoError(t, mem.Append(context.Background(), bad, []map[string]any{{"id": 2}}))

	store := &testutil.AlwaysFailStore{TableStore: mem, FailTable: bad}
	engine := maintenance.New(store, retry.New(retry.Policy{MaxAttempts: 1}))

	err := engine.CompactAll(context.Background(), root)
	require.Error(t, err)

	var failure *errkind.MaintenanceFailureError
	require.ErrorAs(t, err, &failure)
	require.Len(t, failure.Failures, 1)
	_, failed := failure.Failures[bad.String()]
	require.True(t, failed)
	_, goodFailed := failure.Failures[good.String()]
	require.False(t, goodFailed)
}

func TestVacuumAllSucceedsWhenNoTableFails(t *testing.T) {
	root := ident.NewSchema("structured")
	a := ident.NewTable(root, ident.New("orders"))
	b := ident.NewTable(root, ident.New("widgets"))

	mem := testutil.NewMemStore()
	require.NoError(t, mem.Append(context.Background(), a, []map[string]any{{"id": 1}}))
	require.NoError(t, mem.Append(context.Background(), b, []map[string]any{{"id": 2}}))

	engine := maintenance.New(mem, retry.New(retry.Policy{MaxAttempts: 1}))
	require.NoError(t, engine.VacuumAll(context.Background(), root))
}

func TestCompactAllNoTablesIsNotAnError(t *testing.T) {
	root := ident.NewSchema("structured")
	mem := testutil.NewMemStore()
	engine := maintenance.New(mem, retry.New(retry.Policy{MaxAttempts: 1}))
	require.NoError(t, engine.CompactAll(context.Background(), root))
}
