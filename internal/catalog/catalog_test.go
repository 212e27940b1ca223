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

package catalog_test

import (
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/catalog"
	"github.com/stretchr/testify/require"
)

func TestWidenMapsNamedLogicalTypes(t *testing.T) {
	cases := map[string]string{
		"long":    "bigint",
		"short":   "smallint",
		"integer": "int",
		"byte":    "tinyint",
	}
	for from, to := range cases {
		wider, ok := catalog.Widen(from)
		require.True(t, ok, from)
		require.Equal(t, to, wider)
	}
}

func TestWidenUnrecognizedTypeIsFalse(t *testing.T) {
	_, ok := catalog.Widen("text")
	require.False(t, ok)
}

func TestCanWidenAppliesNamedMapping(t *testing.T) {
	require.True(t, catalog.CanWiden("long", "bigint"))
	require.True(t, catalog.CanWiden("short", "smallint"))
	require.True(t, catalog.CanWiden("integer", "int"))
	require.True(t, catalog.CanWiden("byte", "tinyint"))
}

func TestCanWidenSameTypeIsTrivial(t *testing.T) {
	require.True(t, catalog.CanWiden("text", "text"))
}

func TestCanWidenRejectsUnmapped(t *testing.T) {
	require.False(t, catalog.CanWiden("long", "int"))
	require.False(t, catalog.CanWiden("text", "int32"))
}

func TestValidTableNameFragmentAllowsEmpty(t *testing.T) {
	require.True(t, catalog.ValidTableNameFragment(""))
}

func TestValidTableNameFragmentRejectsPunctuation(t *testing.T) {
	require.False(t, catalog.ValidTableNameFragment("widgets; drop table"))
	require.True(t, catalog.ValidTableNameFragment("widgets_v2"))
}
