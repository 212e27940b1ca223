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

package hlc_test

import (
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/stretchr/testify/require"
)

func TestCompareOrdersByNanosFirst(t *testing.T) {
	require.Equal(t, -1, hlc.Compare(hlc.New(1, 5), hlc.New(2, 0)))
	require.Equal(t, 1, hlc.Compare(hlc.New(2, 0), hlc.New(1, 5)))
}

func TestCompareFallsBackToLogical(t *testing.T) {
	require.Equal(t, -1, hlc.Compare(hlc.New(5, 0), hlc.New(5, 1)))
	require.Equal(t, 0, hlc.Compare(hlc.New(5, 1), hlc.New(5, 1)))
}

func TestZeroIsSmallest(t *testing.T) {
	require.True(t, hlc.Zero().IsZero())
	require.Equal(t, -1, hlc.Compare(hlc.Zero(), hlc.New(1, 0)))
}

func TestStringFormatsBothComponents(t *testing.T) {
	require.Equal(t, "5.2", hlc.New(5, 2).String())
}
