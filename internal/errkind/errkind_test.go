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

package errkind_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/errkind"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsConcurrentModificationMatchesWrapped(t *testing.T) {
	base := &errkind.ConcurrentModificationError{Path: "a.b"}
	wrapped := fmt.Errorf("commit failed: %w", base)
	require.True(t, errkind.IsConcurrentModification(wrapped))
}

func TestIsConcurrentModificationMatchesPkgErrorsWrap(t *testing.T) {
	base := &errkind.ConcurrentModificationError{Path: "a.b"}
	wrapped := pkgerrors.Wrap(base, "commit failed")
	require.True(t, errkind.IsConcurrentModification(wrapped))
}

func TestIsConcurrentModificationFalseForOtherErrors(t *testing.T) {
	require.False(t, errkind.IsConcurrentModification(errors.New("boom")))
}

func TestIsRetriesExhaustedUnwrapsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := &errkind.RetriesExhaustedError{Attempts: 3, Cause: cause}
	require.True(t, errkind.IsRetriesExhausted(err))
	require.ErrorIs(t, err, cause)
}

func TestMergeFailureErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("drift")
	err := &errkind.MergeFailureError{Table: "t", Cause: cause}
	require.ErrorIs(t, err, cause)
}

func TestInfrastructureErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("io failure")
	err := &errkind.InfrastructureError{Cause: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "io failure")
}
