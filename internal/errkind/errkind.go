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

// Package errkind declares the distinguished error kinds of spec §7 and
// their propagation policy. Modeled on internal/types.LeaseBusyError /
// IsLeaseBusy: a typed error plus an errors.As-based discriminator.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConcurrentModificationError is returned by a TableStore commit that
// lost a race with another writer. It is transparent to callers above
// RetryHarness: RetryHarness consumes it, nothing else should see it.
type ConcurrentModificationError struct {
	Path string
	Err  error
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification on %s: %v", e.Path, e.Err)
}

func (e *ConcurrentModificationError) Unwrap() error { return e.Err }

// IsConcurrentModification reports whether err (or a wrapped cause) is a
// ConcurrentModificationError.
func IsConcurrentModification(err error) bool {
	var target *ConcurrentModificationError
	return errors.As(err, &target)
}

// RetriesExhaustedError is returned once RetryHarness has exhausted its
// configured attempts. It carries the last underlying cause.
type RetriesExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }

// IsRetriesExhausted reports whether err is a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var target *RetriesExhaustedError
	return errors.As(err, &target)
}

// SchemaNotFoundError is raised when a SchemaRegistry has no
// SourceReference for a (source, table) pair. Per-row/per-sub-batch:
// diverted to violations.
type SchemaNotFoundError struct {
	Source, Table string
}

func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("schema does not exist for %s/%s", e.Source, e.Table)
}

// ValidationFailureError wraps a RecordValidator rejection reason.
type ValidationFailureError struct {
	Reason string
}

func (e *ValidationFailureError) Error() string { return e.Reason }

// SchemaDriftError is raised when a merge's source columns are not a
// subset of the target's, and is not retried.
type SchemaDriftError struct {
	Table   string
	Missing []string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift on %s: target missing columns %v", e.Table, e.Missing)
}

// MergeFailureError is a non-retryable merge failure that is not schema
// drift. Per spec §9's open question, this is logged, not diverted.
type MergeFailureError struct {
	Table string
	Cause error
}

func (e *MergeFailureError) Error() string {
	return fmt.Sprintf("merge failed on %s: %v", e.Table, e.Cause)
}

func (e *MergeFailureError) Unwrap() error { return e.Cause }

// MaintenanceFailureError aggregates the per-table failures of one
// MaintenanceEngine pass.
type MaintenanceFailureError struct {
	Failures map[string]error
}

func (e *MaintenanceFailureError) Error() string {
	return fmt.Sprintf("maintenance failed on %d table(s)", len(e.Failures))
}

// ConfigMissingError names a mandatory configuration key that was absent.
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("mandatory configuration key %q is not set", e.Key)
}

// InfrastructureError wraps an auth/I/O/malformed-URI failure that must
// be fatal to the current streaming query.
type InfrastructureError struct {
	Cause error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure: %v", e.Cause)
}

func (e *InfrastructureError) Unwrap() error { return e.Cause }
