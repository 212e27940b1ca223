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

// Package validate implements RecordValidator (spec §4.3/C4): a pure,
// deterministic per-(schema, row) check that a raw CDC payload parses
// cleanly and satisfies its SourceReference's non-null constraints.
//
// This package deliberately does not reach for
// go-playground/validator/v10 (used elsewhere in this module for
// struct-tag config validation): the comparison here is a dynamic
// key-set diff against a caller-supplied schema, not a fixed Go struct,
// which a struct-tag validator cannot express.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
)

// SourceFilter normalizes a raw payload before its key set is compared
// against the re-encoded, parsed payload, absorbing known upstream
// replicator idiosyncrasies (e.g. a zero-time ISO-8601 timestamp
// collapsed to a bare date). The default filter is the identity.
type SourceFilter func(raw map[string]any) map[string]any

// IdentityFilter performs no normalization.
func IdentityFilter(raw map[string]any) map[string]any { return raw }

// ZeroTimestampFilter collapses any string value matching the
// "YYYY-MM-DDT00:00:00Z" zero-time form to its date-only prefix, which
// is how certain upstream replication tools emit a DATE column that
// the driver otherwise widens to a full timestamp.
func ZeroTimestampFilter(raw map[string]any) map[string]any {
	const zeroSuffix = "T00:00:00Z"
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok && len(s) > len(zeroSuffix) {
			if s[len(s)-len(zeroSuffix):] == zeroSuffix {
				out[k] = s[:len(s)-len(zeroSuffix)]
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Result is RecordValidator's two-column annotation.
type Result struct {
	Valid bool
	Error string
}

// Validator is the pure, deterministic RecordValidator of spec §4.3.
type Validator struct {
	// Filter normalizes raw payloads prior to key-set comparison. If
	// nil, IdentityFilter is used.
	Filter SourceFilter
}

// New constructs a Validator with filter, or IdentityFilter if filter
// is nil.
func New(filter SourceFilter) *Validator {
	if filter == nil {
		filter = IdentityFilter
	}
	return &Validator{Filter: filter}
}

// Validate runs the three-step algorithm of spec §4.3 against raw (the
// undecoded JSON payload) and schema.
func (v *Validator) Validate(raw json.RawMessage, schema cdctypes.SourceReference) Result {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("parse failure: %v", err)}
	}

	var rawMap map[string]any
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("parse failure: %v", err)}
	}
	filteredRaw := v.Filter(rawMap)
	filteredParsed := v.Filter(parsed)

	nonNull := make(map[string]bool, len(schema.Schema))
	for _, name := range schema.NonNullColumns() {
		nonNull[name] = true
	}

	for key := range nonNull {
		rawVal, rawHas := filteredRaw[key]
		parsedVal, parsedHas := filteredParsed[key]
		if !rawHas {
			continue
		}
		if !parsedHas || !jsonEqual(rawVal, parsedVal) {
			return Result{Valid: false, Error: fmt.Sprintf("parse failure: field %q did not round-trip", key)}
		}
	}

	for _, col := range schema.Schema {
		if col.Nullable {
			continue
		}
		val, ok := parsed[col.Name]
		if !ok || val == nil {
			return Result{Valid: false, Error: fmt.Sprintf("non-null field %s is null", col.Name)}
		}
	}

	return Result{Valid: true}
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
