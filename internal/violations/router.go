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

// Package violations implements ViolationRouter (spec §4.4/C5): rows
// that fail validation, or whole batches that fail to apply after
// RetryHarness is exhausted, land here instead of being dropped.
package violations

import (
	"context"
	"time"

	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/metrics"
	"github.com/modular-data/core-platform-jobs/internal/store"
)

// ZoneTag discriminates why a row or batch was routed to violations.
type ZoneTag string

const (
	ZoneSchemaNotFound ZoneTag = "SCHEMA_NOT_FOUND"
	ZoneStructuredLoad ZoneTag = "STRUCTURED_LOAD"
	ZoneStructuredCDC  ZoneTag = "STRUCTURED_CDC"
)

// Router writes rejected rows to the violations zone root.
type Router struct {
	Store store.TableStore
	Root  ident.Schema
}

// New constructs a Router writing under root (the violations zone's
// schema, e.g. derived from violations.s3.path).
func New(s store.TableStore, root ident.Schema) *Router {
	return &Router{Store: s, Root: root}
}

// RouteRow appends one rejected row annotated with its failure reason,
// under a table named after the originating (source, table) pair.
func (r *Router) RouteRow(ctx context.Context, source ident.Schema, table ident.Ident, tag ZoneTag, row map[string]any, reason string) error {
	metrics.ValidationRejected.WithLabelValues(source.String(), table.String()).Inc()
	return r.appendAnnotated(ctx, source, table, tag, []map[string]any{row}, reason)
}

// RouteBatch appends a whole rejected batch (e.g. after retries were
// exhausted, or a schema lookup failed) with a single shared reason.
func (r *Router) RouteBatch(ctx context.Context, source ident.Schema, table ident.Ident, tag ZoneTag, rows []map[string]any, reason string) error {
	if len(rows) == 0 {
		return nil
	}
	return r.appendAnnotated(ctx, source, table, tag, rows, reason)
}

func (r *Router) appendAnnotated(ctx context.Context, source ident.Schema, table ident.Ident, tag ZoneTag, rows []map[string]any, reason string) error {
	target := ident.NewTable(r.Root, ident.New(source.String()+"__"+table.String()))
	annotated := make([]map[string]any, len(rows))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, row := range rows {
		out := make(map[string]any, len(row)+3)
		for k, v := range row {
			out[k] = v
		}
		out["error"] = reason
		out["zone"] = string(tag)
		out["divertedAt"] = now
		annotated[i] = out
	}
	return r.Store.Append(ctx, target, annotated)
}
