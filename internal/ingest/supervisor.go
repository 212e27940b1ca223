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

// Package ingest implements TableStreamingSupervisor (spec §4.7/C9):
// one supervisor per source table, driving ZonePipeline's raw,
// structured-load and structured-cdc stages and DomainRefreshEngine off
// a checkpointed EventSource stream. Shaped
// after internal/source/logical/serial_events.go's OnBegin/OnData/
// OnCommit cadence, adapted from a per-transaction SQL loop to a
// per-micro-batch streaming loop.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/domain"
	"github.com/modular-data/core-platform-jobs/internal/hlc"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/notify"
	"github.com/modular-data/core-platform-jobs/internal/stopper"
	"github.com/modular-data/core-platform-jobs/internal/zone"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EventSource is the opaque upstream-event collaborator of spec §2: a
// checkpointed stream of CDC micro-batches for one source table.
type EventSource interface {
	// Subscribe starts (or resumes, from checkpointPrefix) delivering
	// micro-batches for (source, table) to handler, until ctx.Stopping
	// is closed or an infrastructure error occurs.
	Subscribe(ctx *stopper.Context, source ident.Schema, table ident.Ident, checkpointPrefix string, handler func(cdctypes.MicroBatch) error) error
}

// registryKey identifies one supervisor instance.
type registryKey struct {
	jobTag string
	source string
	table  string
}

// registry enforces "exactly one supervisor instance per (jobTag,
// source, table) per process" (spec §4.7's contract).
type registry struct {
	mu   sync.Mutex
	live map[registryKey]bool
}

var globalRegistry = &registry{live: make(map[registryKey]bool)}

func (r *registry) reserve(key registryKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[key] {
		return fmt.Errorf("supervisor already running for %s %s.%s", key.jobTag, key.source, key.table)
	}
	r.live[key] = true
	return nil
}

func (r *registry) release(key registryKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, key)
}

// Supervisor drives one source table's streaming ingestion.
type Supervisor struct {
	JobTag           string
	Source           ident.Schema
	Table            ident.Ident
	CheckpointRoot   string
	EventSource      EventSource
	ZonePipeline     *zone.Pipeline
	DomainCatalogue  []cdctypes.DomainDefinition
	DomainEngine     *domain.Engine

	key       registryKey
	processed notify.Var[hlc.Time]
}

// LastProcessed returns the commit time of the most recently applied
// batch and a channel that closes the next time it advances, so an
// operator surface can block waiting for forward progress without
// polling.
func (s *Supervisor) LastProcessed() (hlc.Time, <-chan struct{}) {
	return s.processed.Get()
}

// QueryName returns the supervisor's query name, "<jobTag>
// <source>.<table>".
func (s *Supervisor) QueryName() string {
	return fmt.Sprintf("%s %s.%s", s.JobTag, s.Source.String(), s.Table.String())
}

// CheckpointPrefix returns the stable checkpoint path this supervisor
// resumes from; moving it resets delivery.
func (s *Supervisor) CheckpointPrefix() string {
	return fmt.Sprintf("%s/%s/%s", s.CheckpointRoot, s.JobTag, s.QueryName())
}

// Run starts the supervisor and blocks until ctx.Stopping is closed or
// an infrastructure error terminates the stream.
func (s *Supervisor) Run(ctx *stopper.Context) error {
	s.key = registryKey{jobTag: s.JobTag, source: s.Source.String(), table: s.Table.String()}
	if err := globalRegistry.reserve(s.key); err != nil {
		return err
	}
	defer globalRegistry.release(s.key)

	log.WithFields(log.Fields{
		"query":      s.QueryName(),
		"checkpoint": s.CheckpointPrefix(),
	}).Info("starting table streaming supervisor")

	return s.EventSource.Subscribe(ctx, s.Source, s.Table, s.CheckpointPrefix(), s.handle)
}

// handle processes one micro-batch through every zone of spec §4.5 in
// order: raw archive, then structured-load for the LOAD-op rows and
// structured-cdc for the INSERT/UPDATE/DELETE rows, then domain refresh
// for every domain table whose transform consumes this source table.
// Output mode is "update": callers downstream of ZonePipeline observe
// only the manifest refresh that each structured stage performs after a
// successful write.
func (s *Supervisor) handle(batch cdctypes.MicroBatch) error {
	ctx := context.Background()

	if err := s.ZonePipeline.RawWrite(ctx, batch); err != nil {
		return errors.Wrapf(err, "raw-write for %s", s.QueryName())
	}

	loadRows, deltaRows := splitByOp(batch.Rows)

	if len(loadRows) > 0 {
		loadBatch := batch
		loadBatch.Rows = loadRows
		if err := s.ZonePipeline.StructuredLoad(ctx, loadBatch); err != nil {
			return errors.Wrapf(err, "structured-load for %s", s.QueryName())
		}
	}

	if len(deltaRows) > 0 {
		deltaBatch := batch
		deltaBatch.Rows = deltaRows
		if err := s.ZonePipeline.StructuredCDC(ctx, deltaBatch); err != nil {
			return errors.Wrapf(err, "structured-cdc for %s", s.QueryName())
		}

		if s.DomainEngine != nil {
			for _, def := range s.DomainCatalogue {
				for _, err := range s.DomainEngine.RefreshFromSlice(ctx, def, batch.Source, batch.Table, deltaRows) {
					log.WithError(err).WithField("domain", def.Name).Warn("domain refresh warning")
				}
			}
		}
	}

	if latest, ok := maxTime(batch.Rows); ok {
		s.processed.Set(latest)
	}
	return nil
}

// splitByOp partitions rows into the LOAD-op subset (structured-load)
// and the INSERT/UPDATE/DELETE subset (structured-cdc), preserving
// order within each.
func splitByOp(rows []cdctypes.Event) (loadRows, deltaRows []cdctypes.Event) {
	for _, r := range rows {
		if r.Op == cdctypes.OpLoad {
			loadRows = append(loadRows, r)
		} else {
			deltaRows = append(deltaRows, r)
		}
	}
	return loadRows, deltaRows
}

func maxTime(rows []cdctypes.Event) (hlc.Time, bool) {
	var max hlc.Time
	found := false
	for _, r := range rows {
		if !found || hlc.Compare(r.Time, max) > 0 {
			max = r.Time
			found = true
		}
	}
	return max, found
}
