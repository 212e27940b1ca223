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

// Command ingestjob is the single entry point of spec §6's CLI surface:
// it consumes the flat configuration bag and selects a mode from
// domain.operation. "insert" starts the per-table streaming supervisor
// against the configured Kinesis stream; "update" runs a domain table's
// full refresh; "delete" removes a domain table. compact/vacuum expose
// MaintenanceEngine directly, since sweeping storage isn't itself a
// domain.operation value.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modular-data/core-platform-jobs/internal/cdctypes"
	"github.com/modular-data/core-platform-jobs/internal/config"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/ingest"
	"github.com/modular-data/core-platform-jobs/internal/ingest/kinesis"
	"github.com/modular-data/core-platform-jobs/internal/maintenance"
	"github.com/modular-data/core-platform-jobs/internal/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "ingestjob",
		Short:         "CDC ingestion and table-materialisation job",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDomainOperation(&JobConfig{flags: cmd.Flags()})
		},
	}
	(&JobConfig{}).Bind(root.Flags())

	root.AddCommand(newMaintenanceCommand("compact", (*maintenance.Engine).CompactAll))
	root.AddCommand(newMaintenanceCommand("vacuum", (*maintenance.Engine).VacuumAll))

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("ingestjob failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runDomainOperation dispatches on domain.operation after loading and
// preflighting the configuration bag.
func runDomainOperation(cfg *JobConfig) error {
	if err := cfg.Load(); err != nil {
		return err
	}
	operation, err := cfg.View().MustString(config.KeyDomainOperation)
	if err != nil {
		return err
	}
	if err := cfg.Preflight(operation); err != nil {
		return err
	}

	ctx := stopper.WithContext(context.Background())

	app, err := InjectApp(ctx, cfg)
	if err != nil {
		return err
	}

	switch operation {
	case "insert":
		return runInsert(ctx, cfg, app)
	case "update":
		return runDomainRefresh(ctx, cfg, app)
	case "delete":
		return runDomainDelete(ctx, cfg, app)
	default:
		return errors.Errorf("unrecognized domain.operation %q", operation)
	}
}

// runInsert starts the streaming supervisor for the configured source
// table and blocks until SIGINT/SIGTERM or an infrastructure failure.
func runInsert(ctx *stopper.Context, cfg *JobConfig, app *App) error {
	v := cfg.View()

	jobTag, err := v.MustString(config.KeyJobTag)
	if err != nil {
		return err
	}
	sourceName, err := v.MustString(config.KeySourceName)
	if err != nil {
		return err
	}
	tableName, err := v.MustString(config.KeySourceTableName)
	if err != nil {
		return err
	}
	streamName, err := v.MustString(config.KeyKinesisStreamName)
	if err != nil {
		return err
	}
	checkpointLocation, err := v.MustString(config.KeyCheckpointLocation)
	if err != nil {
		return err
	}
	checkpointBucket, checkpointRoot, err := splitS3Path(v, config.KeyCheckpointLocation)
	if err != nil {
		return errors.Wrapf(err, "parsing checkpoint.location %q", checkpointLocation)
	}
	batchDuration, _ := v.OptionalDuration(config.KeyKinesisBatchDuration, time.Second)

	var catalogue []cdctypes.DomainDefinition
	if domainName, ok := v.OptionalString(config.KeyDomainName); ok && domainName != "" {
		def, err := app.Registry.DomainDefinition(ctx, domainName)
		if err != nil {
			return err
		}
		catalogue = append(catalogue, def)
	}

	source := &kinesis.Source{
		Client:           app.KinesisClient,
		StreamName:       streamName,
		BatchDuration:    batchDuration,
		CheckpointClient: app.S3Client,
		CheckpointBucket: checkpointBucket,
	}

	supervisor := &ingest.Supervisor{
		JobTag:          jobTag,
		Source:          ident.NewSchema(sourceName),
		Table:           ident.New(tableName),
		CheckpointRoot:  checkpointRoot,
		EventSource:     source,
		ZonePipeline:    app.ZonePipeline,
		DomainCatalogue: catalogue,
		DomainEngine:    app.DomainEngine,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping supervisor")
		if err := ctx.Stop(30 * time.Second); err != nil {
			log.WithError(err).Warn("supervisor reported an error while stopping")
		}
	}()

	return supervisor.Run(ctx)
}

// runDomainRefresh implements domain.operation == "update": a
// from-scratch full refresh of one domain table.
func runDomainRefresh(ctx *stopper.Context, cfg *JobConfig, app *App) error {
	v := cfg.View()
	domainName, err := v.MustString(config.KeyDomainName)
	if err != nil {
		return err
	}
	tableName, err := v.MustString(config.KeyDomainTableName)
	if err != nil {
		return err
	}

	def, err := app.Registry.DomainDefinition(ctx, domainName)
	if err != nil {
		return err
	}

	sources, err := resolveSources(def, tableName, app)
	if err != nil {
		return err
	}

	if err := app.DomainEngine.FullRefresh(ctx, def, tableName, sources); err != nil {
		return err
	}
	log.WithFields(log.Fields{"domain": domainName, "table": tableName}).Info("domain table full refresh complete")
	return nil
}

// runDomainDelete implements domain.operation == "delete": removes one
// domain table entirely.
func runDomainDelete(ctx *stopper.Context, cfg *JobConfig, app *App) error {
	v := cfg.View()
	domainName, err := v.MustString(config.KeyDomainName)
	if err != nil {
		return err
	}
	tableName, err := v.MustString(config.KeyDomainTableName)
	if err != nil {
		return err
	}

	def, err := app.Registry.DomainDefinition(ctx, domainName)
	if err != nil {
		return err
	}
	if err := app.DomainEngine.DeleteTable(ctx, def, tableName); err != nil {
		return err
	}
	log.WithFields(log.Fields{"domain": domainName, "table": tableName}).Info("domain table deleted")
	return nil
}

// resolveSources maps a TableDefinition's "source.table" transform
// inputs onto the structured-zone tables DomainEngine's QueryEngine
// reads full-refresh data from.
func resolveSources(def cdctypes.DomainDefinition, tableName string, app *App) (map[string]ident.Table, error) {
	var target cdctypes.TableDefinition
	found := false
	for _, t := range def.Tables {
		if t.Name == tableName {
			target = t
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("domain %s has no table %q", def.Name, tableName)
	}

	structuredRoot := app.ZonePipeline.StructuredRoot
	sources := make(map[string]ident.Table, len(target.Transform.Sources))
	for _, qualified := range target.Transform.Sources {
		_, tbl, err := ident.SplitQualified(qualified)
		if err != nil {
			return nil, err
		}
		sources[qualified] = ident.NewTable(structuredRoot, tbl)
	}
	return sources, nil
}

// newMaintenanceCommand builds a compact/vacuum subcommand against the
// structured or domain zone, chosen by --zone.
func newMaintenanceCommand(name string, sweep func(*maintenance.Engine, context.Context, ident.Schema) error) *cobra.Command {
	var zoneFlag string
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("%s every table under the chosen zone root", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &JobConfig{flags: cmd.Flags()}
			if err := cfg.Load(); err != nil {
				return err
			}
			ctx := stopper.WithContext(context.Background())
			app, err := InjectApp(ctx, cfg)
			if err != nil {
				return err
			}

			engine := maintenance.New(app.S3Store, app.Retrier)
			root := ident.NewSchema(app.S3Store.Root)
			if zoneFlag == "domain" {
				if app.DomainEngine == nil || app.DomainEngine.Store == nil {
					return errors.New("domain.target.path is not configured; cannot sweep the domain zone")
				}
				engine = maintenance.New(app.DomainEngine.Store, app.Retrier)
				root = app.DomainEngine.Target
			}

			return sweep(engine, ctx, root)
		},
	}
	cmd.Flags().StringVar(&zoneFlag, "zone", "structured", "zone to sweep: structured or domain")
	(&JobConfig{}).Bind(cmd.Flags())
	return cmd
}
