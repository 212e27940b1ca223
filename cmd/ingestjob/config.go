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

package main

import (
	"github.com/go-playground/validator/v10"
	"github.com/modular-data/core-platform-jobs/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

var structValidator = validator.New()

// retrySettings is struct-tag-validated separately from the plain
// key-presence checks below: a retry knob can be "set" (so MustString/
// MustInt succeed) and still be out of range, which a presence check
// alone can't catch. go-playground/validator/v10 is the pack's idiom
// for exactly this (ipiton-alert-history-service validates its bound
// config the same way).
type retrySettings struct {
	MinWaitMillis int     `validate:"gte=0"`
	MaxWaitMillis int     `validate:"gtefield=MinWaitMillis"`
	JitterFactor  float64 `validate:"gte=0,lte=1"`
	MaxAttempts   int     `validate:"gte=1"`
}

// JobConfig is the user-visible configuration for one ingest job
// process, spanning every mode the CLI can run in. Mirrors
// internal/source/server.Config's Bind/Preflight split: flags register
// their own defaults, Preflight validates the assembled whole.
type JobConfig struct {
	flags *pflag.FlagSet
	view  *config.View
}

// Bind registers every recognised flag of spec §6, with hyphens so
// they read naturally on a command line; config.View strips the
// leading "--" and normalizes "." separators beneath the hood.
func (c *JobConfig) Bind(flags *pflag.FlagSet) {
	flags.String("aws-region", "", "target AWS region")
	flags.String("aws-kinesis-endpoint-url", "", "override endpoint for the Kinesis client")
	flags.String("aws-access-key-id", "", "static credential override, for local/test endpoints")
	flags.String("aws-secret-access-key", "", "static credential override, for local/test endpoints")
	flags.String("kinesis-reader-stream-name", "", "Kinesis stream name to subscribe to")
	flags.Int("kinesis-reader-batch-duration-seconds", 5, "micro-batch tick, in seconds")

	flags.String("job-tag", "", "supervisor query-name prefix, for the checkpoint path and registry key")
	flags.String("source-name", "", "source schema streamed by this job, for insert mode")
	flags.String("source-table-name", "", "source table streamed by this job, for insert mode")

	flags.String("raw-s3-path", "", "raw zone root path")
	flags.String("structured-s3-path", "", "structured zone root path")
	flags.String("violations-s3-path", "", "violations zone root path")
	flags.String("curated-s3-path", "", "curated zone root path")

	flags.String("domain-target-path", "", "domain zone root path")
	flags.String("domain-name", "", "domain definition name")
	flags.String("domain-table-name", "", "domain table name, for full-refresh/delete modes")
	flags.String("domain-registry", "", "catalogue connection string for domain definitions")
	flags.String("domain-operation", "", "one of insert, update, delete")
	flags.String("domain-catalog-db", "", "catalogue database name")

	flags.Int("data-storage-retry-min-wait-millis", 100, "minimum retry backoff, in milliseconds")
	flags.Int("data-storage-retry-max-wait-millis", 5000, "maximum retry backoff, in milliseconds")
	flags.Float64("data-storage-retry-jitter-factor", 0.5, "retry backoff jitter, in [0,1]")
	flags.Int("data-storage-retry-max-attempts", 5, "maximum attempts before RetriesExhausted")

	flags.String("checkpoint-location", "", "streaming checkpoint root")

	flags.String("catalog-database-name", "", "database fragment a table is registered under in the catalogue")

	c.flags = flags
}

// Load finalizes the config.View from bound flags.
func (c *JobConfig) Load() error {
	view, err := config.Load(c.flags)
	if err != nil {
		return err
	}
	c.view = view
	return nil
}

// View exposes the underlying typed accessor to the wiring layer.
func (c *JobConfig) View() *config.View { return c.view }

// Preflight validates that every key a given domain.operation needs is
// present, failing fast with a ConfigMissing-style error rather than
// deep inside a running job.
func (c *JobConfig) Preflight(operation string) error {
	required := []string{
		config.KeyAWSRegion,
		config.KeyRawPath,
		config.KeyStructuredPath,
		config.KeyViolationsPath,
		config.KeyCheckpointLocation,
	}
	switch operation {
	case "insert":
		required = append(required,
			config.KeyKinesisStreamName,
			config.KeyDomainCatalogDB,
			config.KeyJobTag,
			config.KeySourceName,
			config.KeySourceTableName,
		)
	case "update", "delete":
		required = append(required,
			config.KeyDomainTargetPath,
			config.KeyDomainName,
			config.KeyDomainTableName,
			config.KeyDomainRegistry,
		)
	default:
		return errors.Errorf("unrecognized domain.operation %q", operation)
	}
	for _, key := range required {
		if _, err := c.view.MustString(key); err != nil {
			return err
		}
	}
	return c.preflightRetrySettings()
}

// preflightRetrySettings validates the data-storage retry knobs as a
// group: their pflag defaults always satisfy MustInt/OptionalInt, but
// an operator-supplied override (e.g. a negative jitter factor, or a
// max-wait below min-wait) would otherwise surface only once
// retry.Harness started misbehaving mid-run.
func (c *JobConfig) preflightRetrySettings() error {
	minWait, _ := c.view.OptionalInt(config.KeyRetryMinWaitMillis)
	maxWait, _ := c.view.OptionalInt(config.KeyRetryMaxWaitMillis)
	jitter, _ := c.view.OptionalFloat(config.KeyRetryJitterFactor)
	attempts, _ := c.view.OptionalInt(config.KeyRetryMaxAttempts)

	settings := retrySettings{
		MinWaitMillis: minWait,
		MaxWaitMillis: maxWait,
		JitterFactor:  jitter,
		MaxAttempts:   attempts,
	}
	if err := structValidator.Struct(settings); err != nil {
		return errors.Wrap(err, "invalid data-storage retry configuration")
	}
	return nil
}
