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
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/modular-data/core-platform-jobs/internal/catalog/pgcatalog"
	"github.com/modular-data/core-platform-jobs/internal/config"
	"github.com/modular-data/core-platform-jobs/internal/domain"
	"github.com/modular-data/core-platform-jobs/internal/domain/duckquery"
	"github.com/modular-data/core-platform-jobs/internal/ident"
	"github.com/modular-data/core-platform-jobs/internal/merge"
	"github.com/modular-data/core-platform-jobs/internal/retry"
	"github.com/modular-data/core-platform-jobs/internal/store/s3table"
	"github.com/modular-data/core-platform-jobs/internal/stopper"
	"github.com/modular-data/core-platform-jobs/internal/validate"
	"github.com/modular-data/core-platform-jobs/internal/violations"
	"github.com/modular-data/core-platform-jobs/internal/zone"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pkg/errors"
)

// App bundles every wired component an ingest job command needs.
type App struct {
	View          *config.View
	S3Client      *s3.Client
	S3Store       *s3table.Store
	Registry      *pgcatalog.Registry
	Retrier       *retry.Harness
	Validator     *validate.Validator
	MergeEngine   *merge.Engine
	Router        *violations.Router
	ZonePipeline  *zone.Pipeline
	QueryEngine   *duckquery.Engine
	DomainEngine  *domain.Engine
	KinesisClient *kinesis.Client
}

// ProvideAWSConfig loads the default AWS SDK config, honoring
// aws.region from the job's configuration. aws.accessKeyId and
// aws.secretAccessKey, when both set, override the SDK's default
// credential chain with a static pair — needed against a local
// Kinesis/S3 endpoint (aws.kinesis.endpointUrl) that doesn't run an
// IMDS or a shared credentials file.
func ProvideAWSConfig(ctx *stopper.Context, cfg *JobConfig) (awssdk.Config, error) {
	region, _ := cfg.View().OptionalString(config.KeyAWSRegion)
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	accessKeyID, _ := cfg.View().OptionalString(config.KeyAWSAccessKeyID)
	secretAccessKey, _ := cfg.View().OptionalString(config.KeyAWSSecretAccessKey)
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// ProvideS3Client constructs an S3 client from the loaded AWS config.
// Unlike ProvideKinesisClient, it applies no endpoint override.
func ProvideS3Client(awsCfg awssdk.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg)
}

// ProvideS3Store constructs the S3-backed TableStore rooted at
// structured.s3.path's bucket.
func ProvideS3Store(client *s3.Client, cfg *JobConfig) (*s3table.Store, error) {
	bucket, root, err := splitS3Path(cfg.View(), config.KeyStructuredPath)
	if err != nil {
		return nil, err
	}
	return s3table.New(client, bucket, root), nil
}

// ProvideKinesisClient constructs a Kinesis client, honoring an
// optional endpoint override.
func ProvideKinesisClient(awsCfg awssdk.Config, cfg *JobConfig) *kinesis.Client {
	endpoint, _ := cfg.View().OptionalString(config.KeyKinesisEndpointURL)
	if endpoint == "" {
		return kinesis.NewFromConfig(awsCfg)
	}
	return kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		o.BaseEndpoint = awssdk.String(endpoint)
	})
}

// ProvideCatalogRegistry opens the Postgres-backed catalogue.
func ProvideCatalogRegistry(ctx *stopper.Context, cfg *JobConfig) (*pgcatalog.Registry, error) {
	connString, err := cfg.View().MustString(config.KeyDomainRegistry)
	if err != nil {
		connString, err = cfg.View().MustString(config.KeyDomainCatalogDB)
		if err != nil {
			return nil, err
		}
	}
	return pgcatalog.Open(ctx, connString)
}

// ProvideRetryHarness builds the shared retry.Harness from
// dataStorage.retry.* keys.
func ProvideRetryHarness(cfg *JobConfig) *retry.Harness {
	v := cfg.View()
	minWait, _ := v.OptionalDuration(config.KeyRetryMinWaitMillis, time.Millisecond)
	maxWait, _ := v.OptionalDuration(config.KeyRetryMaxWaitMillis, time.Millisecond)
	jitter, _ := v.OptionalFloat(config.KeyRetryJitterFactor)
	maxAttempts, _ := v.OptionalInt(config.KeyRetryMaxAttempts)
	if maxWait == 0 {
		maxWait = 5 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	return retry.New(retry.Policy{
		MinWait:      minWait,
		MaxWait:      maxWait,
		JitterFactor: jitter,
		MaxAttempts:  maxAttempts,
	})
}

// ProvideValidator constructs the RecordValidator with the
// zero-timestamp source filter, the only documented replicator
// idiosyncrasy this module normalizes.
func ProvideValidator() *validate.Validator {
	return validate.New(validate.ZeroTimestampFilter)
}

// ProvideMergeEngine wires MergeEngine onto the structured-zone store.
func ProvideMergeEngine(s *s3table.Store, retrier *retry.Harness) *merge.Engine {
	return merge.New(s, retrier)
}

// ProvideViolationRouter wires ViolationRouter onto the violations
// zone's bucket/root.
func ProvideViolationRouter(client *s3.Client, cfg *JobConfig) (*violations.Router, error) {
	bucket, root, err := splitS3Path(cfg.View(), config.KeyViolationsPath)
	if err != nil {
		return nil, err
	}
	return violations.New(s3table.New(client, bucket, root), ident.NewSchema(root)), nil
}

// ProvideZonePipeline wires the raw/structured-load/structured-cdc
// stages together.
func ProvideZonePipeline(
	client *s3.Client,
	s *s3table.Store,
	registry *pgcatalog.Registry,
	v *validate.Validator,
	m *merge.Engine,
	router *violations.Router,
	cfg *JobConfig,
) (*zone.Pipeline, error) {
	rawBucket, rawRoot, err := splitS3Path(cfg.View(), config.KeyRawPath)
	if err != nil {
		return nil, err
	}
	rawStore := s3table.New(client, rawBucket, rawRoot)
	pipeline := zone.New(rawStore, s, registry, v, m, router, ident.NewSchema(s.Root))
	pipeline.DatabaseName, _ = cfg.View().OptionalString(config.KeyCatalogDatabaseName)
	return pipeline, nil
}

// ProvideQueryEngine opens the embedded DuckDB evaluation engine for
// domain transforms.
func ProvideQueryEngine() (*duckquery.Engine, error) {
	return duckquery.Open()
}

// ProvideDomainEngine wires DomainRefreshEngine onto the domain target
// zone's store.
func ProvideDomainEngine(client *s3.Client, q *duckquery.Engine, m *merge.Engine, registry *pgcatalog.Registry, cfg *JobConfig) (*domain.Engine, error) {
	databaseName, _ := cfg.View().OptionalString(config.KeyCatalogDatabaseName)
	bucket, root, err := splitS3Path(cfg.View(), config.KeyDomainTargetPath)
	if err != nil {
		// Domain target path is only mandatory for update/delete modes;
		// callers that never invoke DomainEngine tolerate a nil store.
		e := domain.New(q, m, nil, ident.Schema{})
		e.Registry, e.DatabaseName = registry, databaseName
		return e, nil
	}
	e := domain.New(q, m, s3table.New(client, bucket, root), ident.NewSchema(root))
	e.Registry, e.DatabaseName = registry, databaseName
	return e, nil
}

// NewApp assembles the wired App.
func NewApp(
	cfg *JobConfig,
	client *s3.Client,
	s *s3table.Store,
	registry *pgcatalog.Registry,
	retrier *retry.Harness,
	v *validate.Validator,
	m *merge.Engine,
	router *violations.Router,
	pipeline *zone.Pipeline,
	q *duckquery.Engine,
	d *domain.Engine,
	kinesisClient *kinesis.Client,
) *App {
	return &App{
		View:          cfg.View(),
		S3Client:      client,
		S3Store:       s,
		Registry:      registry,
		Retrier:       retrier,
		Validator:     v,
		MergeEngine:   m,
		Router:        router,
		ZonePipeline:  pipeline,
		QueryEngine:   q,
		DomainEngine:  d,
		KinesisClient: kinesisClient,
	}
}

// splitS3Path parses an "s3://bucket/root" value stored under key into
// its bucket and root-path components.
func splitS3Path(v *config.View, key string) (bucket, root string, err error) {
	raw, err := v.MustString(key)
	if err != nil {
		return "", "", err
	}
	const prefix = "s3://"
	trimmed := raw
	if len(raw) > len(prefix) && raw[:len(prefix)] == prefix {
		trimmed = raw[len(prefix):]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i+1:], nil
		}
	}
	if trimmed == "" {
		return "", "", errors.Errorf("%s must not be empty", key)
	}
	return trimmed, "", nil
}
