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

// Package config implements ConfigView (spec §6/C11): a typed accessor
// over a flat key/value configuration bag, with leading "--" stripped
// on ingress so that "--aws.region" and "aws.region" are recognized
// identically.
package config

import (
	"strings"
	"time"

	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Recognised configuration keys (spec §6).
const (
	KeyAWSRegion              = "aws.region"
	KeyKinesisEndpointURL     = "aws.kinesis.endpointUrl"
	KeyKinesisStreamName      = "kinesis.reader.streamName"
	KeyKinesisBatchDuration   = "kinesis.reader.batchDurationSeconds"
	KeyRawPath                = "raw.s3.path"
	KeyStructuredPath         = "structured.s3.path"
	KeyViolationsPath         = "violations.s3.path"
	KeyCuratedPath            = "curated.s3.path"
	KeyDomainTargetPath       = "domain.target.path"
	KeyDomainName             = "domain.name"
	KeyDomainTableName        = "domain.table.name"
	KeyDomainRegistry         = "domain.registry"
	KeyDomainOperation        = "domain.operation"
	KeyDomainCatalogDB        = "domain.catalog.db"
	KeyJobTag                 = "job.tag"
	KeySourceName             = "source.name"
	KeySourceTableName        = "source.table.name"
	KeyRetryMinWaitMillis     = "dataStorage.retry.minWaitMillis"
	KeyRetryMaxWaitMillis     = "dataStorage.retry.maxWaitMillis"
	KeyRetryJitterFactor      = "dataStorage.retry.jitterFactor"
	KeyRetryMaxAttempts       = "dataStorage.retry.maxAttempts"
	KeyCheckpointLocation     = "checkpoint.location"
	KeyAWSAccessKeyID         = "aws.accessKeyId"
	KeyAWSSecretAccessKey     = "aws.secretAccessKey"
	KeyCatalogDatabaseName    = "catalog.database.name"
)

// View is a typed accessor over a flat key/value configuration bag.
// It wraps viper.Viper, which already implements the pack's dominant
// configuration idiom (spf13/viper, used throughout
// ipiton-alert-history-service, cohenjo-replicator, and the ducklake
// dataplatform).
type View struct {
	v *viper.Viper
}

// New wraps an existing viper.Viper instance.
func New(v *viper.Viper) *View {
	return &View{v: v}
}

// Load builds a View from process flags and environment, binding flags
// registered on flags and normalizing any leading "--" away from keys
// before they reach viper (spec §6's config law). A flag's non-empty
// default counts as a set value; a flag whose default is empty stays
// unset until it is given a value.
func Load(flags *pflag.FlagSet) (*View, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
		flags.VisitAll(func(f *pflag.Flag) {
			if f.DefValue != "" {
				v.SetDefault(f.Name, f.DefValue)
			}
		})
	}
	return &View{v: v}, nil
}

// normalize strips a single leading "--" from a key, if present.
func normalize(key string) string {
	return strings.TrimPrefix(key, "--")
}

// MustString returns the string value for key, or a *errkind.ConfigMissingError
// if it is unset.
func (c *View) MustString(key string) (string, error) {
	key = normalize(key)
	if !c.v.IsSet(key) {
		return "", &errkind.ConfigMissingError{Key: key}
	}
	return c.v.GetString(key), nil
}

// OptionalString returns the string value for key, and false if unset.
func (c *View) OptionalString(key string) (string, bool) {
	key = normalize(key)
	if !c.v.IsSet(key) {
		return "", false
	}
	return c.v.GetString(key), true
}

// MustInt returns the int value for key, or a *errkind.ConfigMissingError
// if it is unset.
func (c *View) MustInt(key string) (int, error) {
	key = normalize(key)
	if !c.v.IsSet(key) {
		return 0, &errkind.ConfigMissingError{Key: key}
	}
	return c.v.GetInt(key), nil
}

// OptionalInt returns the int value for key, and false if unset.
func (c *View) OptionalInt(key string) (int, bool) {
	key = normalize(key)
	if !c.v.IsSet(key) {
		return 0, false
	}
	return c.v.GetInt(key), true
}

// OptionalDuration returns a duration built from an integer-valued key,
// scaled by unit (time.Second for a seconds-valued key), and false if
// unset.
func (c *View) OptionalDuration(key string, unit time.Duration) (time.Duration, bool) {
	n, ok := c.OptionalInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// OptionalFloat returns the float64 value for key, and false if unset.
func (c *View) OptionalFloat(key string) (float64, bool) {
	key = normalize(key)
	if !c.v.IsSet(key) {
		return 0, false
	}
	return c.v.GetFloat64(key), true
}
