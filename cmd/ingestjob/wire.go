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

//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/modular-data/core-platform-jobs/internal/stopper"
)

// Set collects every provider needed to assemble an App, the same
// shape as internal/source/logical.Set.
var Set = wire.NewSet(
	ProvideAWSConfig,
	ProvideS3Client,
	ProvideS3Store,
	ProvideKinesisClient,
	ProvideCatalogRegistry,
	ProvideRetryHarness,
	ProvideValidator,
	ProvideMergeEngine,
	ProvideViolationRouter,
	ProvideZonePipeline,
	ProvideQueryEngine,
	ProvideDomainEngine,
	NewApp,
)

// InjectApp wires an App from a started JobConfig.
func InjectApp(ctx *stopper.Context, cfg *JobConfig) (*App, error) {
	panic(wire.Build(Set))
}
