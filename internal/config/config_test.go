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

package config_test

import (
	"testing"

	"github.com/modular-data/core-platform-jobs/internal/config"
	"github.com/modular-data/core-platform-jobs/internal/errkind"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// Config law: a "--"-prefixed key is recognized identically to its
// bare form.
func TestMustStringTreatsDashPrefixAsBareKey(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(config.KeyAWSRegion, "us-east-1", "")

	v, err := config.Load(flags)
	require.NoError(t, err)

	bare, err := v.MustString(config.KeyAWSRegion)
	require.NoError(t, err)
	require.Equal(t, "us-east-1", bare)

	dashed, err := v.MustString("--" + config.KeyAWSRegion)
	require.NoError(t, err)
	require.Equal(t, bare, dashed)
}

func TestMustStringReportsMissingKey(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v, err := config.Load(flags)
	require.NoError(t, err)

	_, err = v.MustString(config.KeyDomainName)
	require.Error(t, err)

	var missing *errkind.ConfigMissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, config.KeyDomainName, missing.Key)
}

func TestOptionalIntReturnsFalseWhenUnset(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v, err := config.Load(flags)
	require.NoError(t, err)

	_, ok := v.OptionalInt(config.KeyRetryMaxAttempts)
	require.False(t, ok)
}

func TestOptionalDurationScalesBySeconds(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int(config.KeyKinesisBatchDuration, 5, "")

	v, err := config.Load(flags)
	require.NoError(t, err)

	d, ok := v.OptionalDuration(config.KeyKinesisBatchDuration, 1e9)
	require.True(t, ok)
	require.Equal(t, int64(5e9), d.Nanoseconds())
}
