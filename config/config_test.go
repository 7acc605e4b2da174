/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{}
	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource:  DataSourceConfig{Dns: "postgres://localhost:5432"},
		LedgerCache: LedgerCacheConfig{SharedTier: true},
	}
	err = cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "redis DNS is required when the ledger cache shared tier is enabled")

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: " postgres://localhost:5432 "},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, "Credit Guard", cnf.ProjectName)
	assert.Equal(t, "postgres://localhost:5432", cnf.DataSource.Dns)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)

	assert.Equal(t, 60*time.Second, cnf.LedgerCache.TTL())
	assert.Equal(t, FailurePolicyRetain, cnf.LedgerCache.FailurePolicy)

	assert.Equal(t, 10, cnf.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, cnf.RateLimit.Window())
	assert.Equal(t, time.Minute, cnf.RateLimit.CleanupInterval())
	assert.Equal(t, 100, cnf.RateLimit.HistoryCapacity)
	assert.Equal(t, 50, cnf.RateLimit.HistoryTrimTo)
	assert.Nil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Nil(t, cnf.RateLimit.Burst)
	require.NotNil(t, cnf.RateLimit.CleanupIntervalSec)
	assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)

	assert.Equal(t, 3, cnf.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cnf.Retry.BaseDelay())
	assert.Equal(t, 10*time.Second, cnf.Retry.MaxDelay())
	assert.Equal(t, 2.0, cnf.Retry.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, cnf.Retry.Timeout())
}

func TestValidateAndAddDefaults_RateLimitBurst(t *testing.T) {
	rps := 5.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.RateLimit.Burst)
	assert.Equal(t, 10, *cnf.RateLimit.Burst)

	burst := 8
	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		RateLimit:  RateLimitConfig{Burst: &burst},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Equal(t, 4.0, *cnf.RateLimit.RequestsPerSecond)
}

func TestValidateAndAddDefaults_InvalidValues(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		RateLimit:  RateLimitConfig{HistoryCapacity: 10, HistoryTrimTo: 20},
	}
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Retry:      RetryConfig{BackoffMultiplier: 0.5},
	}
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Retry:      RetryConfig{BaseDelayMs: 5000, MaxDelayMs: 100},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, int64(5000), cnf.Retry.MaxDelayMs)
}

func TestValidateAndAddDefaults_FailurePolicy(t *testing.T) {
	cnf := Configuration{
		DataSource:  DataSourceConfig{Dns: "postgres://localhost:5432"},
		LedgerCache: LedgerCacheConfig{FailurePolicy: " ZERO "},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, FailurePolicyZero, cnf.LedgerCache.FailurePolicy)

	cnf.LedgerCache.FailurePolicy = "something-else"
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, FailurePolicyRetain, cnf.LedgerCache.FailurePolicy)
}

func TestLoadConfigFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "creditguard.json")

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		RateLimit:   RateLimitConfig{MaxRequests: 25},
	}
	data, err := json.Marshal(sampleConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data, 0o600))

	t.Setenv("CREDITGUARD_PROJECT_NAME", "Env Project")
	t.Setenv("CREDITGUARD_RETRY_MAX_ATTEMPTS", "5")

	require.NoError(t, loadConfigFromFile(file))

	loadedConfig, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, 25, loadedConfig.RateLimit.MaxRequests)
	assert.Equal(t, 5, loadedConfig.Retry.MaxAttempts)
}

func TestInitConfig_EnvOnly(t *testing.T) {
	t.Setenv("CREDITGUARD_DATA_SOURCE_DNS", "env-dns")
	t.Setenv("CREDITGUARD_LEDGER_CACHE_TTL_MS", "1500")

	err := InitConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "env-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, 1500*time.Millisecond, loadedConfig.LedgerCache.TTL())
}

func TestDefaults(t *testing.T) {
	cnf := Defaults()
	assert.Equal(t, 10, cnf.RateLimit.MaxRequests)
	assert.Equal(t, 3, cnf.Retry.MaxAttempts)
	assert.NotEmpty(t, cnf.DataSource.Dns)
}
