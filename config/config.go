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
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	FailurePolicyRetain = "retain"
	FailurePolicyZero   = "zero"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"CREDITGUARD_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"CREDITGUARD_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"CREDITGUARD_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"CREDITGUARD_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"CREDITGUARD_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"CREDITGUARD_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CREDITGUARD_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"CREDITGUARD_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"CREDITGUARD_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerCacheConfig controls how long a fetched balance is served without
// going back to the account store, and what happens when a load fails.
type LedgerCacheConfig struct {
	TTLMs         int64  `json:"ttl_ms" envconfig:"CREDITGUARD_LEDGER_CACHE_TTL_MS"`
	FailurePolicy string `json:"failure_policy" envconfig:"CREDITGUARD_LEDGER_CACHE_FAILURE_POLICY"`
	SharedTier    bool   `json:"shared_tier" envconfig:"CREDITGUARD_LEDGER_CACHE_SHARED_TIER"`
}

func (c LedgerCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// RateLimitConfig holds both the per-session sliding window settings and the
// optional token bucket that fronts the HTTP server.
type RateLimitConfig struct {
	MaxRequests       int   `json:"max_requests" envconfig:"CREDITGUARD_RATE_LIMIT_MAX_REQUESTS"`
	WindowMs          int64 `json:"window_ms" envconfig:"CREDITGUARD_RATE_LIMIT_WINDOW_MS"`
	CleanupIntervalMs int64 `json:"cleanup_interval_ms" envconfig:"CREDITGUARD_RATE_LIMIT_CLEANUP_INTERVAL_MS"`
	HistoryCapacity   int   `json:"history_capacity" envconfig:"CREDITGUARD_RATE_LIMIT_HISTORY_CAPACITY"`
	HistoryTrimTo     int   `json:"history_trim_to" envconfig:"CREDITGUARD_RATE_LIMIT_HISTORY_TRIM_TO"`

	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CREDITGUARD_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CREDITGUARD_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CREDITGUARD_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

func (c RateLimitConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" envconfig:"CREDITGUARD_RETRY_MAX_ATTEMPTS"`
	BaseDelayMs       int64   `json:"base_delay_ms" envconfig:"CREDITGUARD_RETRY_BASE_DELAY_MS"`
	MaxDelayMs        int64   `json:"max_delay_ms" envconfig:"CREDITGUARD_RETRY_MAX_DELAY_MS"`
	BackoffMultiplier float64 `json:"backoff_multiplier" envconfig:"CREDITGUARD_RETRY_BACKOFF_MULTIPLIER"`
	TimeoutMs         int64   `json:"timeout_ms" envconfig:"CREDITGUARD_RETRY_TIMEOUT_MS"`
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c RetryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"CREDITGUARD_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName  string            `json:"project_name" envconfig:"CREDITGUARD_PROJECT_NAME"`
	Server       ServerConfig      `json:"server"`
	DataSource   DataSourceConfig  `json:"data_source"`
	Redis        RedisConfig       `json:"redis"`
	LedgerCache  LedgerCacheConfig `json:"ledger_cache"`
	RateLimit    RateLimitConfig   `json:"rate_limit"`
	Retry        RetryConfig       `json:"retry"`
	Notification Notification      `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("creditguard", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called creditguard.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Credit Guard"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.LedgerCache.SharedTier && cnf.Redis.Dns == "" {
		return errors.New("redis DNS is required when the ledger cache shared tier is enabled")
	}

	cnf.setLedgerCacheDefaults()
	if err := cnf.setRateLimitDefaults(); err != nil {
		return err
	}
	return cnf.setRetryDefaults()
}

func (cnf *Configuration) setLedgerCacheDefaults() {
	if cnf.LedgerCache.TTLMs <= 0 {
		cnf.LedgerCache.TTLMs = 60000
	}
	policy := strings.ToLower(strings.TrimSpace(cnf.LedgerCache.FailurePolicy))
	if policy != FailurePolicyZero {
		policy = FailurePolicyRetain
	}
	cnf.LedgerCache.FailurePolicy = policy
}

func (cnf *Configuration) setRateLimitDefaults() error {
	rl := &cnf.RateLimit
	if rl.MaxRequests <= 0 {
		rl.MaxRequests = 10
	}
	if rl.WindowMs <= 0 {
		rl.WindowMs = 60000
	}
	if rl.CleanupIntervalMs <= 0 {
		rl.CleanupIntervalMs = rl.WindowMs
	}
	if rl.HistoryCapacity <= 0 {
		rl.HistoryCapacity = 100
	}
	if rl.HistoryTrimTo <= 0 {
		rl.HistoryTrimTo = rl.HistoryCapacity / 2
	}
	if rl.HistoryTrimTo > rl.HistoryCapacity {
		return fmt.Errorf("rate limit history_trim_to (%d) cannot exceed history_capacity (%d)", rl.HistoryTrimTo, rl.HistoryCapacity)
	}

	// The front token bucket is disabled by default (when both RPS and Burst are nil)
	if rl.RequestsPerSecond != nil && rl.Burst == nil {
		defaultBurst := 2 * int(*rl.RequestsPerSecond)
		rl.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if rl.RequestsPerSecond == nil && rl.Burst != nil {
		defaultRPS := float64(*rl.Burst) / 2
		rl.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if rl.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		rl.CleanupIntervalSec = &defaultCleanup
	}
	return nil
}

func (cnf *Configuration) setRetryDefaults() error {
	r := &cnf.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 1000
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 10000
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff_multiplier must be >= 1, got %v", r.BackoffMultiplier)
	}
	if r.MaxDelayMs < r.BaseDelayMs {
		log.Printf("Warning: retry max_delay_ms (%d) is lower than base_delay_ms (%d). Raising it.", r.MaxDelayMs, r.BaseDelayMs)
		r.MaxDelayMs = r.BaseDelayMs
	}
	if r.TimeoutMs <= 0 {
		r.TimeoutMs = 30000
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// Defaults returns a configuration with every default applied and a placeholder
// data source, for callers that construct services without a config file.
func Defaults() *Configuration {
	cnf := &Configuration{DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/creditguard?sslmode=disable"}}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
