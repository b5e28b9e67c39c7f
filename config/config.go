/*
Copyright 2024 Mextic Authors.

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
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns             string `json:"dns" envconfig:"RECARGAS_DATA_SOURCE_DNS"`
	QueryTimeoutSec int    `json:"query_timeout_sec" envconfig:"RECARGAS_DATA_SOURCE_QUERY_TIMEOUT_SEC"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"RECARGAS_REDIS_DNS"`
}

// ProviderConfig describes one external recharge provider endpoint.
type ProviderConfig struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	TimeoutSec int    `json:"timeout_sec"`
}

// RetryConfig holds the bounded-retry policy applied to provider calls.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" envconfig:"RECARGAS_RETRY_MAX_ATTEMPTS"`
	BaseDelayMs       int     `json:"base_delay_ms" envconfig:"RECARGAS_RETRY_BASE_DELAY_MS"`
	BackoffMultiplier float64 `json:"backoff_multiplier" envconfig:"RECARGAS_RETRY_BACKOFF_MULTIPLIER"`
}

// LockConfig bounds the blast radius of a crashed cycle holder.
type LockConfig struct {
	TTLSec            int `json:"ttl_sec" envconfig:"RECARGAS_LOCK_TTL_SEC"`
	AcquireTimeoutSec int `json:"acquire_timeout_sec" envconfig:"RECARGAS_LOCK_ACQUIRE_TIMEOUT_SEC"`
}

// QueueConfig controls auxiliary-queue recovery behaviour.
type QueueConfig struct {
	MaxRecoveryAttempts int `json:"max_recovery_attempts" envconfig:"RECARGAS_QUEUE_MAX_RECOVERY_ATTEMPTS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"RECARGAS_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
	DedupWindowSec int `json:"dedup_window_sec" envconfig:"RECARGAS_ALERT_DEDUP_WINDOW_SEC"`
}

// FleetSchedules holds the cron expression per fleet for worker mode.
type FleetSchedules struct {
	Tracking string `json:"tracking" envconfig:"RECARGAS_SCHEDULE_TRACKING"`
	Voice    string `json:"voice" envconfig:"RECARGAS_SCHEDULE_VOICE"`
	IoT      string `json:"iot" envconfig:"RECARGAS_SCHEDULE_IOT"`
}

type Configuration struct {
	ProjectName         string           `json:"project_name" envconfig:"RECARGAS_PROJECT_NAME"`
	DataSource          DataSourceConfig `json:"data_source"`
	Redis               RedisConfig      `json:"redis"`
	Providers           []ProviderConfig `json:"providers"`
	MinBalanceThreshold decimal.Decimal  `json:"min_balance_threshold" envconfig:"RECARGAS_MIN_BALANCE_THRESHOLD"`
	Retry               RetryConfig      `json:"retry"`
	Lock                LockConfig       `json:"lock"`
	Queue               QueueConfig      `json:"queue"`
	Notification        Notification     `json:"notification"`
	Schedules           FleetSchedules   `json:"schedules"`
}

func (cnf *Configuration) RetryBaseDelay() time.Duration {
	return time.Duration(cnf.Retry.BaseDelayMs) * time.Millisecond
}

func (cnf *Configuration) QueryTimeout() time.Duration {
	return time.Duration(cnf.DataSource.QueryTimeoutSec) * time.Second
}

func (cnf *Configuration) LockTTL() time.Duration {
	return time.Duration(cnf.Lock.TTLSec) * time.Second
}

func (cnf *Configuration) LockAcquireTimeout() time.Duration {
	return time.Duration(cnf.Lock.AcquireTimeoutSec) * time.Second
}

func (cnf *Configuration) AlertDedupWindow() time.Duration {
	return time.Duration(cnf.Notification.DedupWindowSec) * time.Second
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
	err = envconfig.Process("recargas", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called recargas.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Recargas Engine"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.DataSource.QueryTimeoutSec <= 0 {
		cnf.DataSource.QueryTimeoutSec = 30
	}

	if cnf.MinBalanceThreshold.IsZero() {
		cnf.MinBalanceThreshold = decimal.NewFromInt(100)
		log.Printf("Warning: minimum balance threshold not specified. Setting default value: %s", cnf.MinBalanceThreshold)
	}

	if cnf.Retry.MaxAttempts <= 0 {
		cnf.Retry.MaxAttempts = 3
	}
	if cnf.Retry.BaseDelayMs <= 0 {
		cnf.Retry.BaseDelayMs = 1000
	}
	if cnf.Retry.BackoffMultiplier <= 1 {
		cnf.Retry.BackoffMultiplier = 2
	}

	if cnf.Lock.TTLSec <= 0 {
		cnf.Lock.TTLSec = 600
	}
	if cnf.Lock.AcquireTimeoutSec <= 0 {
		cnf.Lock.AcquireTimeoutSec = 5
	}

	if cnf.Queue.MaxRecoveryAttempts <= 0 {
		cnf.Queue.MaxRecoveryAttempts = 3
	}

	if cnf.Notification.DedupWindowSec <= 0 {
		cnf.Notification.DedupWindowSec = 900
	}

	if cnf.Schedules.Tracking == "" {
		cnf.Schedules.Tracking = "*/10 * * * *"
	}
	if cnf.Schedules.Voice == "" {
		cnf.Schedules.Voice = "*/15 * * * *"
	}
	if cnf.Schedules.IoT == "" {
		cnf.Schedules.IoT = "0 * * * *"
	}

	for i := range cnf.Providers {
		if cnf.Providers[i].TimeoutSec <= 0 {
			cnf.Providers[i].TimeoutSec = 30
		}
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
