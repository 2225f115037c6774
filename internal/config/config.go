/*
Copyright 2017 The Kubernetes Authors.

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

// Package config loads the service's YAML configuration with viper and
// hot-reloads it: when the backing file changes, the whole Config snapshot
// returned by Loader.Current is replaced. Values already copied into other
// components are not updated. The wiring mirrors the
// v.WatchConfig()/v.OnConfigChange calls in boskos/cmd/boskos/boskos.go.
package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/claude-batch/batchd/internal/logging"
)

// Config is the service-wide configuration.
type Config struct {
	RepositoriesRoot string `mapstructure:"repositoriesRoot"`
	JobsRoot         string `mapstructure:"jobsRoot"`
	MaxConcurrent    int    `mapstructure:"maxConcurrent"`

	DefaultJobTimeoutSeconds int `mapstructure:"defaultJobTimeoutSeconds"`
	MaxJobAgeHours           int `mapstructure:"maxJobAgeHours"`
	RetentionDays            int `mapstructure:"retentionDays"`

	AssistantCommand string   `mapstructure:"assistantCommand"`
	AssistantArgs    []string `mapstructure:"assistantArgs"`
	IndexerCommand   string   `mapstructure:"indexerCommand"`

	IndexerReadyPattern    string `mapstructure:"indexerReadyPattern"`
	IndexerNotNeededPhrase string `mapstructure:"indexerNotNeededPhrase"`

	UploadMaxBytes int64 `mapstructure:"uploadMaxBytes"`

	SystemPromptAvailable   string `mapstructure:"systemPromptAvailable"`
	SystemPromptUnavailable string `mapstructure:"systemPromptUnavailable"`
	SystemPromptDisabled    string `mapstructure:"systemPromptDisabled"`

	ExecutionMode string `mapstructure:"executionMode"` // "direct" | "fireAndForget"
}

// Defaults mirrors the default-flag pattern in boskos/cmd/boskos/boskos.go
// (defaultDynamicResourceUpdatePeriod, defaultRequestTTL, ...).
func Defaults() Config {
	return Config{
		RepositoriesRoot:         "/var/lib/claude-batch/repositories",
		JobsRoot:                 "/var/lib/claude-batch/jobs",
		MaxConcurrent:            4,
		DefaultJobTimeoutSeconds: 1800,
		MaxJobAgeHours:           24,
		RetentionDays:            30,
		AssistantCommand:         "claude",
		IndexerCommand:           "cidx",
		IndexerReadyPattern:      "Running",
		IndexerNotNeededPhrase:   "Not needed",
		UploadMaxBytes:           100 << 20,
		SystemPromptAvailable:    "A semantic code index is available via cidx; use it to search the repository.",
		SystemPromptUnavailable:  "The semantic code index is not ready yet; rely on direct file search.",
		SystemPromptDisabled:     "Do not mention or attempt to use a semantic code index for this session.",
		ExecutionMode:            "fireAndForget",
	}
}

// Loader owns a viper instance, watches the backing file, and hands out the
// current snapshot under a lock so concurrent readers never observe a
// torn update.
type Loader struct {
	v    *viper.Viper
	mu   sync.RWMutex
	cur  Config
	path string
}

// NewLoader reads path into a Config seeded with Defaults and begins
// watching it for changes. An empty path returns the defaults with no
// watcher, matching boskos's "disable entirely if there is no config" rule.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path, cur: Defaults()}
	if path == "" {
		return l, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v, l.cur)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg := l.cur
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	l.v = v
	l.cur = cfg

	log := logging.Component("config")
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			log.WithError(err).Error("failed to reload config")
			return
		}
		l.mu.Lock()
		l.cur = next
		l.mu.Unlock()
		log.Info("reloaded configuration")
	})

	return l, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("repositoriesRoot", d.RepositoriesRoot)
	v.SetDefault("jobsRoot", d.JobsRoot)
	v.SetDefault("maxConcurrent", d.MaxConcurrent)
	v.SetDefault("defaultJobTimeoutSeconds", d.DefaultJobTimeoutSeconds)
	v.SetDefault("maxJobAgeHours", d.MaxJobAgeHours)
	v.SetDefault("retentionDays", d.RetentionDays)
	v.SetDefault("assistantCommand", d.AssistantCommand)
	v.SetDefault("indexerCommand", d.IndexerCommand)
	v.SetDefault("indexerReadyPattern", d.IndexerReadyPattern)
	v.SetDefault("indexerNotNeededPhrase", d.IndexerNotNeededPhrase)
	v.SetDefault("uploadMaxBytes", d.UploadMaxBytes)
	v.SetDefault("systemPromptAvailable", d.SystemPromptAvailable)
	v.SetDefault("systemPromptUnavailable", d.SystemPromptUnavailable)
	v.SetDefault("systemPromptDisabled", d.SystemPromptDisabled)
	v.SetDefault("executionMode", d.ExecutionMode)
}

// Current returns a copy of the live configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// JobTimeout returns the configured default as a time.Duration convenience.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.DefaultJobTimeoutSeconds) * time.Second
}

// MaxJobAge returns the administrative job-age ceiling as a duration.
func (c Config) MaxJobAge() time.Duration {
	return time.Duration(c.MaxJobAgeHours) * time.Hour
}

// Retention returns the JobStore retention horizon as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
