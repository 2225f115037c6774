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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoaderEmptyPathReturnsDefaults(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), l.Current())
}

func TestNewLoaderMissingFileFallsBackToDefaults(t *testing.T) {
	l, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().MaxConcurrent, l.Current().MaxConcurrent)
}

func TestNewLoaderReadsOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxConcurrent: 9\nassistantCommand: my-claude\n"), 0o644))

	l, err := NewLoader(path)
	require.NoError(t, err)

	cfg := l.Current()
	assert.Equal(t, 9, cfg.MaxConcurrent)
	assert.Equal(t, "my-claude", cfg.AssistantCommand)
	assert.Equal(t, Defaults().IndexerCommand, cfg.IndexerCommand)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		DefaultJobTimeoutSeconds: 90,
		MaxJobAgeHours:           2,
		RetentionDays:            3,
	}

	assert.Equal(t, 90*time.Second, cfg.JobTimeout())
	assert.Equal(t, 2*time.Hour, cfg.MaxJobAge())
	assert.Equal(t, 72*time.Hour, cfg.Retention())
}
