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

package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-batch/batchd/internal/apierrors"
	"github.com/claude-batch/batchd/internal/common"
)

func TestGetUnknownRepositoryIsNotFound(t *testing.T) {
	r := NewRegistry(t.TempDir(), "cidx")
	_, err := r.Get(context.Background(), "nope")
	assert.ErrorAs(t, err, new(*apierrors.NotFound))
}

func TestGetRejectsInvalidName(t *testing.T) {
	r := NewRegistry(t.TempDir(), "cidx")
	_, err := r.Get(context.Background(), "bad/name")
	assert.Error(t, err)
}

func TestGetReadsSettingsRecord(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "cidx")

	clonePath := filepath.Join(root, "myrepo")
	require.NoError(t, os.MkdirAll(clonePath, 0o755))
	require.NoError(t, writeSettings(filepath.Join(clonePath, settingsFileName), &common.RepositorySettings{
		Name:         "myrepo",
		GitURL:       "https://example.com/myrepo.git",
		CloneStatus:  common.CloneStatusCompleted,
		RegisteredAt: time.Now(),
	}))

	repo, err := r.Get(context.Background(), "myrepo")
	require.NoError(t, err)
	assert.Equal(t, common.CloneStatusCompleted, repo.CloneStatus)
	assert.Equal(t, "https://example.com/myrepo.git", repo.GitURL)
}

func TestDescribeReportsCloningWhenSettingsMissing(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "cidx")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "inprogress"), 0o755))

	repo, err := r.Get(context.Background(), "inprogress")
	require.NoError(t, err)
	assert.Equal(t, common.CloneStatusCloning, repo.CloneStatus)
}

func TestListAggregatesAllEntries(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "cidx")

	for _, name := range []string{"a", "b"} {
		clonePath := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(clonePath, 0o755))
		require.NoError(t, writeSettings(filepath.Join(clonePath, settingsFileName), &common.RepositorySettings{
			Name:        name,
			CloneStatus: common.CloneStatusCompleted,
		}))
	}

	repos, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, repos, 2)
}

func TestListOnMissingRootReturnsEmpty(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing"), "cidx")
	repos, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	r := NewRegistry(t.TempDir(), "cidx")
	_, err := r.Register(context.Background(), "bad;name", "https://example.com/r.git", "", false)
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidGitURL(t *testing.T) {
	r := NewRegistry(t.TempDir(), "cidx")
	_, err := r.Register(context.Background(), "goodname", "file:///etc/passwd", "", false)
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateExistingClone(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "cidx")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "existing"), 0o755))

	_, err := r.Register(context.Background(), "existing", "https://example.com/r.git", "", false)
	var conflict *apierrors.Conflict
	assert.ErrorAs(t, err, &conflict)
}

func TestUnregisterUnknownRepositoryIsNotFound(t *testing.T) {
	r := NewRegistry(t.TempDir(), "cidx")
	err := r.Unregister(context.Background(), "nope")
	assert.ErrorAs(t, err, new(*apierrors.NotFound))
}

func TestUnregisterRemovesCloneDirectory(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "cidx")
	clonePath := filepath.Join(root, "myrepo")
	require.NoError(t, os.MkdirAll(clonePath, 0o755))
	require.NoError(t, writeSettings(filepath.Join(clonePath, settingsFileName), &common.RepositorySettings{
		Name:        "myrepo",
		CloneStatus: common.CloneStatusCompleted,
	}))

	require.NoError(t, r.Unregister(context.Background(), "myrepo"))
	_, err := os.Stat(clonePath)
	assert.True(t, os.IsNotExist(err))
}

func TestPullUpdatesNotGitRepoWhenNoGitDir(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "cidx")
	clonePath := filepath.Join(root, "plain")
	require.NoError(t, os.MkdirAll(clonePath, 0o755))

	outcome, err := r.PullUpdates(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, PullNotGitRepo, outcome)
}

func TestClonePathJoinsRoot(t *testing.T) {
	r := NewRegistry("/var/lib/repos", "cidx")
	assert.Equal(t, "/var/lib/repos/myrepo", r.ClonePath("myrepo"))
}
