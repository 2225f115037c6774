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

package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-batch/batchd/internal/common"
)

func newJob(id, user, status string, completedAgo time.Duration) *common.Job {
	j := &common.Job{
		ID:        id,
		User:      user,
		Status:    status,
		CreatedAt: time.Now().Add(-completedAgo - time.Hour),
	}
	if common.IsTerminal(status) {
		t := time.Now().Add(-completedAgo)
		j.CompletedAt = &t
	}
	return j
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	job := newJob("j1", "alice", common.JobCreated, 0)
	require.NoError(t, s.Save(job))

	got, err := s.Load("j1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, common.JobCreated, got.Status)
}

func TestLoadUnknownJobIsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("nope")
	assert.Error(t, err)
}

func TestLoadAllRebuildsIndexFromDisk(t *testing.T) {
	root := t.TempDir()
	s1 := New(root)
	require.NoError(t, s1.Save(newJob("j1", "alice", common.JobRunning, 0)))
	require.NoError(t, s1.Save(newJob("j2", "bob", common.JobCompleted, time.Hour)))

	s2 := New(root)
	jobs, err := s2.LoadAll()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	aliceJobs := s2.LoadForUser("alice")
	require.Len(t, aliceJobs, 1)
	assert.Equal(t, "j1", aliceJobs[0].ID)
}

func TestListIsNewestFirst(t *testing.T) {
	s := New(t.TempDir())
	older := newJob("old", "alice", common.JobCreated, 0)
	older.CreatedAt = time.Now().Add(-2 * time.Hour)
	newer := newJob("new", "alice", common.JobCreated, 0)
	newer.CreatedAt = time.Now()

	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(newer))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(newJob("j1", "alice", common.JobCreated, 0)))
	require.NoError(t, s.Delete("j1"))

	_, err := s.Load("j1")
	assert.Error(t, err)
}

func TestCleanupRetentionOnlyDeletesOldTerminalJobs(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(newJob("running", "alice", common.JobRunning, 0)))
	require.NoError(t, s.Save(newJob("recent", "alice", common.JobCompleted, time.Minute)))
	require.NoError(t, s.Save(newJob("aged", "alice", common.JobCompleted, 48*time.Hour)))

	n, err := s.CleanupRetention(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Load("aged")
	assert.Error(t, err)
	_, err = s.Load("recent")
	assert.NoError(t, err)
	_, err = s.Load("running")
	assert.NoError(t, err)
}

func TestCloneIsIndependentOfStoredJob(t *testing.T) {
	s := New(t.TempDir())
	job := newJob("j1", "alice", common.JobCreated, 0)
	require.NoError(t, s.Save(job))

	got, err := s.Load("j1")
	require.NoError(t, err)
	got.Status = common.JobRunning

	again, err := s.Load("j1")
	require.NoError(t, err)
	assert.Equal(t, common.JobCreated, again.Status)
}
