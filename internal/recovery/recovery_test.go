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

package recovery

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/jobstore"
)

func newRunningJob(t *testing.T, store *jobstore.Store, id string) *common.Job {
	t.Helper()
	started := time.Now()
	job := &common.Job{
		ID:            id,
		WorkspacePath: t.TempDir(),
		Status:        common.JobRunning,
		StartedAt:     &started,
	}
	require.NoError(t, store.Save(job))
	return job
}

func TestReconcileFindsCompletionSentinel(t *testing.T) {
	store := jobstore.New(t.TempDir())
	job := newRunningJob(t, store, "j1")
	require.NoError(t, os.WriteFile(outputFile(job), []byte("work done\nExit code: 0\n"), 0o644))

	outcomes, err := New(store).Run()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, common.JobCompleted, outcomes[0].NewState)

	got, err := store.Load("j1")
	require.NoError(t, err)
	assert.Equal(t, "work done", got.Output)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Nil(t, got.PID)
}

func TestReconcileNonZeroSentinelIsFailed(t *testing.T) {
	store := jobstore.New(t.TempDir())
	job := newRunningJob(t, store, "j1")
	require.NoError(t, os.WriteFile(outputFile(job), []byte("boom\nExit code: 1\n"), 0o644))

	outcomes, err := New(store).Run()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, common.JobFailed, outcomes[0].NewState)
}

func TestReconcileAdoptsLiveProcess(t *testing.T) {
	store := jobstore.New(t.TempDir())
	job := newRunningJob(t, store, "j1")

	cmd := exec.Command("sleep", "2")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	require.NoError(t, os.WriteFile(pidFile(job), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	outcomes, err := New(store).Run()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, common.JobRunning, outcomes[0].NewState)

	got, err := store.Load("j1")
	require.NoError(t, err)
	require.NotNil(t, got.PID)
	assert.Equal(t, cmd.Process.Pid, *got.PID)
}

func TestReconcileMarksFailedWhenNeitherArtifactPresent(t *testing.T) {
	store := jobstore.New(t.TempDir())
	newRunningJob(t, store, "j1")

	outcomes, err := New(store).Run()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, common.JobFailed, outcomes[0].NewState)
	assert.Equal(t, "Process died unexpectedly during execution", outcomes[0].Detail)
}

func TestReconcileSkipsTerminalJobs(t *testing.T) {
	store := jobstore.New(t.TempDir())
	now := time.Now()
	require.NoError(t, store.Save(&common.Job{ID: "done", Status: common.JobCompleted, CompletedAt: &now}))

	outcomes, err := New(store).Run()
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestOutputFileAndPIDFileNamingMatchesExecutorConvention(t *testing.T) {
	job := &common.Job{ID: "abc", WorkspacePath: "/tmp/ws"}
	assert.Equal(t, filepath.Join("/tmp/ws", fmt.Sprintf(".claude-job-%s.output", "abc")), outputFile(job))
	assert.Equal(t, filepath.Join("/tmp/ws", fmt.Sprintf(".claude-job-%s.pid", "abc")), pidFile(job))
}
