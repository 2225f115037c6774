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

package process

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	var r Runner
	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo hello; exit 0"}, t.TempDir(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRunNonZeroExitIsNotAGoError(t *testing.T) {
	var r Runner
	res, err := r.Run(context.Background(), "sh", []string{"-c", "exit 7"}, t.TempDir(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRunEnforcesTimeout(t *testing.T) {
	var r Runner
	_, err := r.Run(context.Background(), "sh", []string{"-c", "sleep 5"}, t.TempDir(), nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunOverlaysEnv(t *testing.T) {
	var r Runner
	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo $BATCH_TEST_VAR"}, t.TempDir(), map[string]string{"BATCH_TEST_VAR": "set"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "set\n", res.Stdout)
}

func TestSpawnDetachedReturnsLivePID(t *testing.T) {
	var r Runner
	pid, err := r.SpawnDetached("sh", []string{"-c", "sleep 1"}, t.TempDir(), nil)
	require.NoError(t, err)
	assert.True(t, IsAlive(pid))

	require.NoError(t, KillGroup(pid, syscall.SIGKILL))
	time.Sleep(100 * time.Millisecond)
}

func TestIsAliveRejectsNonPositivePID(t *testing.T) {
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}

func TestIsAliveTrueForOwnPID(t *testing.T) {
	cmd := os.Getpid()
	assert.True(t, IsAlive(cmd))
}
