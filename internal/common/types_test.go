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

package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	terminal := []string{JobCompleted, JobFailed, JobTimeout, JobCancelled, JobTerminated}
	for _, s := range terminal {
		assert.True(t, IsTerminal(s), s)
	}

	nonTerminal := []string{JobCreated, JobQueued, JobGitPulling, JobGitFailed, JobCidxIndexing, JobCidxReady, JobRunning, JobCancelling}
	for _, s := range nonTerminal {
		assert.False(t, IsTerminal(s), s)
	}
}

func TestJobCloneDeepCopiesPointerFields(t *testing.T) {
	started := time.Now()
	exitCode := 0
	pid := 1234

	orig := &Job{
		ID:      "j1",
		Uploads: []string{"a.txt", "b.txt"},
		Options: JobOptions{
			EnvironmentOverrides: map[string]string{"FOO": "bar"},
		},
		StartedAt: &started,
		ExitCode:  &exitCode,
		PID:       &pid,
	}

	cp := orig.Clone()

	cp.Uploads[0] = "mutated.txt"
	cp.Options.EnvironmentOverrides["FOO"] = "mutated"
	*cp.StartedAt = started.Add(time.Hour)
	*cp.ExitCode = 99
	*cp.PID = 1

	assert.Equal(t, "a.txt", orig.Uploads[0])
	assert.Equal(t, "bar", orig.Options.EnvironmentOverrides["FOO"])
	assert.Equal(t, started, *orig.StartedAt)
	assert.Equal(t, 0, *orig.ExitCode)
	assert.Equal(t, 1234, *orig.PID)
}

func TestJobCloneHandlesNilPointerFields(t *testing.T) {
	orig := &Job{ID: "j1"}
	cp := orig.Clone()

	assert.Nil(t, cp.Uploads)
	assert.Nil(t, cp.Options.EnvironmentOverrides)
	assert.Nil(t, cp.StartedAt)
	assert.Nil(t, cp.CompletedAt)
	assert.Nil(t, cp.CancelledAt)
	assert.Nil(t, cp.ExitCode)
	assert.Nil(t, cp.PID)
}
