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

// Package recovery implements RecoveryCoordinator (spec.md §4.10):
// boot-time reconciliation of persisted non-terminal jobs against the
// on-disk artifacts their worker left behind. It is strictly observational
// -- it never resumes a phase or re-launches a subprocess -- following
// boskos/ranch/ranch.go's SyncConfig, which reconciles in-memory state
// against an external source of truth on startup without retrying any
// in-flight operation.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/jobstore"
	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/process"
)

var log = logging.Component("recovery")

var sentinelRE = regexp.MustCompile(`Exit code: (-?\d+)\s*$`)

// Outcome records what the coordinator did with one recovered job, for the
// boot-time report spec.md §4.10 calls for.
type Outcome struct {
	JobID    string
	OldState string
	NewState string
	Detail   string
}

// Coordinator reconciles persisted jobs against on-disk execution
// artifacts at startup.
type Coordinator struct {
	store *jobstore.Store
}

// New constructs a Coordinator over store.
func New(store *jobstore.Store) *Coordinator {
	return &Coordinator{store: store}
}

// Run loads every persisted job, reconciles each non-terminal one, and
// returns the outcomes. It is idempotent: a job already terminal is left
// untouched, and a job adopted as Running on a prior call is reconciled
// again to the same state while its process is alive.
func (c *Coordinator) Run() ([]Outcome, error) {
	jobs, err := c.store.LoadAll()
	if err != nil {
		log.WithError(err).Warn("some job records failed to load during recovery")
	}

	var outcomes []Outcome
	for _, job := range jobs {
		if common.IsTerminal(job.Status) {
			continue
		}
		outcome := c.reconcile(job)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func outputFile(job *common.Job) string {
	return filepath.Join(job.WorkspacePath, fmt.Sprintf(".claude-job-%s.output", job.ID))
}

func pidFile(job *common.Job) string {
	return filepath.Join(job.WorkspacePath, fmt.Sprintf(".claude-job-%s.pid", job.ID))
}

// reconcile applies the three cases from spec.md §4.10, in order.
func (c *Coordinator) reconcile(job *common.Job) Outcome {
	old := job.Status

	if exitCode, output, ok := readSentinel(job); ok {
		now := time.Now()
		job.ExitCode = &exitCode
		job.Output = output
		job.PID = nil
		job.CompletedAt = &now
		if exitCode == 0 {
			job.Status = common.JobCompleted
		} else {
			job.Status = common.JobFailed
		}
		c.save(job)
		return Outcome{JobID: job.ID, OldState: old, NewState: job.Status, Detail: "completion sentinel found"}
	}

	if pid, ok := readPID(job); ok && process.IsAlive(pid) {
		job.PID = &pid
		job.Status = common.JobRunning
		c.save(job)
		return Outcome{JobID: job.ID, OldState: old, NewState: job.Status, Detail: "adopted live process"}
	}

	now := time.Now()
	job.PID = nil
	job.CompletedAt = &now
	job.Status = common.JobFailed
	if job.StartedAt != nil {
		job.Output = "Process died unexpectedly during execution"
	} else {
		job.Output = "Job failed to start properly"
	}
	c.save(job)
	return Outcome{JobID: job.ID, OldState: old, NewState: job.Status, Detail: job.Output}
}

func (c *Coordinator) save(job *common.Job) {
	if err := c.store.Save(job); err != nil {
		log.WithField("job", job.ID).WithError(err).Error("failed to persist recovered job state")
	}
}

// readSentinel returns the parsed exit code and sentinel-stripped output if
// the job's output file ends with "Exit code: N".
func readSentinel(job *common.Job) (int, string, bool) {
	buf, err := os.ReadFile(outputFile(job))
	if err != nil {
		return 0, "", false
	}
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) == 0 {
		return 0, "", false
	}
	last := lines[len(lines)-1]
	m := sentinelRE.FindStringSubmatch(last)
	if m == nil {
		return 0, "", false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return code, strings.Join(lines[:len(lines)-1], "\n"), true
}

func readPID(job *common.Job) (int, bool) {
	buf, err := os.ReadFile(pidFile(job))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
