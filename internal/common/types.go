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

// Package common holds the data model shared across the core: Job,
// Repository, and the small value types that travel between packages. The
// shape follows boskos/common/common.go -- plain exported structs with JSON
// tags, string-constant enums, and no package-specific behavior attached.
package common

import (
	"time"
)

// Repository clone-status values.
const (
	CloneStatusCloning      = "cloning"
	CloneStatusCidxIndexing = "cidx_indexing"
	CloneStatusCompleted    = "completed"
	CloneStatusCidxFailed   = "cidx_failed"
	CloneStatusFailed       = "failed"
)

// Job status values (the observable state-machine states from spec.md §4.9).
const (
	JobCreated      = "Created"
	JobQueued       = "Queued"
	JobGitPulling   = "GitPulling"
	JobGitFailed    = "GitFailed"
	JobCidxIndexing = "CidxIndexing"
	JobCidxReady    = "CidxReady"
	JobRunning      = "Running"
	JobCancelling   = "Cancelling"
	JobCompleted    = "Completed"
	JobFailed       = "Failed"
	JobTimeout      = "Timeout"
	JobCancelled    = "Cancelled"
	JobTerminated   = "Terminated"
)

// TerminalStatuses lists every status from which a job never transitions
// again (spec.md §3, Job invariants).
var TerminalStatuses = map[string]bool{
	JobCompleted:  true,
	JobFailed:     true,
	JobTimeout:    true,
	JobCancelled:  true,
	JobTerminated: true,
}

// IsTerminal reports whether status is one of the terminal states.
func IsTerminal(status string) bool { return TerminalStatuses[status] }

// GitMetadata is a point-in-time snapshot of a local working tree's git
// state, returned by GitMetadataReader. A nil *GitMetadata means the
// directory has no .git entry.
type GitMetadata struct {
	RemoteURL     string     `json:"remoteUrl,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	CommitHash    string     `json:"commitHash,omitempty"`
	CommitMessage string     `json:"commitMessage,omitempty"`
	CommitAuthor  string     `json:"commitAuthor,omitempty"`
	CommitDate    *time.Time `json:"commitDate,omitempty"`
	Uncommitted   bool       `json:"uncommitted"`
	Ahead         *int       `json:"ahead,omitempty"`
	Behind        *int       `json:"behind,omitempty"`
}

// RepositorySettings is the durable JSON record kept inside the clone
// directory (spec.md §4.4, §6). It is the single source of truth for
// repository state.
type RepositorySettings struct {
	Name         string    `json:"Name"`
	Description  string    `json:"Description"`
	GitURL       string    `json:"GitUrl"`
	RegisteredAt time.Time `json:"RegisteredAt"`
	CloneStatus  string    `json:"CloneStatus"`
	CidxAware    bool      `json:"CidxAware"`
}

// Repository is a registered source tree, as returned to callers. It
// combines the durable settings record with filesystem/git facts gathered
// at query time.
type Repository struct {
	Name          string       `json:"name"`
	GitURL        string       `json:"gitUrl"`
	Description   string       `json:"description"`
	ClonePath     string       `json:"clonePath"`
	CidxAware     bool         `json:"cidxAware"`
	CloneStatus   string       `json:"cloneStatus"`
	RegisteredAt  time.Time    `json:"registeredAt"`
	SizeBytes     int64        `json:"sizeBytes"`
	GitMetadata   *GitMetadata `json:"gitMetadata,omitempty"`
}

// JobOptions carries the per-job knobs spec.md §3 lists under Job.Attributes.
type JobOptions struct {
	TimeoutSeconds       int               `json:"timeoutSeconds"`
	GitAware             bool              `json:"gitAware"`
	IndexerAware         bool              `json:"indexerAware"`
	EnvironmentOverrides map[string]string `json:"environmentOverrides,omitempty"`
}

// Job is a single assistant-CLI invocation and its lifecycle state.
type Job struct {
	ID               string     `json:"id"`
	User             string     `json:"user"`
	Repository       string     `json:"repository"`
	Prompt           string     `json:"prompt"`
	Title            string     `json:"title"`
	Uploads          []string   `json:"uploads,omitempty"`
	Options          JobOptions `json:"options"`
	WorkspacePath    string     `json:"workspacePath"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	QueuePosition    int        `json:"queuePosition"`
	Status           string     `json:"status"`
	ExitCode         *int       `json:"exitCode,omitempty"`
	Output           string     `json:"output,omitempty"`
	PID              *int       `json:"pid,omitempty"`
	GitPhaseStatus   string     `json:"gitPhaseStatus,omitempty"`
	CidxPhaseStatus  string     `json:"cidxPhaseStatus,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	CancelReason     string     `json:"cancelReason,omitempty"`
}

// Clone returns a deep-enough copy of the job so callers can read a
// consistent snapshot without racing the scheduler's in-place mutations.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Uploads != nil {
		cp.Uploads = append([]string(nil), j.Uploads...)
	}
	if j.Options.EnvironmentOverrides != nil {
		cp.Options.EnvironmentOverrides = make(map[string]string, len(j.Options.EnvironmentOverrides))
		for k, v := range j.Options.EnvironmentOverrides {
			cp.Options.EnvironmentOverrides[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.CancelledAt != nil {
		t := *j.CancelledAt
		cp.CancelledAt = &t
	}
	if j.ExitCode != nil {
		v := *j.ExitCode
		cp.ExitCode = &v
	}
	if j.PID != nil {
		v := *j.PID
		cp.PID = &v
	}
	return &cp
}
