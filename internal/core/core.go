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

// Package core wires every lower-level component into the Service facade
// spec.md §6 describes as the contract an external HTTP layer calls
// against. Every operation that takes a jobId first loads the job and
// checks ownership, the same owner-or-reject guard boskos/ranch.go applies
// before Release/Update act on a resource's owner field.
package core

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/claude-batch/batchd/internal/apierrors"
	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/jobstore"
	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/repository"
	"github.com/claude-batch/batchd/internal/scheduler"
	"github.com/claude-batch/batchd/internal/upload"
	"github.com/claude-batch/batchd/internal/validate"
)

var log = logging.Component("core")

// Service is the single entry point an HTTP façade (out of scope here, per
// spec.md §1) would call into.
type Service struct {
	registry  *repository.Registry
	scheduler *scheduler.Scheduler
	store     *jobstore.Store
	staging   *upload.Staging
}

// New constructs a Service over already-wired collaborators.
func New(registry *repository.Registry, sched *scheduler.Scheduler, store *jobstore.Store, staging *upload.Staging) *Service {
	return &Service{registry: registry, scheduler: sched, store: store, staging: staging}
}

// RegisterRepository starts background clone+index registration.
func (s *Service) RegisterRepository(ctx context.Context, name, gitURL, description string, indexerAware bool) (*common.Repository, error) {
	return s.registry.Register(ctx, name, gitURL, description, indexerAware)
}

// UnregisterRepository removes a registered repository.
func (s *Service) UnregisterRepository(ctx context.Context, name string) error {
	return s.registry.Unregister(ctx, name)
}

// ListRepositories returns every registered repository.
func (s *Service) ListRepositories(ctx context.Context) ([]common.Repository, error) {
	return s.registry.List(ctx)
}

// GetRepository returns a single repository by name.
func (s *Service) GetRepository(ctx context.Context, name string) (*common.Repository, error) {
	return s.registry.Get(ctx, name)
}

// CreateJobRequest mirrors spec.md §6's createJob(user, request).
type CreateJobRequest struct {
	Repository string
	Prompt     string
	Title      string
	Options    common.JobOptions
}

// CreateJob materializes a job's workspace under the given user.
func (s *Service) CreateJob(ctx context.Context, user string, req CreateJobRequest) (*common.Job, error) {
	return s.scheduler.CreateJob(ctx, scheduler.CreateJobInput{
		User:       user,
		Repository: req.Repository,
		Prompt:     req.Prompt,
		Title:      req.Title,
		Options:    req.Options,
	})
}

// StartJob enqueues a Created job owned by user.
func (s *Service) StartJob(ctx context.Context, user, jobID string) (*common.Job, error) {
	if err := s.requireOwner(user, jobID); err != nil {
		return nil, err
	}
	return s.scheduler.StartJob(jobID)
}

// CancelJob requests cancellation of a non-terminal job owned by user.
func (s *Service) CancelJob(ctx context.Context, user, jobID, reason string) error {
	if err := s.requireOwner(user, jobID); err != nil {
		return err
	}
	return s.scheduler.Cancel(jobID, reason)
}

// DeleteJob removes a job's workspace and record, owned by user.
func (s *Service) DeleteJob(ctx context.Context, user, jobID string) error {
	if err := s.requireOwner(user, jobID); err != nil {
		return err
	}
	return s.scheduler.Delete(jobID)
}

// GetJobStatus returns a consistent snapshot of a job owned by user.
func (s *Service) GetJobStatus(ctx context.Context, user, jobID string) (*common.Job, error) {
	job, err := s.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if job.User != user {
		return nil, &apierrors.Unauthorized{User: user, JobID: jobID}
	}
	return job, nil
}

// ListUserJobs returns every job owned by user, newest-first.
func (s *Service) ListUserJobs(ctx context.Context, user string) []*common.Job {
	return s.store.LoadForUser(user)
}

func (s *Service) requireOwner(user, jobID string) error {
	job, err := s.store.Load(jobID)
	if err != nil {
		return err
	}
	if job.User != user {
		return &apierrors.Unauthorized{User: user, JobID: jobID}
	}
	return nil
}

// UploadFile stages an upload for a job owned by user, then drains the
// job's staging area into its workspace's files directory, whatever the
// job's state. A drain failure is logged and does not fail the upload. The
// filename is appended to the job's upload list.
func (s *Service) UploadFile(ctx context.Context, user, jobID, filename string, stream io.Reader, overwrite bool) (string, error) {
	job, err := s.store.Load(jobID)
	if err != nil {
		return "", err
	}
	if job.User != user {
		return "", &apierrors.Unauthorized{User: user, JobID: jobID}
	}
	stored, err := s.staging.Stage(jobID, filename, stream, overwrite)
	if err != nil {
		return "", err
	}
	if _, err := s.staging.Drain(jobID, job.WorkspacePath); err != nil {
		log.WithField("job", jobID).WithError(err).Warn("post-upload drain failed")
	}
	job.Uploads = append(job.Uploads, filename)
	_ = s.store.Save(job)
	return stored, nil
}

// WorkspaceEntry describes one file or directory under a job's workspace.
type WorkspaceEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ListWorkspace lists entries under path (relative to the job's workspace
// root) up to depth levels deep, optionally filtered by a glob mask and by
// type ("file", "dir", or "" for both), per spec.md §6.
func (s *Service) ListWorkspace(ctx context.Context, user, jobID, path, mask string, depth int, typeFilter string) ([]WorkspaceEntry, error) {
	job, err := s.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if job.User != user {
		return nil, &apierrors.Unauthorized{User: user, JobID: jobID}
	}
	if err := validate.Mask(mask); err != nil {
		return nil, err
	}
	root := job.WorkspacePath
	if path == "" {
		path = "."
	}
	start, err := validate.RelativePath(root, path)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}

	var out []WorkspaceEntry
	err = filepath.Walk(start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if p == start {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		relToStart, _ := filepath.Rel(start, p)
		level := len(filepathSplit(relToStart))
		if level > depth {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if mask != "" {
			if ok, _ := filepath.Match(mask, info.Name()); !ok {
				return nil
			}
		}
		switch typeFilter {
		case "file":
			if info.IsDir() {
				return nil
			}
		case "dir":
			if !info.IsDir() {
				return nil
			}
		}
		out = append(out, WorkspaceEntry{
			Name:    info.Name(),
			Path:    rel,
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &apierrors.Internal{Reason: "walk workspace", Cause: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// filepathSplit counts path segments in rel for depth comparisons; "." (the
// walk root itself) has zero segments.
func filepathSplit(rel string) []string {
	if rel == "." || rel == "" {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

// DownloadWorkspaceFile opens a workspace-relative file for streaming to the
// caller. The caller is responsible for closing the returned ReadCloser.
func (s *Service) DownloadWorkspaceFile(ctx context.Context, user, jobID, path string) (io.ReadCloser, error) {
	job, err := s.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if job.User != user {
		return nil, &apierrors.Unauthorized{User: user, JobID: jobID}
	}
	abs, err := validate.RelativePath(job.WorkspacePath, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &apierrors.NotFound{Kind: "workspace file", ID: path}
		}
		return nil, &apierrors.Internal{Reason: "open workspace file", Cause: err}
	}
	return f, nil
}

// ReadWorkspaceFileText reads a workspace-relative file fully as text (for
// small files such as logs or generated output; spec.md §6).
func (s *Service) ReadWorkspaceFileText(ctx context.Context, user, jobID, path string) (string, error) {
	job, err := s.store.Load(jobID)
	if err != nil {
		return "", err
	}
	if job.User != user {
		return "", &apierrors.Unauthorized{User: user, JobID: jobID}
	}
	abs, err := validate.RelativePath(job.WorkspacePath, path)
	if err != nil {
		return "", err
	}
	buf, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &apierrors.NotFound{Kind: "workspace file", ID: path}
		}
		return "", &apierrors.Internal{Reason: "read workspace file", Cause: err}
	}
	return string(buf), nil
}
