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

// Package scheduler implements JobScheduler (spec.md §4.9): the bounded-
// concurrency state machine that drives a job from Created through its
// preparation phases to a terminal state. The locking discipline -- a
// single mutex guarding a plain map, with every mutation done by the one
// task that currently owns the job -- follows boskos/ranch/ranch.go's
// Acquire/Release/Update pattern; the FIFO work-assignment loop plus
// counting semaphore is this package's addition, since boskos has no
// bounded-concurrency admission control of its own.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude-batch/batchd/internal/apierrors"
	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/fsclone"
	"github.com/claude-batch/batchd/internal/jobstore"
	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/repository"
	"github.com/claude-batch/batchd/internal/upload"
)

var log = logging.Component("scheduler")

// CreateJobInput carries everything needed to materialize a new job's
// workspace, per spec.md §4.3/§4.9.
type CreateJobInput struct {
	User       string
	Repository string
	Prompt     string
	Title      string
	Options    common.JobOptions
}

// Scheduler owns the in-memory job index's transitions, the FIFO admission
// queue, and the bounded-concurrency semaphore.
type Scheduler struct {
	maxConcurrent int
	jobTimeout    time.Duration
	maxJobAge     time.Duration

	store    *jobstore.Store
	registry *repository.Registry
	cloner   *fsclone.Cloner
	staging  *upload.Staging
	exec     *executor.Executor

	jobsRoot string

	mu        sync.Mutex
	queue     []string // FIFO of queued job IDs
	sem       chan struct{}
	cancelled map[string]chan struct{} // per-job signal closed on Cancelling observed

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// Deps bundles the collaborators Scheduler drives.
type Deps struct {
	Store         *jobstore.Store
	Registry      *repository.Registry
	Cloner        *fsclone.Cloner
	Staging       *upload.Staging
	Executor      *executor.Executor
	JobsRoot      string
	MaxConcurrent int
	JobTimeout    time.Duration
	MaxJobAge     time.Duration
}

// New constructs a Scheduler. Callers must call Start to begin the
// work-assignment loop and administrative sweep.
func New(d Deps) *Scheduler {
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 1
	}
	return &Scheduler{
		maxConcurrent: d.MaxConcurrent,
		jobTimeout:    d.JobTimeout,
		maxJobAge:     d.MaxJobAge,
		store:         d.Store,
		registry:      d.Registry,
		cloner:        d.Cloner,
		staging:       d.Staging,
		exec:          d.Executor,
		jobsRoot:      d.JobsRoot,
		sem:           make(chan struct{}, d.MaxConcurrent),
		cancelled:     make(map[string]chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the work-assignment loop and the administrative job-age
// sweep as background goroutines (spec.md §10.4.9: grounded on boskos/
// cmd/boskos/boskos.go's StartDynamicResourceUpdater ticker pattern).
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.assignmentLoop(ctx)
	go s.ageSweepLoop(ctx)
}

// Stop signals background loops to exit and waits for in-flight workers.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// CreateJob records a Created job. For a job that is not gitAware, the CoW
// workspace is cloned immediately since the source tree will not change
// before the assistant runs. For a gitAware job, the clone is deferred to
// runWorker so it happens *after* a successful git pull (spec.md §4.9: "the
// CoW clone must be made after a successful pull so the job sees fresh
// content") -- cloning here would let the job observe the pre-pull tree.
// It does not enqueue the job; call StartJob(id) to do that.
func (s *Scheduler) CreateJob(ctx context.Context, in CreateJobInput) (*common.Job, error) {
	repo, err := s.registry.Get(ctx, in.Repository)
	if err != nil {
		return nil, err
	}
	if repo.CloneStatus != common.CloneStatusCompleted {
		return nil, &apierrors.Conflict{Reason: "repository " + in.Repository + " is not ready"}
	}

	id := uuid.NewString()
	workspacePath := fmt.Sprintf("%s/%s", s.jobsRoot, id)

	if !in.Options.GitAware {
		if err := s.materializeWorkspace(ctx, id, in.Repository, workspacePath); err != nil {
			return nil, err
		}
	}

	job := &common.Job{
		ID:            id,
		User:          in.User,
		Repository:    in.Repository,
		Prompt:        in.Prompt,
		Title:         in.Title,
		Options:       in.Options,
		WorkspacePath: workspacePath,
		CreatedAt:     time.Now(),
		Status:        common.JobCreated,
	}
	if job.Options.TimeoutSeconds <= 0 {
		job.Options.TimeoutSeconds = int(s.jobTimeout.Seconds())
	}

	if err := s.store.Save(job); err != nil {
		if !in.Options.GitAware {
			_ = fsclone.Remove(workspacePath)
		}
		return nil, err
	}
	return job, nil
}

// materializeWorkspace clones the registered source tree into the job's
// workspace and drains any staged uploads into it. For a non-gitAware job
// this runs once, in CreateJob. For a gitAware job, runWorker calls this
// after a successful pull so the clone always reflects the freshly-pulled
// content (spec.md §4.9).
func (s *Scheduler) materializeWorkspace(ctx context.Context, id, repoName, workspacePath string) error {
	if err := s.cloner.Clone(ctx, s.registry.ClonePath(repoName), workspacePath); err != nil {
		return &apierrors.PreparationFailed{Phase: "workspace_clone", Reason: err.Error()}
	}
	if n, err := s.staging.Drain(id, workspacePath); err != nil {
		log.WithField("job", id).WithError(err).Warn("upload drain failed")
	} else if n > 0 {
		log.WithField("job", id).WithField("count", n).Info("drained staged uploads")
	}
	return nil
}

// StartJob transitions Created -> Queued and enqueues the job for
// admission (spec.md §4.9).
func (s *Scheduler) StartJob(id string) (*common.Job, error) {
	job, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	if job.Status != common.JobCreated {
		return nil, &apierrors.Conflict{Reason: "job is not in Created state"}
	}
	job.Status = common.JobQueued
	if err := s.store.Save(job); err != nil {
		return nil, err
	}

	s.mu.Lock()
	pos := len(s.queue)
	for i, q := range s.queue {
		if other, err := s.store.Load(q); err == nil && other.CreatedAt.After(job.CreatedAt) {
			pos = i
			break
		}
	}
	s.queue = append(s.queue[:pos], append([]string{id}, s.queue[pos:]...)...)
	s.cancelled[id] = make(chan struct{})
	s.recomputeQueuePositionsLocked()
	s.mu.Unlock()

	return s.store.Load(id)
}

// recomputeQueuePositionsLocked assigns 1-based contiguous positions to
// every queued job, ordered by creation time (spec.md §4.9). Callers must
// hold s.mu.
func (s *Scheduler) recomputeQueuePositionsLocked() {
	for i, id := range s.queue {
		job, err := s.store.Load(id)
		if err != nil {
			continue
		}
		job.QueuePosition = i + 1
		_ = s.store.Save(job)
	}
}

// Cancel marks a non-terminal job Cancelling (spec.md §5: "cancel while
// Created or Queued short-circuits to Cancelled without ever running the
// assistant").
func (s *Scheduler) Cancel(id, reason string) error {
	job, err := s.store.Load(id)
	if err != nil {
		return err
	}
	if common.IsTerminal(job.Status) {
		return &apierrors.Conflict{Reason: "job is already in a terminal state"}
	}

	now := time.Now()
	job.CancelReason = reason
	job.CancelledAt = &now

	if job.Status == common.JobCreated || job.Status == common.JobQueued {
		job.Status = common.JobCancelled
		job.CompletedAt = &now
		job.QueuePosition = 0
		s.mu.Lock()
		s.removeFromQueueLocked(id)
		s.mu.Unlock()
		return s.store.Save(job)
	}

	job.Status = common.JobCancelling
	if err := s.store.Save(job); err != nil {
		return err
	}

	s.mu.Lock()
	if ch, ok := s.cancelled[id]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) removeFromQueueLocked(id string) {
	out := s.queue[:0]
	for _, q := range s.queue {
		if q != id {
			out = append(out, q)
		}
	}
	s.queue = out
	delete(s.cancelled, id)
	s.recomputeQueuePositionsLocked()
}

// Delete stops a running job if necessary, removes its workspace, and
// drops its record (spec.md §4.9: "Deletion is permitted in any state").
func (s *Scheduler) Delete(id string) error {
	job, err := s.store.Load(id)
	if err != nil {
		return err
	}

	if !common.IsTerminal(job.Status) {
		now := time.Now()
		job.Status = common.JobTerminated
		job.CompletedAt = &now
		if err := s.exec.Terminate(job); err != nil {
			log.WithField("job", id).WithError(err).Warn("failed to terminate subprocess during delete")
		}
		job.PID = nil
		_ = s.store.Save(job)
		s.mu.Lock()
		s.removeFromQueueLocked(id)
		s.mu.Unlock()
	}

	if err := fsclone.Remove(job.WorkspacePath); err != nil {
		log.WithField("job", id).WithError(err).Warn("failed to remove workspace during delete")
	}
	_ = s.staging.Cleanup(id)
	return s.store.Delete(id)
}

// assignmentLoop pulls from the FIFO queue, verifies the job is still
// Queued, acquires the semaphore, and launches a worker (spec.md §4.9).
func (s *Scheduler) assignmentLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryAssign(ctx)
		}
	}
}

func (s *Scheduler) tryAssign(ctx context.Context) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	s.recomputeQueuePositionsLocked()
	s.mu.Unlock()

	job, err := s.store.Load(id)
	if err != nil || job.Status != common.JobQueued {
		return // cancelled or vanished between dequeue and load
	}

	select {
	case s.sem <- struct{}{}:
	default:
		// no free slot: put it back at the front and retry next tick
		s.mu.Lock()
		s.queue = append([]string{id}, s.queue...)
		s.recomputeQueuePositionsLocked()
		s.mu.Unlock()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.runWorker(ctx, id)
	}()
}

// runWorker owns every transition for one job from Queued to terminal
// (spec.md §5: "a single task owns the transition for a given job at a
// time").
func (s *Scheduler) runWorker(ctx context.Context, id string) {
	job, err := s.store.Load(id)
	if err != nil {
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(job.Options.TimeoutSeconds)*time.Second)
	defer cancel()

	if s.isCancelRequested(id) {
		s.finishCancelled(job)
		return
	}

	now := time.Now()
	job.StartedAt = &now
	job.QueuePosition = 0

	if job.Options.GitAware {
		job.Status = common.JobGitPulling
		job.GitPhaseStatus = "running"
		_ = s.store.Save(job)
		outcome, err := s.registry.PullUpdates(jobCtx, job.Repository)
		if err != nil && outcome == repository.PullFailed {
			job.GitPhaseStatus = "failed"
			s.finishFailed(job, common.JobGitFailed, err.Error())
			return
		}
		job.GitPhaseStatus = "succeeded"
		if err := s.materializeWorkspace(jobCtx, job.ID, job.Repository, job.WorkspacePath); err != nil {
			job.GitPhaseStatus = "failed"
			s.finishFailed(job, common.JobFailed, err.Error())
			return
		}
		_ = s.store.Save(job)
	}

	if s.isCancelRequested(id) {
		s.finishCancelled(job)
		return
	}

	indexerReady := false
	if job.Options.IndexerAware {
		job.Status = common.JobCidxIndexing
		job.CidxPhaseStatus = "running"
		_ = s.store.Save(job)
		if err := s.prepareIndexer(jobCtx, job); err != nil {
			log.WithField("job", id).WithError(err).Warn("indexer preparation failed, continuing without indexer")
			job.CidxPhaseStatus = "failed"
			_ = s.store.Save(job)
		} else {
			job.Status = common.JobCidxReady
			job.CidxPhaseStatus = "ready"
			_ = s.store.Save(job)
			indexerReady = s.exec.IndexerReady(jobCtx, job.WorkspacePath)
		}
	}

	if s.isCancelRequested(id) {
		s.finishCancelled(job)
		return
	}

	job.Status = common.JobRunning
	_ = s.store.Save(job)

	if err := s.exec.Launch(jobCtx, job, job.Options.IndexerAware, indexerReady); err != nil {
		s.finishFailed(job, common.JobFailed, err.Error())
		return
	}
	if job.ExitCode != nil {
		// Mode A ran synchronously and set the result; there is no sentinel to poll.
		now := time.Now()
		job.CompletedAt = &now
		if *job.ExitCode == 0 {
			job.Status = common.JobCompleted
		} else {
			job.Status = common.JobFailed
		}
		_ = s.store.Save(job)
		return
	}
	_ = s.store.Save(job)

	s.watchRunning(jobCtx, job)
}

// prepareIndexer runs the fix-config/start/index sequence inside the
// workspace (spec.md §4.9: the workspace's indexer config references the
// source tree and must be rewritten post-clone).
func (s *Scheduler) prepareIndexer(ctx context.Context, job *common.Job) error {
	return s.exec.PrepareIndexer(ctx, job.WorkspacePath)
}

// watchRunning polls for completion, cancellation, and timeout until the
// job reaches a terminal state.
func (s *Scheduler) watchRunning(ctx context.Context, job *common.Job) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.exec.Terminate(job)
			s.finishFailed(job, common.JobTimeout, "job exceeded its timeout")
			return
		case <-ticker.C:
			if s.isCancelRequested(job.ID) {
				_ = s.exec.Terminate(job)
				time.Sleep(200 * time.Millisecond)
				s.finishCancelled(job)
				return
			}
			if exitCode, output, ok := s.exec.CheckCompletion(job); ok {
				job.ExitCode = &exitCode
				job.Output = output
				job.PID = nil
				now := time.Now()
				job.CompletedAt = &now
				if exitCode == 0 {
					job.Status = common.JobCompleted
				} else {
					job.Status = common.JobFailed
				}
				_ = s.store.Save(job)
				return
			}
			if s.exec.Died(job) {
				s.finishFailed(job, common.JobFailed, "process died unexpectedly during execution")
				return
			}
		}
	}
}

func (s *Scheduler) isCancelRequested(id string) bool {
	s.mu.Lock()
	ch, ok := s.cancelled[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Scheduler) finishCancelled(job *common.Job) {
	now := time.Now()
	job.Status = common.JobCancelled
	job.CompletedAt = &now
	job.PID = nil
	_ = s.store.Save(job)
	s.mu.Lock()
	delete(s.cancelled, job.ID)
	s.mu.Unlock()
}

func (s *Scheduler) finishFailed(job *common.Job, status, reason string) {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	job.PID = nil
	if job.Output == "" {
		job.Output = reason
	}
	_ = s.store.Save(job)
}

// ageSweepLoop enforces the administrative job-age timeout: every five
// minutes, any non-terminal job created more than maxJobAge ago is passed
// to Delete regardless of phase, which terminates it and removes its
// workspace, staging area, and record (spec.md §4.9 supplemented feature,
// §10.4.9).
func (s *Scheduler) ageSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.maxJobAge <= 0 {
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAged()
		}
	}
}

// Stats reports the current queue depth and semaphore occupancy for
// internal/metrics to publish.
func (s *Scheduler) Stats() (queueDepth, inUse, capacity int) {
	s.mu.Lock()
	queueDepth = len(s.queue)
	s.mu.Unlock()
	return queueDepth, len(s.sem), s.maxConcurrent
}

func (s *Scheduler) sweepAged() {
	cutoff := time.Now().Add(-s.maxJobAge)
	for _, job := range s.store.List() {
		if common.IsTerminal(job.Status) {
			continue
		}
		if job.CreatedAt.After(cutoff) {
			continue
		}
		log.WithField("job", job.ID).Warn("administrative job-age timeout exceeded, terminating")
		if err := s.Delete(job.ID); err != nil {
			log.WithField("job", job.ID).WithError(err).Error("failed to delete aged job")
		}
	}
}
