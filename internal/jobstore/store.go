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

// Package jobstore implements the JobStore (spec.md §4.7): an in-memory job
// index backed by one durable JSON file per job. Durable records are a
// projection, not an authority (spec.md §3, Ownership) -- on restart the
// durable records plus on-disk artifacts jointly rebuild the index, which
// is why Save/LoadAll are plain, synchronous, idempotent file operations
// rather than a WAL or database, mirroring the single-JSON-blob persistence
// boskos/ranch/storage.go uses for its original (pre-CRD) Ranch state.
package jobstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/claude-batch/batchd/internal/apierrors"
	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/logging"
)

var log = logging.Component("jobstore")

const jobRecordSuffix = ".job.json"

// Store is the in-memory job index plus its durable JSON projection.
type Store struct {
	jobsRoot string

	mu   sync.RWMutex
	jobs map[string]*common.Job
}

// New constructs a Store rooted at jobsRoot. It does not load existing
// records; call LoadAll explicitly (recovery owns that sequencing).
func New(jobsRoot string) *Store {
	return &Store{jobsRoot: jobsRoot, jobs: make(map[string]*common.Job)}
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.jobsRoot, id+jobRecordSuffix)
}

// Save writes job to the in-memory index and its durable record.
func (s *Store) Save(job *common.Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	s.mu.Unlock()

	buf, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return &apierrors.Internal{Reason: "marshal job record", Cause: err}
	}
	if err := os.MkdirAll(s.jobsRoot, 0o755); err != nil {
		return &apierrors.Internal{Reason: "create jobs root", Cause: err}
	}
	if err := os.WriteFile(s.recordPath(job.ID), buf, 0o644); err != nil {
		return &apierrors.Internal{Reason: "write job record", Cause: err}
	}
	return nil
}

// Load returns the in-memory copy of a job, falling back to nothing found.
func (s *Store) Load(id string) (*common.Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &apierrors.NotFound{Kind: "job", ID: id}
	}
	return job.Clone(), nil
}

// LoadAll reads every durable record under jobsRoot into the in-memory
// index, skipping corrupted files with a warning, and returns the full set
// newest-first by creation time.
func (s *Store) LoadAll() ([]*common.Job, error) {
	entries, err := os.ReadDir(s.jobsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &apierrors.Internal{Reason: "read jobs root", Cause: err}
	}

	var errs *multierror.Error
	s.mu.Lock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jobRecordSuffix) {
			continue
		}
		path := filepath.Join(s.jobsRoot, e.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			log.WithField("file", e.Name()).WithError(err).Warn("failed to read job record")
			errs = multierror.Append(errs, err)
			continue
		}
		var job common.Job
		if err := json.Unmarshal(buf, &job); err != nil {
			log.WithField("file", e.Name()).WithError(err).Warn("corrupt job record, skipping")
			errs = multierror.Append(errs, err)
			continue
		}
		s.jobs[job.ID] = &job
	}
	s.mu.Unlock()

	return s.listLocked(), errs.ErrorOrNil()
}

// LoadForUser returns jobs owned by user, newest-first.
func (s *Store) LoadForUser(user string) []*common.Job {
	all := s.listLocked()
	out := make([]*common.Job, 0, len(all))
	for _, j := range all {
		if j.User == user {
			out = append(out, j)
		}
	}
	return out
}

// List returns every known job, newest-first by creation time.
func (s *Store) List() []*common.Job {
	return s.listLocked()
}

func (s *Store) listLocked() []*common.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*common.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Delete removes both the in-memory entry and its durable record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()

	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return &apierrors.Internal{Reason: "delete job record", Cause: err}
	}
	return nil
}

// Start launches a background ticker that calls CleanupRetention on the
// given interval until ctx is done (spec.md §10.4.7: grounded on
// boskos/ranch's StartRequestGC/StartDynamicResourceUpdater ticker loops).
// Retention can also be invoked on demand via CleanupRetention directly,
// which is how tests exercise it without waiting on the ticker.
func (s *Store) Start(ctx context.Context, retention time.Duration, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.CleanupRetention(retention)
				if err != nil {
					log.WithError(err).Warn("retention cleanup completed with errors")
				}
				if n > 0 {
					log.WithField("count", n).Info("removed jobs past retention")
				}
			}
		}
	}()
}

// CleanupRetention deletes only jobs in a terminal state whose completion
// timestamp is older than retention (spec.md §4.7).
func (s *Store) CleanupRetention(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	var errs *multierror.Error
	deleted := 0
	for _, j := range s.listLocked() {
		if !common.IsTerminal(j.Status) || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(j.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errs.ErrorOrNil()
}
