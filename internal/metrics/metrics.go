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

// Package metrics exposes the prometheus collectors named in spec.md §10.3:
// jobs-by-status, repositories-by-clone-status, queue depth, semaphore
// utilization, and clone-strategy counts. The GaugeVec-plus-MustRegister
// shape follows experiment/metrics-server/main.go's prowJobs gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claude-batch/batchd/internal/common"
)

var (
	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claude_batch_jobs",
		Help: "Number of jobs currently in each lifecycle state.",
	}, []string{"status"})

	RepositoriesByCloneStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claude_batch_repositories",
		Help: "Number of registered repositories in each clone status.",
	}, []string{"clone_status"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claude_batch_queue_depth",
		Help: "Number of jobs currently waiting in the FIFO admission queue.",
	})

	SemaphoreInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claude_batch_semaphore_in_use",
		Help: "Number of concurrency-semaphore slots currently held.",
	})

	SemaphoreCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claude_batch_semaphore_capacity",
		Help: "Configured MaxConcurrent value.",
	})

	CloneStrategyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_batch_clone_strategy_total",
		Help: "Count of workspace clones performed, by strategy selected.",
	}, []string{"strategy"})
)

func init() {
	prometheus.MustRegister(
		JobsByStatus,
		RepositoriesByCloneStatus,
		QueueDepth,
		SemaphoreInUse,
		SemaphoreCapacity,
		CloneStrategyTotal,
	)
}

// allJobStatuses lists every status JobsByStatus tracks, so RefreshJobs can
// zero out states with no current members instead of leaving stale gauges.
var allJobStatuses = []string{
	common.JobCreated, common.JobQueued, common.JobGitPulling, common.JobGitFailed,
	common.JobCidxIndexing, common.JobCidxReady, common.JobRunning, common.JobCancelling,
	common.JobCompleted, common.JobFailed, common.JobTimeout, common.JobCancelled, common.JobTerminated,
}

var allCloneStatuses = []string{
	common.CloneStatusCloning, common.CloneStatusCidxIndexing, common.CloneStatusCompleted,
	common.CloneStatusCidxFailed, common.CloneStatusFailed,
}

// RefreshJobs recomputes the jobs-by-status gauge from a full job snapshot.
func RefreshJobs(jobs []*common.Job) {
	counts := make(map[string]int, len(allJobStatuses))
	for _, s := range allJobStatuses {
		counts[s] = 0
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	for status, n := range counts {
		JobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RefreshRepositories recomputes the repositories-by-clone-status gauge.
func RefreshRepositories(repos []common.Repository) {
	counts := make(map[string]int, len(allCloneStatuses))
	for _, s := range allCloneStatuses {
		counts[s] = 0
	}
	for _, r := range repos {
		counts[r.CloneStatus]++
	}
	for status, n := range counts {
		RepositoriesByCloneStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RefreshSemaphore records queue depth and in-use/capacity slots.
func RefreshSemaphore(queueDepth, inUse, capacity int) {
	QueueDepth.Set(float64(queueDepth))
	SemaphoreInUse.Set(float64(inUse))
	SemaphoreCapacity.Set(float64(capacity))
}

// RecordCloneStrategy increments the counter for a chosen clone strategy
// ("reflink" or "fullcopy").
func RecordCloneStrategy(strategy string) {
	CloneStrategyTotal.WithLabelValues(strategy).Inc()
}
