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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/claude-batch/batchd/internal/common"
)

func TestRefreshJobsCountsByStatusAndZeroesStale(t *testing.T) {
	RefreshJobs([]*common.Job{
		{ID: "1", Status: common.JobRunning},
		{ID: "2", Status: common.JobRunning},
		{ID: "3", Status: common.JobCompleted},
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(JobsByStatus.WithLabelValues(common.JobRunning)))
	assert.Equal(t, float64(1), testutil.ToFloat64(JobsByStatus.WithLabelValues(common.JobCompleted)))
	assert.Equal(t, float64(0), testutil.ToFloat64(JobsByStatus.WithLabelValues(common.JobFailed)))

	RefreshJobs(nil)
	assert.Equal(t, float64(0), testutil.ToFloat64(JobsByStatus.WithLabelValues(common.JobRunning)))
}

func TestRefreshRepositoriesCountsByCloneStatus(t *testing.T) {
	RefreshRepositories([]common.Repository{
		{Name: "a", CloneStatus: common.CloneStatusCompleted},
		{Name: "b", CloneStatus: common.CloneStatusCloning},
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(RepositoriesByCloneStatus.WithLabelValues(common.CloneStatusCompleted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(RepositoriesByCloneStatus.WithLabelValues(common.CloneStatusCloning)))
	assert.Equal(t, float64(0), testutil.ToFloat64(RepositoriesByCloneStatus.WithLabelValues(common.CloneStatusFailed)))
}

func TestRefreshSemaphoreSetsAllThreeGauges(t *testing.T) {
	RefreshSemaphore(3, 2, 4)

	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(SemaphoreInUse))
	assert.Equal(t, float64(4), testutil.ToFloat64(SemaphoreCapacity))
}

func TestRecordCloneStrategyIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(CloneStrategyTotal.WithLabelValues("reflink"))
	RecordCloneStrategy("reflink")
	after := testutil.ToFloat64(CloneStrategyTotal.WithLabelValues("reflink"))

	assert.Equal(t, before+1, after)
}
