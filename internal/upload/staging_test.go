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

package upload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndDrainRoundTrip(t *testing.T) {
	jobsRoot := t.TempDir()
	workspace := t.TempDir()
	s := NewStaging(jobsRoot)

	jobID := "job-1"
	stored, err := s.Stage(jobID, "notes.txt", strings.NewReader("hello"), true)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", stored)

	n, err := s.Drain(jobID, workspace)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buf, err := os.ReadFile(filepath.Join(workspace, "files", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestStageDisambiguatesOnRepeat(t *testing.T) {
	jobsRoot := t.TempDir()
	workspace := t.TempDir()
	s := NewStaging(jobsRoot)

	first, err := s.Stage("job-2", "a.txt", strings.NewReader("one"), false)
	require.NoError(t, err)
	second, err := s.Stage("job-2", "a.txt", strings.NewReader("two"), false)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	n, err := s.Drain("job-2", workspace)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "second drain of the same restored name overwrites the first")

	buf, err := os.ReadFile(filepath.Join(workspace, "files", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf))
}

// TestDrainDoesNotMangleAVerbatimNameThatLooksDisambiguated guards against
// treating an overwrite=true upload literally named with an 8-hex-digit
// suffix as if staging had appended it: the manifest only maps names staging
// actually disambiguated, so a verbatim name drains unchanged.
func TestDrainDoesNotMangleAVerbatimNameThatLooksDisambiguated(t *testing.T) {
	jobsRoot := t.TempDir()
	workspace := t.TempDir()
	s := NewStaging(jobsRoot)

	stored, err := s.Stage("job-5", "a_12345678.ext", strings.NewReader("data"), true)
	require.NoError(t, err)
	assert.Equal(t, "a_12345678.ext", stored)

	n, err := s.Drain("job-5", workspace)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(workspace, "files", "a_12345678.ext"))
	require.NoError(t, err, "verbatim name must drain unchanged, not truncated to a.ext")
}

func TestStageRejectsInvalidFilename(t *testing.T) {
	s := NewStaging(t.TempDir())
	_, err := s.Stage("job-3", "../escape.txt", strings.NewReader("x"), true)
	assert.Error(t, err)
}

func TestDrainNoStagingDirIsNotAnError(t *testing.T) {
	s := NewStaging(t.TempDir())
	n, err := s.Drain("no-such-job", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupRemovesStagingDir(t *testing.T) {
	jobsRoot := t.TempDir()
	s := NewStaging(jobsRoot)
	_, err := s.Stage("job-4", "x.txt", strings.NewReader("x"), true)
	require.NoError(t, err)

	require.NoError(t, s.Cleanup("job-4"))
	_, err = os.Stat(s.Path("job-4"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifestRoundTripsThroughMultipleStages(t *testing.T) {
	jobsRoot := t.TempDir()
	workspace := t.TempDir()
	s := NewStaging(jobsRoot)

	_, err := s.Stage("job-6", "report.pdf", strings.NewReader("one"), false)
	require.NoError(t, err)
	_, err = s.Stage("job-6", "notes.txt", strings.NewReader("two"), true)
	require.NoError(t, err)

	n, err := s.Drain("job-6", workspace)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(workspace, "files", "report.pdf"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(workspace, "files", "notes.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(workspace, "files", manifestFile))
	assert.True(t, os.IsNotExist(err), "manifest file itself must not be drained into the workspace")
}
