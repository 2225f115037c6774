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

// Package upload implements UploadStaging (spec.md §4.6): a per-job scratch
// area outside the workspace root that accepts uploads before the CoW clone
// exists, and drains them into the workspace once it is provisioned.
package upload

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/validate"
)

var log = logging.Component("upload")

// manifestFile records, per job, the mapping from a staged file's on-disk
// name to the name the caller uploaded it under. Only disambiguated entries
// need an entry; a name absent from the manifest is used verbatim. Keeping
// this record is what lets Drain restore original names without guessing
// from the stored name's shape (a verbatim overwrite upload may itself end
// in something that looks like a disambiguator).
const manifestFile = ".manifest.json"

// Staging manages the staging area rooted at <workspaceRoot>/../staging.
type Staging struct {
	jobsRoot string
}

// NewStaging constructs a Staging rooted next to jobsRoot, per spec.md §3
// ("<workspaceRoot>/../staging/<job-uuid>/").
func NewStaging(jobsRoot string) *Staging {
	return &Staging{jobsRoot: jobsRoot}
}

// Path returns the staging directory for jobID.
func (s *Staging) Path(jobID string) string {
	return filepath.Join(s.jobsRoot, "..", "staging", jobID)
}

// Stage writes stream into the staging directory under filename. When
// overwrite is false, an 8-hex-digit disambiguator is appended before the
// extension so repeated uploads with the same name don't clobber each
// other, and the mapping back to the original name is recorded in the
// staging directory's manifest for Drain to consult.
func (s *Staging) Stage(jobID, filename string, stream io.Reader, overwrite bool) (string, error) {
	if err := validate.UploadFilename(filename); err != nil {
		return "", err
	}

	dir := s.Path(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	storedName := filename
	if !overwrite {
		disambiguator, err := randomHex(4)
		if err != nil {
			return "", err
		}
		storedName = withDisambiguator(filename, disambiguator)
		if err := s.recordOriginalName(dir, storedName, filename); err != nil {
			return "", err
		}
	}

	dst := filepath.Join(dir, storedName)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, stream); err != nil {
		return "", fmt.Errorf("write staged file: %w", err)
	}
	return storedName, nil
}

// Drain copies every file from staging to workspacePath/files, restoring
// the original filename on each via the staging manifest, verifying
// byte-length equality, and counting only verified copies.
func (s *Staging) Drain(jobID, workspacePath string) (int, error) {
	dir := s.Path(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	filesDir := filepath.Join(workspacePath, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return 0, fmt.Errorf("create workspace files dir: %w", err)
	}

	manifest, err := readManifest(dir)
	if err != nil {
		log.WithError(err).Warn("failed to read staging manifest, names will not be restored")
	}

	copied := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == manifestFile {
			continue
		}
		original := e.Name()
		if orig, ok := manifest[e.Name()]; ok {
			original = orig
		}
		srcPath := filepath.Join(dir, e.Name())
		dstPath := filepath.Join(filesDir, original)

		srcInfo, err := os.Stat(srcPath)
		if err != nil {
			log.WithError(err).WithField("file", e.Name()).Warn("failed to stat staged file")
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			log.WithError(err).WithField("file", e.Name()).Warn("failed to drain staged file")
			continue
		}
		dstInfo, err := os.Stat(dstPath)
		if err != nil || dstInfo.Size() != srcInfo.Size() {
			log.WithField("file", e.Name()).Warn("drained file size mismatch, discarding")
			_ = os.Remove(dstPath)
			continue
		}
		copied++
	}
	return copied, nil
}

// Cleanup recursively removes the staging directory for jobID.
func (s *Staging) Cleanup(jobID string) error {
	return os.RemoveAll(s.Path(jobID))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// withDisambiguator inserts _XXXXXXXX before the extension, e.g.
// "a.ext" + "12345678" -> "a_12345678.ext".
func withDisambiguator(filename, disambiguator string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s_%s%s", base, disambiguator, ext)
}

// recordOriginalName persists storedName -> original in dir's manifest so
// Drain can restore it later without inferring anything from storedName's
// shape.
func (s *Staging) recordOriginalName(dir, storedName, original string) error {
	m, err := readManifest(dir)
	if err != nil {
		return err
	}
	m[storedName] = original
	return writeManifest(dir, m)
}

func readManifest(dir string) (map[string]string, error) {
	buf, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read staging manifest: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("parse staging manifest: %w", err)
	}
	return m, nil
}

func writeManifest(dir string, m map[string]string) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode staging manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), buf, 0o644); err != nil {
		return fmt.Errorf("write staging manifest: %w", err)
	}
	return nil
}
