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

// Package validate implements the InputValidator / PathGuard pure functions
// from spec.md §4.2: strict character-class checks on every piece of user
// input that ends up in a filesystem path or subprocess argument. Every
// rejection surfaces as *apierrors.InvalidInput.
package validate

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/claude-batch/batchd/internal/apierrors"
)

var (
	repositoryNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	gitURLRE         = regexp.MustCompile(`^(https?://|git@)[A-Za-z0-9._/:-]+(\.git)?$`)
	dangerousChars   = regexp.MustCompile("[;&|`$()<>'\"\n\r]")
)

// RepositoryName validates a repository identity per spec.md §3.
func RepositoryName(s string) error {
	if s == "" || len(s) > 100 {
		return &apierrors.InvalidInput{Field: "name", Reason: "must be 1-100 characters"}
	}
	if !repositoryNameRE.MatchString(s) {
		return &apierrors.InvalidInput{Field: "name", Reason: "must match [A-Za-z0-9._-]+"}
	}
	if dangerousChars.MatchString(s) {
		return &apierrors.InvalidInput{Field: "name", Reason: "contains disallowed characters"}
	}
	return nil
}

// GitURL validates a remote origin URL.
func GitURL(s string) error {
	if s == "" || len(s) > 500 {
		return &apierrors.InvalidInput{Field: "gitUrl", Reason: "must be 1-500 characters"}
	}
	if !gitURLRE.MatchString(s) {
		return &apierrors.InvalidInput{Field: "gitUrl", Reason: "must be an http(s):// or git@ URL"}
	}
	if dangerousChars.MatchString(s) {
		return &apierrors.InvalidInput{Field: "gitUrl", Reason: "contains disallowed characters"}
	}
	return nil
}

// RelativePath validates a workspace-relative path: no traversal, no NUL, no
// leading slash, no dangerous characters, and the normalized form must stay
// under root when joined.
func RelativePath(root, rel string) (string, error) {
	if rel == "" {
		return "", &apierrors.InvalidInput{Field: "path", Reason: "must not be empty"}
	}
	if strings.ContainsRune(rel, 0) {
		return "", &apierrors.InvalidInput{Field: "path", Reason: "contains NUL"}
	}
	if strings.HasPrefix(rel, "/") {
		return "", &apierrors.InvalidInput{Field: "path", Reason: "must not be absolute"}
	}
	if dangerousChars.MatchString(rel) {
		return "", &apierrors.InvalidInput{Field: "path", Reason: "contains disallowed characters"}
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", &apierrors.InvalidInput{Field: "path", Reason: "must not contain .. segments"}
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", &apierrors.InvalidInput{Field: "path", Reason: "invalid root"}
	}
	joined := filepath.Join(absRoot, rel)
	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", &apierrors.InvalidInput{Field: "path", Reason: "escapes root"}
	}
	return joined, nil
}

// UploadFilename validates an uploaded file's base name (no directories).
func UploadFilename(s string) error {
	if s == "" || len(s) > 255 {
		return &apierrors.InvalidInput{Field: "filename", Reason: "must be 1-255 characters"}
	}
	if s == "." || s == ".." {
		return &apierrors.InvalidInput{Field: "filename", Reason: "must not be . or .."}
	}
	if strings.ContainsAny(s, "/\\") {
		return &apierrors.InvalidInput{Field: "filename", Reason: "must not contain path separators"}
	}
	if strings.ContainsRune(s, 0) {
		return &apierrors.InvalidInput{Field: "filename", Reason: "contains NUL"}
	}
	if dangerousChars.MatchString(s) {
		return &apierrors.InvalidInput{Field: "filename", Reason: "contains disallowed characters"}
	}
	return nil
}

// Mask validates a single-segment glob pattern used by listWorkspace.
func Mask(s string) error {
	if s == "" {
		return nil
	}
	if strings.ContainsAny(s, "/\\") || strings.ContainsRune(s, 0) {
		return &apierrors.InvalidInput{Field: "mask", Reason: "must be a single path segment"}
	}
	if _, err := filepath.Match(s, "probe"); err != nil {
		return &apierrors.InvalidInput{Field: "mask", Reason: "not a valid glob pattern"}
	}
	return nil
}
