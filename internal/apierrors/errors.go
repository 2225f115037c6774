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

// Package apierrors defines the taxonomy of errors the core returns across
// package boundaries. Each kind is a distinct exported type with an Error()
// method, the same shape as boskos/ranch's OwnerNotMatch/ResourceNotFound/
// StateNotMatch, so callers can branch with errors.As instead of string
// matching.
package apierrors

import "fmt"

// InvalidInput is returned when validation rejects a name, URL, path, or
// mask. Surfaced to the caller verbatim; never retried.
type InvalidInput struct {
	Field  string
	Reason string
}

func (e *InvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// NotFound is returned for an unknown repository or job.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unauthorized is returned when a job is owned by another user.
type Unauthorized struct {
	User  string
	JobID string
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("user %q is not authorized to act on job %q", e.User, e.JobID)
}

// Conflict is returned for a duplicate repository name or an illegal state
// transition.
type Conflict struct {
	Reason string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// ResourceExhausted is returned when an upload exceeds the configured size
// cap.
type ResourceExhausted struct {
	Reason string
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Reason)
}

// PreparationFailed records a GitFailed or non-fatal indexer-preparation
// failure. It is recorded on the job, not raised to the caller of a
// long-running endpoint.
type PreparationFailed struct {
	Phase  string
	Reason string
}

func (e *PreparationFailed) Error() string {
	return fmt.Sprintf("preparation failed in phase %s: %s", e.Phase, e.Reason)
}

// ExecutionFailed is returned when the assistant CLI exits non-zero or the
// worker catches an unexpected error.
type ExecutionFailed struct {
	ExitCode int
	Reason   string
}

func (e *ExecutionFailed) Error() string {
	return fmt.Sprintf("execution failed (exit %d): %s", e.ExitCode, e.Reason)
}

// Timeout is returned when a per-job timeout expires.
type Timeout struct {
	After string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

// Cancelled records an observed user-requested cancellation.
type Cancelled struct {
	Reason string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// Internal wraps bugs and filesystem corruption that don't fit another kind.
type Internal struct {
	Reason string
	Cause  error
}

func (e *Internal) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Reason)
}

func (e *Internal) Unwrap() error { return e.Cause }
