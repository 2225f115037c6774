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

// Command batchd wires the job lifecycle engine and workspace substrate
// (spec.md §1) into a running process: config, logging, the repository
// registry, job store, scheduler, recovery coordinator, and a metrics/health
// HTTP server. It does not serve the job/repository API itself -- that is
// the external HTTP façade's job (spec.md §1, Out of scope).
//
// Flag parsing and the flag->component wiring sequence follow
// boskos/cmd/boskos/boskos.go; the graceful-shutdown helper below is a
// local stand-in for prow/interrupts, which carries only test fixtures in
// this retrieval and has no buildable source to import.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"github.com/sirupsen/logrus"

	"github.com/claude-batch/batchd/internal/config"
	"github.com/claude-batch/batchd/internal/core"
	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/fsclone"
	"github.com/claude-batch/batchd/internal/jobstore"
	"github.com/claude-batch/batchd/internal/logging"
	"github.com/claude-batch/batchd/internal/metrics"
	"github.com/claude-batch/batchd/internal/recovery"
	"github.com/claude-batch/batchd/internal/repository"
	"github.com/claude-batch/batchd/internal/scheduler"
	"github.com/claude-batch/batchd/internal/upload"
)

var (
	configPath  = flag.String("config", "", "Path to config.yaml. Empty uses built-in defaults.")
	logLevel    = flag.String("log-level", "info", fmt.Sprintf("Log level is one of %v.", logrus.AllLevels))
	metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve /metrics and /healthz on.")
)

func main() {
	flag.Parse()

	if err := logging.Init(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component("main")

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := loader.Current()

	registry := repository.NewRegistry(cfg.RepositoriesRoot, cfg.IndexerCommand)
	store := jobstore.New(cfg.JobsRoot)
	staging := upload.NewStaging(cfg.JobsRoot)
	probe := fsclone.NewProbe()
	cloner := fsclone.NewCloner(probe)

	mode := executor.ModeFireAndForget
	if cfg.ExecutionMode == string(executor.ModeDirect) {
		mode = executor.ModeDirect
	}
	exec := executor.New(executor.Config{
		Mode:                    mode,
		AssistantCommand:        cfg.AssistantCommand,
		AssistantArgs:           cfg.AssistantArgs,
		IndexerCommand:          cfg.IndexerCommand,
		IndexerReadyPattern:     cfg.IndexerReadyPattern,
		IndexerNotNeededPhrase:  cfg.IndexerNotNeededPhrase,
		SystemPromptAvailable:   cfg.SystemPromptAvailable,
		SystemPromptUnavailable: cfg.SystemPromptUnavailable,
		SystemPromptDisabled:    cfg.SystemPromptDisabled,
	})

	sched := scheduler.New(scheduler.Deps{
		Store:         store,
		Registry:      registry,
		Cloner:        cloner,
		Staging:       staging,
		Executor:      exec,
		JobsRoot:      cfg.JobsRoot,
		MaxConcurrent: cfg.MaxConcurrent,
		JobTimeout:    cfg.JobTimeout(),
		MaxJobAge:     cfg.MaxJobAge(),
	})

	svc := core.New(registry, sched, store, staging)
	_ = svc // exposed for an external HTTP façade to wire against

	coordinator := recovery.New(store)
	outcomes, err := coordinator.Run()
	if err != nil {
		log.WithError(err).Warn("recovery completed with errors")
	}
	for _, o := range outcomes {
		log.WithField("job", o.JobID).WithField("from", o.OldState).WithField("to", o.NewState).Info(o.Detail)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	go refreshMetricsLoop(ctx, store, registry, sched)
	store.Start(ctx, cfg.Retention(), time.Hour)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		log.WithField("addr", *metricsAddr).Info("serving metrics and health")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	waitForGracefulShutdown(log, func() {
		cancel()
		sched.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	})
}

func refreshMetricsLoop(ctx context.Context, store *jobstore.Store, registry *repository.Registry, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RefreshJobs(store.List())
			if repos, err := registry.List(ctx); err == nil {
				metrics.RefreshRepositories(repos)
			}
			depth, inUse, capacity := sched.Stats()
			metrics.RefreshSemaphore(depth, inUse, capacity)
		}
	}
}

// waitForGracefulShutdown blocks until SIGINT or SIGTERM, then runs cleanup
// and returns -- the local equivalent of prow/interrupts.WaitForGracefulShutdown.
func waitForGracefulShutdown(log *logrus.Entry, cleanup func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("received shutdown signal")
	cleanup()
}
