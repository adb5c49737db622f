package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nightlyone/lockfile"
	"github.com/spf13/cobra"

	"github.com/nebulastream/nebulastream-sub027/internal/config"
	"github.com/nebulastream/nebulastream-sub027/internal/log"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/querymanager"
	"github.com/nebulastream/nebulastream-sub027/internal/sinks"
	"github.com/nebulastream/nebulastream-sub027/internal/source"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

var serveLogger = log.For("cmd")

func newServeCmd() *cobra.Command {
	var configPath string
	var baseDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and block until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, baseDir)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to worker configuration")
	cmd.Flags().StringVar(&baseDir, "base-dir", ".", "engine base directory (single-instance guard)")
	return cmd
}

// runServe loads cfg, takes the single-instance lock over baseDir (the
// teacher's container bootloader needs the same guard to avoid
// double-starting a node process), starts the query manager, registers one
// demonstration query, and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath, baseDir string) error {
	lock, err := lockfile.New(lockfilePath(baseDir))
	if err != nil {
		return fmt.Errorf("building lockfile for %s: %w", baseDir, err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("another nsengine instance already holds %s: %w", baseDir, err)
	}
	defer lock.Unlock()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	mgr := querymanager.New(cfg)
	defer mgr.Shutdown()

	queryID := queryIDFromUUID(uuid.New())
	p, err := buildDemoPlan(ctx, mgr, queryID)
	if err != nil {
		return fmt.Errorf("building demo plan: %w", err)
	}
	if err := mgr.RegisterQuery(p); err != nil {
		return fmt.Errorf("registering query: %w", err)
	}
	if err := mgr.StartQuery(ctx, queryID); err != nil {
		return fmt.Errorf("starting query: %w", err)
	}
	serveLogger.Info("engine serving", "query", queryID, "workers", cfg.NumberOfWorkerThreads)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.StopQuery(stopCtx, queryID, types.Graceful); err != nil {
		serveLogger.Error("graceful stop failed", "query", queryID, "err", err)
	}
	return mgr.UnregisterQuery(queryID)
}

// buildDemoPlan wires a synthetic counter source directly to a LogSink: a
// single-pipeline-free plan exercising register/start/stop without
// depending on an external query compiler (out of scope, spec §1
// Non-goals).
func buildDemoPlan(ctx context.Context, mgr *querymanager.Manager, queryID types.QueryId) (*plan.Plan, error) {
	localPool, err := mgr.GlobalPool().CreateFixedSizeBufferPool(ctx, 16)
	if err != nil {
		return nil, err
	}

	sink := sinks.NewLogSink("demo")
	if err := sink.Open(); err != nil {
		return nil, err
	}
	successors := []plan.Target{{Sink: sink}}

	runner := source.NewRunner(queryID, types.OriginId(1), newCounterSource(100), nil, localPool, mgr, successors)

	return &plan.Plan{
		ID: queryID,
		Sources: []plan.SourceBinding{
			{OriginID: types.OriginId(1), Implementation: runner, Successors: successors},
		},
	}, nil
}

// queryIDFromUUID derives a QueryId from a freshly generated uuid.UUID, the
// way an externally-submitted plan would be assigned an identifier without
// a central sequence counter (DOMAIN STACK: uuid generation for
// externally-submitted plans).
func queryIDFromUUID(id uuid.UUID) types.QueryId {
	return types.QueryId(binary.BigEndian.Uint64(id[:8]))
}

func lockfilePath(baseDir string) string {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		abs = baseDir
	}
	return filepath.Join(abs, "nsengine.lock")
}
