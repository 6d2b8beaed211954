package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ripdev/ripd/internal/authority"
	"github.com/ripdev/ripd/internal/config"
	"github.com/ripdev/ripd/internal/contextcompiler"
	"github.com/ripdev/ripd/internal/continuity"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/httpapi"
	"github.com/ripdev/ripd/internal/provider"
	"github.com/ripdev/ripd/internal/session"
	"github.com/ripdev/ripd/internal/tasks"
	"github.com/ripdev/ripd/internal/toolsrt"
	"github.com/ripdev/ripd/internal/tracing"
	"github.com/ripdev/ripd/internal/workspace"
)

func serveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Acquire the authority lock and start the HTTP boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "ripd.json5", "path to the JSON5 config file")
	return cmd
}

func runServe(cfgPath string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("ripd: load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("ripd: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("ripd: create workspace root: %w", err)
	}

	lock, err := authority.Acquire(cfg.DataDir, cfg.Provider.Endpoint)
	if err != nil {
		return fmt.Errorf("ripd: acquire authority lock: %w", err)
	}
	log.Info("authority lock acquired", "pid", lock.Info().PID, "endpoint", lock.Info().Endpoint)

	evLog, err := eventlog.Open(cfg.DataDir)
	if err != nil {
		_ = lock.Release()
		return fmt.Errorf("ripd: open event log: %w", err)
	}
	defer evLog.Close()

	watcher, err := authority.WatchLock(cfg.DataDir, log)
	if err != nil {
		log.Warn("authority: lock watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	registry := toolsrt.NewRegistry()
	toolsrt.RegisterBuiltins(registry, cfg.WorkspaceRoot, 0)
	maxConcurrent := int64(cfg.Tools.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	runner := toolsrt.NewRunner(registry, evLog, cfg.WorkspaceRoot, maxConcurrent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Protocol:     cfg.Tracing.OTLPProtocol,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		_ = lock.Release()
		return fmt.Errorf("ripd: init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())
	runner.SetTracer(tp)

	sessionCfg := session.Config{
		Endpoint:     cfg.Provider.Endpoint,
		Model:        cfg.Provider.Model,
		Provider:     "openresponses",
		Stateful:     !cfg.Session.StatelessHistory,
		MaxToolCalls: cfg.Session.MaxToolCalls,
		Validation:   provider.CompatMissingItemIDs(),
	}
	limiter := rate.NewLimiter(rate.Limit(4), 8)
	engine := session.NewEngine(evLog, runner, registry, cfg.WorkspaceRoot, http.DefaultClient, limiter, sessionCfg)
	engine.SetTracer(tp)
	runner.SetHub(engine.Hub())

	store := continuity.New(evLog, cfg.WorkspaceRoot)
	compiler := contextcompiler.New("ripd-default", evLog, store, cfg.WorkspaceRoot)
	guard := workspace.NewGuard()
	manager := tasks.NewManager(evLog, cfg.WorkspaceRoot, guard)

	handler := httpapi.NewServer(evLog, engine, store, compiler, manager, cfg.WorkspaceRoot)
	httpSrv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: handler}

	go func() {
		log.Info("http boundary listening", "addr", cfg.HTTP.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return lock.Release()
}
