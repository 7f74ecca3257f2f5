package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/horuscamacho/thoth-audit/internal/audit"
	"github.com/horuscamacho/thoth-audit/internal/config"
	"github.com/horuscamacho/thoth-audit/internal/dashboard"
	"github.com/horuscamacho/thoth-audit/internal/logging"
	"github.com/horuscamacho/thoth-audit/internal/scheduler"
	"github.com/horuscamacho/thoth-audit/internal/store"
)

// ============================================================================
// thoth-audit serve - Start the HTTP API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the thoth-audit HTTP API",
	Long: `Start the HTTP API. Every audit route is scoped to a tenant:

  GET  /api/tenants/{tenantID}/audit/logs
  POST /api/tenants/{tenantID}/audit/logs
  GET  /api/tenants/{tenantID}/audit/stats
  GET  /api/tenants/{tenantID}/audit/anomalies
  GET  /api/tenants/{tenantID}/audit/integrity
  GET  /api/tenants/{tenantID}/audit/export?format=csv|json|jsonl|pdf
  GET  /api/tenants/{tenantID}/audit/ws     (when dashboard.enabled)

Anomaly thresholds are reloaded when the config file changes.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Load config and build the logger
//  2. Open the store
//  3. Create the dashboard, then the audit service broadcasting to it
//  4. Watch the config file for threshold changes
//  5. Start the scheduled sweeps
//  6. Serve until SIGINT/SIGTERM, then drain in-flight requests
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	// The dashboard needs the service, and the service broadcasts to the
	// dashboard; OnRecord reads dash once both exist.
	var dash *dashboard.Dashboard
	svc, err := newService(cfg, st, logger, func(e audit.Entry) {
		if dash != nil {
			dash.BroadcastEntry(e)
		}
	})
	if err != nil {
		return err
	}
	dash = dashboard.New(dashboard.Options{
		Service:         svc,
		Logger:          logger,
		DefaultPageSize: cfg.Audit.DefaultPageSize,
		MaxPageSize:     cfg.Audit.MaxPageSize,
		LiveFeed:        cfg.Dashboard.Enabled,
		RateLimit: dashboard.RateLimit{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
		},
	})
	defer dash.Close()

	watcher, err := config.NewWatcher(configPath, config.WatchTargets{
		OnConfigChange: func() {
			next, loadErr := config.Load(configPath)
			if loadErr != nil {
				logger.Warn("config reload failed", "path", configPath, "error", loadErr)
				return
			}
			if setErr := svc.SetThresholds(next.Anomaly.Thresholds()); setErr != nil {
				logger.Warn("anomaly thresholds rejected", "error", setErr)
				return
			}
			logger.Info("anomaly thresholds reloaded")
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           dash.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := newScheduler(cfg.Schedule, svc, logger)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("thoth-audit listening",
			"addr", "http://"+addr,
			"version", version,
			"storage", cfg.Storage.Driver,
			"live_feed", cfg.Dashboard.Enabled)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("shutdown error", "error", shutdownErr)
	}
	logger.Info("stopped")
	return nil
}

// closableStore is an audit store holding resources to release.
type closableStore interface {
	audit.Store
	Close() error
}

// openStore opens the configured backend.
func openStore(cfg config.StorageConfig) (closableStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	default:
		st, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store %s: %w", cfg.Path, err)
		}
		return st, nil
	}
}

// newScheduler registers the configured sweeps.
func newScheduler(cfg config.ScheduleConfig, svc *audit.Service, logger *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(logger)
	if len(cfg.Tenants) == 0 {
		return sched, nil
	}
	if cfg.Integrity != "" {
		if err := sched.Add("integrity", cfg.Integrity, scheduler.IntegritySweep(svc, cfg.Tenants, logger)); err != nil {
			return nil, err
		}
	}
	if cfg.Anomalies != "" {
		if err := sched.Add("anomalies", cfg.Anomalies, scheduler.AnomalySweep(svc, cfg.Tenants, logger)); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// newService builds the audit service from config.
func newService(cfg *config.Config, st audit.Store, logger *slog.Logger, onRecord func(audit.Entry)) (*audit.Service, error) {
	loc, err := cfg.Audit.Location()
	if err != nil {
		return nil, err
	}
	thresholds := cfg.Anomaly.Thresholds()
	svc, err := audit.New(audit.Options{
		Store:      st,
		Codec:      audit.NewCodec(cfg.Audit.ChecksumKey()),
		Location:   loc,
		Thresholds: &thresholds,
		ExportCap:  cfg.Audit.ExportCap,
		Logger:     logger,
		OnRecord:   onRecord,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit service: %w", err)
	}
	return svc, nil
}

// withService loads config, opens the store and runs fn against a
// service. Used by the offline commands; logs go to stderr.
func withService(fn func(ctx context.Context, svc *audit.Service) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Driver == "memory" {
		return errors.New("offline commands need a persistent store (storage.driver: sqlite)")
	}
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closeLog()

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := newService(cfg, st, logger, nil)
	if err != nil {
		return err
	}
	return fn(context.Background(), svc)
}
