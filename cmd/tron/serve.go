package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tronlabs/tron/internal/agent"
	"github.com/tronlabs/tron/internal/config"
	"github.com/tronlabs/tron/internal/contextmgr"
	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/gateway"
	"github.com/tronlabs/tron/internal/maintenance"
	"github.com/tronlabs/tron/internal/notes"
	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/internal/tasks"
	"github.com/tronlabs/tron/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine",
		Long: `Start the websocket RPC endpoint with the event store, turn
orchestrator, task store, voice-note index, and maintenance schedules.

Pending database migrations are applied on startup. Shutdown on
SIGINT/SIGTERM closes client connections with a normal-closure frame,
stops the schedulers, and checkpoints the WAL.`,
		Example: `  # Start with the default config (~/.tron/config.yaml)
  tron serve

  # Start with an explicit config and debug logging
  tron serve --config /etc/tron/config.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	format := cfg.Logging.Format
	if format == "" {
		format = defaultLogFormat()
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	traceCfg := observability.TraceConfig{
		ServiceName:    "tron",
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, stopTracer := observability.NewTracer(traceCfg)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopTracer(flushCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting engine",
		"version", version, "commit", commit, "config", configPath, "db", cfg.Database.Path)

	store, err := openStore(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer store.Close()

	// The store keeps the plain stderr logger: teeing its own records into
	// the logs table would recurse on every insert failure.
	var logHandler *eventstore.LogHandler
	if cfg.Logging.Store.Enabled {
		minLevel := cfg.Logging.Store.MinLevel
		if minLevel == "" {
			minLevel = level
		}
		logHandler = eventstore.NewLogHandler(store, observability.LevelFromString(minLevel))
		logger = logger.WithSink(logHandler)
	}

	contextMgr := contextmgr.NewManager(contextmgr.Config{
		Windows:          cfg.Context.Windows,
		DefaultWindow:    cfg.Context.DefaultWindow,
		CompactThreshold: cfg.Context.CompactThreshold,
		ReserveTokens:    cfg.Context.ReserveTokens,
	}, store, nil, contextmgr.Options{Logger: logger, Metrics: metrics})

	// Provider adapters and tool implementations plug in from outside the
	// engine; without them agent.prompt reports NOT_AVAILABLE while the rest
	// of the agent surface (abort, status, tools) stays live.
	tools := agent.NewRegistry()
	relay := &sinkRelay{}
	orch := agent.NewOrchestrator(agent.OrchestratorDeps{
		Store:   store,
		Tools:   tools,
		Gate:    contextMgr,
		Sink:    relay,
		Logger:  logger,
		Metrics: metrics,
	}, agent.Config{
		MaxTurns:           cfg.Agent.MaxTurns,
		MaxTokens:          cfg.Agent.MaxTokens,
		ToolTimeout:        cfg.Agent.ToolTimeout,
		MaxConcurrentTools: cfg.Agent.MaxConcurrentTools,
		StreamBuffer:       cfg.Agent.StreamBuffer,
	})
	runtime := agent.NewRuntime(orch, logger, metrics, 0)

	noteMgr, err := notes.NewManager(cfg.Notes.VoiceDir, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open voice notes: %w", err)
	}
	defer noteMgr.Close()
	if err := noteMgr.Watch(ctx); err != nil {
		logger.Warn(ctx, "voice note watcher unavailable", "error", err)
	}

	srv := gateway.NewServer(gateway.Deps{
		Store:   store,
		Runtime: runtime,
		Tools:   tools,
		Context: contextMgr,
		Tasks:   tasks.NewStore(store.DB(), logger),
		Notes:   noteMgr,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	}, gateway.Config{
		Addr:           cfg.Server.Addr,
		AuthToken:      cfg.Server.AuthToken,
		MetricsEnabled: cfg.Server.MetricsEnabled,
		PlanDir:        cfg.Notes.PlanDir,
		ServerVersion:  version,
		ModelWindows:   cfg.Context.Windows,
	})
	relay.set(srv.Hub())
	if logHandler != nil {
		hub := srv.Hub()
		logHandler.SetPush(func(row *eventstore.LogRow) {
			hub.Emit(context.Background(), models.WireLogAppended, models.LogAppendedData{
				Level:     row.Level,
				Component: row.Component,
				Message:   row.Message,
				SessionID: row.SessionID,
				Timestamp: row.Timestamp,
			})
		})
	}

	maint := maintenance.NewService(store, maintenance.Config{
		LogDays:            cfg.Retention.LogDays,
		SweepSchedule:      cfg.Retention.SweepSchedule,
		CheckpointSchedule: cfg.Retention.CheckpointSchedule,
	}, logger, metrics)
	if err := maint.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	defer maint.Close()

	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info(ctx, "engine started", "addr", srv.Addr(), "version", version)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(context.Background(), "engine stopped")
	return nil
}

// openDatabase opens the configured database, creating its directory first.
func openDatabase(cfg config.Config) (*storage.DB, error) {
	if cfg.Database.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Database.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	return storage.Open(cfg.Database.Path)
}

// openStore opens the database, applies pending migrations, and wraps the
// handle in the event store facade.
func openStore(ctx context.Context, cfg config.Config, logger *observability.Logger, metrics *observability.Metrics) (*eventstore.Store, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	migrator, err := storage.NewMigrator(db.DB)
	if err != nil {
		db.Close()
		return nil, err
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(applied) > 0 && logger != nil {
		logger.Info(ctx, "migrations applied", "versions", applied)
	}

	return eventstore.NewStore(db, eventstore.Options{Logger: logger, Metrics: metrics}), nil
}

// sinkRelay forwards orchestrator events to the gateway hub. The orchestrator
// is built before the server that owns the hub, so the target is bound late.
type sinkRelay struct {
	mu   sync.RWMutex
	sink agent.EventSink
}

func (r *sinkRelay) set(s agent.EventSink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

func (r *sinkRelay) Emit(ctx context.Context, typ models.WireEventType, data any) {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink != nil {
		sink.Emit(ctx, typ, data)
	}
}
