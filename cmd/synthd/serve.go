package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/spf13/cobra"

	"github.com/rogers-f/synthesis-engine/internal/bridge"
	"github.com/rogers-f/synthesis-engine/internal/config"
	"github.com/rogers-f/synthesis-engine/internal/driver"
	"github.com/rogers-f/synthesis-engine/internal/guard"
	"github.com/rogers-f/synthesis-engine/internal/ipc"
	"github.com/rogers-f/synthesis-engine/internal/logging"
	"github.com/rogers-f/synthesis-engine/internal/persist"
	"github.com/rogers-f/synthesis-engine/internal/provider"
	"github.com/rogers-f/synthesis-engine/internal/router"
	"github.com/rogers-f/synthesis-engine/internal/store"
	"github.com/rogers-f/synthesis-engine/internal/workflow"
)

func (a *App) newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and the operator API",
		Long: `Run the pipeline and serve the operator API.

An existing state file is validated and resumed; otherwise the pipeline starts
fresh at the first phase. Token usage already recorded for the pipeline counts
against the budget.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return a.serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

func (a *App) serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.Init(cfg.LoggingConfig())

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	gov := workflow.NewUsageGovernor(db, cfg.PipelineID, cfg.TokenBudget)
	if err := gov.Load(ctx); err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	stateStore := persist.NewFileStore(cfg.StatePath)
	machine, err := openMachine(stateStore, workflow.Options{Gates: workflow.NewPhaseGateRegistry(gov)}, logger)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}
	planner := router.NewPlanner(
		router.NewRouter(cfg.Thresholds()),
		router.NewBudgetAnalyzer(cfg.CapabilityTable(), cfg.ModelIDs(), cfg.Truncation()),
	)
	g := guard.NewGuard(gov, guard.GuardConfig{RateLimitPerMinute: cfg.RateLimitPerMinute})
	b := bridge.NewBridge(planner, registry, g, gov, db, cfg.PipelineID, logger)

	orch := workflow.NewOrchestrator(machine, workflow.OrchestratorOptions{
		Store: stateStore,
		Hooks: []workflow.BoundaryHook{
			workflow.NewArchiveHook(db, cfg.PipelineID),
			b.BoundaryHook(),
		},
		Recorders: []workflow.TransitionRecorder{workflow.NewStoreRecorder(db, cfg.PipelineID)},
		Logger:    logger,
	})
	orch.Start()
	defer orch.Stop()

	reportOverdue(ctx, orch, logger)

	drv := driver.New(b, orch, driver.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
	}, logger)

	handler := &ipc.Handler{
		Orchestrator: orch,
		Planner:      planner,
		Driver:       drv,
		Governor:     gov,
		Codec:        persist.NewCodec(),
		DB:           db,
		PipelineID:   cfg.PipelineID,
		EventRepo:    &store.EventRepo{},
		AuditRepo:    &store.AuditRepo{},
		UsageRepo:    &store.UsageRepo{},
		RoutingRepo:  &store.RoutingRepo{},
		Logger:       logger,
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logging.With(logger.Info()).Add(
		logging.Component("synthd"),
		logging.Pipeline(cfg.PipelineID),
	).Msg("synthesis engine listening on " + ipc.FormatListenURL(cfg.ListenAddr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.With(logger.Info()).Add(logging.Component("synthd")).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// openMachine resumes from the state file when it exists.
func openMachine(fs *persist.FileStore, opts workflow.Options, logger *bolt.Logger) (*workflow.Machine, error) {
	if !fs.Exists() {
		m := workflow.NewMachine(opts)
		logging.With(logger.Info()).Add(
			logging.Component("synthd"),
			logging.Phase(string(m.CurrentPhase())),
		).Msg("starting new pipeline")
		return m, nil
	}
	doc, err := fs.Load()
	if err != nil {
		return nil, fmt.Errorf("load state file: %w", err)
	}
	m, err := workflow.RestoreMachine(doc.Snapshot, opts)
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	logging.With(logger.Info()).Add(
		logging.Component("synthd"),
		logging.Phase(string(m.CurrentPhase())),
		logging.Substate(string(m.CurrentSubstate().Kind)),
	).Msg("resumed pipeline from " + doc.PersistedAt.Format(time.RFC3339))
	return m, nil
}

// reportOverdue warns about blocking queries whose deadline passed while the
// engine was down. Nothing is resolved automatically.
func reportOverdue(ctx context.Context, orch *workflow.Orchestrator, logger *bolt.Logger) {
	overdue, err := orch.OverdueBlocking(ctx, time.Now())
	if err != nil {
		return
	}
	for _, rec := range overdue {
		logging.With(logger.Warn()).Add(
			logging.Component("synthd"),
			logging.Phase(string(rec.Phase)),
			logging.BlockingID(rec.ID),
		).Msg("blocking query is past its deadline: " + rec.Query)
	}
}
