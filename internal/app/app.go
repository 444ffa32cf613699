// Package app wires configuration, storage, services, and handlers into one
// application object shared by the API server and the worker binary.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/dispatcher"
	"github.com/ternarybob/k2pweb/internal/handlers"
	"github.com/ternarybob/k2pweb/internal/intake"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/k8s"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/runner"
	"github.com/ternarybob/k2pweb/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	Metrics       *metrics.Metrics
	IntakeService *intake.Service
	Backend       interfaces.Backend
	Dispatcher    *dispatcher.Dispatcher

	// HTTP handlers
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.Metrics = metrics.New()
	app.Metrics.Registry.MustRegister(metrics.NewStoreCollector(app.StorageManager.JobStorage()))

	app.IntakeService = intake.NewService(app.StorageManager.JobStorage(), cfg, app.Metrics, logger)

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Backend = backend
	app.Dispatcher = dispatcher.New(app.StorageManager.JobStorage(), backend, cfg, app.Metrics, logger)

	app.APIHandler = handlers.NewAPIHandler(app.StorageManager.JobStorage())
	app.JobHandler = handlers.NewJobHandler(app.IntakeService, app.StorageManager.JobStorage(), cfg, logger)

	logger.Info().
		Str("backend", backend.Name()).
		Str("job_root", cfg.Storage.JobRoot).
		Str("result_root", cfg.Storage.ResultRoot).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initStorage() error {
	for _, dir := range []string{a.Config.Storage.JobRoot, a.Config.Storage.ResultRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage root %s: %w", dir, err)
		}
	}

	manager, err := badger.NewManager(a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

func newBackend(cfg *common.Config, logger arbor.ILogger) (interfaces.Backend, error) {
	switch cfg.Runner.Backend {
	case common.BackendContainer:
		return runner.NewDockerRunner(&cfg.Runner, logger), nil
	case common.BackendOrchestrator:
		return k8s.NewOrchestrator(&cfg.Runner, logger), nil
	default:
		return nil, fmt.Errorf("unknown runner backend %q", cfg.Runner.Backend)
	}
}

// Close releases application resources.
func (a *App) Close(ctx context.Context) error {
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to close storage manager")
			return err
		}
	}
	return nil
}
