// -----------------------------------------------------------------------
// Application Container - Staged construction of services and handlers
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/handlers"
	"github.com/gitnexus/capsuled/internal/services/artifacts"
	"github.com/gitnexus/capsuled/internal/services/capsule"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/pipeline"
	"github.com/gitnexus/capsuled/internal/services/querycache"
	"github.com/gitnexus/capsuled/internal/services/ratelimit"
	"github.com/gitnexus/capsuled/internal/services/registry"
	"github.com/gitnexus/capsuled/internal/services/remote"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
	"github.com/gitnexus/capsuled/internal/services/tools"
)

// App holds all application services and handlers.
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Version string

	// Services
	Registry    *registry.Service
	Bus         *events.Bus
	Events      *events.Service
	Queue       *pipeline.Queue
	Store       *artifacts.Store
	Writer      capsule.CapsuleWriter
	IndexLoader *sideindex.Loader
	QueryCache  *querycache.Cache
	RateLimiter *ratelimit.Limiter
	Tools       *tools.Service
	Remote      remote.Executor
	Staging     *remote.Staging
	Worker      *pipeline.Worker
	Retention   *pipeline.Retention

	// Handlers
	HealthHandler *handlers.HealthHandler
	ExportHandler *handlers.ExportHandler
	EventsHandler *handlers.EventsHandler
	MCPHandler    *handlers.MCPHandler
	WSHandler     *handlers.WebSocketHandler

	workerCancel context.CancelFunc
}

// New creates the application container with all dependencies wired.
func New(config *common.Config, logger arbor.ILogger, version string) (*App, error) {
	a := &App{
		Config:  config,
		Logger:  logger,
		Version: version,
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := a.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.initHandlers()

	logger.Info().
		Str("backend", config.Backend.Mode).
		Str("export_root", a.Store.Root()).
		Msg("Application container initialized")

	return a, nil
}

// initStorage prepares the artifact store and, in remote mode, the
// payload staging area.
func (a *App) initStorage() error {
	store, err := artifacts.NewStore(a.Config.Export.Root, a.Logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	a.Store = store

	a.Logger.Debug().
		Str("root", store.Root()).
		Msg("Artifact store ready")

	if a.Config.IsRemoteBackend() {
		staging, err := remote.NewStaging(a.Config.Backend.Remote.StagingDir)
		if err != nil {
			return fmt.Errorf("remote staging: %w", err)
		}
		a.Staging = staging

		a.Logger.Debug().
			Str("staging_dir", a.Config.Backend.Remote.StagingDir).
			Msg("Remote staging ready")
	}

	return nil
}

// initServices constructs the registry, event plumbing, query stack and
// the export pipeline in dependency order.
func (a *App) initServices() error {
	a.Registry = registry.NewService(a.Logger)
	a.Bus = events.NewBus(a.Logger)
	a.Events = events.NewService(a.Registry, a.Bus, a.Logger)

	a.Queue = pipeline.NewQueue(a.Config.Export.QueueCapacity, a.Logger)
	a.Writer = capsule.NewContainerWriter()
	a.IndexLoader = sideindex.NewLoader(a.Logger)

	cache, err := querycache.New(a.Config.MCP.CacheCapacity)
	if err != nil {
		return fmt.Errorf("query cache: %w", err)
	}
	a.QueryCache = cache

	a.RateLimiter = ratelimit.NewLimiter(
		a.Config.MCP.RateLimitPerMinute,
		a.Config.MCP.RateLimitBurst,
		a.Logger,
	)

	a.Tools = tools.NewService(
		a.Registry,
		a.IndexLoader,
		a.QueryCache,
		a.Store.Root(),
		a.Config.MCP.AllowExternalCapsules,
		a.Logger,
	)

	if a.Config.IsRemoteBackend() {
		a.Remote = remote.NewClient(
			a.Config.Backend.Remote.BaseURL,
			a.Config.Backend.Remote.Endpoint,
			a.Config.Backend.Remote.APIKey,
			a.Logger,
		)
		a.Logger.Debug().
			Str("base_url", a.Config.Backend.Remote.BaseURL).
			Str("endpoint", a.Config.Backend.Remote.Endpoint).
			Msg("Remote executor configured")
	}

	a.Worker = pipeline.NewWorker(pipeline.Deps{
		Config:   a.Config,
		Registry: a.Registry,
		Events:   a.Events,
		Queue:    a.Queue,
		Store:    a.Store,
		Writer:   a.Writer,
		Loader:   a.IndexLoader,
		Remote:   a.Remote,
		Staging:  a.Staging,
		Logger:   a.Logger,
	})

	a.Retention = pipeline.NewRetention(a.Registry, a.Bus, a.IndexLoader, a.Store, a.Logger)

	return nil
}

// initHandlers constructs the HTTP handlers over the services.
func (a *App) initHandlers() {
	a.HealthHandler = handlers.NewHealthHandler(a.Version, a.Logger)
	a.ExportHandler = handlers.NewExportHandler(a.Config, a.Registry, a.Events, a.Queue, a.Store, a.Logger)
	a.EventsHandler = handlers.NewEventsHandler(a.Config, a.Registry, a.Events, a.Logger)
	a.MCPHandler = handlers.NewMCPHandler(a.Config, a.Tools, a.RateLimiter, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Config, a.Registry, a.Events, a.Logger)
}

// Start launches the pipeline worker and the retention collector.
func (a *App) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	a.workerCancel = cancel
	a.Worker.Start(workerCtx)

	if err := a.Retention.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start retention collector: %w", err)
	}

	a.Logger.Info().
		Int("queue_capacity", a.Config.Export.QueueCapacity).
		Msg("Export pipeline started")

	return nil
}

// Stop drains the pipeline: the retention collector finishes its current
// sweep, the worker finishes its current job.
func (a *App) Stop() {
	a.Logger.Info().Msg("Stopping export pipeline...")

	a.Retention.Stop()

	if a.workerCancel != nil {
		a.workerCancel()
	}
	a.Worker.Wait()

	a.Logger.Info().Msg("Export pipeline stopped")
}
