package app

import (
	"context"
	"os"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	factcache "github.com/factlabs/fact/modules/cache"
	"github.com/factlabs/fact/modules/maintenance"
	"github.com/factlabs/fact/modules/pipeline"
	"github.com/factlabs/fact/modules/registry"
	"github.com/factlabs/fact/modules/sqltool"
	"github.com/factlabs/fact/pkg/cache"
	"github.com/factlabs/fact/pkg/gateway"
	"github.com/factlabs/fact/pkg/llm"
	"github.com/factlabs/fact/pkg/util/log"
)

// ErrShuttingDown is returned for requests arriving after shutdown
// began.
var ErrShuttingDown = errors.New("shutting down")

// App owns every component of the runtime and their lifecycles.
type App struct {
	cfg Config

	Store    *cache.Store
	Cache    *factcache.ResilientCache
	Registry *registry.Registry
	Executor *sqltool.Executor
	Gateway  *gateway.Gateway
	Pipeline *pipeline.Pipeline
	Worker   *maintenance.Worker

	manager *services.Manager

	mtx      sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	logger := log.Logger

	store, err := cache.NewStore(cfg.Cache.Store, nil, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating cache store")
	}
	resilient, err := factcache.NewResilientCache(cfg.Cache, store, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating resilient cache")
	}

	reg, err := registry.New(cfg.Tools, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating tool registry")
	}

	executor, err := sqltool.NewExecutor(cfg.SQL, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating sql executor")
	}
	if err := sqltool.RegisterTools(reg, executor); err != nil {
		return nil, errors.Wrap(err, "registering sql tools")
	}

	gw, err := gateway.New(cfg.Gateway, logger)
	if err != nil {
		return nil, errors.Wrap(err, "connecting tool gateway")
	}

	client, err := newLLMClient(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(cfg.Pipeline, resilient, reg, client, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating pipeline")
	}

	worker, err := maintenance.NewWorker(cfg.Maintenance, resilient, reg, executor, pipe, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating maintenance worker")
	}

	manager, err := services.NewManager(resilient, worker)
	if err != nil {
		return nil, errors.Wrap(err, "creating service manager")
	}

	return &App{
		cfg:      cfg,
		Store:    store,
		Cache:    resilient,
		Registry: reg,
		Executor: executor,
		Gateway:  gw,
		Pipeline: pipe,
		Worker:   worker,
		manager:  manager,
	}, nil
}

// newLLMClient picks the real provider when credentials exist and a
// canned offline client otherwise, so the binary stays usable without
// an account.
func newLLMClient(cfg llm.Config, logger kitlog.Logger) (llm.Client, error) {
	if cfg.APIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		level.Warn(logger).Log("msg", "no provider credentials found, using canned offline responses")
		return llm.NewScriptClient(llm.TextStep(
			"I am running without provider credentials. Set ANTHROPIC_API_KEY to get real answers.",
		)), nil
	}
	client, err := llm.NewAnthropicClient(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating llm client")
	}
	return client, nil
}

// Start brings the background services up and waits until they are
// running.
func (a *App) Start(ctx context.Context) error {
	if err := services.StartManagerAndAwaitHealthy(ctx, a.manager); err != nil {
		return errors.Wrap(err, "starting services")
	}
	level.Info(log.Logger).Log("msg", "fact started", "tools", len(a.Registry.Schemas()))
	return nil
}

// Handle processes one user query, tracked for drain on shutdown.
func (a *App) Handle(ctx context.Context, query, userID string) (*pipeline.Session, error) {
	a.mtx.Lock()
	if a.draining {
		a.mtx.Unlock()
		return nil, ErrShuttingDown
	}
	a.inflight.Add(1)
	a.mtx.Unlock()
	defer a.inflight.Done()

	return a.Pipeline.Handle(ctx, query, userID)
}

// Snapshot returns the aggregated metrics view.
func (a *App) Snapshot() maintenance.Snapshot {
	return a.Worker.Snapshot()
}

// Shutdown drains in-flight requests up to the configured timeout,
// stops background services and closes the SQL pool.
func (a *App) Shutdown() {
	a.mtx.Lock()
	a.draining = true
	a.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownDrainTimeout):
		level.Warn(log.Logger).Log("msg", "drain timeout reached, abandoning in-flight requests")
	}

	a.manager.StopAsync()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownDrainTimeout)
	defer cancel()
	if err := a.manager.AwaitStopped(ctx); err != nil {
		level.Warn(log.Logger).Log("msg", "error stopping services", "err", err)
	}

	if a.Gateway != nil {
		if err := a.Gateway.Close(); err != nil {
			level.Warn(log.Logger).Log("msg", "error closing gateway", "err", err)
		}
	}
	if err := a.Executor.Close(); err != nil {
		level.Warn(log.Logger).Log("msg", "error closing sql executor", "err", err)
	}
	level.Info(log.Logger).Log("msg", "fact stopped")
}
