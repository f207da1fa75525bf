// Package maintenance runs the background work of the runtime: the
// cache expiry sweep, the breaker health probe and the aggregate
// metrics snapshot.
package maintenance

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	factcache "github.com/factlabs/fact/modules/cache"
	"github.com/factlabs/fact/modules/pipeline"
	"github.com/factlabs/fact/modules/registry"
	"github.com/factlabs/fact/modules/sqltool"
)

const defaultSweepInterval = 300 * time.Second

type Config struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.SweepInterval = defaultSweepInterval

	f.DurationVar(&cfg.SweepInterval, prefix+".sweep-interval", cfg.SweepInterval, "How often expired cache entries are swept.")
}

func (cfg *Config) Validate() error {
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be greater than 0, got %s", cfg.SweepInterval)
	}
	return nil
}

// PipelineStats extends the pipeline counters with latency aggregates.
type PipelineStats struct {
	pipeline.Stats
	MeanLatencyMS float64 `json:"mean_latency_ms"`
	P95LatencyMS  float64 `json:"p95_latency_ms"`
}

// Snapshot is the aggregated view across all components.
type Snapshot struct {
	TakenAt  time.Time                     `json:"taken_at"`
	Cache    factcache.Metrics             `json:"cache"`
	Tools    map[string]registry.ToolStats `json:"tools"`
	SQLPool  sqltool.PoolStats             `json:"sql_pool"`
	Pipeline PipelineStats                 `json:"pipeline"`
}

// Worker owns the background timer and the latency reservoir. It is a
// dskit service; the timer fires every sweep interval.
type Worker struct {
	services.Service

	cfg    Config
	logger log.Logger

	cache    *factcache.ResilientCache
	reg      *registry.Registry
	executor *sqltool.Executor
	pipe     *pipeline.Pipeline

	latencies *reservoir
}

func NewWorker(cfg Config, cache *factcache.ResilientCache, reg *registry.Registry, executor *sqltool.Executor, pipe *pipeline.Pipeline, logger log.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid maintenance config: %w", err)
	}

	w := &Worker{
		cfg:       cfg,
		logger:    logger,
		cache:     cache,
		reg:       reg,
		executor:  executor,
		pipe:      pipe,
		latencies: newReservoir(time.Now().UnixNano()),
	}
	pipe.SetLatencyObserver(w.ObserveLatency)
	w.Service = services.NewTimerService(cfg.SweepInterval, w.starting, w.iteration, w.stopping)
	return w, nil
}

func (w *Worker) starting(_ context.Context) error {
	w.cache.Circuit().StartProbe(w.cache.HealthProbe)
	level.Info(w.logger).Log("msg", "maintenance worker started", "sweep_interval", w.cfg.SweepInterval)
	return nil
}

func (w *Worker) iteration(_ context.Context) error {
	swept := w.cache.SweepExpired()
	if swept > 0 {
		level.Info(w.logger).Log("msg", "swept expired cache entries", "count", swept)
	}
	return nil
}

func (w *Worker) stopping(_ error) error {
	w.cache.Circuit().StopProbe()
	return nil
}

// ObserveLatency feeds one request latency into the reservoir.
func (w *Worker) ObserveLatency(ms float64) {
	w.latencies.observe(ms)
}

// Snapshot aggregates current counters from every component.
func (w *Worker) Snapshot() Snapshot {
	return Snapshot{
		TakenAt: time.Now(),
		Cache:   w.cache.MetricsSnapshot(),
		Tools:   w.reg.StatsSnapshot(),
		SQLPool: w.executor.PoolStats(),
		Pipeline: PipelineStats{
			Stats:         w.pipe.StatsSnapshot(),
			MeanLatencyMS: w.latencies.mean(),
			P95LatencyMS:  w.latencies.p95(),
		},
	}
}
