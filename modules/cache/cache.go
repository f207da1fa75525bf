package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/factlabs/fact/pkg/breaker"
	"github.com/factlabs/fact/pkg/cache"
)

// GetStatus is the outcome of a resilient cache lookup. Degraded means
// the circuit fast-failed the lookup; callers proceed as on a miss but
// the two are counted separately.
type GetStatus int

const (
	GetHit GetStatus = iota
	GetMiss
	GetDegraded
)

// StoreStatus is the outcome of a resilient cache store.
type StoreStatus int

const (
	StoreStored StoreStatus = iota
	StoreRejectedTooSmall
	StoreDegraded
)

var metricDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fact",
	Subsystem: "cache",
	Name:      "degraded_total",
	Help:      "Total cache operations skipped because the circuit was open.",
}, []string{"op"})

// Store is the slice of the response cache the facade consumes.
type Store interface {
	Store(fingerprint string, content []byte) (*cache.Entry, error)
	Get(fingerprint string) (*cache.Entry, bool)
	Invalidate(prefixTag string) int
	SweepExpired() int
	MetricsSnapshot() cache.Metrics
	Fingerprint(query string) string
}

// Metrics combines the store and circuit views.
type Metrics struct {
	Cache   cache.Metrics   `json:"cache"`
	Circuit breaker.Metrics `json:"circuit"`
}

// ResilientCache fronts the response cache with a circuit breaker.
// Every operation except Fingerprint runs through the breaker; breaker
// fast-fails surface as Degraded outcomes rather than errors.
type ResilientCache struct {
	services.Service

	store   Store
	circuit *breaker.Breaker
	logger  log.Logger
}

func NewResilientCache(cfg Config, store Store, logger log.Logger) (*ResilientCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	b, err := breaker.New("cache", cfg.Circuit, classifyFailure, logger)
	if err != nil {
		return nil, err
	}

	r := &ResilientCache{
		store:   store,
		circuit: b,
		logger:  logger,
	}
	r.Service = services.NewIdleService(r.starting, r.stopping)

	level.Info(logger).Log("msg", "resilient cache configured", "prefix", cfg.Store.PrefixTag)
	return r, nil
}

// Fingerprint is pure and never subject to the breaker.
func (r *ResilientCache) Fingerprint(query string) string {
	return r.store.Fingerprint(query)
}

// Get looks the fingerprint up through the circuit.
func (r *ResilientCache) Get(fingerprint string) (GetStatus, *cache.Entry) {
	res, err := r.circuit.Execute("get", func() (any, error) {
		entry, ok := r.store.Get(fingerprint)
		if !ok {
			return nil, nil
		}
		return entry, nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		metricDegraded.WithLabelValues("get").Inc()
		return GetDegraded, nil
	}
	if err != nil {
		// a failing lookup degrades rather than erroring: the pipeline
		// proceeds without cache either way
		metricDegraded.WithLabelValues("get").Inc()
		return GetDegraded, nil
	}
	if res == nil {
		return GetMiss, nil
	}
	return GetHit, res.(*cache.Entry)
}

// Store writes content through the circuit. TooSmall rejections are a
// policy outcome, not a failure; they never trip the breaker.
func (r *ResilientCache) Store(fingerprint string, content []byte) StoreStatus {
	res, err := r.circuit.Execute("store", func() (any, error) {
		_, err := r.store.Store(fingerprint, content)
		if errors.Is(err, cache.ErrTooSmall) {
			return StoreRejectedTooSmall, nil
		}
		if err != nil {
			return nil, &opError{op: "store", err: err}
		}
		return StoreStored, nil
	})
	if err != nil {
		metricDegraded.WithLabelValues("store").Inc()
		return StoreDegraded
	}
	return res.(StoreStatus)
}

// Invalidate removes entries for the prefix tag; degraded is reported
// through the second return.
func (r *ResilientCache) Invalidate(prefixTag string) (int, bool) {
	res, err := r.circuit.Execute("invalidate", func() (any, error) {
		return r.store.Invalidate(prefixTag), nil
	})
	if err != nil {
		metricDegraded.WithLabelValues("invalidate").Inc()
		return 0, true
	}
	return res.(int), false
}

// SweepExpired bypasses the breaker: it runs on the maintenance worker
// and must reach the store even while user traffic is degraded.
func (r *ResilientCache) SweepExpired() int {
	return r.store.SweepExpired()
}

// HealthProbe is a cheap read suitable for the breaker's background
// probe while open.
func (r *ResilientCache) HealthProbe() error {
	r.store.MetricsSnapshot()
	return nil
}

// Circuit exposes the breaker for probe wiring by the maintenance
// worker.
func (r *ResilientCache) Circuit() *breaker.Breaker {
	return r.circuit
}

func (r *ResilientCache) MetricsSnapshot() Metrics {
	return Metrics{
		Cache:   r.store.MetricsSnapshot(),
		Circuit: r.circuit.MetricsSnapshot(),
	}
}

func (r *ResilientCache) starting(_ context.Context) error { return nil }

func (r *ResilientCache) stopping(_ error) error {
	r.circuit.StopProbe()
	return nil
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func classifyFailure(err error) breaker.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return breaker.KindTimeout
	}
	var oe *opError
	if errors.As(err, &oe) {
		switch oe.op {
		case "store":
			return breaker.KindStoreError
		case "get", "invalidate":
			return breaker.KindLookupError
		}
	}
	return breaker.KindOther
}
