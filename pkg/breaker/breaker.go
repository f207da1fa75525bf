package breaker

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the circuit fast-fails a request without
// invoking the wrapped operation.
var ErrOpen = errors.New("circuit open: operation not attempted")

// Kind classifies a recorded failure for observability.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindStoreError  Kind = "store_error"
	KindLookupError Kind = "lookup_error"
	KindOther       Kind = "other"
)

const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

var (
	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fact",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Current circuit state (1 for the active state).",
	}, []string{"name", "state"})
	metricStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "circuit",
		Name:      "state_changes_total",
		Help:      "Total circuit state transitions.",
	}, []string{"name"})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "circuit",
		Name:      "failures_total",
		Help:      "Total failures observed by the circuit.",
	}, []string{"name", "kind"})
	metricFastFails = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "circuit",
		Name:      "fast_fails_total",
		Help:      "Total requests rejected without invoking the wrapped operation.",
	}, []string{"name"})
)

// FailureRecord is one entry of the rolling observability window. State
// transitions are driven by the consecutive counters, never by this
// window.
type FailureRecord struct {
	At   time.Time `json:"at"`
	Kind Kind      `json:"kind"`
	Op   string    `json:"op"`
}

// Metrics is a point-in-time view of the breaker.
type Metrics struct {
	State               string          `json:"state"`
	TimeInState         time.Duration   `json:"time_in_state"`
	ConsecutiveFailures uint32          `json:"consecutive_failures"`
	TotalOps            uint64          `json:"total_ops"`
	TotalFailures       uint64          `json:"total_failures"`
	StateChanges        uint64          `json:"state_changes_count"`
	RecentFailures      []FailureRecord `json:"recent_failures"`
}

// Classifier maps an operation error to a failure kind.
type Classifier func(error) Kind

// Breaker protects a dependency with a CLOSED/OPEN/HALF_OPEN state
// machine. The state machine itself is sony/gobreaker configured for
// consecutive-counter transitions; this wrapper adds the failure
// window, state-change accounting, half-open throttling and the
// background health probe.
type Breaker struct {
	cfg      Config
	name     string
	logger   log.Logger
	classify Classifier
	cb       *gobreaker.CircuitBreaker

	mtx              sync.Mutex
	window           []FailureRecord
	stateChanges     uint64
	stateChangedAt   time.Time
	halfOpenArrivals uint64
	totalOps         uint64
	totalFailures    uint64

	probeStopCh chan struct{}
	probeWG     sync.WaitGroup
}

func New(name string, cfg Config, classify Classifier, logger log.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classify == nil {
		classify = func(error) Kind { return KindOther }
	}

	b := &Breaker{
		cfg:            cfg,
		name:           name,
		logger:         logger,
		classify:       classify,
		stateChangedAt: time.Now(),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: b.onStateChange,
	})

	metricState.WithLabelValues(name, StateClosed).Set(1)
	return b, nil
}

// Execute runs fn through the circuit. When the circuit is open, or the
// request is throttled during half-open recovery, fn is not invoked and
// ErrOpen is returned.
func (b *Breaker) Execute(op string, fn func() (any, error)) (any, error) {
	// deterministic half-open throttling; rejected arrivals still
	// advance the counter
	if b.cfg.RecoveryFactor < 1 && b.cb.State() == gobreaker.StateHalfOpen {
		if !b.admitHalfOpen() {
			metricFastFails.WithLabelValues(b.name).Inc()
			return nil, ErrOpen
		}
	}

	res, err := b.cb.Execute(fn)

	b.mtx.Lock()
	b.totalOps++
	b.mtx.Unlock()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metricFastFails.WithLabelValues(b.name).Inc()
		return nil, ErrOpen
	}
	if err != nil {
		b.recordFailure(op, err)
	}
	return res, err
}

// State returns the current circuit state as a stable string.
func (b *Breaker) State() string {
	return stateString(b.cb.State())
}

// MetricsSnapshot returns the breaker's observability counters.
func (b *Breaker) MetricsSnapshot() Metrics {
	// read gobreaker state before taking our mutex: its callbacks take
	// the locks in the opposite order
	state := b.State()
	counts := b.cb.Counts()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	window := make([]FailureRecord, len(b.window))
	copy(window, b.window)

	return Metrics{
		State:               state,
		TimeInState:         time.Since(b.stateChangedAt),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalOps:            b.totalOps,
		TotalFailures:       b.totalFailures,
		StateChanges:        b.stateChanges,
		RecentFailures:      window,
	}
}

// StartProbe launches the background health probe. While the circuit is
// open the probe fires at half the open timeout; probes follow the same
// state machine rules as regular requests.
func (b *Breaker) StartProbe(probe func() error) {
	if !b.cfg.ProbeEnabled || probe == nil {
		return
	}

	b.mtx.Lock()
	if b.probeStopCh != nil {
		b.mtx.Unlock()
		return
	}
	b.probeStopCh = make(chan struct{})
	stop := b.probeStopCh
	b.mtx.Unlock()

	b.probeWG.Add(1)
	go func() {
		defer b.probeWG.Done()
		ticker := time.NewTicker(b.cfg.OpenTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if b.cb.State() == gobreaker.StateClosed {
					continue
				}
				_, err := b.Execute("health_probe", func() (any, error) {
					return nil, probe()
				})
				if err != nil && !errors.Is(err, ErrOpen) {
					level.Debug(b.logger).Log("msg", "health probe failed", "name", b.name, "err", err)
				}
			}
		}
	}()
}

// StopProbe cancels the probe goroutine, if running.
func (b *Breaker) StopProbe() {
	b.mtx.Lock()
	stop := b.probeStopCh
	b.probeStopCh = nil
	b.mtx.Unlock()

	if stop != nil {
		close(stop)
		b.probeWG.Wait()
	}
}

func (b *Breaker) admitHalfOpen() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	n := float64(b.halfOpenArrivals)
	b.halfOpenArrivals++
	f := b.cfg.RecoveryFactor
	return math.Ceil((n+1)*f) > math.Ceil(n*f)
}

func (b *Breaker) recordFailure(op string, err error) {
	kind := b.classify(err)
	metricFailures.WithLabelValues(b.name, string(kind)).Inc()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.totalFailures++
	b.window = append(b.window, FailureRecord{At: time.Now(), Kind: kind, Op: op})
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metricStateChanges.WithLabelValues(name).Inc()
	metricState.WithLabelValues(name, stateString(from)).Set(0)
	metricState.WithLabelValues(name, stateString(to)).Set(1)

	b.mtx.Lock()
	b.stateChanges++
	b.stateChangedAt = time.Now()
	if to == gobreaker.StateHalfOpen {
		b.halfOpenArrivals = 0
	}
	b.mtx.Unlock()

	level.Info(b.logger).Log("msg", "circuit state change", "name", name, "from", stateString(from), "to", stateString(to))
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
