package cache

import (
	"bytes"
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// schemaVersion participates in fingerprinting. Bump it to invalidate
// every previously computed fingerprint.
const schemaVersion = "v1.0"

// ErrTooSmall is returned by Store when the content does not clear the
// token admission threshold.
var ErrTooSmall = errors.New("content below cache admission threshold")

var (
	metricOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Total cache operations by outcome.",
	}, []string{"op", "outcome"})
	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total entries evicted to stay under the size budget.",
	})
	metricExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "cache",
		Name:      "expirations_total",
		Help:      "Total entries removed because their TTL lapsed.",
	})
	metricBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fact",
		Subsystem: "cache",
		Name:      "bytes",
		Help:      "Current total bytes held by the cache.",
	})
	metricEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fact",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of cache entries.",
	})
)

// Entry is a single cached response. Immutable after creation except for
// the access bookkeeping, which only Get mutates.
type Entry struct {
	Fingerprint    string
	Content        []byte
	TokenCount     int
	ByteSize       int
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	PrefixTag      string
}

// Metrics is a point-in-time snapshot of the store's counters.
type Metrics struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Stores           uint64  `json:"stores"`
	Evictions        uint64  `json:"evictions"`
	Expirations      uint64  `json:"expirations"`
	RejectedTooSmall uint64  `json:"rejected_too_small"`
	HitRate          float64 `json:"hit_rate"`
	TotalBytes       uint64  `json:"total_bytes"`
	EntryCount       int     `json:"entry_count"`
}

// TokenEstimator counts tokens in candidate content. The default is a
// whitespace word count used as a token proxy.
type TokenEstimator func([]byte) int

func WordCountEstimator(content []byte) int {
	return len(bytes.Fields(content))
}

// Store is the in-memory response cache: fingerprint -> entry with
// token-gated admission, TTL and size-bounded LRU eviction. All
// operations are atomic under a single mutex.
type Store struct {
	mtx sync.Mutex

	cfg      Config
	maxBytes uint64
	estimate TokenEstimator
	logger   log.Logger
	now      func() time.Time

	entries    map[string]*list.Element
	lru        *list.List // front is most recently used
	totalBytes uint64

	hits             uint64
	misses           uint64
	stores           uint64
	evictions        uint64
	expirations      uint64
	rejectedTooSmall uint64
}

func NewStore(cfg Config, estimator TokenEstimator, logger log.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxBytes, err := ParseSize(cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	if estimator == nil {
		estimator = WordCountEstimator
	}

	level.Info(logger).Log("msg", "cache store configured",
		"prefix", cfg.PrefixTag,
		"min_tokens", cfg.MinTokens,
		"ttl", cfg.TTL,
		"max_size", formatSize(maxBytes))

	return &Store{
		cfg:      cfg,
		maxBytes: maxBytes,
		estimate: estimator,
		logger:   logger,
		now:      time.Now,
		entries:  map[string]*list.Element{},
		lru:      list.New(),
	}, nil
}

// NormalizeQuery produces the canonical form of a user query used for
// fingerprinting: trimmed, lowercased, inner whitespace collapsed.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Fingerprint is deterministic over (prefix tag, normalized query,
// schema version). Identical queries hash identically across restarts.
func (s *Store) Fingerprint(query string) string {
	h := sha256.New()
	h.Write([]byte(s.cfg.PrefixTag))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	h.Write([]byte(schemaVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Store admits content under the configured token threshold policy. On
// success it returns the created entry; ErrTooSmall rejections are
// counted but are not failures.
func (s *Store) Store(fingerprint string, content []byte) (*Entry, error) {
	tokens := s.estimate(content)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if tokens < s.cfg.MinTokens {
		s.rejectedTooSmall++
		metricOps.WithLabelValues("store", "rejected_too_small").Inc()
		return nil, ErrTooSmall
	}

	// replacing an existing entry must not double count its bytes
	if el, ok := s.entries[fingerprint]; ok {
		s.removeLocked(el)
	}

	now := s.now()
	e := &Entry{
		Fingerprint:    fingerprint,
		Content:        content,
		TokenCount:     tokens,
		ByteSize:       len(content),
		CreatedAt:      now,
		LastAccessedAt: now,
		PrefixTag:      s.cfg.PrefixTag,
	}

	s.entries[fingerprint] = s.lru.PushFront(e)
	s.totalBytes += uint64(e.ByteSize)
	s.stores++
	metricOps.WithLabelValues("store", "stored").Inc()

	if s.totalBytes > s.maxBytes {
		s.evictLocked()
	}
	s.updateGaugesLocked()

	return s.snapshotEntry(e), nil
}

// Get returns the entry for the fingerprint, bumping its access
// bookkeeping. Entries past their TTL are removed and reported as
// misses.
func (s *Store) Get(fingerprint string) (*Entry, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	el, ok := s.entries[fingerprint]
	if !ok {
		s.misses++
		metricOps.WithLabelValues("get", "miss").Inc()
		return nil, false
	}

	e := el.Value.(*Entry)
	now := s.now()
	if now.Sub(e.CreatedAt) > s.cfg.TTL {
		s.removeLocked(el)
		s.expirations++
		s.misses++
		metricExpirations.Inc()
		metricOps.WithLabelValues("get", "expired").Inc()
		s.updateGaugesLocked()
		return nil, false
	}

	e.LastAccessedAt = now
	e.AccessCount++
	s.lru.MoveToFront(el)
	s.hits++
	metricOps.WithLabelValues("get", "hit").Inc()

	return s.snapshotEntry(e), true
}

// Invalidate removes every entry carrying the given prefix tag and
// returns how many were removed.
func (s *Store) Invalidate(prefixTag string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	removed := 0
	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).PrefixTag == prefixTag {
			s.removeLocked(el)
			removed++
		}
		el = next
	}
	if removed > 0 {
		s.updateGaugesLocked()
	}
	metricOps.WithLabelValues("invalidate", "ok").Add(float64(removed))
	return removed
}

// SweepExpired removes entries past their TTL and returns the count.
// Called periodically by the maintenance worker.
func (s *Store) SweepExpired() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	removed := 0
	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*Entry); now.Sub(e.CreatedAt) > s.cfg.TTL {
			s.removeLocked(el)
			s.expirations++
			metricExpirations.Inc()
			removed++
		}
		el = next
	}
	if removed > 0 {
		s.updateGaugesLocked()
		level.Debug(s.logger).Log("msg", "expiry sweep complete", "removed", removed)
	}
	return removed
}

// MetricsSnapshot returns point-in-time consistent counters.
func (s *Store) MetricsSnapshot() Metrics {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	m := Metrics{
		Hits:             s.hits,
		Misses:           s.misses,
		Stores:           s.stores,
		Evictions:        s.evictions,
		Expirations:      s.expirations,
		RejectedTooSmall: s.rejectedTooSmall,
		TotalBytes:       s.totalBytes,
		EntryCount:       len(s.entries),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRate = float64(m.Hits) / float64(total)
	}
	return m
}

// evictLocked drops least recently used entries until the cache is back
// under maxBytes * target fill ratio.
func (s *Store) evictLocked() {
	target := uint64(float64(s.maxBytes) * s.cfg.TargetFillRatio)
	evicted := 0
	for s.totalBytes > target {
		el := s.lru.Back()
		if el == nil {
			break
		}
		s.removeLocked(el)
		s.evictions++
		metricEvictions.Inc()
		evicted++
	}
	if evicted > 0 {
		level.Debug(s.logger).Log("msg", "evicted cache entries", "count", evicted, "total_bytes", s.totalBytes)
	}
}

func (s *Store) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	s.lru.Remove(el)
	delete(s.entries, e.Fingerprint)
	s.totalBytes -= uint64(e.ByteSize)
}

func (s *Store) updateGaugesLocked() {
	metricBytes.Set(float64(s.totalBytes))
	metricEntries.Set(float64(len(s.entries)))
}

// snapshotEntry copies the entry so callers never observe concurrent
// access-count mutation.
func (s *Store) snapshotEntry(e *Entry) *Entry {
	cp := *e
	return &cp
}
