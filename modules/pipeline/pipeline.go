package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	factcache "github.com/factlabs/fact/modules/cache"
	"github.com/factlabs/fact/modules/registry"
	"github.com/factlabs/fact/pkg/llm"
)

// Terminal failures of a request.
var (
	ErrEmptyQuery     = errors.New("query is empty")
	ErrLLMUnavailable = errors.New("llm unavailable")
	ErrTimeout        = errors.New("request deadline exceeded")
)

// Session statuses.
const (
	StatusCompleted         = "completed"
	StatusToolLoopExhausted = "tool_loop_exhausted"
	StatusLLMUnavailable    = "llm_unavailable"
	StatusTimeout           = "timeout"
)

// Cache statuses of a session.
const (
	CacheHit             = "hit"
	CacheMiss            = "miss"
	CacheSkippedDegraded = "skipped_degraded"
)

const exhaustedFallback = "I was unable to complete this request within the allowed number of tool calls."

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "pipeline",
		Name:      "queries_total",
		Help:      "Total processed queries by cache status and outcome.",
	}, []string{"cache_status", "status"})
	metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fact",
		Subsystem: "pipeline",
		Name:      "query_duration_seconds",
		Help:      "End-to-end request latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	})
	metricLLMCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "pipeline",
		Name:      "llm_calls_total",
		Help:      "Total provider calls, including retries.",
	})
)

// Session is the full record of one processed request.
type Session struct {
	QueryID         string                 `json:"query_id"`
	UserQuery       string                 `json:"user_query"`
	Messages        []llm.Message          `json:"message_history"`
	ToolInvocations []*registry.Invocation `json:"tool_invocations"`
	CacheStatus     string                 `json:"cache_status"`
	Status          string                 `json:"status"`
	Response        string                 `json:"response"`
	LatencyMS       float64                `json:"latency_ms"`
	LLMCalls        int                    `json:"llm_calls"`
}

// Stats are the pipeline's aggregate counters for the metrics snapshot.
type Stats struct {
	QueriesProcessed uint64 `json:"queries_processed"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SkippedDegraded  uint64 `json:"skipped_degraded"`
}

// Pipeline drives one request through cache probe, provider calls, the
// tool loop and cache write-back.
type Pipeline struct {
	cfg    Config
	logger log.Logger

	cache  *factcache.ResilientCache
	reg    *registry.Registry
	client llm.Client

	queries         atomic.Uint64
	hits            atomic.Uint64
	misses          atomic.Uint64
	skippedDegraded atomic.Uint64

	// observeLatency feeds the maintenance reservoir; nil is fine.
	observeLatency func(ms float64)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(cfg Config, cache *factcache.ResilientCache, reg *registry.Registry, client llm.Client, logger log.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		cache:  cache,
		reg:    reg,
		client: client,
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// SetLatencyObserver registers a callback receiving every session's
// latency in milliseconds.
func (p *Pipeline) SetLatencyObserver(fn func(ms float64)) {
	p.observeLatency = fn
}

// Handle processes one user query end to end.
func (p *Pipeline) Handle(ctx context.Context, userQuery, userID string) (*Session, error) {
	query := strings.TrimSpace(userQuery)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	session := &Session{
		QueryID:   uuid.New().String(),
		UserQuery: query,
	}
	start := p.now()
	defer func() {
		session.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
		metricQueryDuration.Observe(time.Since(start).Seconds())
		metricQueries.WithLabelValues(session.CacheStatus, session.Status).Inc()
		p.queries.Inc()
		if p.observeLatency != nil {
			p.observeLatency(session.LatencyMS)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	fp := p.cache.Fingerprint(query)

	switch status, entry := p.cache.Get(fp); status {
	case factcache.GetHit:
		p.hits.Inc()
		session.CacheStatus = CacheHit
		session.Status = StatusCompleted
		session.Response = string(entry.Content)
		return session, nil
	case factcache.GetDegraded:
		p.skippedDegraded.Inc()
		session.CacheStatus = CacheSkippedDegraded
	default:
		p.misses.Inc()
		session.CacheStatus = CacheMiss
	}

	err := p.runToolLoop(ctx, session, userID)
	if err != nil {
		return session, err
	}

	p.writeBack(session, fp)

	level.Debug(p.logger).Log("msg", "query processed", "query_id", session.QueryID,
		"cache_status", session.CacheStatus, "status", session.Status,
		"llm_calls", session.LLMCalls, "tools", len(session.ToolInvocations))
	return session, nil
}

// runToolLoop alternates provider calls with tool executions until the
// provider stops asking for tools, the iteration bound is hit, or two
// consecutive rounds request identical calls.
func (p *Pipeline) runToolLoop(ctx context.Context, session *Session, userID string) error {
	session.Messages = []llm.Message{{
		Role:    llm.RoleUser,
		Content: []llm.Block{{Type: llm.BlockText, Text: session.UserQuery}},
	}}
	tools := toolDefs(p.reg.Schemas())

	var lastRoundFP string
	for {
		if session.LLMCalls > p.cfg.MaxToolIterations {
			session.Status = StatusToolLoopExhausted
			if session.Response == "" {
				session.Response = exhaustedFallback
			}
			level.Warn(p.logger).Log("msg", "tool loop exhausted", "query_id", session.QueryID, "llm_calls", session.LLMCalls)
			return nil
		}

		result, err := p.callWithRetry(ctx, session.Messages, tools)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				session.Status = StatusTimeout
			} else {
				session.Status = StatusLLMUnavailable
			}
			return err
		}
		session.LLMCalls++

		session.Messages = append(session.Messages, llm.Message{
			Role:    llm.RoleAssistant,
			Content: result.Content,
		})
		session.Response = textOf(result.Content)

		toolUses := toolUseBlocks(result.Content)
		if len(toolUses) == 0 {
			session.Status = StatusCompleted
			return nil
		}

		roundFP := toolRoundFingerprint(toolUses)
		if roundFP == lastRoundFP {
			// the model is looping on the same calls; stop here
			session.Status = StatusCompleted
			level.Warn(p.logger).Log("msg", "identical tool rounds, treating as fixed point", "query_id", session.QueryID)
			return nil
		}
		lastRoundFP = roundFP

		results := make([]llm.Block, 0, len(toolUses))
		for _, use := range toolUses {
			if ctx.Err() != nil {
				session.Status = StatusTimeout
				return ErrTimeout
			}

			var args map[string]any
			if len(use.Input) > 0 {
				_ = json.Unmarshal(use.Input, &args)
			}

			inv := p.reg.Invoke(ctx, use.Name, args, userID)
			session.ToolInvocations = append(session.ToolInvocations, inv)
			results = append(results, toolResultBlock(use.ID, inv))
		}

		session.Messages = append(session.Messages, llm.Message{
			Role:    llm.RoleUser,
			Content: results,
		})
	}
}

// callWithRetry retries transient provider failures with exponential
// backoff. Non-retryable failures and the request deadline cut it
// short.
func (p *Pipeline) callWithRetry(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Result, error) {
	backoff := retryBase
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}

		metricLLMCalls.Inc()
		result, err := p.client.CallLLM(ctx, p.cfg.SystemPrompt, messages, tools, p.cfg.LLMTimeout)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}

		var lerr *llm.Error
		retryable := errors.As(err, &lerr) && lerr.Retryable()
		if !retryable || attempt >= p.cfg.MaxRetries {
			level.Error(p.logger).Log("msg", "llm call failed permanently", "attempt", attempt+1, "err", err)
			return nil, fmt.Errorf("%w: %s", ErrLLMUnavailable, err)
		}

		level.Warn(p.logger).Log("msg", "llm call failed, retrying", "attempt", attempt+1, "backoff", backoff, "err", err)
		if err := p.sleep(ctx, backoff); err != nil {
			return nil, ErrTimeout
		}
		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
	}
}

// writeBack stores the final response unless it came from the cache.
// Rejections and degraded stores are deliberate no-ops here.
func (p *Pipeline) writeBack(session *Session, fp string) {
	if session.Status != StatusCompleted {
		return
	}
	if session.Response == "" {
		return
	}
	status := p.cache.Store(fp, []byte(session.Response))
	level.Debug(p.logger).Log("msg", "cache write-back", "query_id", session.QueryID, "result", int(status))
}

// StatsSnapshot returns aggregate counters.
func (p *Pipeline) StatsSnapshot() Stats {
	return Stats{
		QueriesProcessed: p.queries.Load(),
		Hits:             p.hits.Load(),
		Misses:           p.misses.Load(),
		SkippedDegraded:  p.skippedDegraded.Load(),
	}
}

func toolDefs(schemas []registry.ToolSchema) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(schemas))
	for _, s := range schemas {
		props := make(map[string]any, len(s.Parameters.Properties))
		for name, prop := range s.Parameters.Properties {
			props[name] = prop
		}
		defs = append(defs, llm.ToolDef{
			Name:        s.Name,
			Description: s.Description,
			Properties:  props,
			Required:    s.Parameters.Required,
		})
	}
	return defs
}

func textOf(blocks []llm.Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == llm.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolUseBlocks(blocks []llm.Block) []llm.Block {
	var uses []llm.Block
	for _, b := range blocks {
		if b.Type == llm.BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// toolRoundFingerprint identifies one round of tool calls by names and
// arguments, ignoring the provider-assigned block IDs.
func toolRoundFingerprint(uses []llm.Block) string {
	h := sha256.New()
	for _, u := range uses {
		h.Write([]byte(u.Name))
		h.Write([]byte{0})
		h.Write(u.Input)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toolResultBlock(toolUseID string, inv *registry.Invocation) llm.Block {
	block := llm.Block{
		Type:      llm.BlockToolResult,
		ToolUseID: toolUseID,
	}
	if inv.Err != nil {
		payload, _ := json.Marshal(inv.Err)
		block.Content = string(payload)
		block.IsError = true
		return block
	}
	payload, err := json.Marshal(inv.Result)
	if err != nil {
		block.Content = fmt.Sprint(inv.Result)
		return block
	}
	block.Content = string(payload)
	return block
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
