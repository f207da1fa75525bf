package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var nameRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

var (
	metricInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "tools",
		Name:      "invocations_total",
		Help:      "Total tool invocations by outcome.",
	}, []string{"tool", "status"})
	metricInvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fact",
		Subsystem: "tools",
		Name:      "invocation_duration_seconds",
		Help:      "Time spent executing tool handlers.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"tool"})
)

// Handler executes a validated tool call. It must honor ctx
// cancellation within its timeout.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered capability: name, schema and handler. Tools are
// immutable after registration.
type Tool struct {
	Name               string
	Description        string
	Parameters         ParameterSchema
	Handler            Handler
	RequiresAuth       bool
	RateLimitPerMinute int
	Version            int
	Timeout            time.Duration // 0 uses the registry default
}

// Invocation is the runtime record of one tool call.
type Invocation struct {
	ID          string         `json:"invocation_id"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	UserID      string         `json:"user_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Status      string         `json:"status"` // succeeded or failed
	Result      any            `json:"result,omitempty"`
	Err         *Error         `json:"error,omitempty"`
}

// ToolStats are per-tool aggregate counters for the metrics snapshot.
type ToolStats struct {
	Invocations uint64 `json:"invocations"`
	Failures    uint64 `json:"failures"`
}

// Registry dispatches tool executions by name. It is stateless after
// registration except for the rate-limit buckets.
type Registry struct {
	cfg    Config
	logger log.Logger

	mtx     sync.Mutex
	tools   map[string]*Tool
	limiter *limiter
	stats   map[string]*ToolStats
	now     func() time.Time
}

func New(cfg Config, logger log.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		tools:   map[string]*Tool{},
		limiter: newLimiter(cfg.GlobalRateLimitPerMinute),
		stats:   map[string]*ToolStats{},
		now:     time.Now,
	}, nil
}

// Register adds a tool. Re-registering with a same-or-older version
// fails; a newer version replaces the old tool.
func (r *Registry) Register(t Tool) error {
	if !nameRegexp.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	if err := t.Parameters.validate(); err != nil {
		return fmt.Errorf("tool %q schema invalid: %w", t.Name, err)
	}
	if t.RateLimitPerMinute < 0 {
		return fmt.Errorf("tool %q has negative rate limit", t.Name)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.tools[t.Name]; ok {
		if t.Version <= existing.Version {
			return fmt.Errorf("%s: tool %q version %d already registered", KindDuplicateTool, t.Name, existing.Version)
		}
		level.Info(r.logger).Log("msg", "replacing tool", "tool", t.Name, "old_version", existing.Version, "new_version", t.Version)
	}

	r.tools[t.Name] = &t
	level.Info(r.logger).Log("msg", "registered tool", "tool", t.Name, "version", t.Version, "requires_auth", t.RequiresAuth)
	return nil
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schemas exports the registered tools in the external format consumed
// by the LLM provider, sorted by name.
func (r *Registry) Schemas() []ToolSchema {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	schemas := make([]ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, exportSchema(t))
	}
	sortSchemas(schemas)
	return schemas
}

// Invoke runs the full invocation contract: resolve, validate, auth,
// rate limit, execute with timeout, sanitize. Errors are values on the
// returned invocation; Invoke itself never fails.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, userID string) *Invocation {
	inv := &Invocation{
		ID:        uuid.New().String(),
		ToolName:  name,
		Arguments: args,
		UserID:    userID,
		StartedAt: r.now(),
	}

	tool, invErr := r.admit(name, args, userID)
	if invErr != nil {
		return r.complete(inv, nil, invErr)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.cfg.ExecutionTimeout
	}

	result, invErr := r.execute(ctx, tool, args, timeout)
	if invErr != nil {
		return r.complete(inv, nil, invErr)
	}
	return r.complete(inv, sanitizeResult(result, r.cfg.MaxResultBytes), nil)
}

// admit performs the pre-execution checks under the registry mutex.
func (r *Registry) admit(name string, args map[string]any, userID string) (*Tool, *Error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, newError(KindToolNotFound, "tool_not_found", fmt.Sprintf("no tool named %q", name))
	}

	if fieldErrs := tool.Parameters.validateArgs(args); len(fieldErrs) > 0 {
		e := newError(KindInvalidArguments, "invalid_arguments", "argument validation failed")
		e.Fields = fieldErrs
		return nil, e
	}

	if tool.RequiresAuth && strings.TrimSpace(userID) == "" {
		return nil, newError(KindUnauthorized, "unauthorized", "tool requires an authenticated user")
	}

	if !r.limiter.allow(userID, name, tool.RateLimitPerMinute, r.now()) {
		return nil, newError(KindRateLimited, "rate_limited", "invocation rate limit exceeded; retry later")
	}

	return tool, nil
}

// execute runs the handler with a wall-clock timeout. The handler's
// context is cancelled at the deadline; a handler that overruns it is
// abandoned.
func (r *Registry) execute(ctx context.Context, tool *Tool, args map[string]any, timeout time.Duration) (any, *Error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		res, err := tool.Handler(ctx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		metricInvocationDuration.WithLabelValues(tool.Name).Observe(time.Since(start).Seconds())
		if out.err != nil {
			if e, ok := out.err.(*Error); ok {
				return nil, e
			}
			if ctx.Err() == context.DeadlineExceeded {
				return nil, newError(KindToolTimeout, "tool_timeout", "tool execution timed out")
			}
			level.Warn(r.logger).Log("msg", "tool handler error", "tool", tool.Name, "err", out.err)
			return nil, newError(KindToolHandlerError, "tool_handler_error", "tool execution failed")
		}
		return out.result, nil
	case <-ctx.Done():
		metricInvocationDuration.WithLabelValues(tool.Name).Observe(time.Since(start).Seconds())
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newError(KindToolTimeout, "tool_timeout", "tool execution timed out")
		}
		return nil, newError(KindToolHandlerError, "cancelled", "tool execution cancelled")
	}
}

func (r *Registry) complete(inv *Invocation, result any, invErr *Error) *Invocation {
	inv.CompletedAt = r.now()
	if invErr != nil {
		inv.Status = "failed"
		inv.Err = invErr
		metricInvocations.WithLabelValues(inv.ToolName, "failed").Inc()
	} else {
		inv.Status = "succeeded"
		inv.Result = result
		metricInvocations.WithLabelValues(inv.ToolName, "succeeded").Inc()
	}

	r.mtx.Lock()
	st, ok := r.stats[inv.ToolName]
	if !ok {
		st = &ToolStats{}
		r.stats[inv.ToolName] = st
	}
	st.Invocations++
	if invErr != nil {
		st.Failures++
	}
	r.mtx.Unlock()

	return inv
}

// StatsSnapshot returns per-tool invocation counters.
func (r *Registry) StatsSnapshot() map[string]ToolStats {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	out := make(map[string]ToolStats, len(r.stats))
	for name, st := range r.stats {
		out[name] = *st
	}
	return out
}

// sanitizeResult strips control characters from every string in the
// result and bounds its serialized size.
func sanitizeResult(result any, maxBytes int) any {
	result = stripControl(result)

	js, err := json.Marshal(result)
	if err != nil {
		// unserializable handler result: fall back to its string form
		return sanitizeString(fmt.Sprint(result))
	}
	if len(js) <= maxBytes {
		return result
	}
	return map[string]any{
		"truncated": true,
		"content":   string(js[:maxBytes]),
	}
}

func stripControl(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[sanitizeString(k)] = stripControl(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripControl(val)
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
