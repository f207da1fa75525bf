package registry

import (
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("tools", flag.NewFlagSet("test", flag.PanicOnError))
	r, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	return r
}

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its message argument",
		Parameters: ParameterSchema{
			Properties: map[string]Property{
				"message": {Type: "string"},
			},
			Required: []string{"message"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["message"], nil
		},
		Version: 1,
	}
}

func TestRegisterRejectsInvalidTools(t *testing.T) {
	r := testRegistry(t)

	bad := echoTool("1starts.with.digit")
	require.Error(t, r.Register(bad))

	noHandler := echoTool("Echo")
	noHandler.Handler = nil
	require.Error(t, r.Register(noHandler))

	badSchema := echoTool("Echo")
	badSchema.Parameters.Properties["message"] = Property{Type: "strng"}
	require.Error(t, r.Register(badSchema))

	badPattern := echoTool("Echo")
	badPattern.Parameters.Properties["message"] = Property{Type: "string", Pattern: "("}
	require.Error(t, r.Register(badPattern))

	badRequired := echoTool("Echo")
	badRequired.Parameters.Required = []string{"missing"}
	require.Error(t, r.Register(badRequired))
}

func TestRegisterVersioning(t *testing.T) {
	r := testRegistry(t)

	v1 := echoTool("Echo")
	require.NoError(t, r.Register(v1))

	// same version fails
	dup := echoTool("Echo")
	err := r.Register(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), KindDuplicateTool)

	// older version fails
	v0 := echoTool("Echo")
	v0.Version = 0
	require.Error(t, r.Register(v0))

	// newer version replaces
	v2 := echoTool("Echo")
	v2.Version = 2
	v2.Description = "newer"
	require.NoError(t, r.Register(v2))

	got, ok := r.Lookup("Echo")
	require.True(t, ok)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "newer", got.Description)
}

func TestInvokeUnknownTool(t *testing.T) {
	r := testRegistry(t)

	inv := r.Invoke(context.Background(), "Nope", nil, "u1")
	require.Equal(t, "failed", inv.Status)
	require.NotNil(t, inv.Err)
	assert.Equal(t, KindToolNotFound, inv.Err.Kind)
	assert.NotEmpty(t, inv.ID)
}

func TestInvokeValidatesArguments(t *testing.T) {
	r := testRegistry(t)

	tool := Tool{
		Name:        "Lookup",
		Description: "typed arguments",
		Parameters: ParameterSchema{
			Properties: map[string]Property{
				"name":  {Type: "string", MinLength: intPtr(2), MaxLength: intPtr(8), Pattern: "^[a-z]+$"},
				"count": {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(10)},
				"mode":  {Type: "string", Enum: []any{"fast", "slow"}},
			},
			Required: []string{"name"},
		},
		Handler: func(_ context.Context, _ map[string]any) (any, error) { return "ok", nil },
		Version: 1,
	}
	require.NoError(t, r.Register(tool))

	tests := []struct {
		testName string
		args     map[string]any
		fields   []string
	}{
		{"missing required", map[string]any{}, []string{"name"}},
		{"unknown field", map[string]any{"name": "abc", "extra": 1}, []string{"extra"}},
		{"wrong type", map[string]any{"name": 7}, []string{"name"}},
		{"too short", map[string]any{"name": "a"}, []string{"name"}},
		{"too long", map[string]any{"name": "abcdefghi"}, []string{"name"}},
		{"pattern mismatch", map[string]any{"name": "ABC"}, []string{"name"}},
		{"not an integer", map[string]any{"name": "abc", "count": 1.5}, []string{"count"}},
		{"below minimum", map[string]any{"name": "abc", "count": float64(0)}, []string{"count"}},
		{"above maximum", map[string]any{"name": "abc", "count": float64(11)}, []string{"count"}},
		{"not in enum", map[string]any{"name": "abc", "mode": "medium"}, []string{"mode"}},
		{"all wrong at once", map[string]any{"count": "x", "mode": "z"}, []string{"name", "count", "mode"}},
	}
	for _, tc := range tests {
		t.Run(tc.testName, func(t *testing.T) {
			inv := r.Invoke(context.Background(), "Lookup", tc.args, "u1")
			require.Equal(t, "failed", inv.Status)
			require.NotNil(t, inv.Err)
			assert.Equal(t, KindInvalidArguments, inv.Err.Kind)

			got := make([]string, 0, len(inv.Err.Fields))
			for _, f := range inv.Err.Fields {
				got = append(got, f.Field)
			}
			assert.ElementsMatch(t, tc.fields, got)
		})
	}

	ok := r.Invoke(context.Background(), "Lookup", map[string]any{"name": "abc", "count": float64(3), "mode": "fast"}, "u1")
	require.Equal(t, "succeeded", ok.Status)
	assert.Equal(t, "ok", ok.Result)
}

func TestInvokeRequiresAuth(t *testing.T) {
	r := testRegistry(t)

	tool := echoTool("Secure")
	tool.RequiresAuth = true
	require.NoError(t, r.Register(tool))

	inv := r.Invoke(context.Background(), "Secure", map[string]any{"message": "hi"}, "")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindUnauthorized, inv.Err.Kind)

	inv = r.Invoke(context.Background(), "Secure", map[string]any{"message": "hi"}, "  ")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindUnauthorized, inv.Err.Kind)

	inv = r.Invoke(context.Background(), "Secure", map[string]any{"message": "hi"}, "u1")
	assert.Equal(t, "succeeded", inv.Status)
}

func TestInvokePerToolRateLimit(t *testing.T) {
	r := testRegistry(t)
	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	tool := echoTool("Limited")
	tool.RateLimitPerMinute = 2
	require.NoError(t, r.Register(tool))

	args := map[string]any{"message": "hi"}

	// first N pass
	for i := 0; i < 2; i++ {
		inv := r.Invoke(context.Background(), "Limited", args, "u1")
		require.Equal(t, "succeeded", inv.Status, "call %d", i)
	}

	// N+1 within the window is rejected
	inv := r.Invoke(context.Background(), "Limited", args, "u1")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindRateLimited, inv.Err.Kind)

	// a different user is unaffected
	inv = r.Invoke(context.Background(), "Limited", args, "u2")
	assert.Equal(t, "succeeded", inv.Status)

	// first request after the window succeeds
	clock = clock.Add(61 * time.Second)
	inv = r.Invoke(context.Background(), "Limited", args, "u1")
	assert.Equal(t, "succeeded", inv.Status)
}

func TestInvokeGlobalRateLimit(t *testing.T) {
	cfg := Config{GlobalRateLimitPerMinute: 3, ExecutionTimeout: time.Second, MaxResultBytes: 4096}
	r, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)

	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	require.NoError(t, r.Register(echoTool("A")))
	require.NoError(t, r.Register(echoTool("B")))

	args := map[string]any{"message": "hi"}

	// the global budget spans tools
	require.Equal(t, "succeeded", r.Invoke(context.Background(), "A", args, "u1").Status)
	require.Equal(t, "succeeded", r.Invoke(context.Background(), "B", args, "u1").Status)
	require.Equal(t, "succeeded", r.Invoke(context.Background(), "A", args, "u1").Status)

	inv := r.Invoke(context.Background(), "B", args, "u1")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindRateLimited, inv.Err.Kind)
}

func TestInvokeTimeout(t *testing.T) {
	r := testRegistry(t)

	tool := echoTool("Slow")
	tool.Timeout = 50 * time.Millisecond
	tool.Handler = func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	require.NoError(t, r.Register(tool))

	start := time.Now()
	inv := r.Invoke(context.Background(), "Slow", map[string]any{"message": "hi"}, "u1")
	elapsed := time.Since(start)

	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindToolTimeout, inv.Err.Kind)
	assert.Less(t, elapsed, time.Second)
}

func TestInvokeHandlerError(t *testing.T) {
	r := testRegistry(t)

	tool := echoTool("Broken")
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("dial tcp 10.0.0.1:5432: connection refused")
	}
	require.NoError(t, r.Register(tool))

	inv := r.Invoke(context.Background(), "Broken", map[string]any{"message": "hi"}, "u1")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindToolHandlerError, inv.Err.Kind)
	// internal details must not leak into the message
	assert.NotContains(t, inv.Err.Message, "10.0.0.1")
}

func TestInvokeStructuredErrorPassesThrough(t *testing.T) {
	r := testRegistry(t)

	tool := echoTool("Guarded")
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return nil, newError(KindSecurityViolation, "write_detected", "only read queries are permitted")
	}
	require.NoError(t, r.Register(tool))

	inv := r.Invoke(context.Background(), "Guarded", map[string]any{"message": "hi"}, "u1")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, KindSecurityViolation, inv.Err.Kind)
	assert.Equal(t, "write_detected", inv.Err.Code)
}

func TestInvokeSanitizesResult(t *testing.T) {
	r := testRegistry(t)

	tool := echoTool("Dirty")
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{
			"text":   "hel\x00lo\x07 world\nline2",
			"nested": []any{"ok", "ba\x1bd"},
			"count":  float64(3),
		}, nil
	}
	require.NoError(t, r.Register(tool))

	inv := r.Invoke(context.Background(), "Dirty", map[string]any{"message": "hi"}, "u1")
	require.Equal(t, "succeeded", inv.Status)

	result, ok := inv.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello world\nline2", result["text"])
	assert.Equal(t, []any{"ok", "bad"}, result["nested"])
	assert.Equal(t, float64(3), result["count"])
}

func TestInvokeBoundsResultSize(t *testing.T) {
	cfg := Config{GlobalRateLimitPerMinute: 100, ExecutionTimeout: time.Second, MaxResultBytes: 1024}
	r, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)

	tool := echoTool("Huge")
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return strings.Repeat("x", 10_000), nil
	}
	require.NoError(t, r.Register(tool))

	inv := r.Invoke(context.Background(), "Huge", map[string]any{"message": "hi"}, "u1")
	require.Equal(t, "succeeded", inv.Status)

	result, ok := inv.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["truncated"])
	content, ok := result["content"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(content), 1024)
}

func TestSchemasSortedExport(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Register(echoTool("Zeta")))
	require.NoError(t, r.Register(echoTool("Alpha")))
	require.NoError(t, r.Register(echoTool("Mid")))

	schemas := r.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "Alpha", schemas[0].Name)
	assert.Equal(t, "Mid", schemas[1].Name)
	assert.Equal(t, "Zeta", schemas[2].Name)

	for _, s := range schemas {
		assert.Equal(t, "object", s.Parameters.Type)
		assert.NotNil(t, s.Parameters.Properties)
		assert.NotNil(t, s.Parameters.Required)
	}
}

func TestStatsSnapshot(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(echoTool("Echo")))

	r.Invoke(context.Background(), "Echo", map[string]any{"message": "hi"}, "u1")
	r.Invoke(context.Background(), "Echo", map[string]any{}, "u1") // missing required arg

	stats := r.StatsSnapshot()
	require.Contains(t, stats, "Echo")
	assert.Equal(t, uint64(2), stats["Echo"].Invocations)
	assert.Equal(t, uint64(1), stats["Echo"].Failures)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{GlobalRateLimitPerMinute: 100, ExecutionTimeout: 30 * time.Second, MaxResultBytes: 1 << 20}, false},
		{"zero global limit", Config{GlobalRateLimitPerMinute: 0, ExecutionTimeout: time.Second, MaxResultBytes: 4096}, true},
		{"zero timeout", Config{GlobalRateLimitPerMinute: 10, ExecutionTimeout: 0, MaxResultBytes: 4096}, true},
		{"tiny result bound", Config{GlobalRateLimitPerMinute: 10, ExecutionTimeout: time.Second, MaxResultBytes: 512}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
