package llm

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"rate limited", &anthropic.Error{StatusCode: http.StatusTooManyRequests}, KindRateLimited},
		{"unauthorized", &anthropic.Error{StatusCode: http.StatusUnauthorized}, KindAuthFailed},
		{"forbidden", &anthropic.Error{StatusCode: http.StatusForbidden}, KindAuthFailed},
		{"server error", &anthropic.Error{StatusCode: http.StatusBadGateway}, KindServerError},
		{"bad request", &anthropic.Error{StatusCode: http.StatusBadRequest}, KindBadRequest},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"opaque", assert.AnError, KindServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyError(context.Background(), tc.err)
			assert.Equal(t, tc.kind, got.Kind)
		})
	}
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, (&Error{Kind: KindRateLimited}).Retryable())
	assert.True(t, (&Error{Kind: KindTimeout}).Retryable())
	assert.True(t, (&Error{Kind: KindServerError}).Retryable())
	assert.False(t, (&Error{Kind: KindAuthFailed}).Retryable())
	assert.False(t, (&Error{Kind: KindBadRequest}).Retryable())
}

func TestToProviderMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "question"}}},
		{Role: RoleAssistant, Content: []Block{
			{Type: BlockText, Text: "thinking"},
			{Type: BlockToolUse, ID: "t1", Name: "SQL.QueryReadonly", Input: []byte(`{"statement":"SELECT 1"}`)},
		}},
		{Role: RoleUser, Content: []Block{
			{Type: BlockToolResult, ToolUseID: "t1", Content: `{"rows":[[1]]}`, IsError: false},
		}},
	}

	out := toProviderMessages(messages)
	require.Len(t, out, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	assert.Len(t, out[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
}

func TestToProviderTools(t *testing.T) {
	out := toProviderTools([]ToolDef{{
		Name:        "Echo",
		Description: "echoes",
		Properties:  map[string]any{"message": map[string]any{"type": "string"}},
		Required:    []string{"message"},
	}})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "Echo", out[0].OfTool.Name)
	assert.Equal(t, []string{"message"}, out[0].OfTool.InputSchema.Required)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, StopEndTurn, mapStopReason(anthropic.StopReasonEndTurn))
	assert.Equal(t, StopToolUse, mapStopReason(anthropic.StopReasonToolUse))
	assert.Equal(t, StopLength, mapStopReason(anthropic.StopReasonMaxTokens))
	assert.Equal(t, StopError, mapStopReason(anthropic.StopReason("unknown")))
}

func TestScriptClientReplaysSteps(t *testing.T) {
	client := NewScriptClient(
		ToolStep("t1", "Echo", `{"message":"hi"}`),
		TextStep("done"),
	)

	first, err := client.CallLLM(context.Background(), "system", nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StopToolUse, first.StopReason)

	second, err := client.CallLLM(context.Background(), "system", nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StopEndTurn, second.StopReason)

	// past the end of the script the last step repeats
	third, err := client.CallLLM(context.Background(), "system", nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", third.Content[0].Text)

	assert.Equal(t, 3, client.Calls())
	assert.Len(t, client.Recorded, 3)
}
