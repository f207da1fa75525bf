package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Block types inside a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stop reasons.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
	StopLength  = "length"
	StopError   = "error"
)

// Block is one content block of a message. Exactly the fields for its
// type are set.
type Block struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse, assistant-produced
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult, user-produced
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// ToolDef is the schema of one callable tool, in the external format.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required"`
}

// Usage is the provider's token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the provider's answer to one call.
type Result struct {
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
}

// Error kinds for failed calls.
const (
	KindRateLimited = "rate_limited"
	KindTimeout     = "timeout"
	KindAuthFailed  = "auth_failed"
	KindServerError = "server_error"
	KindBadRequest  = "bad_request"
)

// Error is a classified provider failure.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

// Retryable reports whether a retry could plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindServerError:
		return true
	}
	return false
}

// Client is the single-operation provider contract.
type Client interface {
	CallLLM(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDef, timeout time.Duration) (*Result, error)
}
