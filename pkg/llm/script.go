package llm

import (
	"context"
	"sync"
	"time"
)

// ScriptClient replays a fixed sequence of results or errors. It backs
// tests and the offline demo mode; calls beyond the script repeat the
// last step.
type ScriptClient struct {
	mtx   sync.Mutex
	steps []ScriptStep
	calls int

	// Recorded holds a copy of the inputs of every call, in order.
	Recorded []RecordedCall
}

type ScriptStep struct {
	Result *Result
	Err    error
}

type RecordedCall struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
}

func NewScriptClient(steps ...ScriptStep) *ScriptClient {
	return &ScriptClient{steps: steps}
}

// TextStep is a script step answering with a single text block.
func TextStep(text string) ScriptStep {
	return ScriptStep{Result: &Result{
		Content:    []Block{{Type: BlockText, Text: text}},
		StopReason: StopEndTurn,
		Usage:      Usage{InputTokens: 10, OutputTokens: 10},
	}}
}

// ToolStep is a script step requesting one tool call.
func ToolStep(id, name, input string) ScriptStep {
	return ScriptStep{Result: &Result{
		Content: []Block{
			{Type: BlockText, Text: "let me look that up"},
			{Type: BlockToolUse, ID: id, Name: name, Input: []byte(input)},
		},
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: 10, OutputTokens: 10},
	}}
}

// ErrStep is a script step failing with a classified error.
func ErrStep(kind string) ScriptStep {
	return ScriptStep{Err: &Error{Kind: kind, Message: "scripted failure"}}
}

func (c *ScriptClient) CallLLM(_ context.Context, systemPrompt string, messages []Message, tools []ToolDef, _ time.Duration) (*Result, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.Recorded = append(c.Recorded, RecordedCall{
		SystemPrompt: systemPrompt,
		Messages:     append([]Message(nil), messages...),
		Tools:        tools,
	})

	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++

	if i < 0 {
		return &Result{StopReason: StopEndTurn}, nil
	}
	step := c.steps[i]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Result, nil
}

// Calls returns how many times the client was invoked.
func (c *ScriptClient) Calls() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.calls
}
