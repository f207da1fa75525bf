package llm

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type Config struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	// APIKey is usually left empty so the SDK reads ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	cfg.MaxTokens = 4096

	f.StringVar(&cfg.Model, prefix+".model", cfg.Model, "Model identifier sent to the provider.")
	f.IntVar(&cfg.MaxTokens, prefix+".max-tokens", cfg.MaxTokens, "Maximum tokens per completion.")
}

func (cfg *Config) Validate() error {
	if cfg.Model == "" {
		return fmt.Errorf("model must be set")
	}
	if cfg.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", cfg.MaxTokens)
	}
	return nil
}

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	cfg    Config
	logger log.Logger
	client anthropic.Client
}

func NewAnthropicClient(cfg Config, logger log.Logger) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &AnthropicClient{
		cfg:    cfg,
		logger: logger,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (c *AnthropicClient) CallLLM(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDef, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages:  toProviderMessages(messages),
		Tools:     toProviderTools(tools),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		cerr := classifyError(ctx, err)
		level.Warn(c.logger).Log("msg", "llm call failed", "kind", cerr.Kind, "err", err)
		return nil, cerr
	}

	return fromProviderMessage(message), nil
}

func toProviderMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				var input any
				_ = json.Unmarshal(b.Input, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toProviderTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Properties,
				Required:   t.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func fromProviderMessage(message *anthropic.Message) *Result {
	result := &Result{
		StopReason: mapStopReason(message.StopReason),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content = append(result.Content, Block{Type: BlockText, Text: variant.Text})
		case anthropic.ToolUseBlock:
			result.Content = append(result.Content, Block{
				Type:  BlockToolUse,
				ID:    variant.ID,
				Name:  variant.Name,
				Input: json.RawMessage(variant.JSON.Input.Raw()),
			})
		}
	}
	return result
}

func mapStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return StopEndTurn
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopLength
	default:
		return StopError
	}
}

func classifyError(ctx context.Context, err error) *Error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "provider call timed out"}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Message: "provider rate limit"}
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindAuthFailed, Message: "provider rejected credentials"}
		case apiErr.StatusCode >= 500:
			return &Error{Kind: KindServerError, Message: fmt.Sprintf("provider returned %d", apiErr.StatusCode)}
		default:
			return &Error{Kind: KindBadRequest, Message: fmt.Sprintf("provider returned %d", apiErr.StatusCode)}
		}
	}
	return &Error{Kind: KindServerError, Message: "provider call failed"}
}
