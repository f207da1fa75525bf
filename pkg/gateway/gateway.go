// Package gateway forwards tool invocations to a remote MCP server.
// Handlers built here plug into the tool registry so remote tools look
// identical to local ones.
package gateway

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Config struct {
	// Endpoint is the streamable HTTP URL of the remote gateway. Empty
	// disables the gateway.
	Endpoint       string        `yaml:"endpoint"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ConnectTimeout = 10 * time.Second

	f.StringVar(&cfg.Endpoint, prefix+".endpoint", cfg.Endpoint, "URL of the remote tool gateway. Empty disables it.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+".connect-timeout", cfg.ConnectTimeout, "Timeout for the initial gateway handshake.")
}

func (cfg *Config) Validate() error {
	if cfg.Endpoint != "" && cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be greater than 0, got %s", cfg.ConnectTimeout)
	}
	return nil
}

// Response is the neutral result shape of a remote execution.
type Response struct {
	Status string         `json:"status"` // ok or error
	Output any            `json:"output,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gateway holds one MCP client session against the remote server.
type Gateway struct {
	cfg    Config
	logger log.Logger
	client *client.Client
}

func New(cfg Config, logger log.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	if cfg.Endpoint == "" {
		return nil, nil
	}

	c, err := client.NewStreamableHttpClient(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gateway transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fact", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("gateway handshake: %w", err)
	}

	level.Info(logger).Log("msg", "connected to tool gateway", "endpoint", cfg.Endpoint)
	return &Gateway{cfg: cfg, logger: logger, client: c}, nil
}

// NewInProcess wires the gateway to an MCP server in the same process.
// Used by tests and embedded deployments.
func NewInProcess(srv *server.MCPServer, logger log.Logger) (*Gateway, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("creating in-process client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting in-process transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fact", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("gateway handshake: %w", err)
	}

	return &Gateway{logger: logger, client: c}, nil
}

// Execute forwards one tool call. Remote failures come back as an
// error-status response, not a Go error; only transport problems error.
func (g *Gateway) Execute(ctx context.Context, toolName, userID string, args map[string]any, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	forwarded := make(map[string]any, len(args)+1)
	for k, v := range args {
		forwarded[k] = v
	}
	forwarded["user_id"] = userID

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = forwarded

	result, err := g.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gateway call: %w", err)
	}

	text := flattenContent(result)
	if result.IsError {
		return &Response{
			Status: "error",
			Error:  &ResponseError{Code: "remote_error", Message: text},
		}, nil
	}
	return &Response{Status: "ok", Output: text}, nil
}

// Handler adapts a remote tool to the local handler signature.
func (g *Gateway) Handler(toolName string, timeout time.Duration) func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		userID, _ := args["user_id"].(string)
		resp, err := g.Execute(ctx, toolName, userID, args, timeout)
		if err != nil {
			return nil, err
		}
		if resp.Status == "error" {
			return nil, fmt.Errorf("remote tool failed: %s", resp.Error.Message)
		}
		return resp.Output, nil
	}
}

func (g *Gateway) Close() error {
	return g.client.Close()
}

func flattenContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
