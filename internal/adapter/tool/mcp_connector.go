package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"agentrun/internal/domain"
	"agentrun/internal/infra/tracer"
)

// DefaultCallTimeout is the per-call timeout when the connector config sets none.
const DefaultCallTimeout = 30 * time.Second

// clientVersion is reported to tool servers during initialize.
const clientVersion = "1.0.0"

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc opens and initializes a session with a tool server. toolsOffered
// reports whether the server advertises the tools capability.
type dialFunc func(ctx context.Context) (c mcpClient, toolsOffered bool, err error)

// mcpTool is one cached remote tool.
type mcpTool struct {
	desc domain.ToolDescriptor
	args *argSchema
}

// MCPConnector implements domain.ToolConnector over the Model Context Protocol.
// The session is opened on first use; the tool list is cached until
// InvalidateCapabilities is called.
type MCPConnector struct {
	cfg         domain.ToolConnectorConfig
	dial        dialFunc
	callTimeout time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	client       mcpClient
	toolsOffered bool
	tools        []mcpTool // nil until listed
	closed       bool
}

// NewMCPConnector creates a connector for cfg. No connection is made until
// the first ListCapabilities or Invoke.
func NewMCPConnector(cfg domain.ToolConnectorConfig, logger *slog.Logger) (*MCPConnector, error) {
	switch cfg.Transport {
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: connector %q: http transport requires an endpoint", domain.ErrConfiguration, cfg.Name)
		}
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("%w: connector %q: stdio transport requires a command", domain.ErrConfiguration, cfg.Name)
		}
	default:
		return nil, fmt.Errorf("%w: connector %q: unsupported transport %q", domain.ErrConfiguration, cfg.Name, cfg.Transport)
	}
	c := newMCPConnector(cfg, nil, logger)
	c.dial = c.connect
	return c, nil
}

// newMCPConnectorWithClient creates a connector around a pre-built client (for testing).
func newMCPConnectorWithClient(cfg domain.ToolConnectorConfig, client mcpClient, logger *slog.Logger) *MCPConnector {
	return newMCPConnector(cfg, func(context.Context) (mcpClient, bool, error) {
		return client, true, nil
	}, logger)
}

func newMCPConnector(cfg domain.ToolConnectorConfig, dial dialFunc, logger *slog.Logger) *MCPConnector {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &MCPConnector{
		cfg:         cfg.Clone(),
		dial:        dial,
		callTimeout: timeout,
		logger:      logger.With("connector", cfg.Name),
	}
}

// Name returns the connector name.
func (c *MCPConnector) Name() string { return c.cfg.Name }

func (c *MCPConnector) connect(ctx context.Context) (mcpClient, bool, error) {
	var cl *mcpclient.Client
	var err error

	switch c.cfg.Transport {
	case "stdio":
		cl, err = mcpclient.NewStdioMCPClient(c.cfg.Command, envSlice(c.cfg.Env), c.cfg.Args...)
		if err != nil {
			return nil, false, fmt.Errorf("create stdio client: %w", err)
		}
	default:
		var opts []transport.StreamableHTTPCOption
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(c.cfg.Headers))
		}
		t, tErr := transport.NewStreamableHTTP(c.cfg.Endpoint, opts...)
		if tErr != nil {
			return nil, false, fmt.Errorf("create http transport: %w", tErr)
		}
		cl = mcpclient.NewClient(t)
		if err = cl.Start(ctx); err != nil {
			return nil, false, fmt.Errorf("start http client: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentrun",
		Version: clientVersion,
	}
	res, err := cl.Initialize(ctx, initReq)
	if err != nil {
		cl.Close()
		return nil, false, domain.WrapOp("initialize", err)
	}

	c.logger.Info("tool server connected",
		"transport", c.cfg.Transport,
		"server", res.ServerInfo.Name,
		"protocol", res.ProtocolVersion)
	return cl, res.Capabilities.Tools != nil, nil
}

// session returns the live client, connecting if needed. Callers hold c.mu.
func (c *MCPConnector) session(ctx context.Context) (mcpClient, error) {
	if c.closed {
		return nil, fmt.Errorf("connector %q: %w", c.cfg.Name, domain.ErrShutdown)
	}
	if c.client != nil {
		return c.client, nil
	}
	cl, offered, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(domain.ErrCancelled, err)
		}
		return nil, fmt.Errorf("connector %q: %w: %v", c.cfg.Name, domain.ErrToolUnreachable, err)
	}
	if !offered {
		c.logger.Warn("tool server does not advertise tools capability")
	}
	c.client = cl
	c.toolsOffered = offered
	return cl, nil
}

// dropSession closes the broken session cl so the next call reconnects.
// A session opened since cl failed is left alone.
func (c *MCPConnector) dropSession(cl mcpClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.client != cl {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Debug("close broken session", "error", err)
	}
	c.client = nil
	c.tools = nil
}

// ListCapabilities implements domain.ToolConnector.
func (c *MCPConnector) ListCapabilities(ctx context.Context) ([]domain.ToolDescriptor, error) {
	tools, err := c.listTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ToolDescriptor, len(tools))
	for i, t := range tools {
		out[i] = t.desc
	}
	return out, nil
}

func (c *MCPConnector) listTools(ctx context.Context) ([]mcpTool, error) {
	if !c.cfg.HasCapability(domain.CapabilityTools) {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tools != nil {
		return c.tools, nil
	}
	cl, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	if !c.toolsOffered {
		c.tools = []mcpTool{}
		return c.tools, nil
	}

	result, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = cl.Close()
		c.client = nil
		if ctx.Err() != nil {
			return nil, errors.Join(domain.ErrCancelled, err)
		}
		return nil, fmt.Errorf("connector %q: list tools: %w: %v", c.cfg.Name, domain.ErrToolUnreachable, err)
	}

	tools := make([]mcpTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		desc := c.descriptor(t)
		args, err := compileArgSchema(desc.InputSchema)
		if err != nil {
			c.logger.Warn("tool input schema not usable, arguments pass unchecked", "tool", t.Name, "error", err)
		}
		tools = append(tools, mcpTool{desc: desc, args: args})
		c.logger.Debug("tool discovered", "tool", t.Name, "idempotent", desc.Idempotent, "read_only", desc.ReadOnly)
	}
	c.logger.Info("tools discovered", "count", len(tools))
	c.tools = tools
	return tools, nil
}

func (c *MCPConnector) descriptor(t mcp.Tool) domain.ToolDescriptor {
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %q from %q", t.Name, c.cfg.Name)
	}
	readOnly := t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint
	return domain.ToolDescriptor{
		Connector:   c.cfg.Name,
		Name:        t.Name,
		Description: desc,
		InputSchema: inputSchema(t),
		// Read-only tools are safe to repeat.
		Idempotent: readOnly || (t.Annotations.IdempotentHint != nil && *t.Annotations.IdempotentHint),
		ReadOnly:   readOnly || slices.Contains(c.cfg.IndependentTools, t.Name),
	}
}

// inputSchema converts an MCP tool's input schema to JSON.
func inputSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema
	}
	if t.InputSchema.Type == "" && t.InputSchema.Properties == nil && t.InputSchema.Required == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// InvalidateCapabilities drops the cached tool list.
func (c *MCPConnector) InvalidateCapabilities() {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
}

func (c *MCPConnector) lookup(ctx context.Context, name string) (mcpTool, bool, error) {
	tools, err := c.listTools(ctx)
	if err != nil {
		return mcpTool{}, false, err
	}
	for _, t := range tools {
		if t.desc.Name == name {
			return t, true, nil
		}
	}
	return mcpTool{}, false, nil
}

// Invoke implements domain.ToolConnector.
func (c *MCPConnector) Invoke(ctx context.Context, toolName string, args map[string]any) (domain.ToolCallResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.mcp_call",
		trace.WithAttributes(
			tracer.StringAttr("tool.connector", c.cfg.Name),
			tracer.StringAttr("tool.name", toolName),
		),
	)
	defer span.End()

	res, err := c.invoke(ctx, toolName, args)
	span.SetAttributes(tracer.StringAttr("tool.status", string(res.Status)))
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	return res, err
}

func (c *MCPConnector) invoke(ctx context.Context, toolName string, args map[string]any) (domain.ToolCallResult, error) {
	t, found, err := c.lookup(ctx, toolName)
	if err != nil {
		status := domain.ToolStatusUnreachable
		if errors.Is(err, domain.ErrCancelled) {
			status = domain.ToolStatusCancelled
		}
		return domain.ToolCallResult{ToolName: toolName, Status: status, ErrorDetail: err.Error()}, err
	}
	if !found {
		detail := fmt.Sprintf("tool %q is not offered by %q", toolName, c.cfg.Name)
		res := domain.ToolCallResult{ToolName: toolName, Status: domain.ToolStatusUnknownTool, ErrorDetail: detail}
		return res, domain.NewSubSystemError("tool", "MCPConnector.Invoke", domain.ErrUnknownTool, detail)
	}
	if err := t.args.check(args); err != nil {
		detail := err.Error()
		res := domain.ToolCallResult{ToolName: toolName, Status: domain.ToolStatusInvalidArguments, ErrorDetail: detail}
		return res, domain.NewSubSystemError("tool", "MCPConnector.Invoke", domain.ErrInvalidToolArguments, detail)
	}

	c.mu.Lock()
	cl, err := c.session(ctx)
	c.mu.Unlock()
	if err != nil {
		return domain.ToolCallResult{ToolName: toolName, Status: domain.ToolStatusUnreachable, ErrorDetail: err.Error()}, err
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = args

	c.logger.Debug("tool call", "tool", toolName)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	result, err := cl.CallTool(callCtx, callReq)
	if err != nil {
		f := classifyCallError(ctx, err)
		if f == failureNotDelivered || f == failureInFlight {
			c.dropSession(cl)
		}
		c.logger.Warn("tool call failed", "tool", toolName, "error", err)
		return failureResult(f, t.desc.Idempotent, toolName, err)
	}

	content := extractMCPContent(result)
	if result.IsError {
		return domain.ToolCallResult{
			ToolName:    toolName,
			Status:      domain.ToolStatusExecutionError,
			ErrorDetail: content,
		}, nil
	}
	return domain.ToolCallResult{
		ToolName: toolName,
		Success:  true,
		Payload:  content,
		Status:   domain.ToolStatusSucceeded,
	}, nil
}

// Close releases the session. The connector cannot be used afterwards.
func (c *MCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.tools = nil
	return err
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			// For non-text content, marshal to JSON.
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}
