package agentrun_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/domain"
	"agentrun/internal/infra/config"
	"agentrun/pkg/agentrun"
)

// funcGateway answers each model call with fn.
type funcGateway func(ctx context.Context, conv []agentrun.Message, tools []agentrun.ToolDescriptor) (domain.ModelTurn, error)

func (f funcGateway) Converse(ctx context.Context, conv []agentrun.Message, tools []agentrun.ToolDescriptor, _ agentrun.ModelConfig) (domain.ModelTurn, error) {
	return f(ctx, conv, tools)
}

// fakeConnector serves one "lookup" tool.
type fakeConnector struct {
	name        string
	calls       atomic.Int32
	closed      atomic.Bool
	invalidated atomic.Int32
}

func (c *fakeConnector) Name() string { return c.name }

func (c *fakeConnector) ListCapabilities(context.Context) ([]agentrun.ToolDescriptor, error) {
	return []agentrun.ToolDescriptor{{Connector: c.name, Name: "lookup", ReadOnly: true}}, nil
}

func (c *fakeConnector) InvalidateCapabilities() { c.invalidated.Add(1) }

func (c *fakeConnector) Invoke(_ context.Context, tool string, args map[string]any) (agentrun.ToolCallResult, error) {
	c.calls.Add(1)
	return agentrun.ToolCallResult{Success: true, Status: domain.ToolStatusSucceeded, Payload: fmt.Sprintf(`{"rows":[%q]}`, args["table"])}, nil
}

func (c *fakeConnector) Close() error {
	c.closed.Store(true)
	return nil
}

func newTestRuntime(t *testing.T, gw agentrun.ModelGateway, opts ...agentrun.Option) (*agentrun.Runtime, *fakeConnector) {
	t.Helper()
	conn := &fakeConnector{name: "database"}
	opts = append([]agentrun.Option{
		agentrun.WithLogger(slog.Default()),
		agentrun.WithModelGateway(gw),
		agentrun.WithConnectorFactory(func(cfg agentrun.ToolConnectorConfig, _ *slog.Logger) (agentrun.ToolConnector, error) {
			return conn, nil
		}),
	}, opts...)
	rt := agentrun.New(opts...)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	require.NoError(t, rt.RegisterModelConfig(agentrun.ModelConfig{ID: "gpt4_turbo", Provider: "openai", ModelName: "gpt-4-turbo"}))
	require.NoError(t, rt.RegisterToolConnector(agentrun.ToolConnectorConfig{
		Name: "database", Transport: "stdio", Command: "db-mcp", Capabilities: []string{domain.CapabilityTools},
	}))
	return rt, conn
}

// toolThenAnswer calls lookup once, then answers with the tool payload.
func toolThenAnswer() funcGateway {
	return func(_ context.Context, conv []agentrun.Message, _ []agentrun.ToolDescriptor) (domain.ModelTurn, error) {
		last := conv[len(conv)-1]
		if last.Role == domain.RoleTool {
			return domain.ModelTurn{Kind: domain.TurnFinalAnswer, Text: last.Content}, nil
		}
		return domain.ModelTurn{Kind: domain.TurnToolCalls, ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "lookup", Arguments: json.RawMessage(`{"table":"users"}`)},
		}}, nil
	}
}

func TestRunAgentValidatedResult(t *testing.T) {
	rt, conn := newTestRuntime(t, toolThenAnswer())
	require.NoError(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{
		Name:               "database",
		ModelConfigID:      "gpt4_turbo",
		SystemPrompt:       "Query the database.",
		ToolConnectorNames: []string{"database"},
		OutputSchema:       json.RawMessage(`{"type":"object","required":["rows"],"properties":{"rows":{"type":"array"}}}`),
	}))

	res, err := rt.RunAgent(context.Background(), "database", "list users")
	require.NoError(t, err)
	assert.True(t, res.Validated)
	assert.Equal(t, map[string]any{"rows": []any{"users"}}, res.StructuredPayload)
	assert.Equal(t, int32(1), conn.calls.Load())
	assert.Equal(t, []string{"database"}, rt.Agents())
}

func TestRegisterDuplicates(t *testing.T) {
	rt, _ := newTestRuntime(t, toolThenAnswer())

	err := rt.RegisterModelConfig(agentrun.ModelConfig{ID: "gpt4_turbo", Provider: "openai", ModelName: "gpt-4o"})
	assert.ErrorIs(t, err, agentrun.ErrDuplicateDefinition)

	err = rt.RegisterToolConnector(agentrun.ToolConnectorConfig{Name: "database", Transport: "stdio", Command: "x"})
	assert.ErrorIs(t, err, agentrun.ErrDuplicateDefinition)

	def := agentrun.AgentDefinition{Name: "a", ModelConfigID: "gpt4_turbo"}
	require.NoError(t, rt.RegisterAgentDefinition(def))
	assert.ErrorIs(t, rt.RegisterAgentDefinition(def), agentrun.ErrDuplicateDefinition)
}

func TestRegisterToolConnectorRejectsTransport(t *testing.T) {
	rt, _ := newTestRuntime(t, toolThenAnswer())
	err := rt.RegisterToolConnector(agentrun.ToolConnectorConfig{Name: "ws", Transport: "websocket"})
	assert.ErrorIs(t, err, agentrun.ErrConfiguration)
}

func TestInvalidateTools(t *testing.T) {
	rt, conn := newTestRuntime(t, toolThenAnswer())
	require.NoError(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{
		Name: "database", ModelConfigID: "gpt4_turbo", ToolConnectorNames: []string{"database"},
	}))
	_, err := rt.RunAgent(context.Background(), "database", "list users")
	require.NoError(t, err)

	require.NoError(t, rt.InvalidateTools("database"))
	assert.Equal(t, int32(1), conn.invalidated.Load())
	assert.ErrorIs(t, rt.InvalidateTools("ghost"), agentrun.ErrUnknownReference)

	require.NoError(t, rt.Shutdown(context.Background()))
	assert.ErrorIs(t, rt.InvalidateTools("database"), agentrun.ErrShutdown)
}

func TestRunAgentUnknownAgent(t *testing.T) {
	rt, _ := newTestRuntime(t, toolThenAnswer())

	_, err := rt.RunAgent(context.Background(), "ghost", "hi")
	var runErr *agentrun.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, agentrun.FailureConfiguration, runErr.Kind)
	assert.ErrorIs(t, err, agentrun.ErrUnknownReference)
}

func TestRunAgentSessions(t *testing.T) {
	var seen sync.Map
	gw := funcGateway(func(_ context.Context, conv []agentrun.Message, _ []agentrun.ToolDescriptor) (domain.ModelTurn, error) {
		last := conv[len(conv)-1].Content
		seen.Store(last, len(conv))
		return domain.ModelTurn{Kind: domain.TurnFinalAnswer, Text: "ack " + last}, nil
	})
	rt, _ := newTestRuntime(t, gw)
	require.NoError(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{
		Name: "chat", ModelConfigID: "gpt4_turbo", IncludeHistory: true,
	}))

	ctx := context.Background()
	_, err := rt.RunAgent(ctx, "chat", "a1", agentrun.WithSession("alice"))
	require.NoError(t, err)
	_, err = rt.RunAgent(ctx, "chat", "a2", agentrun.WithSession("alice"))
	require.NoError(t, err)
	_, err = rt.RunAgent(ctx, "chat", "b1", agentrun.WithSession("bob"))
	require.NoError(t, err)

	turns := func(msg string) int { v, _ := seen.Load(msg); return v.(int) }
	assert.Equal(t, 1, turns("a1"))
	assert.Equal(t, 3, turns("a2"), "second alice run sees the first exchange")
	assert.Equal(t, 1, turns("b1"), "bob does not see alice")

	require.NoError(t, rt.ResetHistory(ctx, "chat", "alice"))
	_, err = rt.RunAgent(ctx, "chat", "a3", agentrun.WithSession("alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, turns("a3"))
}

func TestWithoutHistory(t *testing.T) {
	var lastLen atomic.Int32
	gw := funcGateway(func(_ context.Context, conv []agentrun.Message, _ []agentrun.ToolDescriptor) (domain.ModelTurn, error) {
		lastLen.Store(int32(len(conv)))
		return domain.ModelTurn{Kind: domain.TurnFinalAnswer, Text: "ok"}, nil
	})
	rt, _ := newTestRuntime(t, gw, agentrun.WithoutHistory())
	require.NoError(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{Name: "chat", ModelConfigID: "gpt4_turbo", IncludeHistory: true}))

	for range 2 {
		_, err := rt.RunAgent(context.Background(), "chat", "hi")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), lastLen.Load())
}

func TestShutdownWaitsForInFlightRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gw := funcGateway(func(ctx context.Context, conv []agentrun.Message, tools []agentrun.ToolDescriptor) (domain.ModelTurn, error) {
		close(started)
		<-release
		return domain.ModelTurn{Kind: domain.TurnFinalAnswer, Text: "late but fine"}, nil
	})
	rt, conn := newTestRuntime(t, gw)
	require.NoError(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{
		Name: "slow", ModelConfigID: "gpt4_turbo", ToolConnectorNames: []string{"database"},
	}))

	runDone := make(chan error, 1)
	go func() {
		_, err := rt.RunAgent(context.Background(), "slow", "go")
		runDone <- err
	}()
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- rt.Shutdown(context.Background()) }()

	// New work is refused while the run drains.
	require.Eventually(t, func() bool {
		_, err := rt.RunAgent(context.Background(), "unregistered", "again")
		return errors.Is(err, agentrun.ErrShutdown)
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{Name: "late", ModelConfigID: "gpt4_turbo"}), agentrun.ErrShutdown)

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before the in-flight run finished")
	default:
	}

	close(release)
	require.NoError(t, <-runDone)
	require.NoError(t, <-shutdownDone)
	assert.True(t, conn.closed.Load())

	// Idempotent.
	assert.NoError(t, rt.Shutdown(context.Background()))
}

func TestShutdownDeadline(t *testing.T) {
	started := make(chan struct{})
	gw := funcGateway(func(ctx context.Context, _ []agentrun.Message, _ []agentrun.ToolDescriptor) (domain.ModelTurn, error) {
		close(started)
		<-ctx.Done()
		return domain.ModelTurn{}, ctx.Err()
	})
	rt, _ := newTestRuntime(t, gw)
	require.NoError(t, rt.RegisterAgentDefinition(agentrun.AgentDefinition{Name: "stuck", ModelConfigID: "gpt4_turbo"}))

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _, _ = rt.RunAgent(runCtx, "stuck", "go") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rt.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
runtime:
  max_turns: 4
models:
  - id: gpt4_turbo
    provider: openai
    model: gpt-4-turbo
    api_key: sk-test
connectors:
  - name: database
    transport: stdio
    command: db-mcp
    capabilities: [tools]
agents:
  - name: database
    model: gpt4_turbo
    tool_connectors: [database]
    include_history: true
    output_schema:
      type: object
      required: [rows]
history:
  backend: sqlite
  path: `+filepath.Join(dir, "hist", "history.db")+`
logger:
  level: error
`), dir)
	require.NoError(t, err)

	conn := &fakeConnector{name: "database"}
	rt, err := agentrun.NewFromConfig(context.Background(), cfg,
		agentrun.WithModelGateway(toolThenAnswer()),
		agentrun.WithConnectorFactory(func(agentrun.ToolConnectorConfig, *slog.Logger) (agentrun.ToolConnector, error) {
			return conn, nil
		}),
	)
	require.NoError(t, err)

	res, err := rt.RunAgent(context.Background(), "database", "list users", agentrun.WithSession("ops"))
	require.NoError(t, err)
	assert.True(t, res.Validated)
	assert.Equal(t, 2, res.TurnsUsed)

	require.NoError(t, rt.Shutdown(context.Background()))
	assert.True(t, conn.closed.Load())
}

func TestNewFromConfigInvalidSchema(t *testing.T) {
	cfg, err := config.Parse([]byte(`
models:
  - id: m
    provider: openai
    model: gpt-4o
    api_key: sk-test
agents:
  - name: broken
    model: m
    output_schema:
      type: 42
history:
  backend: none
`), "")
	require.NoError(t, err)

	_, err = agentrun.NewFromConfig(context.Background(), cfg)
	assert.ErrorIs(t, err, agentrun.ErrConfiguration)
}
