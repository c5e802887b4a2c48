package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/adapter/history"
	"agentrun/internal/adapter/schema"
	"agentrun/internal/domain"
)

// --- Stubs ---

// scriptedGateway returns turns from a script, one per call. Each step sees
// the conversation sent to the model.
type scriptedGateway struct {
	mu    sync.Mutex
	steps []func(conv []domain.Message, tools []domain.ToolDescriptor) (domain.ModelTurn, error)
	calls int
	convs [][]domain.Message
}

func (g *scriptedGateway) Converse(ctx context.Context, conv []domain.Message, tools []domain.ToolDescriptor, _ domain.ModelConfig) (domain.ModelTurn, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.convs = append(g.convs, append([]domain.Message(nil), conv...))
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.ModelTurn{}, err
	}
	if idx >= len(g.steps) {
		return domain.ModelTurn{}, fmt.Errorf("%w: script exhausted", domain.ErrProviderRejected)
	}
	return g.steps[idx](conv, tools)
}

func (g *scriptedGateway) lastConversation() []domain.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.convs[len(g.convs)-1]
}

func final(text string) func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
	return func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
		return domain.ModelTurn{Kind: domain.TurnFinalAnswer, Text: text, Usage: domain.Usage{TotalTokens: 10}}, nil
	}
}

func callTools(calls ...domain.ToolCall) func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
	return func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
		return domain.ModelTurn{Kind: domain.TurnToolCalls, ToolCalls: calls, Usage: domain.Usage{TotalTokens: 5}}, nil
	}
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// stubConnector serves a fixed tool list; invoke behavior is per tool.
type stubConnector struct {
	name   string
	tools  []domain.ToolDescriptor
	invoke map[string]func(ctx context.Context, args map[string]any, attempt int) (domain.ToolCallResult, error)

	mu          sync.Mutex
	attempts    map[string]int
	closed      atomic.Bool
	invalidated atomic.Int32
}

func (c *stubConnector) Name() string { return c.name }

func (c *stubConnector) ListCapabilities(context.Context) ([]domain.ToolDescriptor, error) {
	return c.tools, nil
}

func (c *stubConnector) InvalidateCapabilities() { c.invalidated.Add(1) }

func (c *stubConnector) Invoke(ctx context.Context, toolName string, args map[string]any) (domain.ToolCallResult, error) {
	c.mu.Lock()
	if c.attempts == nil {
		c.attempts = map[string]int{}
	}
	c.attempts[toolName]++
	attempt := c.attempts[toolName]
	c.mu.Unlock()

	fn, ok := c.invoke[toolName]
	if !ok {
		return domain.ToolCallResult{Status: domain.ToolStatusUnknownTool}, domain.ErrUnknownTool
	}
	return fn(ctx, args, attempt)
}

func (c *stubConnector) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *stubConnector) attemptsFor(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[tool]
}

func ok(payload string) func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
	return func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
		return domain.ToolCallResult{Success: true, Status: domain.ToolStatusSucceeded, Payload: payload}, nil
	}
}

// --- Fixture ---

type fixture struct {
	registry *Registry
	gateway  *scriptedGateway
	conn     *stubConnector
	history  *history.MemoryStore
	exec     *Executor
}

func newFixture(t *testing.T, cfg ExecutorConfig, steps ...func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error)) *fixture {
	t.Helper()
	logger := slog.Default()

	conn := &stubConnector{
		name: "news",
		tools: []domain.ToolDescriptor{
			{Connector: "news", Name: "search", ReadOnly: true, Idempotent: true},
			{Connector: "news", Name: "fetch", ReadOnly: true, Idempotent: true},
			{Connector: "news", Name: "publish"},
		},
		invoke: map[string]func(context.Context, map[string]any, int) (domain.ToolCallResult, error){
			"search": ok(`[{"title":"Go 1.26 released"}]`),
			"fetch":  ok(`article body`),
		},
	}

	validator := schema.NewValidator(logger)
	reg := NewRegistry(validator, func(cfg domain.ToolConnectorConfig, _ *slog.Logger) (domain.ToolConnector, error) {
		if cfg.Name != "news" {
			return nil, fmt.Errorf("%w: no stub for %q", domain.ErrConfiguration, cfg.Name)
		}
		return conn, nil
	}, logger)
	require.NoError(t, reg.RegisterModelConfig(domain.ModelConfig{ID: "gpt4_turbo", Provider: "openai", ModelName: "gpt-4-turbo"}))
	require.NoError(t, reg.RegisterToolConnector(domain.ToolConnectorConfig{
		Name: "news", Transport: "http", Endpoint: "http://news.local/mcp", Capabilities: []string{domain.CapabilityTools},
	}))

	gw := &scriptedGateway{steps: steps}
	store := history.NewMemoryStore()
	exec := NewExecutor(ExecutorDeps{
		Registry:  reg,
		Gateway:   gw,
		Validator: validator,
		History:   store,
		Logger:    logger,
		Config:    cfg,
	})
	exec.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return &fixture{registry: reg, gateway: gw, conn: conn, history: store, exec: exec}
}

func (f *fixture) agent(t *testing.T, def domain.AgentDefinition) {
	t.Helper()
	if def.ModelConfigID == "" {
		def.ModelConfigID = "gpt4_turbo"
	}
	require.NoError(t, f.registry.RegisterAgentDefinition(def))
}

func runErrOf(t *testing.T, err error) *domain.RunError {
	t.Helper()
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	return runErr
}

const fiveNewsSchema = `{
	"type": "array",
	"minItems": 5,
	"maxItems": 5,
	"items": {
		"type": "object",
		"required": ["url", "summary"],
		"properties": {
			"url": {"type": "string"},
			"summary": {"type": "string", "minLength": 1}
		}
	}
}`

func newsItems(n int) string {
	items := make([]map[string]string, n)
	for i := range items {
		items[i] = map[string]string{"url": fmt.Sprintf("https://news.example/%d", i), "summary": "s"}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

// --- Tests ---

func TestExecutorPlainAnswer(t *testing.T) {
	f := newFixture(t, ExecutorConfig{}, final("Hello there"))
	f.agent(t, domain.AgentDefinition{Name: "greeter", SystemPrompt: "Be kind."})

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "greeter", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.PrimaryText)
	assert.False(t, res.Validated)
	assert.Nil(t, res.StructuredPayload)
	assert.Equal(t, 1, res.TurnsUsed)

	conv := f.gateway.lastConversation()
	require.Len(t, conv, 2)
	assert.Equal(t, domain.RoleSystem, conv[0].Role)
	assert.Equal(t, "Be kind.", conv[0].Content)
	assert.Equal(t, "hi", conv[1].Content)
}

func TestExecutorToolLoop(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "search", `{"query":"go"}`)),
		func(conv []domain.Message, tools []domain.ToolDescriptor) (domain.ModelTurn, error) {
			last := conv[len(conv)-1]
			if last.Role != domain.RoleTool || last.ToolCallID() != "c1" {
				return domain.ModelTurn{}, fmt.Errorf("%w: unexpected last turn %+v", domain.ErrProviderRejected, last)
			}
			return final("Go 1.26 is out.")(conv, tools)
		},
	)
	f.agent(t, domain.AgentDefinition{Name: "news", SystemPrompt: "News.", ToolConnectorNames: []string{"news"}})

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "what's new?"})
	require.NoError(t, err)
	assert.Equal(t, "Go 1.26 is out.", res.PrimaryText)
	assert.Equal(t, 2, res.TurnsUsed)
	assert.Equal(t, 15, res.Usage.TotalTokens)
	assert.Equal(t, 1, f.conn.attemptsFor("search"))
}

// Scenario A: four items fail minItems, the repaired answer passes.
func TestExecutorSchemaRepair(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		final(newsItems(4)),
		func(conv []domain.Message, _ []domain.ToolDescriptor) (domain.ModelTurn, error) {
			instr := conv[len(conv)-1]
			if instr.Role != domain.RoleUser {
				return domain.ModelTurn{}, fmt.Errorf("%w: expected repair instruction", domain.ErrProviderRejected)
			}
			return final("```json\n" + newsItems(5) + "\n```")(conv, nil)
		},
	)
	f.agent(t, domain.AgentDefinition{Name: "news", SystemPrompt: "News.", OutputSchema: json.RawMessage(fiveNewsSchema)})

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "top 5"})
	require.NoError(t, err)
	assert.True(t, res.Validated)
	assert.Equal(t, 1, res.RepairsUsed)
	assert.Equal(t, 2, res.TurnsUsed)

	items, ok := res.StructuredPayload.([]any)
	require.True(t, ok)
	assert.Len(t, items, 5)

	// The payload satisfies the schema.
	outcome, err := schema.NewValidator(slog.Default()).Validate(res.StructuredPayload, json.RawMessage(fiveNewsSchema))
	require.NoError(t, err)
	assert.True(t, outcome.Valid)

	conv := f.gateway.lastConversation()
	assert.Contains(t, conv[0].Content, "JSON Schema")
	instr := conv[len(conv)-1].Content
	assert.Contains(t, instr, "minItems")
	assert.Contains(t, instr, "repair attempt 1 of 2")
}

func TestExecutorRepairExhaustion(t *testing.T) {
	for _, repairs := range []int{0, 1, 2, 3} {
		t.Run(fmt.Sprintf("repairs=%d", repairs), func(t *testing.T) {
			steps := make([]func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error), 10)
			for i := range steps {
				steps[i] = final("not json at all")
			}
			f := newFixture(t, ExecutorConfig{}, steps...)
			f.agent(t, domain.AgentDefinition{
				Name: "db", OutputSchema: json.RawMessage(`{"type":"object"}`), MaxRepairAttempts: &repairs,
			})

			_, err := f.exec.Run(context.Background(), RunRequest{Agent: "db", Message: "rows"})
			runErr := runErrOf(t, err)
			assert.Equal(t, domain.FailureSchemaValidationExhausted, runErr.Kind)
			assert.ErrorIs(t, err, domain.ErrSchemaValidationExhausted)
			require.Len(t, runErr.Violations, 1)
			assert.Equal(t, domain.RuleNotValidJSON, runErr.Violations[0].Rule)
			assert.Equal(t, repairs+1, f.gateway.calls, "one initial answer plus each repair")
		})
	}
}

// Scenario B: an unknown tool is reported to the model, which adapts.
func TestExecutorUnknownToolForwarded(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "weather", `{}`)),
		func(conv []domain.Message, _ []domain.ToolDescriptor) (domain.ModelTurn, error) {
			last := conv[len(conv)-1]
			if last.Role != domain.RoleTool {
				return domain.ModelTurn{}, fmt.Errorf("%w: expected tool turn", domain.ErrProviderRejected)
			}
			return final("I cannot check the weather, "+last.Content)(conv, nil)
		},
	)
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "weather?"})
	require.NoError(t, err)
	assert.Contains(t, res.PrimaryText, "[error:unknown_tool]")
	assert.Contains(t, res.PrimaryText, "search")
	assert.Zero(t, f.conn.attemptsFor("weather"), "unknown tools are not sent to the server")
}

func TestExecutorExecutionErrorForwarded(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "search", `{}`)),
		final("search failed, sorry"),
	)
	f.conn.invoke["search"] = func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
		return domain.ToolCallResult{Status: domain.ToolStatusExecutionError, ErrorDetail: "index offline"}, nil
	}
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, "search failed, sorry", res.PrimaryText)
	assert.Equal(t, 1, f.conn.attemptsFor("search"), "execution errors are not retried")
	conv := f.gateway.lastConversation()
	assert.Equal(t, "[error:execution_error] index offline", conv[len(conv)-1].Content)
}

// Scenario C: an unreachable tool is retried once and then succeeds.
func TestExecutorRetriesUnreachableTool(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "search", `{}`)),
		final("done"),
	)
	f.conn.invoke["search"] = func(_ context.Context, _ map[string]any, attempt int) (domain.ToolCallResult, error) {
		if attempt == 1 {
			return domain.ToolCallResult{Status: domain.ToolStatusUnreachable}, fmt.Errorf("%w: call timed out", domain.ErrToolUnreachable)
		}
		return domain.ToolCallResult{Success: true, Status: domain.ToolStatusSucceeded, Payload: "found"}, nil
	}
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.PrimaryText)
	assert.Equal(t, 2, f.conn.attemptsFor("search"))
}

func TestExecutorUnreachableAfterRetries(t *testing.T) {
	f := newFixture(t, ExecutorConfig{}, callTools(toolCall("c1", "search", `{}`)))
	f.conn.invoke["search"] = func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
		return domain.ToolCallResult{Status: domain.ToolStatusUnreachable}, fmt.Errorf("%w: refused", domain.ErrToolUnreachable)
	}
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	runErr := runErrOf(t, err)
	assert.Equal(t, domain.FailureToolUnreachable, runErr.Kind)
	assert.Equal(t, 2, f.conn.attemptsFor("search"))
	require.Len(t, runErr.Outcomes, 1)
	assert.Equal(t, domain.ToolStatusUnreachable, runErr.Outcomes[0].Status)
	assert.Equal(t, 2, runErr.Outcomes[0].Attempts)
}

func TestExecutorAmbiguousNeverRetried(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "publish", `{}`), toolCall("c2", "search", `{}`)),
	)
	f.conn.invoke["publish"] = func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
		return domain.ToolCallResult{Status: domain.ToolStatusAmbiguous}, fmt.Errorf("%w: timed out", domain.ErrAmbiguousOutcome)
	}
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	runErr := runErrOf(t, err)
	assert.Equal(t, domain.FailureAmbiguousOutcome, runErr.Kind)
	assert.Equal(t, 1, f.conn.attemptsFor("publish"))
	assert.Zero(t, f.conn.attemptsFor("search"), "later sequential calls do not start")
	require.Len(t, runErr.Outcomes, 2)
	assert.Equal(t, domain.ToolStatusAmbiguous, runErr.Outcomes[0].Status)
	assert.Equal(t, domain.ToolStatusCancelled, runErr.Outcomes[1].Status)
}

func TestExecutorParallelBarrier(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak atomic.Int32

	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "search", `{}`), toolCall("c2", "fetch", `{}`)),
		func(conv []domain.Message, _ []domain.ToolDescriptor) (domain.ModelTurn, error) {
			// Both results are present, in request order.
			n := len(conv)
			if conv[n-2].ToolCallID() != "c1" || conv[n-1].ToolCallID() != "c2" {
				return domain.ModelTurn{}, fmt.Errorf("%w: results out of order", domain.ErrProviderRejected)
			}
			return final(conv[n-2].Content + " | " + conv[n-1].Content)(conv, nil)
		},
	)
	slow := func(result domain.ToolCallResult, err error) func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
		return func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return result, err
		}
	}
	f.conn.invoke["search"] = slow(domain.ToolCallResult{Status: domain.ToolStatusExecutionError, ErrorDetail: "boom"}, nil)
	f.conn.invoke["fetch"] = slow(domain.ToolCallResult{Success: true, Status: domain.ToolStatusSucceeded, Payload: "body"}, nil)
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}, ParallelToolCalls: true})

	go func() {
		for peak.Load() < 2 {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	res, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, "[error:execution_error] boom | body", res.PrimaryText)
	assert.Equal(t, int32(2), peak.Load())
}

func TestExecutorSequentialWhenNotIndependent(t *testing.T) {
	var inFlight, peak atomic.Int32
	track := func(context.Context, map[string]any, int) (domain.ToolCallResult, error) {
		n := inFlight.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return domain.ToolCallResult{Success: true, Status: domain.ToolStatusSucceeded, Payload: "ok"}, nil
	}

	f := newFixture(t, ExecutorConfig{},
		callTools(toolCall("c1", "search", `{}`), toolCall("c2", "publish", `{}`)),
		final("done"),
	)
	f.conn.invoke["search"] = track
	f.conn.invoke["publish"] = track
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}, ParallelToolCalls: true})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestExecutorCancelledDuringToolCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, ExecutorConfig{}, callTools(toolCall("c1", "search", `{}`)))
	f.conn.invoke["search"] = func(ctx context.Context, _ map[string]any, _ int) (domain.ToolCallResult, error) {
		cancel()
		<-ctx.Done()
		return domain.ToolCallResult{Status: domain.ToolStatusCancelled}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	_, err := f.exec.Run(ctx, RunRequest{Agent: "news", Message: "q"})
	runErr := runErrOf(t, err)
	assert.Equal(t, domain.FailureCancelled, runErr.Kind)
	require.Len(t, runErr.Outcomes, 1)
	assert.Equal(t, domain.ToolStatusCancelled, runErr.Outcomes[0].Status)
}

func TestExecutorRunTimeout(t *testing.T) {
	f := newFixture(t, ExecutorConfig{RunTimeout: 20 * time.Millisecond}, callTools(toolCall("c1", "search", `{}`)))
	f.conn.invoke["search"] = func(ctx context.Context, _ map[string]any, _ int) (domain.ToolCallResult, error) {
		<-ctx.Done()
		return domain.ToolCallResult{Status: domain.ToolStatusCancelled}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	runErr := runErrOf(t, err)
	assert.Equal(t, domain.FailureTimeout, runErr.Kind)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestExecutorTurnLimit(t *testing.T) {
	steps := make([]func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error), 20)
	for i := range steps {
		steps[i] = callTools(toolCall(fmt.Sprintf("c%d", i), "search", `{}`))
	}
	f := newFixture(t, ExecutorConfig{MaxTurns: 3}, steps...)
	f.agent(t, domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "q"})
	runErr := runErrOf(t, err)
	assert.Equal(t, domain.FailureTurnLimit, runErr.Kind)
	assert.Equal(t, 3, runErr.TurnsUsed)
	assert.Equal(t, 3, f.gateway.calls)
}

func TestExecutorProviderErrorsAreTerminal(t *testing.T) {
	tests := []struct {
		err  error
		kind domain.FailureKind
	}{
		{fmt.Errorf("%w: 400", domain.ErrProviderRejected), domain.FailureProviderRejected},
		{fmt.Errorf("%w: down", domain.ErrProviderUnavailable), domain.FailureProviderUnavailable},
		{&domain.QuotaError{RetryAfter: time.Minute}, domain.FailureQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t, ExecutorConfig{}, func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
				return domain.ModelTurn{}, tt.err
			})
			f.agent(t, domain.AgentDefinition{Name: "a"})

			_, err := f.exec.Run(context.Background(), RunRequest{Agent: "a", Message: "q"})
			runErr := runErrOf(t, err)
			assert.Equal(t, tt.kind, runErr.Kind)
			if tt.kind == domain.FailureQuotaExceeded {
				assert.Equal(t, time.Minute, runErr.RetryAfter)
			}
		})
	}
}

func TestExecutorConfigurationErrors(t *testing.T) {
	f := newFixture(t, ExecutorConfig{}, final("never"))
	f.agent(t, domain.AgentDefinition{Name: "lazy", ToolConnectorNames: []string{"missing"}})
	f.agent(t, domain.AgentDefinition{Name: "nomodel", ModelConfigID: "gone"})

	for _, name := range []string{"lazy", "nomodel", "unregistered"} {
		t.Run(name, func(t *testing.T) {
			_, err := f.exec.Run(context.Background(), RunRequest{Agent: name, Message: "q"})
			runErr := runErrOf(t, err)
			assert.Equal(t, domain.FailureConfiguration, runErr.Kind)
			assert.ErrorIs(t, err, domain.ErrUnknownReference)
		})
	}
	assert.Zero(t, f.gateway.calls, "configuration errors fail before the first model call")
}

func TestExecutorLogsFailureCode(t *testing.T) {
	f := newFixture(t, ExecutorConfig{}, final("never"))
	f.agent(t, domain.AgentDefinition{Name: "nomodel", ModelConfigID: "gone"})
	var buf bytes.Buffer
	f.exec.deps.Logger = slog.New(slog.NewJSONHandler(&buf, nil))

	tests := []struct {
		agent string
		want  domain.ErrorCode
	}{
		{"unregistered", domain.CodeAgentNotFound},
		{"nomodel", domain.CodeModelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			buf.Reset()
			_, err := f.exec.Run(context.Background(), RunRequest{Agent: tt.agent, Message: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.ErrorCodeOf(err))
			assert.Contains(t, buf.String(), fmt.Sprintf(`"code":%q`, tt.want))
		})
	}
}

func TestExecutorIdempotentRuns(t *testing.T) {
	script := func() []func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
		return []func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error){
			callTools(toolCall("c1", "search", `{"query":"go"}`)),
			final(newsItems(5)),
		}
	}
	def := domain.AgentDefinition{Name: "news", ToolConnectorNames: []string{"news"}, OutputSchema: json.RawMessage(fiveNewsSchema)}

	f1 := newFixture(t, ExecutorConfig{}, script()...)
	f1.agent(t, def)
	f2 := newFixture(t, ExecutorConfig{}, script()...)
	f2.agent(t, def)

	r1, err := f1.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "top 5"})
	require.NoError(t, err)
	r2, err := f2.exec.Run(context.Background(), RunRequest{Agent: "news", Message: "top 5"})
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestExecutorHistoryPerSession(t *testing.T) {
	f := newFixture(t, ExecutorConfig{},
		final("first answer"),
		func(conv []domain.Message, _ []domain.ToolDescriptor) (domain.ModelTurn, error) {
			// system, prior user, prior answer, new user
			if len(conv) != 4 || conv[2].Content != "first answer" {
				return domain.ModelTurn{}, fmt.Errorf("%w: history missing: %d turns", domain.ErrProviderRejected, len(conv))
			}
			return final("second answer")(conv, nil)
		},
		func(conv []domain.Message, _ []domain.ToolDescriptor) (domain.ModelTurn, error) {
			if len(conv) != 2 {
				return domain.ModelTurn{}, fmt.Errorf("%w: other session leaked: %d turns", domain.ErrProviderRejected, len(conv))
			}
			return final("fresh")(conv, nil)
		},
	)
	f.agent(t, domain.AgentDefinition{Name: "chat", SystemPrompt: "Chat.", IncludeHistory: true})

	ctx := context.Background()
	_, err := f.exec.Run(ctx, RunRequest{Agent: "chat", Message: "one", Session: "alice"})
	require.NoError(t, err)
	_, err = f.exec.Run(ctx, RunRequest{Agent: "chat", Message: "two", Session: "alice"})
	require.NoError(t, err)
	_, err = f.exec.Run(ctx, RunRequest{Agent: "chat", Message: "hello", Session: "bob"})
	require.NoError(t, err)

	stored, err := f.history.Load(ctx, domain.HistoryKey{Agent: "chat", Session: "alice"})
	require.NoError(t, err)
	require.Len(t, stored, 4)
	for _, m := range stored {
		assert.NotEqual(t, domain.RoleSystem, m.Role)
	}

	require.NoError(t, f.exec.ResetHistory(ctx, domain.HistoryKey{Agent: "chat", Session: "alice"}))
	stored, _ = f.history.Load(ctx, domain.HistoryKey{Agent: "chat", Session: "alice"})
	assert.Empty(t, stored)
}

func TestExecutorHistoryNotSavedOnFailure(t *testing.T) {
	f := newFixture(t, ExecutorConfig{}, func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error) {
		return domain.ModelTurn{}, fmt.Errorf("%w: bad", domain.ErrProviderRejected)
	})
	f.agent(t, domain.AgentDefinition{Name: "chat", IncludeHistory: true})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "chat", Message: "one"})
	require.Error(t, err)
	stored, _ := f.history.Load(context.Background(), domain.HistoryKey{Agent: "chat", Session: domain.DefaultSession})
	assert.Empty(t, stored)
}

func TestExecutorHistoryExcludesRepairs(t *testing.T) {
	f := newFixture(t, ExecutorConfig{}, final(`{"rows":`), final(`{"rows":[]}`))
	f.agent(t, domain.AgentDefinition{Name: "db", IncludeHistory: true, OutputSchema: json.RawMessage(`{"type":"object","required":["rows"]}`)})

	_, err := f.exec.Run(context.Background(), RunRequest{Agent: "db", Message: "list"})
	require.NoError(t, err)

	stored, _ := f.history.Load(context.Background(), domain.HistoryKey{Agent: "db", Session: domain.DefaultSession})
	require.Len(t, stored, 2)
	assert.Equal(t, "list", stored[0].Content)
	assert.Equal(t, `{"rows":[]}`, stored[1].Content)
}

func TestExecutorConcurrentRunsIsolated(t *testing.T) {
	steps := make([]func([]domain.Message, []domain.ToolDescriptor) (domain.ModelTurn, error), 16)
	for i := range steps {
		steps[i] = func(conv []domain.Message, _ []domain.ToolDescriptor) (domain.ModelTurn, error) {
			return final("echo " + conv[len(conv)-1].Content)(conv, nil)
		}
	}
	f := newFixture(t, ExecutorConfig{}, steps...)
	f.agent(t, domain.AgentDefinition{Name: "echo"})

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := fmt.Sprintf("m%d", i)
			res, err := f.exec.Run(context.Background(), RunRequest{Agent: "echo", Message: msg})
			if assert.NoError(t, err) {
				assert.Equal(t, "echo "+msg, res.PrimaryText)
			}
		}()
	}
	wg.Wait()
}

func TestTrimHistoryStartsAtUserTurn(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "u1"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c", Name: "t"}}},
		{Role: domain.RoleTool, Content: "r", ToolCalls: []domain.ToolCall{{ID: "c"}}},
		{Role: domain.RoleAssistant, Content: "a1"},
		{Role: domain.RoleUser, Content: "u2"},
		{Role: domain.RoleAssistant, Content: "a2"},
	}
	got := trimHistory(msgs, 4)
	require.Len(t, got, 2)
	assert.Equal(t, "u2", got[0].Content)
	assert.Len(t, trimHistory(msgs, 10), 6)
}

func TestRunErrorMatchesSentinels(t *testing.T) {
	runErr := domain.NewRunError("a", fmt.Errorf("wrapped: %w", domain.ErrToolUnreachable))
	assert.True(t, errors.Is(runErr, domain.ErrToolUnreachable))
	assert.Equal(t, domain.FailureToolUnreachable, runErr.Kind)
}
