// Package agentrun runs named agents: a model conversation that may call
// tools on remote MCP servers and whose final answer can be held to a JSON
// Schema, with bounded repair when it does not conform.
//
// Example:
//
//	rt := agentrun.New(agentrun.WithLogger(logger))
//	defer rt.Shutdown(context.Background())
//
//	rt.RegisterModelConfig(agentrun.ModelConfig{ID: "gpt4_turbo", Provider: "openai", ModelName: "gpt-4-turbo", APIKey: key})
//	rt.RegisterToolConnector(agentrun.ToolConnectorConfig{Name: "news", Transport: "http", Endpoint: "http://localhost:8931/mcp"})
//	rt.RegisterAgentDefinition(agentrun.AgentDefinition{
//	    Name:               "news",
//	    ModelConfigID:      "gpt4_turbo",
//	    SystemPrompt:       "Find the five most relevant news items.",
//	    ToolConnectorNames: []string{"news"},
//	    OutputSchema:       schema,
//	})
//	res, err := rt.RunAgent(ctx, "news", "What happened in Go this week?")
package agentrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"agentrun/internal/adapter/history"
	"agentrun/internal/adapter/llm"
	"agentrun/internal/adapter/schema"
	"agentrun/internal/adapter/tool"
	"agentrun/internal/domain"
	"agentrun/internal/usecase"
)

// Public names for the types callers exchange with the runtime.
type (
	AgentDefinition     = domain.AgentDefinition
	ModelConfig         = domain.ModelConfig
	ToolConnectorConfig = domain.ToolConnectorConfig
	AgentResult         = domain.AgentResult
	Usage               = domain.Usage
	RunError            = domain.RunError
	FailureKind         = domain.FailureKind
	Violation           = domain.Violation
	ToolCallResult      = domain.ToolCallResult
	ToolCallStatus      = domain.ToolCallStatus
	ToolConnector       = domain.ToolConnector
	ToolDescriptor      = domain.ToolDescriptor
	ModelGateway        = domain.ModelGateway
	HistoryStore        = domain.HistoryStore
	HistoryKey          = domain.HistoryKey
	Message             = domain.Message
	Limits              = usecase.ExecutorConfig
	RetryPolicy         = llm.RetryPolicy
)

// Failure kinds of a RunError.
const (
	FailureConfiguration             = domain.FailureConfiguration
	FailureProviderUnavailable       = domain.FailureProviderUnavailable
	FailureProviderRejected          = domain.FailureProviderRejected
	FailureQuotaExceeded             = domain.FailureQuotaExceeded
	FailureToolUnreachable           = domain.FailureToolUnreachable
	FailureAmbiguousOutcome          = domain.FailureAmbiguousOutcome
	FailureSchemaValidationExhausted = domain.FailureSchemaValidationExhausted
	FailureTurnLimit                 = domain.FailureTurnLimit
	FailureTimeout                   = domain.FailureTimeout
	FailureCancelled                 = domain.FailureCancelled
	FailureInternal                  = domain.FailureInternal
)

// Sentinel errors, matched with errors.Is.
var (
	ErrConfiguration             = domain.ErrConfiguration
	ErrDuplicateDefinition       = domain.ErrDuplicateDefinition
	ErrUnknownReference          = domain.ErrUnknownReference
	ErrProviderUnavailable       = domain.ErrProviderUnavailable
	ErrProviderRejected          = domain.ErrProviderRejected
	ErrQuotaExceeded             = domain.ErrQuotaExceeded
	ErrToolUnreachable           = domain.ErrToolUnreachable
	ErrAmbiguousOutcome          = domain.ErrAmbiguousOutcome
	ErrSchemaValidationExhausted = domain.ErrSchemaValidationExhausted
	ErrTurnLimit                 = domain.ErrTurnLimit
	ErrTimeout                   = domain.ErrTimeout
	ErrCancelled                 = domain.ErrCancelled
	ErrShutdown                  = domain.ErrShutdown
)

// Runtime owns the registered definitions, the live tool connectors and the
// history store. It is safe for concurrent use; every RunAgent call gets its
// own conversation.
type Runtime struct {
	registry *usecase.Registry
	executor *usecase.Executor
	history  domain.HistoryStore
	logger   *slog.Logger

	// closers run after connectors and history on Shutdown.
	closers []func(context.Context) error

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Runtime with no registrations.
func New(opts ...Option) *Runtime {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return newRuntime(o)
}

func newRuntime(o options) *Runtime {
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	store := o.history
	if o.noHistory {
		store = nil
	} else if store == nil {
		store = history.NewMemoryStore()
	}

	gateway := o.gateway
	if gateway == nil {
		providers := llm.NewRegistry(o.breaker, logger)
		gateway = llm.NewGateway(providers, llm.GatewayConfig{Retry: o.retry, CallTimeout: o.callTimeout}, logger)
	}

	factory := o.connectorFactory
	if factory == nil {
		factory = newMCPConnector
	}

	validator := schema.NewValidator(logger)
	registry := usecase.NewRegistry(validator, factory, logger)
	executor := usecase.NewExecutor(usecase.ExecutorDeps{
		Registry:  registry,
		Gateway:   gateway,
		Validator: validator,
		History:   store,
		Logger:    logger,
		Config:    o.executor,
	})

	return &Runtime{
		registry: registry,
		executor: executor,
		history:  store,
		logger:   logger,
	}
}

func newMCPConnector(cfg domain.ToolConnectorConfig, logger *slog.Logger) (domain.ToolConnector, error) {
	c, err := tool.NewMCPConnector(cfg, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterModelConfig adds a model config. IDs are unique.
func (rt *Runtime) RegisterModelConfig(mc ModelConfig) error {
	if err := rt.checkOpen("Runtime.RegisterModelConfig"); err != nil {
		return err
	}
	return rt.registry.RegisterModelConfig(mc)
}

// RegisterToolConnector adds a tool connector config. The connection is
// made when an agent first uses it.
func (rt *Runtime) RegisterToolConnector(cfg ToolConnectorConfig) error {
	if err := rt.checkOpen("Runtime.RegisterToolConnector"); err != nil {
		return err
	}
	if cfg.Transport != "" && cfg.Transport != "http" && cfg.Transport != "stdio" {
		return domain.NewSubSystemError("connector", "Runtime.RegisterToolConnector", domain.ErrConfiguration,
			fmt.Sprintf("connector %q: unsupported transport %q", cfg.Name, cfg.Transport))
	}
	return rt.registry.RegisterToolConnector(cfg)
}

// RegisterAgentDefinition adds an agent. Its output schema, if any, must
// compile; model and connector references are checked when it first runs.
func (rt *Runtime) RegisterAgentDefinition(def AgentDefinition) error {
	if err := rt.checkOpen("Runtime.RegisterAgentDefinition"); err != nil {
		return err
	}
	return rt.registry.RegisterAgentDefinition(def)
}

// InvalidateTools makes the named connector list its tools again on next
// use, for tool servers whose capabilities changed.
func (rt *Runtime) InvalidateTools(connector string) error {
	if err := rt.checkOpen("Runtime.InvalidateTools"); err != nil {
		return err
	}
	return rt.registry.InvalidateConnector(connector)
}

// Agents returns the registered agent names, sorted.
func (rt *Runtime) Agents() []string {
	return rt.registry.Agents()
}

// RunAgent runs the named agent on userMessage until it produces a final
// answer or fails. A failure is returned as a *RunError.
func (rt *Runtime) RunAgent(ctx context.Context, agent, userMessage string, opts ...RunOption) (*AgentResult, error) {
	rt.mu.RLock()
	if rt.closed {
		rt.mu.RUnlock()
		return nil, domain.NewRunError(agent, domain.WrapOp("Runtime.RunAgent", domain.ErrShutdown))
	}
	rt.inflight.Add(1)
	rt.mu.RUnlock()
	defer rt.inflight.Done()

	req := usecase.RunRequest{Agent: agent, Message: userMessage}
	for _, opt := range opts {
		opt(&req)
	}
	return rt.executor.Run(ctx, req)
}

// ResetHistory discards the retained history of an agent session. An empty
// session names the default session.
func (rt *Runtime) ResetHistory(ctx context.Context, agent, session string) error {
	if session == "" {
		session = domain.DefaultSession
	}
	return rt.executor.ResetHistory(ctx, domain.HistoryKey{Agent: agent, Session: session})
}

// Shutdown stops accepting runs, waits for in-flight runs until ctx is
// done, then closes connectors, the history store and tracing. It is safe
// to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		rt.mu.Lock()
		rt.closed = true
		rt.mu.Unlock()

		var errs []error
		done := make(chan struct{})
		go func() {
			rt.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			rt.logger.Warn("shutdown deadline reached with runs in flight")
			errs = append(errs, fmt.Errorf("wait for runs: %w", ctx.Err()))
		}

		if err := rt.registry.CloseConnectors(); err != nil {
			errs = append(errs, err)
		}
		if rt.history != nil {
			if err := rt.history.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close history: %w", err))
			}
		}
		for i := len(rt.closers) - 1; i >= 0; i-- {
			if err := rt.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		rt.shutdownErr = errors.Join(errs...)
		rt.logger.Info("runtime shut down")
	})
	return rt.shutdownErr
}

func (rt *Runtime) checkOpen(op string) error {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return domain.WrapOp(op, domain.ErrShutdown)
	}
	return nil
}
