package agentrun

import (
	"log/slog"
	"time"

	"agentrun/internal/adapter/llm"
	"agentrun/internal/domain"
	"agentrun/internal/usecase"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	history          domain.HistoryStore
	noHistory        bool
	executor         usecase.ExecutorConfig
	retry            llm.RetryPolicy
	callTimeout      time.Duration
	breaker          llm.CircuitBreakerConfig
	gateway          domain.ModelGateway
	connectorFactory usecase.ConnectorFactory
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHistoryStore keeps conversation history in store. The runtime closes
// it on Shutdown.
func WithHistoryStore(store HistoryStore) Option {
	return func(o *options) { o.history = store }
}

// WithoutHistory disables history retention; agents run without prior turns
// even when they request history.
func WithoutHistory() Option {
	return func(o *options) { o.noHistory = true }
}

// WithLimits sets the run bounds. Zero fields keep their defaults.
func WithLimits(limits Limits) Option {
	return func(o *options) { o.executor = limits }
}

// WithRetryPolicy sets how model calls are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithModelCallTimeout bounds a single model call.
func WithModelCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithCircuitBreaker configures the per-model circuit breaker.
func WithCircuitBreaker(maxFailures uint32, openFor time.Duration) Option {
	return func(o *options) {
		o.breaker = llm.CircuitBreakerConfig{MaxFailures: maxFailures, Timeout: openFor}
	}
}

// WithModelGateway replaces the provider-backed gateway.
func WithModelGateway(g ModelGateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithConnectorFactory replaces how live tool connectors are created from
// their configs. The default speaks MCP over HTTP or stdio.
func WithConnectorFactory(f func(cfg ToolConnectorConfig, logger *slog.Logger) (ToolConnector, error)) Option {
	return func(o *options) { o.connectorFactory = f }
}

// RunOption configures a single RunAgent call.
type RunOption func(*usecase.RunRequest)

// WithSession scopes conversation history to key. Runs without a session
// share the agent's default session.
func WithSession(key string) RunOption {
	return func(r *usecase.RunRequest) { r.Session = key }
}
