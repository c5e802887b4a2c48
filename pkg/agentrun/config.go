package agentrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"agentrun/internal/adapter/history"
	"agentrun/internal/adapter/llm"
	"agentrun/internal/infra/config"
	"agentrun/internal/infra/logger"
	"agentrun/internal/infra/tracer"
	"agentrun/internal/usecase"
)

// LoadConfig reads a YAML configuration file. See NewFromConfig.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// NewFromConfig builds a Runtime from cfg: logging, tracing, the history
// backend, runtime limits and every configured model, connector and agent.
// Options are applied after the configuration and take precedence.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	o := optionsFromConfig(cfg)
	o.logger = log

	var setupErr error
	switch cfg.History.Backend {
	case "sqlite":
		o.history, setupErr = openSQLiteHistory(cfg.History.Path)
	case "none":
		o.noHistory = true
	}
	if setupErr != nil {
		_ = shutdownTracer(ctx)
		_ = closeLog()
		return nil, setupErr
	}

	for _, opt := range opts {
		opt(&o)
	}

	rt := newRuntime(o)
	rt.closers = append(rt.closers,
		func(context.Context) error { return closeLog() },
		shutdownTracer,
	)

	if err := rt.registerConfig(cfg); err != nil {
		return nil, errors.Join(err, rt.Shutdown(ctx))
	}
	rt.logger.Info("runtime configured",
		"models", len(cfg.Models), "connectors", len(cfg.Connectors), "agents", len(cfg.Agents),
		"history", cfg.History.Backend)
	return rt, nil
}

func optionsFromConfig(cfg *config.Config) options {
	r := cfg.Runtime
	return options{
		executor: usecase.ExecutorConfig{
			MaxTurns:           r.MaxTurns,
			MaxRepairAttempts:  r.MaxRepairAttempts,
			RunTimeout:         r.RunTimeout,
			MaxParallelTools:   r.MaxParallelTools,
			MaxHistoryMessages: r.MaxHistoryMessages,
		},
		retry: llm.RetryPolicy{
			MaxAttempts:  r.Retry.MaxAttempts,
			BaseDelay:    r.Retry.BaseDelay,
			MaxDelay:     r.Retry.MaxDelay,
			MaxQuotaWait: r.Retry.MaxQuotaWait,
		},
		callTimeout: r.ModelCallTimeout,
		breaker: llm.CircuitBreakerConfig{
			MaxFailures: r.CircuitBreaker.MaxFailures,
			Timeout:     r.CircuitBreaker.Timeout,
			Interval:    r.CircuitBreaker.Interval,
		},
	}
}

func openSQLiteHistory(path string) (*history.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	store, err := history.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func (rt *Runtime) registerConfig(cfg *config.Config) error {
	for _, mc := range cfg.Models {
		if err := rt.RegisterModelConfig(mc); err != nil {
			return err
		}
	}
	for _, cc := range cfg.Connectors {
		if err := rt.RegisterToolConnector(cc); err != nil {
			return err
		}
	}
	defs, err := cfg.AgentDefinitions()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	for _, def := range defs {
		if err := rt.RegisterAgentDefinition(def); err != nil {
			return err
		}
	}
	return nil
}
