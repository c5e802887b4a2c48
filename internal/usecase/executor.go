package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentrun/internal/domain"
	"agentrun/internal/infra/tracer"
)

// Run loop defaults.
const (
	DefaultMaxTurns           = 12
	DefaultMaxRepairAttempts  = 2
	DefaultRunTimeout         = 5 * time.Minute
	DefaultMaxParallelTools   = 8
	DefaultMaxHistoryMessages = 50

	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// errRunBudget is the cancellation cause of a run that outlived its budget.
var errRunBudget = fmt.Errorf("%w: run budget exceeded", domain.ErrTimeout)

// ExecutorConfig bounds agent runs. Zero values select the defaults.
type ExecutorConfig struct {
	MaxTurns           int           `yaml:"max_turns"`
	MaxRepairAttempts  int           `yaml:"max_repair_attempts"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	MaxParallelTools   int           `yaml:"max_parallel_tools"`
	MaxHistoryMessages int           `yaml:"max_history_messages"`
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxRepairAttempts < 0 {
		c.MaxRepairAttempts = 0
	} else if c.MaxRepairAttempts == 0 {
		c.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = DefaultMaxParallelTools
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	return c
}

// ExecutorDeps holds injected dependencies for the executor.
type ExecutorDeps struct {
	Registry  *Registry
	Gateway   domain.ModelGateway
	Validator domain.SchemaValidator
	History   domain.HistoryStore // optional, nil = history is never retained
	Logger    *slog.Logger
	Config    ExecutorConfig
}

// Executor drives agent runs: model turns, tool calls, output validation
// and bounded repair.
type Executor struct {
	deps   ExecutorDeps
	cfg    ExecutorConfig
	locker *SessionLocker
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the given dependencies.
func NewExecutor(deps ExecutorDeps) *Executor {
	return &Executor{
		deps:   deps,
		cfg:    deps.Config.withDefaults(),
		locker: NewSessionLocker(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// RunRequest is one invocation of an agent.
type RunRequest struct {
	Agent   string
	Message string
	Session string // history scope; empty means domain.DefaultSession
}

// Run executes one agent run to a terminal outcome. A failed run returns a
// *domain.RunError.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*domain.AgentResult, error) {
	runID := generateID()
	logger := e.deps.Logger.With("agent", req.Agent, "run_id", runID)
	ctx = domain.ContextWithRun(ctx, runID, req.Agent)

	ctx, span := tracer.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			tracer.StringAttr("agent.name", req.Agent),
			tracer.StringAttr("agent.run_id", runID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeoutCause(ctx, e.cfg.RunTimeout, errRunBudget)
	defer cancel()

	logger.Debug("run started")
	r := &run{e: e, req: req, logger: logger}
	result, err := r.execute(ctx)
	if err != nil {
		runErr := e.terminalError(ctx, req.Agent, err)
		runErr.TurnsUsed = r.turns
		code := domain.ErrorCodeOf(err)
		span.SetAttributes(
			tracer.StringAttr("agent.failure", string(runErr.Kind)),
			tracer.StringAttr("error.code", string(code)),
		)
		tracer.RecordError(span, runErr)
		logger.Warn("run failed", "kind", runErr.Kind, "code", code, "turns", r.turns, "error", err)
		return nil, runErr
	}

	span.SetAttributes(
		tracer.IntAttr("agent.turns", result.TurnsUsed),
		tracer.IntAttr("agent.repairs", result.RepairsUsed),
		tracer.BoolAttr("agent.validated", result.Validated),
	)
	tracer.SetOK(span)
	logger.Info("run succeeded", "turns", result.TurnsUsed, "repairs", result.RepairsUsed, "validated", result.Validated)
	return result, nil
}

// terminalError converts err into the run's Failed outcome. The run context
// decides between Timeout and Cancelled, whatever the failing call reported.
func (e *Executor) terminalError(ctx context.Context, agent string, err error) *domain.RunError {
	var runErr *domain.RunError
	if !errors.As(err, &runErr) {
		runErr = domain.NewRunError(agent, err)
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, domain.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
			runErr.Kind = domain.FailureTimeout
			runErr.Err = errors.Join(cause, err)
		} else {
			runErr.Kind = domain.FailureCancelled
			runErr.Err = errors.Join(domain.ErrCancelled, err)
		}
	}
	return runErr
}

// run is the state of one execution.
type run struct {
	e       *Executor
	req     RunRequest
	logger  *slog.Logger
	turns   int
	repairs int
	usage   domain.Usage
}

func (r *run) execute(ctx context.Context) (*domain.AgentResult, error) {
	e := r.e
	def, err := e.deps.Registry.AgentDefinition(r.req.Agent)
	if err != nil {
		return nil, err
	}
	mc, err := e.deps.Registry.ModelConfig(def.ModelConfigID)
	if err != nil {
		return nil, err
	}

	maxTurns := e.cfg.MaxTurns
	if def.MaxTurns > 0 {
		maxTurns = def.MaxTurns
	}
	maxRepairs := e.cfg.MaxRepairAttempts
	if def.MaxRepairAttempts != nil {
		maxRepairs = *def.MaxRepairAttempts
	}

	var (
		key     domain.HistoryKey
		history []domain.Message
	)
	keepHistory := def.IncludeHistory && e.deps.History != nil
	if keepHistory {
		key = domain.HistoryKey{Agent: def.Name, Session: r.req.Session}
		if key.Session == "" {
			key.Session = domain.DefaultSession
		}
		// Runs of one session see each other's history in order.
		unlock, err := e.locker.Lock(ctx, key.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		defer unlock()

		history, err = e.loadHistory(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	tools, err := e.resolveTools(ctx, def, r.logger)
	if err != nil {
		return nil, err
	}

	conv := newConversation(def, history, r.req.Message, e.now)
	r.logger.Debug("conversation seeded", "history", len(history), "tools", len(tools.descriptors))

	var result *domain.AgentResult
	for {
		if r.turns >= maxTurns {
			return nil, fmt.Errorf("%w: %d model turns", domain.ErrTurnLimit, maxTurns)
		}
		r.turns++

		turn, err := r.modelTurn(ctx, conv, tools, mc)
		if err != nil {
			return nil, err
		}
		r.usage.Add(turn.Usage)

		if turn.Kind == domain.TurnToolCalls {
			results, err := e.dispatch(ctx, def, tools, turn.ToolCalls, r.logger)
			if err != nil {
				runErr := domain.NewRunError(def.Name, err)
				runErr.Outcomes = results
				return nil, runErr
			}
			conv.AddToolTurn(turn, results)
			continue
		}

		if !def.HasSchema() {
			conv.AddAnswer(turn, true)
			result = r.result(turn.Text, false, nil)
			break
		}

		value, violations, err := r.validate(turn.Text, def)
		if err != nil {
			return nil, err
		}
		if len(violations) == 0 {
			conv.AddAnswer(turn, true)
			result = r.result(turn.Text, true, value)
			break
		}

		conv.AddAnswer(turn, false)
		if r.repairs >= maxRepairs {
			runErr := domain.NewRunError(def.Name,
				fmt.Errorf("%w: after %d repair attempt(s)", domain.ErrSchemaValidationExhausted, r.repairs))
			runErr.Violations = violations
			return nil, runErr
		}
		r.repairs++
		r.logger.Info("output failed validation, requesting repair",
			"attempt", r.repairs, "max", maxRepairs, "violations", len(violations))
		conv.AddRepairInstruction(violations, r.repairs, maxRepairs)
	}

	if keepHistory {
		if err := e.saveHistory(ctx, key, conv.Transcript()); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *run) modelTurn(ctx context.Context, conv *Conversation, tools *toolSet, mc domain.ModelConfig) (domain.ModelTurn, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.model_turn",
		trace.WithAttributes(
			tracer.IntAttr("agent.turn", r.turns),
			tracer.StringAttr("llm.model_config", mc.ID),
		),
	)
	defer span.End()

	turn, err := r.e.deps.Gateway.Converse(ctx, conv.Messages(), tools.descriptors, mc)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ModelTurn{}, err
	}
	span.SetAttributes(
		tracer.StringAttr("llm.turn_kind", turn.Kind.String()),
		tracer.IntAttr("llm.tool_calls", len(turn.ToolCalls)),
	)
	tracer.SetOK(span)
	r.logger.Debug("model turn", "turn", r.turns, "kind", turn.Kind, "tool_calls", len(turn.ToolCalls))
	return turn, nil
}

// validate parses and checks a candidate answer. Parse failure is reported
// as a violation; an error means the schema itself is unusable.
func (r *run) validate(text string, def domain.AgentDefinition) (any, []domain.Violation, error) {
	value, parseViolation := r.e.deps.Validator.ParseCandidate(text)
	if parseViolation != nil {
		return nil, []domain.Violation{*parseViolation}, nil
	}
	outcome, err := r.e.deps.Validator.Validate(value, def.OutputSchema)
	if err != nil {
		return nil, nil, domain.NewSubSystemError("agent", "Executor.validate", errors.Join(domain.ErrConfiguration, err), def.Name)
	}
	if !outcome.Valid {
		return nil, outcome.Violations, nil
	}
	return value, nil, nil
}

func (r *run) result(text string, validated bool, payload any) *domain.AgentResult {
	return &domain.AgentResult{
		PrimaryText:       text,
		Validated:         validated,
		StructuredPayload: payload,
		TurnsUsed:         r.turns,
		RepairsUsed:       r.repairs,
		Usage:             r.usage,
	}
}

// loadHistory returns the retained turns for key, with broken tool chains
// repaired and the oldest turns dropped beyond the configured cap.
func (e *Executor) loadHistory(ctx context.Context, key domain.HistoryKey) ([]domain.Message, error) {
	msgs, err := e.deps.History.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return RepairTranscript(trimHistory(msgs, e.cfg.MaxHistoryMessages)), nil
}

func (e *Executor) saveHistory(ctx context.Context, key domain.HistoryKey, msgs []domain.Message) error {
	return e.deps.History.Save(ctx, key, trimHistory(msgs, e.cfg.MaxHistoryMessages))
}

// ResetHistory discards the retained history of one agent session.
func (e *Executor) ResetHistory(ctx context.Context, key domain.HistoryKey) error {
	if e.deps.History == nil {
		return nil
	}
	unlock, err := e.locker.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()
	return e.deps.History.Delete(ctx, key)
}

// trimHistory keeps the newest limit turns, starting at a user turn so the
// kept window never opens with a dangling tool exchange.
func trimHistory(msgs []domain.Message, limit int) []domain.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	start := len(msgs) - limit
	for start < len(msgs) && msgs[start].Role != domain.RoleUser {
		start++
	}
	return msgs[start:]
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// generateID creates a new ULID.
func generateID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
