package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentrun/internal/domain"
	"agentrun/internal/infra/tracer"
)

// defaultToolAttempts is how often an unreachable tool call is tried: the
// first call plus one retry.
const defaultToolAttempts = 2

// boundTool is a tool reachable through one of the agent's connectors.
type boundTool struct {
	connector   domain.ToolConnector
	desc        domain.ToolDescriptor
	maxAttempts int
	independent bool // may run concurrently with other calls of a turn
}

// toolSet is the tools an agent can call during one run.
type toolSet struct {
	byName      map[string]boundTool
	descriptors []domain.ToolDescriptor
}

func (ts *toolSet) names() []string {
	names := make([]string, 0, len(ts.descriptors))
	for _, d := range ts.descriptors {
		names = append(names, d.Name)
	}
	return names
}

// resolveTools binds the agent's connectors and lists their tools. An
// unknown connector is a configuration error; the first connector to offer
// a tool name wins.
func (e *Executor) resolveTools(ctx context.Context, def domain.AgentDefinition, logger *slog.Logger) (*toolSet, error) {
	ts := &toolSet{byName: make(map[string]boundTool)}

	for _, name := range def.ToolConnectorNames {
		cfg, err := e.deps.Registry.ConnectorConfig(name)
		if err != nil {
			return nil, err
		}
		conn, err := e.deps.Registry.Connector(name)
		if err != nil {
			return nil, err
		}
		attempts := cfg.MaxAttempts
		if attempts <= 0 {
			attempts = defaultToolAttempts
		}

		descs, err := e.listWithRetry(ctx, conn, attempts, logger)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			if prev, dup := ts.byName[d.Name]; dup {
				logger.Warn("tool name offered by several connectors, keeping the first",
					"tool", d.Name, "kept", prev.desc.Connector, "ignored", name)
				continue
			}
			ts.byName[d.Name] = boundTool{
				connector:   conn,
				desc:        d,
				maxAttempts: attempts,
				independent: d.ReadOnly || slices.Contains(cfg.IndependentTools, d.Name),
			}
			ts.descriptors = append(ts.descriptors, d)
		}
	}
	return ts, nil
}

func (e *Executor) listWithRetry(ctx context.Context, conn domain.ToolConnector, attempts int, logger *slog.Logger) ([]domain.ToolDescriptor, error) {
	for attempt := 1; ; attempt++ {
		descs, err := conn.ListCapabilities(ctx)
		if err == nil {
			return descs, nil
		}
		if !errors.Is(err, domain.ErrToolUnreachable) || attempt >= attempts || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn("tool listing failed, retrying", "connector", conn.Name(), "attempt", attempt, "error", err)
		if err := e.sleep(ctx, retryBackoff(attempt-1)); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
	}
}

// dispatch runs the calls of one model turn and returns their results in
// request order. All calls finish before dispatch returns. The error is the
// first terminal outcome in request order, if any.
func (e *Executor) dispatch(ctx context.Context, def domain.AgentDefinition, tools *toolSet, calls []domain.ToolCall, logger *slog.Logger) ([]domain.ToolCallResult, error) {
	results := make([]domain.ToolCallResult, len(calls))
	errs := make([]error, len(calls))

	if e.canRunConcurrently(def, tools, calls) {
		var g errgroup.Group
		g.SetLimit(e.cfg.MaxParallelTools)
		for i, call := range calls {
			g.Go(func() error {
				results[i], errs[i] = e.callTool(ctx, tools, call, logger)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			results[i], errs[i] = e.callTool(ctx, tools, call, logger)
			// Later calls may depend on this one; do not start them.
			if errs[i] != nil {
				for j := i + 1; j < len(calls); j++ {
					results[j] = notStarted(calls[j])
				}
				break
			}
		}
	}

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// canRunConcurrently reports whether every call in the turn is declared
// independent of the others.
func (e *Executor) canRunConcurrently(def domain.AgentDefinition, tools *toolSet, calls []domain.ToolCall) bool {
	if !def.ParallelToolCalls || len(calls) < 2 || e.cfg.MaxParallelTools < 2 {
		return false
	}
	for _, call := range calls {
		bt, ok := tools.byName[call.Name]
		if ok && !bt.independent {
			return false
		}
	}
	return true
}

// callTool runs one call, retrying only outcomes that were never delivered.
// A nil error means the result is forwarded to the model.
func (e *Executor) callTool(ctx context.Context, tools *toolSet, call domain.ToolCall, logger *slog.Logger) (domain.ToolCallResult, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.tool_call",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	res, err := e.invokeWithRetry(ctx, tools, call, logger)
	res.CallID = call.ID
	res.ToolName = call.Name

	span.SetAttributes(
		tracer.StringAttr("tool.status", string(res.Status)),
		tracer.IntAttr("tool.attempts", res.Attempts),
	)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "status", res.Status, "error", err)
		return res, err
	}
	tracer.SetOK(span)
	logger.Debug("tool call finished", "tool", call.Name, "call_id", call.ID, "status", res.Status, "attempts", res.Attempts)
	return res, nil
}

func (e *Executor) invokeWithRetry(ctx context.Context, tools *toolSet, call domain.ToolCall, logger *slog.Logger) (domain.ToolCallResult, error) {
	bt, ok := tools.byName[call.Name]
	if !ok {
		return domain.ToolCallResult{
			Status:      domain.ToolStatusUnknownTool,
			ErrorDetail: fmt.Sprintf("unknown tool %q; available tools: %s", call.Name, strings.Join(tools.names(), ", ")),
		}, nil
	}

	args, err := call.DecodeArguments()
	if err != nil {
		return domain.ToolCallResult{
			Status:      domain.ToolStatusInvalidArguments,
			ErrorDetail: err.Error(),
		}, nil
	}

	for attempt := 1; ; attempt++ {
		res, err := bt.connector.Invoke(ctx, call.Name, args)
		res.Attempts = attempt
		if err == nil {
			return res, nil
		}
		if res.Status == "" {
			res.Status = statusOf(err)
		}
		if res.ErrorDetail == "" {
			res.ErrorDetail = err.Error()
		}
		if res.Status.ForwardsToModel() {
			return res, nil
		}
		if res.Status != domain.ToolStatusUnreachable || attempt >= bt.maxAttempts || ctx.Err() != nil {
			return res, err
		}

		delay := retryBackoff(attempt - 1)
		logger.Warn("tool unreachable, retrying", "tool", call.Name, "attempt", attempt, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			res.Status = domain.ToolStatusCancelled
			res.ErrorDetail = "cancelled while waiting to retry"
			return res, fmt.Errorf("%w: %v", domain.ErrCancelled, serr)
		}
	}
}

// statusOf derives a call status from a connector error that came without one.
func statusOf(err error) domain.ToolCallStatus {
	switch {
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ToolStatusCancelled
	case errors.Is(err, domain.ErrUnknownTool):
		return domain.ToolStatusUnknownTool
	case errors.Is(err, domain.ErrInvalidToolArguments):
		return domain.ToolStatusInvalidArguments
	case errors.Is(err, domain.ErrAmbiguousOutcome):
		return domain.ToolStatusAmbiguous
	case errors.Is(err, domain.ErrToolUnreachable):
		return domain.ToolStatusUnreachable
	default:
		// An unclassified failure may have happened after delivery.
		return domain.ToolStatusAmbiguous
	}
}

func notStarted(call domain.ToolCall) domain.ToolCallResult {
	return domain.ToolCallResult{
		CallID:      call.ID,
		ToolName:    call.Name,
		Status:      domain.ToolStatusCancelled,
		ErrorDetail: "not started: an earlier call in the same turn failed",
	}
}
