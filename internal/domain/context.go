package domain

import "context"

type ctxKey string

const (
	runIDCtxKey ctxKey = "run_id"
	agentCtxKey ctxKey = "agent"
)

// ContextWithRun returns a new context carrying the run ID (ULID) and agent name.
func ContextWithRun(ctx context.Context, runID, agent string) context.Context {
	ctx = context.WithValue(ctx, runIDCtxKey, runID)
	return context.WithValue(ctx, agentCtxKey, agent)
}

// RunIDFromContext extracts the run ID from the context.
// Returns empty string if not set.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDCtxKey).(string); ok {
		return v
	}
	return ""
}

// AgentFromContext extracts the agent name from the context.
func AgentFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentCtxKey).(string); ok {
		return v
	}
	return ""
}
