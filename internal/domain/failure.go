package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind names the terminal reason of a failed agent run.
type FailureKind string

const (
	FailureConfiguration             FailureKind = "configuration"
	FailureProviderUnavailable       FailureKind = "provider_unavailable"
	FailureProviderRejected          FailureKind = "provider_rejected"
	FailureQuotaExceeded             FailureKind = "quota_exceeded"
	FailureToolUnreachable           FailureKind = "tool_unreachable"
	FailureAmbiguousOutcome          FailureKind = "ambiguous_outcome"
	FailureSchemaValidationExhausted FailureKind = "schema_validation_exhausted"
	FailureTurnLimit                 FailureKind = "turn_limit"
	FailureTimeout                   FailureKind = "timeout"
	FailureCancelled                 FailureKind = "cancelled"
	FailureInternal                  FailureKind = "internal"
)

// failureKinds is checked in order; the first sentinel in err's chain wins.
var failureKinds = []struct {
	err  error
	kind FailureKind
}{
	{ErrCancelled, FailureCancelled},
	{ErrTimeout, FailureTimeout},
	{ErrConfiguration, FailureConfiguration},
	{ErrShutdown, FailureConfiguration},
	{ErrQuotaExceeded, FailureQuotaExceeded},
	{ErrProviderRejected, FailureProviderRejected},
	{ErrProviderUnavailable, FailureProviderUnavailable},
	{ErrAmbiguousOutcome, FailureAmbiguousOutcome},
	{ErrToolUnreachable, FailureToolUnreachable},
	{ErrSchemaValidationExhausted, FailureSchemaValidationExhausted},
	{ErrTurnLimit, FailureTurnLimit},
}

// FailureKindOf classifies err into a FailureKind.
func FailureKindOf(err error) FailureKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	for _, fk := range failureKinds {
		if errors.Is(err, fk.err) {
			return fk.kind
		}
	}
	return FailureInternal
}

// RunError is the terminal Failed(kind, detail) outcome of an agent run.
// Partial tool progress is reported only through Outcomes.
type RunError struct {
	Kind       FailureKind
	Agent      string
	Detail     string
	Err        error
	Violations []Violation      // last violations, for schema exhaustion
	Outcomes   []ToolCallResult // tool calls of the turn that ended the run
	RetryAfter time.Duration    // provider cooldown, for quota failures
	TurnsUsed  int
}

// NewRunError builds a RunError, deriving Kind and RetryAfter from err.
func NewRunError(agent string, err error) *RunError {
	return &RunError{
		Kind:       FailureKindOf(err),
		Agent:      agent,
		Err:        err,
		RetryAfter: RetryAfterOf(err),
	}
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent %q failed (%s)", e.Agent, e.Kind)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, " [%d violation(s): %s]", len(e.Violations), e.Violations[0])
	}
	return b.String()
}

func (e *RunError) Unwrap() error { return e.Err }
