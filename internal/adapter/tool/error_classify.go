package tool

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"agentrun/internal/domain"
)

// callFailure is how a failed CallTool maps onto the tool taxonomy.
type callFailure int

const (
	// failureNotDelivered: the request never reached the server.
	failureNotDelivered callFailure = iota + 1
	// failureInFlight: the request was sent and the connection broke or timed out
	// before a response arrived, so the server may or may not have run the tool.
	failureInFlight
	// failureRemoteRejected: the server answered with a JSON-RPC error.
	failureRemoteRejected
	// failureRemoteInvalidParams: the server rejected the arguments.
	failureRemoteInvalidParams
	// failureCancelled: the caller cancelled the run.
	failureCancelled
)

// notDeliveredPatterns are substrings of transport errors raised before the
// request was written. Checked case-insensitively.
var notDeliveredPatterns = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"no route to host",
	"transport closed",
	"client not initialized",
	"status 502",
	"status 503",
}

// classifyCallError decides what a CallTool error means. parent is the
// caller's context; the per-call timeout lives on a child of it.
func classifyCallError(parent context.Context, err error) callFailure {
	if parent.Err() != nil {
		return failureCancelled
	}
	if errors.Is(err, mcp.ErrInvalidParams) {
		return failureRemoteInvalidParams
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mcp.ErrRequestInterrupted) {
		return failureInFlight
	}
	if isDialError(err) || errors.Is(err, transport.ErrTransportClosed) {
		return failureNotDelivered
	}

	lower := strings.ToLower(err.Error())
	for _, p := range notDeliveredPatterns {
		if strings.Contains(lower, p) {
			return failureNotDelivered
		}
	}

	// Transport failures are wrapped by the client; anything else is a
	// JSON-RPC error the server sent back.
	var te *transport.Error
	if errors.As(err, &te) {
		return failureInFlight
	}
	return failureRemoteRejected
}

// isDialError reports whether err came from establishing a connection.
func isDialError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// failureResult converts a classified failure into the result and error
// returned by Invoke. idempotent is the tool's declared idempotency.
func failureResult(f callFailure, idempotent bool, toolName string, err error) (domain.ToolCallResult, error) {
	res := domain.ToolCallResult{ToolName: toolName, ErrorDetail: err.Error()}
	switch f {
	case failureCancelled:
		res.Status = domain.ToolStatusCancelled
		return res, domain.WrapOp("invoke", errors.Join(domain.ErrCancelled, err))
	case failureRemoteInvalidParams:
		res.Status = domain.ToolStatusInvalidArguments
		return res, domain.WrapOp("invoke", errors.Join(domain.ErrInvalidToolArguments, err))
	case failureRemoteRejected:
		// The server answered, so the outcome is known: report it to the model.
		res.Status = domain.ToolStatusExecutionError
		return res, nil
	case failureNotDelivered:
		res.Status = domain.ToolStatusUnreachable
		return res, domain.WrapOp("invoke", errors.Join(domain.ErrToolUnreachable, err))
	default:
		if idempotent {
			res.Status = domain.ToolStatusUnreachable
			return res, domain.WrapOp("invoke", errors.Join(domain.ErrToolUnreachable, err))
		}
		res.Status = domain.ToolStatusAmbiguous
		return res, domain.WrapOp("invoke", errors.Join(domain.ErrAmbiguousOutcome, err))
	}
}
