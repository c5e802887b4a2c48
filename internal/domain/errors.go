package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve
// a subsystem-specific code.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Configuration errors are caller bugs and are never retried.
var (
	ErrConfiguration       = fmt.Errorf("configuration error")
	ErrDuplicateDefinition = fmt.Errorf("duplicate definition: %w", ErrConfiguration)
	ErrUnknownReference    = fmt.Errorf("unknown reference: %w", ErrConfiguration)
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrDecryption          = fmt.Errorf("decryption failed")
)

// Model gateway errors.
var (
	ErrProviderUnavailable = fmt.Errorf("provider unavailable")
	ErrProviderRejected    = fmt.Errorf("provider rejected request")
	ErrQuotaExceeded       = fmt.Errorf("provider quota exceeded")
)

// Tool connector errors.
var (
	ErrUnknownTool          = fmt.Errorf("unknown tool")
	ErrInvalidToolArguments = fmt.Errorf("invalid tool arguments")
	ErrToolUnreachable      = fmt.Errorf("tool server unreachable")
	ErrToolExecution        = fmt.Errorf("tool execution failed")
	ErrAmbiguousOutcome     = fmt.Errorf("tool call outcome is ambiguous")
)

// Validation and run lifecycle errors.
var (
	ErrInvalidSchema             = fmt.Errorf("invalid schema document")
	ErrNotValidJSON              = fmt.Errorf("output is not valid JSON")
	ErrSchemaValidationExhausted = fmt.Errorf("schema validation repair attempts exhausted")
	ErrTurnLimit                 = fmt.Errorf("agent reached max turns")
	ErrCancelled                 = fmt.Errorf("run cancelled")
	ErrShutdown                  = fmt.Errorf("runtime is shut down")
	ErrHistoryStore              = fmt.Errorf("history store failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.RegisterAgentDefinition")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent", "model"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// QuotaError reports a provider quota rejection together with the cooldown
// the provider asked for. It matches ErrQuotaExceeded.
type QuotaError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *QuotaError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %s", ErrQuotaExceeded, e.RetryAfter, e.Detail)
	}
	return fmt.Sprintf("%s: %s", ErrQuotaExceeded, e.Detail)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// RetryAfterOf returns the cooldown carried by a QuotaError in err's chain.
func RetryAfterOf(err error) time.Duration {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrToolUnreachable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	CodeConfiguration       ErrorCode = "CONFIGURATION"
	CodeDuplicateDefinition ErrorCode = "DUPLICATE_DEFINITION"
	CodeUnknownReference    ErrorCode = "UNKNOWN_REFERENCE"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"

	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"

	CodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	CodeInvalidToolArgs  ErrorCode = "INVALID_TOOL_ARGUMENTS"
	CodeToolUnreachable  ErrorCode = "TOOL_UNREACHABLE"
	CodeToolExecution    ErrorCode = "TOOL_EXECUTION"
	CodeAmbiguousOutcome ErrorCode = "AMBIGUOUS_OUTCOME"

	CodeInvalidSchema     ErrorCode = "INVALID_SCHEMA"
	CodeNotValidJSON      ErrorCode = "NOT_VALID_JSON"
	CodeSchemaExhausted   ErrorCode = "SCHEMA_VALIDATION_EXHAUSTED"
	CodeTurnLimit         ErrorCode = "TURN_LIMIT"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeShutdown          ErrorCode = "SHUTDOWN"
	CodeHistoryStore      ErrorCode = "HISTORY_STORE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentDuplicate     ErrorCode = "AGENT_DUPLICATE"
	CodeModelDuplicate     ErrorCode = "MODEL_CONFIG_DUPLICATE"
	CodeConnectorDuplicate ErrorCode = "CONNECTOR_DUPLICATE"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeModelNotFound      ErrorCode = "MODEL_CONFIG_NOT_FOUND"
	CodeConnectorNotFound  ErrorCode = "CONNECTOR_NOT_FOUND"
	CodeModelTimeout       ErrorCode = "MODEL_TIMEOUT"
	CodeToolTimeout        ErrorCode = "TOOL_TIMEOUT"

	// Category codes, used when nothing more specific matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// errorCodes lists sentinel → code pairs, most specific first. Several
// sentinels wrap ErrConfiguration, so chain matching must respect this order.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrDuplicateDefinition, CodeDuplicateDefinition},
	{ErrUnknownReference, CodeUnknownReference},
	{ErrConfiguration, CodeConfiguration},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrProviderUnavailable, CodeProviderUnavailable},
	{ErrProviderRejected, CodeProviderRejected},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrUnknownTool, CodeUnknownTool},
	{ErrInvalidToolArguments, CodeInvalidToolArgs},
	{ErrToolUnreachable, CodeToolUnreachable},
	{ErrToolExecution, CodeToolExecution},
	{ErrAmbiguousOutcome, CodeAmbiguousOutcome},
	{ErrInvalidSchema, CodeInvalidSchema},
	{ErrNotValidJSON, CodeNotValidJSON},
	{ErrSchemaValidationExhausted, CodeSchemaExhausted},
	{ErrTurnLimit, CodeTurnLimit},
	{ErrCancelled, CodeCancelled},
	{ErrShutdown, CodeShutdown},
	{ErrHistoryStore, CodeHistoryStore},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
}

var errorCodeMap = func() map[error]ErrorCode {
	m := make(map[error]ErrorCode, len(errorCodes))
	for _, ec := range errorCodes {
		m[ec.err] = ec.code
	}
	return m
}()

// subSystemCodeMap maps (sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrDuplicateDefinition: {
		"agent":     CodeAgentDuplicate,
		"model":     CodeModelDuplicate,
		"connector": CodeConnectorDuplicate,
	},
	ErrUnknownReference: {
		"agent":     CodeAgentNotFound,
		"model":     CodeModelNotFound,
		"connector": CodeConnectorNotFound,
	},
	ErrTimeout: {
		"model": CodeModelTimeout,
		"tool":  CodeToolTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	if code := domainCode(err); code != CodeUnknown {
		return code
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// domainCode returns the first specific code of a DomainError in err's tree,
// so an op wrapper does not hide the subsystem error it wraps.
func domainCode(err error) ErrorCode {
	switch e := err.(type) {
	case nil:
		return CodeUnknown
	case *DomainError:
		if e == nil {
			return CodeUnknown
		}
		if code := e.Code(); code != CodeUnknown {
			return code
		}
		return domainCode(e.Err)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if code := domainCode(inner); code != CodeUnknown {
				return code
			}
		}
		return CodeUnknown
	default:
		return domainCode(errors.Unwrap(err))
	}
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
