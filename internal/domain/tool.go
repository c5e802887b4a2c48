package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeArguments parses the call's arguments into a generic key/value map.
// Empty or null arguments decode to an empty map.
func (c ToolCall) DecodeArguments() (map[string]any, error) {
	args := map[string]any{}
	if len(c.Arguments) == 0 || string(c.Arguments) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(c.Arguments, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	return args, nil
}

// ToolDescriptor is one capability advertised by a tool connector.
type ToolDescriptor struct {
	Connector   string          `json:"connector"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Idempotent  bool            `json:"idempotent"`
	ReadOnly    bool            `json:"read_only"`
}

// Schema returns the function-calling schema sent to the model.
func (d ToolDescriptor) Schema() ToolSchema {
	params := d.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return ToolSchema{Name: d.Name, Description: d.Description, Parameters: params}
}

// ToolCallStatus records how a single tool call ended.
type ToolCallStatus string

const (
	ToolStatusSucceeded        ToolCallStatus = "succeeded"
	ToolStatusExecutionError   ToolCallStatus = "execution_error"
	ToolStatusUnknownTool      ToolCallStatus = "unknown_tool"
	ToolStatusInvalidArguments ToolCallStatus = "invalid_arguments"
	ToolStatusUnreachable      ToolCallStatus = "unreachable"
	ToolStatusAmbiguous        ToolCallStatus = "ambiguous"
	ToolStatusCancelled        ToolCallStatus = "cancelled"
)

// ForwardsToModel reports whether a call with this status is returned to the
// model as a tool turn instead of ending the run.
func (s ToolCallStatus) ForwardsToModel() bool {
	switch s {
	case ToolStatusSucceeded, ToolStatusExecutionError, ToolStatusUnknownTool, ToolStatusInvalidArguments:
		return true
	default:
		return false
	}
}

// ToolCallResult is the outcome of one tool call.
type ToolCallResult struct {
	CallID      string         `json:"call_id"`
	ToolName    string         `json:"tool_name"`
	Success     bool           `json:"success"`
	Payload     string         `json:"payload,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Status      ToolCallStatus `json:"status"`
	Attempts    int            `json:"attempts,omitempty"`
}

// Content is the text handed back to the model in the tool turn.
func (r ToolCallResult) Content() string {
	if r.Success {
		return r.Payload
	}
	return fmt.Sprintf("[error:%s] %s", r.Status, r.ErrorDetail)
}

// Message converts the result into a tool-role conversation turn.
func (r ToolCallResult) Message() Message {
	return Message{
		Role:      RoleTool,
		Name:      r.ToolName,
		Content:   r.Content(),
		ToolCalls: []ToolCall{{ID: r.CallID, Name: r.ToolName}},
	}
}

// ToolConnector is a uniform client for one remote tool server.
//
// Invoke returns a nil error when the remote tool ran, whether it succeeded
// or reported an execution error. Failures of the call itself are returned
// as errors wrapping ErrUnknownTool, ErrInvalidToolArguments,
// ErrToolUnreachable, ErrAmbiguousOutcome or ErrCancelled.
type ToolConnector interface {
	Name() string
	ListCapabilities(ctx context.Context) ([]ToolDescriptor, error)
	InvalidateCapabilities()
	Invoke(ctx context.Context, toolName string, args map[string]any) (ToolCallResult, error)
	Close() error
}
