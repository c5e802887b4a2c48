package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn of a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ToolCallID returns the call ID a tool-role message answers.
func (m Message) ToolCallID() string {
	if m.Role == RoleTool && len(m.ToolCalls) > 0 {
		return m.ToolCalls[0].ID
	}
	return ""
}

// HasUserTurn reports whether msgs contains at least one user turn.
func HasUserTurn(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Tools       []ToolSchema   `json:"tools,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// ChatResponse is returned from an LLM provider.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// TurnKind discriminates a ModelTurn.
type TurnKind int

const (
	TurnFinalAnswer TurnKind = iota + 1
	TurnToolCalls
)

func (k TurnKind) String() string {
	switch k {
	case TurnFinalAnswer:
		return "final_answer"
	case TurnToolCalls:
		return "tool_calls_requested"
	default:
		return "unknown"
	}
}

// ModelTurn is the normalized reply of the model gateway: either a final
// text answer or a list of requested tool calls.
type ModelTurn struct {
	Kind      TurnKind
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Message converts the turn into the assistant message appended to a conversation.
func (t ModelTurn) Message(now time.Time) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   t.Text,
		ToolCalls: t.ToolCalls,
		Timestamp: now,
	}
}
