package usecase

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"agentrun/internal/domain"
)

// maxListedViolations caps the violations spelled out in one repair instruction.
const maxListedViolations = 20

// Conversation is the state of one agent run. It is owned by a single run
// and never shared.
//
// msgs is what the model sees. transcript is the subset that is persisted as
// history: the user message, tool exchanges and the accepted answer, without
// rejected candidates or repair instructions.
type Conversation struct {
	msgs       []domain.Message
	transcript []domain.Message
	now        func() time.Time
}

// newConversation seeds the conversation with the system prompt, prior
// history and the user message.
func newConversation(def domain.AgentDefinition, history []domain.Message, userMessage string, now func() time.Time) *Conversation {
	c := &Conversation{now: now}

	if system := systemPrompt(def); system != "" {
		c.msgs = append(c.msgs, domain.Message{Role: domain.RoleSystem, Content: system, Timestamp: now()})
	}
	for _, m := range history {
		if m.Role != domain.RoleSystem {
			c.msgs = append(c.msgs, m)
			c.transcript = append(c.transcript, m)
		}
	}
	c.add(domain.Message{Role: domain.RoleUser, Content: userMessage}, true)
	return c
}

// Messages returns the turns sent to the model.
func (c *Conversation) Messages() []domain.Message { return c.msgs }

// Transcript returns the turns to persist as history.
func (c *Conversation) Transcript() []domain.Message { return slices.Clone(c.transcript) }

func (c *Conversation) add(m domain.Message, persist bool) {
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now()
	}
	c.msgs = append(c.msgs, m)
	if persist {
		c.transcript = append(c.transcript, m)
	}
}

// AddToolTurn appends an assistant tool-call turn followed by its results in
// request order.
func (c *Conversation) AddToolTurn(turn domain.ModelTurn, results []domain.ToolCallResult) {
	c.add(turn.Message(c.now()), true)
	for _, r := range results {
		c.add(r.Message(), true)
	}
}

// AddAnswer appends a final answer. Accepted answers are persisted; a
// candidate that failed validation stays visible to the model only.
func (c *Conversation) AddAnswer(turn domain.ModelTurn, accepted bool) {
	c.add(turn.Message(c.now()), accepted)
}

// AddRepairInstruction appends the user turn asking the model to fix its output.
func (c *Conversation) AddRepairInstruction(violations []domain.Violation, attempt, maxAttempts int) {
	c.add(domain.Message{Role: domain.RoleUser, Content: repairInstruction(violations, attempt, maxAttempts)}, false)
}

// systemPrompt returns the agent prompt, extended with the output contract
// when the agent declares a schema.
func systemPrompt(def domain.AgentDefinition) string {
	if !def.HasSchema() {
		return def.SystemPrompt
	}

	var b strings.Builder
	if def.SystemPrompt != "" {
		b.WriteString(def.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Your final answer must be a single JSON value that conforms to this JSON Schema. ")
	b.WriteString("Reply with the JSON only, without commentary or markdown.\n")
	b.WriteString(compactJSON(def.OutputSchema))
	return b.String()
}

// repairInstruction lists the violations of the last candidate.
func repairInstruction(violations []domain.Violation, attempt, maxAttempts int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous answer does not conform to the required JSON Schema (repair attempt %d of %d).\n", attempt, maxAttempts)
	b.WriteString("Fix these problems:\n")
	for i, v := range violations {
		if i == maxListedViolations {
			fmt.Fprintf(&b, "- ... and %d more\n", len(violations)-i)
			break
		}
		fmt.Fprintf(&b, "- %s\n", v)
	}
	b.WriteString("Reply again with the complete corrected JSON value only.")
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
