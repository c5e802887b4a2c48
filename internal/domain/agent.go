package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// CapabilityTools is the connector capability that exposes tool listing and invocation.
const CapabilityTools = "tools"

// AgentDefinition is a named, immutable agent configuration.
type AgentDefinition struct {
	Name               string          `json:"name"                          yaml:"name"`
	Description        string          `json:"description,omitempty"         yaml:"description,omitempty"`
	SystemPrompt       string          `json:"system_prompt"                 yaml:"system_prompt"`
	ToolConnectorNames []string        `json:"tool_connectors,omitempty"     yaml:"tool_connectors,omitempty"`
	ModelConfigID      string          `json:"model"                         yaml:"model"`
	OutputSchema       json.RawMessage `json:"output_schema,omitempty"       yaml:"-"`
	IncludeHistory     bool            `json:"include_history"               yaml:"include_history"`
	MaxTurns           int             `json:"max_turns,omitempty"           yaml:"max_turns,omitempty"`
	MaxRepairAttempts  *int            `json:"max_repair_attempts,omitempty" yaml:"max_repair_attempts,omitempty"`
	ParallelToolCalls  bool            `json:"parallel_tool_calls,omitempty" yaml:"parallel_tool_calls,omitempty"`
}

// HasSchema reports whether the agent declares an output schema.
func (d AgentDefinition) HasSchema() bool {
	return len(d.OutputSchema) > 0 && string(d.OutputSchema) != "null"
}

// Clone returns a deep copy so registered definitions cannot be mutated by callers.
func (d AgentDefinition) Clone() AgentDefinition {
	c := d
	c.ToolConnectorNames = slices.Clone(d.ToolConnectorNames)
	c.OutputSchema = slices.Clone(d.OutputSchema)
	if d.MaxRepairAttempts != nil {
		n := *d.MaxRepairAttempts
		c.MaxRepairAttempts = &n
	}
	return c
}

// ModelConfig binds a provider, a model name and its parameters under an ID.
type ModelConfig struct {
	ID                string         `json:"id"                            yaml:"id"`
	Provider          string         `json:"provider"                      yaml:"provider"`
	ModelName         string         `json:"model"                         yaml:"model"`
	MaxTokens         int            `json:"max_tokens,omitempty"          yaml:"max_tokens,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"         yaml:"temperature,omitempty"`
	BaseURL           string         `json:"base_url,omitempty"            yaml:"base_url,omitempty"`
	APIKey            string         `json:"-"                             yaml:"api_key,omitempty"`
	Region            string         `json:"region,omitempty"              yaml:"region,omitempty"`
	Timeout           time.Duration  `json:"timeout,omitempty"             yaml:"timeout,omitempty"`
	RequestsPerMinute int            `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	Params            map[string]any `json:"params,omitempty"              yaml:"params,omitempty"`
}

// Clone returns a deep copy of the top-level parameter map.
func (m ModelConfig) Clone() ModelConfig {
	c := m
	c.Params = maps.Clone(m.Params)
	return c
}

// ToolConnectorConfig describes how to reach one remote tool server.
type ToolConnectorConfig struct {
	Name         string            `json:"name"                    yaml:"name"`
	Transport    string            `json:"transport"               yaml:"transport"` // "http" or "stdio"
	Endpoint     string            `json:"endpoint,omitempty"      yaml:"endpoint,omitempty"`
	Command      string            `json:"command,omitempty"       yaml:"command,omitempty"`
	Args         []string          `json:"args,omitempty"          yaml:"args,omitempty"`
	Env          map[string]string `json:"-"                       yaml:"env,omitempty"`
	Headers      map[string]string `json:"-"                       yaml:"headers,omitempty"`
	Capabilities []string          `json:"capabilities"            yaml:"capabilities"`
	CallTimeout  time.Duration     `json:"call_timeout,omitempty"  yaml:"call_timeout,omitempty"`
	MaxAttempts  int               `json:"max_attempts,omitempty"  yaml:"max_attempts,omitempty"`
	// IndependentTools may run concurrently with other calls in the same turn
	// even when the server does not annotate them as read-only.
	IndependentTools []string `json:"independent_tools,omitempty" yaml:"independent_tools,omitempty"`
}

// HasCapability reports whether the connector declares capability c.
func (c ToolConnectorConfig) HasCapability(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Clone returns a deep copy.
func (c ToolConnectorConfig) Clone() ToolConnectorConfig {
	cp := c
	cp.Args = slices.Clone(c.Args)
	cp.Env = maps.Clone(c.Env)
	cp.Headers = maps.Clone(c.Headers)
	cp.Capabilities = slices.Clone(c.Capabilities)
	cp.IndependentTools = slices.Clone(c.IndependentTools)
	return cp
}

// AgentResult is the successful outcome of one agent run. It carries no run
// identifiers, so two runs over deterministic collaborators compare equal.
type AgentResult struct {
	PrimaryText       string `json:"primary_text"`
	Validated         bool   `json:"validated"`
	StructuredPayload any    `json:"structured_payload,omitempty"`
	TurnsUsed         int    `json:"turns_used"`
	RepairsUsed       int    `json:"repairs_used"`
	Usage             Usage  `json:"usage"`
}
