package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Output schemas are compiled later, when agents are registered.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRuntime(cfg, ve)
	validateModels(cfg, ve)
	validateConnectors(cfg, ve)
	validateAgents(cfg, ve)
	validateHistory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRuntime(cfg *Config, ve *ValidationError) {
	rt := cfg.Runtime
	if rt.MaxTurns <= 0 {
		ve.Add("runtime.max_turns must be > 0")
	}
	if rt.MaxRepairAttempts < 0 {
		ve.Add("runtime.max_repair_attempts must be >= 0")
	}
	if rt.RunTimeout <= 0 {
		ve.Add("runtime.run_timeout must be > 0")
	}
	if rt.MaxParallelTools <= 0 {
		ve.Add("runtime.max_parallel_tools must be > 0")
	}
	if rt.MaxHistoryMessages <= 0 {
		ve.Add("runtime.max_history_messages must be > 0")
	}
	if rt.ModelCallTimeout <= 0 {
		ve.Add("runtime.model_call_timeout must be > 0")
	}
	if rt.Retry.MaxAttempts <= 0 {
		ve.Add("runtime.retry.max_attempts must be > 0")
	}
	if rt.Retry.MaxDelay > 0 && rt.Retry.BaseDelay > rt.Retry.MaxDelay {
		ve.Add("runtime.retry.base_delay must not exceed runtime.retry.max_delay")
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"openrouter": true,
	"groq":       true,
	"ollama":     true,
	"bedrock":    true,
}

// providersWithoutKey authenticate through the environment or run locally.
var providersWithoutKey = map[string]bool{
	"ollama":  true,
	"bedrock": true,
}

func validateModels(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, m := range cfg.Models {
		if m.ID == "" {
			ve.Add("models[%d].id must not be empty", i)
			continue
		}
		if seen[m.ID] {
			ve.Add("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true

		if !validProviderTypes[m.Provider] {
			ve.Add("models[%d] (%s): invalid provider %q", i, m.ID, m.Provider)
		}
		if m.ModelName == "" {
			ve.Add("models[%d] (%s): model must not be empty", i, m.ID)
		}
		if m.APIKey == "" && !providersWithoutKey[m.Provider] {
			ve.Add("models[%d] (%s): api_key must not be empty (set it or AGENTRUN_%s_API_KEY)",
				i, m.ID, strings.ToUpper(m.Provider))
		}
		if m.MaxTokens < 0 {
			ve.Add("models[%d] (%s): max_tokens must be >= 0", i, m.ID)
		}
		if m.Temperature < 0 || m.Temperature > 2 {
			ve.Add("models[%d] (%s): temperature must be within [0, 2]", i, m.ID)
		}
		if m.RequestsPerMinute < 0 {
			ve.Add("models[%d] (%s): requests_per_minute must be >= 0", i, m.ID)
		}
		if m.BaseURL != "" {
			if u, err := url.Parse(m.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("models[%d] (%s): invalid base_url %q", i, m.ID, m.BaseURL)
			}
		}
	}
}

func validateConnectors(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, c := range cfg.Connectors {
		if c.Name == "" {
			ve.Add("connectors[%d].name must not be empty", i)
			continue
		}
		if seen[c.Name] {
			ve.Add("connectors[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true

		switch c.Transport {
		case "http":
			u, err := url.Parse(c.Endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				ve.Add("connectors[%d] (%s): endpoint must be an http(s) URL, got %q", i, c.Name, c.Endpoint)
			}
		case "stdio":
			if c.Command == "" {
				ve.Add("connectors[%d] (%s): command is required for stdio transport", i, c.Name)
			}
		default:
			ve.Add("connectors[%d] (%s): transport must be \"http\" or \"stdio\", got %q", i, c.Name, c.Transport)
		}
		if c.CallTimeout < 0 {
			ve.Add("connectors[%d] (%s): call_timeout must be >= 0", i, c.Name)
		}
		if c.MaxAttempts < 0 {
			ve.Add("connectors[%d] (%s): max_attempts must be >= 0", i, c.Name)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m.ID] = true
	}
	connectors := make(map[string]bool, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		connectors[c.Name] = true
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name must not be empty", i)
			continue
		}
		if seen[a.Name] {
			ve.Add("agents[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true

		if a.ModelConfigID == "" {
			ve.Add("agents[%d] (%s): model must not be empty", i, a.Name)
		} else if !models[a.ModelConfigID] {
			ve.Add("agents[%d] (%s): unknown model %q", i, a.Name, a.ModelConfigID)
		}
		for _, name := range a.ToolConnectorNames {
			if !connectors[name] {
				ve.Add("agents[%d] (%s): unknown tool connector %q", i, a.Name, name)
			}
		}
		if a.MaxTurns < 0 {
			ve.Add("agents[%d] (%s): max_turns must be >= 0", i, a.Name)
		}
		if a.MaxRepairAttempts != nil && *a.MaxRepairAttempts < 0 {
			ve.Add("agents[%d] (%s): max_repair_attempts must be >= 0", i, a.Name)
		}
		if a.Schema != nil && a.SchemaFile != "" {
			ve.Add("agents[%d] (%s): output_schema and output_schema_file are exclusive", i, a.Name)
		}
		if a.IncludeHistory && cfg.History.Backend == "none" {
			ve.Add("agents[%d] (%s): include_history needs a history backend", i, a.Name)
		}
	}
}

var validHistoryBackends = map[string]bool{
	"memory": true,
	"sqlite": true,
	"none":   true,
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if !validHistoryBackends[cfg.History.Backend] {
		ve.Add("history.backend must be \"memory\", \"sqlite\" or \"none\", got %q", cfg.History.Backend)
	}
	if cfg.History.Backend == "sqlite" && cfg.History.Path == "" {
		ve.Add("history.path is required for the sqlite backend")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be \"text\" or \"json\", got %q", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter must be \"noop\" or \"stdout\", got %q", cfg.Tracer.Exporter)
	}
}
