package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"agentrun/internal/domain"
)

// ConnectorFactory creates the live connector for a registered connector config.
type ConnectorFactory func(cfg domain.ToolConnectorConfig, logger *slog.Logger) (domain.ToolConnector, error)

// Registry holds model configs, connector configs and agent definitions by
// key. Registrations are immutable; getters return copies. Connectors are
// created on first use and cached until CloseConnectors.
type Registry struct {
	mu            sync.RWMutex
	models        map[string]domain.ModelConfig
	connectorCfgs map[string]domain.ToolConnectorConfig
	agents        map[string]domain.AgentDefinition

	connMu     sync.Mutex
	connectors map[string]domain.ToolConnector
	closed     bool

	newConnector ConnectorFactory
	validator    domain.SchemaValidator
	logger       *slog.Logger
}

// NewRegistry creates an empty registry. validator checks output schemas at
// registration time and may be nil to skip that check.
func NewRegistry(validator domain.SchemaValidator, newConnector ConnectorFactory, logger *slog.Logger) *Registry {
	return &Registry{
		models:        make(map[string]domain.ModelConfig),
		connectorCfgs: make(map[string]domain.ToolConnectorConfig),
		agents:        make(map[string]domain.AgentDefinition),
		connectors:    make(map[string]domain.ToolConnector),
		newConnector:  newConnector,
		validator:     validator,
		logger:        logger,
	}
}

// RegisterModelConfig adds a model config under mc.ID.
func (r *Registry) RegisterModelConfig(mc domain.ModelConfig) error {
	const op = "Registry.RegisterModelConfig"
	if mc.ID == "" {
		return domain.NewSubSystemError("model", op, domain.ErrConfiguration, "model config id is required")
	}
	if mc.Provider == "" || mc.ModelName == "" {
		return domain.NewSubSystemError("model", op, domain.ErrConfiguration,
			fmt.Sprintf("model config %q needs a provider and a model name", mc.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[mc.ID]; exists {
		return domain.NewSubSystemError("model", op, domain.ErrDuplicateDefinition, mc.ID)
	}
	r.models[mc.ID] = mc.Clone()
	r.logger.Debug("model config registered", "model_config", mc.ID, "provider", mc.Provider)
	return nil
}

// RegisterToolConnector adds a tool connector config under cfg.Name.
func (r *Registry) RegisterToolConnector(cfg domain.ToolConnectorConfig) error {
	const op = "Registry.RegisterToolConnector"
	if cfg.Name == "" {
		return domain.NewSubSystemError("connector", op, domain.ErrConfiguration, "connector name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectorCfgs[cfg.Name]; exists {
		return domain.NewSubSystemError("connector", op, domain.ErrDuplicateDefinition, cfg.Name)
	}
	r.connectorCfgs[cfg.Name] = cfg.Clone()
	r.logger.Debug("tool connector registered", "connector", cfg.Name, "transport", cfg.Transport)
	return nil
}

// RegisterAgentDefinition adds an agent definition under def.Name. Model and
// connector references are resolved lazily at run time; the output schema,
// if any, must compile now.
func (r *Registry) RegisterAgentDefinition(def domain.AgentDefinition) error {
	const op = "Registry.RegisterAgentDefinition"
	if def.Name == "" {
		return domain.NewSubSystemError("agent", op, domain.ErrConfiguration, "agent name is required")
	}
	if def.ModelConfigID == "" {
		return domain.NewSubSystemError("agent", op, domain.ErrConfiguration,
			fmt.Sprintf("agent %q has no model config", def.Name))
	}
	if def.MaxTurns < 0 || (def.MaxRepairAttempts != nil && *def.MaxRepairAttempts < 0) {
		return domain.NewSubSystemError("agent", op, domain.ErrConfiguration,
			fmt.Sprintf("agent %q has a negative bound", def.Name))
	}
	if def.HasSchema() && r.validator != nil {
		if err := r.validator.Compile(def.OutputSchema); err != nil {
			return domain.NewSubSystemError("agent", op, errors.Join(domain.ErrConfiguration, err),
				fmt.Sprintf("agent %q output schema", def.Name))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[def.Name]; exists {
		return domain.NewSubSystemError("agent", op, domain.ErrDuplicateDefinition, def.Name)
	}
	r.agents[def.Name] = def.Clone()
	r.logger.Debug("agent registered", "agent", def.Name, "model_config", def.ModelConfigID,
		"connectors", def.ToolConnectorNames, "schema", def.HasSchema())
	return nil
}

// AgentDefinition returns a copy of the named agent definition.
func (r *Registry) AgentDefinition(name string) (domain.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return domain.AgentDefinition{}, domain.NewSubSystemError("agent", "Registry.AgentDefinition", domain.ErrUnknownReference, name)
	}
	return def.Clone(), nil
}

// ModelConfig returns a copy of the model config registered under id.
func (r *Registry) ModelConfig(id string) (domain.ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mc, ok := r.models[id]
	if !ok {
		return domain.ModelConfig{}, domain.NewSubSystemError("model", "Registry.ModelConfig", domain.ErrUnknownReference, id)
	}
	return mc.Clone(), nil
}

// ConnectorConfig returns a copy of the named connector config.
func (r *Registry) ConnectorConfig(name string) (domain.ToolConnectorConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.connectorCfgs[name]
	if !ok {
		return domain.ToolConnectorConfig{}, domain.NewSubSystemError("connector", "Registry.ConnectorConfig", domain.ErrUnknownReference, name)
	}
	return cfg.Clone(), nil
}

// Agents returns the registered agent names, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Connector returns the live connector for name, creating it on first use.
func (r *Registry) Connector(name string) (domain.ToolConnector, error) {
	cfg, err := r.ConnectorConfig(name)
	if err != nil {
		return nil, err
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.closed {
		return nil, domain.WrapOp("Registry.Connector", domain.ErrShutdown)
	}
	if c, ok := r.connectors[name]; ok {
		return c, nil
	}
	if r.newConnector == nil {
		return nil, domain.NewSubSystemError("connector", "Registry.Connector", domain.ErrConfiguration, "no connector factory")
	}

	c, err := r.newConnector(cfg, r.logger)
	if err != nil {
		return nil, domain.WrapOp("Registry.Connector", err)
	}
	r.connectors[name] = c
	return c, nil
}

// InvalidateConnector drops the cached tool list of a live connector so the
// next run lists tools again. A connector not yet in use has nothing cached.
func (r *Registry) InvalidateConnector(name string) error {
	if _, err := r.ConnectorConfig(name); err != nil {
		return err
	}
	r.connMu.Lock()
	c, ok := r.connectors[name]
	r.connMu.Unlock()
	if ok {
		c.InvalidateCapabilities()
		r.logger.Debug("tool capabilities invalidated", "connector", name)
	}
	return nil
}

// CloseConnectors closes every live connector. Later Connector calls fail
// with ErrShutdown.
func (r *Registry) CloseConnectors() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.closed = true
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		if err := r.connectors[name].Close(); err != nil {
			r.logger.Warn("connector close failed", "connector", name, "error", err)
			errs = append(errs, fmt.Errorf("close connector %q: %w", name, err))
		}
		delete(r.connectors, name)
	}
	return errors.Join(errs...)
}
