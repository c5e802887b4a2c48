package llm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"agentrun/internal/domain"
)

// ProviderFunc builds the provider for one model config.
type ProviderFunc func(ctx context.Context, mc domain.ModelConfig, logger *slog.Logger) (domain.LLMProvider, error)

// providerBuilders maps a provider name to its constructor.
var providerBuilders = map[string]ProviderFunc{
	"openai":     newOpenAICompatible,
	"groq":       newOpenAICompatible,
	"ollama":     newOpenAICompatible,
	"openrouter": newOpenAICompatible,
	"anthropic": func(_ context.Context, mc domain.ModelConfig, logger *slog.Logger) (domain.LLMProvider, error) {
		return NewAnthropicProvider(mc, nil, logger), nil
	},
	"bedrock": func(ctx context.Context, mc domain.ModelConfig, logger *slog.Logger) (domain.LLMProvider, error) {
		p, err := NewBedrockProvider(ctx, mc, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	},
}

func newOpenAICompatible(_ context.Context, mc domain.ModelConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	client := NewHTTPClient(mc)
	if mc.Provider == "openrouter" {
		client = withOpenRouterHeaders(client)
	}
	return NewOpenAIProvider(mc, client, logger), nil
}

// KnownProvider reports whether name is a supported provider.
func KnownProvider(name string) bool {
	_, ok := providerBuilders[name]
	return ok
}

// Providers returns the supported provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(providerBuilders))
	for name := range providerBuilders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Registry builds providers lazily, one per model config ID, each behind
// its own circuit breaker.
type Registry struct {
	mu        sync.Mutex
	providers map[string]domain.LLMProvider
	build     ProviderFunc
	breaker   CircuitBreakerConfig
	logger    *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(breaker CircuitBreakerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]domain.LLMProvider),
		build:     buildProvider,
		breaker:   breaker,
		logger:    logger,
	}
}

func buildProvider(ctx context.Context, mc domain.ModelConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	build, ok := providerBuilders[mc.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrProviderRejected, mc.Provider)
	}
	return build(ctx, mc, logger)
}

// Register installs a prebuilt provider for a model config ID. Returns an
// error if the ID already has one.
func (r *Registry) Register(modelConfigID string, provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[modelConfigID]; exists {
		return domain.NewSubSystemError("model", "Registry.Register", domain.ErrDuplicate, modelConfigID)
	}
	r.providers[modelConfigID] = provider
	return nil
}

// Get returns the provider for mc, building and caching it on first use.
func (r *Registry) Get(ctx context.Context, mc domain.ModelConfig) (domain.LLMProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[mc.ID]; ok {
		return p, nil
	}

	inner, err := r.build(ctx, mc, r.logger)
	if err != nil {
		return nil, domain.WrapOp("Registry.Get", err)
	}
	p := NewCircuitBreakerProvider(inner, r.breaker, r.logger)
	r.providers[mc.ID] = p
	r.logger.Debug("llm provider created", "model_config", mc.ID, "provider", mc.Provider, "model", mc.ModelName)
	return p, nil
}

// List returns the model config IDs with a live provider.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
