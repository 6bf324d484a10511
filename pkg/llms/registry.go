package llms

import (
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/registry"
)

// Registry holds named providers. The router registers its two slots as
// "fast" and "deep".
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// CreateFromConfig constructs and registers a provider for the given slot.
func (r *Registry) CreateFromConfig(name string, cfg *config.LLMConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		provider, err = NewOpenAIProvider(cfg)
	case config.LLMProviderAnthropic:
		provider, err = NewAnthropicProvider(cfg)
	case config.LLMProviderOllama:
		provider, err = NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q (supported: openai, anthropic, ollama)", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %q: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// GetProvider returns the provider registered under name.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return provider, nil
}

// CloseAll closes every registered provider.
func (r *Registry) CloseAll() {
	for _, provider := range r.List() {
		_ = provider.Close()
	}
}
