package providers

import (
	"fmt"

	"github.com/nextlevelbuilder/trellis/internal/config"
)

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds providers for every endpoint with an API key.
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	r := &Registry{providers: make(map[string]Provider)}

	if cfg.Anthropic.APIKey != "" {
		r.providers["anthropic"] = NewAnthropicProvider(cfg.Anthropic.APIKey,
			WithAnthropicModel(cfg.Anthropic.Model),
			WithAnthropicBaseURL(cfg.Anthropic.BaseURL))
	}
	if cfg.OpenAI.APIKey != "" {
		model := cfg.OpenAI.Model
		if model == "" {
			model = "gpt-4o"
		}
		r.providers["openai"] = NewOpenAIProvider("openai", cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, model)
	}
	if cfg.Compat.APIKey != "" && cfg.Compat.BaseURL != "" {
		r.providers["compat"] = NewCompatProvider(cfg.Compat.APIKey, cfg.Compat.BaseURL, cfg.Compat.Model)
	}
	return r
}

// Register adds or replaces a provider. Used by tests and custom wiring.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

// Names lists the configured provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// NativeTools reports whether the provider supports native tool schemas.
// Providers not implementing ToolCapable are assumed text-only.
func NativeTools(p Provider) bool {
	tc, ok := p.(ToolCapable)
	return ok && tc.SupportsNativeTools()
}
