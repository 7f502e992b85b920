package provider

import (
	"fmt"
	"sort"

	"github.com/rogers-f/synthesis-engine/internal/config"
	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

// NewRegistryFromConfig builds a backend for every configured alias.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()
	aliases := make([]string, 0, len(cfg.Models))
	for alias := range cfg.Models {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, name := range aliases {
		alias, err := router.ParseAlias(name)
		if err != nil {
			return nil, err
		}
		m := cfg.Models[name]
		var inv Invoker
		switch m.Provider {
		case config.ProviderAnthropic:
			inv = NewAnthropicBackend(m.APIKey(), m.BaseURL, m.Model, m.MaxTokens)
		case config.ProviderOpenAI:
			inv = NewOpenAIBackend(m.APIKey(), m.BaseURL, m.Model, m.MaxTokens)
		case config.ProviderCommand:
			inv = NewCommandBackend(CommandSpec{Command: m.Command, Args: m.Args, Env: m.Env})
		default:
			return nil, domain.NewEngineError(domain.ErrBackendNotConfigured.Code,
				fmt.Sprintf("alias %s: unknown provider %q", name, m.Provider))
		}
		if m.TimeoutSec > 0 {
			inv = WithTimeout(inv, m.Timeout())
		}
		if err := reg.Register(Binding{Alias: alias, Model: m.Model, Backend: m.Provider, Invoker: inv}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
