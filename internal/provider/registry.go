package provider

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/parley-ai/parley/internal/config"
)

// Registry holds the named model provider configurations and builds chat
// clients from them. Exactly one configuration is the default.
type Registry struct {
	configs     map[string]config.ModelProviderConfig
	defaultName string
	factory     Factory

	mu      sync.Mutex
	clients map[string]ChatClient
}

// Factory builds a chat client from a provider configuration. The default
// factory dispatches on the provider kind; tests substitute their own.
type Factory func(cfg config.ModelProviderConfig) (ChatClient, error)

// NewRegistry validates the declared providers and builds a registry over
// the default factory.
func NewRegistry(cfg config.ModelsConfig) (*Registry, error) {
	return NewRegistryWithFactory(cfg, NewClient)
}

// NewRegistryWithFactory is NewRegistry with a caller-supplied factory.
func NewRegistryWithFactory(cfg config.ModelsConfig, factory Factory) (*Registry, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("models: no providers declared")
	}
	if cfg.Default == "" {
		return nil, fmt.Errorf("models: default provider name is required")
	}
	configs := make(map[string]config.ModelProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("models: provider with empty name")
		}
		if _, ok := configs[p.Name]; ok {
			return nil, fmt.Errorf("models: duplicate provider %q", p.Name)
		}
		configs[p.Name] = p
	}
	if _, ok := configs[cfg.Default]; !ok {
		return nil, fmt.Errorf("models: default %q is not a declared provider", cfg.Default)
	}
	return &Registry{
		configs:     configs,
		defaultName: cfg.Default,
		factory:     factory,
		clients:     make(map[string]ChatClient),
	}, nil
}

// Get returns the configuration for a named provider.
func (r *Registry) Get(name string) (config.ModelProviderConfig, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return config.ModelProviderConfig{}, fmt.Errorf(
			"unknown model provider %q, available: %s", name, strings.Join(r.Names(), ", "))
	}
	return cfg, nil
}

// Default returns the default provider configuration.
func (r *Registry) Default() config.ModelProviderConfig {
	return r.configs[r.defaultName]
}

// DefaultName returns the default provider's name.
func (r *Registry) DefaultName() string { return r.defaultName }

// Names returns the declared provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns the chat client for a named provider, building and caching
// it on first use. An empty name resolves to the default provider.
func (r *Registry) Client(name string) (ChatClient, error) {
	if name == "" {
		name = r.defaultName
	}
	cfg, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	client, err := r.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build client for provider %q: %w", name, err)
	}
	r.clients[name] = client
	return client, nil
}

// ModelID returns the model identifier configured for a named provider, or
// the default provider's model for an empty name.
func (r *Registry) ModelID(name string) (string, error) {
	if name == "" {
		return r.Default().Model, nil
	}
	cfg, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return cfg.Model, nil
}

// resolveAPIKey returns the configured key, falling back to the environment
// variable named by APIKeyEnv. Credentials never come from code.
func resolveAPIKey(cfg config.ModelProviderConfig) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("provider %q: environment variable %s is not set", cfg.Name, cfg.APIKeyEnv)
	}
	return "", fmt.Errorf("provider %q: api_key or api_key_env is required", cfg.Name)
}

// NewClient builds a chat client for the configured provider kind.
func NewClient(cfg config.ModelProviderConfig) (ChatClient, error) {
	key, err := resolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  key,
			Model:   cfg.Model,
			BaseURL: cfg.Endpoint,
		})
	case "azure_openai":
		return NewAzureOpenAIClient(AzureOpenAIConfig{
			APIKey:     key,
			Endpoint:   cfg.Endpoint,
			APIVersion: cfg.APIVersion,
			Deployment: cfg.Model,
		})
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  key,
			Model:   cfg.Model,
			BaseURL: cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", cfg.Name, cfg.Provider)
	}
}
