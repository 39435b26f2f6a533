package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/config"
)

type stubClient struct {
	name string
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	chunks := make(chan *CompletionChunk, 1)
	chunks <- &CompletionChunk{Text: "hello from " + s.name, Done: true}
	close(chunks)
	return chunks, nil
}

func twoProviderConfig() config.ModelsConfig {
	return config.ModelsConfig{
		Default: "gpt",
		Providers: []config.ModelProviderConfig{
			{Name: "gpt", Provider: "openai", Model: "gpt-4o", APIKey: "sk-test"},
			{Name: "claude", Provider: "anthropic", Model: "claude-sonnet-4-0", APIKey: "sk-ant-test"},
		},
	}
}

func TestRegistryValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ModelsConfig
		want string
	}{
		{
			name: "no providers",
			cfg:  config.ModelsConfig{Default: "gpt"},
			want: "no providers",
		},
		{
			name: "empty default",
			cfg: config.ModelsConfig{
				Providers: []config.ModelProviderConfig{{Name: "gpt", Provider: "openai"}},
			},
			want: "default provider name is required",
		},
		{
			name: "empty provider name",
			cfg: config.ModelsConfig{
				Default:   "gpt",
				Providers: []config.ModelProviderConfig{{Provider: "openai"}},
			},
			want: "empty name",
		},
		{
			name: "duplicate provider",
			cfg: config.ModelsConfig{
				Default: "gpt",
				Providers: []config.ModelProviderConfig{
					{Name: "gpt", Provider: "openai"},
					{Name: "gpt", Provider: "anthropic"},
				},
			},
			want: "duplicate provider",
		},
		{
			name: "default not declared",
			cfg: config.ModelsConfig{
				Default:   "missing",
				Providers: []config.ModelProviderConfig{{Name: "gpt", Provider: "openai"}},
			},
			want: "not a declared provider",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestRegistryGetUnknownListsAvailable(t *testing.T) {
	reg, err := NewRegistry(twoProviderConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	_, err = reg.Get("mistral")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "claude, gpt") {
		t.Fatalf("error should list available providers sorted, got %q", err)
	}
}

func TestRegistryClientCaching(t *testing.T) {
	builds := 0
	factory := func(cfg config.ModelProviderConfig) (ChatClient, error) {
		builds++
		return &stubClient{name: cfg.Name}, nil
	}

	reg, err := NewRegistryWithFactory(twoProviderConfig(), factory)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}

	first, err := reg.Client("gpt")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	second, err := reg.Client("gpt")
	if err != nil {
		t.Fatalf("Client again: %v", err)
	}
	if first != second {
		t.Error("expected cached client on second lookup")
	}
	if builds != 1 {
		t.Errorf("factory ran %d times, want 1", builds)
	}

	if _, err := reg.Client("claude"); err != nil {
		t.Fatalf("Client claude: %v", err)
	}
	if builds != 2 {
		t.Errorf("factory ran %d times after second provider, want 2", builds)
	}
}

func TestRegistryEmptyNameResolvesDefault(t *testing.T) {
	factory := func(cfg config.ModelProviderConfig) (ChatClient, error) {
		return &stubClient{name: cfg.Name}, nil
	}
	reg, err := NewRegistryWithFactory(twoProviderConfig(), factory)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}

	client, err := reg.Client("")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if client.Name() != "gpt" {
		t.Errorf("default client = %q, want gpt", client.Name())
	}

	if reg.DefaultName() != "gpt" {
		t.Errorf("DefaultName = %q, want gpt", reg.DefaultName())
	}
}

func TestRegistryModelID(t *testing.T) {
	reg, err := NewRegistry(twoProviderConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	id, err := reg.ModelID("")
	if err != nil {
		t.Fatalf("ModelID default: %v", err)
	}
	if id != "gpt-4o" {
		t.Errorf("default model = %q, want gpt-4o", id)
	}

	id, err = reg.ModelID("claude")
	if err != nil {
		t.Fatalf("ModelID claude: %v", err)
	}
	if id != "claude-sonnet-4-0" {
		t.Errorf("claude model = %q, want claude-sonnet-4-0", id)
	}

	if _, err := reg.ModelID("mistral"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Run("inline key wins", func(t *testing.T) {
		key, err := resolveAPIKey(config.ModelProviderConfig{Name: "gpt", APIKey: "sk-inline"})
		if err != nil {
			t.Fatalf("resolveAPIKey: %v", err)
		}
		if key != "sk-inline" {
			t.Errorf("key = %q, want sk-inline", key)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("PARLEY_TEST_API_KEY", "sk-from-env")
		key, err := resolveAPIKey(config.ModelProviderConfig{Name: "gpt", APIKeyEnv: "PARLEY_TEST_API_KEY"})
		if err != nil {
			t.Fatalf("resolveAPIKey: %v", err)
		}
		if key != "sk-from-env" {
			t.Errorf("key = %q, want sk-from-env", key)
		}
	})

	t.Run("unset env is an error", func(t *testing.T) {
		t.Setenv("PARLEY_TEST_API_KEY", "")
		_, err := resolveAPIKey(config.ModelProviderConfig{Name: "gpt", APIKeyEnv: "PARLEY_TEST_API_KEY"})
		if err == nil {
			t.Fatal("expected error for unset env var")
		}
		if !strings.Contains(err.Error(), "PARLEY_TEST_API_KEY") {
			t.Errorf("error should name the variable, got %q", err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		_, err := resolveAPIKey(config.ModelProviderConfig{Name: "gpt"})
		if err == nil {
			t.Fatal("expected error when no key source is configured")
		}
	})
}

func TestNewClientUnknownKind(t *testing.T) {
	_, err := NewClient(config.ModelProviderConfig{
		Name:     "weird",
		Provider: "carrier-pigeon",
		APIKey:   "sk-test",
	})
	if err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error should name the kind, got %q", err)
	}
}
