package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"rulebot/internal/config"
	"rulebot/internal/domain"
)

// ProviderConstructor creates a completion provider from a config entry.
type ProviderConstructor func(ctx context.Context, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error)

// Factory creates and caches completion providers and builds the embedder
// from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.Completion.TimeoutSeconds) * time.Second
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       SharedHTTPClient(timeout),
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.RegisterConstructor("openai", func(_ context.Context, pc config.ProviderConfig, c *http.Client, l *slog.Logger) (domain.Provider, error) {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: c, Logger: l}), nil
	})
	f.RegisterConstructor("ollama", func(_ context.Context, pc config.ProviderConfig, c *http.Client, l *slog.Logger) (domain.Provider, error) {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Client: c, Logger: l}), nil
	})
	f.RegisterConstructor("claude", func(_ context.Context, pc config.ProviderConfig, c *http.Client, l *slog.Logger) (domain.Provider, error) {
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: c, Logger: l}), nil
	})
	f.RegisterConstructor("gemini", func(ctx context.Context, pc config.ProviderConfig, _ *http.Client, l *slog.Logger) (domain.Provider, error) {
		return NewGemini(ctx, GeminiConfig{APIKey: pc.APIKey, Model: pc.DefaultModel, Logger: l})
	})
}

// Get returns the named provider, creating it on first use.
func (f *Factory) Get(ctx context.Context, name string) (domain.Provider, error) {
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		var err error
		if p, err = ctor(ctx, pc, f.client, f.logger); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	} else if pc.APIBase != "" {
		// Unknown providers are treated as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: f.client, Logger: f.logger})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}

	f.cache[name] = p
	return p, nil
}

// Completion returns the configured completion provider. A failover chain
// wraps the primary provider when one is configured.
func (f *Factory) Completion(ctx context.Context) (domain.Provider, error) {
	primary, err := f.Get(ctx, f.cfg.Completion.Provider)
	if err != nil {
		return nil, err
	}
	if len(f.cfg.Completion.FailoverChain) == 0 {
		return primary, nil
	}

	chain := []domain.Provider{primary}
	for _, name := range f.cfg.Completion.FailoverChain {
		if name == f.cfg.Completion.Provider {
			continue
		}
		p, err := f.Get(ctx, name)
		if err != nil {
			f.logger.Warn("skipping failover provider", "provider", name, "error", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// Embedder builds the configured embedder. Credentials and base URLs come
// from the provider entry of the same name.
func (f *Factory) Embedder(ctx context.Context) (domain.Embedder, error) {
	ec := f.cfg.Embedding
	pc := f.cfg.Providers[ec.Provider]
	retries := f.cfg.Completion.MaxRetries

	switch ec.Provider {
	case "openai":
		return NewOpenAIEmbedder(OpenAIEmbedderConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: ec.Model,
			MaxRetries: retries, Client: f.client, Logger: f.logger,
		}), nil
	case "ollama":
		return NewOllamaEmbedder(OllamaEmbedderConfig{
			APIBase: pc.APIBase, Model: ec.Model,
			MaxRetries: retries, Client: f.client, Logger: f.logger,
		}), nil
	case "gemini":
		return NewGeminiEmbedder(ctx, GeminiEmbedderConfig{
			APIKey: pc.APIKey, Model: ec.Model, MaxRetries: retries, Logger: f.logger,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", ec.Provider)
	}
}
