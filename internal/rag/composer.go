package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rulebot/internal/domain"
	"rulebot/internal/metrics"
	"rulebot/internal/provider"
)

const (
	defaultAttemptTimeout = 120 * time.Second
	defaultMaxRetries     = 2
)

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	Provider    domain.Provider
	Prompt      *PromptTemplate
	Model       string // empty uses the provider default
	Temperature float64
	MaxTokens   int
	// Timeout bounds each attempt (default: 120s).
	Timeout time.Duration
	// MaxRetries is the number of retries for transient failures. Negative
	// disables retries; zero uses the default of 2.
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger
}

// Composer asks the completion model for an answer grounded in the context.
type Composer struct {
	provider    domain.Provider
	prompt      *PromptTemplate
	model       string
	temperature float64
	maxTokens   int
	retry       provider.RetryPolicy
	logger      *slog.Logger
}

func NewComposer(cfg ComposerConfig) *Composer {
	if cfg.Prompt == nil {
		cfg.Prompt = DefaultPromptTemplate()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAttemptTimeout
	}
	switch {
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Composer{
		provider:    cfg.Provider,
		prompt:      cfg.Prompt,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retry: provider.RetryPolicy{
			MaxRetries:     cfg.MaxRetries,
			BaseDelay:      cfg.BaseDelay,
			AttemptTimeout: cfg.Timeout,
			Logger:         cfg.Logger,
		},
		logger: cfg.Logger,
	}
}

// Compose returns the trimmed completion for question given the assembled
// context. Every failure, including an empty completion, wraps
// domain.ErrCompletionProvider.
func (c *Composer) Compose(ctx context.Context, question, contextText string) (string, error) {
	if c.provider == nil {
		return "", fmt.Errorf("%w: no completion provider configured", domain.ErrCompletionProvider)
	}
	system, user, err := c.prompt.Render(question, contextText)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrCompletionProvider, err)
	}
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	start := time.Now()
	resp, err := provider.Retry(ctx, c.retry, func(ctx context.Context) (*domain.ChatResponse, error) {
		metrics.LLMRequestsTotal.Inc()
		return c.provider.Chat(ctx, req)
	})
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrCompletionProvider, c.provider.Name(), err)
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("%w: %s returned an empty completion", domain.ErrCompletionProvider, c.provider.Name())
	}
	c.logger.Debug("completion done",
		"provider", c.provider.Name(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish", resp.FinishReason,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return answer, nil
}
