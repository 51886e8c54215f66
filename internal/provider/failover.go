package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"rulebot/internal/domain"
)

var errEmptyChain = errors.New("failover: no providers configured")

// FailoverProvider sends each request down an ordered list of completion
// providers and returns the first answer.
type FailoverProvider struct {
	chain  []domain.Provider
	logger *slog.Logger
}

func NewFailoverProvider(chain []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{chain: chain, logger: logger}
}

func (f *FailoverProvider) Name() string {
	var b strings.Builder
	b.WriteString("failover(")
	for i, p := range f.chain {
		if i > 0 {
			b.WriteString("→")
		}
		b.WriteString(p.Name())
	}
	b.WriteString(")")
	return b.String()
}

// Healthy succeeds when any member of the chain is healthy.
func (f *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range f.chain {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		return errEmptyChain
	}
	return errors.Join(errs...)
}

// Chat asks each provider in turn. Fallbacks get an empty model so they
// answer with their own default; a cancelled context ends the chain.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(f.chain) == 0 {
		return nil, errEmptyChain
	}
	var lastErr error
	for i, p := range f.chain {
		if i > 0 {
			req.Model = ""
		}
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("answered by fallback provider", "provider", p.Name(), "position", i)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("completion provider failed", "provider", p.Name(), "position", i, "err", err)
		lastErr = err
	}
	return nil, fmt.Errorf("every provider in %s failed: %w", f.Name(), lastErr)
}
