package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"rulebot/internal/domain"
)

const ollamaDefaultBase = "http://localhost:11434"

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	Client       *http.Client
	Logger       *slog.Logger
}

// Ollama talks to a local or hosted Ollama server over /api/chat.
type Ollama struct {
	cfg OllamaConfig
}

func NewOllama(cfg OllamaConfig) *Ollama {
	cfg.APIBase = orDefault(cfg.APIBase, ollamaDefaultBase)
	cfg.DefaultModel = orDefault(cfg.DefaultModel, "llama3.1:8b")
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{cfg: cfg}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	return probe(ctx, o.cfg.Client, "ollama", o.cfg.APIBase+"/api/tags", nil)
}

type ollamaChatRequest struct {
	Model    string                  `json:"model"`
	Messages []chatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream"`
	Options  map[string]any          `json:"options"`
}

type ollamaChatResponse struct {
	Message         chatCompletionMessage `json:"message"`
	DoneReason      string                `json:"done_reason"`
	PromptEvalCount int                   `json:"prompt_eval_count"`
	EvalCount       int                   `json:"eval_count"`
}

func (o *Ollama) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := ollamaChatRequest{
		Model:    orDefault(req.Model, o.cfg.DefaultModel),
		Messages: make([]chatCompletionMessage, len(req.Messages)),
		Options:  map[string]any{"temperature": req.Temperature},
	}
	for i, m := range req.Messages {
		body.Messages[i] = chatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}

	start := time.Now()
	var res ollamaChatResponse
	if err := postJSON(ctx, o.cfg.Client, "ollama", o.cfg.APIBase+"/api/chat", nil, body, &res); err != nil {
		return nil, err
	}
	return &domain.ChatResponse{
		Content:      res.Message.Content,
		FinishReason: orDefault(res.DoneReason, "stop"),
		LatencyMs:    time.Since(start).Milliseconds(),
		Usage: domain.Usage{
			PromptTokens:     res.PromptEvalCount,
			CompletionTokens: res.EvalCount,
			TotalTokens:      res.PromptEvalCount + res.EvalCount,
		},
	}, nil
}

type OllamaEmbedderConfig struct {
	APIBase    string
	Model      string
	MaxRetries int
	Client     *http.Client
	Logger     *slog.Logger
}

// OllamaEmbedder embeds through /api/embed, which accepts a batch of inputs.
type OllamaEmbedder struct {
	cfg   OllamaEmbedderConfig
	retry RetryPolicy
}

func NewOllamaEmbedder(cfg OllamaEmbedderConfig) *OllamaEmbedder {
	cfg.APIBase = orDefault(cfg.APIBase, ollamaDefaultBase)
	cfg.Model = orDefault(cfg.Model, "nomic-embed-text")
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	return &OllamaEmbedder{
		cfg:   cfg,
		retry: RetryPolicy{MaxRetries: cfg.MaxRetries, Logger: cfg.Logger},
	}
}

func (e *OllamaEmbedder) Name() string      { return "ollama" }
func (e *OllamaEmbedder) ModelName() string { return e.cfg.Model }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]any{"model": e.cfg.Model, "input": texts}
	type embedResponse struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	res, err := Retry(ctx, e.retry, func(ctx context.Context) (*embedResponse, error) {
		var r embedResponse
		err := postJSON(ctx, e.cfg.Client, "ollama", e.cfg.APIBase+"/api/embed", nil, body, &r)
		return &r, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingProvider, err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs",
			domain.ErrEmbeddingProvider, len(res.Embeddings), len(texts))
	}
	return res.Embeddings, nil
}
