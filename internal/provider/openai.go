package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"rulebot/internal/domain"
)

// OpenAIConfig configures both the chat client and, through
// OpenAIEmbedderConfig, the embeddings client. APIBase may point at any
// OpenAI-compatible server.
type OpenAIConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

// OpenAI talks to /chat/completions.
type OpenAI struct {
	cfg OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	cfg.APIBase = orDefault(cfg.APIBase, "https://api.openai.com/v1")
	cfg.Model = orDefault(cfg.Model, "gpt-4o-mini")
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{cfg: cfg}
}

func (o *OpenAI) Name() string { return "openai" }

// Healthy lists models, which fails fast on a bad key.
func (o *OpenAI) Healthy(ctx context.Context) error {
	return probe(ctx, o.cfg.Client, "openai", o.cfg.APIBase+"/models", bearer(o.cfg.APIKey))
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatCompletionMessage `json:"message"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat makes one completion call; the composer owns retries.
func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       orDefault(req.Model, o.cfg.Model),
		Messages:    make([]chatCompletionMessage, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for i, m := range req.Messages {
		body.Messages[i] = chatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	var res chatCompletionResponse
	url := o.cfg.APIBase + "/chat/completions"
	if err := postJSON(ctx, o.cfg.Client, "openai", url, bearer(o.cfg.APIKey), body, &res); err != nil {
		return nil, err
	}

	out := &domain.ChatResponse{
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
		Usage: domain.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}
	if len(res.Choices) > 0 {
		out.Content = res.Choices[0].Message.Content
		out.FinishReason = res.Choices[0].FinishReason
	}
	return out, nil
}

type OpenAIEmbedderConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	MaxRetries int
	Client     *http.Client
	Logger     *slog.Logger
}

// OpenAIEmbedder talks to /embeddings, sending each batch as one request.
type OpenAIEmbedder struct {
	cfg   OpenAIEmbedderConfig
	retry RetryPolicy
}

func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	cfg.APIBase = orDefault(cfg.APIBase, "https://api.openai.com/v1")
	cfg.Model = orDefault(cfg.Model, "text-embedding-3-small")
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	return &OpenAIEmbedder{
		cfg:   cfg,
		retry: RetryPolicy{MaxRetries: cfg.MaxRetries, Logger: cfg.Logger},
	}
}

func (e *OpenAIEmbedder) Name() string      { return "openai" }
func (e *OpenAIEmbedder) ModelName() string { return e.cfg.Model }

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]any{"model": e.cfg.Model, "input": texts}
	url := e.cfg.APIBase + "/embeddings"

	res, err := Retry(ctx, e.retry, func(ctx context.Context) (*embeddingsResponse, error) {
		var r embeddingsResponse
		err := postJSON(ctx, e.cfg.Client, "openai", url, bearer(e.cfg.APIKey), body, &r)
		return &r, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingProvider, err)
	}
	if len(res.Data) != len(texts) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs",
			domain.ErrEmbeddingProvider, len(res.Data), len(texts))
	}

	// The API may return items out of input order.
	sort.Slice(res.Data, func(i, j int) bool { return res.Data[i].Index < res.Data[j].Index })
	vecs := make([][]float32, len(res.Data))
	for i, d := range res.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
