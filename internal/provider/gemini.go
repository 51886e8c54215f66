package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"rulebot/internal/domain"
)

const (
	geminiDefaultModel          = "gemini-1.5-flash"
	geminiDefaultEmbeddingModel = "text-embedding-004"
)

// Gemini implements domain.Provider using the Google Generative AI SDK.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model, logger: cfg.Logger}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Healthy(ctx context.Context) error {
	if g.client == nil {
		return errors.New("gemini: client not initialised")
	}
	return nil
}

func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	name := req.Model
	if name == "" {
		name = g.model
	}
	model := g.client.GenerativeModel(name)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	system, history, last := geminiContents(req.Messages)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if last == "" {
		return nil, errors.New("gemini: request has no user message")
	}

	session := model.StartChat()
	session.History = history

	start := time.Now()
	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, geminiError(err)
	}

	out := &domain.ChatResponse{
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if resp.UsageMetadata != nil {
		out.Usage = domain.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonMaxTokens {
		out.FinishReason = "length"
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	out.Content = text.String()
	return out, nil
}

// geminiContents splits messages into a system instruction, prior turns, and
// the final user message that is sent to the chat session.
func geminiContents(msgs []domain.Message) (string, []*genai.Content, string) {
	var system []string
	var history []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	last := ""
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		if t, ok := history[n-1].Parts[0].(genai.Text); ok {
			last = string(t)
		}
		history = history[:n-1]
	}
	return strings.Join(system, "\n\n"), history, last
}

// geminiError maps API errors onto *StatusError so they are classified
// like the HTTP providers.
func geminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return fmt.Errorf("gemini: %w", err)
}

// GeminiEmbedder implements domain.Embedder using batch embedding requests.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	retry  RetryPolicy
}

type GeminiEmbedderConfig struct {
	APIKey     string
	Model      string
	MaxRetries int
	Logger     *slog.Logger
}

func NewGeminiEmbedder(ctx context.Context, cfg GeminiEmbedderConfig) (*GeminiEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = geminiDefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiEmbedder{
		client: client,
		model:  cfg.Model,
		retry:  RetryPolicy{MaxRetries: cfg.MaxRetries, Logger: cfg.Logger},
	}, nil
}

func (e *GeminiEmbedder) Name() string      { return "gemini" }
func (e *GeminiEmbedder) ModelName() string { return e.model }
func (e *GeminiEmbedder) Close() error      { return e.client.Close() }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := e.client.EmbeddingModel(e.model)
	out, err := Retry(ctx, e.retry, func(ctx context.Context) ([][]float32, error) {
		b := em.NewBatch()
		for _, t := range texts {
			b.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, b)
		if err != nil {
			return nil, geminiError(err)
		}
		vecs := make([][]float32, len(res.Embeddings))
		for i, emb := range res.Embeddings {
			if emb == nil {
				return nil, fmt.Errorf("gemini: empty embedding at %d", i)
			}
			vecs[i] = emb.Values
		}
		return vecs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingProvider, err)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("%w: gemini returned %d embeddings for %d inputs",
			domain.ErrEmbeddingProvider, len(out), len(texts))
	}
	return out, nil
}
