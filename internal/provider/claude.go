package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rulebot/internal/domain"
)

const claudeAPIVersion = "2023-06-01"

type ClaudeConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

// Claude talks to the Anthropic Messages API.
type Claude struct {
	cfg ClaudeConfig
}

func NewClaude(cfg ClaudeConfig) *Claude {
	cfg.APIBase = strings.TrimRight(orDefault(cfg.APIBase, "https://api.anthropic.com/v1"), "/")
	cfg.Model = orDefault(cfg.Model, "claude-3-5-haiku-latest")
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Claude{cfg: cfg}
}

func (c *Claude) Name() string { return "claude" }

// Healthy only checks that a key is configured; Anthropic has no free probe.
func (c *Claude) Healthy(context.Context) error {
	if c.cfg.APIKey == "" {
		return errors.New("claude: no API key configured")
	}
	return nil
}

type messagesRequest struct {
	Model       string                  `json:"model"`
	System      string                  `json:"system,omitempty"`
	Messages    []chatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens"`
	Temperature float64                 `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := messagesRequest{
		Model:       orDefault(req.Model, c.cfg.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 1024
	}
	// System text goes in its own field, not in the message list.
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
		} else {
			body.Messages = append(body.Messages, chatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	}
	body.System = strings.Join(system, "\n\n")

	headers := map[string]string{"x-api-key": c.cfg.APIKey, "anthropic-version": claudeAPIVersion}
	start := time.Now()
	var res messagesResponse
	if err := postJSON(ctx, c.cfg.Client, "claude", c.cfg.APIBase+"/messages", headers, body, &res); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range res.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: claudeFinishReason(res.StopReason),
		LatencyMs:    time.Since(start).Milliseconds(),
		Usage: domain.Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	}, nil
}

// claudeFinishReason maps Anthropic stop reasons onto OpenAI's vocabulary.
func claudeFinishReason(r string) string {
	switch r {
	case "max_tokens":
		return "length"
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return r
	}
}
