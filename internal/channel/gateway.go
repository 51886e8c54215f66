package channel

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rulebot/internal/domain"
	"rulebot/internal/rag"
)

// gatewayModel is the model id the gateway advertises and answers as.
const gatewayModel = "rulebot"

type GatewayConfig struct {
	APIKey  string // bearer token; empty disables auth
	Service Answerer
	Logger  *slog.Logger
}

// Gateway serves the rule bot behind an OpenAI-compatible chat completions
// API so existing clients can use it as a model.
type Gateway struct {
	apiKey  string
	service Answerer
	logger  *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{apiKey: cfg.APIKey, service: cfg.Service, logger: cfg.Logger}
}

func (g *Gateway) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(g.requireKey)
		r.Post("/chat/completions", g.handleChatCompletions)
		r.Get("/models", g.handleModels)
	})
}

func (g *Gateway) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if g.apiKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(g.apiKey)) != 1 {
				writeJSON(rw, http.StatusUnauthorized, oaiCompatError("invalid API key", "invalid_request_error"))
				return
			}
		}
		next.ServeHTTP(rw, r)
	})
}

// handleChatCompletions answers the last user message. With a "user" field
// the exchange joins that user's conversation history.
func (g *Gateway) handleChatCompletions(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, oaiCompatError("bad request", "invalid_request_error"))
		return
	}
	var req oaiCompatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, oaiCompatError("invalid JSON", "invalid_request_error"))
		return
	}
	if req.Stream {
		writeJSON(rw, http.StatusBadRequest, oaiCompatError("streaming is not supported", "invalid_request_error"))
		return
	}

	var question string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			question = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if question == "" {
		writeJSON(rw, http.StatusBadRequest, oaiCompatError("no user message found", "invalid_request_error"))
		return
	}
	if n := len([]rune(question)); n > maxQuestionRunes {
		writeJSON(rw, http.StatusBadRequest, oaiCompatError("user message is too long", "invalid_request_error"))
		return
	}

	res := g.service.Ask(r.Context(), rag.Request{
		Channel:    domain.ChannelAPI,
		UserID:     req.User,
		Question:   question,
		UseHistory: req.User != "",
	})

	writeJSON(rw, http.StatusOK, oaiCompatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   gatewayModel,
		Choices: []oaiCompatChoice{{
			Index:        0,
			Message:      oaiCompatMessage{Role: "assistant", Content: res.Answer},
			FinishReason: "stop",
		}},
	})
}

func (g *Gateway) handleModels(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": gatewayModel, "object": "model", "owned_by": gatewayModel},
		},
	})
}

func oaiCompatError(msg, typ string) map[string]any {
	return map[string]any{"error": map[string]string{"message": msg, "type": typ}}
}

type oaiCompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiCompatRequest struct {
	Model    string             `json:"model"`
	Messages []oaiCompatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
	User     string             `json:"user,omitempty"`
}

type oaiCompatChoice struct {
	Index        int              `json:"index"`
	Message      oaiCompatMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type oaiCompatResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []oaiCompatChoice `json:"choices"`
}
