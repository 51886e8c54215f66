package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"rulebot/internal/domain"
	"rulebot/internal/rag"
)

const webhookSignatureHeader = "X-Signature-256"

type WebhookConfig struct {
	Secret  string // HMAC-SHA256 key; empty disables signature checks
	Service Answerer
	Logger  *slog.Logger
}

// Webhook answers signed JSON questions synchronously.
type Webhook struct {
	secret  string
	service Answerer
	logger  *slog.Logger
}

// WebhookPayload is the request body of POST /webhook.
type WebhookPayload struct {
	Channel string `json:"channel"` // source system; only namespaces the conversation
	ChatID  string `json:"chat_id"` // conversation within the source
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{secret: cfg.Secret, service: cfg.Service, logger: cfg.Logger}
}

func (w *Webhook) Name() string { return domain.ChannelWebhook }

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	if w.secret != "" && !verifyHMAC(body, w.secret, r.Header.Get(webhookSignatureHeader)) {
		w.logger.Warn("webhook rejected", "error", domain.ErrSignatureVerification, "remote", r.RemoteAddr)
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	payload.Content = strings.TrimSpace(payload.Content)
	if payload.Content == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	conversation := payload.ChatID
	if conversation == "" {
		conversation = payload.UserID
	}

	w.logger.Info("webhook received",
		"source", payload.Channel,
		"chat_id", payload.ChatID,
		"user_id", payload.UserID,
		"content_len", len(payload.Content),
	)

	res := w.service.Ask(r.Context(), rag.Request{
		Channel:         domain.ChannelWebhook,
		UserID:          payload.UserID,
		ConversationKey: webhookConversationKey(payload.Channel, conversation),
		Question:        payload.Content,
		UseHistory:      conversation != "",
	})
	writeJSON(rw, http.StatusOK, map[string]any{"answer": res.Answer, "sources": nonNil(res.Sources)})
}

// webhookConversationKey keeps every webhook conversation under the webhook
// namespace, so a caller naming another channel as its source cannot reach
// that channel's history.
func webhookConversationKey(source, conversation string) string {
	source = strings.TrimSpace(source)
	if conversation == "" || source == "" || source == domain.ChannelWebhook {
		return domain.ConversationKey(domain.ChannelWebhook, conversation)
	}
	return domain.ConversationKey(domain.ChannelWebhook, source+":"+conversation)
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
