package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rulebot/internal/domain"
	"rulebot/internal/rag"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramSecretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	telegramAnswerTimeout  = 5 * time.Minute
)

const telegramHelp = `競技かるたのルールについて質問してください。公式のルール文書をもとに回答します。

コマンド:
/help - この説明を表示
/clear - 会話の履歴をリセット`

// telegramBot is the subset of *tgbotapi.BotAPI used by the channel.
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

type TelegramConfig struct {
	Token string
	// Secret must match the X-Telegram-Bot-Api-Secret-Token header. Empty
	// disables the check.
	Secret    string
	PublicURL string // when set, Register points the bot's webhook here
	Service   Answerer
	// APIEndpoint overrides tgbotapi.APIEndpoint, mainly for tests.
	APIEndpoint string
	Client      *http.Client
	Logger      *slog.Logger
}

// Telegram answers Telegram updates delivered by webhook.
type Telegram struct {
	bot       telegramBot
	secret    string
	publicURL string
	service   Answerer
	logger    *slog.Logger
	retryUnit time.Duration

	wg sync.WaitGroup
}

// NewTelegram connects to the Bot API and returns the channel.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t := newTelegram(cfg, bot)
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	if cfg.Secret == "" {
		t.logger.Warn("telegram webhook secret not set; updates are not authenticated")
	}
	return t, nil
}

func newTelegram(cfg TelegramConfig, bot telegramBot) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		bot:       bot,
		secret:    cfg.Secret,
		publicURL: cfg.PublicURL,
		service:   cfg.Service,
		logger:    cfg.Logger,
		retryUnit: time.Second,
	}
}

func (t *Telegram) Name() string { return domain.ChannelTelegram }

// Register calls setWebhook with the public URL and secret token. It is a
// no-op without a public URL.
func (t *Telegram) Register() error {
	if t.publicURL == "" {
		return nil
	}
	params := tgbotapi.Params{"url": t.publicURL}
	params.AddNonEmpty("secret_token", t.secret)
	params["allowed_updates"] = `["message"]`
	if _, err := t.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram setWebhook: %w", err)
	}
	t.logger.Info("telegram webhook registered", "url", t.publicURL)
	return nil
}

// ServeHTTP accepts one webhook update. The update is acknowledged
// immediately and answered in the background.
func (t *Telegram) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if t.secret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(t.secret)) != 1 {
			t.logger.Warn("telegram update rejected",
				"error", domain.ErrSignatureVerification,
				"remote", r.RemoteAddr,
			)
			http.Error(rw, "invalid secret token", http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "read body", http.StatusBadRequest)
		return
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		http.Error(rw, "invalid update", http.StatusBadRequest)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), telegramAnswerTimeout)
		defer cancel()
		t.handleUpdate(ctx, update)
	}()
	rw.WriteHeader(http.StatusOK)
}

// Wait blocks until in-flight updates are answered.
func (t *Telegram) Wait() { t.wg.Wait() }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := strconv.FormatInt(msg.From.ID, 10)
	key := domain.ConversationKey(domain.ChannelTelegram, userID)

	if msg.IsCommand() {
		t.handleCommand(ctx, chatID, key, msg)
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("telegram typing action failed", "err", err)
	}

	res := t.service.Ask(ctx, rag.Request{
		Channel:    domain.ChannelTelegram,
		UserID:     userID,
		Question:   text,
		UseHistory: true,
	})
	t.reply(chatID, msg.MessageID, res.Answer)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, key string, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.reply(chatID, 0, telegramHelp)
	case "clear":
		if err := t.service.Clear(ctx, key); err != nil {
			t.logger.Error("telegram clear failed", "key", key, "err", err)
			t.reply(chatID, 0, "履歴をリセットできませんでした。")
			return
		}
		t.reply(chatID, 0, "会話の履歴をリセットしました。")
	default:
		t.reply(chatID, 0, "不明なコマンドです。/help で使い方を確認できます。")
	}
}

// reply sends text in chunks, quoting replyTo on the first chunk.
func (t *Telegram) reply(chatID int64, replyTo int, text string) {
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		t.send(msg)
	}
}

// send retries rate-limited and transient failures with linear backoff.
func (t *Telegram) send(msg tgbotapi.MessageConfig) {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = t.bot.Send(msg); err == nil {
			return
		}

		wait := time.Duration(attempt+1) * t.retryUnit
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.RetryAfter > 0 {
				wait = time.Duration(apiErr.RetryAfter) * t.retryUnit
			} else if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
				// A quoted message may have been deleted; retry once without it.
				if msg.ReplyToMessageID != 0 {
					msg.ReplyToMessageID = 0
					continue
				}
				break
			}
		}
		if attempt < telegramMaxSendRetries {
			t.logger.Warn("telegram send failed, retrying", "err", err, "backoff", wait)
			time.Sleep(wait)
		}
	}
	t.logger.Error("telegram send failed", "chat_id", msg.ChatID, "err", err)
}

// splitMessage splits text into chunks of at most maxRunes runes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxRunes int) []string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxRunes {
		cut := maxRunes
		for i := maxRunes - 1; i >= maxRunes/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
