package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeBot records outgoing Bot API calls. sendErrs are returned by Send in
// order before it starts succeeding.
type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	actions  int
	requests map[string]tgbotapi.Params
	sendErrs []error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		return tgbotapi.Message{}, err
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := c.(tgbotapi.ChatActionConfig); ok {
		b.actions++
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requests == nil {
		b.requests = map[string]tgbotapi.Params{}
	}
	b.requests[endpoint] = params
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) messages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), b.sent...)
}

func newTestTelegram(svc Answerer, bot *fakeBot) *Telegram {
	t := newTelegram(TelegramConfig{
		Secret:    "tg-secret",
		PublicURL: "https://bot.example.com/callback/telegram",
		Service:   svc,
		Logger:    testLogger(),
	}, bot)
	t.retryUnit = time.Millisecond
	return t
}

func textUpdate(userID int64, text string) string {
	u := map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 77,
			"date":       1700000000,
			"text":       text,
			"from":       map[string]any{"id": userID, "is_bot": false, "first_name": "Test"},
			"chat":       map[string]any{"id": userID, "type": "private"},
		},
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		u["message"].(map[string]any)["entities"] = []map[string]any{
			{"type": "bot_command", "offset": 0, "length": len(cmd)},
		}
	}
	data, _ := json.Marshal(u)
	return string(data)
}

func deliver(tg *Telegram, secret, body string) int {
	req := httptest.NewRequest(http.MethodPost, "/callback/telegram", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(telegramSecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	tg.ServeHTTP(rec, req)
	tg.Wait()
	return rec.Code
}

func TestTelegram_AnswersTextMessage(t *testing.T) {
	svc := newFakeService()
	bot := &fakeBot{}
	tg := newTestTelegram(svc, bot)

	if code := deliver(tg, "tg-secret", textUpdate(42, "札は何枚？")); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	req := svc.lastRequest(t)
	if req.Channel != "telegram" || req.UserID != "42" || !req.UseHistory || req.Question != "札は何枚？" {
		t.Fatalf("unexpected service request: %+v", req)
	}
	sent := bot.messages()
	if len(sent) != 1 || sent[0].Text != svc.answer || sent[0].ChatID != 42 || sent[0].ReplyToMessageID != 77 {
		t.Fatalf("unexpected replies: %+v", sent)
	}
	if bot.actions != 1 {
		t.Fatalf("expected a typing action, got %d", bot.actions)
	}
}

func TestTelegram_RejectsBadSecret(t *testing.T) {
	svc := newFakeService()
	bot := &fakeBot{}
	tg := newTestTelegram(svc, bot)

	for _, secret := range []string{"", "wrong"} {
		if code := deliver(tg, secret, textUpdate(42, "q")); code != http.StatusBadRequest {
			t.Fatalf("secret %q: expected 400, got %d", secret, code)
		}
	}
	if len(svc.requests) != 0 || len(bot.messages()) != 0 {
		t.Fatal("rejected updates must not be answered")
	}
}

func TestTelegram_InvalidUpdate(t *testing.T) {
	tg := newTestTelegram(newFakeService(), &fakeBot{})
	if code := deliver(tg, "tg-secret", "{not json"); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestTelegram_IgnoresNonText(t *testing.T) {
	svc := newFakeService()
	bot := &fakeBot{}
	tg := newTestTelegram(svc, bot)
	if code := deliver(tg, "tg-secret", `{"update_id":2,"edited_message":{"message_id":1}}`); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(svc.requests) != 0 || len(bot.messages()) != 0 {
		t.Fatal("updates without a text message should be ignored")
	}
}

func TestTelegram_Commands(t *testing.T) {
	svc := newFakeService()
	bot := &fakeBot{}
	tg := newTestTelegram(svc, bot)

	deliver(tg, "tg-secret", textUpdate(7, "/start"))
	deliver(tg, "tg-secret", textUpdate(7, "/clear"))
	deliver(tg, "tg-secret", textUpdate(7, "/unknown"))

	if len(svc.requests) != 0 {
		t.Fatal("commands must not be sent to the answer service")
	}
	if len(svc.cleared) != 1 || svc.cleared[0] != "telegram:7" {
		t.Fatalf("unexpected cleared keys: %v", svc.cleared)
	}
	sent := bot.messages()
	if len(sent) != 3 || !strings.Contains(sent[0].Text, "/clear") {
		t.Fatalf("unexpected command replies: %+v", sent)
	}
}

func TestTelegram_LongAnswerIsSplit(t *testing.T) {
	svc := newFakeService()
	svc.answer = strings.Repeat("あ", telegramMaxMsgLen+10)
	bot := &fakeBot{}
	tg := newTestTelegram(svc, bot)

	deliver(tg, "tg-secret", textUpdate(1, "長い回答"))
	sent := bot.messages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(sent))
	}
	if sent[1].ReplyToMessageID != 0 {
		t.Fatal("only the first chunk should quote the question")
	}
}

func TestTelegram_SendRetries(t *testing.T) {
	svc := newFakeService()
	bot := &fakeBot{sendErrs: []error{
		&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1}},
		&tgbotapi.Error{Code: 400, Message: "Bad Request: message to reply not found"},
	}}
	tg := newTestTelegram(svc, bot)

	deliver(tg, "tg-secret", textUpdate(5, "q"))
	sent := bot.messages()
	if len(sent) != 1 || sent[0].ReplyToMessageID != 0 {
		t.Fatalf("expected one reply sent without the quote, got %+v", sent)
	}
}

func TestTelegram_Register(t *testing.T) {
	bot := &fakeBot{}
	tg := newTestTelegram(newFakeService(), bot)
	if err := tg.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	params := bot.requests["setWebhook"]
	if params["url"] != "https://bot.example.com/callback/telegram" || params["secret_token"] != "tg-secret" {
		t.Fatalf("unexpected setWebhook params: %v", params)
	}

	noURL := newTelegram(TelegramConfig{Logger: testLogger()}, &fakeBot{})
	if err := noURL.Register(); err != nil {
		t.Fatalf("Register without URL should be a no-op: %v", err)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split: %q", got)
	}
	if got := splitMessage("", 100); len(got) != 1 {
		t.Fatalf("empty text should be one chunk, got %d", len(got))
	}

	text := strings.Repeat("語", 30) + "\n" + strings.Repeat("語", 30)
	got := splitMessage(text, 40)
	if len(got) != 2 || got[0] != strings.Repeat("語", 30)+"\n" {
		t.Fatalf("expected a newline split, got %q", got)
	}
	if strings.Join(got, "") != text {
		t.Fatal("chunks must reassemble to the original text")
	}

	for _, c := range splitMessage(strings.Repeat("word ", 100), 50) {
		if n := len([]rune(c)); n > 50 {
			t.Fatalf("chunk too long: %d runes", n)
		}
	}
}
