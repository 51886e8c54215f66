package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rulebot/internal/domain"
)

const defaultWindow = 5

// ConversationConfig configures a ConversationManager.
type ConversationConfig struct {
	Store          domain.ConversationStore
	Window         int // turns shown to the model (default: 5)
	RecordFailures bool
	Preamble       string
	Logger         *slog.Logger
}

// ConversationManager expands follow-up questions with recent history and
// records completed turns.
type ConversationManager struct {
	store          domain.ConversationStore
	window         int
	recordFailures bool
	preamble       string
	logger         *slog.Logger
	now            func() time.Time
}

func NewConversationManager(cfg ConversationConfig) *ConversationManager {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Preamble == "" {
		cfg.Preamble = DefaultPromptTemplate().HistoryPreamble
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ConversationManager{
		store:          cfg.Store,
		window:         cfg.Window,
		recordFailures: cfg.RecordFailures,
		preamble:       cfg.Preamble,
		logger:         cfg.Logger,
		now:            time.Now,
	}
}

// Expand prefixes question with the last turns of the conversation. With no
// history the question is returned unchanged.
func (m *ConversationManager) Expand(ctx context.Context, key, question string) string {
	turns, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("history read failed; answering without history", "key", key, "error", err)
		return question
	}
	if len(turns) == 0 {
		return question
	}
	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}

	var sb strings.Builder
	sb.WriteString(m.preamble)
	sb.WriteString("\n\n")
	for i, t := range turns {
		fmt.Fprintf(&sb, "[%d] User: %s\n", i+1, t.Question)
		fmt.Fprintf(&sb, "    Assistant: %s\n", t.Answer)
	}
	sb.WriteString("\nNew question: ")
	sb.WriteString(question)
	return sb.String()
}

// Record appends a turn with the original question. Failed exchanges are
// skipped unless failures are recorded.
func (m *ConversationManager) Record(ctx context.Context, key, question, answer string, failed bool) error {
	if failed && !m.recordFailures {
		return nil
	}
	turn := domain.ConversationTurn{Question: question, Answer: answer, CreatedAt: m.now().UTC()}
	if err := m.store.Append(ctx, key, turn); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// History returns every stored turn of a conversation.
func (m *ConversationManager) History(ctx context.Context, key string) ([]domain.ConversationTurn, error) {
	return m.store.Get(ctx, key)
}

// Clear forgets a conversation.
func (m *ConversationManager) Clear(ctx context.Context, key string) error {
	return m.store.Clear(ctx, key)
}
