package domain

import (
	"context"
	"time"
)

// ConversationTurn is one completed question/answer exchange.
type ConversationTurn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore keeps per-conversation history, oldest turn first.
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	Get(ctx context.Context, key string) ([]ConversationTurn, error)
	Append(ctx context.Context, key string, turn ConversationTurn) error
	Clear(ctx context.Context, key string) error
}

// ChatRecord is one append-only chat log row.
type ChatRecord struct {
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	Channel         string    `json:"channel"`
	UserID          string    `json:"user_id"`
	ConversationKey string    `json:"conversation_key,omitempty"`
	Failed          bool      `json:"failed"`
	FailureKind     string    `json:"failure_kind,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChatLogSink persists chat records. Callers treat failures as non-fatal.
type ChatLogSink interface {
	LogChat(ctx context.Context, rec ChatRecord) error
}

// SharedConversation is a public, read-only snapshot of a conversation.
type SharedConversation struct {
	Token     string             `json:"token"`
	Turns     []ConversationTurn `json:"turns"`
	CreatedAt time.Time          `json:"created_at"`
}

// ShareStore persists shared snapshots by token.
type ShareStore interface {
	SaveShared(ctx context.Context, shared SharedConversation) error
	GetShared(ctx context.Context, token string) (*SharedConversation, error)
}
