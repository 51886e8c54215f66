package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"rulebot/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_logs (
	id           BIGSERIAL PRIMARY KEY,
	question     TEXT NOT NULL,
	answer       TEXT NOT NULL,
	channel      TEXT NOT NULL,
	user_id      TEXT,
	conv_key     TEXT NOT NULL DEFAULT '',
	failed       BOOLEAN NOT NULL DEFAULT FALSE,
	failure_kind TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS shared_conversations (
	token      TEXT PRIMARY KEY,
	messages   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore implements ChatLogSink and ShareStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogChat(ctx context.Context, rec domain.ChatRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var userID sql.NullString
	if rec.UserID != "" {
		userID = sql.NullString{String: rec.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_logs (question, answer, channel, user_id, conv_key, failed, failure_kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Question, rec.Answer, rec.Channel, userID, rec.ConversationKey, rec.Failed, rec.FailureKind, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat log: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveShared(ctx context.Context, sc domain.SharedConversation) error {
	data, err := json.Marshal(sc.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shared_conversations (token, messages, created_at) VALUES ($1, $2, $3)`,
		sc.Token, data, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert shared conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShared(ctx context.Context, token string) (*domain.SharedConversation, error) {
	var data []byte
	sc := domain.SharedConversation{Token: token}
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, created_at FROM shared_conversations WHERE token = $1 LIMIT 1`, token,
	).Scan(&data, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select shared conversation: %w", err)
	}
	if err := json.Unmarshal(data, &sc.Turns); err != nil {
		return nil, fmt.Errorf("decode shared turns: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
