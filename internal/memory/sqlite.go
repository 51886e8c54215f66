package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rulebot/internal/domain"
)

// SQLiteStore implements ConversationStore, ChatLogSink, and ShareStore on a
// single SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
	logger   *slog.Logger
}

func NewSQLiteStore(dbPath string, maxTurns int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, maxTurns: maxTurns, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]domain.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, answer, created_at FROM turns WHERE conv_key = ? ORDER BY id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		if err := rows.Scan(&t.Question, &t.Answer, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, key string, turn domain.ConversationTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conv_key, question, answer, created_at) VALUES (?, ?, ?, ?)`,
		key, turn.Question, turn.Answer, turn.CreatedAt,
	); err != nil {
		return err
	}
	if s.maxTurns > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM turns WHERE conv_key = ? AND id NOT IN (
				SELECT id FROM turns WHERE conv_key = ? ORDER BY id DESC LIMIT ?
			)`, key, key, s.maxTurns,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conv_key = ?`, key)
	return err
}

func (s *SQLiteStore) LogChat(ctx context.Context, rec domain.ChatRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_logs (question, answer, channel, user_id, conv_key, failed, failure_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Question, rec.Answer, rec.Channel, rec.UserID, rec.ConversationKey, rec.Failed, rec.FailureKind, rec.CreatedAt,
	)
	return err
}

// RecentChats returns the newest chat log rows, newest first.
func (s *SQLiteStore) RecentChats(ctx context.Context, limit int) ([]domain.ChatRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, answer, channel, COALESCE(user_id, ''), conv_key, failed, failure_kind, created_at
		 FROM chat_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.ChatRecord
	for rows.Next() {
		var r domain.ChatRecord
		if err := rows.Scan(&r.Question, &r.Answer, &r.Channel, &r.UserID,
			&r.ConversationKey, &r.Failed, &r.FailureKind, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) SaveShared(ctx context.Context, sc domain.SharedConversation) error {
	data, err := json.Marshal(sc.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shared_conversations (token, turns, created_at) VALUES (?, ?, ?)`,
		sc.Token, string(data), sc.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetShared(ctx context.Context, token string) (*domain.SharedConversation, error) {
	var data string
	sc := domain.SharedConversation{Token: token}
	err := s.db.QueryRowContext(ctx,
		`SELECT turns, created_at FROM shared_conversations WHERE token = ?`, token,
	).Scan(&data, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &sc.Turns); err != nil {
		return nil, fmt.Errorf("decode shared turns: %w", err)
	}
	return &sc, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
