package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"rulebot/internal/config"
	"rulebot/internal/domain"
	"rulebot/internal/metrics"
)

const chatLogConnectTimeout = 10 * time.Second

// Stores bundles the persistence backends selected by config.
type Stores struct {
	Conversations domain.ConversationStore
	ChatLog       domain.ChatLogSink
	Shares        domain.ShareStore

	async   *AsyncChatLog
	closers []io.Closer
}

// Open builds the conversation store, chat log, and share store. The SQLite
// database is shared when several concerns select it. Only the conversation
// backend is required: a chat log that cannot be opened degrades to a no-op
// sink and in-memory shares.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stores{}
	var sqlite *SQLiteStore
	openSQLite := func() (*SQLiteStore, error) {
		if sqlite != nil {
			return sqlite, nil
		}
		st, err := NewSQLiteStore(cfg.ChatLog.DBPath, cfg.History.MaxStoredTurns, logger)
		if err != nil {
			return nil, err
		}
		sqlite = st
		s.closers = append(s.closers, st)
		return st, nil
	}

	switch cfg.History.Backend {
	case "sqlite":
		st, err := openSQLite()
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.Conversations = st
	case "redis":
		rs, err := NewRedisStore(ctx, RedisConfig{
			URL:      cfg.History.RedisURL,
			MaxTurns: cfg.History.MaxStoredTurns,
			TTL:      time.Duration(cfg.History.TTLHours) * time.Hour,
		})
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.closers = append(s.closers, rs)
		s.Conversations = rs
	default:
		s.Conversations = NewMemoryStore(cfg.History.MaxStoredTurns)
	}

	sink, shares, err := s.openChatLog(ctx, cfg, openSQLite)
	if err != nil {
		metrics.ChatLogUnavailable.Inc()
		logger.Warn("chat log unavailable; records will be discarded and shares kept in memory",
			"driver", cfg.ChatLog.Driver, "error", err)
		sink, shares = NopSink{}, NewMemoryShareStore()
	}
	s.Shares = shares
	s.async = NewAsyncChatLog(sink, cfg.ChatLog.QueueSize, logger)
	s.ChatLog = s.async

	logger.Info("stores opened",
		"history", cfg.History.Backend,
		"chat_log", cfg.ChatLog.Driver,
	)
	return s, nil
}

// openChatLog opens the chat log backend. It also serves shared
// conversations, which live in the same database.
func (s *Stores) openChatLog(ctx context.Context, cfg *config.Config, openSQLite func() (*SQLiteStore, error)) (domain.ChatLogSink, domain.ShareStore, error) {
	switch cfg.ChatLog.Driver {
	case "sqlite":
		st, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(ctx, chatLogConnectTimeout)
		defer cancel()
		pg, err := OpenPostgres(ctx, cfg.ChatLog.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, pg)
		return pg, pg, nil
	default:
		return NopSink{}, NewMemoryShareStore(), nil
	}
}

// Close flushes the chat log and closes every backend.
func (s *Stores) Close(ctx context.Context) error {
	var errs []error
	if s.async != nil {
		if err := s.async.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush chat log: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
