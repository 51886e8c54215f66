package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rulebot/internal/domain"
	"rulebot/internal/metrics"
)

// NopSink discards chat records.
type NopSink struct{}

func (NopSink) LogChat(context.Context, domain.ChatRecord) error { return nil }

const chatLogWriteTimeout = 10 * time.Second

// AsyncChatLog writes chat records on a background goroutine so the answer
// path never waits on the database. When the queue is full the record is
// dropped and counted.
type AsyncChatLog struct {
	sink   domain.ChatLogSink
	queue  chan domain.ChatRecord
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncChatLog(sink domain.ChatLogSink, queueSize int, logger *slog.Logger) *AsyncChatLog {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncChatLog{
		sink:   sink,
		queue:  make(chan domain.ChatRecord, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// LogChat enqueues rec and never blocks.
func (a *AsyncChatLog) LogChat(_ context.Context, rec domain.ChatRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.ChatLogDropped.Inc()
		return nil
	}
	select {
	case a.queue <- rec:
	default:
		metrics.ChatLogDropped.Inc()
		a.logger.Warn("chat log queue full; dropping record", "channel", rec.Channel)
	}
	return nil
}

func (a *AsyncChatLog) run() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), chatLogWriteTimeout)
		if err := a.sink.LogChat(ctx, rec); err != nil {
			metrics.ChatLogDropped.Inc()
			a.logger.Warn("chat log write failed", "channel", rec.Channel, "err", err)
		}
		cancel()
	}
}

// Close drains the queue and waits for pending writes, up to ctx.
func (a *AsyncChatLog) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
