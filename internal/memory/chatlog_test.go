package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rulebot/internal/domain"
)

type recordingSink struct {
	mu    sync.Mutex
	recs  []domain.ChatRecord
	err   error
	block chan struct{}
}

func (s *recordingSink) LogChat(_ context.Context, rec domain.ChatRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestAsyncChatLog_DeliversAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsyncChatLog(sink, 16, testLogger())
	for i := 0; i < 10; i++ {
		a.LogChat(context.Background(), domain.ChatRecord{Question: "q", Channel: "web"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.count() != 10 {
		t.Fatalf("expected 10 records, got %d", sink.count())
	}
	// Writes after close are dropped, not panics.
	if err := a.LogChat(context.Background(), domain.ChatRecord{}); err != nil {
		t.Fatal(err)
	}
}

func TestAsyncChatLog_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsyncChatLog(sink, 1, testLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			a.LogChat(context.Background(), domain.ChatRecord{Question: "q"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LogChat blocked on a full queue")
	}

	close(sink.block)
	a.Close(context.Background())
	if n := sink.count(); n == 0 || n > 2 {
		t.Fatalf("expected at most worker+queue records, got %d", n)
	}
}

func TestAsyncChatLog_SinkErrorIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	a := NewAsyncChatLog(sink, 4, testLogger())
	if err := a.LogChat(context.Background(), domain.ChatRecord{Question: "q"}); err != nil {
		t.Fatalf("LogChat should not surface sink errors: %v", err)
	}
	a.Close(context.Background())
	if sink.count() != 1 {
		t.Fatalf("expected one attempted write, got %d", sink.count())
	}
}

func TestNopSink(t *testing.T) {
	if err := (NopSink{}).LogChat(context.Background(), domain.ChatRecord{}); err != nil {
		t.Fatal(err)
	}
}
