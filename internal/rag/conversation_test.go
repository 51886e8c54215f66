package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func newManager(store *memStore, recordFailures bool) *ConversationManager {
	return NewConversationManager(ConversationConfig{
		Store:          store,
		RecordFailures: recordFailures,
		Logger:         testLogger(),
	})
}

func TestExpand_NoHistory(t *testing.T) {
	m := newManager(newMemStore(), true)
	if got := m.Expand(context.Background(), "web:u1", "札は何枚？"); got != "札は何枚？" {
		t.Fatalf("question without history should be unchanged, got %q", got)
	}
}

func TestExpand_Format(t *testing.T) {
	ctx := context.Background()
	m := newManager(newMemStore(), true)
	m.Record(ctx, "web:u1", "札は何枚？", "競技規定によると50枚です。", false)

	got := m.Expand(ctx, "web:u1", "それは団体戦でも同じ？")
	want := DefaultPromptTemplate().HistoryPreamble + "\n\n" +
		"[1] User: 札は何枚？\n" +
		"    Assistant: 競技規定によると50枚です。\n" +
		"\nNew question: それは団体戦でも同じ？"
	if got != want {
		t.Fatalf("Expand:\n got %q\nwant %q", got, want)
	}
}

func TestExpand_WindowKeepsLastTurns(t *testing.T) {
	ctx := context.Background()
	m := newManager(newMemStore(), true)
	for i := 1; i <= 8; i++ {
		m.Record(ctx, "telegram:7", fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i), false)
	}

	got := m.Expand(ctx, "telegram:7", "next")
	for i := 1; i <= 3; i++ {
		if strings.Contains(got, fmt.Sprintf("question %d\n", i)) {
			t.Fatalf("turn %d should be outside the window:\n%s", i, got)
		}
	}
	for i := 4; i <= 8; i++ {
		if !strings.Contains(got, fmt.Sprintf("question %d\n", i)) {
			t.Fatalf("turn %d missing from the window:\n%s", i, got)
		}
	}
	if !strings.Contains(got, "[1] User: question 4") || !strings.Contains(got, "[5] User: question 8") {
		t.Fatalf("window should be numbered from 1:\n%s", got)
	}
}

func TestExpand_ConversationsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newManager(newMemStore(), true)
	m.Record(ctx, "web:a", "secret question", "secret answer", false)
	if got := m.Expand(ctx, "web:b", "hello"); got != "hello" {
		t.Fatalf("history leaked across conversations: %q", got)
	}
}

func TestExpand_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.getErr = errBoom
	m := newManager(store, true)
	if got := m.Expand(context.Background(), "web:u1", "q"); got != "q" {
		t.Fatalf("store failure should fall back to the bare question, got %q", got)
	}
}

func TestRecord_FailurePolicy(t *testing.T) {
	ctx := context.Background()

	store := newMemStore()
	skip := newManager(store, false)
	skip.Record(ctx, "web:u1", "q", "apology", true)
	if turns, _ := store.Get(ctx, "web:u1"); len(turns) != 0 {
		t.Fatalf("failed turn should be skipped, got %d turns", len(turns))
	}

	keep := newManager(store, true)
	keep.Record(ctx, "web:u1", "q", "apology", true)
	turns, _ := store.Get(ctx, "web:u1")
	if len(turns) != 1 || turns[0].Answer != "apology" {
		t.Fatalf("failed turn should be recorded, got %+v", turns)
	}
	if turns[0].CreatedAt.IsZero() {
		t.Fatal("turn timestamp not set")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m := newManager(newMemStore(), true)
	m.Record(ctx, "web:u1", "q", "a", false)
	if err := m.Clear(ctx, "web:u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := m.Expand(ctx, "web:u1", "q2"); got != "q2" {
		t.Fatalf("history should be gone after Clear, got %q", got)
	}
}
