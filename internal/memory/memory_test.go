package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"rulebot/internal/domain"
)

func turn(i int) domain.ConversationTurn {
	return domain.ConversationTurn{Question: fmt.Sprintf("q%d", i), Answer: fmt.Sprintf("a%d", i)}
}

// exerciseStore checks the ConversationStore contract shared by all backends.
func exerciseStore(t *testing.T, s domain.ConversationStore, maxTurns int) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Get(ctx, "web:unknown")
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown key should be empty, got %v, %v", got, err)
	}

	for i := 0; i < maxTurns+3; i++ {
		if err := s.Append(ctx, "web:alice", turn(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.Append(ctx, "web:bob", turn(100))

	got, err = s.Get(ctx, "web:alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != maxTurns {
		t.Fatalf("expected %d retained turns, got %d", maxTurns, len(got))
	}
	if got[0].Question != "q3" || got[len(got)-1].Question != fmt.Sprintf("q%d", maxTurns+2) {
		t.Fatalf("expected oldest turns dropped, got %q..%q", got[0].Question, got[len(got)-1].Question)
	}

	if err := s.Clear(ctx, "web:alice"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := s.Get(ctx, "web:alice"); len(got) != 0 {
		t.Fatalf("expected cleared history, got %d turns", len(got))
	}
	if got, _ := s.Get(ctx, "web:bob"); len(got) != 1 {
		t.Fatal("clearing one key must not affect another")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(5), 5)
}

func TestMemoryStore_Unbounded(t *testing.T) {
	s := NewMemoryStore(0)
	for i := 0; i < 120; i++ {
		s.Append(context.Background(), "k", turn(i))
	}
	got, _ := s.Get(context.Background(), "k")
	if len(got) != 120 {
		t.Fatalf("expected 120 turns, got %d", len(got))
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore(10)
	s.Append(context.Background(), "k", turn(1))
	got, _ := s.Get(context.Background(), "k")
	got[0].Answer = "mutated"
	again, _ := s.Get(context.Background(), "k")
	if again[0].Answer != "a1" {
		t.Fatal("Get must not expose internal state")
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", g%2)
			for i := 0; i < 100; i++ {
				s.Append(context.Background(), key, turn(i))
				s.Get(context.Background(), key)
			}
		}(g)
	}
	wg.Wait()
	got, _ := s.Get(context.Background(), "k0")
	if len(got) != 50 {
		t.Fatalf("expected cap of 50, got %d", len(got))
	}
}

func TestMemoryShareStore(t *testing.T) {
	s := NewMemoryShareStore()
	ctx := context.Background()
	sc := domain.SharedConversation{Token: "tok", Turns: []domain.ConversationTurn{turn(1)}}
	if err := s.SaveShared(ctx, sc); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetShared(ctx, "tok")
	if err != nil || len(got.Turns) != 1 {
		t.Fatalf("unexpected shared conversation: %+v, %v", got, err)
	}
	if _, err := s.GetShared(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
