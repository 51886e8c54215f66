package rag

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"rulebot/internal/domain"
	"rulebot/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider is a scripted completion provider. Queued errors are returned
// first; after that reply builds the answer from the request.
type fakeProvider struct {
	mu       sync.Mutex
	errs     []error
	reply    func(req domain.ChatRequest) string
	requests []domain.ChatRequest
}

func (p *fakeProvider) Name() string                    { return "fake" }
func (p *fakeProvider) Healthy(context.Context) error { return nil }

func (p *fakeProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	content := "ok"
	if p.reply != nil {
		content = p.reply(req)
	}
	return &domain.ChatResponse{Content: content}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// groundedReply answers with the first labelled context block, the way a
// grounded model cites its source.
func groundedReply(req domain.ChatRequest) string {
	user := req.Messages[len(req.Messages)-1].Content
	start := strings.Index(user, "【")
	if start < 0 {
		return "コンテキストがありません。"
	}
	rest := user[start+len("【"):]
	label, body, _ := strings.Cut(rest, "】\n")
	line, _, _ := strings.Cut(body, "\n")
	return label + "によると、" + line
}

// failingProvider always fails with a permanent error.
func failingProvider() *fakeProvider {
	errs := make([]error, 100)
	for i := range errs {
		errs[i] = &provider.StatusError{Provider: "fake", StatusCode: 400, Body: "bad request"}
	}
	return &fakeProvider{errs: errs}
}

// bowEmbedder is a deterministic bag-of-words embedder.
type bowEmbedder struct{}

func (bowEmbedder) Name() string      { return "test" }
func (bowEmbedder) ModelName() string { return "bow-64" }

func (bowEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 64)
	v[0] = 0.1
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[1+h.Sum32()%63]++
	}
	return v, nil
}

func (e bowEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

// staticSearcher returns fixed hits and records queries.
type staticSearcher struct {
	hits    []domain.ScoredChunk
	err     error
	queries []string
}

func (s *staticSearcher) Search(_ context.Context, q string, k int) ([]domain.ScoredChunk, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > k {
		return s.hits[:k], nil
	}
	return s.hits, nil
}

func hit(source, text string, score float64) domain.ScoredChunk {
	return domain.ScoredChunk{
		Chunk: domain.Chunk{Text: text, Metadata: domain.ChunkMetadata{Source: source, Page: 1}},
		Score: score,
	}
}

func fastComposer(p domain.Provider) *Composer {
	return NewComposer(ComposerConfig{
		Provider:  p,
		BaseDelay: time.Millisecond,
		Timeout:   time.Second,
		Logger:    testLogger(),
	})
}

// memStore is a minimal ConversationStore for tests.
type memStore struct {
	mu     sync.Mutex
	turns  map[string][]domain.ConversationTurn
	getErr error
}

func newMemStore() *memStore { return &memStore{turns: map[string][]domain.ConversationTurn{}} }

func (s *memStore) Get(_ context.Context, key string) ([]domain.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return append([]domain.ConversationTurn(nil), s.turns[key]...), nil
}

func (s *memStore) Append(_ context.Context, key string, t domain.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[key] = append(s.turns[key], t)
	return nil
}

func (s *memStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, key)
	return nil
}

var errBoom = errors.New("boom")
