package knowledge

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"rulebot/internal/domain"
)

// bowEmbedder is a deterministic bag-of-words embedder for tests.
type bowEmbedder struct {
	model string
	fail  error
	calls int
}

func (e *bowEmbedder) Name() string { return "test" }

func (e *bowEmbedder) ModelName() string {
	if e.model == "" {
		return "bow-64"
	}
	return e.model
}

func (e *bowEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.fail != nil {
		return nil, e.fail
	}
	return bow(text), nil
}

func (e *bowEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func bow(text string) []float32 {
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
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunk(seq int, source, text string) domain.Chunk {
	return domain.Chunk{
		ID:       source + "#" + string(rune('a'+seq)),
		Text:     text,
		Metadata: domain.ChunkMetadata{Source: source, Page: 1, Seq: seq},
	}
}

var ruleChunks = []domain.Chunk{
	chunk(0, "rules.txt", "The maximum number of cards is 25."),
	chunk(1, "rules.txt", "Players bow to each other before the match starts."),
	chunk(2, "rules.txt", "The reader reads the first verse twice."),
	chunk(3, "other.txt", "Referees record every fault in the match sheet."),
}

func build(t *testing.T, dir string, e domain.Embedder, chunks []domain.Chunk) *Manifest {
	t.Helper()
	b := NewBuilder(BuilderConfig{
		Dir: dir, Collection: "rules", Embedder: e, BatchSize: 2,
		ChunkSize: 850, ChunkOverlap: 200, Logger: testLogger(),
	})
	m, err := b.Build(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func TestBuildAndSearch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	m := build(t, dir, e, ruleChunks)

	if m.ChunkCount != 4 || m.Dimensions != 64 || m.EmbeddingModel != "bow-64" {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	r, err := Load(dir, e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	hits, err := r.Search(context.Background(), "What is the maximum number of cards?", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if !strings.Contains(hits[0].Chunk.Text, "25") {
		t.Fatalf("expected the card-count chunk first, got %q", hits[0].Chunk.Text)
	}
	if hits[0].Chunk.Metadata.Source != "rules.txt" || hits[0].Chunk.Metadata.Page != 1 {
		t.Fatalf("metadata not preserved: %+v", hits[0].Chunk.Metadata)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("scores not non-increasing: %v", hits)
		}
	}
}

func TestSearch_TiesKeepInsertionOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	chunks := []domain.Chunk{
		chunk(0, "a.txt", "unrelated text about referees"),
		chunk(1, "a.txt", "cards are placed face up"),
		chunk(2, "b.txt", "cards are placed face up"),
		chunk(3, "c.txt", "cards are placed face up"),
	}
	build(t, dir, e, chunks)
	r, err := Load(dir, e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	hits, err := r.Search(context.Background(), "cards are placed face up", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.Metadata.Seq != 1 || hits[1].Chunk.Metadata.Seq != 2 {
		t.Fatalf("ties should follow insertion order, got seq %d then %d",
			hits[0].Chunk.Metadata.Seq, hits[1].Chunk.Metadata.Seq)
	}
}

func TestSearch_KLargerThanIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	build(t, dir, e, ruleChunks[:2])
	r, err := Load(dir, e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	hits, err := r.Search(context.Background(), "cards", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
}

func TestSearch_InvalidK(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	build(t, dir, e, ruleChunks)
	r, _ := Load(dir, e)
	if _, err := r.Search(context.Background(), "cards", 0); err == nil {
		t.Fatal("expected error for k=0")
	}
}

func TestEmptyIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	m := build(t, dir, e, nil)
	if m.ChunkCount != 0 {
		t.Fatalf("expected empty manifest, got %d chunks", m.ChunkCount)
	}

	r, err := Load(dir, e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	hits, err := r.Search(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
	if e.calls != 0 {
		t.Fatal("empty index should not embed the query")
	}
}

func TestLoad_Errors(t *testing.T) {
	e := &bowEmbedder{}

	t.Run("missing dir", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope"), e)
		if !errors.Is(err, domain.ErrIndexNotFound) {
			t.Fatalf("expected ErrIndexNotFound, got %v", err)
		}
	})

	t.Run("no manifest", func(t *testing.T) {
		_, err := Load(t.TempDir(), e)
		if !errors.Is(err, domain.ErrIndexNotFound) {
			t.Fatalf("expected ErrIndexNotFound, got %v", err)
		}
	})

	t.Run("bad manifest", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, manifestFile), []byte("{"), 0o644)
		_, err := Load(dir, e)
		if !errors.Is(err, domain.ErrIndexCorrupt) {
			t.Fatalf("expected ErrIndexCorrupt, got %v", err)
		}
	})

	t.Run("missing db", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "index")
		build(t, dir, e, ruleChunks)
		os.RemoveAll(filepath.Join(dir, dbDir))
		_, err := Load(dir, e)
		if !errors.Is(err, domain.ErrIndexCorrupt) {
			t.Fatalf("expected ErrIndexCorrupt, got %v", err)
		}
	})

	t.Run("model mismatch", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "index")
		build(t, dir, e, ruleChunks)
		_, err := Load(dir, &bowEmbedder{model: "other-model"})
		if !errors.Is(err, domain.ErrIndexCorrupt) {
			t.Fatalf("expected ErrIndexCorrupt, got %v", err)
		}
	})
}

func TestBuild_FailureKeepsPreviousIndex(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "index")
	good := &bowEmbedder{}
	build(t, dir, good, ruleChunks)

	bad := &bowEmbedder{fail: errors.New("429 too many requests")}
	b := NewBuilder(BuilderConfig{Dir: dir, Collection: "rules", Embedder: bad, Logger: testLogger()})
	_, err := b.Build(context.Background(), ruleChunks[:1])
	if !errors.Is(err, domain.ErrEmbeddingProvider) {
		t.Fatalf("expected ErrEmbeddingProvider, got %v", err)
	}

	r, err := Load(dir, good)
	if err != nil {
		t.Fatalf("previous index should still load: %v", err)
	}
	if r.Count() != len(ruleChunks) {
		t.Fatalf("previous index changed: %d chunks", r.Count())
	}

	entries, _ := os.ReadDir(parent)
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, en := range entries {
			names[i] = en.Name()
		}
		t.Fatalf("temporary directories left behind: %v", names)
	}
}

func TestBuild_ReplacesIndex(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "index")
	e := &bowEmbedder{}
	build(t, dir, e, ruleChunks)
	build(t, dir, e, ruleChunks[:1])

	r, err := Load(dir, e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("expected rebuilt index with 1 chunk, got %d", r.Count())
	}
	entries, _ := os.ReadDir(parent)
	if len(entries) != 1 {
		t.Fatalf("expected only the index directory, got %d entries", len(entries))
	}
}

func TestSearch_EmbeddingFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	build(t, dir, e, ruleChunks)
	r, _ := Load(dir, e)

	e.fail = errors.New("connection refused")
	_, err := r.Search(context.Background(), "cards", 3)
	if !errors.Is(err, domain.ErrEmbeddingProvider) {
		t.Fatalf("expected ErrEmbeddingProvider, got %v", err)
	}
}

func TestLazyRetriever(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	e := &bowEmbedder{}
	lr := NewLazyRetriever(dir, e, testLogger())

	if _, err := lr.Search(context.Background(), "cards", 3); !errors.Is(err, domain.ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound before build, got %v", err)
	}

	build(t, dir, e, ruleChunks)
	hits, err := lr.Search(context.Background(), "maximum number of cards", 1)
	if err != nil {
		t.Fatalf("Search after build: %v", err)
	}
	if len(hits) != 1 || !strings.Contains(hits[0].Chunk.Text, "25") {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	build(t, dir, e, ruleChunks[1:2])
	if err := lr.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	m, err := lr.Manifest()
	if err != nil || m.ChunkCount != 1 {
		t.Fatalf("expected reloaded manifest with 1 chunk, got %+v, %v", m, err)
	}

	os.RemoveAll(dir)
	if err := lr.Reload(); err == nil {
		t.Fatal("expected reload error for missing index")
	}
	if _, err := lr.Search(context.Background(), "bow", 1); err != nil {
		t.Fatalf("failed reload should keep serving the old index: %v", err)
	}
}
