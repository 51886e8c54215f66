package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/philippgille/chromem-go"

	"rulebot/internal/domain"
	"rulebot/internal/metrics"
)

// Retriever answers top-k similarity queries against a loaded index. It is
// read-only and safe for concurrent use.
type Retriever struct {
	manifest Manifest
	coll     *chromem.Collection
	embedder domain.Embedder
}

// Load opens the index at dir. The embedder must be the one the index was
// built with; a different model makes the index unusable.
func Load(dir string, embedder domain.Embedder) (*Retriever, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no index at %s", domain.ErrIndexNotFound, dir)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexCorrupt, err)
	}
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if embedder.ModelName() != m.EmbeddingModel {
		return nil, fmt.Errorf("%w: index was built with embedding model %q but %q is configured; rebuild the index",
			domain.ErrIndexCorrupt, m.EmbeddingModel, embedder.ModelName())
	}

	dbPath := filepath.Join(dir, dbDir)
	if info, err := os.Stat(dbPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: missing vector db in %s", domain.ErrIndexCorrupt, dir)
	}
	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("%w: open vector db: %w", domain.ErrIndexCorrupt, err)
	}
	coll := db.GetCollection(m.Collection, embeddingFunc(embedder))
	if coll == nil {
		return nil, fmt.Errorf("%w: collection %q not found", domain.ErrIndexCorrupt, m.Collection)
	}
	if coll.Count() != m.ChunkCount {
		return nil, fmt.Errorf("%w: manifest lists %d chunks, db holds %d",
			domain.ErrIndexCorrupt, m.ChunkCount, coll.Count())
	}

	return &Retriever{manifest: *m, coll: coll, embedder: embedder}, nil
}

// Manifest returns the manifest of the loaded index.
func (r *Retriever) Manifest() Manifest { return r.manifest }

// Count returns the number of indexed chunks.
func (r *Retriever) Count() int { return r.coll.Count() }

// Search returns at most k chunks ordered by descending similarity. Equal
// scores keep index insertion order. An empty index yields no results.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	count := r.coll.Count()
	if count == 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, domain.ErrEmbeddingProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingProvider, err)
	}
	if len(vec) != r.manifest.Dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d",
			domain.ErrIndexCorrupt, len(vec), r.manifest.Dimensions)
	}

	// Overfetch so ties at the cut-off are resolved by insertion order
	// rather than by whatever order the vector store returned them in.
	n := min(count, 2*k)
	results, err := r.coll.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", domain.ErrIndexCorrupt, err)
	}

	hits := make([]domain.ScoredChunk, len(results))
	for i, res := range results {
		hits[i] = domain.ScoredChunk{Chunk: chunkFromResult(res), Score: float64(res.Similarity)}
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// sortHits orders by score descending, then by insertion sequence.
func sortHits(hits []domain.ScoredChunk) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.Metadata.Seq < hits[j].Chunk.Metadata.Seq
	})
}

// LazyRetriever loads the index on first use and can swap in a rebuilt index
// without interrupting in-flight searches.
type LazyRetriever struct {
	dir      string
	embedder domain.Embedder
	logger   *slog.Logger

	mu      sync.Mutex // serializes loads
	current atomic.Pointer[Retriever]
}

func NewLazyRetriever(dir string, embedder domain.Embedder, logger *slog.Logger) *LazyRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &LazyRetriever{dir: dir, embedder: embedder, logger: logger}
}

// Search loads the index if needed and delegates to it. While no index exists
// every call retries the load and fails with domain.ErrIndexNotFound.
func (l *LazyRetriever) Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error) {
	r, err := l.get()
	if err != nil {
		return nil, err
	}
	return r.Search(ctx, query, k)
}

func (l *LazyRetriever) get() (*Retriever, error) {
	if r := l.current.Load(); r != nil {
		return r, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.current.Load(); r != nil {
		return r, nil
	}
	r, err := Load(l.dir, l.embedder)
	if err != nil {
		return nil, err
	}
	l.current.Store(r)
	metrics.IndexChunks.Set(int64(r.Count()))
	l.logger.Info("index loaded", "dir", l.dir, "chunks", r.Count(), "model", r.manifest.EmbeddingModel)
	return r, nil
}

// Reload reads the index from disk again. On failure the previously loaded
// index stays in service.
func (l *LazyRetriever) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := Load(l.dir, l.embedder)
	if err != nil {
		l.logger.Warn("index reload failed; keeping current index", "dir", l.dir, "error", err)
		return err
	}
	l.current.Store(r)
	metrics.IndexChunks.Set(int64(r.Count()))
	metrics.IndexReloadsTotal.Inc()
	l.logger.Info("index reloaded", "dir", l.dir, "chunks", r.Count())
	return nil
}

// Manifest returns the manifest of the loaded index, loading it if needed.
func (l *LazyRetriever) Manifest() (*Manifest, error) {
	r, err := l.get()
	if err != nil {
		return nil, err
	}
	m := r.Manifest()
	return &m, nil
}
