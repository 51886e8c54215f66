package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/philippgille/chromem-go"
	"golang.org/x/time/rate"

	"rulebot/internal/domain"
	"rulebot/internal/metrics"
)

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Dir           string // final index directory
	Collection    string
	Embedder      domain.Embedder
	BatchSize     int     // chunks per embedding request (default: 32)
	RatePerSecond float64 // embedding requests per second; 0 = unlimited
	ChunkSize     int     // recorded in the manifest
	ChunkOverlap  int     // recorded in the manifest
	SourceDir     string  // recorded in the manifest
	Logger        *slog.Logger
}

// Builder embeds chunks and writes a complete index. Builds are all or
// nothing: the previous index stays in place until the new one is complete.
type Builder struct {
	cfg     BuilderConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Builder{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Build embeds all chunks and atomically replaces the index directory. Zero
// chunks produce a valid empty index.
func (b *Builder) Build(ctx context.Context, chunks []domain.Chunk) (*Manifest, error) {
	if b.cfg.Embedder == nil {
		return nil, errors.New("builder has no embedder")
	}
	start := b.now()

	parent := filepath.Dir(filepath.Clean(b.cfg.Dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create index parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(b.cfg.Dir)+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("create temp index dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	db, err := chromem.NewPersistentDB(filepath.Join(tmp, dbDir), false)
	if err != nil {
		return nil, fmt.Errorf("%w: open vector db: %w", domain.ErrIndexCorrupt, err)
	}
	coll, err := db.CreateCollection(b.cfg.Collection, map[string]string{"hnsw:space": "cosine"}, embeddingFunc(b.cfg.Embedder))
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	dims := 0
	for off := 0; off < len(chunks); off += b.cfg.BatchSize {
		end := min(off+b.cfg.BatchSize, len(chunks))
		batch := chunks[off:end]

		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vectors, err := b.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for i, v := range vectors {
			if dims == 0 {
				dims = len(v)
			}
			if len(v) != dims {
				return nil, fmt.Errorf("%w: chunk %s has %d dimensions, expected %d",
					domain.ErrEmbeddingProvider, batch[i].ID, len(v), dims)
			}
		}

		ids := make([]string, len(batch))
		metas := make([]map[string]string, len(batch))
		contents := make([]string, len(batch))
		for i, c := range batch {
			ids[i] = c.ID
			metas[i] = chunkMetadata(c)
			contents[i] = c.Text
		}
		if err := coll.Add(ctx, ids, vectors, metas, contents); err != nil {
			return nil, fmt.Errorf("add chunks to collection: %w", err)
		}

		b.logger.Debug("embedded batch", "from", off, "to", end, "total", len(chunks))
	}

	m := &Manifest{
		FormatVersion:     formatVersion,
		EmbeddingProvider: b.cfg.Embedder.Name(),
		EmbeddingModel:    b.cfg.Embedder.ModelName(),
		Dimensions:        dims,
		ChunkCount:        coll.Count(),
		ChunkSize:         b.cfg.ChunkSize,
		ChunkOverlap:      b.cfg.ChunkOverlap,
		SourceDir:         b.cfg.SourceDir,
		Collection:        b.cfg.Collection,
		BuiltAt:           b.now().UTC(),
	}
	if err := writeManifest(tmp, m); err != nil {
		return nil, err
	}
	if err := swapDir(tmp, b.cfg.Dir); err != nil {
		return nil, err
	}
	committed = true
	metrics.IndexBuildsTotal.Inc()

	b.logger.Info("index built",
		"dir", b.cfg.Dir, "chunks", m.ChunkCount, "dimensions", dims,
		"model", m.EmbeddingModel, "duration", b.now().Sub(start).Round(time.Millisecond))
	return m, nil
}

func (b *Builder) embedBatch(ctx context.Context, batch []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := b.cfg.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, domain.ErrEmbeddingProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingProvider, err)
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks",
			domain.ErrEmbeddingProvider, len(vectors), len(batch))
	}
	return vectors, nil
}

// swapDir moves src into place at dst. An existing dst is renamed aside first
// and removed only after src is in place; on failure it is restored.
func swapDir(src, dst string) error {
	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = fmt.Sprintf("%s.old-%d", dst, time.Now().UnixNano())
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("move previous index aside: %w", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if old != "" {
			os.Rename(old, dst)
		}
		return fmt.Errorf("move new index into place: %w", err)
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}
