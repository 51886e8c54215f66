package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"rulebot/internal/config"
	"rulebot/internal/domain"
	"rulebot/internal/ingest"
	"rulebot/internal/knowledge"
	"rulebot/internal/memory"
	"rulebot/internal/provider"
	"rulebot/internal/rag"
)

// app holds the wired answer pipeline shared by ask, chat and serve.
type app struct {
	cfg        *config.Config
	embedder   domain.Embedder
	completion domain.Provider
	retriever  *knowledge.LazyRetriever
	stores     *memory.Stores
	service    *rag.Service
	started    time.Time
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	factory := provider.NewFactory(cfg, logger)

	embedder, err := factory.Embedder(ctx)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	completion, err := factory.Completion(ctx)
	if err != nil {
		closeIfCloser(embedder)
		return nil, fmt.Errorf("completion provider: %w", err)
	}

	prompt := rag.DefaultPromptTemplate()
	if cfg.General.PromptFile != "" {
		if prompt, err = rag.LoadPromptTemplate(cfg.General.PromptFile); err != nil {
			closeIfCloser(embedder)
			return nil, err
		}
	}

	stores, err := memory.Open(ctx, cfg, logger)
	if err != nil {
		closeIfCloser(embedder)
		return nil, fmt.Errorf("open stores: %w", err)
	}

	retriever := knowledge.NewLazyRetriever(cfg.Index.Dir, embedder, logger)
	service := rag.NewService(rag.ServiceConfig{
		Searcher: retriever,
		Composer: rag.NewComposer(rag.ComposerConfig{
			Provider:    completion,
			Prompt:      prompt,
			Model:       cfg.Completion.Model,
			Temperature: cfg.Completion.Temperature,
			MaxTokens:   cfg.Completion.MaxTokens,
			Timeout:     time.Duration(cfg.Completion.TimeoutSeconds) * time.Second,
			MaxRetries:  retriesOrNone(cfg.Completion.MaxRetries),
			Logger:      logger,
		}),
		Conversations: rag.NewConversationManager(rag.ConversationConfig{
			Store:          stores.Conversations,
			Window:         cfg.History.Window,
			RecordFailures: cfg.History.RecordFailures,
			Preamble:       prompt.HistoryPreamble,
			Logger:         logger,
		}),
		Prompt:  prompt,
		ChatLog: stores.ChatLog,
		Shares:  stores.Shares,
		K:       cfg.Retrieval.K,
		Logger:  logger,
	})

	return &app{
		cfg:        cfg,
		embedder:   embedder,
		completion: completion,
		retriever:  retriever,
		stores:     stores,
		service:    service,
		started:    time.Now(),
	}, nil
}

// retriesOrNone maps a configured 0 to "no retries"; the composer treats 0
// as "use the default".
func retriesOrNone(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Close flushes the chat log and releases provider clients.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(
		a.stores.Close(ctx),
		closeIfCloser(a.embedder),
		closeIfCloser(a.completion),
	)
}

func closeIfCloser(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// buildIndex loads the source documents, chunks them and rebuilds the index.
func buildIndex(ctx context.Context, cfg *config.Config, embedder domain.Embedder) (*knowledge.Manifest, error) {
	loader := ingest.NewLoader(ingest.LoaderConfig{
		Extensions: cfg.Documents.Extensions,
		PDFToText:  cfg.Documents.PDFToText,
		Logger:     logger,
	})
	docs, report, err := loader.Load(ctx, cfg.Documents.Dir)
	if err != nil {
		return nil, err
	}
	for _, s := range report.Skipped {
		if errors.Is(s.Err, exec.ErrNotFound) {
			logger.Error(ingest.InstallInstructions())
			break
		}
	}

	splitter, err := ingest.NewSplitter(
		ingest.WithChunkSize(cfg.Documents.ChunkSize),
		ingest.WithChunkOverlap(cfg.Documents.ChunkOverlap),
	)
	if err != nil {
		return nil, err
	}
	chunks := splitter.SplitDocuments(docs)
	logger.Info("documents chunked", "chunks", len(chunks), "size", cfg.Documents.ChunkSize, "overlap", cfg.Documents.ChunkOverlap)

	builder := knowledge.NewBuilder(knowledge.BuilderConfig{
		Dir:           cfg.Index.Dir,
		Collection:    cfg.Index.Collection,
		Embedder:      embedder,
		BatchSize:     cfg.Index.BatchSize,
		RatePerSecond: cfg.Index.RatePerSec,
		ChunkSize:     cfg.Documents.ChunkSize,
		ChunkOverlap:  cfg.Documents.ChunkOverlap,
		SourceDir:     cfg.Documents.Dir,
		Logger:        logger,
	})
	return builder.Build(ctx, chunks)
}
