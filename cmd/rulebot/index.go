package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rulebot/internal/config"
	"rulebot/internal/domain"
	"rulebot/internal/ingest"
	"rulebot/internal/provider"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const watchDebounce = 2 * time.Second

func indexCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the vector index from the rule PDFs",
		Long: "Extracts text from every document in documents.dir, chunks it, embeds the\n" +
			"chunks and atomically replaces the index at index.dir. With --watch the\n" +
			"index is rebuilt whenever the documents change.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			embedder, err := provider.NewFactory(cfg, logger).Embedder(ctx)
			if err != nil {
				return fmt.Errorf("embedder: %w", err)
			}
			defer closeIfCloser(embedder)

			if err := runIndex(ctx, cmd, cfg, embedder); err != nil && !watch {
				return err
			}
			if !watch {
				return nil
			}
			return watchDocuments(ctx, cfg, func() {
				if err := runIndex(ctx, cmd, cfg, embedder); err != nil {
					logger.Error("rebuild failed; previous index kept", "err", err)
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rebuild when the documents directory changes")
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, cfg *config.Config, embedder domain.Embedder) error {
	m, err := buildIndex(ctx, cfg, embedder)
	if err != nil {
		logger.Error("index build failed", "kind", domain.FailureKind(err), "err", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks into %s (%s, %d dims)\n",
		m.ChunkCount, cfg.Index.Dir, m.EmbeddingModel, m.Dimensions)
	return nil
}

// watchDocuments calls rebuild after the documents tree has been quiet for
// watchDebounce. It returns when ctx is cancelled.
func watchDocuments(ctx context.Context, cfg *config.Config, rebuild func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := watchTree(w, cfg.Documents.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.Documents.Dir, err)
	}
	logger.Info("watching documents", "dir", cfg.Documents.Dir, "dirs", len(w.WatchList()))

	exts := ingest.ExtensionSet(cfg.Documents.Extensions)

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && isDir(ev.Name) {
				if err := watchTree(w, ev.Name); err != nil {
					logger.Warn("cannot watch new directory", "dir", ev.Name, "err", err)
				}
				timer.Reset(watchDebounce)
				continue
			}
			if !relevantEvent(ev, exts) {
				continue
			}
			logger.Debug("document change", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)
		case <-timer.C:
			rebuild()
		}
	}
}

// watchTree adds root and every directory below it; fsnotify watches are
// not recursive.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("cannot watch directory", "dir", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return w.Add(path)
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// relevantEvent reports whether ev can change what the loader reads. A
// removed or renamed name without an extension may have been a directory
// of documents, so it counts too.
func relevantEvent(ev fsnotify.Event, exts map[string]bool) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		return ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
	}
	return exts[ext]
}
