package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"rulebot/internal/config"
	"rulebot/internal/domain"
	"rulebot/internal/ingest"

	"github.com/fsnotify/fsnotify"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	os.Exit(m.Run())
}

type lenEmbedder struct{}

func (lenEmbedder) Name() string      { return "test" }
func (lenEmbedder) ModelName() string { return "len-2" }

func (lenEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{1, float32(len(text))}, nil
}

func (e lenEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRetriesOrNone(t *testing.T) {
	if retriesOrNone(0) != -1 || retriesOrNone(3) != 3 {
		t.Fatal("0 should disable retries and other values pass through")
	}
}

func TestRelevantEvent(t *testing.T) {
	exts := ingest.ExtensionSet([]string{"pdf", ".TXT"})
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/d/rules.pdf", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/d/RULES.PDF", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/d/rules.pdf", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/d/sub/notes.txt", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/d/rules.pdf", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/d/notes.md", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/d/.rules.pdf", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/d/2024", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/d/2024", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := relevantEvent(tt.ev, exts); got != tt.want {
			t.Errorf("relevantEvent(%v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}

func TestWatchTree_AddsSubdirectories(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"2024/appendix", "2025", ".git/objects"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := watchTree(w, root); err != nil {
		t.Fatalf("watchTree: %v", err)
	}
	got := w.WatchList()
	sort.Strings(got)
	want := []string{
		root,
		filepath.Join(root, "2024"),
		filepath.Join(root, "2024", "appendix"),
		filepath.Join(root, "2025"),
	}
	sort.Strings(want)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("watched %v, want %v", got, want)
	}
}

func TestWatchDocuments_RebuildsOnSubdirectoryChange(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "2024")
	os.MkdirAll(sub, 0o755)
	cfg := config.Defaults()
	cfg.Documents.Dir = root
	cfg.Documents.Extensions = []string{"txt"}

	ctx, cancel := context.WithTimeout(context.Background(), 3*watchDebounce)
	defer cancel()
	rebuilt := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- watchDocuments(ctx, cfg, func() {
			select {
			case rebuilt <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "rules.txt"), []byte("new rule"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rebuilt:
	case <-ctx.Done():
		t.Fatal("no rebuild after a change in a subdirectory")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchDocuments: %v", err)
	}
}

func TestBuildIndex_TextDocuments(t *testing.T) {
	docs := t.TempDir()
	os.WriteFile(filepath.Join(docs, "kitei.txt"), []byte("The maximum number of cards is 25.\n\nPlayers bow before the match."), 0o644)

	cfg := config.Defaults()
	cfg.Documents.Dir = docs
	cfg.Documents.Extensions = []string{".txt"}
	cfg.Index.Dir = filepath.Join(t.TempDir(), "index")
	cfg.Index.RatePerSec = 0
	cfg.Embedding.Model = "len-2"

	m, err := buildIndex(context.Background(), cfg, lenEmbedder{})
	if err != nil {
		t.Fatalf("buildIndex: %v", err)
	}
	if m.ChunkCount == 0 || m.SourceDir != docs || m.Dimensions != 2 {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	var buf bytes.Buffer
	r := &report{out: &buf}
	checkIndex(r, cfg)
	if r.passed != 1 || r.failed != 0 {
		t.Fatalf("index check did not pass: %s", buf.String())
	}
}

func TestCheckIndex_Missing(t *testing.T) {
	cfg := config.Defaults()
	cfg.Index.Dir = filepath.Join(t.TempDir(), "none")

	var buf bytes.Buffer
	r := &report{out: &buf}
	checkIndex(r, cfg)
	if r.failed != 1 || !strings.Contains(buf.String(), "[FAIL]") {
		t.Fatalf("expected a failed index check, got %q", buf.String())
	}
	if err := r.summary(); err == nil {
		t.Fatal("summary should report the failure")
	}
}

func TestCheckDocuments(t *testing.T) {
	docs := t.TempDir()
	os.WriteFile(filepath.Join(docs, "a.TXT"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(docs, "b.md"), []byte("x"), 0o644)

	cfg := config.Defaults()
	cfg.Documents.Dir = docs
	cfg.Documents.Extensions = []string{".txt"}

	var buf bytes.Buffer
	r := &report{out: &buf}
	checkDocuments(r, cfg)
	if r.passed != 1 || !strings.Contains(buf.String(), "1 files") {
		t.Fatalf("unexpected documents check: %q", buf.String())
	}
}

func TestCheckDatabase(t *testing.T) {
	if err := checkDatabase(filepath.Join(t.TempDir(), "sub", "rulebot.db")); err != nil {
		t.Fatalf("checkDatabase: %v", err)
	}
}

func TestPrintChatLog(t *testing.T) {
	var buf bytes.Buffer
	printChatLog(&buf, nil)
	if !strings.Contains(buf.String(), "no chat log entries") {
		t.Fatalf("empty log output: %q", buf.String())
	}

	buf.Reset()
	printChatLog(&buf, []domain.ChatRecord{
		{Question: "札は\n何枚？", Channel: "web", CreatedAt: time.Now()},
		{Question: "q", Channel: "telegram", Failed: true, FailureKind: "timeout", CreatedAt: time.Now()},
	})
	out := buf.String()
	if !strings.Contains(out, "札は 何枚？") || !strings.Contains(out, "failed:timeout") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("あいうえお", 3); got != "あいう…" {
		t.Fatalf("oneLine = %q", got)
	}
}
