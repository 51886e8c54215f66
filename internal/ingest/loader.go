package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"rulebot/internal/domain"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Extensions []string      // accepted extensions, case-insensitive (default: .pdf)
	PDFToText  string        // pdftotext binary (default: pdftotext)
	Runner     CommandRunner // defaults to os/exec
	Logger     *slog.Logger
}

// Loader enumerates a source directory and extracts page text.
type Loader struct {
	extensions map[string]bool
	pdfToText  string
	runner     CommandRunner
	logger     *slog.Logger
}

func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.PDFToText == "" {
		cfg.PDFToText = "pdftotext"
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loader{
		extensions: ExtensionSet(cfg.Extensions),
		pdfToText:  cfg.PDFToText,
		runner:     cfg.Runner,
		logger:     cfg.Logger,
	}
}

// SkippedFile records a file that could not be read.
type SkippedFile struct {
	Path string
	Err  error
}

// LoadReport summarises a Load call.
type LoadReport struct {
	Files   int
	Pages   int
	Skipped []SkippedFile
}

// Load reads every accepted file under dir in lexical order. Unreadable files
// are skipped with a warning and listed in the report; only a missing or
// unreadable root directory fails the call.
func (l *Loader) Load(ctx context.Context, dir string) ([]domain.SourceDocument, *LoadReport, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: source directory %s: %w", domain.ErrDocumentRead, dir, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is not a directory", domain.ErrDocumentRead, dir)
	}

	report := &LoadReport{}
	var docs []domain.SourceDocument

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			l.skip(report, path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !l.Accepts(path) {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		rel = filepath.ToSlash(rel)

		pages, readErr := l.readFile(ctx, path)
		if readErr != nil {
			l.skip(report, rel, readErr)
			return nil
		}
		report.Files++
		report.Pages += len(pages)
		docs = append(docs, domain.SourceDocument{Path: rel, Pages: pages})
		return nil
	})
	if walkErr != nil {
		return nil, nil, fmt.Errorf("%w: walk %s: %w", domain.ErrDocumentRead, dir, walkErr)
	}

	l.logger.Info("documents loaded",
		"dir", dir, "files", report.Files, "pages", report.Pages, "skipped", len(report.Skipped))
	return docs, report, nil
}

// ExtensionSet normalizes extensions to lower case with a leading dot. An
// empty list means PDF only.
func ExtensionSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		exts = []string{".pdf"}
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// Accepts reports whether Load would read the file at path.
func (l *Loader) Accepts(path string) bool {
	return l.extensions[strings.ToLower(filepath.Ext(path))]
}

func (l *Loader) skip(report *LoadReport, path string, err error) {
	err = fmt.Errorf("%w: %w", domain.ErrDocumentRead, err)
	l.logger.Warn("skipping unreadable document", "path", path, "error", err)
	report.Skipped = append(report.Skipped, SkippedFile{Path: path, Err: err})
}

func (l *Loader) readFile(ctx context.Context, path string) ([]domain.Page, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		out, err := l.runner.Run(ctx, l.pdfToText, "-enc", "UTF-8", path, "-")
		if err != nil {
			return nil, err
		}
		return splitPages(string(out)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.Page{{Number: 0, Text: normalizeText(string(data))}}, nil
}

// splitPages splits pdftotext output on form feeds. Page numbers are 1-based
// and blank pages keep their number so later pages stay aligned.
func splitPages(out string) []domain.Page {
	raw := strings.Split(out, "\f")
	// pdftotext terminates every page, including the last, with a form feed.
	if len(raw) > 1 && strings.TrimSpace(raw[len(raw)-1]) == "" {
		raw = raw[:len(raw)-1]
	}
	var pages []domain.Page
	for i, text := range raw {
		text = normalizeText(text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: text})
	}
	return pages
}

func normalizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// InstallInstructions explains how to get the PDF extractor.
func InstallInstructions() string {
	return "pdftotext (poppler) is required to read PDF files:\n" +
		"  macOS:  brew install poppler\n" +
		"  Debian: apt install poppler-utils"
}
