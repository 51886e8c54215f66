package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"rulebot/internal/config"
	"rulebot/internal/knowledge"
	"rulebot/internal/provider"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, documents, index and providers",
		Long: `Runs diagnostic checks against the effective configuration and reports
pass/fail for each. Exits non-zero when a check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rulebot status v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &report{out: out}

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config", err.Error())
				return r.summary()
			}
			source := configPath
			if source == "" {
				source = "defaults + environment"
			}
			r.pass("Config", source)

			checkDocuments(r, cfg)
			checkIndex(r, cfg)

			if cfg.ChatLog.Driver == "sqlite" || cfg.History.Backend == "sqlite" {
				if err := checkDatabase(cfg.ChatLog.DBPath); err != nil {
					r.fail("Database", err.Error())
				} else {
					r.pass("Database", cfg.ChatLog.DBPath)
				}
			} else {
				r.pass("Database", "driver "+cfg.ChatLog.Driver)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg, logger)
			if p, err := factory.Completion(ctx); err != nil {
				r.fail("Completion", err.Error())
			} else if err := p.Healthy(ctx); err != nil {
				r.warn("Completion", fmt.Sprintf("%s: %v", p.Name(), err))
			} else {
				r.pass("Completion", p.Name())
			}
			if e, err := factory.Embedder(ctx); err != nil {
				r.fail("Embedding", err.Error())
			} else {
				r.pass("Embedding", e.Name()+"/"+e.ModelName())
				closeIfCloser(e)
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Port", fmt.Sprintf("%d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			return r.summary()
		},
	}
}

type report struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-14s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-14s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-14s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Fprintf(r.out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(r.out, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkDocuments(r *report, cfg *config.Config) {
	entries, err := os.ReadDir(cfg.Documents.Dir)
	if err != nil {
		r.fail("Documents", err.Error())
		return
	}
	exts := make(map[string]bool, len(cfg.Documents.Extensions))
	for _, e := range cfg.Documents.Extensions {
		exts[strings.ToLower(e)] = true
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && exts[strings.ToLower(filepath.Ext(e.Name()))] {
			n++
		}
	}
	if n == 0 {
		r.warn("Documents", "no matching files in "+cfg.Documents.Dir)
	} else {
		r.pass("Documents", fmt.Sprintf("%d files in %s", n, cfg.Documents.Dir))
	}

	if exts[".pdf"] {
		if path, err := exec.LookPath(cfg.Documents.PDFToText); err != nil {
			r.fail("pdftotext", cfg.Documents.PDFToText+" not found on PATH")
		} else {
			r.pass("pdftotext", path)
		}
	}
}

func checkIndex(r *report, cfg *config.Config) {
	m, err := knowledge.ReadManifest(cfg.Index.Dir)
	if err != nil {
		r.fail("Index", err.Error())
		return
	}
	detail := fmt.Sprintf("%d chunks, %s, built %s", m.ChunkCount, m.EmbeddingModel, m.BuiltAt.Local().Format(time.DateTime))
	if m.EmbeddingModel != cfg.Embedding.Model {
		r.warn("Index", detail+fmt.Sprintf(" (config embeds with %s; rebuild)", cfg.Embedding.Model))
		return
	}
	r.pass("Index", detail)
}

func checkDatabase(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _status_check (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _status_check")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
