package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"rulebot/internal/domain"
	"rulebot/internal/memory"

	"github.com/spf13/cobra"
)

func logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the most recent chat log entries",
		Long:  "Reads the local SQLite chat log. Not available when the chat log is written to Postgres.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.ChatLog.Driver != "sqlite" {
				return fmt.Errorf("chat log driver is %q; logs only reads sqlite", cfg.ChatLog.Driver)
			}
			store, err := memory.NewSQLiteStore(cfg.ChatLog.DBPath, cfg.History.MaxStoredTurns, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			recs, err := store.RecentChats(ctx, limit)
			if err != nil {
				return fmt.Errorf("read chat log: %w", err)
			}
			printChatLog(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func printChatLog(w io.Writer, recs []domain.ChatRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no chat log entries")
		return
	}
	for _, r := range recs {
		status := "ok"
		if r.Failed {
			status = "failed:" + r.FailureKind
		}
		fmt.Fprintf(w, "%s  %-8s %-22s %s\n", r.CreatedAt.Local().Format(time.DateTime), r.Channel, status, oneLine(r.Question, 60))
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
