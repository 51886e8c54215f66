package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rulebot/internal/channel"
	"rulebot/internal/domain"
	"rulebot/internal/rag"

	"github.com/spf13/cobra"
)

func askCmd() *cobra.Command {
	var showSources bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a single question without history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.service.Ask(ctx, rag.Request{
				Channel:  domain.ChannelCLI,
				Question: strings.Join(args, " "),
			})
			fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
			if showSources && len(res.Sources) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n参照: %s\n", strings.Join(res.Sources, ", "))
			}
			if errors.Is(res.Err, domain.ErrIndexNotFound) {
				fmt.Fprintln(cmd.ErrOrStderr(), "no index found; run 'rulebot index' first")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showSources, "sources", "s", false, "print the cited rulebooks")
	return cmd
}

func chatCmd() *cobra.Command {
	var showSources bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.retriever.Manifest(); err != nil {
				logger.Warn("index not loaded; answers will be apologies until it is built", "dir", cfg.Index.Dir, "err", err)
			}

			cli := channel.NewCLI(channel.CLIConfig{
				Service:     a.service,
				In:          cmd.InOrStdin(),
				Out:         cmd.OutOrStdout(),
				ShowSources: showSources,
				Logger:      logger,
			})
			return cli.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&showSources, "sources", "s", false, "print the cited rulebooks under each answer")
	return cmd
}
