package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rulebot/internal/channel"
	"rulebot/internal/metrics"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (web form, Telegram, webhook, API)",
		Long: "Serves the web form and JSON API plus every enabled channel on one port.\n" +
			"SIGHUP reloads the index from disk. Press Ctrl+C to stop.",
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
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
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}()

	if err := a.completion.Healthy(ctx); err != nil {
		logger.Warn("completion provider unhealthy at startup", "provider", a.completion.Name(), "err", err)
	}
	if m, err := a.retriever.Manifest(); err != nil {
		logger.Warn("index not loaded; run 'rulebot index'", "dir", cfg.Index.Dir, "err", err)
	} else {
		logger.Info("index ready", "chunks", m.ChunkCount, "model", m.EmbeddingModel, "built_at", m.BuiltAt)
	}

	web := channel.NewWeb(channel.WebConfig{
		Service:        a.service,
		Status:         a.status,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		Logger:         logger,
	})

	sc := channel.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Web:          web,
		TelegramPath: cfg.Channels.Telegram.Path,
		WebhookPath:  cfg.Channels.Webhook.Path,
		Logger:       logger,
	}

	var telegram *channel.Telegram
	if tc := cfg.Channels.Telegram; tc.Enabled {
		publicURL := ""
		if tc.PublicURL != "" {
			publicURL = strings.TrimRight(tc.PublicURL, "/") + tc.Path
		}
		telegram, err = channel.NewTelegram(channel.TelegramConfig{
			Token:     tc.Token,
			Secret:    tc.WebhookSecret,
			PublicURL: publicURL,
			Service:   a.service,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		if err := telegram.Register(); err != nil {
			logger.Error("telegram webhook registration failed", "err", err)
		}
		sc.Telegram = telegram
		logger.Info("telegram channel enabled", "path", tc.Path)
	} else {
		logger.Info("telegram channel disabled")
	}

	if wc := cfg.Channels.Webhook; wc.Enabled {
		if wc.Secret == "" {
			logger.Warn("webhook secret not set; requests are not authenticated")
		}
		sc.Webhook = channel.NewWebhook(channel.WebhookConfig{
			Secret:  wc.Secret,
			Service: a.service,
			Logger:  logger,
		})
		logger.Info("webhook channel enabled", "path", wc.Path)
	}

	if ac := cfg.Channels.API; ac.Enabled {
		if ac.APIKey == "" {
			logger.Warn("API key not set; /v1 is open")
		}
		sc.Gateway = channel.NewGateway(channel.GatewayConfig{
			APIKey:  ac.APIKey,
			Service: a.service,
			Logger:  logger,
		})
		logger.Info("OpenAI-compatible API enabled", "path", "/v1/chat/completions")
	}

	if cfg.Metrics.Enabled {
		sc.MetricsPath = cfg.Metrics.Endpoint
		sc.MetricsHandler = metrics.Collector.Handler()
	}

	go reloadOnHangup(ctx, a)

	srv := channel.NewServer(sc)
	runErr := srv.Run(ctx)

	if telegram != nil {
		waitWithTimeout(telegram.Wait, 30*time.Second)
	}
	logger.Info("shutdown complete")
	return runErr
}

// reloadOnHangup swaps in the index on disk each time the process gets SIGHUP,
// so `rulebot index` can run next to a live server.
func reloadOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.retriever.Reload(); err != nil {
				logger.Error("index reload failed", "err", err)
			}
		}
	}
}

func waitWithTimeout(wait func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("timed out waiting for in-flight replies")
	}
}

// status reports index and provider state for GET /status.
func (a *app) status(ctx context.Context) channel.Status {
	st := channel.Status{
		Status:     "ok",
		Version:    version,
		Uptime:     time.Since(a.started).Round(time.Second).String(),
		Completion: a.completion.Name(),
	}
	m, err := a.retriever.Manifest()
	if err != nil {
		st.Status = "degraded"
		st.IndexError = err.Error()
		return st
	}
	built := m.BuiltAt
	st.IndexChunks = m.ChunkCount
	st.IndexBuiltAt = &built
	st.EmbeddingModel = m.EmbeddingModel
	return st
}
