// Package channel exposes the question-answering service over HTTP, Telegram,
// signed webhooks and an interactive terminal.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rulebot/internal/domain"
	"rulebot/internal/rag"
)

const (
	requestTimeout  = 120 * time.Second
	shutdownTimeout = 10 * time.Second
	maxBodySize     = 1 << 20
)

// Answerer is the query surface the channels depend on. *rag.Service
// implements it.
type Answerer interface {
	Ask(ctx context.Context, req rag.Request) rag.Result
	Clear(ctx context.Context, key string) error
	Share(ctx context.Context, key string) (string, error)
	Shared(ctx context.Context, token string) (*domain.SharedConversation, error)
}

type ServerConfig struct {
	Host     string
	Port     int
	Web      *Web
	Telegram *Telegram // optional
	Webhook  *Webhook  // optional
	Gateway  *Gateway  // optional
	// TelegramPath and WebhookPath default to /callback/telegram and /webhook.
	TelegramPath string
	WebhookPath  string
	// MetricsHandler is mounted at MetricsPath when both are set.
	MetricsPath    string
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Server mounts every HTTP surface on one chi router.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.TelegramPath == "" {
		cfg.TelegramPath = "/callback/telegram"
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	if cfg.Web != nil {
		cfg.Web.Routes(r)
	}
	if cfg.Telegram != nil {
		r.Post(cfg.TelegramPath, cfg.Telegram.ServeHTTP)
	}
	if cfg.Webhook != nil {
		r.Post(cfg.WebhookPath, cfg.Webhook.ServeHTTP)
	}
	if cfg.Gateway != nil {
		cfg.Gateway.Routes(r)
	}
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.MetricsHandler)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})

	return &Server{
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		handler: r,
		logger:  cfg.Logger,
	}
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// requestLogger logs one line per request at debug level, and at warn level
// for server errors.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).Round(time.Millisecond),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
