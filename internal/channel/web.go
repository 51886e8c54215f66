package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"rulebot/internal/domain"
	"rulebot/internal/rag"
)

const (
	sessionCookieName = "rulebot_session"
	sessionMaxAge     = 86400 * 30
	maxQuestionRunes  = 2000
)

//go:embed templates/*.html
var templateFS embed.FS

// StatusFunc reports service health for GET /status.
type StatusFunc func(ctx context.Context) Status

// Status is the body of GET /status.
type Status struct {
	Status         string     `json:"status"`
	Version        string     `json:"version"`
	Uptime         string     `json:"uptime"`
	IndexChunks    int        `json:"index_chunks"`
	IndexBuiltAt   *time.Time `json:"index_built_at,omitempty"`
	EmbeddingModel string     `json:"embedding_model,omitempty"`
	IndexError     string     `json:"index_error,omitempty"`
	Completion     string     `json:"completion_provider"`
}

type WebConfig struct {
	Service        Answerer
	Status         StatusFunc // optional
	AllowedOrigins []string   // CORS origins for /api (default: any)
	Version        string
	Logger         *slog.Logger
}

// Web serves the HTML form and the JSON API.
type Web struct {
	service  Answerer
	status   StatusFunc
	origins  []string
	version  string
	tmpl     *template.Template
	validate *validator.Validate
	logger   *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		service:  cfg.Service,
		status:   cfg.Status,
		origins:  cfg.AllowedOrigins,
		version:  cfg.Version,
		tmpl:     template.Must(template.ParseFS(templateFS, "templates/*.html")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger,
	}
}

// Routes registers the web routes on r.
func (w *Web) Routes(r chi.Router) {
	r.Get("/", w.handleIndex)
	r.Post("/ask", w.handleAsk)
	r.Get("/status", w.handleStatus)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   w.origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Post("/ask", w.handleAsk)
		r.Post("/answer", w.handleAnswer)
		r.Post("/clear", w.handleClear)
		r.Post("/share", w.handleShare)
		r.Get("/share/{token}", w.handleGetShare)
	})
}

type askRequest struct {
	Question  string `json:"question" validate:"required,max=2000"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
}

type sessionRequest struct {
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
}

type askResponse struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	session := w.ensureSession(rw, r)
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tmpl.ExecuteTemplate(rw, "index.html", map[string]any{
		"Session":  session,
		"MaxRunes": maxQuestionRunes,
		"Version":  w.version,
	}); err != nil {
		w.logger.Error("template error", "template", "index", "err", err)
	}
}

// handleAsk answers with the conversation history of the caller's session.
func (w *Web) handleAsk(rw http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !w.decode(rw, r, &req) {
		return
	}
	res := w.service.Ask(r.Context(), rag.Request{
		Channel:    domain.ChannelWeb,
		UserID:     w.sessionID(r, req.SessionID),
		Question:   req.Question,
		UseHistory: true,
	})
	writeJSON(rw, http.StatusOK, askResponse{Answer: res.Answer, Sources: nonNil(res.Sources)})
}

func (w *Web) handleAnswer(rw http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !w.decode(rw, r, &req) {
		return
	}
	res := w.service.Ask(r.Context(), rag.Request{
		Channel:  domain.ChannelWeb,
		UserID:   w.sessionID(r, req.SessionID),
		Question: req.Question,
	})
	writeJSON(rw, http.StatusOK, askResponse{Answer: res.Answer, Sources: nonNil(res.Sources)})
}

func (w *Web) handleClear(rw http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !w.decode(rw, r, &req) {
		return
	}
	key := domain.ConversationKey(domain.ChannelWeb, w.sessionID(r, req.SessionID))
	if err := w.service.Clear(r.Context(), key); err != nil {
		w.logger.Error("clear history failed", "key", key, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "could not clear history"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "cleared"})
}

func (w *Web) handleShare(rw http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !w.decode(rw, r, &req) {
		return
	}
	key := domain.ConversationKey(domain.ChannelWeb, w.sessionID(r, req.SessionID))
	token, err := w.service.Share(r.Context(), key)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "no conversation to share"})
		return
	}
	if err != nil {
		w.logger.Error("share failed", "key", key, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "could not share conversation"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"token": token, "url": "/api/share/" + token})
}

func (w *Web) handleGetShare(rw http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	shared, err := w.service.Shared(r.Context(), token)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "shared conversation not found"})
		return
	}
	if err != nil {
		w.logger.Error("load shared conversation failed", "token", token, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "could not load conversation"})
		return
	}
	writeJSON(rw, http.StatusOK, shared)
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	st := Status{Status: "ok", Version: w.version}
	if w.status != nil {
		st = w.status(r.Context())
		if st.Version == "" {
			st.Version = w.version
		}
	}
	writeJSON(rw, http.StatusOK, st)
}

// decode reads a JSON or form body into dst and validates it. It writes a
// 400 response and returns false when the request is unusable.
func (w *Web) decode(rw http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodySize)
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"), strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxBodySize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid form body"})
			return false
		}
		switch v := dst.(type) {
		case *askRequest:
			v.Question = r.FormValue("question")
			v.SessionID = r.FormValue("session_id")
		case *sessionRequest:
			v.SessionID = r.FormValue("session_id")
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return false
		}
	}

	if v, ok := dst.(*askRequest); ok {
		v.Question = strings.TrimSpace(v.Question)
	}
	if err := w.validate.Struct(dst); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationFields(err),
		})
		return false
	}
	return true
}

func validationFields(err error) map[string]string {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["body"] = err.Error()
		return fields
	}
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		if fe.Field() == "SessionID" {
			name = "session_id"
		}
		switch fe.Tag() {
		case "required":
			fields[name] = name + " is required"
		case "max":
			fields[name] = name + " must be at most " + fe.Param() + " characters"
		default:
			fields[name] = name + " failed " + fe.Tag() + " validation"
		}
	}
	return fields
}

// sessionID picks the session from the request body, then the cookie.
func (w *Web) sessionID(r *http.Request, fromBody string) string {
	if s := strings.TrimSpace(fromBody); s != "" {
		return s
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (w *Web) ensureSession(rw http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.logger.Debug("new web session", "session", id)
	return id
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
