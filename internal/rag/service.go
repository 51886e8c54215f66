package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"rulebot/internal/domain"
	"rulebot/internal/metrics"
)

// Searcher is the retrieval dependency of the service.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error)
}

var errEmptyQuestion = errors.New("question is empty")

// ServiceConfig wires the answer pipeline.
type ServiceConfig struct {
	Searcher      Searcher
	Composer      *Composer
	Assembler     *Assembler
	Conversations *ConversationManager
	Prompt        *PromptTemplate
	ChatLog       domain.ChatLogSink // optional
	Shares        domain.ShareStore  // optional
	K             int                // results per query (default: 3)
	Logger        *slog.Logger
}

// Service is the public query interface. Its Answer methods never fail: any
// error is logged, counted, and replaced by the apology text.
type Service struct {
	searcher      Searcher
	composer      *Composer
	assembler     *Assembler
	conversations *ConversationManager
	prompt        *PromptTemplate
	chatLog       domain.ChatLogSink
	shares        domain.ShareStore
	k             int
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Prompt == nil {
		cfg.Prompt = DefaultPromptTemplate()
	}
	if cfg.Assembler == nil {
		cfg.Assembler = NewAssembler(cfg.Prompt)
	}
	if cfg.K <= 0 {
		cfg.K = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		searcher:      cfg.Searcher,
		composer:      cfg.Composer,
		assembler:     cfg.Assembler,
		conversations: cfg.Conversations,
		prompt:        cfg.Prompt,
		chatLog:       cfg.ChatLog,
		shares:        cfg.Shares,
		k:             cfg.K,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// Request is one question from a channel.
type Request struct {
	Channel         string
	UserID          string
	ConversationKey string // defaults to domain.ConversationKey(Channel, UserID)
	Question        string
	UseHistory      bool
}

// Result is the outcome of Ask. Answer is always non-empty; Err records why
// the apology was returned, if it was.
type Result struct {
	Answer    string
	Expanded  string
	Sources   []string
	NoContext bool
	Err       error
	Latency   time.Duration
}

// Ask runs the full pipeline: expand, retrieve, assemble, compose, record.
func (s *Service) Ask(ctx context.Context, req Request) Result {
	start := s.now()
	if req.Channel == "" {
		req.Channel = domain.ChannelWeb
	}
	key := req.ConversationKey
	if key == "" {
		key = domain.ConversationKey(req.Channel, req.UserID)
	}
	metrics.QuestionsTotal(req.Channel).Inc()

	question := strings.TrimSpace(req.Question)
	res := Result{Expanded: question}
	useHistory := req.UseHistory && s.conversations != nil
	if useHistory && question != "" {
		res.Expanded = s.conversations.Expand(ctx, key, question)
	}

	res.Answer, res.Sources, res.NoContext, res.Err = s.answer(ctx, question, res.Expanded)
	if res.Err != nil {
		kind := domain.FailureKind(res.Err)
		metrics.FailuresTotal(kind).Inc()
		s.logger.Error("answer failed",
			"channel", req.Channel,
			"key", key,
			"kind", kind,
			"error", res.Err,
		)
		res.Answer = s.prompt.Apology
	}

	if useHistory && question != "" {
		if err := s.conversations.Record(ctx, key, question, res.Answer, res.Err != nil); err != nil {
			s.logger.Warn("history write failed", "key", key, "error", err)
		}
	}

	res.Latency = s.now().Sub(start)
	metrics.AnswerLatency.Observe(res.Latency.Seconds())
	s.logChat(ctx, req, key, question, res)
	return res
}

func (s *Service) answer(ctx context.Context, question, expanded string) (string, []string, bool, error) {
	if question == "" {
		return "", nil, false, errEmptyQuestion
	}
	if s.searcher == nil {
		return "", nil, false, fmt.Errorf("%w: no retriever configured", domain.ErrIndexNotFound)
	}

	searchStart := time.Now()
	hits, err := s.searcher.Search(ctx, expanded, s.k)
	metrics.RetrievalLatency.Observe(time.Since(searchStart).Seconds())
	metrics.EmbeddingRequests.Inc()
	if err != nil {
		return "", nil, false, err
	}
	if len(hits) == 0 {
		metrics.NoContextAnswers.Inc()
		return s.prompt.NoContext, nil, true, nil
	}

	contextText := s.assembler.Assemble(hits)
	sources := s.assembler.Sources(hits)
	if s.composer == nil {
		return "", sources, false, fmt.Errorf("%w: no composer configured", domain.ErrCompletionProvider)
	}
	answer, err := s.composer.Compose(ctx, expanded, contextText)
	if err != nil {
		return "", sources, false, err
	}
	return answer, sources, false, nil
}

func (s *Service) logChat(ctx context.Context, req Request, key, question string, res Result) {
	if s.chatLog == nil {
		return
	}
	rec := domain.ChatRecord{
		Question:        question,
		Answer:          res.Answer,
		Channel:         req.Channel,
		UserID:          req.UserID,
		ConversationKey: key,
		Failed:          res.Err != nil,
		FailureKind:     domain.FailureKind(res.Err),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.chatLog.LogChat(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("chat log write failed", "channel", req.Channel, "error", err)
	}
}

// Answer answers a single question without conversation history.
func (s *Service) Answer(ctx context.Context, question string) string {
	return s.Ask(ctx, Request{Channel: domain.ChannelWeb, Question: question}).Answer
}

// AnswerWithHistory answers question in the context of conversation key.
func (s *Service) AnswerWithHistory(ctx context.Context, key, question string) string {
	channel, userID, _ := strings.Cut(key, ":")
	return s.Ask(ctx, Request{
		Channel:         channel,
		UserID:          userID,
		ConversationKey: key,
		Question:        question,
		UseHistory:      true,
	}).Answer
}

// Clear forgets the history of a conversation.
func (s *Service) Clear(ctx context.Context, key string) error {
	if s.conversations == nil {
		return nil
	}
	return s.conversations.Clear(ctx, key)
}

// Share snapshots a conversation and returns a token for reading it back.
func (s *Service) Share(ctx context.Context, key string) (string, error) {
	if s.shares == nil || s.conversations == nil {
		return "", errors.New("sharing is not configured")
	}
	turns, err := s.conversations.History(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: conversation %q has no turns", domain.ErrNotFound, key)
	}
	shared := domain.SharedConversation{
		Token:     uuid.NewString(),
		Turns:     turns,
		CreatedAt: s.now().UTC(),
	}
	if err := s.shares.SaveShared(ctx, shared); err != nil {
		return "", fmt.Errorf("save shared conversation: %w", err)
	}
	return shared.Token, nil
}

// Shared returns a snapshot created by Share.
func (s *Service) Shared(ctx context.Context, token string) (*domain.SharedConversation, error) {
	if s.shares == nil {
		return nil, errors.New("sharing is not configured")
	}
	return s.shares.GetShared(ctx, token)
}
