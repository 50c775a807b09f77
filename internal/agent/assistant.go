package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/mention"
)

const (
	defaultHistoryLimit = 200
	defaultAIID         = "ai"
	defaultAIName       = "AI"
)

// SessionStore is everything the assistant reads from and writes to.
type SessionStore interface {
	domain.MemoryProvider
	domain.ParticipantDirectory
	domain.MessageLog
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	UpdateSummary(ctx context.Context, sessionID, summary string, messageCount int) error
}

// AskRequest is one question addressed to the assistant in a session.
type AskRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Prompt    string `json:"prompt"`
	// Compact uses BuildCompactContext and bypasses the cache.
	Compact bool `json:"compact"`
}

// Assistant answers prompts in a chat room: it builds the context, calls the
// provider once, and records both turns in the session log.
type Assistant struct {
	store        SessionStore
	builder      *ContextBuilder
	cache        *ContextCache
	provider     domain.StreamingProvider
	summarizer   *Summarizer
	historyLimit int
	aiID         string
	aiName       string
	logger       *slog.Logger

	mu         sync.Mutex
	refreshing map[string]bool
	closed     bool
	bg         sync.WaitGroup
}

type AssistantConfig struct {
	Store    SessionStore
	Builder  *ContextBuilder
	Cache    *ContextCache
	Provider domain.StreamingProvider
	// Summarizer is optional. It runs when the builder's summaryThreshold
	// is positive.
	Summarizer *Summarizer
	// HistoryLimit caps the messages loaded per request. Defaults to 200.
	HistoryLimit int
	// AIID and AIName identify the assistant's messages. Default "ai" / "AI".
	AIID   string
	AIName string
	Logger *slog.Logger
}

func NewAssistant(cfg AssistantConfig) *Assistant {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.AIID == "" {
		cfg.AIID = defaultAIID
	}
	if cfg.AIName == "" {
		cfg.AIName = defaultAIName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assistant{
		store:        cfg.Store,
		builder:      cfg.Builder,
		cache:        cfg.Cache,
		provider:     cfg.Provider,
		summarizer:   cfg.Summarizer,
		historyLimit: cfg.HistoryLimit,
		aiID:         cfg.AIID,
		aiName:       cfg.AIName,
		logger:       cfg.Logger,
		refreshing:   make(map[string]bool),
	}
}

// Wait blocks until background summary refreshes have finished.
func (a *Assistant) Wait() {
	a.bg.Wait()
}

// Close stops new summary refreshes and waits for running ones.
func (a *Assistant) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.bg.Wait()
}

// CacheKey is the context cache key for one user in one session. Contexts are
// per user because the system prompt carries that user's preferences.
func CacheKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}

// InvalidateSession drops every cached context of a session.
func (a *Assistant) InvalidateSession(sessionID string) {
	a.cache.InvalidatePrefix(sessionID + "/")
}

type sessionState struct {
	session      *domain.Session
	participants []domain.Participant
	messages     []domain.ChatMessage
	current      *domain.Participant
}

func (a *Assistant) load(ctx context.Context, sessionID, userID string) (*sessionState, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := a.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := a.store.RecentMessages(ctx, sessionID, a.historyLimit)
	if err != nil {
		return nil, err
	}
	st := &sessionState{session: sess, participants: participants, messages: messages}
	for i := range participants {
		if participants[i].ID == userID {
			st.current = &participants[i]
			break
		}
	}
	return st, nil
}

// Context returns the context a prompt from userID would be answered with,
// without the prompt turn. The result may be shared with the cache and must
// not be modified.
func (a *Assistant) Context(ctx context.Context, sessionID, userID string, compact bool) (*domain.AIContext, error) {
	st, err := a.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return a.contextFor(ctx, st, userID, compact)
}

func (a *Assistant) contextFor(ctx context.Context, st *sessionState, userID string, compact bool) (*domain.AIContext, error) {
	if compact {
		return a.builder.BuildCompactContext(st.messages, st.participants, userID), nil
	}

	mem, err := a.store.GetMemory(ctx, st.session.ID)
	if err != nil {
		return nil, err
	}
	opts := BuildOptions{
		SessionName:   st.session.Name,
		Participants:  st.participants,
		Memory:        mem,
		CurrentUserID: userID,
	}
	if st.current != nil {
		opts.UserPreferences = st.current.Preferences
	}
	return a.cache.GetOrBuildContext(CacheKey(st.session.ID, userID), st.messages, opts), nil
}

func (a *Assistant) prepare(ctx context.Context, req AskRequest) (*sessionState, domain.ChatRequest, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.ChatRequest{}, domain.ErrEmptyPrompt
	}
	st, err := a.load(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, domain.ChatRequest{}, err
	}
	base, err := a.contextFor(ctx, st, req.UserID, req.Compact)
	if err != nil {
		return nil, domain.ChatRequest{}, err
	}
	full := WithPrompt(base, req.Prompt, st.participants, req.UserID)

	a.logger.Debug("asking provider",
		"session", req.SessionID,
		"user", req.UserID,
		"compact", req.Compact,
		"messages", full.Metadata.MessageCount,
		"est_tokens", EstimateContextTokens(full),
	)
	return st, full.ToRequest(), nil
}

// Ask streams the answer to req. Every delta is sent to out as a StreamToken
// event in arrival order, followed by a single StreamDone once both turns are
// stored. out may be nil. Provider errors are returned unchanged and nothing
// is stored for a failed request.
func (a *Assistant) Ask(ctx context.Context, req AskRequest, out chan<- domain.StreamEvent) (string, error) {
	st, chatReq, err := a.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	events := make(chan domain.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.provider.ChatStream(ctx, chatReq, events)
		close(events)
	}()

	var reply strings.Builder
	forward := out != nil
	for ev := range events {
		if ev.Type != domain.StreamToken {
			continue
		}
		reply.WriteString(ev.Content)
		if !forward {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			forward = false
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	if reply.Len() == 0 {
		return "", domain.ErrEmptyCompletion
	}

	answer := reply.String()
	if err := a.record(ctx, st, req, answer); err != nil {
		return answer, err
	}
	if out != nil {
		select {
		case out <- domain.StreamEvent{Type: domain.StreamDone}:
		case <-ctx.Done():
		}
	}
	a.summarize(ctx, req.SessionID)
	return answer, nil
}

// Complete is the non-streaming form of Ask.
func (a *Assistant) Complete(ctx context.Context, req AskRequest) (string, error) {
	st, chatReq, err := a.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	resp, err := a.provider.Chat(ctx, chatReq)
	if err != nil {
		return "", err
	}
	if err := a.record(ctx, st, req, resp.Content); err != nil {
		return resp.Content, err
	}
	a.summarize(ctx, req.SessionID)
	return resp.Content, nil
}

// record appends the prompt and the answer to the session log and drops the
// session's cached contexts.
func (a *Assistant) record(ctx context.Context, st *sessionState, req AskRequest, answer string) error {
	defer a.InvalidateSession(req.SessionID)

	asker := domain.ChatMessage{
		SessionID:  req.SessionID,
		SenderID:   req.UserID,
		SenderName: fallbackUserName,
		SenderRole: domain.RoleMember,
		Type:       domain.MessageText,
		Content:    req.Prompt,
		MentionsAI: true,
	}
	if st.current != nil {
		asker.SenderName = st.current.Name
		asker.SenderRole = st.current.Role
	}
	asker.Mentions = mention.Parse(req.Prompt, st.participants).Users

	stored, err := a.store.AppendMessage(ctx, asker)
	if err != nil {
		return fmt.Errorf("store prompt: %w", err)
	}
	_, err = a.store.AppendMessage(ctx, domain.ChatMessage{
		SessionID:  req.SessionID,
		SenderID:   a.aiID,
		SenderName: a.aiName,
		SenderRole: domain.RoleAI,
		Type:       domain.MessageText,
		Content:    answer,
		ReplyTo:    stored.ID,
	})
	if err != nil {
		return fmt.Errorf("store answer: %w", err)
	}
	return nil
}

// summarize starts a background refresh of the stored history summary. At
// most one refresh runs per session.
func (a *Assistant) summarize(ctx context.Context, sessionID string) {
	if a.summarizer == nil {
		return
	}
	threshold := a.builder.Config().SummaryThreshold
	if threshold <= 0 {
		return
	}

	a.mu.Lock()
	if a.closed || a.refreshing[sessionID] {
		a.mu.Unlock()
		return
	}
	a.refreshing[sessionID] = true
	a.bg.Add(1)
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.refreshing, sessionID)
			a.mu.Unlock()
			a.bg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		a.refreshSummary(ctx, sessionID, threshold)
	}()
}

// refreshSummary stores a new summary once the session has more than
// threshold messages and enough arrived since the last one. Failures are
// logged only.
func (a *Assistant) refreshSummary(ctx context.Context, sessionID string, threshold int) {
	count, err := a.store.CountMessages(ctx, sessionID)
	if err != nil || count <= threshold {
		return
	}
	mem, err := a.store.GetMemory(ctx, sessionID)
	if err != nil {
		a.logger.Warn("summary skipped", "session", sessionID, "err", err)
		return
	}
	step := max(threshold/2, 1)
	if mem != nil && count-mem.Metadata.MessageCount < step {
		return
	}

	messages, err := a.store.RecentMessages(ctx, sessionID, a.historyLimit)
	if err != nil {
		a.logger.Warn("summary skipped", "session", sessionID, "err", err)
		return
	}
	summary, err := a.summarizer.Summarize(ctx, messages, threshold)
	if err != nil {
		a.logger.Warn("summary failed", "session", sessionID, "err", err)
		return
	}
	if summary == "" {
		return
	}
	if err := a.store.UpdateSummary(ctx, sessionID, summary, count); err != nil {
		a.logger.Warn("summary not stored", "session", sessionID, "err", err)
		return
	}
	a.logger.Info("session summary updated", "session", sessionID, "messages", count)
}
