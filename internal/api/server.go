// Package api serves sessions, participants, messages, context inspection and
// the streaming ask relay over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/agent"
	"roomchat/internal/config"
	"roomchat/internal/domain"
	"roomchat/internal/memory"
	"roomchat/internal/mention"
	"roomchat/internal/metrics"
)

const maxBodySize = 1 << 20 // 1MB

// Store is the session state the API reads and writes.
type Store interface {
	CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) (domain.Participant, error)
	SetParticipantStatus(ctx context.Context, sessionID, participantID string, status domain.PresenceStatus) error
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)
	GetMemory(ctx context.Context, sessionID string) (*domain.SessionMemory, error)
	Stats(ctx context.Context) (memory.Stats, error)
}

// Server is the HTTP front of a roomchat instance.
type Server struct {
	addr      string
	apiKey    string
	store     Store
	assistant *agent.Assistant
	builder   *agent.ContextBuilder
	cache     *agent.ContextCache
	provider  string
	limiter   *askLimiter
	logger    *slog.Logger
	server    *http.Server
}

type Config struct {
	Addr string
	// APIKey, when set, is required as a Bearer token on /api routes.
	APIKey    string
	Store     Store
	Assistant *agent.Assistant
	Builder   *agent.ContextBuilder
	Cache     *agent.ContextCache
	// Provider is the name reported by /api/status.
	Provider string
	// AskPerMinute limits asks per participant and session; 0 disables the
	// limit. AskBurst is the bucket size.
	AskPerMinute float64
	AskBurst     int
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func New(cfg Config) *Server {
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Server{
		addr:      cfg.Addr,
		apiKey:    cfg.APIKey,
		store:     cfg.Store,
		assistant: cfg.Assistant,
		builder:   cfg.Builder,
		cache:     cfg.Cache,
		provider:  cfg.Provider,
		limiter:   newAskLimiter(cfg.AskBurst, cfg.AskPerMinute, cfg.Now),
		logger:    lgr,
	}
}

// Handler returns the routed handler. /metrics is never behind the API key.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/sessions", s.handleListSessions)
	api.HandleFunc("POST /api/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	api.HandleFunc("POST /api/sessions/{id}/participants", s.handleJoin)
	api.HandleFunc("DELETE /api/sessions/{id}/participants/{pid}", s.handleLeave)
	api.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	api.HandleFunc("POST /api/sessions/{id}/messages", s.handlePostMessage)
	api.HandleFunc("GET /api/sessions/{id}/context", s.handleContext)
	api.HandleFunc("POST /api/sessions/{id}/ask", s.handleAsk)
	api.HandleFunc("GET /api/context/config", s.handleGetContextConfig)
	api.HandleFunc("PUT /api/context/config", s.handleUpdateContextConfig)
	api.HandleFunc("GET /api/status", s.handleStatus)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Collector.Handler())
	mux.Handle("/api/", s.requireAuth(api))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: ask streams last as long as the upstream does.
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info("API server started", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(rw, r)
	})
}

// --- sessions ---

func (s *Server) handleListSessions(rw http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	sess, err := s.store.CreateSession(r.Context(), domain.Session{Name: body.Name})
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.logger.Info("session created", "session", sess.ID, "name", sess.Name)
	writeJSON(rw, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	participants, err := s.store.ListParticipants(r.Context(), id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	mem, err := s.store.GetMemory(r.Context(), id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"session":      sess,
		"participants": participants,
		"memory":       mem,
	})
}

// --- participants ---

func (s *Server) handleJoin(rw http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var p domain.Participant
	if !decodeBody(rw, r, &p) {
		return
	}
	if p.ID == "" || strings.TrimSpace(p.Name) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "id and name are required"})
		return
	}
	if p.Role == "" {
		p.Role = domain.RoleMember
	}
	stored, err := s.store.UpsertParticipant(r.Context(), sessionID, p)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	// Names and preferences feed the system prompt.
	s.assistant.InvalidateSession(sessionID)
	writeJSON(rw, http.StatusOK, stored)
}

func (s *Server) handleLeave(rw http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	err := s.store.SetParticipantStatus(r.Context(), sessionID, r.PathValue("pid"), domain.StatusOffline)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// --- messages ---

func (s *Server) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		s.writeError(rw, err)
		return
	}
	msgs, err := s.store.RecentMessages(r.Context(), sessionID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(rw http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var msg domain.ChatMessage
	if !decodeBody(rw, r, &msg) {
		return
	}
	if msg.SenderID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "senderId is required"})
		return
	}

	participants, err := s.store.ListParticipants(r.Context(), sessionID)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var sender *domain.Participant
	for i := range participants {
		if participants[i].ID == msg.SenderID {
			sender = &participants[i]
			break
		}
	}
	if sender == nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "sender is not a participant of this session"})
		return
	}

	msg.ID = ""
	msg.SessionID = sessionID
	msg.SenderName = sender.Name
	msg.SenderRole = sender.Role
	msg.CreatedAt = time.Time{}
	m := mention.Parse(mentionText(msg), participants)
	msg.Mentions = m.Users
	msg.MentionsAI = m.HasAI

	stored, err := s.store.AppendMessage(r.Context(), msg)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.assistant.InvalidateSession(sessionID)
	writeJSON(rw, http.StatusCreated, stored)
}

// mentionText is the text mentions are resolved from.
func mentionText(msg domain.ChatMessage) string {
	if msg.Type == domain.MessageVoice && msg.Content == "" && msg.Voice != nil {
		return msg.Voice.Transcript
	}
	return msg.Content
}

// --- context ---

func (s *Server) handleContext(rw http.ResponseWriter, r *http.Request) {
	compact, _ := strconv.ParseBool(r.URL.Query().Get("compact"))
	aiCtx, err := s.assistant.Context(r.Context(), r.PathValue("id"), r.URL.Query().Get("user"), compact)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"context":         aiCtx,
		"estimatedTokens": agent.EstimateContextTokens(aiCtx),
	})
}

func (s *Server) handleGetContextConfig(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.builder.Config())
}

func (s *Server) handleUpdateContextConfig(rw http.ResponseWriter, r *http.Request) {
	var o config.ContextOverrides
	if !decodeBody(rw, r, &o) {
		return
	}
	next := s.builder.Config().Merge(o)
	if next.MaxMessages < 1 || next.MaxChars < 1 || next.SummaryThreshold < 0 {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "maxMessages and maxChars must be >= 1, summaryThreshold >= 0"})
		return
	}
	cfg := s.builder.UpdateConfig(o)
	s.cache.InvalidateAll()
	s.logger.Info("context config updated", "max_messages", cfg.MaxMessages, "max_chars", cfg.MaxChars)
	writeJSON(rw, http.StatusOK, cfg)
}

// --- ask ---

type askBody struct {
	UserID  string `json:"userId"`
	Prompt  string `json:"prompt"`
	Compact bool   `json:"compact"`
}

type deltaFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// handleAsk relays the answer as server-sent events: one content frame per
// delta, then [DONE], or a single error frame when the request fails.
func (s *Server) handleAsk(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	sessionID := r.PathValue("id")
	var body askBody
	if !decodeBody(rw, r, &body) {
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		s.writeError(rw, domain.ErrEmptyPrompt)
		return
	}
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		s.writeError(rw, err)
		return
	}
	if ok, wait := s.limiter.Allow(sessionID + "/" + body.UserID); !ok {
		rw.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		writeJSON(rw, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	req := agent.AskRequest{SessionID: sessionID, UserID: body.UserID, Prompt: body.Prompt, Compact: body.Compact}
	events := make(chan domain.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.assistant.Ask(r.Context(), req, events)
		errCh <- err
		close(events)
	}()

	for ev := range events {
		switch ev.Type {
		case domain.StreamToken:
			writeFrame(rw, deltaFrame{Content: ev.Content})
		case domain.StreamDone:
			fmt.Fprint(rw, "data: [DONE]\n\n")
		}
		flusher.Flush()
	}

	if err := <-errCh; err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("ask stream closed by client", "session", sessionID)
			return
		}
		s.logger.Warn("ask failed", "session", sessionID, "user", body.UserID, "err", err)
		writeFrame(rw, errorFrame{Error: err.Error()})
		flusher.Flush()
	}
}

func writeFrame(w io.Writer, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// --- status ---

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":       "ok",
		"provider":     s.provider,
		"uptime":       metrics.Collector.Uptime().Round(time.Second).String(),
		"cacheEntries": s.cache.Len(),
		"cacheTTL":     s.cache.TTL().String(),
		"store":        stats,
	})
}

// --- helpers ---

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// writeError maps store and provider errors onto HTTP statuses.
func (s *Server) writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var httpErr *domain.HTTPError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrMissingAPIKey):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrEmptyCompletion), errors.As(err, &httpErr):
		status = http.StatusBadGateway
	default:
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(rw, status, map[string]string{"error": err.Error()})
}
