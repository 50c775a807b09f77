package agent

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"roomchat/internal/config"
	"roomchat/internal/domain"
	"roomchat/internal/metrics"
)

const (
	compactMessageCount = 10
	fallbackUserName    = "User"
)

// BuildOptions carries the session state a context is built from.
type BuildOptions struct {
	SessionName     string
	Participants    []domain.Participant
	Memory          *domain.SessionMemory
	CurrentUserID   string
	UserPreferences *domain.Preferences
}

// ContextBuilder turns a session's chat log into a bounded AIContext.
type ContextBuilder struct {
	mu     sync.RWMutex
	cfg    config.ContextConfig
	now    func() time.Time
	logger *slog.Logger
}

type ContextBuilderConfig struct {
	Context config.ContextConfig
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewContextBuilder(cfg ContextBuilderConfig) *ContextBuilder {
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ContextBuilder{cfg: cfg.Context, now: now, logger: lgr}
}

// Config returns the current context configuration.
func (b *ContextBuilder) Config() config.ContextConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// UpdateConfig applies the set fields of o to the current configuration.
func (b *ContextBuilder) UpdateConfig(o config.ContextOverrides) config.ContextConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = b.cfg.Merge(o)
	b.logger.Debug("context config updated",
		"max_messages", b.cfg.MaxMessages,
		"max_chars", b.cfg.MaxChars,
	)
	return b.cfg
}

// BuildContext renders the system prompt, normalizes and truncates messages
// (oldest first), and returns a fresh AIContext.
func (b *ContextBuilder) BuildContext(messages []domain.ChatMessage, opts BuildOptions) *domain.AIContext {
	start := time.Now()
	cfg := b.Config()

	var systemPrompt string
	if cfg.IncludeSystemPrompt {
		tmpl := PromptTemplate{
			IncludeUserPreferences: cfg.IncludeUserPreferences,
			IncludeSessionMemory:   cfg.IncludeSessionMemory,
		}
		systemPrompt = tmpl.Render(PromptInput{
			SessionName:  opts.SessionName,
			Participants: opts.Participants,
			Memory:       opts.Memory,
			Preferences:  opts.UserPreferences,
			Now:          b.now(),
		})
	}

	normalized := NormalizeMessages(messages, opts.CurrentUserID)
	kept := TruncateMessages(normalized, cfg.MaxMessages, cfg.MaxChars)

	out := assemble(systemPrompt, kept, opts.Participants)

	metrics.ContextBuilds.Inc()
	metrics.ContextBuildLatency.Observe(time.Since(start).Seconds())
	b.logger.Debug("context built",
		"input_messages", len(messages),
		"kept_messages", out.Metadata.MessageCount,
		"total_chars", out.Metadata.TotalChars,
		"est_tokens", EstimateContextTokens(out),
	)
	return out
}

// BuildContextForPrompt is BuildContext followed by one user turn carrying prompt.
func (b *ContextBuilder) BuildContextForPrompt(prompt string, messages []domain.ChatMessage, opts BuildOptions) *domain.AIContext {
	return WithPrompt(b.BuildContext(messages, opts), prompt, opts.Participants, opts.CurrentUserID)
}

// BuildCompactContext normalizes only the last 10 messages and uses a fixed
// short instruction instead of the templated system prompt.
func (b *ContextBuilder) BuildCompactContext(messages []domain.ChatMessage, participants []domain.Participant, currentUserID string) *domain.AIContext {
	if len(messages) > compactMessageCount {
		messages = messages[len(messages)-compactMessageCount:]
	}
	out := assemble(compactSystemPrompt, NormalizeMessages(messages, currentUserID), participants)
	metrics.ContextBuilds.Inc()
	return out
}

// WithPrompt returns a copy of c with a trailing user turn. The turn is named
// after currentUserID in participants, or "User" when it is not listed.
func WithPrompt(c *domain.AIContext, prompt string, participants []domain.Participant, currentUserID string) *domain.AIContext {
	name := fallbackUserName
	for _, p := range participants {
		if p.ID == currentUserID {
			name = p.Name
			break
		}
	}

	out := c.Clone()
	out.Messages = append(out.Messages, domain.ContextMessage{
		Role:    domain.ChatRoleUser,
		Content: prompt,
		Name:    name,
	})
	out.Metadata.MessageCount = len(out.Messages)
	out.Metadata.TotalChars += utf8.RuneCountInString(prompt)
	return out
}

// TruncateMessages keeps a contiguous suffix of msgs. First only the newest
// maxMessages survive; then the oldest are dropped while the total content
// length exceeds maxChars and more than one message remains. The newest
// message is always kept, even when it alone exceeds maxChars.
func TruncateMessages(msgs []domain.NormalizedMessage, maxMessages, maxChars int) []domain.NormalizedMessage {
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}

	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Content)
	}

	start := 0
	for total > maxChars && len(msgs)-start > 1 {
		total -= utf8.RuneCountInString(msgs[start].Content)
		start++
	}
	return msgs[start:]
}

func assemble(systemPrompt string, msgs []domain.NormalizedMessage, participants []domain.Participant) *domain.AIContext {
	out := &domain.AIContext{
		SystemPrompt: systemPrompt,
		Messages:     make([]domain.ContextMessage, len(msgs)),
	}

	total := 0
	for i, m := range msgs {
		out.Messages[i] = domain.ContextMessage{Role: m.Role, Content: m.Content, Name: m.SenderName}
		total += utf8.RuneCountInString(m.Content)
	}

	names := make([]string, len(participants))
	for i, p := range participants {
		names[i] = p.Name
	}

	out.Metadata = domain.ContextMetadata{
		MessageCount:     len(out.Messages),
		TotalChars:       total,
		ParticipantNames: names,
	}
	return out
}
