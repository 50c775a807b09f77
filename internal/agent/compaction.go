package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"roomchat/internal/domain"
)

const (
	defaultSummaryThreshold = 30
	summaryMaxTokens        = 512
)

const summarizerPrompt = `You summarize group chat transcripts for an assistant that joins the conversation later.
Keep who said what when it matters, every decision, open action items and the code being discussed.
Stay under 200 words.`

// Summarizer condenses the older part of a session's history into a short
// text stored with the session memory. It never changes context building.
type Summarizer struct {
	provider domain.Provider
	logger   *slog.Logger
}

type SummarizerConfig struct {
	Provider domain.Provider
	Logger   *slog.Logger
}

func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Summarizer{provider: cfg.Provider, logger: lgr}
}

// Summarize leaves the newest keep messages out and sends the rest to the
// provider. It returns "" without a call when nothing is left to summarize.
// keep <= 0 means 30.
func (s *Summarizer) Summarize(ctx context.Context, messages []domain.ChatMessage, keep int) (string, error) {
	if keep <= 0 {
		keep = defaultSummaryThreshold
	}
	if len(messages) <= keep {
		return "", nil
	}

	older := NormalizeMessages(messages[:len(messages)-keep], "")
	transcript := renderTranscript(older)

	s.logger.Info("summarizing session history",
		"messages", len(older),
		"est_tokens", EstimateTokens(transcript),
	)

	resp, err := s.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.ChatRoleSystem, Content: summarizerPrompt},
			{Role: domain.ChatRoleUser, Content: "Summarize this conversation:\n\n" + transcript},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func renderTranscript(msgs []domain.NormalizedMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.Role
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}
