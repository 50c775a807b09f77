package domain

import "time"

// Roles understood by the generation backend.
const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// NormalizedMessage is one chat message mapped to a role-tagged context line.
type NormalizedMessage struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
}

// AIContext is the bounded conversation submitted for one generation request.
// It is never mutated after it is returned.
type AIContext struct {
	SystemPrompt string           `json:"systemPrompt"`
	Messages     []ContextMessage `json:"messages"`
	Metadata     ContextMetadata  `json:"metadata"`
}

type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ContextMetadata struct {
	MessageCount     int      `json:"messageCount"`
	TotalChars       int      `json:"totalChars"`
	ParticipantNames []string `json:"participantNames"`
}

// Clone returns a deep copy so callers can extend it without touching a cached value.
func (c *AIContext) Clone() *AIContext {
	out := &AIContext{
		SystemPrompt: c.SystemPrompt,
		Messages:     append([]ContextMessage(nil), c.Messages...),
		Metadata:     c.Metadata,
	}
	out.Metadata.ParticipantNames = append([]string(nil), c.Metadata.ParticipantNames...)
	return out
}
