package domain

import (
	"context"
	"time"
)

// SessionMemory is state accumulated for a session by a collaborator.
// The context builder only reads it.
type SessionMemory struct {
	RecentTopics []string       `json:"recentTopics,omitempty" yaml:"recentTopics,omitempty"`
	Decisions    []string       `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	ActionItems  []string       `json:"actionItems,omitempty" yaml:"actionItems,omitempty"`
	CodeSnippets []CodeSnippet  `json:"codeSnippets,omitempty" yaml:"codeSnippets,omitempty"`
	FileIndex    []FileRef      `json:"fileIndex,omitempty" yaml:"fileIndex,omitempty"`
	Metadata     MemoryMetadata `json:"metadata" yaml:"metadata"`
}

type CodeSnippet struct {
	Description string    `json:"description" yaml:"description"`
	Language    string    `json:"language" yaml:"language"`
	Code        string    `json:"code" yaml:"code"`
	AddedAt     time.Time `json:"addedAt,omitempty" yaml:"addedAt,omitempty"`
}

type FileRef struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

type MemoryMetadata struct {
	MessageCount int       `json:"messageCount" yaml:"messageCount"`
	Summary      string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// MemoryProvider supplies the SessionMemory of a session, or nil when none exists.
type MemoryProvider interface {
	GetMemory(ctx context.Context, sessionID string) (*SessionMemory, error)
}

// ParticipantDirectory lists the participants of a session.
type ParticipantDirectory interface {
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
}

// MessageLog reads and appends session messages, oldest first.
type MessageLog interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
	AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
}
