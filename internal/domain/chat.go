package domain

import "time"

// SenderRole is the role a participant holds in a session.
type SenderRole string

const (
	RoleOwner  SenderRole = "owner"
	RoleAdmin  SenderRole = "admin"
	RoleMember SenderRole = "member"
	RoleGuest  SenderRole = "guest"
	RoleAI     SenderRole = "ai"
)

// MessageType selects which payload of a ChatMessage is meaningful.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageVoice      MessageType = "voice"
	MessageFile       MessageType = "file"
	MessageCode       MessageType = "code"
	MessageSystem     MessageType = "system"
	MessageAIThinking MessageType = "ai_thinking"
)

// ChatMessage is one entry of a multi-user session log.
// Only the payload matching Type is meaningful; the others are ignored.
type ChatMessage struct {
	ID         string      `json:"id" yaml:"id"`
	SessionID  string      `json:"sessionId" yaml:"sessionId"`
	SenderID   string      `json:"senderId" yaml:"senderId"`
	SenderName string      `json:"senderName" yaml:"senderName"`
	SenderRole SenderRole  `json:"senderRole" yaml:"senderRole"`
	Type       MessageType `json:"type" yaml:"type"`
	Content    string      `json:"content" yaml:"content"`

	Voice *VoicePayload `json:"voice,omitempty" yaml:"voice,omitempty"`
	Image *ImagePayload `json:"image,omitempty" yaml:"image,omitempty"`
	File  *FilePayload  `json:"file,omitempty" yaml:"file,omitempty"`
	Code  *CodePayload  `json:"code,omitempty" yaml:"code,omitempty"`

	Mentions   []string `json:"mentions,omitempty" yaml:"mentions,omitempty"`
	MentionsAI bool     `json:"mentionsAI,omitempty" yaml:"mentionsAI,omitempty"`

	ReplyTo   string     `json:"replyTo,omitempty" yaml:"replyTo,omitempty"`
	CreatedAt time.Time  `json:"createdAt" yaml:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty" yaml:"editedAt,omitempty"`
}

type VoiceStatus string

const (
	VoicePending     VoiceStatus = "pending"
	VoiceTranscribed VoiceStatus = "transcribed"
	VoiceFailed      VoiceStatus = "failed"
)

type VoicePayload struct {
	URL        string      `json:"url,omitempty" yaml:"url,omitempty"`
	Duration   float64     `json:"duration,omitempty" yaml:"duration,omitempty"`
	Transcript string      `json:"transcript,omitempty" yaml:"transcript,omitempty"`
	Status     VoiceStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

type ImagePayload struct {
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Width  int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height int    `json:"height,omitempty" yaml:"height,omitempty"`
}

type FilePayload struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Name     string `json:"name" yaml:"name"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

type CodePayload struct {
	Language string `json:"language" yaml:"language"`
	Code     string `json:"code" yaml:"code"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// AITriggerMode controls when the assistant answers a participant.
type AITriggerMode string

const (
	TriggerMention AITriggerMode = "mention"
	TriggerAlways  AITriggerMode = "always"
	TriggerManual  AITriggerMode = "manual"
)

// Participant is a member of a session. Participants are never deleted;
// leaving marks them offline.
type Participant struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Role        SenderRole     `json:"role" yaml:"role"`
	Status      PresenceStatus `json:"status" yaml:"status"`
	Preferences *Preferences   `json:"preferences,omitempty" yaml:"preferences,omitempty"`
	JoinedAt    time.Time      `json:"joinedAt" yaml:"joinedAt"`
}

type Preferences struct {
	Language           string        `json:"language,omitempty" yaml:"language,omitempty"`
	CodingStyle        string        `json:"codingStyle,omitempty" yaml:"codingStyle,omitempty"`
	PreferredLanguages []string      `json:"preferredLanguages,omitempty" yaml:"preferredLanguages,omitempty"`
	AITriggerMode      AITriggerMode `json:"aiTriggerMode,omitempty" yaml:"aiTriggerMode,omitempty"`
}

// Mentions is the output of the mention resolver.
type Mentions struct {
	Users []string `json:"users"`
	HasAI bool     `json:"hasAI"`
}

// Session is the owner of a message log, its participants and its memory.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
