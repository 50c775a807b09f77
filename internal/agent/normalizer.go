package agent

import (
	"roomchat/internal/domain"
)

const (
	voiceFallback = "[voice message]"
	imageFallback = "shared an image"
	fileFallback  = "unnamed file"
)

// NormalizeMessage maps one chat message to a role-tagged context line.
//
// Every sender that is neither the AI nor a system message becomes "user",
// including participants other than currentUserID: the backend sees a single
// conversational counterpart and tells humans apart by SenderName only.
func NormalizeMessage(msg domain.ChatMessage, currentUserID string) domain.NormalizedMessage {
	return domain.NormalizedMessage{
		ID:         msg.ID,
		Role:       normalizedRole(msg),
		Content:    renderContent(msg),
		SenderName: msg.SenderName,
		Timestamp:  msg.CreatedAt,
	}
}

// NormalizeMessages normalizes a slice in order.
func NormalizeMessages(msgs []domain.ChatMessage, currentUserID string) []domain.NormalizedMessage {
	out := make([]domain.NormalizedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = NormalizeMessage(m, currentUserID)
	}
	return out
}

func normalizedRole(msg domain.ChatMessage) string {
	switch {
	case msg.SenderRole == domain.RoleAI:
		return domain.ChatRoleAssistant
	case msg.Type == domain.MessageSystem:
		return domain.ChatRoleSystem
	default:
		return domain.ChatRoleUser
	}
}

func renderContent(msg domain.ChatMessage) string {
	switch msg.Type {
	case domain.MessageVoice:
		if msg.Voice != nil && msg.Voice.Transcript != "" {
			return "[voice] " + msg.Voice.Transcript
		}
		return voiceFallback

	case domain.MessageImage:
		content := msg.Content
		if content == "" {
			content = imageFallback
		}
		return "[image] " + content

	case domain.MessageFile:
		name := fileFallback
		if msg.File != nil && msg.File.Name != "" {
			name = msg.File.Name
		}
		return "[file: " + name + "] " + msg.Content

	case domain.MessageCode:
		var lang, body string
		if msg.Code != nil {
			lang, body = msg.Code.Language, msg.Code.Code
		}
		return "```" + lang + "\n" + body + "\n```" + "\n" + msg.Content

	default: // text, system, ai_thinking
		return msg.Content
	}
}
