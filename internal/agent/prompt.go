package agent

import (
	"strings"
	"time"

	"roomchat/internal/domain"
)

const (
	maxPromptSnippets = 3
	isoTimeLayout     = "2006-01-02T15:04:05.000Z07:00"
)

// systemPromptTemplate is rendered by PromptTemplate.Render. Placeholders are
// substituted verbatim; empty blocks leave their blank lines in place.
const systemPromptTemplate = `You are the AI assistant of a collaborative chat room shared by several people.

## Session
Name: {sessionName}
Participants: {participants}
Current time: {timestamp}

{userPreferences}

{sessionMemory}

## Guidelines
- Every message in the history comes from a named participant; answer the person who addressed you and keep the rest of the room in mind.
- Reply in the language of the question unless a preference above says otherwise.
- Keep answers focused; use Markdown and put code in fenced blocks with a language tag.
- When you refer to earlier decisions or action items, say who agreed to them if the history shows it.`

// compactSystemPrompt replaces the rendered template in BuildCompactContext.
const compactSystemPrompt = "You are the AI assistant of a collaborative chat room. Answer briefly and in the language of the question."

// PromptInput is everything the system prompt is rendered from.
type PromptInput struct {
	SessionName  string
	Participants []domain.Participant
	Memory       *domain.SessionMemory
	Preferences  *domain.Preferences
	Now          time.Time
}

// PromptTemplate renders the system prompt. The include flags come from ContextConfig.
type PromptTemplate struct {
	IncludeUserPreferences bool
	IncludeSessionMemory   bool
}

func (t PromptTemplate) Render(in PromptInput) string {
	var prefs, mem string
	if t.IncludeUserPreferences {
		prefs = renderPreferences(in.Preferences)
	}
	if t.IncludeSessionMemory {
		mem = renderMemory(in.Memory)
	}

	r := strings.NewReplacer(
		"{sessionName}", in.SessionName,
		"{participants}", strings.Join(humanNames(in.Participants), ", "),
		"{timestamp}", in.Now.UTC().Format(isoTimeLayout),
		"{userPreferences}", prefs,
		"{sessionMemory}", mem,
	)
	return strings.TrimSpace(r.Replace(systemPromptTemplate))
}

// humanNames lists the display names of every participant that is not the AI.
func humanNames(ps []domain.Participant) []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.Role == domain.RoleAI {
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

func renderPreferences(p *domain.Preferences) string {
	if p == nil {
		return ""
	}

	var lines []string
	if p.Language != "" {
		lines = append(lines, "- Language: "+p.Language)
	}
	if p.CodingStyle != "" {
		lines = append(lines, "- Coding style: "+p.CodingStyle)
	}
	if len(p.PreferredLanguages) > 0 {
		lines = append(lines, "- Preferred programming languages: "+strings.Join(p.PreferredLanguages, ", "))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## User Preferences\n" + strings.Join(lines, "\n")
}

func renderMemory(m *domain.SessionMemory) string {
	if m == nil {
		return ""
	}

	var sections []string
	if len(m.RecentTopics) > 0 {
		sections = append(sections, "### Recent Topics\n"+strings.Join(m.RecentTopics, ", "))
	}
	if len(m.Decisions) > 0 {
		sections = append(sections, "### Decisions\n"+bulleted(m.Decisions))
	}
	if len(m.ActionItems) > 0 {
		sections = append(sections, "### Action Items\n"+bulleted(m.ActionItems))
	}
	if len(m.CodeSnippets) > 0 {
		snippets := m.CodeSnippets
		if len(snippets) > maxPromptSnippets {
			snippets = snippets[len(snippets)-maxPromptSnippets:]
		}
		var sb strings.Builder
		sb.WriteString("### Saved Code Snippets")
		for _, s := range snippets {
			sb.WriteString("\n#### ")
			sb.WriteString(s.Description)
			sb.WriteString("\n```")
			sb.WriteString(s.Language)
			sb.WriteByte('\n')
			sb.WriteString(s.Code)
			sb.WriteString("\n```")
		}
		sections = append(sections, sb.String())
	}

	if len(sections) == 0 {
		return ""
	}
	return "## Session Memory\n" + strings.Join(sections, "\n\n")
}

func bulleted(items []string) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(it)
	}
	return sb.String()
}
