package agent

import (
	"strings"
	"testing"
	"time"

	"roomchat/internal/domain"
)

var fixedNow = time.Date(2026, 7, 14, 8, 15, 30, 250_000_000, time.UTC)

func roomParticipants() []domain.Participant {
	return []domain.Participant{
		{ID: "u1", Name: "Alice", Role: domain.RoleOwner},
		{ID: "ai", Name: "AI", Role: domain.RoleAI},
		{ID: "u2", Name: "Bob", Role: domain.RoleMember},
	}
}

func fullMemory() *domain.SessionMemory {
	return &domain.SessionMemory{
		RecentTopics: []string{"caching", "deploys"},
		Decisions:    []string{"use sqlite", "ship friday"},
		ActionItems:  []string{"Bob writes tests"},
		CodeSnippets: []domain.CodeSnippet{
			{Description: "one", Language: "go", Code: "1"},
			{Description: "two", Language: "go", Code: "2"},
			{Description: "three", Language: "sql", Code: "3"},
			{Description: "four", Language: "sh", Code: "4"},
		},
	}
}

func TestRender_DisabledSectionsKeepNameAndParticipants(t *testing.T) {
	out := PromptTemplate{}.Render(PromptInput{
		SessionName:  "Design Sync",
		Participants: roomParticipants(),
		Memory:       fullMemory(),
		Preferences:  &domain.Preferences{Language: "fr"},
		Now:          fixedNow,
	})

	for _, want := range []string{"Design Sync", "Alice, Bob", "2026-07-14T08:15:30.250Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"## User Preferences", "## Session Memory", "{", "}"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("prompt should not contain %q:\n%s", unwanted, out)
		}
	}
	if strings.Contains(out, "AI,") || strings.Contains(out, ", AI") {
		t.Errorf("AI participant should not be listed:\n%s", out)
	}
	if out != strings.TrimSpace(out) {
		t.Error("prompt should be trimmed")
	}
}

func TestRender_Preferences(t *testing.T) {
	tmpl := PromptTemplate{IncludeUserPreferences: true}
	in := PromptInput{SessionName: "s", Now: fixedNow}

	in.Preferences = &domain.Preferences{Language: "zh-CN", PreferredLanguages: []string{"Go", "Rust"}}
	out := tmpl.Render(in)
	if !strings.Contains(out, "## User Preferences\n- Language: zh-CN\n- Preferred programming languages: Go, Rust") {
		t.Errorf("unexpected preferences block:\n%s", out)
	}
	if strings.Contains(out, "Coding style") {
		t.Error("absent fields must not be rendered")
	}

	in.Preferences = &domain.Preferences{AITriggerMode: domain.AITriggerMode("always")}
	if out := tmpl.Render(in); strings.Contains(out, "## User Preferences") {
		t.Errorf("preferences without renderable fields should be omitted:\n%s", out)
	}

	in.Preferences = nil
	if out := tmpl.Render(in); strings.Contains(out, "## User Preferences") {
		t.Error("nil preferences should be omitted")
	}
}

func TestRender_Memory(t *testing.T) {
	out := PromptTemplate{IncludeSessionMemory: true}.Render(PromptInput{
		SessionName: "s",
		Memory:      fullMemory(),
		Now:         fixedNow,
	})

	order := []string{
		"## Session Memory",
		"### Recent Topics\ncaching, deploys",
		"### Decisions\n- use sqlite\n- ship friday",
		"### Action Items\n- Bob writes tests",
		"### Saved Code Snippets",
		"#### two\n```go\n2\n```",
		"#### three\n```sql\n3\n```",
		"#### four\n```sh\n4\n```",
	}
	last := -1
	for _, want := range order {
		i := strings.Index(out, want)
		if i < 0 {
			t.Fatalf("memory block missing %q:\n%s", want, out)
		}
		if i < last {
			t.Fatalf("%q out of order:\n%s", want, out)
		}
		last = i
	}
	if strings.Contains(out, "#### one") {
		t.Error("only the 3 most recent snippets should be rendered")
	}
}

func TestRender_MemorySkipsEmptySections(t *testing.T) {
	tmpl := PromptTemplate{IncludeSessionMemory: true}

	out := tmpl.Render(PromptInput{Memory: &domain.SessionMemory{Decisions: []string{"d"}}, Now: fixedNow})
	if !strings.Contains(out, "### Decisions") || strings.Contains(out, "### Recent Topics") || strings.Contains(out, "### Action Items") {
		t.Errorf("unexpected sections:\n%s", out)
	}

	empty := &domain.SessionMemory{FileIndex: []domain.FileRef{{Name: "a.txt"}}}
	if out := tmpl.Render(PromptInput{Memory: empty, Now: fixedNow}); strings.Contains(out, "## Session Memory") {
		t.Errorf("memory without renderable data should be omitted:\n%s", out)
	}
}
