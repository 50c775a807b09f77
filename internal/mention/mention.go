// Package mention extracts @-mentions from chat text.
package mention

import (
	"strings"
	"unicode"

	"roomchat/internal/domain"
)

// aiHandles are the tokens that address the assistant even when no AI
// participant has joined the session.
var aiHandles = []string{"ai", "assistant"}

// Parse resolves @tokens in text against participants. A token matches a
// participant ID or display name case-insensitively; display names with
// spaces match when written with the spaces removed or replaced by '_'.
// Users lists matched human participant IDs in order of first mention,
// without duplicates. HasAI is set by @ai, @assistant or a mention of any
// participant with the ai role.
func Parse(text string, participants []domain.Participant) domain.Mentions {
	var out domain.Mentions
	seen := make(map[string]bool)

	for _, tok := range tokens(text) {
		key := strings.ToLower(tok)
		if isAIHandle(key) {
			out.HasAI = true
			continue
		}
		p, ok := lookup(key, participants)
		if !ok {
			continue
		}
		if p.Role == domain.RoleAI {
			out.HasAI = true
			continue
		}
		if !seen[p.ID] {
			seen[p.ID] = true
			out.Users = append(out.Users, p.ID)
		}
	}
	return out
}

// tokens returns the words that directly follow an '@' which does not sit
// inside another word, so e-mail addresses are not mentions.
func tokens(text string) []string {
	var out []string
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		if i > 0 && isWordRune(runes[i-1]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		if j > i+1 {
			out = append(out, string(runes[i+1:j]))
		}
		i = j - 1
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

func isAIHandle(key string) bool {
	for _, h := range aiHandles {
		if key == h {
			return true
		}
	}
	return false
}

func lookup(key string, participants []domain.Participant) (domain.Participant, bool) {
	key = strings.TrimRight(key, ".")
	for _, p := range participants {
		if strings.ToLower(p.ID) == key {
			return p, true
		}
	}
	for _, p := range participants {
		if nameKey(p.Name, "") == key || nameKey(p.Name, "_") == key {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func nameKey(name, sep string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), sep))
}
