package agent

import (
	"strings"
	"testing"

	"roomchat/internal/domain"
)

func TestEstimateTokens_Boundaries(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"你好世界", 4},
		{strings.Repeat("中", 25), 25},
		{"你好ab", 3},
		{"龥", 1},  // U+9FA5, last counted ideograph
		{"龦龦", 1}, // just past the range: quarter tokens
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	s := ""
	prev := 0
	for _, r := range "The quick 棕色 fox jumps over 懒狗 again and again" {
		s += string(r)
		got := EstimateTokens(s)
		if got < prev {
			t.Fatalf("estimate decreased from %d to %d at %q", prev, got, s)
		}
		prev = got
	}
}

func TestEstimateContextTokens(t *testing.T) {
	c := &domain.AIContext{
		SystemPrompt: "abcd",
		Messages: []domain.ContextMessage{
			{Role: domain.ChatRoleUser, Content: "abcdefgh"},
			{Role: domain.ChatRoleAssistant, Content: "你好"},
		},
	}
	if got := EstimateContextTokens(c); got != 1+2+2 {
		t.Fatalf("EstimateContextTokens = %d, want 5", got)
	}
}
