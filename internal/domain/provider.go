package domain

import "context"

// Provider is the interface every completion backend implements.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Models() []string
}

// StreamingProvider delivers incremental output through StreamEvent channels.
// ChatStream returns once the stream ends, fails or ctx is cancelled.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamDone  StreamEventType = "done"
	StreamError StreamEventType = "error"
)

// StreamEvent represents a single streaming event from a provider.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"` // delta text or error message
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToRequest converts an AIContext into provider messages, system prompt first.
func (c *AIContext) ToRequest() ChatRequest {
	msgs := make([]Message, 0, len(c.Messages)+1)
	if c.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: ChatRoleSystem, Content: c.SystemPrompt})
	}
	for _, m := range c.Messages {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	return ChatRequest{Messages: msgs}
}
