package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"roomchat/internal/domain"
	"roomchat/internal/metrics"
	"roomchat/internal/stream"

	"golang.org/x/text/unicode/norm"
)

const (
	defaultAPIBase   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	maxErrorBodySize = 64 << 10
	maxErrorMessage  = 500
)

// OpenAI talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, DeepSeek, Qwen, Moonshot, local gateways). Every call is a single
// attempt; failures are returned to the caller as they are.
type OpenAI struct {
	name        string
	apiKey      string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	client      *http.Client
	logger      *slog.Logger
}

type OpenAIConfig struct {
	// Name defaults to "openai".
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	// Timeout bounds non-streaming calls. Streams are bounded by the caller's context.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (o *OpenAI) Name() string     { return o.name }
func (o *OpenAI) Models() []string { return []string{o.model} }

// Healthy lists the models endpoint to check credentials and reachability.
func (o *OpenAI) Healthy(ctx context.Context) error {
	if o.apiKey == "" {
		return domain.ErrMissingAPIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readHTTPError(resp)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      *oaiMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends a non-streaming completion request.
func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.post(ctx, req, false)
	if err != nil {
		metrics.CompletionErrors.Inc()
		return nil, err
	}
	defer resp.Body.Close()

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		metrics.CompletionErrors.Inc()
		return nil, fmt.Errorf("%s: decode response: %w", o.name, err)
	}
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())

	if len(oaiResp.Choices) == 0 || oaiResp.Choices[0].Message == nil || oaiResp.Choices[0].Message.Content == "" {
		metrics.CompletionErrors.Inc()
		return nil, domain.ErrEmptyCompletion
	}

	choice := oaiResp.Choices[0]
	return &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}, nil
}

// Stream sends a streaming request and returns a decoder over the response
// body. The caller owns the decoder and must drain or close it.
func (o *OpenAI) Stream(ctx context.Context, req domain.ChatRequest) (*stream.Decoder, error) {
	resp, err := o.post(ctx, req, true)
	if err != nil {
		metrics.CompletionErrors.Inc()
		return nil, err
	}
	return stream.NewDecoder(ctx, resp.Body, o.logger), nil
}

// ChatStream forwards every delta as a StreamToken event followed by one
// StreamDone. It does not close out. On failure no StreamDone is sent and the
// error is returned.
func (o *OpenAI) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	start := time.Now()
	dec, err := o.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer dec.Close()

	for delta, err := range dec.Deltas() {
		if err != nil {
			metrics.CompletionErrors.Inc()
			return err
		}
		select {
		case out <- domain.StreamEvent{Type: domain.StreamToken, Content: delta}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())

	select {
	case out <- domain.StreamEvent{Type: domain.StreamDone}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// post performs the HTTP call. A non-2xx status is returned as *domain.HTTPError
// with the body already consumed.
func (o *OpenAI) post(ctx context.Context, req domain.ChatRequest, streaming bool) (*http.Response, error) {
	if o.apiKey == "" {
		return nil, domain.ErrMissingAPIKey
	}

	body := o.buildRequest(req, streaming)
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	o.logger.Debug("completion request",
		"provider", o.name,
		"model", body.Model,
		"messages", len(body.Messages),
		"stream", streaming,
	)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	return resp, nil
}

func (o *OpenAI) buildRequest(req domain.ChatRequest, streaming bool) oaiRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	msgs := make([]oaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msg := oaiMessage{Role: m.Role, Content: m.Content, Name: apiName(m.Name)}
		// Names with nothing the name field accepts travel in the content.
		if msg.Name == "" && strings.TrimSpace(m.Name) != "" {
			msg.Content = m.Name + ": " + m.Content
		}
		msgs[i] = msg
	}

	body := oaiRequest{Model: model, Messages: msgs, Stream: streaming}
	body.MaxTokens = req.MaxTokens
	if body.MaxTokens <= 0 {
		body.MaxTokens = o.maxTokens
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = o.temperature
	}
	if temp > 0 {
		body.Temperature = &temp
	}
	return body
}

// apiName reduces a display name to the characters the name field accepts
// (ASCII letters, digits, underscore and dash, at most 64 of them). Accents
// are stripped first, so "José" becomes "Jose".
func apiName(name string) string {
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range norm.NFKD.String(name) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if sb.Len() >= 64 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		case r == ' ' || r == '.':
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// readHTTPError builds a *domain.HTTPError, preferring error.message from a
// JSON body and falling back to the raw body text.
func readHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(raw))

	var eb oaiErrorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}
	return &domain.HTTPError{StatusCode: resp.StatusCode, Message: truncateUTF8(msg, maxErrorMessage)}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
