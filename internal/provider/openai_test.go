package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"roomchat/internal/config"
	"roomchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOpenAI(url, key string) *OpenAI {
	return NewOpenAI(OpenAIConfig{APIKey: key, APIBase: url, Model: "test-model", Logger: testLogger()})
}

func sampleRequest() domain.ChatRequest {
	return domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.ChatRoleSystem, Content: "be nice"},
		{Role: domain.ChatRoleUser, Content: "hi", Name: "Ann Lee"},
	}}
}

func TestChat_Success(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`)
	}))
	defer srv.Close()

	resp, err := newTestOpenAI(srv.URL, "sk-test").Chat(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.Stream || got.Model != "test-model" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if got.Messages[1].Name != "Ann_Lee" {
		t.Fatalf("name = %q, want Ann_Lee", got.Messages[1].Name)
	}
}

func TestChat_MissingKeyMakesNoRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv.URL, "").Chat(context.Background(), sampleRequest())
	if !errors.Is(err, domain.ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
	if called {
		t.Fatal("no request should be sent without a key")
	}
}

func TestChat_HTTPErrorCarriesUpstreamMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv.URL, "k").Chat(context.Background(), sampleRequest())
	var he *domain.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *domain.HTTPError", err)
	}
	if he.StatusCode != http.StatusTooManyRequests || he.Message != "rate limited" {
		t.Fatalf("unexpected HTTPError: %+v", he)
	}
}

func TestChat_HTTPErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv.URL, "k").Chat(context.Background(), sampleRequest())
	var he *domain.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway || he.Message != "bad gateway" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestChat_EmptyCompletion(t *testing.T) {
	for _, body := range []string{
		`{"choices":[]}`,
		`{"choices":[{"finish_reason":"stop"}]}`,
		`{"choices":[{"message":{"role":"assistant","content":""}}]}`,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		_, err := newTestOpenAI(srv.URL, "k").Chat(context.Background(), sampleRequest())
		srv.Close()
		if !errors.Is(err, domain.ErrEmptyCompletion) {
			t.Errorf("body %s: err = %v, want ErrEmptyCompletion", body, err)
		}
	}
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
	}))
}

func TestChatStream_ForwardsDeltasInOrder(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":"He"}}]}`+"\n\n",
		`data: {"choices":[{"del`, `ta":{"content":"llo"}}]}`+"\n\n",
		"data: {broken\n\n",
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	out := make(chan domain.StreamEvent, 16)
	if err := newTestOpenAI(srv.URL, "k").ChatStream(context.Background(), sampleRequest(), out); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	close(out)

	var tokens []string
	var done int
	for ev := range out {
		switch ev.Type {
		case domain.StreamToken:
			tokens = append(tokens, ev.Content)
		case domain.StreamDone:
			done++
		}
	}
	if strings.Join(tokens, "|") != "He|llo" || done != 1 {
		t.Fatalf("tokens = %q, done = %d", tokens, done)
	}
}

func TestStream_HTTPErrorBeforeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv.URL, "k").Stream(context.Background(), sampleRequest())
	var he *domain.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
}

func TestChatStream_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"first"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.StreamEvent, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- newTestOpenAI(srv.URL, "k").ChatStream(ctx, sampleRequest(), out) }()

	if ev := <-out; ev.Content != "first" {
		t.Fatalf("first event = %+v", ev)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ChatStream did not return after cancel")
	}
	if len(out) != 0 {
		t.Fatalf("no events expected after cancel, got %d", len(out))
	}
}

func TestAPIName(t *testing.T) {
	tests := map[string]string{
		"":           "",
		"alice":      "alice",
		"Ann Lee":    "Ann_Lee",
		"小明":         "",
		"dev.ops-01": "dev_ops-01",
		"José Núñez": "Jose_Nunez",
	}
	for in, want := range tests {
		if got := apiName(in); got != want {
			t.Errorf("apiName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildRequest_NamesWithoutASCIIMoveToContent(t *testing.T) {
	o := newTestOpenAI("http://unused", "k")
	body := o.buildRequest(domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.ChatRoleUser, Name: "张三", Content: "我们用 sqlite 吧"},
		{Role: domain.ChatRoleUser, Name: "Bob", Content: "agreed"},
	}}, false)

	if got := body.Messages[0]; got.Name != "" || got.Content != "张三: 我们用 sqlite 吧" {
		t.Errorf("CJK sender = %+v", got)
	}
	if got := body.Messages[1]; got.Name != "Bob" || got.Content != "agreed" {
		t.Errorf("ASCII sender = %+v", got)
	}
}

func TestChat_HTTPErrorTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("a", maxErrorMessage-1) + "错误"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, long, http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv.URL, "k").Chat(context.Background(), sampleRequest())
	var he *domain.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *domain.HTTPError", err)
	}
	if !utf8.ValidString(he.Message) || he.Message != strings.Repeat("a", maxErrorMessage-1) {
		t.Fatalf("message = %q (%d bytes)", he.Message, len(he.Message))
	}
}

func TestFactory_GetCachesAndResolvesSecrets(t *testing.T) {
	t.Setenv("ROOMCHAT_TEST_PROVIDER_KEY", "sk-env")
	cfg := config.Defaults()
	cfg.Providers["local"] = config.ProviderConfig{
		Enabled:      true,
		APIBase:      "http://localhost:1234/v1/",
		APIKey:       "${ROOMCHAT_TEST_PROVIDER_KEY}",
		DefaultModel: "llama",
	}
	f := NewFactory(cfg, testLogger())

	p1, err := f.Get("local")
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := f.Get("local")
	if p1 != p2 {
		t.Fatal("expected cached instance")
	}
	o := p1.(*OpenAI)
	if o.apiKey != "sk-env" || o.apiBase != "http://localhost:1234/v1" || o.Name() != "local" {
		t.Fatalf("unexpected provider: key=%q base=%q name=%q", o.apiKey, o.apiBase, o.Name())
	}
}

func TestFactory_Errors(t *testing.T) {
	cfg := config.Defaults()
	f := NewFactory(cfg, testLogger())
	if _, err := f.Get("missing"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := f.Get("deepseek"); err == nil {
		t.Fatal("expected error for disabled provider")
	}
	if got := f.Enabled(); len(got) != 1 || got[0] != "openai" {
		t.Fatalf("Enabled = %v", got)
	}
}
