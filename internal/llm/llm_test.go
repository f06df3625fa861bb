package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestParseJSONResponsePlain(t *testing.T) {
	result := ParseJSONResponse(`{"key": "value", "num": 42}`)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
	if result["num"] != float64(42) {
		t.Errorf("expected num=42, got %v", result["num"])
	}
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	text := "```json\n{\"key\": \"value\"}\n```"
	result := ParseJSONResponse(text)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseJSONResponseUnclosedFence(t *testing.T) {
	result := ParseJSONResponse("```json\n{\"key\": \"value\"}")
	if result == nil || result["key"] != "value" {
		t.Errorf("expected unclosed fence to parse, got %v", result)
	}
}

func TestParseJSONResponseInvalid(t *testing.T) {
	if result := ParseJSONResponse("not json at all"); result != nil {
		t.Error("expected nil for invalid JSON")
	}
	if result := ParseJSONResponse(""); result != nil {
		t.Error("expected nil for empty string")
	}
	if result := ParseJSONResponse("```"); result != nil {
		t.Error("expected nil for a bare fence")
	}
}

const geminiDailyQuota = `{
  "error": {
    "code": 429,
    "message": "You exceeded your current quota.",
    "status": "RESOURCE_EXHAUSTED",
    "details": [
      {"@type": "type.googleapis.com/google.rpc.QuotaFailure",
       "violations": [{"quotaMetric": "generativelanguage.googleapis.com/generate_content_free_tier_requests",
                       "quotaId": "GenerateRequestsPerDayPerProjectPerModel-FreeTier"}]},
      {"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "22s"}
    ]
  }
}`

const geminiMinuteQuota = `{
  "error": {
    "code": 429,
    "status": "RESOURCE_EXHAUSTED",
    "details": [
      {"@type": "type.googleapis.com/google.rpc.QuotaFailure",
       "violations": [{"quotaId": "GenerateRequestsPerMinutePerProjectPerModel-FreeTier"}]},
      {"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "7s"}
    ]
  }
}`

func TestClassifyGeminiDailyQuota(t *testing.T) {
	err := Classify("gemini-1.5-flash", &APIError{Provider: "gemini", StatusCode: 429, Body: geminiDailyQuota})

	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if !qe.Daily {
		t.Error("expected daily quota")
	}
	if qe.RetryAfter != 22*time.Second {
		t.Errorf("RetryAfter = %s, want 22s", qe.RetryAfter)
	}
	if qe.Model != "gemini-1.5-flash" {
		t.Errorf("Model = %q", qe.Model)
	}
}

func TestClassifyGeminiMinuteQuota(t *testing.T) {
	err := Classify("m", &APIError{Provider: "gemini", StatusCode: 429, Body: geminiMinuteQuota})

	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Daily {
		t.Error("per-minute quota classified as daily")
	}
	if qe.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %s, want 7s", qe.RetryAfter)
	}
}

func TestClassifyRetryAfterHeader(t *testing.T) {
	err := Classify("m", &APIError{Provider: "openai", StatusCode: 429, Body: "slow down", RetryAfter: "13"})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.RetryAfter != 13*time.Second {
		t.Errorf("RetryAfter = %s, want 13s", qe.RetryAfter)
	}
}

func TestClassifyUnparseableHint(t *testing.T) {
	err := Classify("m", &APIError{Provider: "gemini", StatusCode: 429, Body: `"retryDelay": "soon"`, RetryAfter: "tomorrow"})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.RetryAfter != 0 {
		t.Errorf("expected no hint, got %s", qe.RetryAfter)
	}
}

func TestClassifyPlainErrorText(t *testing.T) {
	err := Classify("m", errors.New("429 Quota exceeded, retry_delay { seconds: 31 }"))
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.RetryAfter != 31*time.Second {
		t.Errorf("RetryAfter = %s, want 31s", qe.RetryAfter)
	}
}

func TestClassifyNonQuota(t *testing.T) {
	orig := &APIError{Provider: "gemini", StatusCode: 500, Body: "internal"}
	if err := Classify("m", orig); err != orig {
		t.Errorf("expected error unchanged, got %v", err)
	}
	if Classify("m", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestParseRetryHint(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
		ok   bool
	}{
		{`"retryDelay": "22s"`, 22 * time.Second, true},
		{`"retryDelay":"1.5s"`, 1500 * time.Millisecond, true},
		{"retry_delay { seconds: 40 }", 40 * time.Second, true},
		{"Please retry in 12 seconds.", 12 * time.Second, true},
		{"no hint here", 0, false},
		{`"retryDelay": "-3s"`, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRetryHint(tt.text)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRetryHint(%q) = %s, %v; want %s, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestGeminiGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello "},{"text":"world"}]}}]}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_GEMINI_KEY", "k-123")
	p := NewGeminiProvider(Config{Model: "gemini-1.5-flash", APIKeyEnv: "TEST_GEMINI_KEY", BaseURL: srv.URL})
	if !p.IsConfigured() {
		t.Fatal("expected provider to be configured")
	}

	out, err := p.Generate(context.Background(), "say hi", 64)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hello world" {
		t.Errorf("got %q", out)
	}
	if gotPath != "/models/gemini-1.5-flash:generateContent" {
		t.Errorf("path = %s", gotPath)
	}
	if gotKey != "k-123" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody.GenerationConfig.MaxOutputTokens != 64 || gotBody.Contents[0].Parts[0].Text != "say hi" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestGeminiQuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(geminiDailyQuota))
	}))
	defer srv.Close()

	t.Setenv("TEST_GEMINI_KEY", "k")
	p := NewGeminiProvider(Config{Model: "g", APIKeyEnv: "TEST_GEMINI_KEY", BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), "x", 10)

	var qe *QuotaError
	if !errors.As(Classify(p.Model(), err), &qe) || !qe.Daily {
		t.Fatalf("expected daily QuotaError, got %v", err)
	}
}

func TestGeminiNotConfigured(t *testing.T) {
	p := NewGeminiProvider(Config{Model: "g", APIKeyEnv: "POSTPILOT_TEST_UNSET_KEY"})
	if p.IsConfigured() {
		t.Error("expected unconfigured provider")
	}
	if _, err := p.Generate(context.Background(), "x", 10); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
		case "/api/chat":
			w.Write([]byte(`{"message":{"content":"ok"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider("llama3", srv.URL, zap.NewNop())
	if !p.IsConfigured() {
		t.Fatal("expected model to be found")
	}
	out, err := p.Generate(context.Background(), "hi", 10)
	if err != nil || out != "ok" {
		t.Fatalf("Generate = %q, %v", out, err)
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder("nomic-embed-text", srv.URL)
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 0.4 {
		t.Errorf("unexpected vectors: %v", vecs)
	}

	if _, err := e.Embed(context.Background(), []string{"only one"}); err == nil {
		t.Error("expected error on vector count mismatch")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"from openai"}}]}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	p := NewOpenAIProvider(Config{Model: "gpt-4o-mini", APIKeyEnv: "TEST_OPENAI_KEY", BaseURL: srv.URL + "/"})
	out, err := p.Generate(context.Background(), "hi", 10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "from openai" {
		t.Errorf("got %q", out)
	}
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"gemini", "ollama", "openai", "anthropic"} {
		p, err := NewProvider(Config{Provider: name, Model: "m"}, zap.NewNop())
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if p.Model() != "m" {
			t.Errorf("%s: Model() = %q", name, p.Model())
		}
	}
	if _, err := NewProvider(Config{Provider: "bogus", Model: "m"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := NewProvider(Config{Provider: "gemini"}, zap.NewNop()); err == nil {
		t.Error("expected error for missing model")
	}
}
