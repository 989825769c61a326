package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicGeneratorParsesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.MaxTokens != 100 {
			t.Errorf("max_tokens = %d, want 100", req.MaxTokens)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "# Abstract\n"},
				{"type": "text", "text": "Body paragraph."},
			},
		})
	}))
	defer srv.Close()

	g := NewAnthropicGenerator(srv.URL, "key-1", "test-model")
	text, err := g.GenerateText(context.Background(), "write", 100)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text == "" {
		t.Fatalf("expected text")
	}
}

func TestAnthropicGeneratorSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_error", "message": "quota exceeded"},
		})
	}))
	defer srv.Close()

	g := NewAnthropicGenerator(srv.URL, "key-1", "test-model")
	if _, err := g.GenerateText(context.Background(), "write", 100); err == nil {
		t.Fatalf("expected api error")
	}
}

func TestAnthropicGeneratorRequiresCredentials(t *testing.T) {
	g := NewAnthropicGenerator("", "", "test-model")
	if _, err := g.GenerateText(context.Background(), "write", 100); err == nil {
		t.Fatalf("missing api key must error")
	}
}
