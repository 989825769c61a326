package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicGenerator calls the Anthropic messages API.
type AnthropicGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropicGenerator builds an Anthropic-backed TextGenerator.
// baseURL may be empty to use the public endpoint.
func NewAnthropicGenerator(baseURL, apiKey, model string) *AnthropicGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateText implements TextGenerator using the messages API.
func (g *AnthropicGenerator) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("anthropic generation model required")
	}
	if g.apiKey == "" {
		return "", fmt.Errorf("anthropic api key required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := anthropicRequest{
		Model:     g.model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := g.baseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp anthropicErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("anthropic api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("anthropic api error: %s", resp.Status)
	}

	var msgResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return "", fmt.Errorf("anthropic decode: %w", err)
	}
	var b strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("empty response from anthropic api")
	}
	return text, nil
}

// Anthropic request/response types.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
