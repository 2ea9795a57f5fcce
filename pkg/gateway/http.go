package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Config holds inference gateway configuration.
//
// The client speaks the OpenAI-compatible wire format, which covers the
// hosted APIs as well as local serving stacks (Ollama, vLLM, DashScope)
// that expose /v1/embeddings and /v1/chat/completions.
type Config struct {
	BaseURL    string        // e.g. http://localhost:11434
	EmbedPath  string        // e.g. /v1/embeddings
	ChatPath   string        // e.g. /v1/chat/completions
	APIKey     string        // optional bearer token
	EmbedModel string        // e.g. mxbai-embed-large
	ChatModel  string        // e.g. qwen-plus-latest
	Dimensions int           // expected embedding dimensionality
	Timeout    time.Duration // per-request timeout
}

// DefaultConfig returns configuration for a local OpenAI-compatible server
// with mxbai-embed-large embeddings.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:11434",
		EmbedPath:  "/v1/embeddings",
		ChatPath:   "/v1/chat/completions",
		EmbedModel: "mxbai-embed-large",
		ChatModel:  "qwen2.5-7b-instruct",
		Dimensions: 1024,
		Timeout:    60 * time.Second,
	}
}

// HTTPClient implements Client against OpenAI-compatible HTTP endpoints.
//
// Thread-safe: can be used concurrently from multiple goroutines.
type HTTPClient struct {
	config *Config
	client *http.Client
}

// NewHTTPClient creates a gateway client. If config is nil,
// DefaultConfig() is used.
func NewHTTPClient(config *Config) *HTTPClient {
	if config == nil {
		config = DefaultConfig()
	}
	return &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Dimensions returns the expected embedding dimensionality.
func (c *HTTPClient) Dimensions() int { return c.config.Dimensions }

// Model returns the chat model name.
func (c *HTTPClient) Model() string { return c.config.ChatModel }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding vector for a single text.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := c.post(ctx, c.config.EmbedPath, embedRequest{
		Model: c.config.EmbedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewPermanentError(0, fmt.Errorf("decode embed response: %w", err))
	}
	if len(resp.Data) == 0 {
		return nil, NewPermanentError(0, errors.New("embed response contained no vectors"))
	}

	vec := resp.Data[0].Embedding
	if c.config.Dimensions > 0 && len(vec) != c.config.Dimensions {
		return nil, NewPermanentError(0, fmt.Errorf("embedding dimensions mismatch: want %d, got %d",
			c.config.Dimensions, len(vec)))
	}
	return vec, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Judge runs one adjudication prompt. The model is asked for a JSON object
// {"verdict": "same"|"distinct", "confidence": 0..1}; anything else is a
// permanent failure.
func (c *HTTPClient) Judge(ctx context.Context, prompt string) (Judgement, error) {
	content, err := c.chat(ctx, prompt)
	if err != nil {
		return Judgement{}, err
	}

	var j Judgement
	if err := json.Unmarshal(extractJSON(content), &j); err != nil {
		return Judgement{}, NewPermanentError(0, fmt.Errorf("parse judgement: %w", err))
	}
	if j.Verdict != VerdictSame && j.Verdict != VerdictDistinct {
		return Judgement{}, NewPermanentError(0, fmt.Errorf("unknown verdict %q", j.Verdict))
	}
	if j.Confidence < 0 || j.Confidence > 1 {
		return Judgement{}, NewPermanentError(0, fmt.Errorf("confidence %v out of range", j.Confidence))
	}
	return j, nil
}

// Merge runs one consolidation prompt. The model is asked for a JSON object
// {"question": ..., "answer": ...}.
func (c *HTTPClient) Merge(ctx context.Context, prompt string) (Consolidation, error) {
	content, err := c.chat(ctx, prompt)
	if err != nil {
		return Consolidation{}, err
	}

	var m Consolidation
	if err := json.Unmarshal(extractJSON(content), &m); err != nil {
		return Consolidation{}, NewPermanentError(0, fmt.Errorf("parse consolidation: %w", err))
	}
	if strings.TrimSpace(m.Question) == "" || strings.TrimSpace(m.Answer) == "" {
		return Consolidation{}, NewPermanentError(0, errors.New("consolidation missing question or answer"))
	}
	return m, nil
}

// Refine runs one text-refinement prompt and returns the raw revised text.
func (c *HTTPClient) Refine(ctx context.Context, prompt string) (string, error) {
	content, err := c.chat(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// chat issues one chat completion and returns the first choice's content.
func (c *HTTPClient) chat(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, c.config.ChatPath, chatRequest{
		Model:       c.config.ChatModel,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", NewPermanentError(0, fmt.Errorf("decode chat response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", NewPermanentError(0, errors.New("chat response contained no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// post sends one JSON request and classifies any failure.
func (c *HTTPClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewPermanentError(0, fmt.Errorf("marshal request: %w", err))
	}

	url := c.config.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewPermanentError(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimitedError(resp.StatusCode, fmt.Errorf("gateway returned 429: %s", truncate(respBody)))
	case resp.StatusCode >= 500:
		return nil, NewTransientError(resp.StatusCode, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(respBody)))
	default:
		return nil, NewPermanentError(resp.StatusCode, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(respBody)))
	}
}

// classifyTransportError maps client-side transport failures onto the
// gateway taxonomy. Timeouts and connection errors are retryable.
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return NewPermanentError(0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(0, err)
	}
	return NewTransientError(0, err)
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls a JSON object out of a chat completion. Models wrap
// their output in fenced code blocks often enough that both the fenced and
// bare forms are handled.
func extractJSON(content string) []byte {
	if m := jsonFence.FindStringSubmatch(content); m != nil {
		return []byte(m[1])
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return []byte(content[start : end+1])
	}
	return []byte(content)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
