package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callpipe/internal/config"
	"callpipe/internal/services"
)

const defaultHTTPTimeout = 45 * time.Second

const summaryPrompt = `You summarize customer call transcripts. Respond with JSON only:
{"summary": "<3-5 sentence summary covering the reason for the call, what was discussed, and the outcome>"}`

const sentimentPrompt = `You assess the customer's sentiment in call transcripts. Respond with JSON only:
{"label": "positive" | "neutral" | "negative", "score": <float in [-1, 1]>}`

// Client wraps the analysis provider's chat completion and embedding APIs.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs an analysis client from configuration.
func NewClient(cfg config.Analysis, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Sentiment is the model's verdict on the customer's disposition.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Summarize produces a short prose summary of the transcript.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	content, err := c.completeJSON(ctx, "summarize", summaryPrompt, transcript)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := decodeModelJSON(content, &parsed); err != nil {
		return "", services.Wrap(services.ErrTransient, "summarize", "parse", "model payload", err)
	}
	summary := strings.TrimSpace(parsed.Summary)
	if summary == "" {
		return "", services.Wrap(services.ErrTransient, "summarize", "parse", "empty summary", nil)
	}
	return summary, nil
}

// AssessSentiment scores the customer's sentiment for the transcript.
func (c *Client) AssessSentiment(ctx context.Context, transcript string) (Sentiment, error) {
	var empty Sentiment
	content, err := c.completeJSON(ctx, "sentiment", sentimentPrompt, transcript)
	if err != nil {
		return empty, err
	}
	var parsed Sentiment
	if err := decodeModelJSON(content, &parsed); err != nil {
		return empty, services.Wrap(services.ErrTransient, "sentiment", "parse", "model payload", err)
	}
	parsed.Label = strings.ToLower(strings.TrimSpace(parsed.Label))
	switch parsed.Label {
	case "positive", "neutral", "negative":
	default:
		return empty, services.Wrap(services.ErrTransient, "sentiment", "parse",
			fmt.Sprintf("unknown label %q", parsed.Label), nil)
	}
	if parsed.Score < -1 {
		parsed.Score = -1
	}
	if parsed.Score > 1 {
		parsed.Score = 1
	}
	return parsed, nil
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) completeJSON(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", services.Wrap(services.ErrConfiguration, stage, "complete", "api key required", nil)
	}
	if strings.TrimSpace(userPrompt) == "" {
		return "", services.Wrap(services.ErrValidation, stage, "complete", "empty transcript", nil)
	}
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var parsed chatResponse
	if err := c.postJSON(ctx, stage, "complete", "/v1/chat/completions", payload, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != nil {
		return "", services.Wrap(services.ErrTransient, stage, "complete",
			"api error: "+strings.TrimSpace(parsed.Error.Message), nil)
	}
	for _, choice := range parsed.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", services.Wrap(services.ErrTransient, stage, "complete", "empty choices", nil)
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.apiKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "embed", "embed", "api key required", nil)
	}
	if strings.TrimSpace(text) == "" {
		return nil, services.Wrap(services.ErrValidation, "embed", "embed", "empty input", nil)
	}

	var parsed embeddingResponse
	payload := embeddingRequest{Model: c.model, Input: text}
	if err := c.postJSON(ctx, "embed", "embed", "/v1/embeddings", payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, services.Wrap(services.ErrTransient, "embed", "embed", "empty embedding", nil)
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) postJSON(ctx context.Context, stage, operation, path string, payload, target any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return services.Wrap(services.ErrValidation, stage, operation, "encode body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return services.Wrap(services.ErrValidation, stage, operation, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, stage, operation, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return services.StatusError(stage, operation, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.ErrTransient, stage, operation, "read body", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return services.Wrap(services.ErrTransient, stage, operation, "decode response", err)
	}
	return nil
}

// decodeModelJSON tolerates the usual model formatting quirks: code fences
// and prose wrapped around the JSON object.
func decodeModelJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err == nil {
		return nil
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	return json.Unmarshal([]byte(trimmed), target)
}
