package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"callpipe/internal/config"
	"callpipe/internal/services"
)

const defaultHTTPTimeout = 30 * time.Second

// Client delivers enriched call documents to the downstream retrieval corpus.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
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

// NewClient constructs a retrieval client from configuration.
func NewClient(cfg config.Retrieval, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		collection: strings.TrimSpace(cfg.Collection),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Document is one enriched call ready for indexing. DocumentID is the
// recording's source identity, so re-delivering the same call upserts rather
// than duplicates.
type Document struct {
	DocumentID string            `json:"document_id"`
	BatchID    string            `json:"batch_id"`
	Transcript string            `json:"transcript"`
	Summary    string            `json:"summary"`
	Sentiment  string            `json:"sentiment"`
	Embedding  []float64         `json:"embedding,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type deliverResponse struct {
	Ref string `json:"ref"`
}

// Deliver upserts one document into the configured collection and returns the
// corpus reference assigned to it.
func (c *Client) Deliver(ctx context.Context, doc Document) (string, error) {
	if c.apiKey == "" {
		return "", services.Wrap(services.ErrConfiguration, "export", "deliver", "api key required", nil)
	}
	if doc.DocumentID == "" {
		return "", services.Wrap(services.ErrValidation, "export", "deliver", "document id required", nil)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "export", "deliver", "encode document", err)
	}
	endpoint := c.baseURL + "/v1/collections/" + c.collection + "/documents/" + doc.DocumentID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "export", "deliver", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "export", "deliver", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", services.StatusError("export", "deliver", resp)
	}

	var delivered deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&delivered); err != nil {
		return "", services.Wrap(services.ErrTransient, "export", "deliver", "decode response", err)
	}
	if delivered.Ref == "" {
		delivered.Ref = c.collection + "/" + doc.DocumentID
	}
	return delivered.Ref, nil
}
