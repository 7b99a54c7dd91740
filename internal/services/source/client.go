package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callpipe/internal/config"
	"callpipe/internal/fingerprint"
	"callpipe/internal/services"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultPageSize    = 100
)

// Client talks to the external call recording platform: listing newly
// available recordings and streaming their media bytes.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
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

// NewClient constructs a source client from the source configuration section.
func NewClient(cfg config.Source, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.RequestTimeout > 0 {
		timeout = time.Duration(cfg.RequestTimeout) * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type listResponse struct {
	Recordings []recordingEntry `json:"recordings"`
	NextCursor string           `json:"next_cursor"`
}

type recordingEntry struct {
	ID              string  `json:"id"`
	MediaURL        string  `json:"media_url"`
	StartedAt       string  `json:"started_at"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ListNewArtifacts pages through recordings that started at or after since
// and returns their identity metadata. Pagination follows the platform's
// cursor contract; an empty cursor ends the walk.
func (c *Client) ListNewArtifacts(ctx context.Context, since time.Time) ([]fingerprint.Metadata, error) {
	var (
		results []fingerprint.Metadata
		cursor  string
	)
	for {
		page, err := c.listPage(ctx, since, cursor)
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Recordings {
			meta, err := entry.toMetadata()
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "ingest", "list",
					fmt.Sprintf("recording %s: %v", entry.ID, err), nil)
			}
			results = append(results, meta)
		}
		if page.NextCursor == "" {
			return results, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) listPage(ctx context.Context, since time.Time, cursor string) (*listResponse, error) {
	endpoint, err := url.Parse(c.baseURL + "/v1/recordings")
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "ingest", "list", "invalid base url", err)
	}
	query := endpoint.Query()
	query.Set("since", since.UTC().Format(time.RFC3339))
	query.Set("page_size", strconv.Itoa(c.pageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "ingest", "list", "build request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ingest", "list", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, services.StatusError("ingest", "list", resp)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, services.Wrap(services.ErrTransient, "ingest", "list", "decode response", err)
	}
	return &page, nil
}

func (e recordingEntry) toMetadata() (fingerprint.Metadata, error) {
	var empty fingerprint.Metadata
	if e.ID == "" {
		return empty, fmt.Errorf("missing id")
	}
	if e.MediaURL == "" {
		return empty, fmt.Errorf("missing media_url")
	}
	startedAt, err := time.Parse(time.RFC3339, e.StartedAt)
	if err != nil {
		return empty, fmt.Errorf("parse started_at %q: %w", e.StartedAt, err)
	}
	if e.DurationSeconds < 0 {
		return empty, fmt.Errorf("negative duration")
	}
	return fingerprint.Metadata{
		SourceID:  e.ID,
		SourceURL: e.MediaURL,
		StartTime: startedAt,
		Duration:  time.Duration(e.DurationSeconds * float64(time.Second)),
	}, nil
}

// Download streams the media bytes at mediaURL into w and returns the byte
// count. Callers typically tee into a hash while writing to disk.
func (c *Client) Download(ctx context.Context, mediaURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "fetch", "download", "build request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "fetch", "download", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, services.StatusError("fetch", "download", resp)
	}

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		return written, services.Wrap(services.ErrTransient, "fetch", "download", "stream body", err)
	}
	return written, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
