package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"callpipe/internal/config"
	"callpipe/internal/services"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	defaultPollEvery   = 2 * time.Second
	defaultPollBudget  = 10 * time.Minute
)

const stageName = "transcribe"

// Client submits call media to the transcription engine and polls the job
// until a transcript is available.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	pollEvery  time.Duration
	pollBudget time.Duration
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

// WithPollInterval overrides job polling cadence (useful for tests).
func WithPollInterval(every, budget time.Duration) Option {
	return func(c *Client) {
		if every > 0 {
			c.pollEvery = every
		}
		if budget > 0 {
			c.pollBudget = budget
		}
	}
}

// NewClient constructs a transcription client from configuration.
func NewClient(cfg config.Transcription, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		httpClient: &http.Client{Timeout: timeout},
		pollEvery:  defaultPollEvery,
		pollBudget: defaultPollBudget,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"` // queued, processing, complete, failed
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// Transcribe uploads the media file and blocks until the engine finishes,
// returning the transcript text. The submit call is idempotent on the engine
// side keyed by the upload checksum, so re-running after a crash is safe.
func (c *Client) Transcribe(ctx context.Context, mediaPath string) (string, error) {
	if c.apiKey == "" {
		return "", services.Wrap(services.ErrConfiguration, stageName, "submit", "api key required", nil)
	}
	jobID, err := c.submit(ctx, mediaPath)
	if err != nil {
		return "", err
	}
	return c.waitForTranscript(ctx, jobID)
}

func (c *Client) submit(ctx context.Context, mediaPath string) (string, error) {
	file, err := os.Open(mediaPath)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stageName, "submit", "open media", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", filepath.Base(mediaPath))
	if err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "submit", "build form", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "submit", "read media", err)
	}
	if c.model != "" {
		if err := writer.WriteField("model", c.model); err != nil {
			return "", services.Wrap(services.ErrTransient, stageName, "submit", "build form", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "submit", "build form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", &body)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stageName, "submit", "build request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "submit", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", services.StatusError(stageName, "submit", resp)
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "submit", "decode response", err)
	}
	if submitted.JobID == "" {
		return "", services.Wrap(services.ErrTransient, stageName, "submit", "engine returned no job id", nil)
	}
	return submitted.JobID, nil
}

func (c *Client) waitForTranscript(ctx context.Context, jobID string) (string, error) {
	deadline := time.Now().Add(c.pollBudget)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		job, err := c.getJob(ctx, jobID)
		if err != nil {
			return "", err
		}
		switch job.Status {
		case "complete":
			if strings.TrimSpace(job.Transcript) == "" {
				return "", services.Wrap(services.ErrTransient, stageName, "poll", "complete job with empty transcript", nil)
			}
			return job.Transcript, nil
		case "failed":
			return "", services.Wrap(services.ErrValidation, stageName, "poll",
				fmt.Sprintf("engine failed job %s: %s", jobID, job.Error), nil)
		case "queued", "processing":
		default:
			return "", services.Wrap(services.ErrTransient, stageName, "poll",
				fmt.Sprintf("unknown job status %q", job.Status), nil)
		}

		if time.Now().After(deadline) {
			return "", services.Wrap(services.ErrTransient, stageName, "poll",
				fmt.Sprintf("job %s did not complete within %s", jobID, c.pollBudget), nil)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getJob(ctx context.Context, jobID string) (*jobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transcriptions/"+jobID, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, stageName, "poll", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "poll", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, services.StatusError(stageName, "poll", resp)
	}

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "poll", "decode response", err)
	}
	return &job, nil
}
