package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"dialogue-relay/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"
)

// transcriptionResponse is the minimal response shape of the transcription endpoint.
type transcriptionResponse struct {
	Text string `json:"text"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client turns audio attachments into text via the audio transcription API.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	apiKey     paramstore.Source
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The key is resolved on first use.
func NewClient(apiKey paramstore.Source, opts ...Option) (*Client, error) {
	if apiKey == nil {
		return nil, errors.New("openai: api key source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func transcriptionURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/audio/transcriptions"
	}
	return base + "/v1/audio/transcriptions"
}

// Transcribe uploads audio and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("openai: audio must not be empty")
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		filename = "audio"
	}

	apiKey, err := c.apiKey.Value(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("openai: write model field: %w", err)
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("openai: write format field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("openai: create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("openai: write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("openai: close multipart body: %w", err)
	}

	url := transcriptionURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: transcription request failed: %w", err)
	}

	var payload transcriptionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode transcription response: %w", err)
	}
	return strings.TrimSpace(payload.Text), nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
