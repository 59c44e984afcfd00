package voiceflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dialogue-relay/internal/domain"
	"dialogue-relay/internal/integrations/paramstore"
)

const (
	DefaultRuntimeEndpoint     = "https://general-runtime.voiceflow.com"
	DefaultTranscriptsEndpoint = "https://api.voiceflow.com/v2/transcripts"
	DefaultVersionID           = "production"
)

// ErrRemoteProtocol matches every failure caused by the dialogue service
// answering with something other than a usable trace list.
var ErrRemoteProtocol = errors.New("voiceflow: remote protocol error")

// ErrMalformedResponse is returned when a 2xx body is not a trace list.
var ErrMalformedResponse = fmt.Errorf("%w: malformed trace list", ErrRemoteProtocol)

// HTTPStatusError captures non-2xx responses from the dialogue service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("voiceflow: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrRemoteProtocol
}

// Client talks to the Voiceflow Dialog Manager runtime. Every call decodes
// its own response; nothing is carried over between calls.
type Client struct {
	runtimeURL     string
	transcriptsURL string
	versionID      string
	projectID      string
	httpClient     *http.Client
	apiKey         paramstore.Source
}

type Option func(*Client)

func WithRuntimeEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			c.runtimeURL = strings.TrimRight(endpoint, "/")
		}
	}
}

func WithTranscriptsEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			c.transcriptsURL = endpoint
		}
	}
}

func WithVersionID(versionID string) Option {
	return func(c *Client) {
		if versionID = strings.TrimSpace(versionID); versionID != "" {
			c.versionID = versionID
		}
	}
}

func WithProjectID(projectID string) Option {
	return func(c *Client) {
		c.projectID = strings.TrimSpace(projectID)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client authenticating with the key from apiKey.
func NewClient(apiKey paramstore.Source, opts ...Option) (*Client, error) {
	if apiKey == nil {
		return nil, errors.New("voiceflow: api key source must not be nil")
	}
	c := &Client{
		runtimeURL:     DefaultRuntimeEndpoint,
		transcriptsURL: DefaultTranscriptsEndpoint,
		versionID:      DefaultVersionID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		apiKey:         apiKey,
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
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) interactURL(sessionID string) string {
	return fmt.Sprintf("%s/state/%s/user/%s/interact",
		c.runtimeURL, url.PathEscape(c.versionID), url.PathEscape(sessionID))
}

type interactRequest struct {
	Request json.RawMessage `json:"request"`
}

type textRequest struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Launch starts (or restarts) the session's dialogue flow.
func (c *Client) Launch(ctx context.Context, sessionID string) (domain.DialogueTurn, error) {
	return c.Interact(ctx, sessionID, json.RawMessage(`{"type":"launch"}`))
}

// SendText forwards free-form user input.
func (c *Client) SendText(ctx context.Context, sessionID, text string) (domain.DialogueTurn, error) {
	raw, err := json.Marshal(textRequest{Type: "text", Payload: text})
	if err != nil {
		return domain.DialogueTurn{}, fmt.Errorf("voiceflow: marshal text request: %w", err)
	}
	return c.Interact(ctx, sessionID, raw)
}

// SendPayload replays an option payload previously offered by a choice trace.
func (c *Client) SendPayload(ctx context.Context, sessionID string, payload json.RawMessage) (domain.DialogueTurn, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return domain.DialogueTurn{}, errors.New("voiceflow: option payload must not be empty")
	}
	return c.Interact(ctx, sessionID, payload)
}

// Interact sends one request and decodes the returned trace list.
func (c *Client) Interact(ctx context.Context, sessionID string, request json.RawMessage) (domain.DialogueTurn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.DialogueTurn{}, errors.New("voiceflow: session id must not be empty")
	}
	apiKey, err := c.apiKey.Value(ctx)
	if err != nil {
		return domain.DialogueTurn{}, fmt.Errorf("voiceflow: resolve api key: %w", err)
	}

	body, err := json.Marshal(interactRequest{Request: request})
	if err != nil {
		return domain.DialogueTurn{}, fmt.Errorf("voiceflow: marshal request: %w", err)
	}

	target := c.interactURL(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return domain.DialogueTurn{}, fmt.Errorf("voiceflow: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", apiKey)

	raw, err := c.doJSONRequest(req, target)
	if err != nil {
		return domain.DialogueTurn{}, fmt.Errorf("voiceflow: interact: %w", err)
	}
	return parseTraces(raw)
}

type transcriptRequest struct {
	VersionID string `json:"versionID"`
	SessionID string `json:"sessionID"`
	ProjectID string `json:"projectID"`
}

// CreateTranscript registers the session in the project's transcript list.
func (c *Client) CreateTranscript(ctx context.Context, sessionID string) error {
	if c.projectID == "" {
		return errors.New("voiceflow: project id is required for transcripts")
	}
	apiKey, err := c.apiKey.Value(ctx)
	if err != nil {
		return fmt.Errorf("voiceflow: resolve api key: %w", err)
	}
	body, err := json.Marshal(transcriptRequest{
		VersionID: c.versionID,
		SessionID: sessionID,
		ProjectID: c.projectID,
	})
	if err != nil {
		return fmt.Errorf("voiceflow: marshal transcript request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.transcriptsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("voiceflow: create transcript request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", apiKey)

	if _, err := c.doJSONRequest(req, c.transcriptsURL); err != nil {
		return fmt.Errorf("voiceflow: create transcript: %w", err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, target string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        target,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
