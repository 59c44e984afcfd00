// Package extract turns attachments and links into plain text for the
// dialogue service.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"dialogue-relay/internal/domain"
	"dialogue-relay/internal/integrations/paramstore"
)

const (
	DefaultMaxBytes = 25 << 20
	DefaultTimeout  = 30 * time.Second
	userAgent       = "dialogue-relay/1.0 (+content-extractor)"
)

var (
	// ErrUnsupported is returned for attachment kinds with no extractor.
	ErrUnsupported = errors.New("extract: unsupported content type")
	// ErrEmpty is returned when extraction succeeds but yields no text.
	ErrEmpty = errors.New("extract: no text content")
	// ErrTooLarge is returned when a download exceeds the size limit.
	ErrTooLarge = errors.New("extract: content exceeds size limit")
)

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// HTTPStatusError captures non-2xx download responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("extract: unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Extractor fetches attachments and web pages and returns their text.
type Extractor struct {
	httpClient  *http.Client
	fileToken   paramstore.Source
	transcriber Transcriber
	maxBytes    int64
	logger      *slog.Logger
}

type Option func(*Extractor)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) { e.httpClient = c }
}

// WithTranscriber enables audio attachments.
func WithTranscriber(t Transcriber) Option {
	return func(e *Extractor) { e.transcriber = t }
}

func WithMaxBytes(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Extractor. fileToken authorizes private file downloads.
func New(fileToken paramstore.Source, opts ...Option) (*Extractor, error) {
	if fileToken == nil {
		return nil, errors.New("extract: file token source must not be nil")
	}
	e := &Extractor{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		fileToken:  fileToken,
		maxBytes:   DefaultMaxBytes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "extract")
	return e, nil
}

// Attachment downloads a shared file and extracts its text.
func (e *Extractor) Attachment(ctx context.Context, a domain.Attachment) (string, error) {
	kind := classify(a.FileType, a.Name)
	if kind == kindUnknown {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, a.FileType)
	}
	if kind == kindAudio && e.transcriber == nil {
		return "", fmt.Errorf("%w: audio transcription disabled", ErrUnsupported)
	}
	if strings.TrimSpace(a.DownloadURL) == "" {
		return "", errors.New("extract: attachment has no download url")
	}

	token, err := e.fileToken.Value(ctx)
	if err != nil {
		return "", fmt.Errorf("extract: resolve file token: %w", err)
	}
	data, contentType, err := e.fetch(ctx, a.DownloadURL, "Bearer "+token)
	if err != nil {
		return "", err
	}
	// Slack answers an unauthorized file fetch with its login page.
	if kind != kindText && isHTML(contentType) {
		return "", errors.New("extract: file download returned an HTML page")
	}

	var text string
	switch kind {
	case kindPDF:
		text, err = pdfText(data)
	case kindDOCX:
		text, err = docxText(data)
	case kindPPTX:
		text, err = pptxText(data)
	case kindText:
		text, err = plainText(data)
	case kindAudio:
		text, err = e.transcriber.Transcribe(ctx, a.Name, data)
	}
	if err != nil {
		return "", fmt.Errorf("extract: %s %q: %w", kind, a.Name, err)
	}
	return nonEmpty(text)
}

// URL fetches a web page and extracts its readable text.
func (e *Extractor) URL(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("extract: not an http url: %q", rawURL)
	}
	data, contentType, err := e.fetch(ctx, rawURL, "")
	if err != nil {
		return "", err
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	var text string
	switch {
	case mediaType == "" || isHTML(mediaType):
		text, err = htmlText(data)
	case mediaType == "application/pdf":
		text, err = pdfText(data)
	case strings.HasPrefix(mediaType, "text/"):
		text, err = plainText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	}
	if err != nil {
		return "", fmt.Errorf("extract: page %s: %w", rawURL, err)
	}
	return nonEmpty(text)
}

func (e *Extractor) fetch(ctx context.Context, target, authorization string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	res, err := e.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("extract: fetch %s: %w", target, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", &HTTPStatusError{StatusCode: res.StatusCode, URL: target}
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, e.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("extract: read %s: %w", target, err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, res.Header.Get("Content-Type"), nil
}

type kind string

const (
	kindUnknown kind = ""
	kindPDF     kind = "pdf"
	kindDOCX    kind = "docx"
	kindPPTX    kind = "pptx"
	kindText    kind = "text"
	kindAudio   kind = "audio"
)

var kindsByType = map[string]kind{
	"pdf":      kindPDF,
	"docx":     kindDOCX,
	"pptx":     kindPPTX,
	"text":     kindText,
	"txt":      kindText,
	"markdown": kindText,
	"md":       kindText,
	"csv":      kindText,
	"json":     kindText,
	"mp3":      kindAudio,
	"mpga":     kindAudio,
	"m4a":      kindAudio,
	"wav":      kindAudio,
	"webm":     kindAudio,
	"ogg":      kindAudio,
	"mp4":      kindAudio,
}

// classify picks an extractor from the platform file type, falling back to
// the file name's extension.
func classify(fileType, name string) kind {
	if k, ok := kindsByType[strings.ToLower(strings.TrimSpace(fileType))]; ok {
		return k
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	return kindsByType[ext]
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html") ||
		strings.Contains(strings.ToLower(contentType), "application/xhtml")
}

func nonEmpty(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}
