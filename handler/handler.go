package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"dialogue-relay/internal/logging"
	"dialogue-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

// Notifier relays task lifecycle signals into conversations.
type Notifier interface {
	NotifyStarted(ctx context.Context, conversationID string) error
	NotifyCompleted(ctx context.Context, conversationID, artifactID string) error
}

// TokenVerifier authenticates the Authorization header of a task signal.
type TokenVerifier interface {
	VerifyHeader(header string) (string, error)
}

type Option func(*Handler)

// WithVerifier requires every task signal to carry a valid bearer token.
func WithVerifier(v TokenVerifier) Option {
	return func(h *Handler) { h.verifier = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

type Handler struct {
	notifier Notifier
	verifier TokenVerifier
	logger   *slog.Logger
}

func NewHandler(n Notifier, opts ...Option) (*Handler, error) {
	if n == nil {
		return nil, errors.New("handler: notifier must not be nil")
	}
	h := &Handler{notifier: n, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "task_signal_handler")
	return h, nil
}

// taskSignalRequest accepts both the snake_case names task runners have
// always sent and the camelCase ones.
type taskSignalRequest struct {
	ConversationID      string `json:"conversation_id"`
	ConversationIDCamel string `json:"conversationId"`
	DocumentID          string `json:"document_id"`
	ArtifactID          string `json:"artifact_id"`
	ArtifactIDCamel     string `json:"artifactId"`
}

func (r taskSignalRequest) conversationID() string {
	return firstNonEmpty(r.ConversationID, r.ConversationIDCamel)
}

func (r taskSignalRequest) artifactID() string {
	return firstNonEmpty(r.DocumentID, r.ArtifactID, r.ArtifactIDCamel)
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handle serves API Gateway proxy requests for the task-signal endpoints.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	ctx = logging.WithCorrelationID(ctx, corrID)
	corrID = logging.CorrelationID(ctx)
	logger := logging.FromContext(ctx, h.logger).With("path", req.Path, "method", req.HTTPMethod)

	route := strings.TrimSuffix(req.Path, "/")
	switch route {
	case "/healthz":
		if req.HTTPMethod != http.MethodGet && req.HTTPMethod != http.MethodHead {
			return respond(http.StatusMethodNotAllowed, statusResponse{Status: "error", Message: "Method not allowed"}, corrID), nil
		}
		return respond(http.StatusOK, statusResponse{Status: "ok"}, corrID), nil
	case "/task-started", "/task-completed":
	default:
		return respond(http.StatusNotFound, statusResponse{Status: "error", Message: "Not found"}, corrID), nil
	}

	if req.HTTPMethod != http.MethodPost {
		return respond(http.StatusMethodNotAllowed, statusResponse{Status: "error", Message: "Method not allowed"}, corrID), nil
	}
	if h.verifier != nil {
		if _, err := h.verifier.VerifyHeader(headerValue(req.Headers, "Authorization")); err != nil {
			logger.Warn("rejected task signal", "err", err)
			return respond(http.StatusUnauthorized, statusResponse{Status: "error", Message: "Unauthorized", Error: "UNAUTHORIZED"}, corrID), nil
		}
	}

	body := req.Body
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return respond(http.StatusBadRequest, statusResponse{Status: "error", Message: "Invalid request body", Error: string(usecase.ErrorInvalidInput)}, corrID), nil
		}
		body = string(decoded)
	}
	var in taskSignalRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return respond(http.StatusBadRequest, statusResponse{Status: "error", Message: "Invalid request body", Error: string(usecase.ErrorInvalidInput)}, corrID), nil
	}

	var (
		err     error
		message string
	)
	if route == "/task-started" {
		err = h.notifier.NotifyStarted(ctx, in.conversationID())
		message = "Task started notification sent"
	} else {
		err = h.notifier.NotifyCompleted(ctx, in.conversationID(), in.artifactID())
		message = "Task completed notification sent"
	}
	if err != nil {
		status, out := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Error("task signal failed", "err", err)
		}
		return respond(status, out, corrID), nil
	}
	return respond(http.StatusOK, statusResponse{Status: "success", Message: message}, corrID), nil
}

func errorResponse(err error) (int, statusResponse) {
	code := usecase.CodeOf(err)
	out := statusResponse{Status: "error", Error: string(code)}
	switch code {
	case usecase.ErrorInvalidInput:
		out.Message = "Missing conversation_id"
		return http.StatusBadRequest, out
	case usecase.ErrorConversationNotFound:
		out.Message = "Conversation not found"
		return http.StatusNotFound, out
	case usecase.ErrorRateLimited:
		out.Message = "Rate limited"
		return http.StatusTooManyRequests, out
	case usecase.ErrorUpstream:
		out.Message = "Upstream error"
		return http.StatusBadGateway, out
	default:
		out.Error = string(usecase.ErrorInternal)
		out.Message = "Internal error"
		return http.StatusInternalServerError, out
	}
}

// ServeHTTP adapts the handler to net/http for the long-running relay.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	resp, _ := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		Path:       r.URL.Path,
		HTTPMethod: r.Method,
		Headers:    headers,
		Body:       string(body),
	})
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func respond(status int, body statusResponse, corrID string) events.APIGatewayProxyResponse {
	buf, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(buf),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
