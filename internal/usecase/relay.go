package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"dialogue-relay/internal/domain"
	"dialogue-relay/internal/logging"
)

// Default notification copy. {user}, {artifact_id} and {artifact_url} are
// substituted at send time.
const (
	DefaultStartedText = "Thank you, I will start working on it. I will notify you when I'm done. " +
		"It will take around 10-15 minutes."
	DefaultCompletedText = "Hey <@{user}>! 🎉 I've just finished crafting your requested document. " +
		"Take a peek at the following link {artifact_url} and let us know your thoughts!"
	DefaultCompletedNoArtifactText = "Hey <@{user}>! 🎉 I've just finished crafting your requested document. " +
		"Take a peek in the Google Docs folder and let us know your thoughts!"
	DefaultArtifactURL = "https://docs.google.com/document/d/{artifact_id}"
)

// RelayTemplates holds the notification copy.
type RelayTemplates struct {
	Started             string
	Completed           string
	CompletedNoArtifact string
	ArtifactURL         string
}

func (t RelayTemplates) withDefaults() RelayTemplates {
	if strings.TrimSpace(t.Started) == "" {
		t.Started = DefaultStartedText
	}
	if strings.TrimSpace(t.Completed) == "" {
		t.Completed = DefaultCompletedText
	}
	if strings.TrimSpace(t.CompletedNoArtifact) == "" {
		t.CompletedNoArtifact = DefaultCompletedNoArtifactText
	}
	if strings.TrimSpace(t.ArtifactURL) == "" {
		t.ArtifactURL = DefaultArtifactURL
	}
	return t
}

// Relay posts task lifecycle notices into the originating conversation
// thread. Delivery is fire-and-forget.
type Relay struct {
	store     ConversationStore
	presenter Presenter
	templates RelayTemplates
	logger    *slog.Logger
}

func NewRelay(s ConversationStore, p Presenter, templates RelayTemplates, logger *slog.Logger) (*Relay, error) {
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: presenter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     s,
		presenter: p,
		templates: templates.withDefaults(),
		logger:    logger.With("component", "relay"),
	}, nil
}

// NotifyStarted tells the conversation's thread that work has begun.
func (r *Relay) NotifyStarted(ctx context.Context, conversationID string) error {
	return r.notify(ctx, conversationID, "started", func(*domain.Conversation) string {
		return r.templates.Started
	})
}

// NotifyCompleted tells the originating user that the artifact is ready.
func (r *Relay) NotifyCompleted(ctx context.Context, conversationID, artifactID string) error {
	artifactID = strings.TrimSpace(artifactID)
	return r.notify(ctx, conversationID, "completed", func(conv *domain.Conversation) string {
		tmpl := r.templates.Completed
		if artifactID == "" {
			tmpl = r.templates.CompletedNoArtifact
		}
		return r.render(tmpl, conv.UserID, artifactID)
	})
}

func (r *Relay) notify(ctx context.Context, conversationID, kind string, text func(*domain.Conversation) string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	logger := logging.FromContext(ctx, r.logger).With("conversation_id", conversationID, "signal", kind)

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return newError(ErrorInternal, "store_read_error", err)
	}
	if conv == nil {
		logger.Warn("task signal for unknown conversation")
		return nil
	}

	if err := r.presenter.PostText(ctx, domain.TargetFor(conv), text(conv)); err != nil {
		logger.Error("failed to deliver task notification", "err", err)
		return nil
	}
	logger.Info("task notification delivered")
	return nil
}

func (r *Relay) render(tmpl, userID, artifactID string) string {
	artifactURL := strings.ReplaceAll(r.templates.ArtifactURL, "{artifact_id}", artifactID)
	return strings.NewReplacer(
		"{user}", userID,
		"{artifact_id}", artifactID,
		"{artifact_url}", artifactURL,
	).Replace(tmpl)
}
