package usecase

import (
	"context"
	"encoding/json"

	"dialogue-relay/internal/domain"
)

// DialogueClient exchanges turns with the remote dialogue service.
type DialogueClient interface {
	Launch(ctx context.Context, sessionID string) (domain.DialogueTurn, error)
	SendText(ctx context.Context, sessionID, text string) (domain.DialogueTurn, error)
	SendPayload(ctx context.Context, sessionID string, payload json.RawMessage) (domain.DialogueTurn, error)
}

// TranscriptCreator registers a freshly launched session for review.
type TranscriptCreator interface {
	CreateTranscript(ctx context.Context, sessionID string) error
}

// ConversationStore persists conversations. GetConversation returns nil, nil
// when the conversation does not exist.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	SaveConversation(ctx context.Context, conv *domain.Conversation) error
}

// ContentExtractor turns attachments and links into text.
type ContentExtractor interface {
	Attachment(ctx context.Context, a domain.Attachment) (string, error)
	URL(ctx context.Context, rawURL string) (string, error)
}

// Presenter posts to the messaging platform on behalf of the use cases.
type Presenter interface {
	PostText(ctx context.Context, target domain.Target, text string) error
	RetireOptions(ctx context.Context, sel domain.Selection) error
}
