package domain

import (
	"strings"
	"time"
)

// Conversation is the persisted state of one chat thread bound to one
// dialogue session. ID doubles as the dialogue session id.
type Conversation struct {
	ID                 string
	UserID             string
	ChannelID          string
	ThreadTS           string
	Options            OptionSet
	SessionInitialized bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ConversationKey derives the stable conversation id for a thread.
// threadTS is the thread root timestamp, or the message's own timestamp when
// the message starts a new thread.
func ConversationKey(channelID, threadTS string) string {
	return strings.TrimSpace(channelID) + "-" + strings.TrimSpace(threadTS)
}

// NewConversation returns an uninitialized conversation for the given thread.
func NewConversation(userID, channelID, threadTS string, now time.Time) *Conversation {
	return &Conversation{
		ID:        ConversationKey(channelID, threadTS),
		UserID:    userID,
		ChannelID: channelID,
		ThreadTS:  threadTS,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}
