package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TurnKind tells how an inbound message reached the relay.
type TurnKind string

const (
	TurnDirectMessage TurnKind = "direct_message"
	TurnMention       TurnKind = "mention"
	TurnThreadReply   TurnKind = "thread_reply"
)

// Attachment references a file shared alongside a message.
type Attachment struct {
	ID          string
	Name        string
	FileType    string
	MimeType    string
	DownloadURL string
	Size        int
}

// InboundTurn is a normalized user message.
type InboundTurn struct {
	Kind        TurnKind
	UserID      string
	ChannelID   string
	TS          string
	ThreadTS    string
	Text        string
	Attachments []Attachment
}

// ThreadRoot returns the thread timestamp the turn belongs to. A message that
// is not part of a thread starts one rooted at itself.
func (t InboundTurn) ThreadRoot() string {
	if ts := strings.TrimSpace(t.ThreadTS); ts != "" {
		return ts
	}
	return t.TS
}

// ConversationID returns the conversation key for the turn.
func (t InboundTurn) ConversationID() string {
	return ConversationKey(t.ChannelID, t.ThreadRoot())
}

// Target is where outbound messages are delivered.
type Target struct {
	ChannelID string
	ThreadTS  string
}

// TargetFor returns the thread target for a conversation.
func TargetFor(c *Conversation) Target {
	return Target{ChannelID: c.ChannelID, ThreadTS: c.ThreadTS}
}

// Selection is a user's click on a previously presented option.
type Selection struct {
	UserID    string
	ChannelID string
	ThreadTS  string
	MessageTS string
	Index     string

	// SourceMessage is the clicked message as the platform delivered it. It is
	// opaque here and only read back by the presenter when retiring options.
	SourceMessage json.RawMessage
}

// ConversationID returns the conversation key for the selection.
func (s Selection) ConversationID() string {
	threadTS := s.ThreadTS
	if strings.TrimSpace(threadTS) == "" {
		threadTS = s.MessageTS
	}
	return ConversationKey(s.ChannelID, threadTS)
}

// SelectableOption is one choice offered by the dialogue service. Payload is
// the request sent back verbatim when the option is chosen.
type SelectableOption struct {
	Index   string          `json:"index"`
	Label   string          `json:"label"`
	Payload json.RawMessage `json:"payload"`
}

// OptionSet is an ordered list of options keyed "1".."N".
type OptionSet []SelectableOption

// NewOptionSet numbers options by position starting at 1.
func NewOptionSet(labels []string, payloads []json.RawMessage) OptionSet {
	n := min(len(labels), len(payloads))
	out := make(OptionSet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, SelectableOption{
			Index:   strconv.Itoa(i + 1),
			Label:   labels[i],
			Payload: payloads[i],
		})
	}
	return out
}

// Lookup returns the option registered under index.
func (s OptionSet) Lookup(index string) (SelectableOption, bool) {
	index = strings.TrimSpace(index)
	for _, opt := range s {
		if opt.Index == index {
			return opt, true
		}
	}
	return SelectableOption{}, false
}

// Mapping returns the index to payload view of the set.
func (s OptionSet) Mapping() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s))
	for _, opt := range s {
		out[opt.Index] = opt.Payload
	}
	return out
}

// DialogueTurn is the decoded result of one exchange with the dialogue service.
type DialogueTurn struct {
	Continues bool
	Texts     []string
	Options   OptionSet
}
