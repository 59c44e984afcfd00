package slack

import (
	"encoding/json"
	"fmt"
	"strings"

	"dialogue-relay/internal/domain"
)

// Raw Socket Mode payloads. Only the fields the relay reads are decoded.

type eventsEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type messageEvent struct {
	Type        string      `json:"type"`
	SubType     string      `json:"subtype"`
	Channel     string      `json:"channel"`
	ChannelType string      `json:"channel_type"`
	User        string      `json:"user"`
	BotID       string      `json:"bot_id"`
	Text        string      `json:"text"`
	TS          string      `json:"ts"`
	ThreadTS    string      `json:"thread_ts"`
	Files       []fileShare `json:"files"`
}

type fileShare struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	FileType           string `json:"filetype"`
	MimeType           string `json:"mimetype"`
	URLPrivateDownload string `json:"url_private_download"`
	URLPrivate         string `json:"url_private"`
	Size               int    `json:"size"`
}

type blockActionsPayload struct {
	Type      string          `json:"type"`
	User      idRef           `json:"user"`
	Channel   idRef           `json:"channel"`
	Container actionContainer `json:"container"`
	Message   json.RawMessage `json:"message"`
	Actions   []blockAction   `json:"actions"`
}

type actionContainer struct {
	ChannelID string `json:"channel_id"`
	MessageTS string `json:"message_ts"`
	ThreadTS  string `json:"thread_ts"`
}

type blockAction struct {
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}

type idRef struct {
	ID string `json:"id"`
}

func decodeEvent(payload json.RawMessage) (messageEvent, error) {
	var env eventsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return messageEvent{}, fmt.Errorf("slack: decode events envelope: %w", err)
	}
	if len(env.Event) == 0 {
		return messageEvent{}, fmt.Errorf("slack: events envelope %q has no event", env.Type)
	}
	var ev messageEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return messageEvent{}, fmt.Errorf("slack: decode inner event: %w", err)
	}
	return ev, nil
}

func (e messageEvent) isDirect() bool {
	return e.ChannelType == "im" || strings.HasPrefix(e.Channel, "D")
}

// isThreadReply reports whether the message sits under another message.
func (e messageEvent) isThreadReply() bool {
	return e.ThreadTS != "" && e.ThreadTS != e.TS
}

func (e messageEvent) turn(kind domain.TurnKind) domain.InboundTurn {
	t := domain.InboundTurn{
		Kind:      kind,
		UserID:    e.User,
		ChannelID: e.Channel,
		TS:        e.TS,
		ThreadTS:  e.ThreadTS,
		Text:      e.Text,
	}
	for _, f := range e.Files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		t.Attachments = append(t.Attachments, domain.Attachment{
			ID:          f.ID,
			Name:        f.Name,
			FileType:    f.FileType,
			MimeType:    f.MimeType,
			DownloadURL: url,
			Size:        f.Size,
		})
	}
	return t
}

// selection converts an option click into a Selection. The bool is false
// for clicks on anything other than a relay option button.
func (p blockActionsPayload) selection() (domain.Selection, bool) {
	if p.Type != "block_actions" || len(p.Actions) == 0 {
		return domain.Selection{}, false
	}
	token, ok := OptionToken(p.Actions[0].ActionID, p.Actions[0].Value)
	if !ok {
		return domain.Selection{}, false
	}

	var msg struct {
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	}
	if len(p.Message) > 0 {
		_ = json.Unmarshal(p.Message, &msg)
	}
	channelID := p.Channel.ID
	if channelID == "" {
		channelID = p.Container.ChannelID
	}
	messageTS := p.Container.MessageTS
	if messageTS == "" {
		messageTS = msg.TS
	}
	threadTS := p.Container.ThreadTS
	if threadTS == "" {
		threadTS = msg.ThreadTS
	}
	return domain.Selection{
		UserID:        p.User.ID,
		ChannelID:     channelID,
		ThreadTS:      threadTS,
		MessageTS:     messageTS,
		Index:         token,
		SourceMessage: p.Message,
	}, true
}
