package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/slack-go/slack/socketmode"

	"dialogue-relay/internal/domain"
	"dialogue-relay/internal/logging"
	"dialogue-relay/internal/usecase"
)

// TurnProcessor handles normalized user messages.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, turn domain.InboundTurn) (domain.OutboundMessage, error)
	HasConversation(ctx context.Context, conversationID string) (bool, error)
}

// SelectionResolver handles clicks on option buttons.
type SelectionResolver interface {
	ResolveSelection(ctx context.Context, sel domain.Selection) (domain.OutboundMessage, error)
}

// Deduplicator suppresses redelivered events.
type Deduplicator interface {
	ShouldProcess(ctx context.Context, userID, channelID, ts string) bool
}

// MessagePoster delivers outbound messages.
type MessagePoster interface {
	PostMessage(ctx context.Context, target domain.Target, msg domain.OutboundMessage) error
}

type acker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

// Listener consumes Socket Mode events and routes them to the use cases.
// Every accepted event is handled on its own goroutine.
type Listener struct {
	turns      TurnProcessor
	selections SelectionResolver
	dedup      Deduplicator
	poster     MessagePoster
	botUserID  string
	logger     *slog.Logger

	wg sync.WaitGroup
}

func NewListener(turns TurnProcessor, selections SelectionResolver, dedup Deduplicator, poster MessagePoster, botUserID string, logger *slog.Logger) (*Listener, error) {
	if turns == nil {
		return nil, errors.New("slack: turn processor must not be nil")
	}
	if selections == nil {
		return nil, errors.New("slack: selection resolver must not be nil")
	}
	if dedup == nil {
		return nil, errors.New("slack: deduplicator must not be nil")
	}
	if poster == nil {
		return nil, errors.New("slack: poster must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		turns:      turns,
		selections: selections,
		dedup:      dedup,
		poster:     poster,
		botUserID:  strings.TrimSpace(botUserID),
		logger:     logger.With("component", "slack_listener"),
	}, nil
}

// Run connects to Socket Mode and serves events until ctx is cancelled. It
// waits for in-flight handlers before returning.
func (l *Listener) Run(ctx context.Context, client *socketmode.Client) error {
	runErr := make(chan error, 1)
	go func() { runErr <- client.RunContext(ctx) }()
	defer l.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("slack: socket mode: %w", err)
			}
			return nil
		case evt, ok := <-client.Events:
			if !ok {
				return nil
			}
			l.handle(ctx, client, evt)
		}
	}
}

func (l *Listener) handle(ctx context.Context, ack acker, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		l.logger.Info("connecting to slack")
	case socketmode.EventTypeConnected:
		l.logger.Info("connected to slack")
	case socketmode.EventTypeConnectionError:
		l.logger.Warn("slack connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		if evt.Request == nil {
			return
		}
		ack.Ack(*evt.Request)
		l.onEvent(ctx, evt.Request.Payload)
	case socketmode.EventTypeInteractive:
		if evt.Request == nil {
			return
		}
		ack.Ack(*evt.Request)
		l.onInteraction(ctx, evt.Request.Payload)
	default:
		if evt.Request != nil {
			ack.Ack(*evt.Request)
		}
	}
}

func (l *Listener) onEvent(ctx context.Context, payload json.RawMessage) {
	ev, err := decodeEvent(payload)
	if err != nil {
		l.logger.Warn("dropping undecodable event", "err", err)
		return
	}
	if l.fromSelf(ev) {
		return
	}

	switch ev.Type {
	case "app_mention":
		l.spawn(func() { l.runTurn(ctx, ev.turn(domain.TurnMention), false) })
	case "message":
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		switch {
		case ev.isDirect():
			l.spawn(func() { l.runTurn(ctx, ev.turn(domain.TurnDirectMessage), false) })
		case ev.isThreadReply() && !l.mentionsBot(ev.Text):
			l.spawn(func() { l.runTurn(ctx, ev.turn(domain.TurnThreadReply), true) })
		}
	}
}

func (l *Listener) onInteraction(ctx context.Context, payload json.RawMessage) {
	var p blockActionsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		l.logger.Warn("dropping undecodable interaction", "err", err)
		return
	}
	sel, ok := p.selection()
	if !ok {
		return
	}
	l.spawn(func() { l.runSelection(ctx, sel) })
}

// fromSelf reports whether the event was produced by a bot, including this
// one, so the relay never answers its own posts.
func (l *Listener) fromSelf(ev messageEvent) bool {
	if ev.BotID != "" {
		return true
	}
	return l.botUserID != "" && ev.User == l.botUserID
}

func (l *Listener) mentionsBot(text string) bool {
	return l.botUserID != "" && strings.Contains(text, "<@"+l.botUserID)
}

func (l *Listener) spawn(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

func (l *Listener) runTurn(ctx context.Context, turn domain.InboundTurn, needsConversation bool) {
	ctx = logging.WithCorrelationID(ctx, "")
	target := domain.Target{ChannelID: turn.ChannelID, ThreadTS: turn.ThreadRoot()}
	logger := logging.FromContext(ctx, l.logger).With(
		"conversation_id", turn.ConversationID(),
		"channel", turn.ChannelID,
		"thread_ts", target.ThreadTS,
		"kind", string(turn.Kind),
	)
	defer l.recoverTo(ctx, target, logger)

	if needsConversation {
		ok, err := l.turns.HasConversation(ctx, turn.ConversationID())
		if err != nil {
			logger.Error("conversation lookup failed", "err", err)
			return
		}
		if !ok {
			logger.Debug("ignoring reply in thread without a conversation")
			return
		}
	}
	if !l.dedup.ShouldProcess(ctx, turn.UserID, turn.ChannelID, turn.TS) {
		logger.Debug("duplicate event suppressed", "ts", turn.TS)
		return
	}

	msg, err := l.turns.ProcessTurn(ctx, turn)
	if err != nil {
		logger.Error("turn failed", "err", err, "code", usecase.CodeOf(err))
	}
	l.deliver(ctx, target, msg, logger)
}

func (l *Listener) runSelection(ctx context.Context, sel domain.Selection) {
	ctx = logging.WithCorrelationID(ctx, "")
	threadTS := sel.ThreadTS
	if threadTS == "" {
		threadTS = sel.MessageTS
	}
	target := domain.Target{ChannelID: sel.ChannelID, ThreadTS: threadTS}
	logger := logging.FromContext(ctx, l.logger).With(
		"conversation_id", sel.ConversationID(),
		"channel", sel.ChannelID,
		"thread_ts", threadTS,
	)
	defer l.recoverTo(ctx, target, logger)

	msg, err := l.selections.ResolveSelection(ctx, sel)
	if err != nil {
		logger.Error("selection failed", "err", err, "code", usecase.CodeOf(err), "option", sel.Index)
	}
	l.deliver(ctx, target, msg, logger)
}

func (l *Listener) deliver(ctx context.Context, target domain.Target, msg domain.OutboundMessage, logger *slog.Logger) {
	if msg.IsEmpty() {
		return
	}
	if err := l.poster.PostMessage(ctx, target, msg); err != nil {
		logger.Error("failed to post reply", "err", err)
	}
}

func (l *Listener) recoverTo(ctx context.Context, target domain.Target, logger *slog.Logger) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
	l.deliver(ctx, target, domain.TextMessage(usecase.MsgGenericError), logger)
}
