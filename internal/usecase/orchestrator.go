package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"dialogue-relay/internal/domain"
	"dialogue-relay/internal/logging"
)

// TurnConfig tunes the turn-handling use cases.
type TurnConfig struct {
	ProgressAfter   time.Duration
	MaxSegmentChars int
	Logger          *slog.Logger
}

func (c TurnConfig) withDefaults() TurnConfig {
	if c.ProgressAfter == 0 {
		c.ProgressAfter = DefaultProgressAfter
	}
	if c.MaxSegmentChars <= 0 {
		c.MaxSegmentChars = domain.DefaultMaxSegmentChars
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Orchestrator drives one inbound user turn through extraction, the
// dialogue service and the conversation store.
type Orchestrator struct {
	dialogue    DialogueClient
	store       ConversationStore
	extractor   ContentExtractor
	presenter   Presenter
	transcripts TranscriptCreator
	locks       *KeyLocks
	cfg         TurnConfig
	logger      *slog.Logger

	pickNotice func() string
	now        func() time.Time
}

func NewOrchestrator(d DialogueClient, s ConversationStore, x ContentExtractor, p Presenter, locks *KeyLocks, cfg TurnConfig) (*Orchestrator, error) {
	if d == nil {
		return nil, errors.New("usecase: dialogue client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if x == nil {
		return nil, errors.New("usecase: content extractor must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: presenter must not be nil")
	}
	if locks == nil {
		locks = NewKeyLocks()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		dialogue:   d,
		store:      s,
		extractor:  x,
		presenter:  p,
		locks:      locks,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "orchestrator"),
		pickNotice: pickProgressNotice,
		now:        time.Now,
	}, nil
}

// WithTranscripts registers new sessions with tc after their first launch.
func (o *Orchestrator) WithTranscripts(tc TranscriptCreator) *Orchestrator {
	o.transcripts = tc
	return o
}

// HasConversation reports whether a conversation exists for id.
func (o *Orchestrator) HasConversation(ctx context.Context, id string) (bool, error) {
	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return false, newError(ErrorInternal, "store_read_error", err)
	}
	return conv != nil, nil
}

// ProcessTurn handles one user message and returns the reply to post. On
// failure the reply is an apology and the error says what went wrong; the
// stored conversation is left untouched.
func (o *Orchestrator) ProcessTurn(ctx context.Context, turn domain.InboundTurn) (domain.OutboundMessage, error) {
	msg, err := o.processTurn(ctx, turn)
	if err != nil {
		return domain.TextMessage(MsgGenericError), err
	}
	return msg, nil
}

func (o *Orchestrator) processTurn(ctx context.Context, turn domain.InboundTurn) (domain.OutboundMessage, error) {
	if strings.TrimSpace(turn.ChannelID) == "" || strings.TrimSpace(turn.TS) == "" {
		return domain.OutboundMessage{}, newError(ErrorInvalidInput, "missing_channel_or_ts", nil)
	}
	key := turn.ConversationID()
	logger := logging.FromContext(ctx, o.logger).With("conversation_id", key, "channel", turn.ChannelID)

	unlock := o.locks.Lock(key)
	defer unlock()

	input := assembleInput(ctx, o.extractor, turn, logger)

	conv, err := o.store.GetConversation(ctx, key)
	if err != nil {
		return domain.OutboundMessage{}, newError(ErrorInternal, "store_read_error", err)
	}
	if conv == nil {
		conv = domain.NewConversation(turn.UserID, turn.ChannelID, turn.ThreadRoot(), o.now())
	}
	if conv.SessionInitialized && input == "" {
		logger.Debug("empty turn ignored")
		return domain.OutboundMessage{}, nil
	}

	launching := !conv.SessionInitialized
	notify := progressNotifier(ctx, o.presenter, domain.TargetFor(conv), o.pickNotice, logger)
	reply, err := awaitWithNotice(o.cfg.ProgressAfter, notify, func() (domain.DialogueTurn, error) {
		return o.converse(ctx, conv, input, launching)
	})
	if err != nil {
		return domain.OutboundMessage{}, dialogueError(err)
	}

	conv.Options = reply.Options
	conv.SessionInitialized = true
	if err := o.store.SaveConversation(ctx, conv); err != nil {
		return domain.OutboundMessage{}, newError(ErrorInternal, "store_write_error", err)
	}

	if launching && o.transcripts != nil {
		if err := o.transcripts.CreateTranscript(ctx, conv.ID); err != nil {
			logger.Warn("failed to create transcript", "err", err)
		}
	}

	logger.Info("turn processed",
		"launched", launching,
		"continues", reply.Continues,
		"texts", len(reply.Texts),
		"options", len(reply.Options))
	return domain.NewOutboundMessage(reply, o.cfg.MaxSegmentChars), nil
}

// converse runs the dialogue exchange for one turn. A new session is
// launched first and only receives the input if it is still running.
func (o *Orchestrator) converse(ctx context.Context, conv *domain.Conversation, input string, launching bool) (domain.DialogueTurn, error) {
	if !launching {
		return o.dialogue.SendText(ctx, conv.ID, input)
	}
	launched, err := o.dialogue.Launch(ctx, conv.ID)
	if err != nil {
		return domain.DialogueTurn{}, err
	}
	if !launched.Continues || input == "" {
		return launched, nil
	}
	return o.dialogue.SendText(ctx, conv.ID, input)
}
