package usecase

import (
	"context"
	"errors"
	"log/slog"

	"dialogue-relay/internal/domain"
	"dialogue-relay/internal/logging"
)

// Dispatcher resolves clicks on presented options.
type Dispatcher struct {
	dialogue  DialogueClient
	store     ConversationStore
	presenter Presenter
	locks     *KeyLocks
	cfg       TurnConfig
	logger    *slog.Logger

	pickNotice func() string
}

func NewDispatcher(d DialogueClient, s ConversationStore, p Presenter, locks *KeyLocks, cfg TurnConfig) (*Dispatcher, error) {
	if d == nil {
		return nil, errors.New("usecase: dialogue client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: presenter must not be nil")
	}
	if locks == nil {
		locks = NewKeyLocks()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		dialogue:   d,
		store:      s,
		presenter:  p,
		locks:      locks,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "dispatcher"),
		pickNotice: pickProgressNotice,
	}, nil
}

// ResolveSelection forwards the chosen option's payload to the dialogue
// service and returns the next reply. The consumed options are retired on a
// best-effort basis; that never blocks the reply.
func (d *Dispatcher) ResolveSelection(ctx context.Context, sel domain.Selection) (domain.OutboundMessage, error) {
	key := sel.ConversationID()
	logger := logging.FromContext(ctx, d.logger).With("conversation_id", key, "option", sel.Index)

	unlock := d.locks.Lock(key)
	defer unlock()

	conv, err := d.store.GetConversation(ctx, key)
	if err != nil {
		return domain.TextMessage(MsgGenericError), newError(ErrorInternal, "store_read_error", err)
	}
	if conv == nil {
		return domain.TextMessage(MsgConversationNotFound), newError(ErrorConversationNotFound, "conversation_not_found", nil)
	}
	opt, ok := conv.Options.Lookup(sel.Index)
	if !ok {
		return domain.TextMessage(MsgInvalidChoice), newError(ErrorInvalidChoice, "unknown_option", nil)
	}

	notify := progressNotifier(ctx, d.presenter, domain.TargetFor(conv), d.pickNotice, logger)
	reply, err := awaitWithNotice(d.cfg.ProgressAfter, notify, func() (domain.DialogueTurn, error) {
		return d.dialogue.SendPayload(ctx, conv.ID, opt.Payload)
	})
	if err != nil {
		return domain.TextMessage(MsgGenericError), dialogueError(err)
	}

	conv.Options = reply.Options
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		return domain.TextMessage(MsgGenericError), newError(ErrorInternal, "store_write_error", err)
	}

	if err := d.presenter.RetireOptions(ctx, sel); err != nil {
		logger.Warn("failed to retire consumed options", "err", err, "message_ts", sel.MessageTS)
	}

	logger.Info("selection resolved", "label", opt.Label, "continues", reply.Continues)
	return domain.NewOutboundMessage(reply, d.cfg.MaxSegmentChars), nil
}
