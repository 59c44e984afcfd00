package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"dialogue-relay/internal/domain"
)

const (
	DefaultPostsPerSecond = 1.0

	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
}

// Presenter renders outbound messages as Block Kit and posts them. Calls are
// paced by a shared limiter and retried when Slack rate limits them.
type Presenter struct {
	api     slackAPI
	limiter *rate.Limiter
	logger  *slog.Logger

	baseDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewPresenter(api slackAPI, postsPerSecond float64, logger *slog.Logger) (*Presenter, error) {
	if api == nil {
		return nil, errors.New("slack: api client must not be nil")
	}
	if postsPerSecond <= 0 {
		postsPerSecond = DefaultPostsPerSecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		api:       api,
		limiter:   rate.NewLimiter(rate.Limit(postsPerSecond), max(1, int(postsPerSecond))),
		logger:    logger.With("component", "slack_presenter"),
		baseDelay: retryBaseDelay,
		sleep:     sleepContext,
	}, nil
}

// PostMessage posts msg into target's thread, splitting it across several
// posts when it exceeds the per-message block limit.
func (p *Presenter) PostMessage(ctx context.Context, target domain.Target, msg domain.OutboundMessage) error {
	if msg.IsEmpty() {
		return nil
	}
	text := fallbackText(msg)
	for _, blocks := range chunkBlocks(renderBlocks(msg)) {
		opts := []slackapi.MsgOption{
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionBlocks(blocks...),
		}
		if err := p.post(ctx, target, opts...); err != nil {
			return err
		}
	}
	return nil
}

// PostText posts a plain message into target's thread.
func (p *Presenter) PostText(ctx context.Context, target domain.Target, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return p.post(ctx, target, slackapi.MsgOptionText(text, false))
}

// RetireOptions rewrites the clicked message without its buttons so the
// consumed options cannot be chosen again.
func (p *Presenter) RetireOptions(ctx context.Context, sel domain.Selection) error {
	if len(sel.SourceMessage) == 0 || strings.TrimSpace(sel.MessageTS) == "" {
		return nil
	}
	var src struct {
		Text   string          `json:"text"`
		Blocks slackapi.Blocks `json:"blocks"`
	}
	if err := json.Unmarshal(sel.SourceMessage, &src); err != nil {
		return fmt.Errorf("slack: decode source message: %w", err)
	}
	kept, changed := withoutActions(src.Blocks.BlockSet)
	if !changed {
		return nil
	}

	opts := []slackapi.MsgOption{slackapi.MsgOptionBlocks(kept...)}
	if src.Text != "" {
		opts = append(opts, slackapi.MsgOptionText(src.Text, false))
	}
	return p.withRetry(ctx, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		_, _, _, err := p.api.UpdateMessageContext(ctx, sel.ChannelID, sel.MessageTS, opts...)
		return err
	})
}

func (p *Presenter) post(ctx context.Context, target domain.Target, opts ...slackapi.MsgOption) error {
	if target.ThreadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(target.ThreadTS))
	}
	err := p.withRetry(ctx, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		_, _, err := p.api.PostMessageContext(ctx, target.ChannelID, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", target.ChannelID, err)
	}
	return nil
}

// withRetry retries fn while Slack answers with a rate limit, honouring its
// Retry-After hint and backing off exponentially otherwise.
func (p *Presenter) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < retryAttempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || i == retryAttempts-1 {
			break
		}
		delay := p.baseDelay * time.Duration(1<<i)
		if rle.RetryAfter > 0 {
			delay = rle.RetryAfter
		}
		p.logger.Warn("slack rate limited, retrying", "attempt", i+1, "delay", delay)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
