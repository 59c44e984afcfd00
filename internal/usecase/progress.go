package usecase

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"dialogue-relay/internal/domain"
)

// DefaultProgressAfter is how long a dialogue call may run before the user
// is told the relay is still working.
const DefaultProgressAfter = 5 * time.Second

const noticeTimeout = 10 * time.Second

var progressNotices = []string{
	"On it!",
	"Just a moment...",
	"Sure thing, give me a second.",
	"Working on it!",
	"Let me look into that.",
	"Hang tight, this is taking a little longer.",
}

func pickProgressNotice() string {
	return progressNotices[rand.IntN(len(progressNotices))]
}

// awaitWithNotice runs call and fires notify once if call is still running
// after delay. The timer never cancels call and is stopped on every return.
func awaitWithNotice[T any](delay time.Duration, notify func(), call func() (T, error)) (T, error) {
	if delay <= 0 || notify == nil {
		return call()
	}
	timer := time.AfterFunc(delay, notify)
	defer timer.Stop()
	return call()
}

// progressNotifier posts a still-working notice to target, detached from the
// caller's cancellation.
func progressNotifier(ctx context.Context, p Presenter, target domain.Target, pick func() string, logger *slog.Logger) func() {
	return func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
		defer cancel()
		if err := p.PostText(nctx, target, pick()); err != nil {
			logger.Warn("failed to post progress notice", "err", err)
		}
	}
}
