// Package dedupe suppresses redelivered platform events.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultSize   = 4096
)

// Marker is a shared seen-event registry, so that several relay instances
// agree on which delivery is first.
type Marker interface {
	MarkEvent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Deduplicator remembers recently seen (user, channel, ts) triples.
type Deduplicator struct {
	mu     sync.Mutex
	seen   *lru.Cache[string, time.Time]
	window time.Duration
	marker Marker
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Deduplicator)

// WithMarker consults m after the local cache.
func WithMarker(m Marker) Option {
	return func(d *Deduplicator) { d.marker = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Deduplicator) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Deduplicator holding at most size keys for window each.
func New(window time.Duration, size int, opts ...Option) (*Deduplicator, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	d := &Deduplicator{
		seen:   cache,
		window: window,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dedupe")
	return d, nil
}

// Key hashes the identifying triple of an event.
func Key(userID, channelID, ts string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + channelID + "\x00" + ts))
	return hex.EncodeToString(sum[:])
}

// ShouldProcess reports whether the event is new, marking it as seen.
// Exactly one of several concurrent calls with the same triple gets true.
func (d *Deduplicator) ShouldProcess(ctx context.Context, userID, channelID, ts string) bool {
	key := Key(userID, channelID, ts)
	if d.checkAndMark(key) {
		return false
	}
	if d.marker == nil {
		return true
	}

	first, err := d.marker.MarkEvent(ctx, key, d.window)
	if err != nil {
		// Shared registry unavailable: the local mark still holds.
		d.logger.Warn("shared dedup marker failed", "err", err, "channel", channelID)
		return true
	}
	return first
}

// checkAndMark returns true when key was seen inside the window.
func (d *Deduplicator) checkAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen.Get(key); ok && now.Sub(at) < d.window {
		return true
	}
	d.seen.Add(key, now)
	return false
}

// Len returns the number of tracked keys, expired ones included.
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
