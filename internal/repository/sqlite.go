package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dialogue-relay/internal/domain"
)

// SQLiteStore keeps conversations and seen-event markers in a local SQLite
// database for single-instance deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	// One writer keeps upserts serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			options TEXT NOT NULL DEFAULT '[]',
			session_initialized INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS seen_events (
			key TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_seen_events_expires
			ON seen_events(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetConversation returns the stored conversation, or nil when none exists.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel_id, thread_ts, options, session_initialized, created_at, updated_at
		FROM conversations WHERE id = ?`, conversationID)

	var (
		conv                 domain.Conversation
		options              string
		initialized          int
		createdAt, updatedAt string
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.ChannelID, &conv.ThreadTS, &options, &initialized, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &conv.Options); err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode options: %w", err)
	}
	conv.SessionInitialized = initialized != 0
	conv.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
	conv.UpdatedAt, _ = time.Parse(timestampLayout, updatedAt)
	return &conv, nil
}

// SaveConversation inserts or updates the conversation atomically.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: SaveConversation: conversation id is required")
	}
	options, err := json.Marshal(optionsOrEmpty(conv.Options))
	if err != nil {
		return fmt.Errorf("repository: SaveConversation encode options: %w", err)
	}
	now := s.now().UTC()
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, user_id, channel_id, thread_ts, options, session_initialized, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			thread_ts = excluded.thread_ts,
			options = excluded.options,
			session_initialized = excluded.session_initialized,
			updated_at = excluded.updated_at
		RETURNING user_id, created_at`,
		conv.ID, conv.UserID, conv.ChannelID, conv.ThreadTS, string(options), boolInt(conv.SessionInitialized),
		createdAt.Format(timestampLayout), now.Format(timestampLayout))

	var userID, storedCreated string
	if err := row.Scan(&userID, &storedCreated); err != nil {
		return fmt.Errorf("repository: SaveConversation: %w", err)
	}
	conv.UserID = userID
	conv.CreatedAt, _ = time.Parse(timestampLayout, storedCreated)
	conv.UpdatedAt = now
	return nil
}

// MarkEvent records key as seen for ttl and reports whether this was the
// first sighting inside the window.
func (s *SQLiteStore) MarkEvent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, errors.New("repository: MarkEvent: key is required")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_events (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE seen_events.expires_at <= ?`,
		key, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("repository: MarkEvent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: MarkEvent rows affected: %w", err)
	}
	return n == 1, nil
}

// PurgeExpiredEvents deletes seen-event markers past their expiry.
func (s *SQLiteStore) PurgeExpiredEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_events WHERE expires_at <= ?`, s.now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("repository: PurgeExpiredEvents: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("purged expired events", "count", n)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
