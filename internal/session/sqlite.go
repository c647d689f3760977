package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/freshvill/grocerbot/internal/llm"
)

// DefaultTTL is the sliding idle expiry for stored sessions.
const DefaultTTL = 24 * time.Hour

// SQLiteStore persists sessions so conversations survive restarts.
// Each read refreshes the expiry (sliding window); rows past their
// expiry read as absent and are deleted lazily.
type SQLiteStore struct {
	db           *sql.DB
	systemPrompt string
	ttl          time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewSQLiteStore opens (or creates) the session table at the given
// database path. ttl <= 0 selects DefaultTTL.
func NewSQLiteStore(dbPath, systemPrompt string, ttl time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		systemPrompt: systemPrompt,
		ttl:          ttl,
		logger:       logger.With("component", "session"),
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id    TEXT PRIMARY KEY,
		history    TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreate loads the user's history, refreshing its expiry. Missing,
// expired, or undecodable rows yield a fresh seeded history.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string) ([]llm.Message, error) {
	var raw, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT history, expires_at FROM sessions WHERE user_id = ?`,
		userID,
	).Scan(&raw, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.seed(), nil
	case err != nil:
		return nil, fmt.Errorf("read session: %w", err)
	}

	exp, perr := time.Parse(time.RFC3339, expiresAt)
	if perr != nil || !s.now().Before(exp) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
		return s.seed(), nil
	}

	var history []llm.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil || len(history) == 0 {
		s.logger.Warn("stored session undecodable, starting fresh", "user_id", userID, "error", err)
		return s.seed(), nil
	}

	// Sliding TTL: reading keeps the session alive.
	_, _ = s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE user_id = ?`,
		s.expiry(), userID,
	)

	return history, nil
}

// Save upserts the history with a fresh expiry.
func (s *SQLiteStore) Save(ctx context.Context, userID string, history []llm.Message) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, history, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			history = excluded.history,
			expires_at = excluded.expires_at`,
		userID, string(raw), s.expiry(),
	)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Reset deletes the user's session.
func (s *SQLiteStore) Reset(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes all expired sessions and returns the count.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) seed() []llm.Message {
	return []llm.Message{llm.SystemMessage(s.systemPrompt)}
}

func (s *SQLiteStore) expiry() string {
	return s.now().Add(s.ttl).UTC().Format(time.RFC3339)
}
