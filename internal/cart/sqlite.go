package cart

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSnapshotStore persists cart snapshots so "same as last time"
// survives restarts. Rows past their expiry read as absent and are
// deleted lazily.
type SQLiteSnapshotStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteSnapshotStore opens (or creates) the cart table at the given
// database path. ttl <= 0 selects DefaultSnapshotTTL.
func NewSQLiteSnapshotStore(dbPath string, ttl time.Duration) (*SQLiteSnapshotStore, error) {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cart database: %w", err)
	}

	s := &SQLiteSnapshotStore{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cart schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSnapshotStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS carts (
		user_id    TEXT PRIMARY KEY,
		snapshot   TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_carts_expires ON carts(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the user's snapshot, or nil when absent, expired, or
// undecodable.
func (s *SQLiteSnapshotStore) Get(ctx context.Context, userID string) (*Snapshot, error) {
	var raw, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, expires_at FROM carts WHERE user_id = ?`,
		userID,
	).Scan(&raw, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read cart snapshot: %w", err)
	}

	exp, perr := time.Parse(time.RFC3339, expiresAt)
	if perr != nil || !s.now().Before(exp) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM carts WHERE user_id = ?`, userID)
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, nil
	}
	return &snap, nil
}

// Put upserts the snapshot with a fresh expiry.
func (s *SQLiteSnapshotStore) Put(ctx context.Context, userID string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode cart snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO carts (user_id, snapshot, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			expires_at = excluded.expires_at`,
		userID, string(raw), s.now().Add(s.ttl).UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("write cart snapshot: %w", err)
	}
	return nil
}

// Delete drops the user's snapshot.
func (s *SQLiteSnapshotStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM carts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete cart snapshot: %w", err)
	}
	return nil
}

// PurgeExpired deletes all expired snapshots and returns the count.
func (s *SQLiteSnapshotStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM carts WHERE expires_at <= ?`,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purge cart snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
