package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable preference store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the preferences table at the given
// database path.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open preferences database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "prefs")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate preferences schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		user_id    TEXT NOT NULL,
		category   TEXT NOT NULL,
		preference TEXT NOT NULL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, category)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// All returns the user's preferences ordered by category.
func (s *SQLiteStore) All(ctx context.Context, userID string) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, preference FROM preferences WHERE user_id = ? ORDER BY category`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.Category, &p.Value); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// Get returns the value for an exact category match.
func (s *SQLiteStore) Get(ctx context.Context, userID, category string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT preference FROM preferences WHERE user_id = ? AND category = ?`,
		userID, NormalizeCategory(category),
	).Scan(&value)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read preference: %w", err)
	}
	return value, true, nil
}

// Set upserts one preference, enforcing the per-user count cap for new
// categories.
func (s *SQLiteStore) Set(ctx context.Context, userID, category, value string) error {
	category = NormalizeCategory(category)
	value = normalizeValue(value)
	if category == "" || value == "" {
		return ErrEmpty
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM preferences WHERE user_id = ? AND category = ?`,
		userID, category,
	).Scan(&exists)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return fmt.Errorf("check preference: %w", err)
	}

	if isNew {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM preferences WHERE user_id = ?`, userID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count preferences: %w", err)
		}
		if count >= MaxPerUser {
			s.logger.Warn("preference limit reached", "user_id", userID, "count", count)
			return ErrLimit
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO preferences (user_id, category, preference) VALUES (?, ?, ?)`,
		userID, category, value,
	)
	if err != nil {
		return fmt.Errorf("write preference: %w", err)
	}
	s.logger.Info("preference saved", "user_id", userID, "category", category)
	return nil
}

// Delete removes one preference, reporting whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, userID, category string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM preferences WHERE user_id = ? AND category = ?`,
		userID, NormalizeCategory(category),
	)
	if err != nil {
		return false, fmt.Errorf("delete preference: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
