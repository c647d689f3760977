package pricecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultTTL is how long a persisted price stays valid.
const DefaultTTL = time.Hour

// SQLiteStore is the durable second level of the price cache. Entries
// carry a fixed expiry; expired rows read as misses and are deleted
// lazily.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the price table at the given
// database path. ttl <= 0 selects DefaultTTL.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open price database: %w", err)
	}

	s := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate price schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prices (
		product_id TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		price      REAL NOT NULL,
		unit       TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prices_expires ON prices(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the entry for a product id. Expired or absent rows return
// ok=false. An expired row is deleted on the way out.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	var e Entry
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, price, unit, expires_at FROM prices WHERE product_id = ?`,
		id,
	).Scan(&e.Name, &e.Price, &e.Unit, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read price: %w", err)
	}

	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || !s.now().Before(exp) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM prices WHERE product_id = ?`, id)
		return Entry{}, false, nil
	}

	return e, true, nil
}

// Put upserts an entry with a fresh expiry.
func (s *SQLiteStore) Put(ctx context.Context, id string, e Entry) error {
	expiresAt := s.now().Add(s.ttl).UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (product_id, name, price, unit, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(product_id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			unit = excluded.unit,
			expires_at = excluded.expires_at`,
		id, e.Name, e.Price, e.Unit, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("write price: %w", err)
	}
	return nil
}

// PurgeExpired deletes all expired rows and returns the count removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM prices WHERE expires_at <= ?`,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purge prices: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
