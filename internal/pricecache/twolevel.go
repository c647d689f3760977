package pricecache

import (
	"context"
	"log/slog"
)

// TwoLevel fronts the in-memory cache with an optional SQLite level.
// Reads promote L2 hits into L1; writes go through to both levels. L2
// failures are logged and swallowed so a broken database never fails a
// price lookup.
type TwoLevel struct {
	l1     *Cache
	l2     *SQLiteStore
	logger *slog.Logger
}

// NewTwoLevel combines the levels. l2 may be nil, leaving a purely
// in-memory cache.
func NewTwoLevel(l1 *Cache, l2 *SQLiteStore, logger *slog.Logger) *TwoLevel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwoLevel{
		l1:     l1,
		l2:     l2,
		logger: logger.With("component", "pricecache"),
	}
}

// Get looks up a product id, consulting L1 then L2. A miss returns
// ok=false, never an error.
func (t *TwoLevel) Get(ctx context.Context, id string) (Entry, bool) {
	if e, ok := t.l1.Get(id); ok {
		return e, true
	}

	if t.l2 == nil {
		return Entry{}, false
	}

	e, ok, err := t.l2.Get(ctx, id)
	if err != nil {
		t.logger.Warn("price read from durable cache failed", "product_id", id, "error", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	t.l1.Put(id, e)
	return e, true
}

// Put stores an entry in both levels.
func (t *TwoLevel) Put(ctx context.Context, id string, e Entry) {
	t.l1.Put(id, e)

	if t.l2 == nil {
		return
	}
	if err := t.l2.Put(ctx, id, e); err != nil {
		t.logger.Warn("price write to durable cache failed", "product_id", id, "error", err)
	}
}
