package cart

import (
	"context"
	"sync"
	"time"
)

// DefaultSnapshotTTL is how long a stored cart snapshot stays readable.
const DefaultSnapshotTTL = 24 * time.Hour

// Snapshot records the last successfully created cart for a user, so
// "order the same as last time" can be answered without redoing the
// whole conversation.
type Snapshot struct {
	Items     []Item    `json:"items"`
	Link      string    `json:"link,omitempty"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore persists the last cart per user. Get returns nil with
// no error when there is no (or only an expired) snapshot.
type SnapshotStore interface {
	Get(ctx context.Context, userID string) (*Snapshot, error)
	Put(ctx context.Context, userID string, snap *Snapshot) error
	Delete(ctx context.Context, userID string) error
}

// MemorySnapshotStore keeps snapshots in a map with TTL checked on
// read. Used when no durable storage is configured.
type MemorySnapshotStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	snaps map[string]memorySnapshot
}

type memorySnapshot struct {
	snap      Snapshot
	expiresAt time.Time
}

// NewMemorySnapshotStore creates an in-memory store. ttl <= 0 selects
// DefaultSnapshotTTL.
func NewMemorySnapshotStore(ttl time.Duration) *MemorySnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &MemorySnapshotStore{
		ttl:   ttl,
		now:   time.Now,
		snaps: make(map[string]memorySnapshot),
	}
}

// Get returns the user's snapshot, or nil when absent or expired.
func (s *MemorySnapshotStore) Get(_ context.Context, userID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.snaps[userID]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.snaps, userID)
		return nil, nil
	}
	snap := entry.snap
	return &snap, nil
}

// Put stores the snapshot with a fresh expiry.
func (s *MemorySnapshotStore) Put(_ context.Context, userID string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[userID] = memorySnapshot{snap: *snap, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Delete drops the user's snapshot.
func (s *MemorySnapshotStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, userID)
	return nil
}
