package session

import "sync"

// DefaultMaxLocks caps the lock arena.
const DefaultMaxLocks = 2000

// LockArena hands out one mutex per user so concurrent turns for the
// same user never interleave. Locks are created lazily and the arena is
// LRU-bounded; a lock that is currently held (or has waiters) is never
// evicted, so eviction cannot break an in-flight turn.
type LockArena struct {
	mu    sync.Mutex
	cap   int
	locks map[string]*arenaLock
	order []string // LRU order, least recent first
}

type arenaLock struct {
	mu    sync.Mutex
	inUse int // holders + waiters, guarded by the arena mutex
}

// NewLockArena creates an arena. maxLocks <= 0 selects DefaultMaxLocks.
func NewLockArena(maxLocks int) *LockArena {
	if maxLocks <= 0 {
		maxLocks = DefaultMaxLocks
	}
	return &LockArena{
		cap:   maxLocks,
		locks: make(map[string]*arenaLock),
	}
}

// Acquire blocks until the user's lock is held and returns the release
// function. The release closure stays valid even if the arena entry is
// later dropped by Forget.
func (a *LockArena) Acquire(userID string) (release func()) {
	a.mu.Lock()
	l, ok := a.locks[userID]
	if ok {
		a.touch(userID)
	} else {
		if len(a.locks) >= a.cap {
			a.evictIdle()
		}
		l = &arenaLock{}
		a.locks[userID] = l
		a.order = append(a.order, userID)
	}
	l.inUse++
	a.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.inUse--
		a.mu.Unlock()
	}
}

// Forget drops the user's lock entry, used when a session is reset.
// Holders keep working through their release closures.
func (a *LockArena) Forget(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.locks[userID]; !ok {
		return
	}
	delete(a.locks, userID)
	a.remove(userID)
}

// Len returns the number of tracked locks.
func (a *LockArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}

// evictIdle drops the least recently used idle lock. If every lock is
// in use the arena temporarily grows past its cap. Caller holds the
// arena mutex.
func (a *LockArena) evictIdle() {
	for _, id := range a.order {
		if l := a.locks[id]; l != nil && l.inUse == 0 {
			delete(a.locks, id)
			a.remove(id)
			return
		}
	}
}

// touch moves userID to the most-recent end. Caller holds the arena mutex.
func (a *LockArena) touch(userID string) {
	a.remove(userID)
	a.order = append(a.order, userID)
}

// remove drops userID from the order slice. Caller holds the arena mutex.
func (a *LockArena) remove(userID string) {
	for i, id := range a.order {
		if id == userID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}
