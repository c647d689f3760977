package search

import "sync"

// Trail records which product ids each search produced during one
// conversation turn. It exists only for cart verification and is
// discarded when the turn ends. Safe for concurrent use because recipe
// batch searches record from multiple goroutines.
type Trail struct {
	mu      sync.Mutex
	byQuery map[string]map[string]struct{}
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{byQuery: make(map[string]map[string]struct{})}
}

// Record merges the ids returned for a query into the trail. Callers
// only record searches that actually returned ids; empty result sets
// never reach the trail.
func (t *Trail) Record(query string, ids map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byQuery[query]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		t.byQuery[query] = set
	}
	for id := range ids {
		set[id] = struct{}{}
	}
}

// ReverseIndex maps each product id to the queries that returned it.
func (t *Trail) ReverseIndex() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]string)
	for q, ids := range t.byQuery {
		for id := range ids {
			out[id] = append(out[id], q)
		}
	}
	return out
}

// Len returns the number of recorded queries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byQuery)
}
