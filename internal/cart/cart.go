// Package cart reconciles a model-produced cart against cached prices
// and the queries the conversation actually searched for. Reconciliation
// is pure computation: merge duplicate lines, normalize quantities to
// what the ordering API accepts, cost the cart, and cross-check every
// line against the search trail to catch hallucinated or dropped items.
package cart

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/freshvill/grocerbot/internal/pricecache"
)

// Default quantity limits and duplicate-detection tuning.
const (
	DefaultMaxDiscreteQty   = 9
	DefaultMaxContinuousQty = 25
	DefaultDupMinTokenLen   = 3
	DefaultDupMinOverlap    = 2
)

// Line is one requested cart entry as the model produced it. Quantity
// may be fractional, zero, or missing; normalization fixes it up.
type Line struct {
	ID       string
	Quantity float64
}

// Item is one merged, normalized cart line enriched from the price
// cache. PriceKnown is false when the cache has no entry for the item.
type Item struct {
	ID         string  `json:"product_id"`
	Name       string  `json:"name,omitempty"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit,omitempty"`
	Price      float64 `json:"price,omitempty"`
	PriceKnown bool    `json:"-"`
}

// Report is the reconciliation result for one cart request.
type Report struct {
	Items      []Item
	Total      float64
	TotalKnown bool
	Notes      []string

	Matched        map[string][]string
	MissingQueries []string
	UnmatchedItems []string
	Verified       bool

	Duplicates [][2]string
}

// Reconciler holds the tunables and the price cache the reconciliation
// steps read from.
type Reconciler struct {
	prices *pricecache.TwoLevel

	maxDiscreteQty   float64
	maxContinuousQty float64
	dupMinTokenLen   int
	dupMinOverlap    int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithQuantityCaps overrides the discrete and continuous quantity caps.
func WithQuantityCaps(discrete, continuous float64) Option {
	return func(r *Reconciler) {
		if discrete > 0 {
			r.maxDiscreteQty = discrete
		}
		if continuous > 0 {
			r.maxContinuousQty = continuous
		}
	}
}

// WithDuplicateTuning overrides the near-duplicate token length and
// overlap thresholds.
func WithDuplicateTuning(minTokenLen, minOverlap int) Option {
	return func(r *Reconciler) {
		if minTokenLen > 0 {
			r.dupMinTokenLen = minTokenLen
		}
		if minOverlap > 0 {
			r.dupMinOverlap = minOverlap
		}
	}
}

// NewReconciler creates a Reconciler backed by the given price cache.
func NewReconciler(prices *pricecache.TwoLevel, opts ...Option) *Reconciler {
	r := &Reconciler{
		prices:           prices,
		maxDiscreteQty:   DefaultMaxDiscreteQty,
		maxContinuousQty: DefaultMaxContinuousQty,
		dupMinTokenLen:   DefaultDupMinTokenLen,
		dupMinOverlap:    DefaultDupMinOverlap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs the full pipeline over the requested lines.
// reverseIndex maps item id to the search queries that returned it,
// as produced by the turn's search trail.
func (r *Reconciler) Reconcile(ctx context.Context, lines []Line, reverseIndex map[string][]string) *Report {
	merged := Merge(lines)
	items, notes := r.Normalize(ctx, merged)

	rep := &Report{
		Items: items,
		Notes: notes,
	}
	rep.Total, rep.TotalKnown = Cost(items)
	rep.Matched, rep.MissingQueries, rep.UnmatchedItems = Verify(items, reverseIndex)
	rep.Verified = len(rep.MissingQueries) == 0 && len(rep.UnmatchedItems) == 0
	rep.Duplicates = r.NearDuplicates(items)
	return rep
}

// Merge groups lines by item id, summing quantities. A missing or
// non-positive quantity counts as 1. First-seen order is preserved.
func Merge(lines []Line) []Line {
	merged := make([]Line, 0, len(lines))
	index := make(map[string]int, len(lines))

	for _, l := range lines {
		q := l.Quantity
		if q <= 0 {
			q = 1
		}
		if i, ok := index[l.ID]; ok {
			merged[i].Quantity += q
			continue
		}
		index[l.ID] = len(merged)
		merged = append(merged, Line{ID: l.ID, Quantity: q})
	}
	return merged
}

// Normalize enriches merged lines from the price cache and brings
// quantities into range. Discrete items are rounded up to whole units
// and capped; continuous items are capped at the ordering API ceiling.
// Every adjustment produces a note.
func (r *Reconciler) Normalize(ctx context.Context, merged []Line) ([]Item, []string) {
	items := make([]Item, 0, len(merged))
	var notes []string

	for _, l := range merged {
		item := Item{ID: l.ID, Quantity: l.Quantity}
		if entry, ok := r.lookup(ctx, l.ID); ok {
			item.Name = entry.Name
			item.Unit = entry.Unit
			item.Price = entry.Price
			item.PriceKnown = true
		}

		requested := item.Quantity
		if IsDiscreteUnit(item.Unit) {
			item.Quantity = math.Ceil(item.Quantity)
			if item.Quantity > r.maxDiscreteQty {
				item.Quantity = r.maxDiscreteQty
			}
		} else if item.Quantity > r.maxContinuousQty {
			item.Quantity = r.maxContinuousQty
		}

		if item.Quantity != requested {
			notes = append(notes, adjustmentNote(item, requested))
		}
		items = append(items, item)
	}
	return items, notes
}

func (r *Reconciler) lookup(ctx context.Context, id string) (pricecache.Entry, bool) {
	if r.prices == nil {
		return pricecache.Entry{}, false
	}
	return r.prices.Get(ctx, id)
}

func adjustmentNote(item Item, requested float64) string {
	label := item.Name
	if label == "" {
		label = item.ID
	}
	return fmt.Sprintf("%s: quantity adjusted from %s to %s",
		label, formatQty(requested), formatQty(item.Quantity))
}

func formatQty(q float64) string {
	if q == math.Trunc(q) {
		return fmt.Sprintf("%d", int64(q))
	}
	return fmt.Sprintf("%g", q)
}

// IsDiscreteUnit reports whether a unit is bought by the piece rather
// than by weight or volume. Unknown units count as discrete, matching
// how untagged products are sold.
func IsDiscreteUnit(unit string) bool {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kg", "g", "gr", "l", "ml", "oz", "lb":
		return false
	}
	return true
}

// Cost sums price*quantity over lines with known prices. known is false
// when any line's price is missing; the partial sum is still returned
// so callers can show "at least X".
func Cost(items []Item) (total float64, known bool) {
	known = true
	for _, item := range items {
		if !item.PriceKnown {
			known = false
			continue
		}
		total += item.Price * item.Quantity
	}
	return total, known
}

// Verify cross-checks cart items against the turn's search trail.
// matched maps each item id to the queries that surfaced it; queries
// that produced no cart item come back as missing, and items no query
// produced come back as unmatched.
func Verify(items []Item, reverseIndex map[string][]string) (matched map[string][]string, missing, unmatched []string) {
	matched = make(map[string][]string)
	inCart := make(map[string]struct{}, len(items))

	for _, item := range items {
		inCart[item.ID] = struct{}{}
		if queries := reverseIndex[item.ID]; len(queries) > 0 {
			matched[item.ID] = queries
		} else {
			unmatched = append(unmatched, item.ID)
		}
	}

	satisfied := make(map[string]bool)
	for id, queries := range reverseIndex {
		if _, ok := inCart[id]; !ok {
			continue
		}
		for _, q := range queries {
			satisfied[q] = true
		}
	}
	seen := make(map[string]struct{})
	for _, queries := range reverseIndex {
		for _, q := range queries {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			if !satisfied[q] {
				missing = append(missing, q)
			}
		}
	}
	sort.Strings(missing)
	return matched, missing, unmatched
}

// NearDuplicates flags pairs of cart lines whose display names share
// enough word tokens to suggest the same product twice, e.g. in two
// pack sizes. The heuristic is lexical only.
func (r *Reconciler) NearDuplicates(items []Item) [][2]string {
	tokens := make([]map[string]struct{}, len(items))
	for i, item := range items {
		tokens[i] = nameTokens(item.Name, r.dupMinTokenLen)
	}

	var pairs [][2]string
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if overlap(tokens[i], tokens[j]) >= r.dupMinOverlap {
				pairs = append(pairs, [2]string{items[i].ID, items[j].ID})
			}
		}
	}
	return pairs
}

func nameTokens(name string, minLen int) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(name)) {
		tok = strings.Trim(tok, ".,;:()%")
		if len([]rune(tok)) >= minLen {
			set[tok] = struct{}{}
		}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}
