package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/freshvill/grocerbot/internal/cart"
	"github.com/freshvill/grocerbot/internal/search"
)

// Loop-detection thresholds.
const (
	// MaxIdenticalCalls is how many times the model may issue the same
	// tool call with canonically equal arguments before the call is
	// intercepted.
	MaxIdenticalCalls = 2
	// MaxConsecutiveToolErrors is how many consecutive error results a
	// single tool may produce before further calls to it are skipped.
	MaxConsecutiveToolErrors = 2
)

// ToolCaller dispatches one remote tool call. *mcp.Client satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// CallTracker detects looping tool calls within one turn. It counts
// occurrences of each (tool, canonical args) pair and consecutive
// errors per tool.
type CallTracker struct {
	counts  map[string]int
	results map[string]string
	errors  map[string]int
}

// NewCallTracker creates an empty tracker, scoped to one turn.
func NewCallTracker() *CallTracker {
	return &CallTracker{
		counts:  make(map[string]int),
		results: make(map[string]string),
		errors:  make(map[string]int),
	}
}

// key builds the canonical identity of a call. json.Marshal emits map
// keys in sorted order, which gives a stable serialization.
func (t *CallTracker) key(name string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return name + ":" + string(raw)
}

// RecordResult stores a call's result for duplicate short-circuiting
// and updates the tool's consecutive-error counter.
func (t *CallTracker) RecordResult(name string, args map[string]any, result string) {
	t.results[t.key(name, args)] = result
	if strings.Contains(result, `"error"`) {
		t.errors[name]++
	} else {
		t.errors[name] = 0
	}
}

func (t *CallTracker) isFailing(name string) bool {
	return t.errors[name] >= MaxConsecutiveToolErrors
}

// TurnState is the per-turn scratch space shared by the orchestration
// loop and the executor: the call tracker, the search trail for cart
// verification, and preferences loaded during the turn.
type TurnState struct {
	Tracker *CallTracker
	Trail   *search.Trail
	Prefs   map[string]string
}

// NewTurnState creates fresh per-turn state.
func NewTurnState() *TurnState {
	return &TurnState{
		Tracker: NewCallTracker(),
		Trail:   search.NewTrail(),
		Prefs:   make(map[string]string),
	}
}

// CallMeta carries preprocessing findings that postprocessing needs:
// cart ids absent from the price cache and quantity adjustment notes.
type CallMeta struct {
	UnknownIDs  []string
	Adjustments []string
}

// Executor is the single entry point for running tool calls: argument
// repair, routing, error containment, and result shaping.
type Executor struct {
	remote     ToolCaller
	registry   *Registry
	proc       *search.Processor
	reconciler *cart.Reconciler
	snapshots  cart.SnapshotStore
	logger     *slog.Logger
	limit      int
}

// NewExecutor wires the executor. snapshots may be nil, disabling
// previous-cart persistence.
func NewExecutor(
	remote ToolCaller,
	registry *Registry,
	proc *search.Processor,
	reconciler *cart.Reconciler,
	snapshots cart.SnapshotStore,
	limit int,
	logger *slog.Logger,
) *Executor {
	if limit <= 0 {
		limit = search.DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		remote:     remote,
		registry:   registry,
		proc:       proc,
		reconciler: reconciler,
		snapshots:  snapshots,
		limit:      limit,
		logger:     logger.With("component", "executor"),
	}
}

// Registry exposes the local tool registry for schema collection.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Preprocess repairs tool arguments before dispatch. Cart calls get
// duplicate lines merged, quantities normalized, and unknown product
// ids flagged; search calls get their query cleaned, preferences
// substituted, and a result limit applied.
func (e *Executor) Preprocess(ctx context.Context, name string, args map[string]any, st *TurnState) (map[string]any, *CallMeta) {
	meta := &CallMeta{}

	switch name {
	case CartToolName:
		args = e.fixCartArgs(ctx, args, meta)
	case SearchToolName:
		args = e.fixSearchArgs(args, st)
	}
	return args, meta
}

// fixCartArgs merges duplicate product lines, defaults missing
// quantities to 1, normalizes quantities against each product's unit,
// and records ids the price cache has never seen. Unknown ids mean the
// model invented them rather than finding them through search.
func (e *Executor) fixCartArgs(ctx context.Context, args map[string]any, meta *CallMeta) map[string]any {
	rawProducts, ok := args["products"].([]any)
	if !ok || len(rawProducts) == 0 {
		return args
	}

	lines := make([]cart.Line, 0, len(rawProducts))
	originalIDs := make(map[string]any, len(rawProducts))
	for _, raw := range rawProducts {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := productID(item["product_id"])
		if !ok {
			continue
		}
		if _, seen := originalIDs[id]; !seen {
			originalIDs[id] = item["product_id"]
		}
		lines = append(lines, cart.Line{ID: id, Quantity: asQuantity(item["q"])})
	}
	if len(lines) == 0 {
		return args
	}

	items, notes := e.reconciler.Normalize(ctx, cart.Merge(lines))
	meta.Adjustments = notes

	products := make([]any, 0, len(items))
	for _, item := range items {
		if !item.PriceKnown {
			meta.UnknownIDs = append(meta.UnknownIDs, item.ID)
		}
		products = append(products, map[string]any{
			"product_id": originalIDs[item.ID],
			"q":          item.Quantity,
		})
	}

	fixed := make(map[string]any, len(args))
	for k, v := range args {
		fixed[k] = v
	}
	fixed["products"] = products
	return fixed
}

// fixSearchArgs cleans the query, substitutes a saved preference when
// the query names a known category, and applies the result limit.
func (e *Executor) fixSearchArgs(args map[string]any, st *TurnState) map[string]any {
	fixed := make(map[string]any, len(args)+1)
	for k, v := range args {
		fixed[k] = v
	}

	q, _ := fixed["q"].(string)
	cleaned := search.CleanQuery(q)
	if cleaned != q {
		e.logger.Info("cleaned search query", "from", q, "to", cleaned)
	}

	enhanced := applyPreferences(cleaned, st.Prefs)
	if enhanced != cleaned {
		e.logger.Info("applied preference to query", "from", cleaned, "to", enhanced)
	}
	fixed["q"] = enhanced

	if _, ok := fixed["limit"]; !ok {
		fixed["limit"] = e.limit
	}
	return fixed
}

// applyPreferences refines an under-specified query when it exactly
// matches a saved preference category.
func applyPreferences(query string, userPrefs map[string]string) string {
	if len(userPrefs) == 0 || query == "" {
		return query
	}
	pref, ok := userPrefs[strings.ToLower(strings.TrimSpace(query))]
	if !ok {
		return query
	}
	if strings.Contains(strings.ToLower(pref), strings.ToLower(strings.TrimSpace(query))) {
		return pref
	}
	return query + " " + pref
}

// IsDuplicate checks whether the call should be skipped: either the
// tool keeps failing, or the model is repeating itself. When skipped,
// the returned synthetic result must be appended in place of a real
// dispatch.
func (e *Executor) IsDuplicate(name string, args map[string]any, st *TurnState) (synthetic string, skip bool) {
	if st.Tracker.isFailing(name) {
		e.logger.Warn("tool keeps failing, skipping call",
			"tool", name, "consecutive_errors", st.Tracker.errors[name])
		return errorResult(fmt.Sprintf(
			"tool %s is temporarily unavailable; do not call it again, continue without it", name)), true
	}

	key := st.Tracker.key(name, args)
	st.Tracker.counts[key]++
	if st.Tracker.counts[key] >= MaxIdenticalCalls {
		e.logger.Warn("duplicate tool call intercepted",
			"tool", name, "count", st.Tracker.counts[key])
		if cached, ok := st.Tracker.results[key]; ok {
			return cached, true
		}
		return `{"ok": true, "data": {}}`, true
	}
	return "", false
}

// Execute routes the call and contains every failure as a structured
// error result, so the loop always has a tool result to append.
func (e *Executor) Execute(ctx context.Context, userID, name string, args map[string]any) string {
	var result string
	var err error
	if e.registry.Get(name) != nil {
		result, err = e.registry.Execute(ctx, userID, name, args)
	} else if e.remote != nil {
		result, err = e.remote.CallTool(ctx, name, args)
	} else {
		return errorResult(fmt.Sprintf("tool %s is unavailable", name))
	}
	if err != nil {
		e.logger.Error("tool call failed", "tool", name, "error", err)
		return errorResult(fmt.Sprintf("calling %s failed: %v", name, err))
	}
	return result
}

// Postprocess shapes the result before it re-enters the conversation:
// preferences are parsed into the turn state, search results feed the
// price cache and trail and get trimmed, cart results get totals,
// verification, and a snapshot.
func (e *Executor) Postprocess(ctx context.Context, userID, name string, args map[string]any, result string, meta *CallMeta, st *TurnState) string {
	switch name {
	case "user_preferences_get":
		if parsed := parsePreferences(result); len(parsed) > 0 {
			st.Prefs = parsed
			e.logger.Debug("loaded preferences", "count", len(parsed))
		}

	case SearchToolName:
		e.proc.CachePrices(ctx, result)
		if q, _ := args["q"].(string); q != "" {
			if ids := e.proc.ExtractIDs(result); len(ids) > 0 {
				st.Trail.Record(q, ids)
			}
		}
		result = e.proc.TrimResult(result)

	case "recipe_ingredients_search":
		// The batch already cached prices; merge its per-query hits
		// into the trail so cart verification sees them.
		mergeSearchLog(result, st.Trail)

	case CartToolName:
		result = e.postprocessCart(ctx, userID, args, result, meta, st)
	}
	return result
}

func (e *Executor) postprocessCart(ctx context.Context, userID string, args map[string]any, result string, meta *CallMeta, st *TurnState) string {
	success := isCartSuccess(result)

	if len(meta.UnknownIDs) > 0 && !success {
		result = addUnknownIDsHint(result, meta.UnknownIDs)
	}

	report := e.reconciler.Reconcile(ctx, cartLines(args), st.Trail.ReverseIndex())

	doc, data := decodeCartResult(result)
	if data != nil {
		total := any("unavailable")
		if report.TotalKnown {
			total = report.Total
		}
		data["price_summary"] = map[string]any{"total": total}

		if len(report.Duplicates) > 0 {
			data["duplicate_warning"] = map[string]any{
				"note":  "the cart may contain the same product twice in different variants; confirm with the user before charging for both",
				"pairs": duplicatePairs(report),
			}
		}

		if st.Trail.Len() > 0 {
			data["verification"] = map[string]any{
				"ok":              report.Verified,
				"missing_queries": stringsOrEmpty(report.MissingQueries),
				"unmatched_items": stringsOrEmpty(report.UnmatchedItems),
			}
		}

		if len(meta.Adjustments) > 0 {
			data["quantity_adjustments"] = map[string]any{
				"note": "some quantities were adjusted to what the store can sell; do not recreate the cart with the original values, they will be adjusted again",
				"items": meta.Adjustments,
			}
		}

		if encoded, err := json.Marshal(doc); err == nil {
			result = string(encoded)
		}
	}

	if success && e.snapshots != nil {
		e.saveSnapshot(ctx, userID, report, data)
	} else if !success {
		e.logger.Warn("cart not saved", "result_preview", preview(result, 500))
	}
	return result
}

func (e *Executor) saveSnapshot(ctx context.Context, userID string, report *cart.Report, data map[string]any) {
	snap := &cart.Snapshot{
		Items:     report.Items,
		Total:     report.Total,
		CreatedAt: time.Now().UTC(),
	}
	if data != nil {
		if link, ok := data["link"].(string); ok {
			snap.Link = link
		}
	}
	if err := e.snapshots.Put(ctx, userID, snap); err != nil {
		e.logger.Warn("saving cart snapshot failed", "error", err)
	}
}

// cartLines extracts merged-ready lines from cart args.
func cartLines(args map[string]any) []cart.Line {
	rawProducts, _ := args["products"].([]any)
	lines := make([]cart.Line, 0, len(rawProducts))
	for _, raw := range rawProducts {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := productID(item["product_id"])
		if !ok {
			continue
		}
		lines = append(lines, cart.Line{ID: id, Quantity: asQuantity(item["q"])})
	}
	return lines
}

// decodeCartResult parses a cart result and returns the document plus
// its data object, creating the data object if the document is a map
// without one. A non-object result returns nils.
func decodeCartResult(result string) (map[string]any, map[string]any) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return nil, nil
	}
	data, ok := doc["data"].(map[string]any)
	if !ok {
		data = make(map[string]any)
		doc["data"] = data
	}
	return doc, data
}

func duplicatePairs(report *cart.Report) []any {
	names := make(map[string]string, len(report.Items))
	for _, item := range report.Items {
		label := item.Name
		if label == "" {
			label = item.ID
		}
		names[item.ID] = label
	}
	pairs := make([]any, 0, len(report.Duplicates))
	for _, p := range report.Duplicates {
		pairs = append(pairs, []string{names[p[0]], names[p[1]]})
	}
	return pairs
}

func addUnknownIDsHint(result string, unknown []string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return result
	}
	doc["fix_instruction"] = fmt.Sprintf(
		"product ids %v do not exist. Product ids can only come from %s results; search for each item first, then build the cart from the returned ids.",
		unknown, SearchToolName)
	encoded, err := json.Marshal(doc)
	if err != nil {
		return result
	}
	return string(encoded)
}

func isCartSuccess(result string) bool {
	var doc struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return false
	}
	return doc.OK
}

// parsePreferences decodes a user_preferences_get result into a
// category -> preference map.
func parsePreferences(result string) map[string]string {
	var doc struct {
		Preferences []struct {
			Category   string `json:"category"`
			Preference string `json:"preference"`
		} `json:"preferences"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return nil
	}
	parsed := make(map[string]string, len(doc.Preferences))
	for _, p := range doc.Preferences {
		category := strings.ToLower(strings.TrimSpace(p.Category))
		preference := strings.TrimSpace(p.Preference)
		if category != "" && preference != "" {
			parsed[category] = preference
		}
	}
	return parsed
}

// mergeSearchLog folds a recipe batch's search_log into the trail.
func mergeSearchLog(result string, trail *search.Trail) {
	var doc struct {
		SearchLog map[string][]string `json:"search_log"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return
	}
	for query, ids := range doc.SearchLog {
		if query == "" || len(ids) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		trail.Record(query, set)
	}
}

// productID normalizes a product id argument to its string form.
func productID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return id.String(), true
	}
	return "", false
}

// asQuantity coerces a model-supplied quantity; anything unusable
// becomes 1.
func asQuantity(v any) float64 {
	switch q := v.(type) {
	case float64:
		if q > 0 && !math.IsNaN(q) && !math.IsInf(q, 0) {
			return q
		}
	case string:
		if f, err := strconv.ParseFloat(q, 64); err == nil && f > 0 {
			return f
		}
	}
	return 1
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
