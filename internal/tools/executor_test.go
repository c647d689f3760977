package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/freshvill/grocerbot/internal/cart"
	"github.com/freshvill/grocerbot/internal/pricecache"
	"github.com/freshvill/grocerbot/internal/prefs"
	"github.com/freshvill/grocerbot/internal/search"
)

type fakeRemote struct {
	results map[string]string
	err     error
	calls   int
}

func (f *fakeRemote) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return `{"ok": true, "data": {}}`, nil
}

type executorFixture struct {
	exec      *Executor
	remote    *fakeRemote
	prices    *pricecache.Cache
	prefs     *prefs.MemoryStore
	snapshots *cart.MemorySnapshotStore
}

func newFixture(t *testing.T) *executorFixture {
	t.Helper()
	l1 := pricecache.New(100)
	two := pricecache.NewTwoLevel(l1, nil, nil)
	prefStore := prefs.NewMemoryStore()
	snapshots := cart.NewMemorySnapshotStore(0)
	remote := &fakeRemote{results: make(map[string]string)}

	registry := NewRegistry(prefStore, snapshots, nil, nil, nil, two)
	exec := NewExecutor(
		remote,
		registry,
		search.NewProcessor(two, 0, nil),
		cart.NewReconciler(two),
		snapshots,
		0,
		nil,
	)
	return &executorFixture{exec: exec, remote: remote, prices: l1, prefs: prefStore, snapshots: snapshots}
}

func (f *executorFixture) seedPrice(id, name string, price float64, unit string) {
	f.prices.Put(id, pricecache.Entry{Name: name, Price: price, Unit: unit})
}

func cartArgs(products ...map[string]any) map[string]any {
	raw := make([]any, len(products))
	for i, p := range products {
		raw[i] = p
	}
	return map[string]any{"products": raw}
}

func TestPreprocess_CartMergesAndDefaults(t *testing.T) {
	f := newFixture(t)
	f.seedPrice("101", "Milk", 89.9, "pc")
	f.seedPrice("102", "Bread", 45, "pc")
	st := NewTurnState()

	args, meta := f.exec.Preprocess(context.Background(), CartToolName, cartArgs(
		map[string]any{"product_id": "101", "q": 1.0},
		map[string]any{"product_id": "101", "q": 2.0},
		map[string]any{"product_id": "102"},
	), st)

	products := args["products"].([]any)
	if len(products) != 2 {
		t.Fatalf("products = %d, want 2 after merge", len(products))
	}
	first := products[0].(map[string]any)
	if first["product_id"] != "101" || first["q"] != 3.0 {
		t.Errorf("first line = %v", first)
	}
	second := products[1].(map[string]any)
	if second["q"] != 1.0 {
		t.Errorf("missing quantity should default to 1, got %v", second["q"])
	}
	if len(meta.UnknownIDs) != 0 {
		t.Errorf("unknown ids = %v", meta.UnknownIDs)
	}
}

func TestPreprocess_CartNormalizesQuantities(t *testing.T) {
	f := newFixture(t)
	f.seedPrice("101", "Eggs", 120, "pc")
	st := NewTurnState()

	args, meta := f.exec.Preprocess(context.Background(), CartToolName, cartArgs(
		map[string]any{"product_id": "101", "q": 0.6},
	), st)

	q := args["products"].([]any)[0].(map[string]any)["q"]
	if q != 1.0 {
		t.Errorf("q = %v, want 1", q)
	}
	if len(meta.Adjustments) != 1 {
		t.Errorf("adjustments = %v, want one note", meta.Adjustments)
	}
}

func TestPreprocess_CartFlagsUnknownIDs(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	_, meta := f.exec.Preprocess(context.Background(), CartToolName, cartArgs(
		map[string]any{"product_id": "999", "q": 1.0},
	), st)

	if len(meta.UnknownIDs) != 1 || meta.UnknownIDs[0] != "999" {
		t.Errorf("unknown ids = %v, want [999]", meta.UnknownIDs)
	}
}

func TestPreprocess_CartNumericIDsPreserved(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	args, _ := f.exec.Preprocess(context.Background(), CartToolName, cartArgs(
		map[string]any{"product_id": 101.0, "q": 1.0},
	), st)

	id := args["products"].([]any)[0].(map[string]any)["product_id"]
	if id != 101.0 {
		t.Errorf("numeric id changed type: %v (%T)", id, id)
	}
}

func TestPreprocess_SearchCleansAndLimits(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	args, _ := f.exec.Preprocess(context.Background(), SearchToolName,
		map[string]any{"q": "milk 2l"}, st)

	if args["q"] != "milk" {
		t.Errorf("q = %v, want milk", args["q"])
	}
	if args["limit"] != search.DefaultLimit {
		t.Errorf("limit = %v, want %d", args["limit"], search.DefaultLimit)
	}
}

func TestPreprocess_SearchAppliesPreference(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()
	st.Prefs = map[string]string{
		"milk":      "lactose-free milk",
		"ice cream": "pistachio",
	}

	// Preference containing the query replaces it.
	args, _ := f.exec.Preprocess(context.Background(), SearchToolName,
		map[string]any{"q": "milk"}, st)
	if args["q"] != "lactose-free milk" {
		t.Errorf("q = %v", args["q"])
	}

	// Otherwise the preference is appended.
	args, _ = f.exec.Preprocess(context.Background(), SearchToolName,
		map[string]any{"q": "Ice Cream"}, st)
	if args["q"] != "Ice Cream pistachio" {
		t.Errorf("q = %v", args["q"])
	}

	// Non-matching queries pass through.
	args, _ = f.exec.Preprocess(context.Background(), SearchToolName,
		map[string]any{"q": "bread"}, st)
	if args["q"] != "bread" {
		t.Errorf("q = %v", args["q"])
	}
}

func TestIsDuplicate_InterceptsRepeats(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()
	args := map[string]any{"q": "milk"}

	if _, skip := f.exec.IsDuplicate(SearchToolName, args, st); skip {
		t.Fatal("first call must not be skipped")
	}
	st.Tracker.RecordResult(SearchToolName, args, `{"data": {"items": [1]}}`)

	synthetic, skip := f.exec.IsDuplicate(SearchToolName, args, st)
	if !skip {
		t.Fatal("second identical call must be skipped")
	}
	if !strings.Contains(synthetic, "items") {
		t.Errorf("synthetic result should replay the cached result, got %q", synthetic)
	}

	// Different argument values are a different call.
	if _, skip := f.exec.IsDuplicate(SearchToolName, map[string]any{"q": "bread"}, st); skip {
		t.Error("different args must not be treated as duplicates")
	}
}

func TestIsDuplicate_KeyIsOrderInsensitive(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	f.exec.IsDuplicate(SearchToolName, map[string]any{"q": "milk", "limit": 10}, st)
	_, skip := f.exec.IsDuplicate(SearchToolName, map[string]any{"limit": 10, "q": "milk"}, st)
	if !skip {
		t.Error("argument order must not defeat duplicate detection")
	}
}

func TestIsDuplicate_SkipsFailingTool(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	st.Tracker.RecordResult("flaky_tool", map[string]any{"a": 1}, `{"error": "boom"}`)
	st.Tracker.RecordResult("flaky_tool", map[string]any{"a": 2}, `{"error": "boom"}`)

	synthetic, skip := f.exec.IsDuplicate("flaky_tool", map[string]any{"a": 3}, st)
	if !skip {
		t.Fatal("tool with repeated errors must be skipped even with new args")
	}
	if !strings.Contains(synthetic, "temporarily unavailable") {
		t.Errorf("synthetic = %q", synthetic)
	}

	// A success in between resets the counter.
	st2 := NewTurnState()
	st2.Tracker.RecordResult("flaky_tool", map[string]any{"a": 1}, `{"error": "boom"}`)
	st2.Tracker.RecordResult("flaky_tool", map[string]any{"a": 2}, `{"ok": true}`)
	st2.Tracker.RecordResult("flaky_tool", map[string]any{"a": 3}, `{"error": "boom"}`)
	if _, skip := f.exec.IsDuplicate("flaky_tool", map[string]any{"a": 4}, st2); skip {
		t.Error("error counter should reset after a success")
	}
}

func TestExecute_RoutesAndContainsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Local tool.
	result := f.exec.Execute(ctx, "u1", "user_preferences_get", nil)
	if !strings.Contains(result, "no saved preferences") {
		t.Errorf("local result = %q", result)
	}
	if f.remote.calls != 0 {
		t.Error("local tool must not hit the remote service")
	}

	// Remote tool.
	f.remote.results[SearchToolName] = `{"data": {"items": []}}`
	result = f.exec.Execute(ctx, "u1", SearchToolName, map[string]any{"q": "milk"})
	if f.remote.calls != 1 {
		t.Error("remote tool should be forwarded")
	}

	// Remote failure becomes a structured error, not a Go error.
	f.remote.err = errors.New("connection refused")
	result = f.exec.Execute(ctx, "u1", SearchToolName, map[string]any{"q": "milk"})
	if !strings.Contains(result, `"error"`) {
		t.Errorf("failure result = %q", result)
	}
}

const searchPayload = `{"data": {"items": [
	{"product_id": 101, "name": "Whole Milk 1L", "price": {"current": 89.9}, "unit": "pc", "description": "very long"},
	{"product_id": 102, "name": "Farm Milk 1L", "price": {"current": 99.0}, "unit": "pc"}
]}}`

func TestPostprocess_SearchCachesTrailsAndTrims(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()
	ctx := context.Background()

	result := f.exec.Postprocess(ctx, "u1", SearchToolName,
		map[string]any{"q": "milk"}, searchPayload, &CallMeta{}, st)

	if _, ok := f.prices.Get("101"); !ok {
		t.Error("price not cached")
	}
	if got := st.Trail.ReverseIndex()["101"]; len(got) != 1 || got[0] != "milk" {
		t.Errorf("trail = %v", st.Trail.ReverseIndex())
	}
	if strings.Contains(result, "description") {
		t.Error("bulky fields should be trimmed")
	}
}

func TestPostprocess_PreferencesLoadIntoTurnState(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	result := `{"ok": true, "preferences": [{"category": "Milk", "preference": "lactose-free"}]}`
	f.exec.Postprocess(context.Background(), "u1", "user_preferences_get", nil, result, &CallMeta{}, st)

	if st.Prefs["milk"] != "lactose-free" {
		t.Errorf("prefs = %v", st.Prefs)
	}
}

func TestPostprocess_RecipeSearchMergesTrail(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	result := `{"ok": true, "search_log": {"flour": ["201", "202"]}}`
	f.exec.Postprocess(context.Background(), "u1", "recipe_ingredients_search", nil, result, &CallMeta{}, st)

	if got := st.Trail.ReverseIndex()["201"]; len(got) != 1 || got[0] != "flour" {
		t.Errorf("trail = %v", st.Trail.ReverseIndex())
	}
}

func TestPostprocess_CartSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedPrice("101", "Whole Milk 1L", 89.9, "pc")
	st := NewTurnState()
	st.Trail.Record("milk", map[string]struct{}{"101": {}})
	ctx := context.Background()

	args := cartArgs(map[string]any{"product_id": "101", "q": 2.0})
	cartResult := `{"ok": true, "data": {"link": "https://freshvill.example/cart/abc"}}`

	result := f.exec.Postprocess(ctx, "u1", CartToolName, args, cartResult, &CallMeta{}, st)

	var doc struct {
		Data struct {
			Link         string `json:"link"`
			PriceSummary struct {
				Total float64 `json:"total"`
			} `json:"price_summary"`
			Verification struct {
				OK bool `json:"ok"`
			} `json:"verification"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		t.Fatalf("result not JSON: %v\n%s", err, result)
	}
	if doc.Data.PriceSummary.Total != 179.8 {
		t.Errorf("total = %v, want 179.8", doc.Data.PriceSummary.Total)
	}
	if !doc.Data.Verification.OK {
		t.Error("verification should pass")
	}

	snap, _ := f.snapshots.Get(ctx, "u1")
	if snap == nil {
		t.Fatal("snapshot not saved on success")
	}
	if snap.Link != "https://freshvill.example/cart/abc" || snap.Total != 179.8 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPostprocess_CartFailureNotSnapshotted(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()
	ctx := context.Background()

	args := cartArgs(map[string]any{"product_id": "999", "q": 1.0})
	meta := &CallMeta{UnknownIDs: []string{"999"}}
	cartResult := `{"ok": false, "error": "unknown products"}`

	result := f.exec.Postprocess(ctx, "u1", CartToolName, args, cartResult, meta, st)

	if !strings.Contains(result, "fix_instruction") {
		t.Error("unknown-id failures should carry a fix instruction")
	}
	if snap, _ := f.snapshots.Get(ctx, "u1"); snap != nil {
		t.Error("failed cart must not be snapshotted")
	}
}

func TestPostprocess_CartUnknownPriceTotalUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedPrice("101", "Milk", 89.9, "pc")
	st := NewTurnState()

	args := cartArgs(
		map[string]any{"product_id": "101", "q": 1.0},
		map[string]any{"product_id": "888", "q": 1.0},
	)
	result := f.exec.Postprocess(context.Background(), "u1", CartToolName, args,
		`{"ok": true, "data": {}}`, &CallMeta{}, st)

	if !strings.Contains(result, `"total":"unavailable"`) {
		t.Errorf("total should be unavailable: %s", result)
	}
}

func TestPostprocess_CartDuplicateWarning(t *testing.T) {
	f := newFixture(t)
	f.seedPrice("101", "Whole Milk Organic 1L", 89.9, "pc")
	f.seedPrice("102", "Whole Milk Organic 2L", 149.9, "pc")
	st := NewTurnState()

	args := cartArgs(
		map[string]any{"product_id": "101", "q": 1.0},
		map[string]any{"product_id": "102", "q": 1.0},
	)
	result := f.exec.Postprocess(context.Background(), "u1", CartToolName, args,
		`{"ok": true, "data": {}}`, &CallMeta{}, st)

	if !strings.Contains(result, "duplicate_warning") {
		t.Errorf("expected duplicate warning: %s", result)
	}
}

func TestPostprocess_CartAdjustmentNotes(t *testing.T) {
	f := newFixture(t)
	st := NewTurnState()

	meta := &CallMeta{Adjustments: []string{"Eggs: quantity adjusted from 0.6 to 1"}}
	result := f.exec.Postprocess(context.Background(), "u1", CartToolName,
		cartArgs(map[string]any{"product_id": "101", "q": 1.0}),
		`{"ok": true, "data": {}}`, meta, st)

	if !strings.Contains(result, "quantity_adjustments") {
		t.Errorf("expected adjustment note: %s", result)
	}
}
