package search

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/freshvill/grocerbot/internal/pricecache"
)

const sampleResult = `{
	"data": {
		"total": 3,
		"items": [
			{
				"product_id": 101,
				"name": "Milk 3.2% 1L",
				"price": {"current": 89.9, "old": 99.9},
				"unit": "pc",
				"weight": "1000 ml",
				"rating": 4.8,
				"description": "A very long marketing description that wastes context",
				"images": ["https://cdn.example.com/101.jpg"],
				"slug": "milk-32-1l"
			},
			{
				"product_id": "102",
				"name": "Farm Milk 2.5%",
				"price": {"current": 75.0},
				"unit": "pc"
			},
			{
				"product_id": 103,
				"name": "Oat Drink",
				"unit": "pc"
			}
		]
	}
}`

func newTestProcessor(t *testing.T, limit int) (*Processor, *pricecache.TwoLevel) {
	t.Helper()
	cache := pricecache.NewTwoLevel(pricecache.New(100), nil, nil)
	return NewProcessor(cache, limit, nil), cache
}

func TestCleanQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"milk", "milk"},
		{"milk 2l", "milk"},
		{"milk 2 l", "milk"},
		{"3 avocados", "avocados"},
		{"cottage cheese 5%", "cottage cheese 5%"}, // percent is not a unit
		{"chicken 1.5 kg", "chicken"},
		{"500g butter", "butter"},
		{"2", "2"},       // only a number: keep original
		{"2 kg", "2 kg"}, // nothing left: keep original
		{"  spaced   out  query ", "spaced out query"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := CleanQuery(tt.in); got != tt.want {
				t.Errorf("CleanQuery(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCachePrices(t *testing.T) {
	p, cache := newTestProcessor(t, 10)
	ctx := context.Background()

	p.CachePrices(ctx, sampleResult)

	e, ok := cache.Get(ctx, "101")
	if !ok {
		t.Fatal("expected 101 cached")
	}
	if e.Name != "Milk 3.2% 1L" || e.Price != 89.9 || e.Unit != "pc" {
		t.Errorf("entry = %+v", e)
	}

	// String ids work too.
	if _, ok := cache.Get(ctx, "102"); !ok {
		t.Error("expected 102 cached")
	}

	// No price means no cache entry.
	if _, ok := cache.Get(ctx, "103"); ok {
		t.Error("103 has no price and should not be cached")
	}
}

func TestCachePrices_GarbageInput(t *testing.T) {
	p, _ := newTestProcessor(t, 10)
	ctx := context.Background()

	// None of these should panic or cache anything.
	p.CachePrices(ctx, "not json")
	p.CachePrices(ctx, `{"data": "wrong shape"}`)
	p.CachePrices(ctx, `{"data": {"items": []}}`)
	p.CachePrices(ctx, `{"data": {"items": ["not an object"]}}`)
}

func TestTrimResult(t *testing.T) {
	p, _ := newTestProcessor(t, 10)

	out := p.TrimResult(sampleResult)

	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("trimmed output is not JSON: %v", err)
	}
	items := data["data"].(map[string]any)["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}

	first := items[0].(map[string]any)
	if _, ok := first["description"]; ok {
		t.Error("description should be trimmed")
	}
	if _, ok := first["images"]; ok {
		t.Error("images should be trimmed")
	}
	// Price flattened to the current value.
	if price, ok := first["price"].(float64); !ok || price != 89.9 {
		t.Errorf("price = %v, want 89.9", first["price"])
	}
	if first["name"] != "Milk 3.2% 1L" {
		t.Errorf("name = %v", first["name"])
	}
}

func TestTrimResult_EnforcesLimit(t *testing.T) {
	p, _ := newTestProcessor(t, 2)

	out := p.TrimResult(sampleResult)

	var data map[string]any
	json.Unmarshal([]byte(out), &data)
	items := data["data"].(map[string]any)["items"].([]any)
	if len(items) != 2 {
		t.Errorf("got %d items, want 2", len(items))
	}
}

func TestTrimResult_PassThroughOnGarbage(t *testing.T) {
	p, _ := newTestProcessor(t, 10)

	for _, in := range []string{"not json", `{"error": "nothing found"}`, ""} {
		if got := p.TrimResult(in); got != in {
			t.Errorf("TrimResult(%q) = %q, want pass-through", in, got)
		}
	}
}

func TestExtractIDs(t *testing.T) {
	p, _ := newTestProcessor(t, 10)

	ids := p.ExtractIDs(sampleResult)
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	for _, want := range []string{"101", "102", "103"} {
		if _, ok := ids[want]; !ok {
			t.Errorf("missing id %s", want)
		}
	}

	if got := p.ExtractIDs("garbage"); len(got) != 0 {
		t.Errorf("garbage input: got %d ids", len(got))
	}
}

func TestTrail(t *testing.T) {
	tr := NewTrail()

	tr.Record("milk", map[string]struct{}{"101": {}, "102": {}})
	tr.Record("bread", map[string]struct{}{"201": {}})

	if tr.Len() != 2 {
		t.Errorf("Len = %d, want 2", tr.Len())
	}

	// Repeat records merge.
	tr.Record("milk", map[string]struct{}{"103": {}})

	rev := tr.ReverseIndex()
	if len(rev["101"]) != 1 || rev["101"][0] != "milk" {
		t.Errorf("rev[101] = %v", rev["101"])
	}
	if len(rev["103"]) != 1 {
		t.Errorf("rev[103] = %v", rev["103"])
	}
	if tr.Len() != 2 {
		t.Errorf("Len after merge = %d, want 2", tr.Len())
	}
}
