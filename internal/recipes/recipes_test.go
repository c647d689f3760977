package recipes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/freshvill/grocerbot/internal/pricecache"
	"github.com/freshvill/grocerbot/internal/search"
)

type fakeCaller struct {
	mu       sync.Mutex
	results  map[string]string // query -> result payload
	failures map[string]error  // query -> error
	calls    []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	block       chan struct{} // optional, holds calls open
}

func (f *fakeCaller) CallTool(_ context.Context, _ string, args map[string]any) (string, error) {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	defer f.inFlight.Add(-1)

	q, _ := args["q"].(string)
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()

	if err, ok := f.failures[q]; ok {
		return "", err
	}
	if res, ok := f.results[q]; ok {
		return res, nil
	}
	return `{"data": {"items": []}}`, nil
}

func newTestService(caller *fakeCaller, concurrency int) *Service {
	proc := search.NewProcessor(pricecache.NewTwoLevel(pricecache.New(100), nil, nil), 0, nil)
	return NewService(caller, proc, "freshvill_products_search", concurrency, nil)
}

func itemPayload(entries ...string) string {
	out := `{"data": {"items": [`
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out + `]}}`
}

func TestSearchIngredients_EmptyBatch(t *testing.T) {
	svc := newTestService(&fakeCaller{}, 0)
	got := svc.SearchIngredients(context.Background(), nil)
	if got.OK || got.Error == "" {
		t.Errorf("empty batch should fail: %+v", got)
	}
}

func TestSearchIngredients_HappyPath(t *testing.T) {
	caller := &fakeCaller{results: map[string]string{
		"milk": itemPayload(
			`{"product_id": 101, "name": "Whole Milk 1L", "price": {"current": 89.9}, "unit": "pc"}`,
			`{"product_id": 102, "name": "Farm Milk 1L", "price": {"current": 99.0}, "unit": "pc"}`,
		),
		"flour": itemPayload(
			`{"product_id": 201, "name": "Wheat Flour", "price": {"current": 60}, "unit": "kg"}`,
		),
	}}
	svc := newTestService(caller, 0)

	batch := svc.SearchIngredients(context.Background(), []Ingredient{
		{Name: "milk", Query: "milk", Quantity: 2, Unit: "pc"},
		{Name: "flour", Query: "flour", Quantity: 500, Unit: "g"},
	})

	if !batch.OK {
		t.Fatalf("batch failed: %+v", batch)
	}
	if len(batch.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(batch.Results))
	}

	milk := batch.Results[0]
	if milk.BestMatch == nil || milk.BestMatch.ProductID != "101" {
		t.Errorf("milk best match = %+v", milk.BestMatch)
	}
	if milk.BestMatch.SuggestedQ != 2 {
		t.Errorf("milk suggested_q = %v, want 2", milk.BestMatch.SuggestedQ)
	}
	if len(milk.Alternatives) != 1 || milk.Alternatives[0].ProductID != "102" {
		t.Errorf("milk alternatives = %+v", milk.Alternatives)
	}

	flour := batch.Results[1]
	if flour.BestMatch == nil || flour.BestMatch.SuggestedQ != 0.5 {
		t.Errorf("flour best match = %+v", flour.BestMatch)
	}

	if len(batch.SearchLog["milk"]) != 2 || len(batch.SearchLog["flour"]) != 1 {
		t.Errorf("search log = %v", batch.SearchLog)
	}
	if len(batch.NotFound) != 0 {
		t.Errorf("not_found = %v", batch.NotFound)
	}
}

func TestSearchIngredients_PartialFailure(t *testing.T) {
	caller := &fakeCaller{
		results: map[string]string{
			"milk": itemPayload(`{"product_id": 101, "name": "Milk", "price": 89.9, "unit": "pc"}`),
		},
		failures: map[string]error{
			"saffron": errors.New("catalog timeout"),
		},
	}
	svc := newTestService(caller, 0)

	batch := svc.SearchIngredients(context.Background(), []Ingredient{
		{Name: "milk", Query: "milk"},
		{Name: "saffron", Query: "saffron"},
		{Name: "unicorn fruit", Query: "unicorn fruit"},
	})

	if !batch.OK {
		t.Fatal("one failed ingredient must not fail the batch")
	}
	if batch.Results[0].BestMatch == nil {
		t.Error("milk should still resolve")
	}
	if batch.Results[1].Error == "" {
		t.Error("saffron should carry its error")
	}
	if batch.Results[2].BestMatch != nil || batch.Results[2].Error == "" {
		t.Errorf("empty result should mark not found: %+v", batch.Results[2])
	}
	if len(batch.NotFound) != 2 {
		t.Errorf("not_found = %v, want saffron and unicorn fruit", batch.NotFound)
	}
}

func TestSearchIngredients_MissingQuery(t *testing.T) {
	svc := newTestService(&fakeCaller{}, 0)
	batch := svc.SearchIngredients(context.Background(), []Ingredient{{Name: "salt"}})
	if batch.Results[0].Error == "" {
		t.Error("missing query should produce an error entry")
	}
	if len(batch.NotFound) != 0 {
		t.Errorf("queryless ingredient must not appear in not_found: %v", batch.NotFound)
	}
}

func TestSearchIngredients_BoundedConcurrency(t *testing.T) {
	caller := &fakeCaller{block: make(chan struct{})}
	svc := newTestService(caller, 3)

	var ingredients []Ingredient
	for i := 0; i < 10; i++ {
		ingredients = append(ingredients, Ingredient{Query: fmt.Sprintf("item %d", i)})
	}

	done := make(chan *BatchResult, 1)
	go func() { done <- svc.SearchIngredients(context.Background(), ingredients) }()

	// Release the calls once the pool is saturated.
	close(caller.block)
	<-done

	if max := caller.maxInFlight.Load(); max > 3 {
		t.Errorf("max in-flight calls = %d, want <= 3", max)
	}
}

func TestSearchIngredients_CleansQuery(t *testing.T) {
	caller := &fakeCaller{}
	svc := newTestService(caller, 0)

	svc.SearchIngredients(context.Background(), []Ingredient{{Query: "milk 2l"}})
	if len(caller.calls) != 1 || caller.calls[0] != "milk" {
		t.Errorf("calls = %v, want [milk]", caller.calls)
	}
}

func TestSuggestQuantity(t *testing.T) {
	tests := []struct {
		name        string
		ing         Ingredient
		productUnit string
		want        float64
	}{
		{"pack equivalent wins", Ingredient{PackEquivalent: 2.3, Quantity: 100}, "pc", 3},
		{"discrete ceil", Ingredient{Quantity: 2.1, Unit: "pc"}, "pc", 3},
		{"discrete capped", Ingredient{Quantity: 40, Unit: "pc"}, "pc", 5},
		{"micro unit one pack", Ingredient{Quantity: 3, Unit: "clove"}, "pc", 1},
		{"grams to kg", Ingredient{Quantity: 500, Unit: "g"}, "kg", 0.5},
		{"kg passthrough", Ingredient{Quantity: 1.2, Unit: "kg"}, "kg", 1.2},
		{"kg equivalent wins", Ingredient{KgEquivalent: 0.75, Quantity: 3, Unit: "pc"}, "kg", 0.75},
		{"ml to l", Ingredient{Quantity: 250, Unit: "ml"}, "l", 0.25},
		{"unknown recipe unit against kg", Ingredient{Quantity: 2, Unit: "cup"}, "kg", 1},
		{"zero quantity defaults", Ingredient{}, "pc", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SuggestQuantity(tt.ing, tt.productUnit); got != tt.want {
				t.Errorf("SuggestQuantity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeprioritizeNonFood(t *testing.T) {
	items := []map[string]any{
		{"name": "Basil Seeds for Planting"},
		{"name": "Fresh Basil Bunch"},
		{"name": "Basil Seedling Pot"},
	}
	got := deprioritizeNonFood(items)
	if got[0]["name"] != "Fresh Basil Bunch" {
		t.Errorf("food item should rank first, got %v", got[0]["name"])
	}

	allNonFood := []map[string]any{
		{"name": "Tomato Seeds"},
		{"name": "Tomato Seedling"},
	}
	got = deprioritizeNonFood(allNonFood)
	if got[0]["name"] != "Tomato Seeds" {
		t.Error("all-non-food list keeps original order")
	}
}

func TestIngredientFromArgs(t *testing.T) {
	ing := IngredientFromArgs(map[string]any{
		"name":          "flour",
		"search_query":  " wheat flour ",
		"quantity":      500.0,
		"unit":          " G ",
		"kg_equivalent": "0.5",
	})
	if ing.Query != "wheat flour" || ing.Unit != "g" || ing.KgEquivalent != 0.5 {
		t.Errorf("got %+v", ing)
	}

	// Name falls back to the query.
	ing = IngredientFromArgs(map[string]any{"search_query": "salt"})
	if ing.Name != "salt" {
		t.Errorf("name fallback = %q", ing.Name)
	}
}
