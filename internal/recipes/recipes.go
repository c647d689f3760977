// Package recipes turns a recipe's ingredient list into catalog
// products. Each ingredient is searched concurrently through the remote
// catalog tool; per-ingredient failures mark that ingredient as not
// found instead of aborting the batch.
package recipes

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/freshvill/grocerbot/internal/cart"
	"github.com/freshvill/grocerbot/internal/search"
)

// DefaultConcurrency bounds the fan-out of catalog searches per batch.
const DefaultConcurrency = 5

// maxSuggestedDiscrete caps the suggested pack count for any single
// ingredient. Recipes rarely need more than a few packs of anything.
const maxSuggestedDiscrete = 5

// nonFoodKeywords mark catalog items that match an ingredient name but
// are not groceries (garden and pet supply sections share names with
// produce). Matching items are moved to the end of the candidate list.
var nonFoodKeywords = []string{
	"seeds",
	"seedling",
	"sapling",
	"fertilizer",
	"potting soil",
	"pet food",
	"cat litter",
	"planter",
}

// microUnits are recipe measures small enough that one store pack
// always covers them.
var microUnits = map[string]struct{}{
	"clove":  {},
	"tbsp":   {},
	"tsp":    {},
	"bunch":  {},
	"pinch":  {},
	"sprig":  {},
	"slice":  {},
	"stalk":  {},
	"leaf":   {},
	"dash":   {},
}

// ToolCaller dispatches one remote tool call. *mcp.Client satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Ingredient is one recipe line as the model supplies it.
type Ingredient struct {
	Name           string
	Query          string
	Quantity       float64
	Unit           string
	KgEquivalent   float64
	LEquivalent    float64
	PackEquivalent float64
}

// IngredientFromArgs decodes one ingredient from an untyped argument
// map, tolerating missing and oddly typed fields.
func IngredientFromArgs(m map[string]any) Ingredient {
	ing := Ingredient{
		Name:           asString(m["name"]),
		Query:          strings.TrimSpace(asString(m["search_query"])),
		Quantity:       asFloat(m["quantity"]),
		Unit:           strings.ToLower(strings.TrimSpace(asString(m["unit"]))),
		KgEquivalent:   asFloat(m["kg_equivalent"]),
		LEquivalent:    asFloat(m["l_equivalent"]),
		PackEquivalent: asFloat(m["pack_equivalent"]),
	}
	if ing.Name == "" {
		ing.Name = ing.Query
	}
	return ing
}

// Match is one catalog candidate for an ingredient, with a quantity
// suggestion ready for cart creation.
type Match struct {
	ProductID  string  `json:"product_id"`
	Name       string  `json:"name"`
	Price      any     `json:"price"`
	Unit       string  `json:"unit"`
	SuggestedQ float64 `json:"suggested_q"`
}

// IngredientResult is the outcome for one ingredient.
type IngredientResult struct {
	Ingredient   string  `json:"ingredient"`
	Query        string  `json:"search_query"`
	BestMatch    *Match  `json:"best_match"`
	Alternatives []Match `json:"alternatives"`
	Error        string  `json:"error,omitempty"`
}

// BatchResult is the outcome of one ingredient batch, serialized as the
// tool result the model sees. SearchLog feeds the turn's search trail.
type BatchResult struct {
	OK        bool                `json:"ok"`
	Error     string              `json:"error,omitempty"`
	Results   []IngredientResult  `json:"results,omitempty"`
	NotFound  []string            `json:"not_found,omitempty"`
	SearchLog map[string][]string `json:"search_log,omitempty"`
}

// Service runs ingredient batches against the remote catalog.
type Service struct {
	caller      ToolCaller
	proc        *search.Processor
	searchTool  string
	concurrency int
	logger      *slog.Logger
}

// NewService creates a batch search service. concurrency <= 0 selects
// DefaultConcurrency.
func NewService(caller ToolCaller, proc *search.Processor, searchTool string, concurrency int, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		caller:      caller,
		proc:        proc,
		searchTool:  searchTool,
		concurrency: concurrency,
		logger:      logger.With("component", "recipes"),
	}
}

// SearchIngredients looks up every ingredient, at most s.concurrency
// catalog calls in flight at once.
func (s *Service) SearchIngredients(ctx context.Context, ingredients []Ingredient) *BatchResult {
	if len(ingredients) == 0 {
		return &BatchResult{OK: false, Error: "empty ingredients list"}
	}

	type outcome struct {
		result   IngredientResult
		foundIDs []string
	}

	outcomes := make([]outcome, len(ingredients))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i, ing := range ingredients {
		wg.Add(1)
		go func(i int, ing Ingredient) {
			defer wg.Done()
			result, ids := s.searchOne(ctx, ing, sem)
			outcomes[i] = outcome{result: result, foundIDs: ids}
		}(i, ing)
	}
	wg.Wait()

	batch := &BatchResult{
		OK:        true,
		Results:   make([]IngredientResult, 0, len(ingredients)),
		SearchLog: make(map[string][]string),
	}
	for _, o := range outcomes {
		batch.Results = append(batch.Results, o.result)
		if len(o.foundIDs) > 0 {
			batch.SearchLog[o.result.Query] = o.foundIDs
		} else if o.result.Query != "" {
			batch.NotFound = append(batch.NotFound, o.result.Query)
		}
	}
	return batch
}

func (s *Service) searchOne(ctx context.Context, ing Ingredient, sem chan struct{}) (IngredientResult, []string) {
	result := IngredientResult{Ingredient: ing.Name, Query: ing.Query}
	if ing.Query == "" {
		result.Error = "missing search_query"
		return result, nil
	}

	cleaned := search.CleanQuery(ing.Query)
	result.Query = cleaned

	sem <- struct{}{}
	raw, err := s.caller.CallTool(ctx, s.searchTool, map[string]any{
		"q":     cleaned,
		"limit": search.DefaultLimit,
	})
	<-sem

	if err != nil {
		s.logger.Warn("ingredient search failed", "query", cleaned, "error", err)
		result.Error = err.Error()
		return result, nil
	}

	s.proc.CachePrices(ctx, raw)
	trimmed := s.proc.TrimResult(raw)

	items := decodeItems(trimmed)
	if len(items) == 0 {
		result.Error = "search returned no items"
		return result, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item["product_id"]; ok {
			ids = append(ids, idToString(id))
		}
	}
	sort.Strings(ids)

	ranked := deprioritizeNonFood(items)
	best := toMatch(ranked[0], ing)
	result.BestMatch = &best
	for _, item := range ranked[1:] {
		if len(result.Alternatives) == 3 {
			break
		}
		result.Alternatives = append(result.Alternatives, toMatch(item, ing))
	}
	return result, ids
}

func decodeItems(resultText string) []map[string]any {
	var doc struct {
		Data struct {
			Items []map[string]any `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(resultText), &doc); err != nil {
		return nil
	}
	return doc.Data.Items
}

func toMatch(item map[string]any, ing Ingredient) Match {
	unit, _ := item["unit"].(string)
	if unit == "" {
		unit = "pc"
	}
	name, _ := item["name"].(string)
	return Match{
		ProductID:  idToString(item["product_id"]),
		Name:       name,
		Price:      item["price"],
		Unit:       unit,
		SuggestedQ: SuggestQuantity(ing, unit),
	}
}

// SuggestQuantity converts a recipe measure into a purchase quantity in
// the product's own unit.
func SuggestQuantity(ing Ingredient, productUnit string) float64 {
	if ing.PackEquivalent > 0 {
		return math.Max(1, math.Ceil(ing.PackEquivalent))
	}

	quantity := ing.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	unit := strings.ToLower(strings.TrimSpace(productUnit))
	if cart.IsDiscreteUnit(unit) {
		if _, micro := microUnits[ing.Unit]; micro {
			return 1
		}
		q := math.Ceil(quantity)
		return math.Max(1, math.Min(q, maxSuggestedDiscrete))
	}

	switch unit {
	case "kg", "g", "gr":
		if ing.KgEquivalent > 0 {
			return round3(ing.KgEquivalent)
		}
		switch ing.Unit {
		case "g", "gr":
			return round3(quantity / 1000)
		case "kg":
			return round3(quantity)
		}
		return 1
	case "l", "ml":
		if ing.LEquivalent > 0 {
			return round3(ing.LEquivalent)
		}
		switch ing.Unit {
		case "ml":
			return round3(quantity / 1000)
		case "l":
			return round3(quantity)
		}
		return 1
	}
	return round3(quantity)
}

// deprioritizeNonFood moves garden and pet items to the end of the
// candidate list. If everything looks non-food the original order is
// kept, showing something beats showing nothing.
func deprioritizeNonFood(items []map[string]any) []map[string]any {
	var food, nonFood []map[string]any
	for _, item := range items {
		name, _ := item["name"].(string)
		if isNonFood(name) {
			nonFood = append(nonFood, item)
		} else {
			food = append(food, item)
		}
	}
	if len(food) == 0 {
		return items
	}
	return append(food, nonFood...)
}

func isNonFood(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range nonFoodKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func idToString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	}
	return ""
}
