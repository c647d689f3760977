// Package search shapes product search results on their way between the
// remote catalog tool and the model: it caches prices, trims bulky
// fields out of the payload, extracts product ids for cart verification,
// and cleans up model-authored queries.
package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/freshvill/grocerbot/internal/pricecache"
)

// DefaultLimit is the number of search items kept after trimming. The
// catalog API ignores the limit parameter and returns up to this many.
const DefaultLimit = 10

// itemFields are the product fields forwarded to the model; everything
// else (descriptions, images, slugs) is cut to keep the context small.
var itemFields = []string{"product_id", "name", "price", "unit", "weight", "rating"}

// Models pad search queries with quantities from the user's request
// ("milk 2l", "3 avocados"). The catalog matches poorly on those, so
// number and measurement tokens are stripped before the call.
var (
	numToken     = regexp.MustCompile(`^\d+(?:[.,]\d+)?$`)
	numUnitToken = regexp.MustCompile(`(?i)^\d+(?:[.,]\d+)?(?:kg|g|gr|ml|l|pcs?|oz|lb)$`)
	unitToken    = regexp.MustCompile(`(?i)^(?:kg|g|gr|ml|l|pcs?|oz|lb)$`)
)

// CleanQuery strips quantity and unit tokens from a search query.
// If stripping would leave nothing, the original query is returned.
func CleanQuery(q string) string {
	fields := strings.Fields(q)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if numToken.MatchString(f) || numUnitToken.MatchString(f) || unitToken.MatchString(f) {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return strings.Join(fields, " ")
	}
	return strings.Join(kept, " ")
}

// Processor caches prices from search results and reshapes them for the
// model.
type Processor struct {
	cache  *pricecache.TwoLevel
	limit  int
	logger *slog.Logger
}

// NewProcessor creates a processor writing into the given price cache.
// limit <= 0 selects DefaultLimit.
func NewProcessor(cache *pricecache.TwoLevel, limit int, logger *slog.Logger) *Processor {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cache:  cache,
		limit:  limit,
		logger: logger.With("component", "search"),
	}
}

// parseItems decodes a search result payload of the shape
// {"data": {"items": [...]}} and returns the full document plus the
// item list. Anything else returns ok=false.
func parseItems(resultText string) (map[string]any, []any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(resultText), &data); err != nil {
		return nil, nil, false
	}
	dataField, ok := data["data"].(map[string]any)
	if !ok {
		return nil, nil, false
	}
	items, ok := dataField["items"].([]any)
	if !ok || len(items) == 0 {
		return nil, nil, false
	}
	return data, items, true
}

// idString normalizes a product id field to its string form. Ids arrive
// as JSON numbers or strings depending on the endpoint.
func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}

// currentPrice digs the current price out of an item. The catalog nests
// it as {"price": {"current": N}}; a bare number is accepted too.
func currentPrice(item map[string]any) (float64, bool) {
	switch p := item["price"].(type) {
	case float64:
		return p, true
	case map[string]any:
		if cur, ok := p["current"].(float64); ok {
			return cur, true
		}
	}
	return 0, false
}

// CachePrices extracts prices from a search result and stores them.
// Runs before TrimResult so the cache sees the untrimmed payload.
func (p *Processor) CachePrices(ctx context.Context, resultText string) {
	_, items, ok := parseItems(resultText)
	if !ok {
		return
	}

	cached := 0
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := idString(item["product_id"])
		if !ok {
			continue
		}
		price, ok := currentPrice(item)
		if !ok {
			continue
		}

		name, _ := item["name"].(string)
		unit, _ := item["unit"].(string)
		if unit == "" {
			unit = "pc"
		}
		p.cache.Put(ctx, id, pricecache.Entry{Name: name, Price: price, Unit: unit})
		cached++
	}

	if cached > 0 {
		p.logger.Debug("cached search prices", "count", cached)
	}
}

// TrimResult cuts a search result down to the fields the model needs
// and at most limit items. Unparseable payloads pass through untouched.
func (p *Processor) TrimResult(resultText string) string {
	data, items, ok := parseItems(resultText)
	if !ok {
		return resultText
	}

	if len(items) > p.limit {
		items = items[:p.limit]
	}

	trimmed := make([]any, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out := make(map[string]any, len(itemFields))
		for _, f := range itemFields {
			if v, ok := item[f]; ok {
				out[f] = v
			}
		}
		// Flatten price to its current value.
		if price, ok := currentPrice(item); ok {
			out["price"] = price
		}
		trimmed = append(trimmed, out)
	}

	data["data"].(map[string]any)["items"] = trimmed
	encoded, err := json.Marshal(data)
	if err != nil {
		return resultText
	}
	return string(encoded)
}

// ExtractIDs returns the set of product ids a search result contains.
func (p *Processor) ExtractIDs(resultText string) map[string]struct{} {
	_, items, ok := parseItems(resultText)
	if !ok {
		return map[string]struct{}{}
	}

	ids := make(map[string]struct{}, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := idString(item["product_id"]); ok {
			ids[id] = struct{}{}
		}
	}
	return ids
}
