// Package nutrition answers per-100g nutrition questions through the
// Open Food Facts public search API. Lookups are two-phase: a
// country-filtered search first, then a global retry when nothing
// usable comes back.
package nutrition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/freshvill/grocerbot/internal/httpkit"
)

// DefaultBaseURL is the public Open Food Facts endpoint.
const DefaultBaseURL = "https://world.openfoodfacts.org"

// pageSize bounds how many products one lookup fetches.
const pageSize = 5

// searchFields keeps the response small; everything else the API would
// send is ignored anyway.
const searchFields = "product_name,brands,nutriments,serving_size,nutrition_grades"

// nutrientKeys maps the per-100g nutriment fields to the names shown to
// the model.
var nutrientKeys = map[string]string{
	"energy-kcal_100g":   "calories",
	"proteins_100g":      "protein",
	"fat_100g":           "fat",
	"carbohydrates_100g": "carbs",
	"fiber_100g":         "fiber",
	"sugars_100g":        "sugars",
	"salt_100g":          "salt",
}

var (
	htmlEntityRe = regexp.MustCompile(`&[a-z]+;|&#\d+;`)
	weightRe     = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:g|kg|ml|l|oz|lb)\b`)
	percentRe    = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*%`)
	spacesRe     = regexp.MustCompile(`\s+`)
)

// Config configures a Service.
type Config struct {
	// BaseURL overrides DefaultBaseURL (tests, mirrors).
	BaseURL string
	// Country filters the first search phase, e.g. "united-states".
	// Empty skips the filtered phase.
	Country string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Service looks up nutrition facts.
type Service struct {
	baseURL    string
	country    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewService creates a nutrition lookup service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		baseURL:    strings.TrimRight(baseURL, "/"),
		country:    cfg.Country,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithLogger(logger)),
		logger:     logger.With("component", "nutrition"),
	}
}

// Item is one product's nutrition facts.
type Item struct {
	Name        string             `json:"name"`
	Brand       string             `json:"brand,omitempty"`
	ServingSize string             `json:"serving_size,omitempty"`
	Grade       string             `json:"nutrition_grade,omitempty"`
	Per100g     map[string]float64 `json:"per_100g"`
}

// Data is the payload of a successful lookup.
type Data struct {
	Query string `json:"query"`
	Found bool   `json:"found"`
	Count int    `json:"count"`
	Items []Item `json:"items,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// Result is the tool result for one lookup, serialized as the tool
// output the model sees.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  *Data  `json:"data,omitempty"`
}

// offProduct is the slice of the Open Food Facts response this service
// reads.
type offProduct struct {
	ProductName     string             `json:"product_name"`
	Brands          string             `json:"brands"`
	ServingSize     string             `json:"serving_size"`
	NutritionGrades string             `json:"nutrition_grades"`
	Nutriments      map[string]float64 `json:"nutriments"`
}

// Lookup fetches nutrition facts for a product query.
func (s *Service) Lookup(ctx context.Context, query string) *Result {
	cleaned := NormalizeQuery(query)
	if cleaned == "" {
		return &Result{OK: false, Error: "query is required"}
	}

	products, err := s.search(ctx, cleaned, s.country)
	if err != nil {
		s.logger.Warn("nutrition search failed", "query", cleaned, "error", err)
		return &Result{OK: false, Error: fmt.Sprintf("nutrition lookup failed: %v", err)}
	}

	// The country-filtered phase often returns sparse entries without
	// calorie data; fall back to the global index before giving up.
	if s.country != "" && !anyHasCalories(products) {
		global, err := s.search(ctx, cleaned, "")
		if err == nil && anyHasCalories(global) {
			products = global
		}
	}

	items := make([]Item, 0, len(products))
	for _, p := range products {
		if item, ok := toItem(p); ok {
			items = append(items, item)
		}
	}

	data := &Data{Query: cleaned, Found: len(items) > 0, Count: len(items), Items: items}
	if data.Found {
		data.Hint = "values are per 100 g of product"
	} else {
		data.Hint = "no nutrition data found; try a more generic product name"
	}
	return &Result{OK: true, Data: data}
}

func (s *Service) search(ctx context.Context, query, country string) ([]offProduct, error) {
	params := url.Values{}
	params.Set("search_terms", query)
	params.Set("search_simple", "1")
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("page_size", fmt.Sprintf("%d", pageSize))
	params.Set("fields", searchFields)
	if country != "" {
		params.Set("tagtype_0", "countries")
		params.Set("tag_contains_0", "contains")
		params.Set("tag_0", country)
	}

	reqURL := s.baseURL + "/cgi/search.pl?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	var wire struct {
		Products []offProduct `json:"products"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return wire.Products, nil
}

// NormalizeQuery strips the noise users paste into nutrition questions:
// HTML entities, pack weights ("500g", "1.5 l"), and percentages
// ("3.2%" milk).
func NormalizeQuery(query string) string {
	q := htmlEntityRe.ReplaceAllString(query, " ")
	q = weightRe.ReplaceAllString(q, " ")
	q = percentRe.ReplaceAllString(q, " ")
	q = spacesRe.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

func anyHasCalories(products []offProduct) bool {
	for _, p := range products {
		if _, ok := p.Nutriments["energy-kcal_100g"]; ok {
			return true
		}
	}
	return false
}

// toItem converts one product, dropping entries with no name or no
// per-100g data at all.
func toItem(p offProduct) (Item, bool) {
	name := strings.TrimSpace(p.ProductName)
	if name == "" {
		return Item{}, false
	}

	per100g := make(map[string]float64, len(nutrientKeys))
	for wireKey, outKey := range nutrientKeys {
		if v, ok := p.Nutriments[wireKey]; ok {
			per100g[outKey] = math.Round(v*10) / 10
		}
	}
	if len(per100g) == 0 {
		return Item{}, false
	}

	return Item{
		Name:        name,
		Brand:       strings.TrimSpace(p.Brands),
		ServingSize: strings.TrimSpace(p.ServingSize),
		Grade:       strings.TrimSpace(p.NutritionGrades),
		Per100g:     per100g,
	}, true
}
