package recipes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/freshvill/grocerbot/internal/llm"
	"github.com/freshvill/grocerbot/internal/prompts"
)

// DefaultServings is assumed when the customer does not say how many
// people they are cooking for.
const DefaultServings = 2

// readyProductKeywords mark dish names that are really preserved or
// ready-made products. Extracting raw ingredients for these is wrong
// (pickles decompose into cucumbers and brine); the catalog sells the
// finished product.
var readyProductKeywords = []string{
	"pickled",
	"pickles",
	"marinated",
	"fermented",
	"sauerkraut",
	"kimchi",
	"jam",
	"preserves",
	"compote",
	"salted fish",
	"salted herring",
	"cured",
	"smoked",
}

// pieceWeightKg gives rough per-piece weights for common produce so a
// piece count can be converted into kilograms when the store sells by
// weight.
var pieceWeightKg = map[string]float64{
	"potato":   0.15,
	"carrot":   0.15,
	"beet":     0.3,
	"onion":    0.1,
	"apple":    0.2,
	"tomato":   0.15,
	"cucumber": 0.12,
	"pepper":   0.15,
	"eggplant": 0.3,
	"zucchini": 0.3,
}

// Chatter is the model surface the extractor needs. *llm.OpenAIClient
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, functions []map[string]any, mode llm.CallMode) (*llm.ChatResponse, error)
}

// ExtractResult is the tool result for one extraction, serialized as
// the tool output the model sees.
type ExtractResult struct {
	OK          bool             `json:"ok"`
	Error       string           `json:"error,omitempty"`
	Dish        string           `json:"dish,omitempty"`
	Servings    int              `json:"servings,omitempty"`
	Ingredients []map[string]any `json:"ingredients,omitempty"`
	Cached      bool             `json:"cached,omitempty"`
	Hint        string           `json:"hint,omitempty"`
}

// Extractor turns a dish name into an ingredient list by asking the
// model for a structured extraction, with a SQLite cache in front.
type Extractor struct {
	model  Chatter
	store  *RecipeStore
	logger *slog.Logger
}

// NewExtractor creates an extractor. store may be nil, in which case
// every extraction goes to the model.
func NewExtractor(model Chatter, store *RecipeStore, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		model:  model,
		store:  store,
		logger: logger.With("component", "recipes"),
	}
}

// Ingredients resolves the ingredient list for a dish. servings <= 0
// selects DefaultServings. Cached extractions are rescaled to the
// requested serving count instead of re-querying the model.
func (e *Extractor) Ingredients(ctx context.Context, dish string, servings int) *ExtractResult {
	dish = strings.TrimSpace(dish)
	if dish == "" {
		return &ExtractResult{OK: false, Error: "dish name is required"}
	}
	if servings <= 0 {
		servings = DefaultServings
	}

	if kw := readyProductKeyword(dish); kw != "" {
		return &ExtractResult{
			OK:    false,
			Error: fmt.Sprintf("%q is a ready-made product (%s), not a dish to cook from ingredients", dish, kw),
			Hint:  "search the catalog for the finished product directly",
		}
	}

	if e.store != nil {
		cached, err := e.store.Get(ctx, dish, prompts.RecipeExtractionPromptVersion)
		if err != nil {
			e.logger.Warn("recipe cache read failed", "dish", dish, "error", err)
		} else if cached != nil {
			ingredients := ScaleIngredients(cached.Ingredients, cached.Servings, servings)
			return e.result(dish, servings, ingredients, true)
		}
	}

	ingredients, err := e.extractFromModel(ctx, dish, servings)
	if err != nil {
		e.logger.Warn("ingredient extraction failed", "dish", dish, "error", err)
		return &ExtractResult{
			OK:    false,
			Error: fmt.Sprintf("could not extract ingredients for %q: %v", dish, err),
		}
	}

	if e.store != nil {
		if err := e.store.Put(ctx, dish, servings, ingredients, prompts.RecipeExtractionPromptVersion); err != nil {
			e.logger.Warn("recipe cache write failed", "dish", dish, "error", err)
		}
	}
	return e.result(dish, servings, ingredients, false)
}

func (e *Extractor) result(dish string, servings int, ingredients []map[string]any, cached bool) *ExtractResult {
	return &ExtractResult{
		OK:          true,
		Dish:        dish,
		Servings:    servings,
		Ingredients: enrichEquivalents(ingredients),
		Cached:      cached,
		Hint:        "pass these ingredients to recipe_ingredients_search to find catalog products",
	}
}

func (e *Extractor) extractFromModel(ctx context.Context, dish string, servings int) ([]map[string]any, error) {
	prompt := prompts.RecipeExtractionPrompt(dish, servings)
	resp, err := e.model.Chat(ctx, []llm.Message{llm.UserMessage(prompt)}, nil, llm.ModeNone)
	if err != nil {
		return nil, err
	}

	ingredients, err := parseIngredientJSON(resp.Message.Content)
	if err != nil {
		return nil, err
	}
	if len(ingredients) == 0 {
		return nil, fmt.Errorf("model returned no ingredients")
	}
	return ingredients, nil
}

// parseIngredientJSON decodes the model's extraction reply. Accepts the
// requested object shape and a bare array, with or without markdown
// code fences. Entries without a name are dropped; a missing
// search_query falls back to the name.
func parseIngredientJSON(content string) ([]map[string]any, error) {
	content = stripCodeFences(content)
	if content == "" {
		return nil, fmt.Errorf("empty model reply")
	}

	var doc struct {
		Ingredients []map[string]any `json:"ingredients"`
	}
	var raw []map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err == nil && len(doc.Ingredients) > 0 {
		raw = doc.Ingredients
	} else if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("reply is not an ingredient list: %w", err)
	}

	ingredients := make([]map[string]any, 0, len(raw))
	for _, ing := range raw {
		name := strings.TrimSpace(asString(ing["name"]))
		if name == "" {
			continue
		}
		if strings.TrimSpace(asString(ing["search_query"])) == "" {
			ing["search_query"] = name
		}
		ingredients = append(ingredients, ing)
	}
	return ingredients, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, from a model reply.
func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx != -1 && !strings.HasPrefix(content, "[") && !strings.HasPrefix(content, "{") {
		// First line is a language tag such as "json".
		content = content[idx+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

// enrichEquivalents adds kg_equivalent and l_equivalent fields so the
// batch search can convert recipe measures into weight- or volume-sold
// pack quantities. Returns copies.
func enrichEquivalents(ingredients []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(ingredients))
	for _, ing := range ingredients {
		c := make(map[string]any, len(ing)+2)
		for k, v := range ing {
			c[k] = v
		}
		q := asFloat(c["quantity"])
		unit := strings.ToLower(strings.TrimSpace(asString(c["unit"])))

		switch unit {
		case "g", "gr":
			if q > 0 {
				c["kg_equivalent"] = round3(q / 1000)
			}
		case "kg":
			if q > 0 {
				c["kg_equivalent"] = round3(q)
			}
		case "ml":
			if q > 0 {
				c["l_equivalent"] = round3(q / 1000)
			}
		case "l":
			if q > 0 {
				c["l_equivalent"] = round3(q)
			}
		case "pieces", "piece", "pc", "pcs":
			if w := pieceWeight(asString(c["name"])); w > 0 && q > 0 {
				c["kg_equivalent"] = round3(w * q)
			}
		}
		out = append(out, c)
	}
	return out
}

func pieceWeight(name string) float64 {
	lower := strings.ToLower(name)
	for kw, w := range pieceWeightKg {
		if strings.Contains(lower, kw) {
			return w
		}
	}
	return 0
}

func readyProductKeyword(dish string) string {
	lower := strings.ToLower(dish)
	for _, kw := range readyProductKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}
