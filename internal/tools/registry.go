// Package tools routes model tool calls: local handlers for
// preferences, previous carts, recipe extraction and batches, and
// nutrition lookups, everything else forwarded to the remote catalog
// service. The executor wraps routing
// with argument repair, loop detection, and result shaping.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freshvill/grocerbot/internal/cart"
	"github.com/freshvill/grocerbot/internal/nutrition"
	"github.com/freshvill/grocerbot/internal/pricecache"
	"github.com/freshvill/grocerbot/internal/prefs"
	"github.com/freshvill/grocerbot/internal/recipes"
)

// Remote catalog tool names the executor special-cases.
const (
	SearchToolName = "freshvill_products_search"
	CartToolName   = "freshvill_cart_link_create"
)

// Tool represents a callable local tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, userID string, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the local tools and their backing services.
type Registry struct {
	tools     map[string]*Tool
	prefs     prefs.Store
	snapshots cart.SnapshotStore
	recipes   *recipes.Service
	extract   *recipes.Extractor
	nutrition *nutrition.Service
	prices    *pricecache.TwoLevel
}

// NewRegistry creates a registry. Any backing service may be nil, in
// which case its tools report themselves unavailable rather than being
// hidden; the model gets a clear answer instead of an unknown-tool
// error.
func NewRegistry(prefStore prefs.Store, snapshots cart.SnapshotStore, recipeSvc *recipes.Service, extractor *recipes.Extractor, nutritionSvc *nutrition.Service, prices *pricecache.TwoLevel) *Registry {
	r := &Registry{
		tools:     make(map[string]*Tool),
		prefs:     prefStore,
		snapshots: snapshots,
		recipes:   recipeSvc,
		extract:   extractor,
		nutrition: nutritionSvc,
		prices:    prices,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "user_preferences_get",
		Description: "Get the user's saved shopping preferences (category -> preferred product). Call this before searching so preferences can refine queries.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handlePreferencesGet,
	})

	r.Register(&Tool{
		Name:        "user_preferences_set",
		Description: "Remember the user's preference for a product category, e.g. category 'ice cream', preference 'chocolate-coated on a stick'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Product category the preference applies to",
				},
				"preference": map[string]any{
					"type":        "string",
					"description": "The preferred product or variant",
				},
			},
			"required": []string{"category", "preference"},
		},
		Handler: r.handlePreferencesSet,
	})

	r.Register(&Tool{
		Name:        "user_preferences_delete",
		Description: "Forget the user's preference for a product category.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Product category to forget",
				},
			},
			"required": []string{"category"},
		},
		Handler: r.handlePreferencesDelete,
	})

	r.Register(&Tool{
		Name:        "previous_cart_get",
		Description: "Get the user's last successfully created cart: products, quantities, link, and total. Use when the user asks to repeat an order.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handlePreviousCart,
	})

	r.Register(&Tool{
		Name:        "recipe_ingredients_search",
		Description: "Search catalog products for every ingredient of a recipe in one batch. Each ingredient needs a search_query; quantity, unit, kg_equivalent, l_equivalent, and pack_equivalent refine the suggested purchase quantity.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ingredients": map[string]any{
					"type":        "array",
					"description": "Recipe ingredients to look up",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":            map[string]any{"type": "string"},
							"search_query":    map[string]any{"type": "string"},
							"quantity":        map[string]any{"type": "number"},
							"unit":            map[string]any{"type": "string"},
							"kg_equivalent":   map[string]any{"type": "number"},
							"l_equivalent":    map[string]any{"type": "number"},
							"pack_equivalent": map[string]any{"type": "number"},
						},
						"required": []string{"search_query"},
					},
				},
			},
			"required": []string{"ingredients"},
		},
		Handler: r.handleRecipeSearch,
	})

	r.Register(&Tool{
		Name:        "recipe_ingredients",
		Description: "Extract the ingredient list for a dish, scaled to the serving count. Use the returned ingredients with recipe_ingredients_search.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dish": map[string]any{
					"type":        "string",
					"description": "Dish name, e.g. 'borscht'",
				},
				"servings": map[string]any{
					"type":        "number",
					"description": "How many servings to cook (default 2)",
				},
			},
			"required": []string{"dish"},
		},
		Handler: r.handleRecipeIngredients,
	})

	r.Register(&Tool{
		Name:        "nutrition_lookup",
		Description: "Get calories and nutrients per 100 g of a product (protein, fat, carbs, fiber, sugars, salt). Use a plain product name as the query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Product name, e.g. 'cottage cheese'",
				},
			},
			"required": []string{"query"},
		},
		Handler: r.handleNutritionLookup,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Schemas returns the local tool schemas in the shape the model backend
// expects alongside the remote catalog.
func (r *Registry) Schemas() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return result
}

// Execute runs a local tool by name.
func (r *Registry) Execute(ctx context.Context, userID, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown local tool: %s", name)
	}
	return tool.Handler(ctx, userID, args)
}

// Tool handlers

func (r *Registry) handlePreferencesGet(ctx context.Context, userID string, _ map[string]any) (string, error) {
	if r.prefs == nil {
		return errorResult("preference storage is not configured"), nil
	}
	all, err := r.prefs.All(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return encode(map[string]any{
			"ok":          true,
			"preferences": []any{},
			"message":     "no saved preferences",
		}), nil
	}
	return encode(map[string]any{"ok": true, "preferences": all}), nil
}

func (r *Registry) handlePreferencesSet(ctx context.Context, userID string, args map[string]any) (string, error) {
	if r.prefs == nil {
		return errorResult("preference storage is not configured"), nil
	}
	category, _ := args["category"].(string)
	preference, _ := args["preference"].(string)
	if category == "" || preference == "" {
		return errorResult("category and preference are required"), nil
	}

	switch err := r.prefs.Set(ctx, userID, category, preference); err {
	case nil:
	case prefs.ErrEmpty:
		return errorResult("category and preference are required"), nil
	case prefs.ErrLimit:
		return errorResult(fmt.Sprintf(
			"preference limit reached (%d); delete unused preferences first", prefs.MaxPerUser)), nil
	default:
		return "", err
	}
	return encode(map[string]any{
		"ok":      true,
		"message": fmt.Sprintf("remembered: %s -> %s", prefs.NormalizeCategory(category), preference),
	}), nil
}

func (r *Registry) handlePreferencesDelete(ctx context.Context, userID string, args map[string]any) (string, error) {
	if r.prefs == nil {
		return errorResult("preference storage is not configured"), nil
	}
	category, _ := args["category"].(string)
	if category == "" {
		return errorResult("category is required"), nil
	}
	existed, err := r.prefs.Delete(ctx, userID, category)
	if err != nil {
		return "", err
	}
	message := fmt.Sprintf("preference %q deleted", category)
	if !existed {
		message = fmt.Sprintf("preference %q not found", category)
	}
	return encode(map[string]any{"ok": true, "message": message}), nil
}

// handlePreviousCart returns the last saved cart, enriched with
// whatever names and prices the cache still holds.
func (r *Registry) handlePreviousCart(ctx context.Context, userID string, _ map[string]any) (string, error) {
	if r.snapshots == nil {
		return errorResult("previous cart is unavailable"), nil
	}
	snap, err := r.snapshots.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if snap == nil {
		return encode(map[string]any{"ok": true, "message": "the user has no previous cart"}), nil
	}

	products := make([]map[string]any, 0, len(snap.Items))
	for _, item := range snap.Items {
		p := map[string]any{"product_id": item.ID, "q": item.Quantity}
		if entry, ok := r.prices.Get(ctx, item.ID); ok {
			p["name"] = entry.Name
			p["price"] = entry.Price
			p["unit"] = entry.Unit
		} else if item.Name != "" {
			p["name"] = item.Name
		}
		products = append(products, p)
	}

	return encode(map[string]any{
		"ok":         true,
		"products":   products,
		"link":       snap.Link,
		"total":      snap.Total,
		"created_at": snap.CreatedAt,
	}), nil
}

func (r *Registry) handleRecipeSearch(ctx context.Context, _ string, args map[string]any) (string, error) {
	if r.recipes == nil {
		return errorResult("recipe search is not configured"), nil
	}
	raw, ok := args["ingredients"].([]any)
	if !ok || len(raw) == 0 {
		return errorResult("ingredients array is required"), nil
	}

	ingredients := make([]recipes.Ingredient, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		ingredients = append(ingredients, recipes.IngredientFromArgs(m))
	}

	batch := r.recipes.SearchIngredients(ctx, ingredients)
	return encode(batch), nil
}

func (r *Registry) handleRecipeIngredients(ctx context.Context, _ string, args map[string]any) (string, error) {
	if r.extract == nil {
		return errorResult("recipe extraction is not configured"), nil
	}
	dish, _ := args["dish"].(string)
	servings := 0
	if v, ok := args["servings"].(float64); ok {
		servings = int(v)
	}
	return encode(r.extract.Ingredients(ctx, dish, servings)), nil
}

func (r *Registry) handleNutritionLookup(ctx context.Context, _ string, args map[string]any) (string, error) {
	if r.nutrition == nil {
		return errorResult("nutrition lookup is not configured"), nil
	}
	query, _ := args["query"].(string)
	return encode(r.nutrition.Lookup(ctx, query)), nil
}

func encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `{"ok": false, "error": "internal encoding error"}`
	}
	return string(raw)
}

func errorResult(message string) string {
	return encode(map[string]any{"ok": false, "error": message})
}
