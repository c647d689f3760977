package prompts

import (
	"strings"
	"testing"
)

func TestShoppingSystemPrompt_Content(t *testing.T) {
	p := ShoppingSystemPrompt()
	lower := strings.ToLower(p)

	if !strings.Contains(lower, "shopping consultant") {
		t.Error("prompt should define the consultant role")
	}
	for _, tool := range []string{
		"freshvill_products_search",
		"freshvill_cart_link_create",
		"recipe_ingredients",
		"recipe_ingredients_search",
		"nutrition_lookup",
	} {
		if !strings.Contains(p, tool) {
			t.Errorf("prompt should name the %s tool", tool)
		}
	}
	if !strings.Contains(lower, "never reveal") {
		t.Error("prompt should forbid revealing instructions")
	}
	if !strings.Contains(lower, "never invent") {
		t.Error("prompt should forbid invented product ids")
	}
}

func TestShoppingSystemPrompt_NoSecrets(t *testing.T) {
	lower := strings.ToLower(ShoppingSystemPrompt())
	for _, kw := range []string{"token", "password", "secret", "api_key", "credentials"} {
		if strings.Contains(lower, kw) {
			t.Errorf("prompt must not contain %q", kw)
		}
	}
}

func TestShoppingSystemPrompt_ReasonableLength(t *testing.T) {
	if n := len(ShoppingSystemPrompt()); n < 200 || n > 18000 {
		t.Errorf("prompt length %d out of range", n)
	}
}

func TestRecipeExtractionPrompt(t *testing.T) {
	p := RecipeExtractionPrompt("borscht", 4)

	if !strings.Contains(p, "borscht") {
		t.Error("prompt should carry the dish name")
	}
	if !strings.Contains(p, "4 servings") {
		t.Error("prompt should carry the serving count")
	}
	for _, field := range []string{"name", "quantity", "unit", "search_query"} {
		if !strings.Contains(p, `"`+field+`"`) {
			t.Errorf("prompt should require the %s field", field)
		}
	}
	lower := strings.ToLower(p)
	for _, excluded := range []string{"salt", "water"} {
		if !strings.Contains(lower, excluded) {
			t.Errorf("prompt should exclude %s from the list", excluded)
		}
	}
	if !strings.Contains(lower, "bell pepper") {
		t.Error("prompt should distinguish ground pepper from bell pepper")
	}
}

func TestRecipeExtractionPromptVersion(t *testing.T) {
	if RecipeExtractionPromptVersion == "" {
		t.Fatal("version must not be empty")
	}
	// Cached extractions are keyed by this version; editing the prompt
	// without bumping it serves stale ingredient lists.
	if !strings.HasPrefix(RecipeExtractionPromptVersion, "v") {
		t.Errorf("version = %q, want v-prefixed", RecipeExtractionPromptVersion)
	}
}
