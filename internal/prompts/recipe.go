package prompts

import (
	"fmt"
	"strings"
)

// RecipeExtractionPromptVersion keys cached ingredient extractions.
// Bump it whenever recipeExtractionTemplate changes in a way that
// should invalidate previously cached lists.
const RecipeExtractionPromptVersion = "v2"

// recipeExtractionTemplate asks the model for a machine-readable
// ingredient list. The reply is parsed verbatim, so the format rules
// are spelled out in full: a lone JSON object, exact field names, and
// no commentary around it.
const recipeExtractionTemplate = `List the ingredients needed to cook {dish} for {servings} servings.

Reply with a single JSON object and nothing else, in this exact shape:
{"ingredients": [{"name": "...", "quantity": 0, "unit": "...", "search_query": "..."}]}

Rules:
- "name" is the ingredient as used in the recipe.
- "quantity" is a number scaled to {servings} servings.
- "unit" is one of: g, kg, ml, l, pieces, tbsp, tsp.
- "search_query" is a short store search phrase for buying this
  ingredient ("beef", "sour cream"), never a full sentence.
- Skip salt, ground pepper, and water; shoppers already have them.
- Ground pepper is a spice and is skipped; bell pepper is a vegetable
  and is listed when the recipe needs it.
- No markdown, no code fences, no text before or after the JSON.`

// RecipeExtractionPrompt renders the ingredient-extraction prompt for a
// dish and serving count.
func RecipeExtractionPrompt(dish string, servings int) string {
	p := strings.ReplaceAll(recipeExtractionTemplate, "{dish}", dish)
	return strings.ReplaceAll(p, "{servings}", fmt.Sprintf("%d", servings))
}
