package recipes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// CachedRecipe is one stored ingredient extraction.
type CachedRecipe struct {
	Dish        string
	Servings    int
	Ingredients []map[string]any
}

// RecipeStore caches LLM ingredient extractions in SQLite so repeat
// requests for the same dish skip the model round trip. Entries are
// keyed by normalized dish name and stamped with the extraction prompt
// version; a version mismatch invalidates the entry.
type RecipeStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecipeStore opens (or creates) the recipes table at the given
// database path.
func NewRecipeStore(dbPath string, logger *slog.Logger) (*RecipeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open recipe database: %w", err)
	}

	s := &RecipeStore{db: db, logger: logger.With("component", "recipes")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate recipe schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *RecipeStore) Close() error {
	return s.db.Close()
}

func (s *RecipeStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recipes (
		dish_name      TEXT PRIMARY KEY,
		servings       INTEGER NOT NULL,
		ingredients    TEXT NOT NULL,
		prompt_version TEXT NOT NULL,
		created_at     TEXT DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NormalizeDish canonicalizes a dish name for cache keying.
func NormalizeDish(dish string) string {
	return strings.ToLower(strings.TrimSpace(dish))
}

// Get returns the cached extraction for a dish, or nil when absent. An
// entry written under a different prompt version is deleted and treated
// as a miss.
func (s *RecipeStore) Get(ctx context.Context, dish, promptVersion string) (*CachedRecipe, error) {
	key := NormalizeDish(dish)

	var servings int
	var rawIngredients, storedVersion string
	err := s.db.QueryRowContext(ctx,
		`SELECT servings, ingredients, prompt_version FROM recipes WHERE dish_name = ?`,
		key,
	).Scan(&servings, &rawIngredients, &storedVersion)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read recipe: %w", err)
	}

	if storedVersion != promptVersion {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM recipes WHERE dish_name = ?`, key,
		); err != nil {
			s.logger.Warn("stale recipe delete failed", "dish", key, "error", err)
		}
		return nil, nil
	}

	var ingredients []map[string]any
	if err := json.Unmarshal([]byte(rawIngredients), &ingredients); err != nil {
		return nil, fmt.Errorf("decode cached ingredients: %w", err)
	}
	return &CachedRecipe{Dish: key, Servings: servings, Ingredients: ingredients}, nil
}

// Put upserts one extraction.
func (s *RecipeStore) Put(ctx context.Context, dish string, servings int, ingredients []map[string]any, promptVersion string) error {
	raw, err := json.Marshal(ingredients)
	if err != nil {
		return fmt.Errorf("encode ingredients: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO recipes (dish_name, servings, ingredients, prompt_version) VALUES (?, ?, ?, ?)`,
		NormalizeDish(dish), servings, string(raw), promptVersion,
	)
	if err != nil {
		return fmt.Errorf("write recipe: %w", err)
	}
	return nil
}

// ScaleIngredients rescales cached quantities from one serving count to
// another, returning copies. Quantities are rounded to two decimals;
// non-numeric quantities pass through untouched.
func ScaleIngredients(ingredients []map[string]any, fromServings, toServings int) []map[string]any {
	if fromServings <= 0 || toServings <= 0 || fromServings == toServings {
		return ingredients
	}
	ratio := float64(toServings) / float64(fromServings)

	scaled := make([]map[string]any, 0, len(ingredients))
	for _, ing := range ingredients {
		out := make(map[string]any, len(ing))
		for k, v := range ing {
			out[k] = v
		}
		if q := asFloat(out["quantity"]); q > 0 {
			out["quantity"] = math.Round(q*ratio*100) / 100
		}
		scaled = append(scaled, out)
	}
	return scaled
}
