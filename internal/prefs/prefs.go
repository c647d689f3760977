// Package prefs stores per-user shopping preferences, one value per
// category ("ice cream" -> "chocolate-coated on a stick"). Preferences
// feed two paths: the model reads them through a local tool, and the
// search preprocessor substitutes them into under-specified queries.
package prefs

import (
	"context"
	"errors"
	"strings"
)

// Length and count caps protect the database from unbounded growth.
const (
	MaxCategoryLen = 100
	MaxValueLen    = 500
	MaxPerUser     = 50
)

// ErrEmpty is returned when category or value is blank after trimming.
var ErrEmpty = errors.New("prefs: category and value must be non-empty")

// ErrLimit is returned when adding a new category would exceed
// MaxPerUser. Updating an existing category never hits the limit.
var ErrLimit = errors.New("prefs: preference limit reached")

// Preference is one stored category/value pair.
type Preference struct {
	Category string `json:"category"`
	Value    string `json:"preference"`
}

// Store persists preferences keyed by (user, category).
type Store interface {
	// All returns the user's preferences ordered by category.
	All(ctx context.Context, userID string) ([]Preference, error)
	// Get returns the value for an exact category match.
	Get(ctx context.Context, userID, category string) (value string, ok bool, err error)
	// Set upserts one preference. New categories past MaxPerUser
	// return ErrLimit.
	Set(ctx context.Context, userID, category, value string) error
	// Delete removes one preference, reporting whether it existed.
	Delete(ctx context.Context, userID, category string) (bool, error)
}

// NormalizeCategory lower-cases, trims, and length-caps a category so
// lookups match regardless of how the model spelled it.
func NormalizeCategory(category string) string {
	return capRunes(strings.ToLower(strings.TrimSpace(category)), MaxCategoryLen)
}

func normalizeValue(value string) string {
	return capRunes(strings.TrimSpace(value), MaxValueLen)
}

func capRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
