package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/freshvill/grocerbot/internal/llm"
)

// truncateFallbackLen bounds summaries for tool results with no
// dedicated summarizer.
const truncateFallbackLen = 200

// Trim enforces the history bound: when the history exceeds max, the
// system message plus the most recent max-1 messages are kept.
//
// Old context degrades in two stages rather than vanishing. Tool
// results in the older half of the kept window get their bodies
// replaced by short deterministic summaries first; on later turns they
// drift past the cutoff and disappear entirely.
func Trim(history []llm.Message, max int) []llm.Message {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	if len(history) <= max {
		return history
	}

	kept := make([]llm.Message, 0, max)
	kept = append(kept, history[0])
	kept = append(kept, history[len(history)-(max-1):]...)

	// Summarize tool results in the older half of the window. The most
	// recent half stays verbatim because the model may still be acting
	// on it.
	boundary := len(kept) / 2
	for i := 1; i < boundary; i++ {
		if kept[i].Role == llm.RoleFunction {
			kept[i].Content = summarizeToolResult(kept[i].Name, kept[i].Content)
		}
	}

	return kept
}

// summarizeToolResult produces a short deterministic summary of a tool
// result, keyed by the tool that produced it. Unrecognized shapes fall
// back to truncation.
func summarizeToolResult(toolName, content string) string {
	switch {
	case strings.Contains(toolName, "search"):
		if s, ok := summarizeSearch(content); ok {
			return s
		}
	case strings.Contains(toolName, "cart"):
		if s, ok := summarizeCart(content); ok {
			return s
		}
	}
	return truncate(content, truncateFallbackLen)
}

func summarizeSearch(content string) (string, bool) {
	var doc struct {
		Data struct {
			Items []struct {
				Name  string          `json:"name"`
				Price json.RawMessage `json:"price"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil || len(doc.Data.Items) == 0 {
		return "", false
	}

	cheapestName := ""
	cheapest := 0.0
	for _, item := range doc.Data.Items {
		price, ok := parsePrice(item.Price)
		if !ok {
			continue
		}
		if cheapestName == "" || price < cheapest {
			cheapestName = item.Name
			cheapest = price
		}
	}

	if cheapestName == "" {
		return fmt.Sprintf("search: %d results", len(doc.Data.Items)), true
	}
	return fmt.Sprintf("search: %d results, cheapest %s at %.2f",
		len(doc.Data.Items), cheapestName, cheapest), true
}

// parsePrice accepts both the raw {"current": N} shape and the trimmed
// bare number.
func parsePrice(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var nested struct {
		Current *float64 `json:"current"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Current != nil {
		return *nested.Current, true
	}
	return 0, false
}

func summarizeCart(content string) (string, bool) {
	var doc struct {
		OK    *bool  `json:"ok"`
		Total any    `json:"total"`
		Items []any  `json:"items"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil || doc.OK == nil {
		return "", false
	}
	if !*doc.OK {
		return "cart creation failed", true
	}
	return fmt.Sprintf("cart created: %d items, total %v", len(doc.Items), doc.Total), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
