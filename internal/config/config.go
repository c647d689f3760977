// Package config handles grocerbot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/grocerbot/config.yaml, /etc/grocerbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "grocerbot", "config.yaml"))
	}

	paths = append(paths, "/etc/grocerbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all grocerbot configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Tools     ToolsConfig     `yaml:"tools"`
	Nutrition NutritionConfig `yaml:"nutrition"`
	Limits    LimitsConfig    `yaml:"limits"`
	Storage   StorageConfig   `yaml:"storage"`
	Cart      CartConfig      `yaml:"cart"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig defines the chat model backend.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"` // OpenAI-style chat completions endpoint base
	APIKey  string `yaml:"api_key"`
	Name    string `yaml:"name"` // model identifier sent in requests
	// SystemPrompt overrides the built-in shopping assistant prompt.
	SystemPrompt string `yaml:"system_prompt"`
	// TimeoutSec is the per-request timeout in seconds (default 120).
	TimeoutSec int `yaml:"timeout_sec"`
}

// ToolsConfig defines the remote tool service connection.
type ToolsConfig struct {
	URL    string `yaml:"url"` // JSON-RPC endpoint of the tool service
	APIKey string `yaml:"api_key"`
	// TimeoutSec is the per-call timeout in seconds (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// NutritionConfig defines the Open Food Facts nutrition lookup.
type NutritionConfig struct {
	// URL overrides the public Open Food Facts endpoint (tests, mirrors).
	URL string `yaml:"url"`
	// Country filters the first search phase, e.g. "united-states".
	Country string `yaml:"country"`
	// TimeoutSec is the per-request timeout in seconds (default 10).
	TimeoutSec int `yaml:"timeout_sec"`
	// Disabled turns the nutrition_lookup tool off entirely.
	Disabled bool `yaml:"disabled"`
}

// LimitsConfig bounds a single conversation turn.
type LimitsConfig struct {
	// MaxToolCalls is the maximum number of real tool executions per turn
	// (default 20). Total loop steps are capped at twice this value.
	MaxToolCalls int `yaml:"max_tool_calls"`
	// MaxHistory is the maximum number of messages kept per session,
	// including the system prompt (default 50).
	MaxHistory int `yaml:"max_history"`
	// MaxInputChars truncates incoming user text (default 4096).
	MaxInputChars int `yaml:"max_input_chars"`
	// SearchLimit is the default result count for product searches (default 10).
	SearchLimit int `yaml:"search_limit"`
}

// StorageConfig defines the SQLite-backed stores. Any path left empty
// keeps that store purely in memory. If the database cannot be opened the
// process logs the failure and degrades to in-memory stores.
type StorageConfig struct {
	// Path is the SQLite database file shared by all durable stores.
	Path string `yaml:"path"`
	// SessionTTLSec is the sliding idle expiry for stored sessions
	// (default 86400).
	SessionTTLSec int `yaml:"session_ttl_sec"`
	// PriceTTLSec is the expiry for second-level price cache entries
	// (default 3600).
	PriceTTLSec int `yaml:"price_ttl_sec"`
	// PriceCacheSize caps the in-memory price cache (default 5000).
	PriceCacheSize int `yaml:"price_cache_size"`
	// MaxSessions caps the in-memory session store (default 1000).
	MaxSessions int `yaml:"max_sessions"`
	// PurgeIntervalSec is how often expired rows are swept out of the
	// durable stores (default 600).
	PurgeIntervalSec int `yaml:"purge_interval_sec"`
}

// CartConfig tunes cart reconciliation.
type CartConfig struct {
	// MaxDiscreteQty caps piece-counted lines after rounding (default 9).
	MaxDiscreteQty int `yaml:"max_discrete_qty"`
	// MaxContinuousQty caps weight/volume lines (default 25).
	MaxContinuousQty float64 `yaml:"max_continuous_qty"`
	// DupMinTokenLen and DupMinOverlap tune near-duplicate detection:
	// two lines are flagged when they share at least DupMinOverlap
	// lower-cased name tokens of length >= DupMinTokenLen.
	DupMinTokenLen int `yaml:"dup_min_token_len"`
	DupMinOverlap  int `yaml:"dup_min_overlap"`
	// SnapshotTTLSec is how long the last cart stays retrievable (default 86400).
	SnapshotTTLSec int `yaml:"snapshot_ttl_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields so explicit YAML zeros do not
// disable hard limits.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Model.TimeoutSec == 0 {
		c.Model.TimeoutSec = 120
	}
	if c.Tools.TimeoutSec == 0 {
		c.Tools.TimeoutSec = 30
	}
	if c.Nutrition.TimeoutSec == 0 {
		c.Nutrition.TimeoutSec = 10
	}
	if c.Limits.MaxToolCalls == 0 {
		c.Limits.MaxToolCalls = 20
	}
	if c.Limits.MaxHistory == 0 {
		c.Limits.MaxHistory = 50
	}
	if c.Limits.MaxInputChars == 0 {
		c.Limits.MaxInputChars = 4096
	}
	if c.Limits.SearchLimit == 0 {
		c.Limits.SearchLimit = 10
	}
	if c.Storage.SessionTTLSec == 0 {
		c.Storage.SessionTTLSec = 86400
	}
	if c.Storage.PriceTTLSec == 0 {
		c.Storage.PriceTTLSec = 3600
	}
	if c.Storage.PriceCacheSize == 0 {
		c.Storage.PriceCacheSize = 5000
	}
	if c.Storage.MaxSessions == 0 {
		c.Storage.MaxSessions = 1000
	}
	if c.Storage.PurgeIntervalSec == 0 {
		c.Storage.PurgeIntervalSec = 600
	}
	if c.Cart.MaxDiscreteQty == 0 {
		c.Cart.MaxDiscreteQty = 9
	}
	if c.Cart.MaxContinuousQty == 0 {
		c.Cart.MaxContinuousQty = 25
	}
	if c.Cart.DupMinTokenLen == 0 {
		c.Cart.DupMinTokenLen = 3
	}
	if c.Cart.DupMinOverlap == 0 {
		c.Cart.DupMinOverlap = 2
	}
	if c.Cart.SnapshotTTLSec == 0 {
		c.Cart.SnapshotTTLSec = 86400
	}
}
