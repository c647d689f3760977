package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/freshvill/grocerbot/internal/httpkit"
)

// Rate-limit retry policy. Attempts includes the first try; backoff
// doubles per attempt (1s, 2s, 4s, 8s).
const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 1 * time.Second
)

// OpenAIClient talks to an OpenAI-style chat completions endpoint with
// function calling.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	httpClient  *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL string // e.g. "https://api.example.com/v1"
	APIKey  string
	Model   string
	Timeout time.Duration // per-request; zero means 120s
}

// NewOpenAIClient creates a client for an OpenAI-style backend.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:      logger.With("component", "llm"),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// chatRequest is the wire format for the chat completions endpoint.
type chatRequest struct {
	Model        string           `json:"model"`
	Messages     []Message        `json:"messages"`
	Functions    []map[string]any `json:"functions,omitempty"`
	FunctionCall string           `json:"function_call,omitempty"`
	Temperature  float64          `json:"temperature"`
}

// chatResponseWire is the wire format of a completion.
type chatResponseWire struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completion request. HTTP 429 responses are retried
// with exponential backoff; other failures return immediately.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, functions []map[string]any, mode CallMode) (*ChatResponse, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: messages,
	}
	if mode == ModeNone {
		req.FunctionCall = string(ModeNone)
	} else if len(functions) > 0 {
		req.Functions = functions
		req.FunctionCall = string(ModeAuto)
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "chat request", "payload", string(jsonData))

	var lastStatus int
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			c.logger.Warn("model backend rate limited, backing off",
				"attempt", attempt+1,
				"maxAttempts", c.maxAttempts,
				"delay", delay,
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := c.post(ctx, "/chat/completions", jsonData)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastStatus = resp.StatusCode
			httpkit.DrainAndClose(resp.Body, 4096)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body := httpkit.ReadErrorBody(resp.Body, 4096)
			return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
		}

		return c.decodeResponse(ctx, resp, mode)
	}

	return nil, fmt.Errorf("API error %d: rate limited after %d attempts", lastStatus, c.maxAttempts)
}

func (c *OpenAIClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(httpReq)
}

func (c *OpenAIClient) decodeResponse(ctx context.Context, resp *http.Response, mode CallMode) (*ChatResponse, error) {
	defer resp.Body.Close()

	var wire chatResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := wire.Choices[0]
	out := &ChatResponse{
		Model:        wire.Model,
		Message:      choice.Message,
		FinishReason: choice.FinishReason,
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
	}

	// Some models emit the function call as JSON in the content text
	// instead of the function_call field. A forced-text request cannot
	// contain a function call, and its reply may legitimately be JSON
	// whose objects carry a "name" field, so skip recovery there.
	if mode != ModeNone && out.Message.FunctionCall == nil && out.Message.Content != "" {
		if fc := parseTextFunctionCall(out.Message.Content); fc != nil {
			out.Message.FunctionCall = fc
			out.Message.Content = ""
		}
	}

	c.logger.Log(ctx, LevelTrace, "chat response",
		"finishReason", out.FinishReason,
		"hasFunctionCall", out.Message.FunctionCall != nil,
	)
	return out, nil
}

// parseTextFunctionCall attempts to extract a function call from content
// text. Handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array (first element wins): [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextFunctionCall(content string) *FunctionCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Extract from <tool_call> tags
	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	// Array of calls: only the first is honored, the loop executes one
	// call per step.
	var calls []FunctionCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 && calls[0].Name != "" {
		return &calls[0]
	}

	var single FunctionCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return &single
	}

	return nil
}

// Ping checks if the backend is reachable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
