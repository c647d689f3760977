// Package llm provides the chat model client used by the shopping agent.
package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles. Tool results are sent back with RoleFunction and the
// tool's name in the Name field.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// CallMode controls whether the model may emit a function call.
type CallMode string

const (
	// ModeAuto lets the model choose between text and a function call.
	ModeAuto CallMode = "auto"

	// ModeNone forces a plain text reply.
	ModeNone CallMode = "none"
)

// Message represents one chat message.
type Message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	Name         string        `json:"name,omitempty"` // set on function result messages
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// UnmarshalJSON accepts arguments either as a JSON object or as a
// string-encoded object. Providers disagree on which form they emit.
// Malformed arguments decode to an empty map rather than failing the
// whole response.
func (f *FunctionCall) UnmarshalJSON(data []byte) error {
	var wire struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode function call: %w", err)
	}

	f.Name = wire.Name
	f.Arguments = decodeArguments(wire.Arguments)
	return nil
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil && args != nil {
		return args
	}

	// String-encoded object form.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &args); err == nil && args != nil {
			return args
		}
	}

	return map[string]any{}
}

// ChatResponse is the provider-neutral response to one Chat call.
// The message carries either text content or one function call.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	InputTokens  int
	OutputTokens int
}

// SystemMessage is a convenience constructor.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage is a convenience constructor.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// FunctionResult builds the message that feeds a tool result back to
// the model.
func FunctionResult(name, content string) Message {
	return Message{Role: RoleFunction, Name: name, Content: content}
}
