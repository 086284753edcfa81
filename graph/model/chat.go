// Package model provides LLM integration adapters.
//
// The ChatModel interface abstracts the differences between providers
// (OpenAI, Anthropic, Google, local mocks) behind a single chat call, and
// InvokeStructured layers schema-validated JSON extraction with retries on
// top of any ChatModel.
package model

import (
	"context"
	"fmt"
)

// ChatModel defines the interface for LLM chat providers.
//
// Implementations handle provider-specific authentication, convert the
// standard Message format to the provider's wire format, parse responses
// back into ChatOut, and respect context cancellation.
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response. The tools
	// slice is optional; pass nil when the model should not call tools.
	//
	// The model may respond with text only, tool calls only, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single message in an LLM conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content is the message text. May be empty for messages that only
	// carry tool calls.
	Content string
}

// Standard role constants, aligned with the conventions used by the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the LLM may call. Schema follows JSON Schema
// and describes the expected input parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is the output of a chat completion. Text may be empty when the
// model only requests tool calls, and vice versa.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a request from the LLM to invoke a named tool with the given
// input. Input structure matches the tool's schema and may be nil for tools
// without parameters.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// ProcessingError reports a model response that could not be used: malformed
// JSON, schema violations, or an empty completion. Callers decide whether to
// retry; the error records how many attempts were already made.
type ProcessingError struct {
	// Stage names the processing step that failed ("completion", "decode",
	// "validate").
	Stage string

	// Attempts is the number of calls made before giving up.
	Attempts int

	// Err is the underlying failure.
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("model %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
