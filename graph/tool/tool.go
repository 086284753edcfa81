// Package tool provides a registry of permission-gated tools and a sandbox
// that executes them with intent verification, deadlines, retries, and
// fallbacks.
package tool

import (
	"context"
	"fmt"

	"github.com/convograph/convograph-go/graph/auth"
)

// Func is the execution entry point of a tool. Input has already been
// validated against the tool's input schema. Implementations must respect
// ctx; the sandbox enforces a risk-scaled deadline through it.
type Func func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// Definition declares a tool: what it does, who may call it, how dangerous
// it is, and how to run it.
type Definition struct {
	// Name uniquely identifies the tool within a registry.
	Name string

	// Description explains the tool for catalog listings and LLM prompts.
	Description string

	// InputSchema is a JSON Schema object describing the expected input.
	InputSchema map[string]interface{}

	// OutputSchema optionally describes the output shape.
	OutputSchema map[string]interface{}

	// MinimumRole is the lowest role allowed to invoke the tool.
	MinimumRole auth.Role

	// RequiredPermissions must all be held by the caller (or satisfied by
	// the wildcard permission).
	RequiredPermissions []string

	// RiskLevel ranges 1 (harmless) to 5 (dangerous). It scales the
	// execution deadline down and the intent confidence bar up.
	RiskLevel int

	// RequiresConsent marks tools that need explicit user confirmation
	// before running.
	RequiresConsent bool

	// TriggerPhrases are substrings whose presence in the user's message
	// raises intent confidence. Empty means the tool was selected by an
	// explicit mechanism and intent checking is skipped.
	TriggerPhrases []string

	// Execute runs the tool.
	Execute Func

	// Fallback, when set, runs after Execute has exhausted its retries.
	Fallback Func
}

// Result records one sandboxed execution, successful or not.
type Result struct {
	ToolName        string                 `json:"toolName"`
	Input           map[string]interface{} `json:"input"`
	Output          interface{}            `json:"output,omitempty"`
	Err             string                 `json:"error,omitempty"`
	FallbackUsed    bool                   `json:"fallbackUsed"`
	Attempts        int                    `json:"attempts"`
	ExecutionTimeMs int64                  `json:"executionTimeMs"`
}

// Document is a normalized retrieval record. Tool outputs are folded into
// documents so downstream ranking treats tool results and corpus passages
// uniformly.
type Document struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	Source         string  `json:"source"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// ValidationError reports input that does not satisfy the tool's schema, or
// a definition that is itself malformed.
type ValidationError struct {
	Tool  string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Msg)
	}
	return fmt.Sprintf("tool %s: field %s: %s", e.Tool, e.Field, e.Msg)
}

// ExecutionError reports a tool run that failed after all retries and any
// fallback.
type ExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
