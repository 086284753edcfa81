package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/emit"
)

const (
	// baseDeadline is the execution budget for a risk level 0 tool. Each
	// risk level removes riskPenalty from it, so a level 5 tool gets no
	// slack beyond the floor.
	baseDeadline = 5000 * time.Millisecond
	riskPenalty  = 1000 * time.Millisecond
	minDeadline  = 500 * time.Millisecond

	// maxRetries is the number of re-executions after the first failure.
	maxRetries   = 2
	retryBase    = 100 * time.Millisecond
	retryCeiling = 1000 * time.Millisecond

	// Intent confidence thresholds. High-risk tools need a stronger match
	// between the user's message and the tool's trigger phrases.
	intentThresholdDefault  = 0.5
	intentThresholdHighRisk = 0.8
	highRiskLevel           = 4
)

// Selection names a tool to run, the validated-or-not input for it, and the
// user message that motivated the call.
type Selection struct {
	ToolName string

	Input map[string]interface{}

	// UserMessage is the raw user text the selection was derived from.
	// Intent verification matches it against the tool's trigger phrases.
	UserMessage string

	// Confirmed marks that the user explicitly approved this call. Tools
	// with RequiresConsent refuse to run without it.
	Confirmed bool
}

// IntentError reports a tool selection whose supporting user message did not
// match the tool's trigger phrases strongly enough.
type IntentError struct {
	Tool       string
	Confidence float64
	Threshold  float64
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("tool %s: intent confidence %.2f below threshold %.2f", e.Tool, e.Confidence, e.Threshold)
}

// Sandbox executes registered tools under permission checks, intent
// verification, risk-scaled deadlines, bounded retries, and fallbacks.
//
// Every Execute call produces a Result, including failed ones; the sandbox
// never panics a run because a tool misbehaved.
type Sandbox struct {
	registry *Registry
	emitter  emit.Emitter

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSandbox creates a sandbox over the given registry. A nil emitter
// disables event emission.
func NewSandbox(registry *Registry, emitter emit.Emitter) *Sandbox {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Sandbox{
		registry: registry,
		emitter:  emitter,
		sleep:    sleepCtx,
	}
}

// Execute runs the selected tool for the principal and returns the outcome.
//
// The gate order is fixed: existence, role and permissions, consent, intent,
// input validation, then execution. Execution gets a deadline of
// baseDeadline minus RiskLevel×riskPenalty and up to maxRetries
// re-executions with exponential backoff. If all attempts fail and the tool
// declares a fallback, the fallback runs once under a fresh deadline; its
// output is returned with the original error retained on the Result.
func (s *Sandbox) Execute(ctx context.Context, sel Selection, p auth.Principal) Result {
	result := Result{ToolName: sel.ToolName, Input: sel.Input}
	start := time.Now()
	defer func() {
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
	}()

	def, ok := s.registry.Get(sel.ToolName)
	if !ok {
		result.Err = (&ValidationError{Tool: sel.ToolName, Msg: "unknown tool"}).Error()
		return result
	}

	if err := s.authorize(def, sel, p); err != nil {
		result.Err = err.Error()
		return result
	}

	if err := VerifyIntent(def, sel.UserMessage); err != nil {
		result.Err = err.Error()
		return result
	}

	if err := ValidateInput(def, sel.Input); err != nil {
		result.Err = err.Error()
		return result
	}

	s.emitter.Emit(emit.Event{NodeID: def.Name, Msg: "tool_start", Meta: map[string]interface{}{
		"risk_level": def.RiskLevel,
	}})

	output, attempts, execErr := s.executeWithRetry(ctx, def, sel.Input)
	result.Attempts = attempts
	if execErr == nil {
		result.Output = output
		s.emitToolEnd(def.Name, result)
		return result
	}

	// Retries exhausted. The original error stays on the result even when
	// the fallback rescues the call, so callers can see degraded service.
	result.Err = (&ExecutionError{Tool: def.Name, Attempts: attempts, Err: execErr}).Error()

	if def.Fallback != nil {
		fbCtx, cancel := context.WithTimeout(ctx, deadlineFor(def))
		output, fbErr := def.Fallback(fbCtx, sel.Input)
		cancel()
		if fbErr == nil {
			result.Output = output
			result.FallbackUsed = true
		}
	}

	s.emitToolEnd(def.Name, result)
	return result
}

func (s *Sandbox) authorize(def Definition, sel Selection, p auth.Principal) error {
	if p.Role < def.MinimumRole {
		return auth.Denied("tool "+def.Name, "role below minimum", p)
	}
	if !hasAllPermissions(p, def.RequiredPermissions) {
		return auth.Denied("tool "+def.Name, "missing required permission", p)
	}
	if def.RequiresConsent && !sel.Confirmed {
		return auth.Denied("tool "+def.Name, "consent required", p)
	}
	return nil
}

func (s *Sandbox) executeWithRetry(ctx context.Context, def Definition, input map[string]interface{}) (interface{}, int, error) {
	deadline := deadlineFor(def)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, backoffFor(attempt)); err != nil {
				return nil, attempts, err
			}
		}

		attempts++
		execCtx, cancel := context.WithTimeout(ctx, deadline)
		output, err := def.Execute(execCtx, input)
		cancel()
		if err == nil {
			return output, attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The run itself was canceled; retrying cannot help.
			return nil, attempts, ctx.Err()
		}
	}
	return nil, attempts, lastErr
}

func (s *Sandbox) emitToolEnd(name string, result Result) {
	meta := map[string]interface{}{
		"attempts":      result.Attempts,
		"fallback_used": result.FallbackUsed,
		"duration_ms":   result.ExecutionTimeMs,
	}
	if result.Err != "" {
		meta["error"] = result.Err
	}
	s.emitter.Emit(emit.Event{NodeID: name, Msg: "tool_end", Meta: meta})
}

// VerifyIntent checks that the user's message supports invoking the tool.
// Confidence is the fraction of trigger phrases found in the message; tools
// without trigger phrases are trusted at full confidence. High-risk tools
// require a stronger match.
func VerifyIntent(def Definition, userMessage string) error {
	confidence := IntentConfidence(def.TriggerPhrases, userMessage)

	threshold := intentThresholdDefault
	if def.RiskLevel >= highRiskLevel {
		threshold = intentThresholdHighRisk
	}
	if confidence < threshold {
		return &IntentError{Tool: def.Name, Confidence: confidence, Threshold: threshold}
	}
	return nil
}

// IntentConfidence returns the fraction of phrases present in the message
// (case-insensitive). An empty phrase list yields 1.0.
func IntentConfidence(phrases []string, message string) float64 {
	if len(phrases) == 0 {
		return 1.0
	}
	lower := strings.ToLower(message)
	matched := 0
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			matched++
		}
	}
	return float64(matched) / float64(len(phrases))
}

// ValidateInput checks the input map against the definition's JSON Schema:
// required fields must be present and typed fields must match their declared
// primitive type. Nested object schemas are validated one level deep, which
// covers the tool definitions in this module.
func ValidateInput(def Definition, input map[string]interface{}) error {
	schema := def.InputSchema
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := input[field]; !present {
				return &ValidationError{Tool: def.Name, Field: field, Msg: "required field missing"}
			}
		}
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, raw := range required {
			field, _ := raw.(string)
			if _, present := input[field]; field != "" && !present {
				return &ValidationError{Tool: def.Name, Field: field, Msg: "required field missing"}
			}
		}
	}

	props, _ := schema["properties"].(map[string]interface{})
	for field, value := range input {
		prop, ok := props[field].(map[string]interface{})
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" {
			continue
		}
		if !matchesType(value, declared) {
			return &ValidationError{
				Tool:  def.Name,
				Field: field,
				Msg:   fmt.Sprintf("expected %s, got %T", declared, value),
			}
		}
	}
	return nil
}

func matchesType(value interface{}, declared string) bool {
	if value == nil {
		return true
	}
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

// deadlineFor scales the execution budget down with risk.
func deadlineFor(def Definition) time.Duration {
	d := baseDeadline - time.Duration(def.RiskLevel)*riskPenalty
	if d < minDeadline {
		d = minDeadline
	}
	return d
}

// backoffFor returns the delay before retry attempt n (1-based), doubling
// from retryBase and capped at retryCeiling.
func backoffFor(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCeiling {
		d = retryCeiling
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
