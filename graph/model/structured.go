package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// StructuredOptions tunes InvokeStructured. The zero value uses the
// defaults below.
type StructuredOptions struct {
	// MaxAttempts caps the number of completion calls. Defaults to 3.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff between attempts. Defaults
	// to 200ms, doubling each retry and capped at 2s.
	BaseDelay time.Duration

	// Validate, when set, runs against the decoded value; a non-nil error
	// discards the completion and retries.
	Validate func(v interface{}) error
}

const (
	defaultStructuredAttempts = 3
	defaultStructuredDelay    = 200 * time.Millisecond
	maxStructuredDelay        = 2 * time.Second
)

// InvokeStructured calls the model and decodes its text response into T.
//
// Models frequently wrap JSON in markdown fences or prepend prose; the
// decoder strips fences and locates the outermost JSON object before
// unmarshaling. Malformed or invalid completions are retried with backoff
// up to opts.MaxAttempts; the final failure is returned as a
// *ProcessingError.
func InvokeStructured[T any](ctx context.Context, m ChatModel, messages []Message, opts StructuredOptions) (T, error) {
	var zero T

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultStructuredAttempts
	}
	delay := opts.BaseDelay
	if delay <= 0 {
		delay = defaultStructuredDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxStructuredDelay {
				delay = maxStructuredDelay
			}
		}

		out, err := m.Chat(ctx, messages, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return zero, err
			}
			lastErr = err
			continue
		}

		raw := extractJSON(out.Text)
		if raw == "" {
			lastErr = errors.New("completion contains no JSON")
			continue
		}

		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			lastErr = err
			continue
		}
		if opts.Validate != nil {
			if err := opts.Validate(&v); err != nil {
				lastErr = err
				continue
			}
		}
		return v, nil
	}

	return zero, &ProcessingError{Stage: "decode", Attempts: attempts, Err: lastErr}
}

// extractJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object or array in s, or "" when none is present.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	// Trim any prose around the payload: take from the first opening
	// bracket to the last matching closer.
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
