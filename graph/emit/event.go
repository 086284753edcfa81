package emit

// Event is a single observability record produced during run execution.
//
// Events are emitted at node start/end, on checkpoint writes, on tool
// executions and fallbacks, and on decrypt warnings from the secure store.
// Consumers decide what to do with them: log, trace, count, or drop.
type Event struct {
	// RunID identifies the run that produced this event.
	RunID string

	// Step is the checkpoint step number, 1-indexed. Zero for run-level
	// events such as run_start and run_complete.
	Step int

	// NodeID names the node that produced this event, empty for run-level
	// and store-level events.
	NodeID string

	// Msg is the event kind: "node_start", "node_end", "checkpoint_saved",
	// "tool_fallback", "decrypt_warning", and so on.
	Msg string

	// Meta carries structured details. State excerpts placed here must
	// already be redacted by the producer; the emitter does not filter.
	// Common keys: "duration_ms", "error", "iteration", "tool".
	Meta map[string]interface{}
}
