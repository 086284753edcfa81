package graph

import (
	"context"

	"github.com/convograph/convograph-go/graph/auth"
)

// END is the terminal sentinel. An edge targeting END finishes the run.
const END = "__end__"

// RunConfig carries per-run parameters into every node.
type RunConfig struct {
	// RunID identifies the conversation's execution and keys its
	// checkpoints.
	RunID string

	// TraceID correlates this run across services. Optional.
	TraceID string

	// Principal is the acting user; checkpoints are owned by it and tool
	// executions are permission-checked against it.
	Principal auth.Principal

	// MaxLoops bounds the retrieval refinement cycle. Nodes read it to
	// force progression once the bound is reached.
	MaxLoops int

	// Resume loads the latest checkpoint for RunID (when readable and
	// owned by Principal) instead of starting from the initial state.
	Resume bool
}

// Node is a single named step in the execution graph.
//
// A node receives the full current state and returns a partial state (a
// delta) that the engine merges via the graph's reducer. A node must either
// return normally, possibly recording a recoverable error inside its delta,
// or return a non-nil error, which the engine treats as a run-aborting fault.
//
// Type parameter S is the state type shared across the graph.
type Node[S any] interface {
	Run(ctx context.Context, state S, cfg RunConfig) (S, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, state S, cfg RunConfig) (S, error)

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S, cfg RunConfig) (S, error) {
	return f(ctx, state, cfg)
}

// Reducer merges a node's partial result into the full state.
//
// The merge rule is shallow overwrite: a top-level field set in the delta
// replaces the corresponding field in the previous state. The engine never
// auto-appends sequences; a node extending one must return the full new
// sequence. Each state type documents its per-field rule on its reducer.
type Reducer[S any] func(prev, delta S) S

// Router computes a routing key from the current state. The engine maps the
// key through the conditional edge's target table.
type Router[S any] func(state S) string

// FaultRecorder lets the engine record a run-aborting node fault into the
// state before surfacing it, so the caller gets the partial state with the
// failure attached. State types implement it on their pointer receiver.
type FaultRecorder interface {
	RecordFault(nodeID string, err error)
}
