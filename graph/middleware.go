package graph

import (
	"context"
	"time"

	"github.com/convograph/convograph-go/graph/emit"
)

// Middleware wraps a node at compile time. Middleware composes independently
// of node logic: logging, authorization, caching, rate limiting can all be
// layered without touching the node functions themselves.
type Middleware[S any] func(nodeID string, next Node[S]) Node[S]

// observe is the engine's built-in middleware: it emits node_start and
// node_end events with timing and records step latency. It is applied
// outermost to every node during Compile.
//
// Events deliberately carry no state contents; only the store, which holds
// the redaction configuration, may summarize state.
func observe[S any](nodeID string, next Node[S], emitter emit.Emitter, metrics *Metrics) Node[S] {
	return NodeFunc[S](func(ctx context.Context, state S, cfg RunConfig) (S, error) {
		emitter.Emit(emit.Event{
			RunID:  cfg.RunID,
			NodeID: nodeID,
			Msg:    "node_start",
		})

		start := time.Now()
		delta, err := next.Run(ctx, state, cfg)
		elapsed := time.Since(start)

		meta := map[string]interface{}{"duration_ms": elapsed.Milliseconds()}
		status := "success"
		if err != nil {
			meta["error"] = err.Error()
			status = "error"
		}
		emitter.Emit(emit.Event{
			RunID:  cfg.RunID,
			NodeID: nodeID,
			Msg:    "node_end",
			Meta:   meta,
		})
		if metrics != nil {
			metrics.RecordStepLatency(nodeID, elapsed, status)
		}

		return delta, err
	})
}
