package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/emit"
	"github.com/convograph/convograph-go/graph/store"
)

// Runnable is a compiled graph bound to a checkpoint store.
//
// Execution is strictly sequential per run: one node at a time, each result
// merged into the state via the reducer and checkpointed before the next node
// starts. Many runs may execute concurrently; they share nothing but the
// store, which is partitioned by run ID.
type Runnable[S any] struct {
	reducer     Reducer[S]
	nodes       map[string]Node[S]
	staticEdges map[string]string
	condEdges   map[string]conditionalEdge[S]
	entry       string
	store       store.Store[S]
	opts        Options
}

// StepResult is one post-merge snapshot yielded by Stream.
type StepResult[S any] struct {
	// Step is the checkpoint step number.
	Step int

	// NodeID is the node that just completed.
	NodeID string

	// State is the full state after merging the node's delta.
	State S

	// Err is non-nil only on the final result of an aborted run; State
	// then holds the partial state at the point of failure.
	Err error
}

// TimingRecorder lets the engine record per-node wall time into the state.
// State types implement it on their pointer receiver.
type TimingRecorder interface {
	RecordTiming(nodeID string, elapsed time.Duration)
}

// Invoke executes the run to completion and returns the final state.
//
// On a node fault or checkpoint write failure the run aborts; the returned
// state is the partial state at the failure point (with the fault recorded
// when S implements FaultRecorder) and the error describes the cause.
func (r *Runnable[S]) Invoke(ctx context.Context, cfg RunConfig, initial S) (S, error) {
	return r.run(ctx, cfg, initial, nil)
}

// Stream executes the run like Invoke but yields the state after every step
// for progressive delivery. The channel is closed when the run finishes; an
// aborted run delivers its error on the final StepResult.
func (r *Runnable[S]) Stream(ctx context.Context, cfg RunConfig, initial S) (<-chan StepResult[S], error) {
	if cfg.RunID == "" {
		return nil, &ConfigError{Code: "EMPTY_RUN_ID", Message: "run ID cannot be empty"}
	}

	out := make(chan StepResult[S])
	go func() {
		defer close(out)
		yield := func(sr StepResult[S]) {
			select {
			case out <- sr:
			case <-ctx.Done():
			}
		}
		state, err := r.run(ctx, cfg, initial, yield)
		if err != nil {
			yield(StepResult[S]{State: state, Err: err})
		}
	}()
	return out, nil
}

// run is the shared execution loop behind Invoke and Stream.
func (r *Runnable[S]) run(ctx context.Context, cfg RunConfig, initial S, yield func(StepResult[S])) (S, error) {
	state := initial
	step := 0

	if cfg.RunID == "" {
		return state, &ConfigError{Code: "EMPTY_RUN_ID", Message: "run ID cannot be empty"}
	}

	if cfg.Resume {
		resumed, resumedStep, err := r.loadPrior(ctx, cfg)
		if err != nil {
			return state, err
		}
		if resumedStep > 0 {
			state = resumed
			step = resumedStep
		}
	}

	r.opts.Emitter.Emit(emit.Event{RunID: cfg.RunID, Msg: "run_start", Meta: map[string]interface{}{
		"entry": r.entry,
	}})

	current := r.entry
	for current != END {
		if err := ctx.Err(); err != nil {
			r.finish(cfg, "canceled")
			return state, err
		}

		step++
		if r.opts.MaxSteps > 0 && step > r.opts.MaxSteps {
			r.finish(cfg, "aborted")
			return state, &ConfigError{
				Code:    "MAX_STEPS_EXCEEDED",
				Message: fmt.Sprintf("run exceeded MaxSteps limit of %d", r.opts.MaxSteps),
			}
		}

		node, ok := r.nodes[current]
		if !ok {
			// Compile guarantees this; reachable only through a corrupted Runnable.
			r.finish(cfg, "aborted")
			return state, &ConfigError{Code: "NODE_NOT_FOUND", Message: "unknown node: " + current}
		}

		start := time.Now()
		delta, err := node.Run(ctx, state, cfg)
		if err != nil {
			fault := &NodeError{NodeID: current, Err: err}
			recordFault(&state, current, err)
			r.finish(cfg, "aborted")
			return state, fault
		}

		state = r.reducer(state, delta)
		recordTiming(&state, current, time.Since(start))

		if err := r.store.Put(ctx, cfg.RunID, step, state, cfg.Principal); err != nil {
			if r.opts.Metrics != nil {
				r.opts.Metrics.IncrementCheckpointWrites("error")
			}
			recordFault(&state, current, err)
			r.finish(cfg, "aborted")
			return state, err
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.IncrementCheckpointWrites("success")
		}

		if yield != nil {
			yield(StepResult[S]{Step: step, NodeID: current, State: state})
		}

		next, err := r.route(current, state)
		if err != nil {
			r.finish(cfg, "aborted")
			return state, err
		}
		current = next
	}

	r.finish(cfg, "completed")
	return state, nil
}

// loadPrior resolves the resume state. A missing checkpoint starts fresh; an
// unreadable one is soft-failed (logged, treated as no prior state); an
// ownership violation propagates.
func (r *Runnable[S]) loadPrior(ctx context.Context, cfg RunConfig) (S, int, error) {
	var zero S

	rec, err := r.store.Get(ctx, cfg.RunID, cfg.Principal)
	switch {
	case err == nil:
		return rec.State, rec.Step, nil
	case errors.Is(err, store.ErrNotFound):
		return zero, 0, nil
	default:
		var denied *auth.AccessDeniedError
		if errors.As(err, &denied) {
			return zero, 0, err
		}
		r.opts.Emitter.Emit(emit.Event{
			RunID: cfg.RunID,
			Msg:   "checkpoint_read_failed",
			Meta:  map[string]interface{}{"error": err.Error()},
		})
		return zero, 0, nil
	}
}

func (r *Runnable[S]) route(from string, state S) (string, error) {
	if to, ok := r.staticEdges[from]; ok {
		return to, nil
	}
	ce, ok := r.condEdges[from]
	if !ok {
		return "", &ConfigError{Code: "NO_ROUTE", Message: "no route from node: " + from}
	}

	key := ce.router(state)
	to, ok := ce.targets[key]
	if !ok {
		return "", &ConfigError{
			Code:    "UNKNOWN_ROUTE_KEY",
			Message: fmt.Sprintf("router for node %s returned key %q with no target", from, key),
		}
	}
	return to, nil
}

func (r *Runnable[S]) finish(cfg RunConfig, status string) {
	r.opts.Emitter.Emit(emit.Event{RunID: cfg.RunID, Msg: "run_" + status})
	if r.opts.Metrics != nil {
		r.opts.Metrics.IncrementRuns(status)
	}
}

func recordFault[S any](state *S, nodeID string, err error) {
	if fr, ok := any(state).(FaultRecorder); ok {
		fr.RecordFault(nodeID, err)
	}
}

func recordTiming[S any](state *S, nodeID string, elapsed time.Duration) {
	if tr, ok := any(state).(TimingRecorder); ok {
		tr.RecordTiming(nodeID, elapsed)
	}
}
