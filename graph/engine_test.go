package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/store"
)

type runState struct {
	Values []string
	Count  int
	Faults []string
}

func runReducer(prev, delta runState) runState {
	if delta.Values != nil {
		prev.Values = delta.Values
	}
	if delta.Count > prev.Count {
		prev.Count = delta.Count
	}
	return prev
}

func (s *runState) RecordFault(nodeID string, err error) {
	s.Faults = append(s.Faults, nodeID+": "+err.Error())
}

// appendValue returns a node that extends Values with its own name.
func appendValue(name string) NodeFunc[runState] {
	return func(ctx context.Context, state runState, cfg RunConfig) (runState, error) {
		return runState{Values: append(append([]string(nil), state.Values...), name)}, nil
	}
}

func testPrincipal() auth.Principal {
	return auth.Principal{UserID: "tester", Role: auth.RoleUser}
}

func TestInvokeLinearRun(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddNodeFunc("b", appendValue("b"))
	g.AddEdge("a", "b")
	g.AddEdge("b", END)
	g.SetEntryPoint("a")

	st := store.NewMemStore[runState](store.Config{})
	runnable, err := g.Compile(st)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	cfg := RunConfig{RunID: "run-1", Principal: testPrincipal()}
	final, err := runnable.Invoke(context.Background(), cfg, runState{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if len(final.Values) != 2 || final.Values[0] != "a" || final.Values[1] != "b" {
		t.Errorf("unexpected values: %v", final.Values)
	}

	rec, err := st.Get(context.Background(), "run-1", cfg.Principal)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Step != 2 {
		t.Errorf("expected final checkpoint at step 2, got %d", rec.Step)
	}
	if len(rec.State.Values) != 2 {
		t.Errorf("checkpoint state not final: %v", rec.State.Values)
	}
}

func TestInvokeConditionalLoop(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("count", func(ctx context.Context, state runState, cfg RunConfig) (runState, error) {
		return runState{Count: state.Count + 1}, nil
	})
	g.AddConditionalEdges("count", func(state runState) string {
		if state.Count >= 3 {
			return "done"
		}
		return "again"
	}, map[string]string{"again": "count", "done": END})
	g.SetEntryPoint("count")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	final, err := runnable.Invoke(context.Background(), RunConfig{RunID: "loop", Principal: testPrincipal()}, runState{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if final.Count != 3 {
		t.Errorf("expected loop to stop at 3, got %d", final.Count)
	}
}

func TestInvokeMaxStepsExceeded(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("spin", func(ctx context.Context, state runState, cfg RunConfig) (runState, error) {
		return runState{}, nil
	})
	g.AddEdge("spin", "spin")
	g.SetEntryPoint("spin")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}), WithMaxSteps(5))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	_, err = runnable.Invoke(context.Background(), RunConfig{RunID: "spin", Principal: testPrincipal()}, runState{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != "MAX_STEPS_EXCEEDED" {
		t.Fatalf("expected MAX_STEPS_EXCEEDED, got %v", err)
	}
}

func TestInvokeNodeFault(t *testing.T) {
	boom := errors.New("downstream unavailable")

	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddNodeFunc("b", func(ctx context.Context, state runState, cfg RunConfig) (runState, error) {
		return runState{}, boom
	})
	g.AddEdge("a", "b")
	g.AddEdge("b", END)
	g.SetEntryPoint("a")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	final, err := runnable.Invoke(context.Background(), RunConfig{RunID: "fault", Principal: testPrincipal()}, runState{})

	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) || nodeErr.NodeID != "b" {
		t.Fatalf("expected NodeError for b, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("node error should wrap the underlying failure")
	}

	// Partial state up to the fault survives, with the fault recorded.
	if len(final.Values) != 1 || final.Values[0] != "a" {
		t.Errorf("expected partial state from node a, got %v", final.Values)
	}
	if len(final.Faults) != 1 {
		t.Fatalf("expected one recorded fault, got %v", final.Faults)
	}
}

func TestInvokeUnknownRouteKey(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddConditionalEdges("a", func(runState) string { return "nowhere" }, map[string]string{"done": END})
	g.SetEntryPoint("a")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	_, err = runnable.Invoke(context.Background(), RunConfig{RunID: "route", Principal: testPrincipal()}, runState{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != "UNKNOWN_ROUTE_KEY" {
		t.Fatalf("expected UNKNOWN_ROUTE_KEY, got %v", err)
	}
}

func TestInvokeResume(t *testing.T) {
	st := store.NewMemStore[runState](store.Config{})
	p := testPrincipal()

	// Prior progress at step 3.
	if err := st.Put(context.Background(), "resume", 3, runState{Values: []string{"prior"}}, p); err != nil {
		t.Fatalf("seed Put failed: %v", err)
	}

	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddEdge("a", END)
	g.SetEntryPoint("a")
	runnable, err := g.Compile(st)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	final, err := runnable.Invoke(context.Background(), RunConfig{RunID: "resume", Principal: p, Resume: true}, runState{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(final.Values) != 2 || final.Values[0] != "prior" {
		t.Errorf("expected resumed state to carry prior values, got %v", final.Values)
	}

	rec, err := st.Get(context.Background(), "resume", p)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Step != 4 {
		t.Errorf("expected checkpoint to advance past seeded step, got %d", rec.Step)
	}
}

func TestInvokeResumeDeniedPropagates(t *testing.T) {
	st := store.NewMemStore[runState](store.Config{})
	owner := auth.Principal{UserID: "owner", Role: auth.RoleUser}
	other := auth.Principal{UserID: "other", Role: auth.RoleUser}

	if err := st.Put(context.Background(), "locked", 1, runState{}, owner); err != nil {
		t.Fatalf("seed Put failed: %v", err)
	}

	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddEdge("a", END)
	g.SetEntryPoint("a")
	runnable, err := g.Compile(st)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	_, err = runnable.Invoke(context.Background(), RunConfig{RunID: "locked", Principal: other, Resume: true}, runState{})
	var denied *auth.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestStreamYieldsEveryStep(t *testing.T) {
	g := NewGraph(runReducer)
	names := []string{"a", "b", "c"}
	for i, name := range names {
		g.AddNodeFunc(name, appendValue(name))
		if i > 0 {
			g.AddEdge(names[i-1], name)
		}
	}
	g.AddEdge("c", END)
	g.SetEntryPoint("a")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	results, err := runnable.Stream(context.Background(), RunConfig{RunID: "stream", Principal: testPrincipal()}, runState{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var steps []StepResult[runState]
	for sr := range results {
		steps = append(steps, sr)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 step results, got %d", len(steps))
	}
	for i, sr := range steps {
		if sr.Err != nil {
			t.Fatalf("step %d carried error: %v", i, sr.Err)
		}
		if sr.NodeID != names[i] {
			t.Errorf("step %d: expected node %s, got %s", i, names[i], sr.NodeID)
		}
		if sr.Step != i+1 {
			t.Errorf("step %d: expected step number %d, got %d", i, i+1, sr.Step)
		}
		if len(sr.State.Values) != i+1 {
			t.Errorf("step %d: state not cumulative: %v", i, sr.State.Values)
		}
	}
}

func TestStreamDeliversFinalError(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("a", func(ctx context.Context, state runState, cfg RunConfig) (runState, error) {
		return runState{}, fmt.Errorf("bad step")
	})
	g.AddEdge("a", END)
	g.SetEntryPoint("a")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	results, err := runnable.Stream(context.Background(), RunConfig{RunID: "stream-err", Principal: testPrincipal()}, runState{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var last StepResult[runState]
	count := 0
	for sr := range results {
		last = sr
		count++
	}
	if count != 1 {
		t.Fatalf("expected only the error result, got %d results", count)
	}
	if last.Err == nil {
		t.Fatal("expected final result to carry the run error")
	}
}

func TestInvokeEmptyRunID(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddEdge("a", END)
	g.SetEntryPoint("a")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if _, err := runnable.Invoke(context.Background(), RunConfig{Principal: testPrincipal()}, runState{}); err == nil {
		t.Fatal("expected error for empty run ID")
	}
}

func TestInvokeCanceledContext(t *testing.T) {
	g := NewGraph(runReducer)
	g.AddNodeFunc("a", appendValue("a"))
	g.AddEdge("a", END)
	g.SetEntryPoint("a")

	runnable, err := g.Compile(store.NewMemStore[runState](store.Config{}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runnable.Invoke(ctx, RunConfig{RunID: "canceled", Principal: testPrincipal()}, runState{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
