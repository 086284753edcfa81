package graph

import (
	"github.com/convograph/convograph-go/graph/emit"
	"github.com/convograph/convograph-go/graph/store"
)

// Graph builds an execution graph: named nodes joined by static or
// conditional edges. Compile validates the topology and produces a Runnable.
//
// Example:
//
//	g := graph.NewGraph(pipeline.Reduce)
//	g.AddNode("select", selectNode)
//	g.AddNode("retrieve", retrieveNode)
//	g.AddEdge("select", "retrieve")
//	g.AddConditionalEdges("retrieve", router, map[string]string{
//	    "again": "select",
//	    "done":  graph.END,
//	})
//	g.SetEntryPoint("select")
//	runnable, err := g.Compile(checkpointStore)
type Graph[S any] struct {
	reducer     Reducer[S]
	nodes       map[string]Node[S]
	staticEdges map[string]string
	condEdges   map[string]conditionalEdge[S]
	entry       string
	middlewares []Middleware[S]
}

type conditionalEdge[S any] struct {
	router  Router[S]
	targets map[string]string
}

// NewGraph creates an empty graph using the given reducer to merge node
// deltas into the run state.
func NewGraph[S any](reducer Reducer[S]) *Graph[S] {
	return &Graph[S]{
		reducer:     reducer,
		nodes:       make(map[string]Node[S]),
		staticEdges: make(map[string]string),
		condEdges:   make(map[string]conditionalEdge[S]),
	}
}

// AddNode registers a named step. Names must be unique and non-empty; END is
// reserved.
func (g *Graph[S]) AddNode(name string, node Node[S]) error {
	if name == "" {
		return &ConfigError{Code: "EMPTY_NODE_NAME", Message: "node name cannot be empty"}
	}
	if name == END {
		return &ConfigError{Code: "RESERVED_NODE_NAME", Message: "node name " + END + " is reserved"}
	}
	if node == nil {
		return &ConfigError{Code: "NIL_NODE", Message: "node cannot be nil: " + name}
	}
	if _, exists := g.nodes[name]; exists {
		return &ConfigError{Code: "DUPLICATE_NODE", Message: "duplicate node name: " + name}
	}
	g.nodes[name] = node
	return nil
}

// AddNodeFunc registers a plain function as a node.
func (g *Graph[S]) AddNodeFunc(name string, fn NodeFunc[S]) error {
	return g.AddNode(name, fn)
}

// AddEdge declares the unconditional transition from one node to another
// (or to END). A node carries at most one outgoing route.
func (g *Graph[S]) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return &ConfigError{Code: "EMPTY_EDGE_ENDPOINT", Message: "edge endpoints cannot be empty"}
	}
	if _, exists := g.staticEdges[from]; exists {
		return &ConfigError{Code: "DUPLICATE_EDGE", Message: "node already has an outgoing edge: " + from}
	}
	if _, exists := g.condEdges[from]; exists {
		return &ConfigError{Code: "DUPLICATE_EDGE", Message: "node already has conditional edges: " + from}
	}
	g.staticEdges[from] = to
	return nil
}

// AddConditionalEdges declares a computed transition: router(state) produces
// a key, and execution continues at targets[key]. A router returning a key
// absent from targets is a configuration fault that aborts the run.
func (g *Graph[S]) AddConditionalEdges(from string, router Router[S], targets map[string]string) error {
	if from == "" {
		return &ConfigError{Code: "EMPTY_EDGE_ENDPOINT", Message: "edge source cannot be empty"}
	}
	if router == nil {
		return &ConfigError{Code: "NIL_ROUTER", Message: "router cannot be nil for node: " + from}
	}
	if len(targets) == 0 {
		return &ConfigError{Code: "EMPTY_TARGETS", Message: "conditional edges need at least one target: " + from}
	}
	if _, exists := g.staticEdges[from]; exists {
		return &ConfigError{Code: "DUPLICATE_EDGE", Message: "node already has an outgoing edge: " + from}
	}
	if _, exists := g.condEdges[from]; exists {
		return &ConfigError{Code: "DUPLICATE_EDGE", Message: "node already has conditional edges: " + from}
	}

	copied := make(map[string]string, len(targets))
	for key, to := range targets {
		copied[key] = to
	}
	g.condEdges[from] = conditionalEdge[S]{router: router, targets: copied}
	return nil
}

// SetEntryPoint names the node executed first.
func (g *Graph[S]) SetEntryPoint(name string) error {
	if name == "" {
		return &ConfigError{Code: "EMPTY_NODE_NAME", Message: "entry point cannot be empty"}
	}
	g.entry = name
	return nil
}

// Use appends middleware applied to every node at compile time, innermost
// first. The engine's own observability wrapper is always outermost.
func (g *Graph[S]) Use(mw Middleware[S]) {
	g.middlewares = append(g.middlewares, mw)
}

// Compile validates the topology and binds the graph to a checkpoint store.
//
// Validation requires: an entry point that exists, every edge endpoint
// registered (END allowed as a target), every conditional target registered,
// and every node carrying exactly one outgoing route so execution can never
// strand.
func (g *Graph[S]) Compile(st store.Store[S], options ...Option) (*Runnable[S], error) {
	if g.reducer == nil {
		return nil, &ConfigError{Code: "MISSING_REDUCER", Message: "reducer is required"}
	}
	if st == nil {
		return nil, &ConfigError{Code: "MISSING_STORE", Message: "checkpoint store is required"}
	}
	if g.entry == "" {
		return nil, &ConfigError{Code: "NO_ENTRY_POINT", Message: "entry point not set"}
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, &ConfigError{Code: "NODE_NOT_FOUND", Message: "entry point does not exist: " + g.entry}
	}

	for from, to := range g.staticEdges {
		if _, ok := g.nodes[from]; !ok {
			return nil, &ConfigError{Code: "NODE_NOT_FOUND", Message: "edge from unknown node: " + from}
		}
		if to != END {
			if _, ok := g.nodes[to]; !ok {
				return nil, &ConfigError{Code: "NODE_NOT_FOUND", Message: "edge to unknown node: " + to}
			}
		}
	}
	for from, ce := range g.condEdges {
		if _, ok := g.nodes[from]; !ok {
			return nil, &ConfigError{Code: "NODE_NOT_FOUND", Message: "conditional edges from unknown node: " + from}
		}
		for key, to := range ce.targets {
			if to != END {
				if _, ok := g.nodes[to]; !ok {
					return nil, &ConfigError{
						Code:    "NODE_NOT_FOUND",
						Message: "conditional target " + key + " points to unknown node: " + to,
					}
				}
			}
		}
	}
	for name := range g.nodes {
		_, hasStatic := g.staticEdges[name]
		_, hasCond := g.condEdges[name]
		if !hasStatic && !hasCond {
			return nil, &ConfigError{Code: "NO_ROUTE", Message: "node has no outgoing route: " + name}
		}
	}

	opts := Options{Emitter: emit.NewNullEmitter()}
	for _, opt := range options {
		opt(&opts)
	}

	// Wrap nodes: user middleware innermost-first, observability outermost.
	wrapped := make(map[string]Node[S], len(g.nodes))
	for name, node := range g.nodes {
		n := node
		for _, mw := range g.middlewares {
			n = mw(name, n)
		}
		wrapped[name] = observe(name, n, opts.Emitter, opts.Metrics)
	}

	return &Runnable[S]{
		reducer:     g.reducer,
		nodes:       wrapped,
		staticEdges: g.staticEdges,
		condEdges:   g.condEdges,
		entry:       g.entry,
		store:       st,
		opts:        opts,
	}, nil
}

// Options configures a compiled Runnable. Zero values are valid.
type Options struct {
	// MaxSteps is a hard global bound on steps per run, a last line of
	// defense against misconfigured loops. 0 disables the bound.
	MaxSteps int

	// Emitter receives execution events. Defaults to the null emitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics when non-nil.
	Metrics *Metrics
}

// Option mutates Options during Compile.
type Option func(*Options)

// WithMaxSteps bounds total steps per run.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) {
		if e != nil {
			o.Emitter = e
		}
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}
