package pipeline

import (
	"fmt"

	"github.com/convograph/convograph-go/graph"
	"github.com/convograph/convograph-go/graph/emit"
	"github.com/convograph/convograph-go/graph/model"
	"github.com/convograph/convograph-go/graph/store"
	"github.com/convograph/convograph-go/graph/tool"
)

// Node names in the compiled graph.
const (
	nodeSelect     = "select"
	nodeRetrieve   = "retrieve"
	nodeRerank     = "rerank"
	nodeEvaluate   = "evaluate"
	nodeWiden      = "widen"
	nodeSelectTool = "select_tool"
	nodeExecTool   = "execute_tool"
	nodeSynthesize = "synthesize"
	nodeGuard      = "guard"
)

// Services are the per-pipeline collaborators, constructed once and passed
// to every node. No globals.
type Services struct {
	Model    model.ChatModel
	Registry *tool.Registry
	Sandbox  *tool.Sandbox
	Emitter  emit.Emitter
}

// CatalogEntry maps a retrieval category to the registered tool that serves
// it. Weight biases reranking toward higher-trust sources.
type CatalogEntry struct {
	Category    string
	ToolName    string
	Description string
	Weight      float64
}

// Options tune pipeline construction.
type Options struct {
	// MaxLoops bounds the widening cycle. RunConfig.MaxLoops overrides it
	// per run. Defaults to 2.
	MaxLoops int

	// Catalog lists the retrieval categories offered to the select node.
	// Every entry's tool must be registered.
	Catalog []CatalogEntry

	// MinRelevance is the initial document relevance floor. Defaults to
	// 0.4; widening halves it.
	MinRelevance float64

	// MaxPerTask caps documents kept per retrieval task. Defaults to 5.
	MaxPerTask int

	// MaxSteps is passed through to the engine as a hard step bound.
	MaxSteps int

	// Metrics, when set, records loop iterations and engine metrics.
	Metrics *graph.Metrics
}

// Pipeline holds the assembled node set. Use New to build and compile one.
type Pipeline struct {
	services      Services
	opts          Options
	catalog       map[string]CatalogEntry
	defaultParams RetrievalParams
	metrics       *graph.Metrics
}

// New assembles the retrieval pipeline and compiles it against the given
// checkpoint store.
//
// Graph shape:
//
//	select -> retrieve -> rerank -> evaluate
//	evaluate -> synthesize | select_tool | widen   (router on NextAction)
//	widen -> select                                 (bounded by MaxLoops)
//	select_tool -> execute_tool | synthesize
//	execute_tool -> synthesize
//	synthesize -> guard -> END
func New(services Services, st store.Store[RunState], opts Options) (*graph.Runnable[RunState], error) {
	if services.Model == nil {
		return nil, fmt.Errorf("pipeline: model is required")
	}
	if services.Registry == nil || services.Sandbox == nil {
		return nil, fmt.Errorf("pipeline: tool registry and sandbox are required")
	}
	if len(opts.Catalog) == 0 {
		return nil, fmt.Errorf("pipeline: catalog cannot be empty")
	}
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = 2
	}
	if opts.MinRelevance <= 0 {
		opts.MinRelevance = 0.4
	}
	if opts.MaxPerTask <= 0 {
		opts.MaxPerTask = 5
	}

	catalog := make(map[string]CatalogEntry, len(opts.Catalog))
	for _, entry := range opts.Catalog {
		if _, ok := services.Registry.Get(entry.ToolName); !ok {
			return nil, fmt.Errorf("pipeline: catalog category %q names unregistered tool %q", entry.Category, entry.ToolName)
		}
		catalog[entry.Category] = entry
	}

	p := &Pipeline{
		services: services,
		opts:     opts,
		catalog:  catalog,
		metrics:  opts.Metrics,
		defaultParams: RetrievalParams{
			MinRelevance: opts.MinRelevance,
			MaxPerTask:   opts.MaxPerTask,
		},
	}

	g := graph.NewGraph[RunState](Reduce)
	nodes := map[string]graph.NodeFunc[RunState]{
		nodeSelect:     p.selectNode,
		nodeRetrieve:   p.retrieveNode,
		nodeRerank:     p.rerankNode,
		nodeEvaluate:   p.evaluateNode,
		nodeWiden:      p.widenNode,
		nodeSelectTool: p.selectToolNode,
		nodeExecTool:   p.executeToolNode,
		nodeSynthesize: p.synthesizeNode,
		nodeGuard:      p.guardNode,
	}
	for name, fn := range nodes {
		if err := g.AddNodeFunc(name, fn); err != nil {
			return nil, err
		}
	}

	if err := g.SetEntryPoint(nodeSelect); err != nil {
		return nil, err
	}
	staticEdges := [][2]string{
		{nodeSelect, nodeRetrieve},
		{nodeRetrieve, nodeRerank},
		{nodeRerank, nodeEvaluate},
		{nodeWiden, nodeSelect},
		{nodeExecTool, nodeSynthesize},
		{nodeSynthesize, nodeGuard},
		{nodeGuard, graph.END},
	}
	for _, edge := range staticEdges {
		if err := g.AddEdge(edge[0], edge[1]); err != nil {
			return nil, err
		}
	}

	routeOnAction := func(state RunState) string { return state.NextAction }
	if err := g.AddConditionalEdges(nodeEvaluate, routeOnAction, map[string]string{
		actionSynthesize: nodeSynthesize,
		actionSelectTool: nodeSelectTool,
		actionWiden:      nodeWiden,
	}); err != nil {
		return nil, err
	}
	if err := g.AddConditionalEdges(nodeSelectTool, routeOnAction, map[string]string{
		actionExecute:    nodeExecTool,
		actionSynthesize: nodeSynthesize,
	}); err != nil {
		return nil, err
	}

	compileOpts := []graph.Option{}
	if services.Emitter != nil {
		compileOpts = append(compileOpts, graph.WithEmitter(services.Emitter))
	}
	if opts.Metrics != nil {
		compileOpts = append(compileOpts, graph.WithMetrics(opts.Metrics))
	}
	if opts.MaxSteps > 0 {
		compileOpts = append(compileOpts, graph.WithMaxSteps(opts.MaxSteps))
	}
	return g.Compile(st, compileOpts...)
}

// countToolRun records the outcome of one sandboxed tool execution.
func (p *Pipeline) countToolRun(result tool.Result) {
	if p.metrics == nil {
		return
	}
	status := "success"
	switch {
	case result.FallbackUsed:
		status = "fallback"
	case result.Err != "":
		status = "error"
	}
	p.metrics.IncrementToolExecutions(result.ToolName, status)
}
