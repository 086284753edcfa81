package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/convograph/convograph-go/graph"
	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/model"
	"github.com/convograph/convograph-go/graph/store"
	"github.com/convograph/convograph-go/graph/tool"
)

const (
	selectJSON      = `{"tasks": [{"category": "web", "query": "weather forecast Paris tomorrow"}], "rationale": "live data"}`
	inadequateJSON  = `{"isAdequate": false, "score": 0.2, "reasoning": "not enough", "isToolNeeded": false, "confidence": 0.9}`
	adequateJSON    = `{"isAdequate": true, "score": 0.9, "reasoning": "plenty", "isToolNeeded": false, "confidence": 0.9}`
	needsToolJSON   = `{"isAdequate": false, "score": 0.3, "reasoning": "no forecast", "isToolNeeded": true, "confidence": 0.95}`
	weatherToolJSON = `{"toolName": "weather", "arguments": {"location": "Paris", "date": "2026-08-30"}, "confidence": 0.95, "reasoning": "forecast requested"}`
	unknownToolJSON = `{"toolName": "stock_ticker", "arguments": {}, "confidence": 0.4, "reasoning": "maybe finance"}`
	synthesizedText = "Tomorrow in Paris expect 22C and partly cloudy skies."
)

func webSearchTool() tool.Definition {
	return tool.Definition{
		Name:        "web_search",
		Description: "search the web",
		RiskLevel:   1,
		Execute: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return []tool.Document{
				{ID: "w1", Title: "Paris climate", Body: "Paris weather is mild.", RelevanceScore: 0.9},
			}, nil
		},
	}
}

func weatherTool(execute tool.Func) tool.Definition {
	if execute == nil {
		execute = func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"title": "Forecast for Paris",
				"body":  "Tomorrow: 22C, partly cloudy, 10% rain.",
			}, nil
		}
	}
	return tool.Definition{
		Name:           "weather",
		Description:    "weather forecast by location and date",
		RiskLevel:      2,
		TriggerPhrases: []string{"weather"},
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"location": map[string]interface{}{"type": "string"},
				"date":     map[string]interface{}{"type": "string"},
			},
			"required": []string{"location"},
		},
		Execute: execute,
		Fallback: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return "weather service unavailable, try rephrasing", nil
		},
	}
}

func newTestPipeline(t *testing.T, responses []model.ChatOut, opts Options, extraTools ...tool.Definition) (*graph.Runnable[RunState], *model.MockChatModel, store.Store[RunState]) {
	t.Helper()

	registry := tool.NewRegistry()
	if err := registry.Register(webSearchTool()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, def := range extraTools {
		if err := registry.Register(def); err != nil {
			t.Fatalf("Register %s failed: %v", def.Name, err)
		}
	}

	if opts.Catalog == nil {
		opts.Catalog = []CatalogEntry{
			{Category: "web", ToolName: "web_search", Description: "general web pages", Weight: 0.6},
		}
	}

	mock := &model.MockChatModel{Responses: responses}
	st := store.NewMemStore[RunState](store.Config{})

	runnable, err := New(Services{
		Model:    mock,
		Registry: registry,
		Sandbox:  tool.NewSandbox(registry, nil),
	}, st, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return runnable, mock, st
}

func parisQuery() RunState {
	return RunState{Messages: []ChatTurn{{Role: "user", Content: "what's the weather in Paris tomorrow"}}}
}

func runCfg(runID string) graph.RunConfig {
	return graph.RunConfig{RunID: runID, Principal: auth.Principal{UserID: "alice", Role: auth.RoleUser}}
}

func TestPipelineAdequateRetrievalSynthesizes(t *testing.T) {
	runnable, mock, _ := newTestPipeline(t, []model.ChatOut{
		{Text: selectJSON},
		{Text: adequateJSON},
		{Text: synthesizedText},
	}, Options{MaxLoops: 2})

	final, err := runnable.Invoke(context.Background(), runCfg("adequate"), parisQuery())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if final.Answer != synthesizedText {
		t.Errorf("unexpected answer: %q", final.Answer)
	}
	if mock.CallCount() != 3 {
		t.Errorf("expected select+evaluate+synthesize calls, got %d", mock.CallCount())
	}
	if final.Metadata.Iteration != 0 {
		t.Errorf("no widening expected, iteration=%d", final.Metadata.Iteration)
	}
	if len(final.Documents) == 0 {
		t.Error("expected retrieved documents")
	}
	last := final.Messages[len(final.Messages)-1]
	if last.Role != "assistant" || last.Content != synthesizedText {
		t.Errorf("answer not appended to conversation: %+v", last)
	}
}

func TestPipelineLoopTerminatesAtMaxLoops(t *testing.T) {
	// An evaluator that never reports adequate: exactly MaxLoops widening
	// passes, then synthesis anyway.
	runnable, mock, _ := newTestPipeline(t, []model.ChatOut{
		{Text: selectJSON},
		{Text: inadequateJSON},
		{Text: selectJSON},
		{Text: inadequateJSON},
		{Text: selectJSON},
		{Text: inadequateJSON},
		{Text: synthesizedText},
	}, Options{MaxLoops: 2})

	final, err := runnable.Invoke(context.Background(), runCfg("stubborn"), parisQuery())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if final.Metadata.Iteration != 2 {
		t.Errorf("expected exactly 2 widening passes, got %d", final.Metadata.Iteration)
	}
	if mock.CallCount() != 7 {
		t.Errorf("expected 7 model calls (3 select, 3 evaluate, 1 synthesize), got %d", mock.CallCount())
	}
	if final.Answer == "" {
		t.Error("pipeline must synthesize even with inadequate retrieval")
	}
	if !final.Retrieval.SynonymExpansion {
		t.Error("widening should enable synonym expansion")
	}
	if final.Retrieval.MinRelevance >= 0.4 {
		t.Errorf("widening should lower the relevance floor, got %f", final.Retrieval.MinRelevance)
	}
}

func TestPipelineParisWeatherScenario(t *testing.T) {
	runnable, _, st := newTestPipeline(t, []model.ChatOut{
		{Text: selectJSON},
		{Text: needsToolJSON},
		{Text: weatherToolJSON},
		{Text: synthesizedText},
	}, Options{MaxLoops: 2}, weatherTool(nil))

	final, err := runnable.Invoke(context.Background(), runCfg("paris"), parisQuery())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if final.Answer != synthesizedText {
		t.Errorf("unexpected answer: %q", final.Answer)
	}

	entity, ok := final.TaskEntities["tool"]
	if !ok || len(entity.ToolResults) != 1 {
		t.Fatalf("expected one tool result, got %+v", final.TaskEntities)
	}
	result := entity.ToolResults[0]
	if result.ToolName != "weather" || result.Err != "" {
		t.Errorf("unexpected tool result: %+v", result)
	}
	if result.Input["location"] != "Paris" {
		t.Errorf("tool arguments lost: %v", result.Input)
	}

	found := false
	for _, doc := range final.Documents {
		if doc.Source == "tool:weather" {
			found = true
		}
	}
	if !found {
		t.Error("tool output not merged into documents")
	}

	// The run checkpointed its final state.
	rec, err := st.Get(context.Background(), "paris", runCfg("paris").Principal)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State.Answer != synthesizedText {
		t.Errorf("final checkpoint stale: %q", rec.State.Answer)
	}
}

func TestPipelineToolFallbackKeepsRunAlive(t *testing.T) {
	failing := weatherTool(func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		return nil, errors.New("upstream timeout")
	})

	runnable, _, _ := newTestPipeline(t, []model.ChatOut{
		{Text: selectJSON},
		{Text: needsToolJSON},
		{Text: weatherToolJSON},
		{Text: synthesizedText},
	}, Options{MaxLoops: 2}, failing)

	final, err := runnable.Invoke(context.Background(), runCfg("degraded"), parisQuery())
	if err != nil {
		t.Fatalf("run must complete despite tool failure: %v", err)
	}

	result := final.TaskEntities["tool"].ToolResults[0]
	if !result.FallbackUsed {
		t.Error("expected fallback output")
	}
	if result.Err == "" || !strings.Contains(result.Err, "upstream timeout") {
		t.Errorf("original error must be retained: %q", result.Err)
	}
	if result.Output == nil {
		t.Error("fallback payload missing")
	}
	if final.Answer == "" {
		t.Error("synthesis must still run")
	}
}

func TestPipelineUnknownToolChoiceIsNoop(t *testing.T) {
	runnable, mock, _ := newTestPipeline(t, []model.ChatOut{
		{Text: selectJSON},
		{Text: needsToolJSON},
		{Text: unknownToolJSON},
		{Text: synthesizedText},
	}, Options{MaxLoops: 2}, weatherTool(nil))

	final, err := runnable.Invoke(context.Background(), runCfg("unknown-tool"), parisQuery())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if mock.CallCount() != 4 {
		t.Errorf("expected 4 model calls, got %d", mock.CallCount())
	}
	results := final.TaskEntities["tool"].ToolResults
	if len(results) != 1 || !strings.Contains(results[0].Err, "unknown tool") {
		t.Fatalf("expected recorded no-op for unknown tool, got %+v", results)
	}
	if final.Answer == "" {
		t.Error("run should proceed to synthesis")
	}
}

func TestPipelineGuardFallsBackOnEmptySynthesis(t *testing.T) {
	runnable, _, _ := newTestPipeline(t, []model.ChatOut{
		{Text: selectJSON},
		{Text: adequateJSON},
		{Text: ""},
	}, Options{MaxLoops: 2})

	final, err := runnable.Invoke(context.Background(), runCfg("empty"), parisQuery())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if final.Answer == "" {
		t.Fatal("guard must supply a degraded answer")
	}
	last := final.Messages[len(final.Messages)-1]
	if last.Role != "assistant" || last.Content != final.Answer {
		t.Errorf("guard did not append the final turn: %+v", last)
	}
}

func TestPipelineValidation(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register(webSearchTool())
	services := Services{
		Model:    &model.MockChatModel{},
		Registry: registry,
		Sandbox:  tool.NewSandbox(registry, nil),
	}
	st := store.NewMemStore[RunState](store.Config{})

	t.Run("missing model rejected", func(t *testing.T) {
		bad := services
		bad.Model = nil
		if _, err := New(bad, st, Options{Catalog: []CatalogEntry{{Category: "web", ToolName: "web_search"}}}); err == nil {
			t.Fatal("expected error for missing model")
		}
	})

	t.Run("empty catalog rejected", func(t *testing.T) {
		if _, err := New(services, st, Options{}); err == nil {
			t.Fatal("expected error for empty catalog")
		}
	})

	t.Run("catalog naming unregistered tool rejected", func(t *testing.T) {
		opts := Options{Catalog: []CatalogEntry{{Category: "code", ToolName: "ghost"}}}
		if _, err := New(services, st, opts); err == nil {
			t.Fatal("expected error for unregistered catalog tool")
		}
	})
}
