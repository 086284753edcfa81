package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/convograph/convograph-go/graph/tool"
)

func TestReduceOverwriteSemantics(t *testing.T) {
	prev := RunState{
		Messages:  []ChatTurn{{Role: "user", Content: "hi"}},
		Documents: []Document{{ID: "old"}},
		Answer:    "previous",
		Retrieval: RetrievalParams{MinRelevance: 0.4},
		Metadata:  Metadata{Iteration: 1},
	}

	t.Run("set fields replace", func(t *testing.T) {
		out := Reduce(prev, RunState{
			Documents: []Document{{ID: "new-1"}, {ID: "new-2"}},
			Answer:    "updated",
		})
		if len(out.Documents) != 2 || out.Documents[0].ID != "new-1" {
			t.Errorf("documents not replaced: %v", out.Documents)
		}
		if out.Answer != "updated" {
			t.Errorf("answer not replaced: %s", out.Answer)
		}
	})

	t.Run("unset fields survive", func(t *testing.T) {
		out := Reduce(prev, RunState{Answer: "updated"})
		if len(out.Messages) != 1 || len(out.Documents) != 1 {
			t.Errorf("unset fields lost: %+v", out)
		}
		if out.Retrieval.MinRelevance != 0.4 {
			t.Errorf("retrieval params lost: %+v", out.Retrieval)
		}
	})

	t.Run("iteration only increases", func(t *testing.T) {
		out := Reduce(prev, RunState{Metadata: Metadata{Iteration: 3}})
		if out.Metadata.Iteration != 3 {
			t.Errorf("iteration should advance to 3, got %d", out.Metadata.Iteration)
		}
		out = Reduce(out, RunState{Metadata: Metadata{Iteration: 2}})
		if out.Metadata.Iteration != 3 {
			t.Errorf("iteration must never decrease, got %d", out.Metadata.Iteration)
		}
	})

	t.Run("task entities merge per key", func(t *testing.T) {
		base := Reduce(prev, RunState{TaskEntities: map[string]TaskEntity{
			"web:q": {ToolName: "web_search"},
		}})
		out := Reduce(base, RunState{TaskEntities: map[string]TaskEntity{
			"tool": {ToolName: "weather"},
		}})
		if len(out.TaskEntities) != 2 {
			t.Fatalf("expected merged entities, got %v", out.TaskEntities)
		}
		if out.TaskEntities["web:q"].ToolName != "web_search" {
			t.Error("existing entity lost in merge")
		}
	})

	t.Run("errors append", func(t *testing.T) {
		first := Reduce(prev, RunState{Metadata: Metadata{Errors: []RunFault{{Node: "a"}}}})
		second := Reduce(first, RunState{Metadata: Metadata{Errors: []RunFault{{Node: "b"}}}})
		if len(second.Metadata.Errors) != 2 {
			t.Fatalf("expected appended errors, got %v", second.Metadata.Errors)
		}
	})

	t.Run("reduce does not mutate prev", func(t *testing.T) {
		before := len(prev.Documents)
		_ = Reduce(prev, RunState{Documents: []Document{{ID: "x"}}})
		if len(prev.Documents) != before {
			t.Error("prev state mutated by Reduce")
		}
	})
}

func TestRecordFault(t *testing.T) {
	var s RunState
	s.RecordFault("retrieve", errors.New("boom"))

	if len(s.Metadata.Errors) != 1 {
		t.Fatalf("expected one fault, got %v", s.Metadata.Errors)
	}
	fault := s.Metadata.Errors[0]
	if fault.Node != "retrieve" || fault.Message != "boom" {
		t.Errorf("unexpected fault: %+v", fault)
	}
	if fault.Timestamp.IsZero() {
		t.Error("fault timestamp not set")
	}
}

func TestRecordTiming(t *testing.T) {
	var s RunState
	s.RecordTiming("rerank", 12*time.Millisecond)

	if s.Metadata.NodeTimings["rerank"] != 12*time.Millisecond {
		t.Errorf("timing not recorded: %v", s.Metadata.NodeTimings)
	}
	if s.Metadata.CurrentNode != "rerank" {
		t.Errorf("current node not tracked: %s", s.Metadata.CurrentNode)
	}
}

func TestLastUserMessage(t *testing.T) {
	s := RunState{Messages: []ChatTurn{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}}
	if got := s.LastUserMessage(); got != "second" {
		t.Errorf("expected latest user turn, got %q", got)
	}
	if got := (RunState{}).LastUserMessage(); got != "" {
		t.Errorf("expected empty for no messages, got %q", got)
	}
}

func TestRedactedCoversSensitive(t *testing.T) {
	redacted := make(map[string]bool, len(RedactedFields))
	for _, f := range RedactedFields {
		redacted[f] = true
	}
	for _, f := range SensitiveFields {
		if !redacted[f] {
			t.Errorf("sensitive field %q missing from redacted set", f)
		}
	}
}

func TestNormalizedToolDocsMerge(t *testing.T) {
	docs := tool.NormalizeOutput("weather", map[string]interface{}{
		"title": "Forecast",
		"body":  "22C",
	})
	state := Reduce(RunState{}, RunState{Documents: docs})
	if len(state.Documents) != 1 || state.Documents[0].Source != "tool:weather" {
		t.Fatalf("tool documents did not merge: %v", state.Documents)
	}
}
