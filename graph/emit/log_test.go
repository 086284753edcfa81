package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{RunID: "run-001", Step: 3, NodeID: "rerank", Msg: "node_end",
		Meta: map[string]interface{}{"duration_ms": 12}})

	line := buf.String()
	if !strings.HasPrefix(line, "[node_end] runID=run-001 step=3 nodeID=rerank") {
		t.Errorf("unexpected text line: %q", line)
	}
	if !strings.Contains(line, `"duration_ms":12`) {
		t.Errorf("meta missing from line: %q", line)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{RunID: "run-002", Step: 1, NodeID: "select", Msg: "node_start"})

	var decoded struct {
		RunID  string `json:"runID"`
		Step   int    `json:"step"`
		NodeID string `json:"nodeID"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded.RunID != "run-002" || decoded.Step != 1 || decoded.NodeID != "select" || decoded.Msg != "node_start" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
}

func TestNullEmitterDropsEvents(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{RunID: "x", Msg: "run_start"})
}
