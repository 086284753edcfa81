// Package pipeline implements the retrieval-augmented answer pipeline on top
// of the graph engine: source selection, retrieval, reranking, adequacy
// evaluation with bounded widening, optional tool execution, synthesis, and
// an output guard.
package pipeline

import (
	"time"

	"github.com/convograph/convograph-go/graph/tool"
)

// Document is a retrieved or tool-produced item. Shared with the tool
// package so sandbox output merges into the same collection.
type Document = tool.Document

// ChatTurn is one role-tagged message in the conversation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RetrievalTask pairs a catalog category with a query for one retrieval
// pass.
type RetrievalTask struct {
	Category string `json:"category"`
	Query    string `json:"query"`
}

// TaskEntity is per-task scratch data: the chosen tool, its parameters, and
// the accumulated result history. Results are append-only.
type TaskEntity struct {
	ToolName         string                 `json:"toolName,omitempty"`
	ToolParams       map[string]interface{} `json:"toolParams,omitempty"`
	WideningAttempts int                    `json:"wideningAttempts,omitempty"`
	ToolResults      []tool.Result          `json:"toolResults,omitempty"`
}

// RetrievalEvaluation is the model's judgment of the current document set.
type RetrievalEvaluation struct {
	IsAdequate bool    `json:"isAdequate"`
	Score      float64 `json:"score"`
	Reasoning  string  `json:"reasoning"`
}

// ToolNecessity is the model's judgment of whether an external tool is
// required beyond retrieval.
type ToolNecessity struct {
	IsToolNeeded bool    `json:"isToolNeeded"`
	Confidence   float64 `json:"confidence"`
}

// RetrievalParams are the widening knobs. Each widening pass loosens them so
// a repeat retrieval casts a wider net.
type RetrievalParams struct {
	// MinRelevance filters retrieved documents; widening lowers it.
	MinRelevance float64 `json:"minRelevance"`

	// SynonymExpansion asks retrieval tools to expand query terms.
	SynonymExpansion bool `json:"synonymExpansion"`

	// MaxPerTask caps documents kept per retrieval task; widening raises it.
	MaxPerTask int `json:"maxPerTask"`
}

// RunFault records a node failure observed during the run.
type RunFault struct {
	Node      string    `json:"node"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata carries run-scoped bookkeeping.
type Metadata struct {
	RunID       string                   `json:"runId"`
	TraceID     string                   `json:"traceId,omitempty"`
	Iteration   int                      `json:"iteration"`
	CurrentNode string                   `json:"currentNode,omitempty"`
	NodeTimings map[string]time.Duration `json:"nodeTimings,omitempty"`
	Errors      []RunFault               `json:"errors,omitempty"`
}

// RunState is the mutable payload threaded through a run. Nodes return a
// partial RunState; Reduce folds it into the full state.
//
// Iteration only increases; it gates the widening loop.
type RunState struct {
	Messages            []ChatTurn            `json:"messages,omitempty"`
	RetrievalTasks      []RetrievalTask       `json:"retrievalTasks,omitempty"`
	Documents           []Document            `json:"documents,omitempty"`
	TaskEntities        map[string]TaskEntity `json:"taskEntities,omitempty"`
	RetrievalEvaluation *RetrievalEvaluation  `json:"retrievalEvaluation,omitempty"`
	ToolNecessity       *ToolNecessity        `json:"toolNecessity,omitempty"`
	Retrieval           RetrievalParams       `json:"retrieval"`
	PendingTool         *tool.Selection       `json:"pendingTool,omitempty"`
	NextAction          string                `json:"nextAction,omitempty"`
	Answer              string                `json:"answer,omitempty"`
	Metadata            Metadata              `json:"metadata"`
}

// SensitiveFields names the top-level state fields encrypted at rest. The
// conversation itself and everything derived from retrieved content is
// sealed; bookkeeping stays clear for queryability.
var SensitiveFields = []string{"messages", "documents", "answer", "taskEntities"}

// RedactedFields names the fields replaced with size-preserving markers
// before any state summary reaches a log or event. Deliberately a superset
// of SensitiveFields.
var RedactedFields = []string{
	"messages", "documents", "answer", "taskEntities",
	"retrievalTasks", "pendingTool",
}

// Reduce is the state reducer: a shallow overwrite keyed on which delta
// fields are set. Per field:
//
//   - Messages, RetrievalTasks, Documents: replaced when non-nil. A node
//     extending a sequence returns the full new sequence.
//   - TaskEntities: merged per key; entries in the delta replace entries in
//     the previous state.
//   - RetrievalEvaluation, ToolNecessity, PendingTool: replaced when
//     non-nil.
//   - Retrieval: replaced when the delta carries a non-zero params struct.
//   - NextAction, Answer: replaced when non-empty.
//   - Metadata: Iteration advances monotonically; CurrentNode replaces when
//     set; NodeTimings merge; Errors append.
func Reduce(prev, delta RunState) RunState {
	out := prev

	if delta.Messages != nil {
		out.Messages = delta.Messages
	}
	if delta.RetrievalTasks != nil {
		out.RetrievalTasks = delta.RetrievalTasks
	}
	if delta.Documents != nil {
		out.Documents = delta.Documents
	}
	if delta.TaskEntities != nil {
		if out.TaskEntities == nil {
			out.TaskEntities = make(map[string]TaskEntity, len(delta.TaskEntities))
		} else {
			merged := make(map[string]TaskEntity, len(out.TaskEntities)+len(delta.TaskEntities))
			for k, v := range out.TaskEntities {
				merged[k] = v
			}
			out.TaskEntities = merged
		}
		for k, v := range delta.TaskEntities {
			out.TaskEntities[k] = v
		}
	}
	if delta.RetrievalEvaluation != nil {
		out.RetrievalEvaluation = delta.RetrievalEvaluation
	}
	if delta.ToolNecessity != nil {
		out.ToolNecessity = delta.ToolNecessity
	}
	if delta.PendingTool != nil {
		out.PendingTool = delta.PendingTool
	}
	if delta.Retrieval != (RetrievalParams{}) {
		out.Retrieval = delta.Retrieval
	}
	if delta.NextAction != "" {
		out.NextAction = delta.NextAction
	}
	if delta.Answer != "" {
		out.Answer = delta.Answer
	}

	if delta.Metadata.Iteration > out.Metadata.Iteration {
		out.Metadata.Iteration = delta.Metadata.Iteration
	}
	if delta.Metadata.CurrentNode != "" {
		out.Metadata.CurrentNode = delta.Metadata.CurrentNode
	}
	if delta.Metadata.RunID != "" {
		out.Metadata.RunID = delta.Metadata.RunID
	}
	if delta.Metadata.TraceID != "" {
		out.Metadata.TraceID = delta.Metadata.TraceID
	}
	if len(delta.Metadata.NodeTimings) > 0 {
		merged := make(map[string]time.Duration, len(out.Metadata.NodeTimings)+len(delta.Metadata.NodeTimings))
		for k, v := range out.Metadata.NodeTimings {
			merged[k] = v
		}
		for k, v := range delta.Metadata.NodeTimings {
			merged[k] = v
		}
		out.Metadata.NodeTimings = merged
	}
	if len(delta.Metadata.Errors) > 0 {
		out.Metadata.Errors = append(out.Metadata.Errors, delta.Metadata.Errors...)
	}

	return out
}

// RecordFault implements graph.FaultRecorder.
func (s *RunState) RecordFault(nodeID string, err error) {
	s.Metadata.Errors = append(s.Metadata.Errors, RunFault{
		Node:      nodeID,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// RecordTiming implements graph.TimingRecorder.
func (s *RunState) RecordTiming(nodeID string, elapsed time.Duration) {
	if s.Metadata.NodeTimings == nil {
		s.Metadata.NodeTimings = make(map[string]time.Duration)
	}
	s.Metadata.NodeTimings[nodeID] = elapsed
	s.Metadata.CurrentNode = nodeID
}

// LastUserMessage returns the content of the most recent user turn, or "".
func (s RunState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content
		}
	}
	return ""
}
