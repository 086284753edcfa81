package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/convograph/convograph-go/graph"
	"github.com/convograph/convograph-go/graph/model"
)

// Route keys returned by the evaluate and select_tool routers.
const (
	actionSynthesize = "synthesize"
	actionSelectTool = "select_tool"
	actionWiden      = "widen"
	actionExecute    = "execute_tool"
)

// adequacyJudgment is the structured output of the evaluate node. Adequacy
// and tool necessity are judged in one call but routed on independently.
type adequacyJudgment struct {
	IsAdequate   bool    `json:"isAdequate"`
	Score        float64 `json:"score"`
	Reasoning    string  `json:"reasoning"`
	IsToolNeeded bool    `json:"isToolNeeded"`
	Confidence   float64 `json:"confidence"`
}

// evaluateNode asks the model whether the document set can answer the query
// and whether an external tool is additionally required, then computes the
// next action. The widening loop is forced to progress once the iteration
// count reaches the loop bound, so inadequate retrieval can never stall a
// run.
func (p *Pipeline) evaluateNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	judgment, err := model.InvokeStructured[adequacyJudgment](ctx, p.services.Model, p.buildEvaluatePrompt(state), model.StructuredOptions{})
	if err != nil {
		return RunState{}, err
	}

	delta := RunState{
		RetrievalEvaluation: &RetrievalEvaluation{
			IsAdequate: judgment.IsAdequate,
			Score:      judgment.Score,
			Reasoning:  judgment.Reasoning,
		},
		ToolNecessity: &ToolNecessity{
			IsToolNeeded: judgment.IsToolNeeded,
			Confidence:   judgment.Confidence,
		},
	}

	switch {
	case judgment.IsToolNeeded:
		delta.NextAction = actionSelectTool
	case judgment.IsAdequate:
		delta.NextAction = actionSynthesize
	case state.Metadata.Iteration < p.maxLoops(cfg):
		delta.NextAction = actionWiden
	default:
		delta.NextAction = actionSynthesize
	}
	return delta, nil
}

func (p *Pipeline) buildEvaluatePrompt(state RunState) []model.Message {
	var sb strings.Builder
	sb.WriteString("Judge whether the retrieved documents suffice to answer the question, ")
	sb.WriteString("and separately whether an external tool (live data, calculation) is required.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\nDocuments (%d):\n", state.LastUserMessage(), len(state.Documents))
	for i, doc := range state.Documents {
		if i >= 10 {
			fmt.Fprintf(&sb, "... and %d more\n", len(state.Documents)-i)
			break
		}
		fmt.Fprintf(&sb, "- [%.2f] %s: %s\n", doc.RelevanceScore, doc.Title, truncate(doc.Body, 200))
	}
	sb.WriteString("\nRespond with JSON only: ")
	sb.WriteString(`{"isAdequate": bool, "score": 0.0, "reasoning": "...", "isToolNeeded": bool, "confidence": 0.0}`)

	return []model.Message{{Role: model.RoleUser, Content: sb.String()}}
}

// widenNode increments the iteration counter and loosens the retrieval
// parameters before looping back to source selection.
func (p *Pipeline) widenNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	params := state.Retrieval
	params.MinRelevance *= 0.5
	if params.MinRelevance < 0.05 {
		params.MinRelevance = 0
	}
	params.SynonymExpansion = true
	if params.MaxPerTask > 0 {
		params.MaxPerTask *= 2
	}

	entities := make(map[string]TaskEntity, len(state.TaskEntities))
	for id, entity := range state.TaskEntities {
		entity.WideningAttempts++
		entities[id] = entity
	}

	if p.metrics != nil {
		p.metrics.IncrementLoopIterations(nodeWiden)
	}

	return RunState{
		Retrieval:    params,
		TaskEntities: entities,
		Metadata:     Metadata{Iteration: state.Metadata.Iteration + 1},
	}, nil
}

func (p *Pipeline) maxLoops(cfg graph.RunConfig) int {
	if cfg.MaxLoops > 0 {
		return cfg.MaxLoops
	}
	return p.opts.MaxLoops
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
