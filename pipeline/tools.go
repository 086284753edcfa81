package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/convograph/convograph-go/graph"
	"github.com/convograph/convograph-go/graph/model"
	"github.com/convograph/convograph-go/graph/tool"
)

// toolChoice is the structured output of the select_tool node.
type toolChoice struct {
	ToolName   string                 `json:"toolName"`
	Arguments  map[string]interface{} `json:"arguments"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning"`
}

// selectToolNode asks the model which registered tool to run and with what
// arguments. The choice is validated against the subset of tools the acting
// principal may use; an unknown or disallowed tool name is a no-op with the
// reasoning recorded, and the run proceeds straight to synthesis.
func (p *Pipeline) selectToolNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	available := p.services.Registry.Subset(cfg.Principal)
	if len(available) == 0 {
		return RunState{NextAction: actionSynthesize}, nil
	}

	choice, err := model.InvokeStructured[toolChoice](ctx, p.services.Model, p.buildToolPrompt(state, available), model.StructuredOptions{})
	if err != nil {
		return RunState{}, err
	}

	def, registered := p.services.Registry.Get(choice.ToolName)
	if !registered {
		return RunState{
			NextAction: actionSynthesize,
			TaskEntities: map[string]TaskEntity{
				"tool": {ToolResults: []tool.Result{{
					ToolName: choice.ToolName,
					Err:      "unknown tool: " + choice.Reasoning,
				}}},
			},
		}, nil
	}
	if err := tool.ValidateInput(def, choice.Arguments); err != nil {
		return RunState{
			NextAction: actionSynthesize,
			TaskEntities: map[string]TaskEntity{
				"tool": {ToolResults: []tool.Result{{
					ToolName: choice.ToolName,
					Input:    choice.Arguments,
					Err:      err.Error(),
				}}},
			},
		}, nil
	}

	return RunState{
		NextAction: actionExecute,
		PendingTool: &tool.Selection{
			ToolName:    def.Name,
			Input:       choice.Arguments,
			UserMessage: state.LastUserMessage(),
		},
	}, nil
}

func (p *Pipeline) buildToolPrompt(state RunState, available []tool.Definition) []model.Message {
	var sb strings.Builder
	sb.WriteString("Select the single best tool for the user's request. Available tools:\n")
	for _, def := range available {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}
	sb.WriteString("\nRespond with JSON only: ")
	sb.WriteString(`{"toolName": "...", "arguments": {}, "confidence": 0.0, "reasoning": "..."}`)

	return []model.Message{
		{Role: model.RoleSystem, Content: sb.String()},
		{Role: model.RoleUser, Content: state.LastUserMessage()},
	}
}

// executeToolNode runs the pending tool through the sandbox, appends the
// result to the task history, and merges normalized output into the
// document set. Sandbox failures surface as degraded results, never as node
// faults.
func (p *Pipeline) executeToolNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	if state.PendingTool == nil {
		return RunState{}, fmt.Errorf("no tool selected")
	}

	result := p.services.Sandbox.Execute(ctx, *state.PendingTool, cfg.Principal)
	p.countToolRun(result)

	entity := state.TaskEntities["tool"]
	entity.ToolName = result.ToolName
	entity.ToolParams = result.Input
	entity.ToolResults = append(entity.ToolResults, result)

	delta := RunState{
		TaskEntities: map[string]TaskEntity{"tool": entity},
	}
	if result.Output != nil {
		docs := append([]Document(nil), state.Documents...)
		docs = append(docs, tool.NormalizeOutput(result.ToolName, result.Output)...)
		delta.Documents = docs
	}
	return delta, nil
}
