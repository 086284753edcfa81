package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/convograph/convograph-go/graph"
	"github.com/convograph/convograph-go/graph/model"
)

const unavailableAnswer = "I could not find enough reliable information to answer that. " +
	"Try rephrasing the question or narrowing it down."

// synthesizeNode asks the model for a final answer grounded in the document
// set (including any tool output folded in upstream).
func (p *Pipeline) synthesizeNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	out, err := p.services.Model.Chat(ctx, p.buildSynthesisPrompt(state), nil)
	if err != nil {
		return RunState{}, err
	}
	return RunState{Answer: strings.TrimSpace(out.Text)}, nil
}

func (p *Pipeline) buildSynthesisPrompt(state RunState) []model.Message {
	var sb strings.Builder
	sb.WriteString("Answer the user's question using only the sources below. ")
	sb.WriteString("Cite sources by title where relevant. If the sources are insufficient, say so.\n\nSources:\n")
	for i, doc := range state.Documents {
		if i >= 15 {
			break
		}
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, doc.Title, doc.Source, truncate(doc.Body, 500))
	}

	messages := []model.Message{{Role: model.RoleSystem, Content: sb.String()}}
	for _, turn := range state.Messages {
		messages = append(messages, model.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// guardNode is the output gate: an empty synthesis is replaced with a
// degraded-service message, and the final answer is appended to the
// conversation as an assistant turn.
func (p *Pipeline) guardNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	answer := strings.TrimSpace(state.Answer)
	if answer == "" {
		answer = unavailableAnswer
	}

	messages := append([]ChatTurn(nil), state.Messages...)
	messages = append(messages, ChatTurn{Role: model.RoleAssistant, Content: answer})

	return RunState{Answer: answer, Messages: messages}, nil
}
