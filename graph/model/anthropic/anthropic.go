// Package anthropic adapts the official Anthropic Go SDK to the
// model.ChatModel interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/convograph/convograph-go/graph/model"
)

const defaultMaxTokens = 4096

// ChatModel wraps an Anthropic messages model. The underlying client is safe
// for concurrent use.
type ChatModel struct {
	client *anthropic.Client
	model  string

	// MaxTokens caps the response length. Zero uses defaultMaxTokens.
	MaxTokens int64
}

// NewChatModel creates an adapter for the named model, for example
// "claude-sonnet-4-5".
func NewChatModel(apiKey, modelName string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key cannot be empty")
	}
	if modelName == "" {
		return nil, errors.New("anthropic: model cannot be empty")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{client: &client, model: modelName}, nil
}

// Chat implements model.ChatModel. System messages are lifted into the
// request's system field; the Anthropic API does not accept them inline.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
	}

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	for _, t := range tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schemaProperties(t.Schema),
				},
			},
		})
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}

	var out model.ChatOut
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return model.ChatOut{}, errors.New("anthropic: malformed tool input: " + err.Error())
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: block.Name, Input: input})
		}
	}
	return out, nil
}

// schemaProperties unwraps the "properties" member of a JSON Schema object,
// which is what the Anthropic tool input schema expects.
func schemaProperties(schema map[string]interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	if props, ok := schema["properties"]; ok {
		return props
	}
	return schema
}
