package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"amicable-orchestrator/types"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicModel is the production ChatModel backed by the Anthropic API.
type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicModel builds a model client for the given model id.
func NewAnthropicModel(apiKey, model string) *AnthropicModel {
	return &AnthropicModel{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 8192,
	}
}

// Generate performs one model turn. The full text is delivered through a
// single onDelta call; the stream adapter handles pacing downstream.
func (m *AnthropicModel) Generate(ctx context.Context, system string, messages []types.ChatMessage, tools []ToolDef, onDelta func(string)) (*ModelResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages:  toAnthropicMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, toAnthropicTool(t))
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	resp := &ModelResponse{}
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, fmt.Errorf("tool input for %s is not valid JSON: %w", b.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			})
		}
	}
	if resp.Text != "" && onDelta != nil {
		onDelta(resp.Text)
	}
	return resp, nil
}

func toAnthropicTool(t ToolDef) anthropic.ToolUnionParam {
	properties := t.InputSchema["properties"]
	tool := anthropic.ToolParam{
		Name:        t.Name,
		Description: anthropic.String(t.Description),
		InputSchema: anthropic.ToolInputSchemaParam{Properties: properties},
	}
	return anthropic.ToolUnionParam{OfTool: &tool}
}

// toAnthropicMessages converts the controller conversation into API
// params. Tool results ride as user messages with tool_result blocks,
// assistant turns carry their tool_use blocks.
func toAnthropicMessages(messages []types.ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toJSONValue(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			isError := msg.Status == "error"
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError)))
		}
	}
	return out
}

func toJSONValue(args map[string]interface{}) interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
