// Package agent runs the tool-using deep agent and adapts its events
// onto the session stream.
package agent

import (
	"context"

	"amicable-orchestrator/types"
)

// ToolDef describes one agent-callable tool.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object for the tool arguments.
	InputSchema map[string]interface{}
	// Run executes the tool and returns its textual result.
	Run func(ctx context.Context, args map[string]interface{}) (string, error)
}

// ModelResponse is one completed model turn.
type ModelResponse struct {
	Text      string
	ToolCalls []types.ToolCall
}

// ChatModel is the opaque LLM interface. Implementations stream text
// deltas through onDelta (which may be called once with the full text)
// and return the completed turn.
type ChatModel interface {
	Generate(ctx context.Context, system string, messages []types.ChatMessage, tools []ToolDef, onDelta func(delta string)) (*ModelResponse, error)
}
