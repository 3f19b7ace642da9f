package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"amicable-orchestrator/checkpoint"
	"amicable-orchestrator/hitl"
	"amicable-orchestrator/types"
)

// maxTurns bounds a single run so a looping model cannot spin forever.
const maxTurns = 50

// toolRetries is the number of attempts per tool call before the error
// is surfaced to the model as a failed tool result. A var so
// ConfigureLimits can apply the environment override.
var toolRetries = 2

// DeepAgent drives the tool-using edit loop for one session.
type DeepAgent struct {
	sessionID string
	model     ChatModel
	tools     map[string]ToolDef
	toolList  []ToolDef
	hitl      *hitl.Middleware
	stream    *StreamAdapter
	ckpt      checkpoint.Checkpointer
	system    string
}

// RunResult is the outcome of Run or Resume.
type RunResult struct {
	// FinalText is the assistant's closing message, empty when interrupted.
	FinalText string
	// Messages is the full conversation after the run.
	Messages []types.ChatMessage
	// Interrupted is true when the run suspended on a HITL approval.
	Interrupted bool
	Pending     *types.PendingHITL
}

// agentState is the serialized deep-agent checkpoint.
type agentState struct {
	Messages         []types.ChatMessage `json:"messages"`
	PendingToolCalls []types.ToolCall    `json:"pending_tool_calls,omitempty"`
	Pending          *types.PendingHITL  `json:"pending_hitl,omitempty"`
}

// NewDeepAgent assembles the agent for a session. system carries the
// assembled project instructions.
func NewDeepAgent(sessionID string, model ChatModel, tools []ToolDef, middleware *hitl.Middleware, stream *StreamAdapter, ckpt checkpoint.Checkpointer, system string) *DeepAgent {
	byName := make(map[string]ToolDef, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	return &DeepAgent{
		sessionID: sessionID,
		model:     model,
		tools:     byName,
		toolList:  tools,
		hitl:      middleware,
		stream:    stream,
		ckpt:      ckpt,
		system:    system,
	}
}

// Run executes the agent loop on the given conversation until the model
// stops calling tools, a HITL interrupt suspends it, or the turn budget
// runs out.
func (a *DeepAgent) Run(ctx context.Context, messages []types.ChatMessage) (*RunResult, error) {
	return a.loop(ctx, messages)
}

// Resume applies the user's HITL decisions to the suspended tool calls
// and continues the loop. The pending interrupt is loaded from the
// checkpoint, so resume works across restarts with a durable store.
func (a *DeepAgent) Resume(ctx context.Context, resp *types.HITLResponse) (*RunResult, error) {
	state, ok, err := a.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || state.Pending == nil {
		return nil, fmt.Errorf("no HITL interrupt pending for session %s", a.sessionID)
	}
	if err := hitl.Validate(resp, state.Pending); err != nil {
		return nil, err
	}

	a.stream.Restore(state.Pending.Buffer)

	dangerousIdx := a.hitl.DangerousIndexes(state.PendingToolCalls)
	kept, rejectedMsgs := hitl.Apply(resp.Decisions, state.PendingToolCalls, dangerousIdx)

	messages := state.Messages
	messages = append(messages, rejectedMsgs...)
	messages = a.runTools(ctx, messages, kept)

	// Interrupt resolved; clear it before the loop continues so a crash
	// here does not replay the same approval.
	state.Pending = nil
	state.PendingToolCalls = nil
	state.Messages = messages
	if err := a.saveState(ctx, state); err != nil {
		return nil, err
	}

	return a.loop(ctx, messages)
}

// PendingInterrupt returns the suspended interrupt for the session, if
// any. Used to re-emit the HITL request when a client reconnects.
func (a *DeepAgent) PendingInterrupt(ctx context.Context) (*types.PendingHITL, error) {
	state, ok, err := a.loadState(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return state.Pending, nil
}

func (a *DeepAgent) loop(ctx context.Context, messages []types.ChatMessage) (*RunResult, error) {
	for turn := 0; turn < maxTurns; turn++ {
		messages = MaybeCompact(messages)

		resp, err := a.model.Generate(ctx, a.system, messages, a.toolList, a.stream.OnDelta)
		if err != nil {
			return nil, fmt.Errorf("model turn failed: %w", err)
		}

		messages = append(messages, types.ChatMessage{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			final := a.stream.Final(resp.Text)
			if err := a.saveState(ctx, &agentState{Messages: messages}); err != nil {
				return nil, err
			}
			return &RunResult{FinalText: final, Messages: messages}, nil
		}

		if pending := a.hitl.Detect(resp.ToolCalls); pending != nil {
			pending.Buffer = a.stream.Buffer()
			state := &agentState{
				Messages:         messages,
				PendingToolCalls: resp.ToolCalls,
				Pending:          pending,
			}
			if err := a.saveState(ctx, state); err != nil {
				return nil, err
			}
			a.stream.HITLRequest(pending)
			return &RunResult{Messages: messages, Interrupted: true, Pending: pending}, nil
		}

		messages = a.runTools(ctx, messages, resp.ToolCalls)

		if err := a.saveState(ctx, &agentState{Messages: messages}); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("agent exceeded %d turns without finishing", maxTurns)
}

// runTools executes the approved tool calls in order and appends their
// results as tool messages. Failures become error results the model can
// react to rather than aborting the run.
func (a *DeepAgent) runTools(ctx context.Context, messages []types.ChatMessage, calls []types.ToolCall) []types.ChatMessage {
	for _, call := range calls {
		a.stream.ToolStarted(call)
		result, err := a.runTool(ctx, call)
		a.stream.ToolFinished(call, result, err)

		msg := types.ChatMessage{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    result,
		}
		if err != nil {
			msg.Content = fmt.Sprintf("Tool %s failed: %v", call.Name, err)
			msg.Status = "error"
		} else if call.Name == "write_file" || call.Name == "edit_file" {
			if path, ok := call.Args["path"].(string); ok {
				a.stream.FileUpdated(path)
			}
		}
		messages = append(messages, msg)
	}
	return messages
}

func (a *DeepAgent) runTool(ctx context.Context, call types.ToolCall) (string, error) {
	tool, ok := a.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	var lastErr error
	for attempt := 0; attempt < toolRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		result, err := tool.Run(ctx, call.Args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("runTool: %s attempt %d/%d failed: %v", call.Name, attempt+1, toolRetries, err)
	}
	return "", lastErr
}

func (a *DeepAgent) saveState(ctx context.Context, state *agentState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	if err := a.ckpt.Put(ctx, a.sessionID, checkpoint.NamespaceDeepAgent, raw); err != nil {
		return fmt.Errorf("checkpoint agent state: %w", err)
	}
	return nil
}

func (a *DeepAgent) loadState(ctx context.Context) (*agentState, bool, error) {
	raw, ok, err := a.ckpt.Get(ctx, a.sessionID, checkpoint.NamespaceDeepAgent)
	if err != nil {
		return nil, false, fmt.Errorf("load agent state: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var state agentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, fmt.Errorf("unmarshal agent state: %w", err)
	}
	return &state, true, nil
}

// Messages returns the checkpointed conversation, or nil when the
// session has no history yet.
func (a *DeepAgent) Messages(ctx context.Context) ([]types.ChatMessage, error) {
	state, ok, err := a.loadState(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return state.Messages, nil
}

// LoadMessages reads the checkpointed conversation for a session without
// constructing an agent. The history endpoint uses it for sessions that
// have not been initialized in this process.
func LoadMessages(ctx context.Context, ckpt checkpoint.Checkpointer, sessionID string) ([]types.ChatMessage, error) {
	raw, ok, err := ckpt.Get(ctx, sessionID, checkpoint.NamespaceDeepAgent)
	if err != nil {
		return nil, fmt.Errorf("load agent state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var state agentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal agent state: %w", err)
	}
	return state.Messages, nil
}
