package agent

import (
	"sync"
	"time"

	"amicable-orchestrator/types"
)

// partialDebounce is the minimum gap between AGENT_PARTIAL frames.
const partialDebounce = 200 * time.Millisecond

// Emitter delivers frames to the session stream.
type Emitter func(frame types.Frame)

// StreamAdapter converts agent activity into session frames. Partial
// text is debounced so a chatty model does not flood the socket; the
// final frame always carries the complete accumulated text.
type StreamAdapter struct {
	sessionID string
	emit      Emitter
	now       func() time.Time

	mu       sync.Mutex
	buffer   string
	lastSent time.Time
}

func NewStreamAdapter(sessionID string, emit Emitter) *StreamAdapter {
	return &StreamAdapter{
		sessionID: sessionID,
		emit:      emit,
		now:       time.Now,
	}
}

// OnDelta accumulates streamed text and emits an AGENT_PARTIAL frame at
// most once per debounce window.
func (s *StreamAdapter) OnDelta(delta string) {
	s.mu.Lock()
	s.buffer += delta
	send := s.now().Sub(s.lastSent) >= partialDebounce
	if send {
		s.lastSent = s.now()
	}
	content := s.buffer
	s.mu.Unlock()

	if send {
		s.send(types.FrameAgentPartial, map[string]interface{}{"content": content})
	}
}

// Final emits the AGENT_FINAL frame. If the model returned a final text
// distinct from what streamed, it wins; otherwise the accumulated buffer
// is used. The buffer resets for the next turn.
func (s *StreamAdapter) Final(finalText string) string {
	s.mu.Lock()
	content := s.buffer
	if finalText != "" {
		content = finalText
	}
	s.buffer = ""
	s.lastSent = time.Time{}
	s.mu.Unlock()

	s.send(types.FrameAgentFinal, map[string]interface{}{"content": content})
	return content
}

// Buffer returns the accumulated partial text without resetting it.
// Used when suspending a turn for HITL so the buffered text can be
// restored on resume.
func (s *StreamAdapter) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Restore reinstates buffered text from a suspended turn.
func (s *StreamAdapter) Restore(buffer string) {
	s.mu.Lock()
	s.buffer = buffer
	s.mu.Unlock()
}

// ToolStarted emits a TRACE_EVENT for a tool invocation. Arguments are
// sanitized before leaving the process.
func (s *StreamAdapter) ToolStarted(call types.ToolCall) {
	s.send(types.FrameTraceEvent, map[string]interface{}{
		"event":     "tool_started",
		"tool_name": call.Name,
		"tool_id":   call.ID,
		"args":      types.SafeJSONable(call.Args),
	})
}

// ToolFinished emits a TRACE_EVENT for a tool completion.
func (s *StreamAdapter) ToolFinished(call types.ToolCall, result string, toolErr error) {
	data := map[string]interface{}{
		"event":     "tool_finished",
		"tool_name": call.Name,
		"tool_id":   call.ID,
		"result":    types.SafeJSONable(result),
	}
	if toolErr != nil {
		data["error"] = toolErr.Error()
	}
	s.send(types.FrameTraceEvent, data)
}

// FileUpdated emits an UPDATE_FILE frame when the agent writes a file,
// so clients can refresh editors and previews.
func (s *StreamAdapter) FileUpdated(path string) {
	s.send(types.FrameUpdateFile, map[string]interface{}{"path": path})
}

// Progress emits an UPDATE_IN_PROGRESS frame with a short status label.
func (s *StreamAdapter) Progress(label string) {
	s.send(types.FrameUpdateInProgress, map[string]interface{}{"label": label})
}

// Completed emits an UPDATE_COMPLETED frame closing out a run.
func (s *StreamAdapter) Completed(data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	s.send(types.FrameUpdateCompleted, data)
}

// HITLRequest emits the interrupt payload to the client.
func (s *StreamAdapter) HITLRequest(pending *types.PendingHITL) {
	s.send(types.FrameHITLRequest, map[string]interface{}{
		"interrupt_id":    pending.InterruptID,
		"action_requests": types.SafeJSONable(pending.Request.ActionRequests),
		"review_configs":  pending.Request.ReviewConfigs,
	})
}

// Error emits an ERROR frame with a machine-readable code.
func (s *StreamAdapter) Error(code, message string) {
	s.send(types.FrameError, map[string]interface{}{"code": code, "message": message})
}

func (s *StreamAdapter) send(frameType string, data map[string]interface{}) {
	if s.emit == nil {
		return
	}
	s.emit(types.NewFrame(s.sessionID, frameType, data))
}
