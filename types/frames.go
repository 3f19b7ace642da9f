// Package types defines the wire types shared across the orchestrator.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Frame types exchanged over the session WebSocket. The set is closed:
// the receive loop rejects anything it does not recognize.
const (
	FrameInit             = "INIT"
	FrameUser             = "USER"
	FrameAgentPartial     = "AGENT_PARTIAL"
	FrameAgentFinal       = "AGENT_FINAL"
	FrameUpdateInProgress = "UPDATE_IN_PROGRESS"
	FrameUpdateFile       = "UPDATE_FILE"
	FrameUpdateCompleted  = "UPDATE_COMPLETED"
	FrameTraceEvent       = "TRACE_EVENT"
	FrameHITLRequest      = "HITL_REQUEST"
	FrameHITLResponse     = "HITL_RESPONSE"
	FrameError            = "ERROR"
	FramePing             = "PING"
	// Reserved for the editor surface; accepted but not produced here.
	FrameLoadCode = "LOAD_CODE"
	FrameEditCode = "EDIT_CODE"
)

// Frame is the envelope for every WebSocket message, both directions.
type Frame struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Data        map[string]interface{} `json:"data,omitempty"`
	TimestampMs int64                  `json:"timestamp_ms"`
	SessionID   string                 `json:"session_id,omitempty"`
}

// NewFrame builds an outbound frame with a fresh id and current timestamp.
func NewFrame(sessionID, frameType string, data map[string]interface{}) Frame {
	return Frame{
		ID:          uuid.NewString(),
		Type:        frameType,
		Data:        data,
		TimestampMs: time.Now().UnixMilli(),
		SessionID:   sessionID,
	}
}
