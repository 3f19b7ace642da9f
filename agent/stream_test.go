package agent

import (
	"strings"
	"testing"
	"time"

	"amicable-orchestrator/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPartialDebounce(t *testing.T) {
	rec := &frameRecorder{}
	s := NewStreamAdapter("sess-1", rec.emit)

	clock := time.Unix(0, 0)
	s.now = func() time.Time { return clock }

	s.OnDelta("Hello")
	clock = clock.Add(50 * time.Millisecond)
	s.OnDelta(" wor")
	clock = clock.Add(50 * time.Millisecond)
	s.OnDelta("ld")

	// Only the first delta fires; the next two land inside the window.
	partials := rec.byType(types.FrameAgentPartial)
	require.Len(t, partials, 1)
	assert.Equal(t, "Hello", partials[0].Data["content"])

	clock = clock.Add(partialDebounce)
	s.OnDelta("!")
	partials = rec.byType(types.FrameAgentPartial)
	require.Len(t, partials, 2)
	assert.Equal(t, "Hello world!", partials[1].Data["content"])
}

func TestStreamFinalPrefersModelText(t *testing.T) {
	rec := &frameRecorder{}
	s := NewStreamAdapter("sess-1", rec.emit)

	s.OnDelta("partial text")
	got := s.Final("complete answer")
	assert.Equal(t, "complete answer", got)

	finals := rec.byType(types.FrameAgentFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "complete answer", finals[0].Data["content"])
}

func TestStreamFinalFallsBackToBuffer(t *testing.T) {
	rec := &frameRecorder{}
	s := NewStreamAdapter("sess-1", rec.emit)

	s.OnDelta("streamed everything")
	got := s.Final("")
	assert.Equal(t, "streamed everything", got)
	assert.Empty(t, s.Buffer(), "buffer resets after final")
}

func TestStreamBufferRestore(t *testing.T) {
	rec := &frameRecorder{}
	s := NewStreamAdapter("sess-1", rec.emit)

	s.OnDelta("suspended mid-turn")
	saved := s.Buffer()
	assert.Equal(t, "suspended mid-turn", saved)

	s2 := NewStreamAdapter("sess-1", rec.emit)
	s2.Restore(saved)
	assert.Equal(t, "suspended mid-turn", s2.Buffer())
}

func TestTraceEventsSanitizeArgs(t *testing.T) {
	rec := &frameRecorder{}
	s := NewStreamAdapter("sess-1", rec.emit)

	s.ToolStarted(types.ToolCall{
		ID:   "t1",
		Name: "execute",
		Args: map[string]interface{}{
			"command":   "echo hi",
			"api_token": "super-secret-value",
			"blob":      strings.Repeat("QUJD", 200),
		},
	})

	traces := rec.byType(types.FrameTraceEvent)
	require.Len(t, traces, 1)
	args, ok := traces[0].Data["args"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "echo hi", args["command"])
	assert.Equal(t, "[REDACTED]", args["api_token"])
	assert.Equal(t, "[BASE64_REDACTED]", args["blob"])
}
