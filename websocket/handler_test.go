package websocket

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"amicable-orchestrator/types"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	env     *types.SessionEnv
	pending *types.PendingHITL
	initErr error
	userErr error
	hitlErr error

	userTexts []string
	hitlResps []*types.HITLResponse
}

func (f *fakeService) Init(ctx context.Context, project types.Project) (*types.SessionEnv, *types.PendingHITL, error) {
	if f.initErr != nil {
		return nil, nil, f.initErr
	}
	return f.env, f.pending, nil
}

func (f *fakeService) HandleUser(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	f.userTexts = append(f.userTexts, text)
	f.mu.Unlock()
	return f.userErr
}

func (f *fakeService) HandleHITL(ctx context.Context, sessionID string, resp *types.HITLResponse) error {
	f.mu.Lock()
	f.hitlResps = append(f.hitlResps, resp)
	f.mu.Unlock()
	return f.hitlErr
}

func newTestSocket(t *testing.T, svc *fakeService) (*websocket.Conn, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub()
	resolve := func(ctx context.Context, id string) (types.Project, error) {
		if id == "missing" {
			return types.Project{}, fmt.Errorf("project %s not found", id)
		}
		return types.Project{ID: id}, nil
	}
	handler := NewHandler(hub, svc, resolve)

	r := gin.New()
	r.GET("/api/projects/:id/ws", handler.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/projects/sess-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, hub
}

func readFrame(t *testing.T, conn *websocket.Conn) types.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame types.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(types.Frame{Type: frameType, Data: data}))
}

func TestInitAcksWithEnvironment(t *testing.T) {
	svc := &fakeService{env: &types.SessionEnv{
		SandboxID:  "amicable-abc123",
		PreviewURL: "https://amicable-abc123.preview.example.com",
		Exists:     true,
	}}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameInit, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameInit, frame.Type)
	assert.Equal(t, "amicable-abc123", frame.Data["sandbox_id"])
	assert.Equal(t, "https://amicable-abc123.preview.example.com", frame.Data["preview_url"])
	assert.Equal(t, true, frame.Data["exists"])
}

func TestInitReplaysPendingInterrupt(t *testing.T) {
	svc := &fakeService{
		env: &types.SessionEnv{SandboxID: "sb"},
		pending: &types.PendingHITL{
			InterruptID: "int-1",
			Request: types.HITLRequest{
				ActionRequests: []types.ActionRequest{{Name: "execute", Args: map[string]interface{}{"command": "rm -rf build"}}},
				ReviewConfigs:  []types.ReviewConfig{{ActionName: "execute", AllowedDecisions: []string{"approve", "edit", "reject"}}},
			},
		},
	}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameInit, nil)
	require.Equal(t, types.FrameInit, readFrame(t, conn).Type)

	replay := readFrame(t, conn)
	assert.Equal(t, types.FrameHITLRequest, replay.Type)
	assert.Equal(t, "int-1", replay.Data["interrupt_id"])
}

func TestInitFailureSendsError(t *testing.T) {
	svc := &fakeService{initErr: fmt.Errorf("sandbox_not_ready: claim x not ready within 3m0s")}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameInit, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "init_failed", frame.Data["code"])
	assert.Contains(t, frame.Data["message"], "sandbox_not_ready")
}

func TestUserFrameReachesService(t *testing.T) {
	svc := &fakeService{}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameUser, map[string]interface{}{"text": "add a navbar"})

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.userTexts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "add a navbar", svc.userTexts[0])

	// Empty text is rejected before the service sees it.
	writeFrame(t, conn, types.FrameUser, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "empty_message", frame.Data["code"])
}

func TestUserBlockedWhileApprovalPending(t *testing.T) {
	svc := &fakeService{userErr: ErrApprovalPending}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameUser, map[string]interface{}{"text": "keep going"})
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "hitl_approval_pending", frame.Data["code"])
}

func TestUserRejectedWhileRunInProgress(t *testing.T) {
	svc := &fakeService{userErr: ErrRunInProgress}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameUser, map[string]interface{}{"text": "again"})
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "run_in_progress", frame.Data["code"])
}

func TestHITLResponseParsedAndForwarded(t *testing.T) {
	svc := &fakeService{}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameHITLResponse, map[string]interface{}{
		"interrupt_id": "int-7",
		"decisions": []map[string]interface{}{
			{"type": "approve"},
			{"type": "reject", "message": "not that file"},
		},
	})

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.hitlResps) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := svc.hitlResps[0]
	assert.Equal(t, "int-7", resp.InterruptID)
	require.Len(t, resp.Decisions, 2)
	assert.Equal(t, types.DecisionApprove, resp.Decisions[0].Type)
	assert.Equal(t, types.DecisionReject, resp.Decisions[1].Type)
	assert.Equal(t, "not that file", resp.Decisions[1].Message)
}

func TestHITLResponseWithoutInterruptIDRejected(t *testing.T) {
	svc := &fakeService{}
	conn, _ := newTestSocket(t, svc)

	writeFrame(t, conn, types.FrameHITLResponse, map[string]interface{}{
		"decisions": []map[string]interface{}{{"type": "approve"}},
	})
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "bad_frame", frame.Data["code"])
}

func TestPingEchoes(t *testing.T) {
	conn, _ := newTestSocket(t, &fakeService{})

	writeFrame(t, conn, types.FramePing, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, types.FramePing, frame.Type)
	assert.Equal(t, "sess-1", frame.SessionID)
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	conn, _ := newTestSocket(t, &fakeService{})

	writeFrame(t, conn, "TELEPORT", nil)
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "unknown_frame_type", frame.Data["code"])
}

func TestBroadcastReachesSessionConnections(t *testing.T) {
	conn, hub := newTestSocket(t, &fakeService{})

	// A PING round trip guarantees the hub has processed the registration.
	writeFrame(t, conn, types.FramePing, nil)
	require.Equal(t, types.FramePing, readFrame(t, conn).Type)

	hub.Broadcast(types.NewFrame("sess-1", types.FrameAgentPartial, map[string]interface{}{"content": "working"}))
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameAgentPartial, frame.Type)
	assert.Equal(t, "working", frame.Data["content"])

	// Frames for other sessions never arrive here.
	hub.Broadcast(types.NewFrame("sess-other", types.FrameAgentPartial, map[string]interface{}{"content": "elsewhere"}))
	hub.Broadcast(types.NewFrame("sess-1", types.FrameAgentFinal, map[string]interface{}{"content": "done"}))
	frame = readFrame(t, conn)
	assert.Equal(t, types.FrameAgentFinal, frame.Type)
}
