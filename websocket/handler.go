package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"amicable-orchestrator/types"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionService is the orchestration surface the socket layer drives.
type SessionService interface {
	Init(ctx context.Context, project types.Project) (*types.SessionEnv, *types.PendingHITL, error)
	HandleUser(ctx context.Context, sessionID, text string) error
	HandleHITL(ctx context.Context, sessionID string, resp *types.HITLResponse) error
}

// ProjectResolver looks up the session's project record by id.
type ProjectResolver func(ctx context.Context, sessionID string) (types.Project, error)

// Handler upgrades session sockets and runs their receive loops.
type Handler struct {
	hub     *Hub
	svc     SessionService
	resolve ProjectResolver
}

// NewHandler wires the socket handler.
func NewHandler(hub *Hub, svc SessionService, resolve ProjectResolver) *Handler {
	return &Handler{hub: hub, svc: svc, resolve: resolve}
}

// Serve is the gin handler for GET /api/projects/:id/ws.
func (h *Handler) Serve(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Serve: upgrade failed for session %s: %v", sessionID, err)
		return
	}

	conn := &SessionConnection{
		SessionID: sessionID,
		Conn:      ws,
		UserID:    c.GetString("userID"),
	}
	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	h.receiveLoop(c.Request.Context(), conn)
}

func (h *Handler) receiveLoop(ctx context.Context, conn *SessionConnection) {
	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("receiveLoop: session %s read error: %v", conn.SessionID, err)
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(conn, "bad_frame", "frame is not valid JSON")
			continue
		}

		switch frame.Type {
		case types.FrameInit:
			h.handleInit(ctx, conn)
		case types.FrameUser:
			h.handleUser(conn, frame)
		case types.FrameHITLResponse:
			h.handleHITLResponse(conn, frame)
		case types.FramePing:
			h.hub.SendTo(conn, types.NewFrame(conn.SessionID, types.FramePing, nil))
		default:
			h.sendError(conn, "unknown_frame_type", "unsupported frame type: "+frame.Type)
		}
	}
}

func (h *Handler) handleInit(ctx context.Context, conn *SessionConnection) {
	project, err := h.resolve(ctx, conn.SessionID)
	if err != nil {
		h.sendError(conn, "project_not_found", err.Error())
		return
	}

	env, pending, err := h.svc.Init(ctx, project)
	if err != nil {
		h.sendError(conn, "init_failed", err.Error())
		return
	}

	h.hub.SendTo(conn, types.NewFrame(conn.SessionID, types.FrameInit, map[string]interface{}{
		"sandbox_id":  env.SandboxID,
		"preview_url": env.PreviewURL,
		"exists":      env.Exists,
		"template_id": project.TemplateID,
		"git":         project.Git,
	}))

	// A suspended approval survives reconnects; replay it so the client can
	// render the review UI again.
	if pending != nil {
		h.hub.SendTo(conn, types.NewFrame(conn.SessionID, types.FrameHITLRequest, map[string]interface{}{
			"interrupt_id":    pending.InterruptID,
			"action_requests": pending.Request.ActionRequests,
			"review_configs":  pending.Request.ReviewConfigs,
		}))
	}
}

func (h *Handler) handleUser(conn *SessionConnection, frame types.Frame) {
	text, _ := frame.Data["text"].(string)
	if text == "" {
		h.sendError(conn, "empty_message", "USER frame has no text")
		return
	}

	// The run streams frames through the hub; the receive loop stays free
	// to handle PING and a later HITL_RESPONSE.
	go func() {
		if err := h.svc.HandleUser(context.Background(), conn.SessionID, text); err != nil {
			h.sendRunError(conn, err)
		}
	}()
}

func (h *Handler) handleHITLResponse(conn *SessionConnection, frame types.Frame) {
	payload, err := json.Marshal(frame.Data)
	if err != nil {
		h.sendError(conn, "bad_frame", "HITL_RESPONSE data is not serializable")
		return
	}
	var resp types.HITLResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.InterruptID == "" {
		h.sendError(conn, "bad_frame", "HITL_RESPONSE requires interrupt_id and decisions")
		return
	}

	go func() {
		if err := h.svc.HandleHITL(context.Background(), conn.SessionID, &resp); err != nil {
			h.sendRunError(conn, err)
		}
	}()
}

// sendRunError maps orchestration errors onto stable client codes.
func (h *Handler) sendRunError(conn *SessionConnection, err error) {
	code := "run_failed"
	switch {
	case errors.Is(err, ErrApprovalPending):
		code = "hitl_approval_pending"
	case errors.Is(err, ErrRunInProgress):
		code = "run_in_progress"
	case errors.Is(err, ErrHistoryNotPersistent):
		code = "chat_history_persistence_required"
	}
	h.sendError(conn, code, err.Error())
}

func (h *Handler) sendError(conn *SessionConnection, code, message string) {
	h.hub.SendTo(conn, types.NewFrame(conn.SessionID, types.FrameError, map[string]interface{}{
		"code":    code,
		"message": message,
	}))
}
