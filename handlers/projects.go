package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"regexp"

	"amicable-orchestrator/gitsync"
	"amicable-orchestrator/sessionmgr"
	"amicable-orchestrator/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionBackend is the orchestration surface the API drives per session.
type SessionBackend interface {
	History(ctx context.Context, sessionID string) ([]types.ChatHistoryRow, error)
	PullGit(ctx context.Context, sessionID string) (*gitsync.PullResult, error)
	Teardown(ctx context.Context, sessionID string) error
}

// Environment provisions sandbox environments for sessions.
type Environment interface {
	EnsureSession(ctx context.Context, sessionID string, opts sessionmgr.EnsureOptions) (*types.SessionEnv, error)
}

// API holds the handler dependencies.
type API struct {
	Store    *ProjectStore
	Env      Environment
	Sessions SessionBackend
}

var slugRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// CreateProjectRequest is the POST /projects body.
type CreateProjectRequest struct {
	Slug           string        `json:"slug"`
	TemplateID     string        `json:"template_id"`
	Git            types.GitRepo `json:"git"`
	PermissionMode string        `json:"permission_mode"`
	ThinkingLevel  string        `json:"thinking_level"`
}

// CreateProject handles POST /api/projects: persists the project row and
// provisions its sandbox before answering.
func (a *API) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Slug != "" && !slugRe.MatchString(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slug must be lowercase alphanumeric with hyphens"})
		return
	}
	switch req.PermissionMode {
	case "", types.PermissionModeDefault, types.PermissionModeAcceptEdits, types.PermissionModeBypass:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown permission_mode: " + req.PermissionMode})
		return
	}

	project := types.Project{
		ID:             uuid.NewString(),
		UserSub:        c.GetString("userID"),
		UserEmail:      c.GetString("userEmail"),
		TemplateID:     req.TemplateID,
		Slug:           req.Slug,
		Git:            req.Git,
		PermissionMode: req.PermissionMode,
		ThinkingLevel:  req.ThinkingLevel,
	}
	if project.PermissionMode == "" {
		project.PermissionMode = types.PermissionModeDefault
	}

	if err := a.Store.Create(c.Request.Context(), project); err != nil {
		log.Printf("CreateProject: store insert failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
		return
	}

	env, err := a.Env.EnsureSession(c.Request.Context(), project.ID, sessionmgr.EnsureOptions{
		TemplateID: project.TemplateID,
		Slug:       project.Slug,
	})
	if err != nil {
		log.Printf("CreateProject: sandbox provisioning failed for %s: %v", project.ID, err)
		// The row stays; the client can retry provisioning by reconnecting.
		c.JSON(http.StatusAccepted, gin.H{"project": project, "error": err.Error()})
		return
	}
	project.PreviewURL = env.PreviewURL

	c.JSON(http.StatusCreated, gin.H{"project": project, "sandbox": env})
}

// GetProject handles GET /api/projects/:id.
func (a *API) GetProject(c *gin.Context) {
	project, err := a.Store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		log.Printf("GetProject: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// ListProjects handles GET /api/projects, scoped to the caller.
func (a *API) ListProjects(c *gin.Context) {
	projects, err := a.Store.ListByUser(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		log.Printf("ListProjects: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
		return
	}
	if projects == nil {
		projects = []types.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"items": projects})
}

// DeleteProject handles DELETE /api/projects/:id: tears down the sandbox
// claim, then removes the row.
func (a *API) DeleteProject(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.Store.Get(c.Request.Context(), id); errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	if err := a.Sessions.Teardown(c.Request.Context(), id); err != nil {
		log.Printf("DeleteProject: sandbox teardown failed for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete sandbox"})
		return
	}
	if err := a.Store.Delete(c.Request.Context(), id); err != nil {
		log.Printf("DeleteProject: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete project"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// GetMessages handles GET /api/projects/:id/messages: the user-facing
// chat history projection from the controller state.
func (a *API) GetMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.Store.Get(c.Request.Context(), id); errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	rows, err := a.Sessions.History(c.Request.Context(), id)
	if err != nil {
		log.Printf("GetMessages: history load failed for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if rows == nil {
		rows = []types.ChatHistoryRow{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": rows})
}

// PullGit handles POST /api/projects/:id/git/pull.
func (a *API) PullGit(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.Store.Get(c.Request.Context(), id); errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	result, err := a.Sessions.PullGit(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gitsync.ErrNoBaseline) {
			body := gin.H{"error": gitsync.ErrNoBaseline.Error()}
			var noBaseline *gitsync.NoBaselineError
			if errors.As(err, &noBaseline) {
				body["remote_sha"] = noBaseline.RemoteSHA
			}
			c.JSON(http.StatusConflict, body)
			return
		}
		log.Printf("PullGit: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
