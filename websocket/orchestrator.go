package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"amicable-orchestrator/agent"
	"amicable-orchestrator/checkpoint"
	"amicable-orchestrator/config"
	"amicable-orchestrator/controller"
	"amicable-orchestrator/gitsync"
	"amicable-orchestrator/hitl"
	"amicable-orchestrator/journal"
	"amicable-orchestrator/qa"
	"amicable-orchestrator/sessionmgr"
	"amicable-orchestrator/types"
)

// Errors surfaced to clients with stable codes.
var (
	// ErrApprovalPending rejects new user messages while a HITL interrupt
	// is open.
	ErrApprovalPending = errors.New("hitl_approval_pending")
	// ErrRunInProgress rejects a second concurrent run on one session.
	ErrRunInProgress = errors.New("run_in_progress")
	// ErrHistoryNotPersistent means a resume was requested after a process
	// restart without a durable checkpointer.
	ErrHistoryNotPersistent = errors.New("chat_history_persistence_required")
)

// historyLimit caps the chat history projection at the most recent rows.
const historyLimit = 100

// Orchestrator assembles and caches the per-session stack (agent,
// controller, QA, git sync) and runs it on behalf of the socket layer.
type Orchestrator struct {
	cfg   *config.Config
	mgr   *sessionmgr.Manager
	ckpt  checkpoint.Checkpointer
	jrnl  *journal.Journal
	hub   *Hub
	model agent.ChatModel

	mu       sync.Mutex
	sessions map[string]*sessionStack
}

type sessionStack struct {
	project types.Project
	agent   *agent.DeepAgent
	ctrl    *controller.Controller
	syncer  *gitsync.Syncer
	pullMu  sync.Mutex // serializes git pulls per session
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(cfg *config.Config, mgr *sessionmgr.Manager, ckpt checkpoint.Checkpointer, jrnl *journal.Journal, hub *Hub, model agent.ChatModel) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		mgr:      mgr,
		ckpt:     ckpt,
		jrnl:     jrnl,
		hub:      hub,
		model:    model,
		sessions: map[string]*sessionStack{},
	}
}

// Init ensures the sandbox, builds the session stack, and reports the
// environment plus any suspended HITL interrupt for re-emission.
func (o *Orchestrator) Init(ctx context.Context, project types.Project) (*types.SessionEnv, *types.PendingHITL, error) {
	env, err := o.mgr.EnsureSession(ctx, project.ID, sessionmgr.EnsureOptions{
		TemplateID: project.TemplateID,
		Slug:       project.Slug,
	})
	if err != nil {
		return nil, nil, err
	}
	stack, err := o.stack(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	pending, err := stack.agent.PendingInterrupt(ctx)
	if err != nil {
		return nil, nil, err
	}
	return env, pending, nil
}

// HandleUser runs the controller for one user message. The session's
// single run slot is held for the duration.
func (o *Orchestrator) HandleUser(ctx context.Context, sessionID, text string) error {
	stack, err := o.existing(sessionID)
	if err != nil {
		return err
	}

	pending, err := stack.agent.PendingInterrupt(ctx)
	if err != nil {
		return err
	}
	if pending != nil {
		return ErrApprovalPending
	}

	release, ok := o.mgr.TryLockRun(sessionID)
	if !ok {
		return ErrRunInProgress
	}
	defer release()

	_, err = stack.ctrl.Run(ctx, text)
	return err
}

// HandleHITL validates and applies the client's decisions, resuming the
// suspended run.
func (o *Orchestrator) HandleHITL(ctx context.Context, sessionID string, resp *types.HITLResponse) error {
	stack, err := o.existing(sessionID)
	if err != nil {
		return err
	}

	pending, err := stack.agent.PendingInterrupt(ctx)
	if err != nil {
		return err
	}
	if pending == nil {
		// Nothing suspended: either a stale response, or the interrupt
		// died with the previous process because state was in memory.
		if !o.ckpt.Persistent() {
			return ErrHistoryNotPersistent
		}
		return fmt.Errorf("no HITL interrupt pending for session %s", sessionID)
	}

	release, ok := o.mgr.TryLockRun(sessionID)
	if !ok {
		return ErrRunInProgress
	}
	defer release()

	_, err = stack.ctrl.Resume(ctx, resp)
	return err
}

// Pending returns the open interrupt for the session, if any.
func (o *Orchestrator) Pending(ctx context.Context, sessionID string) (*types.PendingHITL, error) {
	stack, err := o.existing(sessionID)
	if err != nil {
		return nil, err
	}
	return stack.agent.PendingInterrupt(ctx)
}

// History returns the user-facing conversation projection. Sessions not
// yet initialized in this process read straight from the checkpointer.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]types.ChatHistoryRow, error) {
	var messages []types.ChatMessage
	var err error
	if stack, stackErr := o.existing(sessionID); stackErr == nil {
		messages, err = stack.agent.Messages(ctx)
	} else {
		messages, err = agent.LoadMessages(ctx, o.ckpt, sessionID)
	}
	if err != nil {
		return nil, err
	}
	rows := make([]types.ChatHistoryRow, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			// Synthetic heal prompts stay internal.
			rows = append(rows, types.ChatHistoryRow{Role: "user", Text: m.Content})
		case "assistant":
			if m.Content != "" {
				rows = append(rows, types.ChatHistoryRow{Role: "assistant", Text: m.Content})
			}
		}
	}
	if len(rows) > historyLimit {
		rows = rows[len(rows)-historyLimit:]
	}
	return rows, nil
}

// PullGit brings remote commits into the session sandbox.
func (o *Orchestrator) PullGit(ctx context.Context, sessionID string) (*gitsync.PullResult, error) {
	stack, err := o.existing(sessionID)
	if err != nil {
		return nil, err
	}
	if stack.syncer == nil {
		return nil, fmt.Errorf("git sync is not configured for session %s", sessionID)
	}
	stack.pullMu.Lock()
	defer stack.pullMu.Unlock()
	return stack.syncer.Pull(ctx)
}

// Teardown deletes the sandbox and drops the cached stack.
func (o *Orchestrator) Teardown(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	return o.mgr.DeleteSession(ctx, sessionID)
}

func (o *Orchestrator) existing(sessionID string) (*sessionStack, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stack, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s is not initialized; send INIT first", sessionID)
	}
	return stack, nil
}

// stack returns the cached session stack, building it on first use.
func (o *Orchestrator) stack(ctx context.Context, project types.Project) (*sessionStack, error) {
	o.mu.Lock()
	if s, ok := o.sessions[project.ID]; ok {
		o.mu.Unlock()
		return s, nil
	}
	o.mu.Unlock()

	backend, err := o.mgr.GetBackend(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	instructions, err := agent.LoadInstructions(ctx, backend)
	if err != nil {
		log.Printf("stack: loading instructions for %s failed: %v", project.ID, err)
		instructions = ""
	}

	stream := agent.NewStreamAdapter(project.ID, o.hub.Broadcast)
	tools := agent.BuildTools(backend, o.cfg.ExecMaxOutputChars)
	deep := agent.NewDeepAgent(project.ID, o.model, tools,
		hitl.New(project.PermissionMode), stream, o.ckpt, instructions)

	var syncer *gitsync.Syncer
	var syncFn controller.SyncFunc
	if o.cfg.GitSyncEnabled && project.Git.RepoHTTPURL != "" {
		syncer = gitsync.New(gitsync.Options{
			Backend:  backend,
			Repo:     project.Git,
			Branch:   o.cfg.GitSyncBranch,
			Username: "oauth2",
			Token:    o.cfg.GitLabToken,
			CacheDir: o.cfg.GitSyncCacheDir,
			Excludes: o.cfg.GitSyncExcludes,
		})
		syncFn = syncer.Push
	} else if o.cfg.GitSyncRequired {
		return nil, fmt.Errorf("git sync is required but session %s has no repository", project.ID)
	}

	ctrl := controller.New(controller.Options{
		SessionID: project.ID,
		Agent:     deep,
		QAEngine: qa.NewEngine(backend, qa.Options{
			Enabled:          o.cfg.QAEnabled,
			CommandsOverride: o.cfg.QACommands,
			RunTests:         o.cfg.QARunTests,
			Timeout:          o.cfg.QATimeout,
			MaxOutputChars:   o.cfg.ExecMaxOutputChars,
		}),
		AutoHeal: qa.NewAutoHealState(qa.AutoHealConfig{
			Enabled:                   o.cfg.AutoHealEnabled,
			Cooldown:                  o.cfg.AutoHealCooldown,
			DedupeWindow:              o.cfg.AutoHealDedupeWindow,
			MaxAttemptsPerFingerprint: o.cfg.AutoHealMaxAttempts,
		}),
		MaxHealRounds: o.cfg.SelfHealMaxRounds,
		Sync:          syncFn,
		Stream:        stream,
		Journal:       o.jrnl,
		Checkpointer:  o.ckpt,
	})

	stack := &sessionStack{project: project, agent: deep, ctrl: ctrl, syncer: syncer}
	o.mu.Lock()
	o.sessions[project.ID] = stack
	o.mu.Unlock()
	return stack, nil
}
