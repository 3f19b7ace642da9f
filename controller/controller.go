// Package controller drives the per-session state machine: an edit run
// by the deep agent, QA validation, self-heal rounds, and the final git
// sync. Every node transition is checkpointed so an interrupted run
// resumes where it stopped.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"amicable-orchestrator/agent"
	"amicable-orchestrator/checkpoint"
	"amicable-orchestrator/journal"
	"amicable-orchestrator/qa"
	"amicable-orchestrator/types"
)

// Graph nodes. done is the terminal marker.
const (
	nodeEdit        = "deepagents_edit"
	nodeQA          = "qa_validate"
	nodeSelfHeal    = "self_heal_message"
	nodeFailSummary = "qa_fail_summary"
	nodeGitSync     = "git_sync"
	nodeDone        = "done"
)

// recursionLimit caps node transitions per run so a broken route cannot
// loop forever.
const recursionLimit = 150

// Final statuses recorded in the controller state.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusQAFailed    = "qa_failed"
	StatusError       = "error"
)

// EditAgent is the deep-agent surface the controller drives.
type EditAgent interface {
	Run(ctx context.Context, messages []types.ChatMessage) (*agent.RunResult, error)
	Resume(ctx context.Context, resp *types.HITLResponse) (*agent.RunResult, error)
	Messages(ctx context.Context) ([]types.ChatMessage, error)
}

// SyncFunc pushes the sandbox worktree to the session repository. It
// returns whether a commit was pushed and its SHA.
type SyncFunc func(ctx context.Context, commitMessage string) (pushed bool, commitSHA string, err error)

// State is the serialized controller checkpoint.
type State struct {
	Node        string              `json:"node"`
	Messages    []types.ChatMessage `json:"messages"`
	Attempt     int                 `json:"attempt"`
	Steps       int                 `json:"steps"`
	QAPassed    bool                `json:"qa_passed"`
	LastQA      *qa.Result          `json:"last_qa,omitempty"`
	GitPushed   bool                `json:"git_pushed"`
	GitCommit   string              `json:"git_last_commit,omitempty"`
	GitError    string              `json:"git_error,omitempty"`
	FinalStatus string              `json:"final_status,omitempty"`
}

// Controller runs the graph for one session.
type Controller struct {
	sessionID string
	agent     EditAgent
	qaEngine  *qa.Engine
	autoHeal  *qa.AutoHealState
	maxRounds int
	sync      SyncFunc
	stream    *agent.StreamAdapter
	journal   *journal.Journal
	ckpt      checkpoint.Checkpointer
	now       func() time.Time
}

// Options wires a controller.
type Options struct {
	SessionID     string
	Agent         EditAgent
	QAEngine      *qa.Engine
	AutoHeal      *qa.AutoHealState
	MaxHealRounds int
	Sync          SyncFunc
	Stream        *agent.StreamAdapter
	Journal       *journal.Journal
	Checkpointer  checkpoint.Checkpointer
}

// New creates the session controller.
func New(opts Options) *Controller {
	if opts.MaxHealRounds <= 0 {
		opts.MaxHealRounds = 2
	}
	return &Controller{
		sessionID: opts.SessionID,
		agent:     opts.Agent,
		qaEngine:  opts.QAEngine,
		autoHeal:  opts.AutoHeal,
		maxRounds: opts.MaxHealRounds,
		sync:      opts.Sync,
		stream:    opts.Stream,
		journal:   opts.Journal,
		ckpt:      opts.Checkpointer,
		now:       time.Now,
	}
}

// Run processes one user message end to end. It returns the terminal
// state; FinalStatus StatusInterrupted means a HITL approval is pending
// and Resume must be called next.
func (c *Controller) Run(ctx context.Context, userMessage string) (*State, error) {
	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &State{}
	}
	if state.FinalStatus == StatusInterrupted {
		return nil, fmt.Errorf("session %s has a pending HITL interrupt; resolve it first", c.sessionID)
	}

	// History carries over between runs; per-run counters reset.
	messages, err := c.agent.Messages(ctx)
	if err != nil {
		return nil, err
	}
	state.Messages = append(messages, types.ChatMessage{Role: "user", Content: userMessage})
	state.Node = nodeEdit
	state.Attempt = 0
	state.Steps = 0
	state.FinalStatus = ""
	state.GitPushed = false
	state.GitCommit = ""
	state.GitError = ""

	c.journal.Clear(c.sessionID)
	return c.execute(ctx, state)
}

// Resume applies HITL decisions to the suspended agent run and continues
// the graph from QA validation.
func (c *Controller) Resume(ctx context.Context, resp *types.HITLResponse) (*State, error) {
	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil || state.FinalStatus != StatusInterrupted {
		return nil, fmt.Errorf("session %s has no pending HITL interrupt", c.sessionID)
	}

	res, err := c.agent.Resume(ctx, resp)
	if err != nil {
		return nil, err
	}
	if res.Interrupted {
		// The continued run hit another dangerous call.
		state.Messages = res.Messages
		state.FinalStatus = StatusInterrupted
		if err := c.saveState(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}

	state.Messages = res.Messages
	state.Node = nodeQA
	state.FinalStatus = ""
	return c.execute(ctx, state)
}

func (c *Controller) execute(ctx context.Context, state *State) (*State, error) {
	for state.Node != nodeDone {
		state.Steps++
		if state.Steps > recursionLimit {
			state.FinalStatus = StatusError
			state.Node = nodeDone
			c.stream.Error("recursion_limit", fmt.Sprintf("run exceeded %d graph steps", recursionLimit))
			break
		}

		switch state.Node {
		case nodeEdit:
			c.runEdit(ctx, state)
		case nodeQA:
			c.runQA(ctx, state)
		case nodeSelfHeal:
			c.runSelfHeal(state)
		case nodeFailSummary:
			c.runFailSummary(state)
		case nodeGitSync:
			c.runGitSync(ctx, state)
		default:
			return nil, fmt.Errorf("unknown controller node %q", state.Node)
		}

		if err := c.saveState(ctx, state); err != nil {
			return nil, err
		}
		if state.FinalStatus == StatusInterrupted {
			return state, nil
		}
	}

	// Every terminal status closes the run with UPDATE_COMPLETED, error
	// terminations included; any ERROR frame was already emitted above.
	c.stream.Completed(map[string]interface{}{
		"status":     state.FinalStatus,
		"qa_passed":  state.QAPassed,
		"git_pushed": state.GitPushed,
		"commit":     state.GitCommit,
	})
	if err := c.saveState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Controller) runEdit(ctx context.Context, state *State) {
	c.stream.Progress("Editing")
	res, err := c.agent.Run(ctx, state.Messages)
	if err != nil {
		log.Printf("runEdit: session %s agent failed: %v", c.sessionID, err)
		c.stream.Error("agent_failed", err.Error())
		// Preserve whatever the agent already wrote before failing.
		c.safetyNetSync(ctx, state)
		state.FinalStatus = StatusError
		state.Node = nodeDone
		return
	}
	state.Messages = res.Messages
	if res.Interrupted {
		state.FinalStatus = StatusInterrupted
		return
	}
	state.Node = nodeQA
}

func (c *Controller) runQA(ctx context.Context, state *State) {
	c.stream.Progress("Running quality checks")
	result, err := c.qaEngine.Run(ctx)
	if err != nil {
		log.Printf("runQA: session %s qa error: %v", c.sessionID, err)
		c.stream.Error("qa_failed", err.Error())
		state.QAPassed = false
		state.Node = nodeGitSync
		return
	}
	state.LastQA = result
	state.QAPassed = result.Passed

	switch {
	case result.Passed:
		state.Node = nodeGitSync
	case result.Environmental:
		// Not fixable by editing project code; keep the work, tell the
		// user, and sync what we have.
		c.stream.Error("qa_environmental", qa.EnvironmentalMessage(result))
		state.Node = nodeGitSync
	case state.Attempt < c.maxRounds && c.healAllowed(result):
		state.Node = nodeSelfHeal
	default:
		state.Node = nodeFailSummary
	}
}

// healAllowed consults the auto-heal throttle for the failure
// fingerprint. A nil throttle permits every round up to the cap.
func (c *Controller) healAllowed(result *qa.Result) bool {
	if c.autoHeal == nil {
		return true
	}
	fp := healFingerprint(result)
	ok, reason := c.autoHeal.Decide(fp, c.now())
	if !ok {
		log.Printf("healAllowed: session %s self-heal suppressed (%s)", c.sessionID, reason)
		return false
	}
	c.autoHeal.MarkStarted(fp, c.now())
	return true
}

func healFingerprint(result *qa.Result) string {
	failure := result.LastFailure()
	if failure == nil {
		return result.ProjectType
	}
	line := failure.Output
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return fmt.Sprintf("%s|%s|%d|%s", result.ProjectType, failure.Command, failure.ExitCode, line)
}

func (c *Controller) runSelfHeal(state *State) {
	state.Attempt++
	heal := qa.SelfHealMessage(state.LastQA, 0)
	state.Messages = append(state.Messages, types.ChatMessage{Role: "user", Content: heal})
	state.Node = nodeEdit
}

func (c *Controller) runFailSummary(state *State) {
	summary := qa.FailSummaryMessage(state.LastQA, state.Attempt)
	state.Messages = append(state.Messages, types.ChatMessage{Role: "assistant", Content: summary})
	c.stream.Final(summary)
	state.FinalStatus = StatusQAFailed
	state.Node = nodeGitSync
}

func (c *Controller) runGitSync(ctx context.Context, state *State) {
	if c.sync == nil {
		state.Node = nodeDone
		if state.FinalStatus == "" {
			state.FinalStatus = StatusCompleted
		}
		return
	}

	c.stream.Progress("Syncing changes")
	pushed, sha, err := c.sync(ctx, c.commitMessage(state))
	if err != nil {
		log.Printf("runGitSync: session %s push failed: %v", c.sessionID, err)
		state.GitError = err.Error()
		c.stream.Error("git_sync_failed", err.Error())
	} else {
		state.GitPushed = pushed
		state.GitCommit = sha
	}
	if state.FinalStatus == "" {
		state.FinalStatus = StatusCompleted
	}
	state.Node = nodeDone
}

// safetyNetSync preserves sandbox work when the agent dies mid-run. Sync
// errors here are logged and swallowed; the original failure wins.
func (c *Controller) safetyNetSync(ctx context.Context, state *State) {
	if c.sync == nil {
		return
	}
	pushed, sha, err := c.sync(ctx, c.commitMessage(state))
	if err != nil {
		log.Printf("safetyNetSync: session %s push failed: %v", c.sessionID, err)
		state.GitError = err.Error()
		return
	}
	state.GitPushed = pushed
	state.GitCommit = sha
}

// commitMessage builds the commit subject from the latest user request
// and the body from the drained operation journal.
func (c *Controller) commitMessage(state *State) string {
	subject := "Apply session edits"
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == "user" {
			subject = firstLine(state.Messages[i].Content)
			break
		}
	}
	if len(subject) > 72 {
		subject = subject[:72]
	}
	body := journal.Summary(c.journal.Drain(c.sessionID))
	if body == "" {
		return subject
	}
	return subject + "\n\n" + body
}

func (c *Controller) saveState(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal controller state: %w", err)
	}
	if err := c.ckpt.Put(ctx, c.sessionID, checkpoint.NamespaceController, raw); err != nil {
		return fmt.Errorf("checkpoint controller state: %w", err)
	}
	return nil
}

func (c *Controller) loadState(ctx context.Context) (*State, error) {
	raw, ok, err := c.ckpt.Get(ctx, c.sessionID, checkpoint.NamespaceController)
	if err != nil {
		return nil, fmt.Errorf("load controller state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal controller state: %w", err)
	}
	return &state, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
