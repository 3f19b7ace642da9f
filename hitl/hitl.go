// Package hitl implements the human-in-the-loop approval protocol:
// detecting dangerous tool calls after a model turn, building the
// interrupt payload, validating client decisions, and applying them to
// the suspended tool calls.
package hitl

import (
	"fmt"
	"regexp"
	"strings"

	"amicable-orchestrator/types"

	"github.com/google/uuid"
)

// Dangerous-delete heuristics for execute commands. A deletion verb must
// follow a shell boundary so substrings inside words do not match.
var dangerousExecPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[;&|()\s])(rm|unlink|rmdir|shred)(\s|$)`),
	regexp.MustCompile(`(?i)(^|[;&|()\s])git\s+clean(\s|$)`),
	regexp.MustCompile(`(?i)(^|[;&|()\s])find\s+.*-delete(\s|$)`),
}

// Destructive database tools gated by name.
var dangerousDBTools = map[string]bool{
	"db_drop_table":     true,
	"db_truncate_table": true,
}

var allowedDecisions = []string{types.DecisionApprove, types.DecisionEdit, types.DecisionReject}

// Middleware scans assistant tool calls on the after-model hook.
type Middleware struct {
	bypass bool
}

// New creates the middleware. permissionMode accept_edits or bypass
// disables interception for the session.
func New(permissionMode string) *Middleware {
	bypass := permissionMode == types.PermissionModeAcceptEdits ||
		permissionMode == types.PermissionModeBypass
	return &Middleware{bypass: bypass}
}

// IsDangerousCommand reports whether an execute command matches the
// destructive-delete heuristics.
func IsDangerousCommand(command string) bool {
	for _, re := range dangerousExecPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Detect returns an interrupt payload covering every dangerous call in
// the turn, or nil when nothing needs approval. All matches go into a
// single request so the user decides the whole batch at once.
func (m *Middleware) Detect(toolCalls []types.ToolCall) *types.PendingHITL {
	if m.bypass || len(toolCalls) == 0 {
		return nil
	}

	var req types.HITLRequest
	for _, tc := range toolCalls {
		dangerous := false
		description := ""
		switch {
		case tc.Name == "execute":
			cmd, _ := tc.Args["command"].(string)
			if IsDangerousCommand(cmd) {
				dangerous = true
				description = fmt.Sprintf("Run shell command: %s", firstLine(cmd))
			}
		case dangerousDBTools[tc.Name]:
			dangerous = true
			table, _ := tc.Args["table"].(string)
			description = fmt.Sprintf("%s on table %q", strings.ReplaceAll(tc.Name, "_", " "), table)
		}
		if !dangerous {
			continue
		}
		req.ActionRequests = append(req.ActionRequests, types.ActionRequest{
			Name:        tc.Name,
			Args:        tc.Args,
			Description: description,
		})
		req.ReviewConfigs = append(req.ReviewConfigs, types.ReviewConfig{
			ActionName:       tc.Name,
			AllowedDecisions: allowedDecisions,
		})
	}
	if len(req.ActionRequests) == 0 {
		return nil
	}
	return &types.PendingHITL{
		InterruptID: uuid.NewString(),
		Request:     req,
	}
}

// Validate checks a client response against the pending interrupt:
// matching interrupt id, one decision per action request in order, and
// known decision types with required fields.
func Validate(resp *types.HITLResponse, pending *types.PendingHITL) error {
	if pending == nil {
		return fmt.Errorf("no HITL interrupt pending")
	}
	if resp.InterruptID != pending.InterruptID {
		return fmt.Errorf("interrupt_id does not match pending interrupt")
	}
	if len(resp.Decisions) != len(pending.Request.ActionRequests) {
		return fmt.Errorf("invalid HITL response: expected %d decisions, got %d",
			len(pending.Request.ActionRequests), len(resp.Decisions))
	}
	for i, d := range resp.Decisions {
		switch d.Type {
		case types.DecisionApprove, types.DecisionReject:
		case types.DecisionEdit:
			if d.EditedAction == nil || d.EditedAction.Name == "" {
				return fmt.Errorf("invalid HITL response: decision %d is edit without edited_action", i)
			}
		default:
			return fmt.Errorf("invalid HITL response: unknown decision type %q", d.Type)
		}
	}
	return nil
}

// Apply resolves decisions against the suspended tool calls. dangerous
// maps decision index -> position in toolCalls. Approved calls pass
// unchanged, edits are rewritten, rejects are dropped with a synthetic
// error tool message so the agent observes the rejection and continues.
func Apply(decisions []types.HITLDecision, toolCalls []types.ToolCall, dangerousIdx []int) ([]types.ToolCall, []types.ChatMessage) {
	drop := map[int]bool{}
	rejected := []types.ChatMessage{}
	for i, d := range decisions {
		if i >= len(dangerousIdx) {
			break
		}
		pos := dangerousIdx[i]
		switch d.Type {
		case types.DecisionEdit:
			toolCalls[pos].Name = d.EditedAction.Name
			toolCalls[pos].Args = d.EditedAction.Args
		case types.DecisionReject:
			drop[pos] = true
			msg := d.Message
			if msg == "" {
				msg = "The user rejected this action."
			}
			rejected = append(rejected, types.ChatMessage{
				Role:       "tool",
				ToolCallID: toolCalls[pos].ID,
				Content:    fmt.Sprintf("Tool call rejected by user: %s", msg),
				Status:     "error",
			})
		}
	}

	kept := make([]types.ToolCall, 0, len(toolCalls))
	for i, tc := range toolCalls {
		if drop[i] {
			continue
		}
		kept = append(kept, tc)
	}
	return kept, rejected
}

// DangerousIndexes returns the positions in toolCalls that produced the
// action requests, in request order.
func (m *Middleware) DangerousIndexes(toolCalls []types.ToolCall) []int {
	var idx []int
	for i, tc := range toolCalls {
		switch {
		case tc.Name == "execute":
			cmd, _ := tc.Args["command"].(string)
			if IsDangerousCommand(cmd) {
				idx = append(idx, i)
			}
		case dangerousDBTools[tc.Name]:
			idx = append(idx, i)
		}
	}
	return idx
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
