package types

// SessionEnv describes an ensured sandbox environment for a session.
type SessionEnv struct {
	SandboxID      string `json:"sandbox_id"`
	PreviewURL     string `json:"preview_url"`
	Exists         bool   `json:"exists"`
	RuntimeBaseURL string `json:"runtime_base_url"`
}

// GitRepo holds the remote repository metadata attached to a session.
type GitRepo struct {
	RepoHTTPURL       string `json:"repo_http_url,omitempty"`
	PathWithNamespace string `json:"path_with_namespace,omitempty"`
	WebURL            string `json:"web_url,omitempty"`
}

// Project is the session row at the API layer. session_id and project id
// are the same opaque identifier.
type Project struct {
	ID         string  `json:"id"`
	UserSub    string  `json:"user_sub,omitempty"`
	UserEmail  string  `json:"user_email,omitempty"`
	TemplateID string  `json:"template_id,omitempty"`
	Slug       string  `json:"slug,omitempty"`
	Git        GitRepo `json:"git,omitempty"`
	PreviewURL string  `json:"preview_url,omitempty"`

	PermissionMode string `json:"permission_mode,omitempty"`
	ThinkingLevel  string `json:"thinking_level,omitempty"`
}

// Permission modes. accept_edits and bypass skip HITL entirely.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "accept_edits"
	PermissionModeBypass      = "bypass"
)

// ChatMessage is one entry of the controller conversation.
type ChatMessage struct {
	Role    string `json:"role"` // user | assistant | tool | system
	Content string `json:"content"`
	// Tool call bookkeeping for assistant messages proposing tools and
	// tool messages carrying their results.
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Status     string     `json:"status,omitempty"` // "error" on rejected tools
}

// ToolCall is a tool invocation proposed by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ChatHistoryRow is the user-facing projection of the conversation.
type ChatHistoryRow struct {
	Role string `json:"role"` // user | assistant
	Text string `json:"text"`
}

// ActionRequest is one dangerous tool call awaiting a human decision.
type ActionRequest struct {
	Name        string                 `json:"name"`
	Args        map[string]interface{} `json:"args"`
	Description string                 `json:"description,omitempty"`
}

// ReviewConfig declares the decisions a client may take on an action.
type ReviewConfig struct {
	ActionName       string   `json:"action_name"`
	AllowedDecisions []string `json:"allowed_decisions"`
}

// HITLRequest is the interrupt payload sent to the client.
type HITLRequest struct {
	ActionRequests []ActionRequest `json:"action_requests"`
	ReviewConfigs  []ReviewConfig  `json:"review_configs"`
}

// HITL decision types.
const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// HITLDecision is one client decision, positionally matched to the
// action request at the same index.
type HITLDecision struct {
	Type         string      `json:"type"`
	EditedAction *EditAction `json:"edited_action,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// EditAction carries the rewritten tool call for an edit decision.
type EditAction struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// HITLResponse is the resume payload from the client.
type HITLResponse struct {
	InterruptID string         `json:"interrupt_id"`
	Decisions   []HITLDecision `json:"decisions"`
}

// PendingHITL is the per-session suspended approval state. At most one
// exists per session; while present USER messages are rejected.
type PendingHITL struct {
	InterruptID string      `json:"interrupt_id"`
	Request     HITLRequest `json:"request"`
	PlanMsgID   string      `json:"plan_msg_id,omitempty"`
	FileMsgID   string      `json:"file_msg_id,omitempty"`
	Buffer      string      `json:"buffer,omitempty"`
}
