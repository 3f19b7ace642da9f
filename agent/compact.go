package agent

import (
	"fmt"
	"sort"
	"strings"

	"amicable-orchestrator/types"
)

// Compaction thresholds. Once the conversation reaches compactTrigger
// messages it is folded down to a summary plus the most recent
// compactKeep messages. Vars so ConfigureLimits can apply the
// environment overrides.
var (
	compactTrigger = 50
	compactKeep    = 20
)

// ConfigureLimits applies the conversation and retry limits from the
// environment configuration. Call once at startup, before any session
// runs.
func ConfigureLimits(compactionTrigger, compactionKeep, retries int) {
	if compactionTrigger > 0 {
		compactTrigger = compactionTrigger
	}
	if compactionKeep > 0 && compactionKeep < compactTrigger {
		compactKeep = compactionKeep
	}
	if retries > 0 {
		toolRetries = retries
	}
}

// MaybeCompact folds an overlong conversation into a synthetic summary
// message followed by the recent tail. The cut point never splits an
// assistant turn from its tool results, so the tail always starts on a
// user or assistant message whose tool calls are fully resolved inside
// the tail.
func MaybeCompact(messages []types.ChatMessage) []types.ChatMessage {
	if len(messages) < compactTrigger {
		return messages
	}

	cut := len(messages) - compactKeep
	// Move the cut back past any tool results so the tail does not open
	// with orphaned tool messages.
	for cut > 0 && messages[cut].Role == "tool" {
		cut--
	}
	if cut <= 0 {
		return messages
	}

	summary := summarize(messages[:cut])
	out := make([]types.ChatMessage, 0, len(messages)-cut+1)
	out = append(out, types.ChatMessage{Role: "user", Content: summary})
	out = append(out, messages[cut:]...)
	return out
}

// summarize produces a plain-text recap of the dropped prefix: the user
// requests verbatim (clipped), assistant text clipped, and the set of
// files touched.
func summarize(dropped []types.ChatMessage) string {
	var b strings.Builder
	b.WriteString("Compacted conversation context. Earlier messages in this session, oldest first:\n")

	files := map[string]bool{}
	for _, msg := range dropped {
		switch msg.Role {
		case "user":
			fmt.Fprintf(&b, "- user: %s\n", clipLine(msg.Content, 300))
		case "assistant":
			if msg.Content != "" {
				fmt.Fprintf(&b, "- assistant: %s\n", clipLine(msg.Content, 300))
			}
			for _, tc := range msg.ToolCalls {
				if p, ok := tc.Args["path"].(string); ok && (tc.Name == "write_file" || tc.Name == "edit_file") {
					files[p] = true
				}
			}
		}
	}
	if len(files) > 0 {
		names := make([]string, 0, len(files))
		for p := range files {
			names = append(names, p)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "Files modified earlier: %s\n", strings.Join(names, ", "))
	}
	return b.String()
}

func clipLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
