// Package journal keeps the per-session append-only audit of tool
// operations. Entries are drained at git sync time to give the commit
// message its "why" context.
package journal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"amicable-orchestrator/types"
)

// Entry is one recorded tool operation.
type Entry struct {
	Operation string                 `json:"operation"`
	Target    string                 `json:"target"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TsMs      int64                  `json:"ts_ms"`
}

// Journal is the process-wide journal keyed by session id.
type Journal struct {
	mu      sync.Mutex
	entries map[string][]Entry
	secrets []string
}

// New creates a journal. secrets lists values redacted from every entry.
func New(secrets []string) *Journal {
	return &Journal{entries: map[string][]Entry{}, secrets: secrets}
}

// Record appends an entry for the session.
func (j *Journal) Record(sessionID, operation, target string, metadata map[string]interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[sessionID] = append(j.entries[sessionID], Entry{
		Operation: operation,
		Target:    types.RedactSecrets(target, j.secrets),
		Metadata:  metadata,
		TsMs:      time.Now().UnixMilli(),
	})
}

// Clear resets the session journal; called at the start of each run.
func (j *Journal) Clear(sessionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, sessionID)
}

// Drain returns and removes the session entries.
func (j *Journal) Drain(sessionID string) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries := j.entries[sessionID]
	delete(j.entries, sessionID)
	return entries
}

// Summary renders drained entries into a short human-readable block for
// the commit body. Read-only noise (manifest, download, ls, read, grep,
// glob) is dropped.
func Summary(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Operation {
		case "manifest", "download", "ls", "read", "grep", "glob":
			continue
		}
		target := e.Target
		if len(target) > 120 {
			target = target[:120] + "..."
		}
		if denied, _ := e.Metadata["denied"].(bool); denied {
			fmt.Fprintf(&b, "- %s %s (denied by policy)\n", e.Operation, target)
			continue
		}
		fmt.Fprintf(&b, "- %s %s\n", e.Operation, target)
	}
	return strings.TrimRight(b.String(), "\n")
}
