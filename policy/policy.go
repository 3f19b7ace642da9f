// Package policy decorates a sandbox backend with path and command
// deny rules and an audit callback. The wrapper is always layered outside
// the raw runtime client so no tool reaches the sandbox unchecked.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"amicable-orchestrator/pathutil"
	"amicable-orchestrator/sandbox"
)

// ErrPermissionDenied is the sentinel result for denied writes.
const ErrPermissionDenied = "permission_denied"

// DeniedExitCode is returned for commands blocked by policy.
const DeniedExitCode = 126

// AuditFunc observes every operation through the wrapper, allowed or not.
type AuditFunc func(operation, target string, metadata map[string]interface{})

// Rules holds the deny configuration.
type Rules struct {
	// DenyPaths are exact public paths writes may never touch.
	DenyPaths []string
	// DenyPrefixes deny whole subtrees (trailing slash expected).
	DenyPrefixes []string
	// DenyCommands are command words compiled into boundary-anchored,
	// case-insensitive patterns.
	DenyCommands []string
}

// DefaultRules returns the stock policy.
func DefaultRules() Rules {
	return Rules{
		DenyPrefixes: []string{"/node_modules/", "/.git/"},
		DenyCommands: []string{
			"rm -rf /",
			"rm -rf /*",
			"rm -rf --no-preserve-root",
			"mkfs",
			"dd if=",
			":(){:|:&};:",
			"shutdown",
			"reboot",
		},
	}
}

// Wrapper enforces Rules in front of a sandbox.Backend.
type Wrapper struct {
	backend    sandbox.Backend
	denyExact  map[string]bool
	denyPrefix []string
	denyCmdRes []*regexp.Regexp
	audit      AuditFunc
}

// compile builds a case-insensitive pattern for a denied command that
// still matches after leading whitespace or shell separators, so trivial
// obfuscations ("  rm -rf /", "x; rm -rf /*") do not slip through.
func compile(cmd string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(cmd)
	// Collapse literal spaces to "one or more whitespace".
	quoted = strings.ReplaceAll(quoted, `\ `, `\s+`)
	quoted = strings.ReplaceAll(quoted, " ", `\s+`)
	pattern := `(?i)(^|[;&|()\s])` + quoted
	// A trailing "/" means root itself, not any absolute path.
	if strings.HasSuffix(cmd, "/") {
		pattern += `($|[;&|)\s])`
	}
	return regexp.MustCompile(pattern)
}

// NewWrapper builds a policy wrapper. audit may be nil.
func NewWrapper(backend sandbox.Backend, rules Rules, audit AuditFunc) *Wrapper {
	w := &Wrapper{
		backend:   backend,
		denyExact: map[string]bool{},
		audit:     audit,
	}
	for _, p := range rules.DenyPaths {
		w.denyExact[p] = true
	}
	w.denyPrefix = append(w.denyPrefix, rules.DenyPrefixes...)
	for _, c := range rules.DenyCommands {
		w.denyCmdRes = append(w.denyCmdRes, compile(c))
	}
	return w
}

func (w *Wrapper) record(operation, target string, metadata map[string]interface{}) {
	if w.audit != nil {
		w.audit(operation, target, metadata)
	}
}

// WriteDenied reports whether policy forbids writing the public path.
// Root writes and unnormalizable paths are denied outright.
func (w *Wrapper) WriteDenied(public string) bool {
	norm, err := pathutil.NormalizePublic(public)
	if err != nil {
		return true
	}
	if norm == "/" {
		return true
	}
	if w.denyExact[norm] {
		return true
	}
	for _, prefix := range w.denyPrefix {
		if strings.HasPrefix(norm, prefix) {
			return true
		}
	}
	return false
}

// CommandDenied reports whether the command matches a deny pattern.
func (w *Wrapper) CommandDenied(command string) bool {
	for _, re := range w.denyCmdRes {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Execute blocks denied commands without touching the sandbox; they come
// back as a tool-visible result with exit code 126.
func (w *Wrapper) Execute(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	if w.CommandDenied(command) {
		w.record("execute", command, map[string]interface{}{"denied": true})
		return &sandbox.ExecResult{
			Stdout:   fmt.Sprintf("Policy denied: command %q is not allowed", firstLine(command)),
			ExitCode: DeniedExitCode,
		}, nil
	}
	w.record("execute", command, nil)
	return w.backend.Execute(ctx, command)
}

// UploadFiles filters denied entries per file; if every entry is denied
// the call fails with permission_denied.
func (w *Wrapper) UploadFiles(ctx context.Context, files []sandbox.FileUpload) error {
	allowed := make([]sandbox.FileUpload, 0, len(files))
	for _, f := range files {
		if w.WriteDenied(f.Path) {
			w.record("write_file", f.Path, map[string]interface{}{"denied": true})
			continue
		}
		w.record("write_file", f.Path, map[string]interface{}{"bytes": len(f.Content)})
		allowed = append(allowed, f)
	}
	if len(allowed) == 0 && len(files) > 0 {
		return fmt.Errorf("%s: all %d paths denied by policy", ErrPermissionDenied, len(files))
	}
	if len(allowed) == 0 {
		return nil
	}
	return w.backend.UploadFiles(ctx, allowed)
}

// Read operations pass through with auditing.

func (w *Wrapper) Manifest(ctx context.Context, dir string) ([]sandbox.ManifestEntry, error) {
	w.record("manifest", dir, nil)
	return w.backend.Manifest(ctx, dir)
}

func (w *Wrapper) DownloadFiles(ctx context.Context, paths []string) ([]sandbox.FileDownload, error) {
	w.record("download", strings.Join(paths, ","), map[string]interface{}{"count": len(paths)})
	return w.backend.DownloadFiles(ctx, paths)
}

func (w *Wrapper) LsInfo(ctx context.Context, p string) (string, error) {
	w.record("ls", p, nil)
	return w.backend.LsInfo(ctx, p)
}

func (w *Wrapper) Read(ctx context.Context, p string, offset, limit int) (string, error) {
	w.record("read", p, nil)
	return w.backend.Read(ctx, p, offset, limit)
}

func (w *Wrapper) GrepRaw(ctx context.Context, pattern, p, glob string) (string, error) {
	w.record("grep", pattern, map[string]interface{}{"path": p, "glob": glob})
	return w.backend.GrepRaw(ctx, pattern, p, glob)
}

func (w *Wrapper) GlobInfo(ctx context.Context, pattern, p string) ([]string, error) {
	w.record("glob", pattern, map[string]interface{}{"path": p})
	return w.backend.GlobInfo(ctx, pattern, p)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
