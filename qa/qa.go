// Package qa runs post-edit quality checks inside the sandbox and
// classifies failures so the controller can decide between self-heal and
// giving up.
package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"amicable-orchestrator/sandbox"
)

// Project types detected from sandbox markers, in detection order.
const (
	ProjectNode    = "node"
	ProjectPython  = "python"
	ProjectFlutter = "flutter"
	ProjectDotnet  = "dotnet"
	ProjectQuarkus = "quarkus"
	ProjectPhoenix = "phoenix"
	ProjectUnknown = "unknown"
)

// TimeoutExitCode is injected when the QA wall clock expires, matching
// the conventional timeout(1) exit status.
const TimeoutExitCode = 124

// CommandResult is the outcome of one QA command.
type CommandResult struct {
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated"`
}

// Result is the outcome of a full QA pass.
type Result struct {
	Passed        bool            `json:"passed"`
	ProjectType   string          `json:"project_type"`
	Results       []CommandResult `json:"results"`
	Environmental bool            `json:"environmental"`
}

// LastFailure returns the failing command result, if any.
func (r *Result) LastFailure() *CommandResult {
	if r.Passed || len(r.Results) == 0 {
		return nil
	}
	return &r.Results[len(r.Results)-1]
}

// Options configures an Engine.
type Options struct {
	Enabled          bool
	CommandsOverride []string // verbatim, from DEEPAGENTS_QA_COMMANDS
	RunTests         bool
	Timeout          time.Duration
	MaxOutputChars   int
}

// Engine runs QA against a sandbox backend.
type Engine struct {
	backend sandbox.Backend
	opts    Options
}

// NewEngine creates a QA engine for one session's backend.
func NewEngine(backend sandbox.Backend, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 600 * time.Second
	}
	if opts.MaxOutputChars <= 0 {
		opts.MaxOutputChars = 50000
	}
	return &Engine{backend: backend, opts: opts}
}

// Run detects the project, selects commands, and executes them in order,
// stopping at the first failure. It never returns a Go error for command
// failures; those are reported in the Result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.opts.Enabled {
		return &Result{Passed: true, ProjectType: ProjectUnknown}, nil
	}

	projectType, commands, selErr := e.selectCommands(ctx)
	if selErr != nil {
		// A broken package.json is a QA failure the agent can fix, not
		// an orchestrator error.
		return &Result{
			Passed:      false,
			ProjectType: projectType,
			Results: []CommandResult{{
				Command:  "parse package.json",
				ExitCode: 1,
				Output:   selErr.Error(),
			}},
		}, nil
	}
	if len(commands) == 0 {
		return &Result{Passed: true, ProjectType: projectType}, nil
	}

	deadline := time.Now().Add(e.opts.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result := &Result{Passed: true, ProjectType: projectType}
	for _, cmd := range commands {
		cr := e.runOne(ctx, cmd)
		result.Results = append(result.Results, cr)
		if cr.ExitCode != 0 {
			result.Passed = false
			result.Environmental = IsEnvironmental(cr.Output)
			break
		}
	}
	return result, nil
}

func (e *Engine) runOne(ctx context.Context, cmd string) CommandResult {
	full := "cd /app && " + cmd
	res, err := e.backend.Execute(ctx, full)
	if err != nil {
		if ctx.Err() != nil {
			return CommandResult{
				Command:  cmd,
				ExitCode: TimeoutExitCode,
				Output:   fmt.Sprintf("QA wall clock exceeded while running %q", cmd),
			}
		}
		return CommandResult{Command: cmd, ExitCode: 1, Output: fmt.Sprintf("exec error: %v", err)}
	}
	output, truncated := truncate(res.Output(), e.opts.MaxOutputChars)
	return CommandResult{Command: cmd, ExitCode: res.ExitCode, Output: output, Truncated: truncated}
}

func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}

// selectCommands detects the project type and picks the ordered command
// list. The env override wins verbatim.
func (e *Engine) selectCommands(ctx context.Context) (string, []string, error) {
	projectType, pkg, err := e.detect(ctx)
	if err != nil {
		return projectType, nil, err
	}
	if len(e.opts.CommandsOverride) > 0 {
		return projectType, e.opts.CommandsOverride, nil
	}

	switch projectType {
	case ProjectNode:
		return projectType, e.nodeCommands(pkg), nil
	case ProjectPython:
		cmds := []string{"python -m compileall -q ."}
		if e.opts.RunTests {
			cmds = append(cmds, "python -m pytest -q")
		}
		return projectType, cmds, nil
	case ProjectFlutter:
		cmds := []string{"flutter pub get", "flutter analyze"}
		if e.opts.RunTests {
			cmds = append(cmds, "flutter test")
		}
		return projectType, cmds, nil
	case ProjectDotnet:
		return projectType, []string{"dotnet build -nologo"}, nil
	case ProjectQuarkus:
		return projectType, []string{"./mvnw -q -DskipTests package"}, nil
	case ProjectPhoenix:
		cmds := []string{"mix compile --warnings-as-errors"}
		if e.opts.RunTests {
			cmds = append(cmds, "mix test")
		}
		return projectType, cmds, nil
	default:
		return ProjectUnknown, nil, nil
	}
}

type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// nodeCommands picks npm scripts in the fixed order; with no scripts it
// falls back to tsc/vite when present in the dependency sets.
func (e *Engine) nodeCommands(pkg *packageJSON) []string {
	if pkg == nil {
		return nil
	}
	var cmds []string
	order := []string{"lint", "typecheck", "test", "build"}
	for _, name := range order {
		if name == "test" && !e.opts.RunTests {
			continue
		}
		if _, ok := pkg.Scripts[name]; ok {
			cmds = append(cmds, "npm run -s "+name)
		}
	}
	if len(cmds) > 0 {
		return cmds
	}
	hasDep := func(name string) bool {
		_, a := pkg.Dependencies[name]
		_, b := pkg.DevDependencies[name]
		return a || b
	}
	if hasDep("typescript") {
		cmds = append(cmds, "npx tsc --noEmit")
	}
	if hasDep("vite") {
		cmds = append(cmds, "npx vite build")
	}
	return cmds
}

// detect probes project markers in fixed order; the first match wins.
func (e *Engine) detect(ctx context.Context) (string, *packageJSON, error) {
	markers := []string{
		"/package.json", "/pyproject.toml", "/requirements.txt",
		"/pubspec.yaml", "/pom.xml", "/mix.exs",
	}
	files, err := e.backend.DownloadFiles(ctx, markers)
	if err != nil {
		return ProjectUnknown, nil, nil
	}
	byPath := map[string][]byte{}
	for _, f := range files {
		if f.Error == "" && f.Content != nil {
			byPath[f.Path] = f.Content
		}
	}

	if raw, ok := byPath["/package.json"]; ok {
		var pkg packageJSON
		if err := json.Unmarshal(raw, &pkg); err != nil {
			return ProjectNode, nil, fmt.Errorf("package.json is not valid JSON: %v", err)
		}
		return ProjectNode, &pkg, nil
	}
	if _, ok := byPath["/pyproject.toml"]; ok {
		return ProjectPython, nil, nil
	}
	if _, ok := byPath["/requirements.txt"]; ok {
		return ProjectPython, nil, nil
	}
	if _, ok := byPath["/pubspec.yaml"]; ok {
		return ProjectFlutter, nil, nil
	}
	// csproj/sln detection needs a glob, not a fixed path; it outranks the
	// Quarkus and Phoenix markers.
	if matches, err := e.backend.GlobInfo(ctx, "*.csproj", "/"); err == nil && len(matches) > 0 {
		return ProjectDotnet, nil, nil
	}
	if matches, err := e.backend.GlobInfo(ctx, "*.sln", "/"); err == nil && len(matches) > 0 {
		return ProjectDotnet, nil, nil
	}
	if raw, ok := byPath["/pom.xml"]; ok && strings.Contains(string(raw), "io.quarkus") {
		return ProjectQuarkus, nil, nil
	}
	if raw, ok := byPath["/mix.exs"]; ok && strings.Contains(strings.ToLower(string(raw)), "phoenix") {
		return ProjectPhoenix, nil, nil
	}
	return ProjectUnknown, nil, nil
}
