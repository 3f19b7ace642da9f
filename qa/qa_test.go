package qa

import (
	"context"
	"path"
	"strings"
	"testing"
	"time"

	"amicable-orchestrator/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves marker files from a map and scripts exec results.
type fakeBackend struct {
	files    map[string]string                // public path -> content
	execs    map[string]*sandbox.ExecResult   // command substring -> result
	executed []string
	blockCtx bool // Execute waits for ctx cancellation
}

func (f *fakeBackend) Execute(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.executed = append(f.executed, command)
	for sub, res := range f.execs {
		if strings.Contains(command, sub) {
			return res, nil
		}
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *fakeBackend) DownloadFiles(_ context.Context, paths []string) ([]sandbox.FileDownload, error) {
	out := make([]sandbox.FileDownload, 0, len(paths))
	for _, p := range paths {
		if content, ok := f.files[p]; ok {
			out = append(out, sandbox.FileDownload{Path: p, Content: []byte(content)})
		} else {
			out = append(out, sandbox.FileDownload{Path: p, Error: "not found"})
		}
	}
	return out, nil
}

func (f *fakeBackend) GlobInfo(_ context.Context, pattern, _ string) ([]string, error) {
	var matches []string
	for p := range f.files {
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

func (f *fakeBackend) Manifest(context.Context, string) ([]sandbox.ManifestEntry, error) {
	return nil, nil
}
func (f *fakeBackend) UploadFiles(context.Context, []sandbox.FileUpload) error { return nil }
func (f *fakeBackend) LsInfo(context.Context, string) (string, error)          { return "", nil }
func (f *fakeBackend) Read(context.Context, string, int, int) (string, error) {
	return "", nil
}
func (f *fakeBackend) GrepRaw(context.Context, string, string, string) (string, error) {
	return "", nil
}

func TestDisabledShortCircuits(t *testing.T) {
	e := NewEngine(&fakeBackend{}, Options{Enabled: false})
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Results)
}

func TestCommandsOverrideVerbatim(t *testing.T) {
	b := &fakeBackend{files: map[string]string{"/package.json": `{"scripts":{"build":"x"}}`}}
	e := NewEngine(b, Options{Enabled: true, CommandsOverride: []string{"make check", "make lint"}})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "make check", res.Results[0].Command)
	assert.Contains(t, b.executed[0], "cd /app && make check")
}

func TestNodeScriptOrderAndTestGating(t *testing.T) {
	pkg := `{"scripts":{"build":"vite build","lint":"eslint .","test":"vitest","typecheck":"tsc"}}`
	b := &fakeBackend{files: map[string]string{"/package.json": pkg}}

	e := NewEngine(b, Options{Enabled: true, RunTests: false})
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "npm run -s lint", res.Results[0].Command)
	assert.Equal(t, "npm run -s typecheck", res.Results[1].Command)
	assert.Equal(t, "npm run -s build", res.Results[2].Command)

	e = NewEngine(b, Options{Enabled: true, RunTests: true})
	res, err = e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 4)
	assert.Equal(t, "npm run -s test", res.Results[2].Command)
}

func TestFailFast(t *testing.T) {
	pkg := `{"scripts":{"lint":"eslint .","typecheck":"tsc","build":"vite build"}}`
	b := &fakeBackend{
		files: map[string]string{"/package.json": pkg},
		execs: map[string]*sandbox.ExecResult{
			"typecheck": {ExitCode: 2, Stderr: "src/a.ts(3,1): error TS2304"},
		},
	}
	e := NewEngine(b, Options{Enabled: true})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Results, 2, "commands after the failure must not run")
	assert.Equal(t, 2, res.Results[1].ExitCode)
	assert.False(t, res.Environmental)
}

func TestBrokenPackageJSON(t *testing.T) {
	b := &fakeBackend{files: map[string]string{"/package.json": `{nope`}}
	e := NewEngine(b, Options{Enabled: true})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Results, 1)
	assert.Contains(t, res.Results[0].Output, "not valid JSON")
}

func TestEnvironmentalClassification(t *testing.T) {
	b := &fakeBackend{
		files: map[string]string{"/pubspec.yaml": "name: app"},
		execs: map[string]*sandbox.ExecResult{
			"flutter pub get": {ExitCode: 127, Stderr: "sh: 1: flutter: not found"},
		},
	}
	e := NewEngine(b, Options{Enabled: true})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.True(t, res.Environmental)
	assert.Equal(t, ProjectFlutter, res.ProjectType)
	assert.Contains(t, EnvironmentalMessage(res), "sandbox environment/setup issue")
}

func TestTimeoutInjectsExit124(t *testing.T) {
	b := &fakeBackend{
		files:    map[string]string{"/requirements.txt": "flask"},
		blockCtx: true,
	}
	e := NewEngine(b, Options{Enabled: true, Timeout: 10 * time.Millisecond})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, TimeoutExitCode, res.Results[0].ExitCode)
}

func TestDetectionOrder(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"node wins over python", map[string]string{"/package.json": `{}`, "/requirements.txt": "x"}, ProjectNode},
		{"python pyproject", map[string]string{"/pyproject.toml": "[project]"}, ProjectPython},
		{"flutter", map[string]string{"/pubspec.yaml": "name: x"}, ProjectFlutter},
		{"quarkus pom", map[string]string{"/pom.xml": "<groupId>io.quarkus</groupId>"}, ProjectQuarkus},
		{"plain pom is unknown", map[string]string{"/pom.xml": "<groupId>org.acme</groupId>"}, ProjectUnknown},
		{"phoenix", map[string]string{"/mix.exs": `{:phoenix, "~> 1.7"}`}, ProjectPhoenix},
		{"dotnet csproj", map[string]string{"/App.csproj": "<Project/>"}, ProjectDotnet},
		{"dotnet wins over quarkus", map[string]string{
			"/App.csproj": "<Project/>",
			"/pom.xml":    "<groupId>io.quarkus</groupId>",
		}, ProjectDotnet},
		{"dotnet sln wins over phoenix", map[string]string{
			"/App.sln": "Microsoft Visual Studio Solution File",
			"/mix.exs": `{:phoenix, "~> 1.7"}`,
		}, ProjectDotnet},
		{"empty sandbox", map[string]string{}, ProjectUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&fakeBackend{files: tt.files}, Options{Enabled: true})
			got, _, err := e.detect(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelfHealMessageIncludesHint(t *testing.T) {
	res := &Result{
		Passed:      false,
		ProjectType: ProjectNode,
		Results: []CommandResult{{
			Command: "npm run -s build", ExitCode: 1,
			Output: "Cannot resolve './missing'",
		}},
	}
	msg := SelfHealMessage(res, 50000)
	assert.Contains(t, msg, "npm run -s build")
	assert.Contains(t, msg, "exited with code 1")
	assert.Contains(t, msg, "npm install")
}

func TestTruncationFlag(t *testing.T) {
	long := strings.Repeat("e", 100)
	b := &fakeBackend{
		files: map[string]string{"/requirements.txt": "x"},
		execs: map[string]*sandbox.ExecResult{
			"compileall": {ExitCode: 1, Stdout: long},
		},
	}
	e := NewEngine(b, Options{Enabled: true, MaxOutputChars: 10})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.True(t, res.Results[0].Truncated)
	assert.Len(t, res.Results[0].Output, 10)
}
