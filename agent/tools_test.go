package agent

import (
	"context"
	"strings"
	"testing"

	"amicable-orchestrator/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rwBackend extends fileBackend with writable state and a canned exec.
type rwBackend struct {
	fileBackend
	execs    []string
	execOut  string
	execCode int
}

func (b *rwBackend) Execute(_ context.Context, command string) (*sandbox.ExecResult, error) {
	b.execs = append(b.execs, command)
	return &sandbox.ExecResult{Stdout: b.execOut, ExitCode: b.execCode}, nil
}

func (b *rwBackend) UploadFiles(_ context.Context, files []sandbox.FileUpload) error {
	for _, f := range files {
		b.files[f.Path] = string(f.Content)
	}
	return nil
}

func toolByName(t *testing.T, tools []ToolDef, name string) ToolDef {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return ToolDef{}
}

func TestEditFileReplacesUniqueMatch(t *testing.T) {
	b := &rwBackend{fileBackend: fileBackend{files: map[string]string{
		"/src/app.ts": "const port = 3000;\nconsole.log(port);\n",
	}}}
	edit := toolByName(t, BuildTools(b, 0), "edit_file")

	out, err := edit.Run(context.Background(), map[string]interface{}{
		"path":       "/src/app.ts",
		"old_string": "const port = 3000;",
		"new_string": "const port = 8080;",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Edited /src/app.ts")
	assert.Equal(t, "const port = 8080;\nconsole.log(port);\n", b.files["/src/app.ts"])
}

func TestEditFileRejectsAmbiguousMatch(t *testing.T) {
	b := &rwBackend{fileBackend: fileBackend{files: map[string]string{
		"/a.txt": "x\nx\n",
	}}}
	edit := toolByName(t, BuildTools(b, 0), "edit_file")

	_, err := edit.Run(context.Background(), map[string]interface{}{
		"path":       "/a.txt",
		"old_string": "x",
		"new_string": "y",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple times")
}

func TestEditFileRejectsMissingMatch(t *testing.T) {
	b := &rwBackend{fileBackend: fileBackend{files: map[string]string{
		"/a.txt": "hello\n",
	}}}
	edit := toolByName(t, BuildTools(b, 0), "edit_file")

	_, err := edit.Run(context.Background(), map[string]interface{}{
		"path":       "/a.txt",
		"old_string": "goodbye",
		"new_string": "farewell",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// emptyDownloadBackend simulates a runtime that answers a batch download
// with no entries at all.
type emptyDownloadBackend struct {
	rwBackend
}

func (b *emptyDownloadBackend) DownloadFiles(context.Context, []string) ([]sandbox.FileDownload, error) {
	return nil, nil
}

func TestEditFileSurvivesEmptyDownloadResult(t *testing.T) {
	b := &emptyDownloadBackend{}
	edit := toolByName(t, BuildTools(b, 0), "edit_file")

	_, err := edit.Run(context.Background(), map[string]interface{}{
		"path":       "/a.txt",
		"old_string": "x",
		"new_string": "y",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty download result")
}

func TestExecuteToolClipsLongOutput(t *testing.T) {
	b := &rwBackend{execOut: strings.Repeat("a", 200)}
	exec := toolByName(t, BuildTools(b, 100), "execute")

	out, err := exec.Run(context.Background(), map[string]interface{}{"command": "cat big.log"})
	require.NoError(t, err)
	assert.Contains(t, out, "output truncated")
	assert.LessOrEqual(t, len(out), 100+len("\n... (output truncated)"))
}

func TestExecuteToolReportsExitCode(t *testing.T) {
	b := &rwBackend{execOut: "boom", execCode: 2}
	exec := toolByName(t, BuildTools(b, 0), "execute")

	out, err := exec.Run(context.Background(), map[string]interface{}{"command": "false"})
	require.NoError(t, err)
	assert.Contains(t, out, "exit_code: 2")
	assert.Contains(t, out, "boom")
}

func TestDBToolFailureSurfacesOutput(t *testing.T) {
	b := &rwBackend{execOut: "no such table: users", execCode: 1}
	drop := toolByName(t, BuildTools(b, 0), "db_drop_table")

	_, err := drop.Run(context.Background(), map[string]interface{}{"table": "users"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
	require.Len(t, b.execs, 1)
	assert.Contains(t, b.execs[0], "drop_table")
	assert.Contains(t, b.execs[0], "'users'")
}
