package agent

import (
	"context"
	"testing"

	"amicable-orchestrator/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileBackend serves instruction files from a map; everything else is
// unused by LoadInstructions.
type fileBackend struct {
	files map[string]string
}

func (f *fileBackend) DownloadFiles(_ context.Context, paths []string) ([]sandbox.FileDownload, error) {
	out := make([]sandbox.FileDownload, 0, len(paths))
	for _, p := range paths {
		content, ok := f.files[p]
		if !ok {
			out = append(out, sandbox.FileDownload{Path: p, Error: "not found"})
			continue
		}
		out = append(out, sandbox.FileDownload{Path: p, Content: []byte(content)})
	}
	return out, nil
}

func (f *fileBackend) Execute(context.Context, string) (*sandbox.ExecResult, error) {
	return nil, nil
}
func (f *fileBackend) Manifest(context.Context, string) ([]sandbox.ManifestEntry, error) {
	return nil, nil
}
func (f *fileBackend) UploadFiles(context.Context, []sandbox.FileUpload) error { return nil }
func (f *fileBackend) LsInfo(context.Context, string) (string, error)         { return "", nil }
func (f *fileBackend) Read(context.Context, string, int, int) (string, error) { return "", nil }
func (f *fileBackend) GrepRaw(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (f *fileBackend) GlobInfo(context.Context, string, string) ([]string, error) { return nil, nil }

func TestLoadInstructionsLayersInOrder(t *testing.T) {
	b := &fileBackend{files: map[string]string{
		"/AGENTS.md":               "Project rules.",
		"/.deepagents/AGENTS.md":   "Agent overrides.",
		"/memories/agent.local.md": "Local memory.",
	}}

	out, err := LoadInstructions(context.Background(), b)
	require.NoError(t, err)
	i1 := indexOf(out, "Project rules.")
	i2 := indexOf(out, "Agent overrides.")
	i3 := indexOf(out, "Local memory.")
	require.True(t, i1 >= 0 && i2 >= 0 && i3 >= 0)
	assert.Less(t, i1, i2)
	assert.Less(t, i2, i3)
}

func TestLoadInstructionsSkipsMissingFiles(t *testing.T) {
	b := &fileBackend{files: map[string]string{
		"/AGENTS.md": "Only the root file.",
	}}
	out, err := LoadInstructions(context.Background(), b)
	require.NoError(t, err)
	assert.Contains(t, out, "Only the root file.")
	assert.NotContains(t, out, "/.deepagents")
}

func TestLoadInstructionsExpandsImports(t *testing.T) {
	b := &fileBackend{files: map[string]string{
		"/AGENTS.md":     "Main.\n@docs/style.md\nEnd.",
		"/docs/style.md": "Use tabs.\n@extra.md",
		"/docs/extra.md": "Extra rules.",
	}}
	out, err := LoadInstructions(context.Background(), b)
	require.NoError(t, err)
	assert.Contains(t, out, "Use tabs.")
	assert.Contains(t, out, "Extra rules.")
}

func TestLoadInstructionsCutsImportCycles(t *testing.T) {
	b := &fileBackend{files: map[string]string{
		"/AGENTS.md": "Root.\n@a.md",
		"/a.md":      "A.\n@b.md",
		"/b.md":      "B.\n@a.md",
	}}
	out, err := LoadInstructions(context.Background(), b)
	require.NoError(t, err)
	assert.Contains(t, out, "A.")
	assert.Contains(t, out, "B.")
	assert.Contains(t, out, "import cycle: /a.md")
}

func TestLoadInstructionsMarksMissingImports(t *testing.T) {
	b := &fileBackend{files: map[string]string{
		"/AGENTS.md": "Root.\n@nowhere.md",
	}}
	out, err := LoadInstructions(context.Background(), b)
	require.NoError(t, err)
	assert.Contains(t, out, "import not found: /nowhere.md")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
