package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"amicable-orchestrator/sandbox"
)

// Instruction files loaded from the sandbox, in precedence order. Later
// entries override guidance in earlier ones by appearing later in the
// assembled prompt.
var instructionPaths = []string{
	"/AGENTS.md",
	"/.deepagents/AGENTS.md",
	"/memories/agent.local.md",
}

const maxImportDepth = 5

// @path imports on their own line, e.g. "@docs/conventions.md".
var importRe = regexp.MustCompile(`(?m)^@(\S+)\s*$`)

// LoadInstructions assembles project instructions from the layered
// AGENTS.md files, resolving @path imports recursively. Missing files
// are skipped; import cycles and depth overruns are cut with a marker
// so the agent sees where expansion stopped.
func LoadInstructions(ctx context.Context, backend sandbox.Backend) (string, error) {
	var sections []string
	for _, path := range instructionPaths {
		content, ok, err := readOptional(ctx, backend, path)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		seen := map[string]bool{path: true}
		expanded, err := expandImports(ctx, backend, content, path, seen, 0)
		if err != nil {
			return "", err
		}
		sections = append(sections, fmt.Sprintf("<!-- %s -->\n%s", path, strings.TrimSpace(expanded)))
	}
	return strings.Join(sections, "\n\n"), nil
}

func expandImports(ctx context.Context, backend sandbox.Backend, content, basePath string, seen map[string]bool, depth int) (string, error) {
	if depth >= maxImportDepth {
		return content, nil
	}

	var outerErr error
	result := importRe.ReplaceAllStringFunc(content, func(match string) string {
		rel := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(match), "@"))
		target := resolveImport(basePath, rel)
		if seen[target] {
			return fmt.Sprintf("<!-- import cycle: %s -->", target)
		}
		imported, ok, err := readOptional(ctx, backend, target)
		if err != nil {
			outerErr = err
			return match
		}
		if !ok {
			return fmt.Sprintf("<!-- import not found: %s -->", target)
		}
		seen[target] = true
		expanded, err := expandImports(ctx, backend, imported, target, seen, depth+1)
		if err != nil {
			outerErr = err
			return match
		}
		return expanded
	})
	return result, outerErr
}

// resolveImport interprets an import target relative to the importing
// file unless it is already root-anchored.
func resolveImport(basePath, rel string) string {
	if strings.HasPrefix(rel, "/") {
		return rel
	}
	dir := basePath[:strings.LastIndex(basePath, "/")+1]
	return dir + rel
}

func readOptional(ctx context.Context, backend sandbox.Backend, path string) (string, bool, error) {
	files, err := backend.DownloadFiles(ctx, []string{path})
	if err != nil {
		return "", false, fmt.Errorf("load instructions %s: %w", path, err)
	}
	if len(files) == 0 || files[0].Error != "" {
		return "", false, nil
	}
	return string(files[0].Content), true, nil
}
