package agent

import (
	"context"
	"fmt"
	"strings"

	"amicable-orchestrator/sandbox"
)

func schemaObject(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func intProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// BuildTools constructs the agent tool set over a (policy-wrapped)
// sandbox backend. maxOutputChars bounds execute output fed back to the
// model.
func BuildTools(backend sandbox.Backend, maxOutputChars int) []ToolDef {
	if maxOutputChars <= 0 {
		maxOutputChars = 50000
	}
	clip := func(s string) string {
		if len(s) > maxOutputChars {
			return s[:maxOutputChars] + "\n... (output truncated)"
		}
		return s
	}

	return []ToolDef{
		{
			Name:        "execute",
			Description: "Run a shell command in the project sandbox. The working directory is the project root.",
			InputSchema: schemaObject([]string{"command"}, map[string]interface{}{
				"command": strProp("Shell command to run"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				res, err := backend.Execute(ctx, argString(args, "command"))
				if err != nil {
					return "", err
				}
				return clip(fmt.Sprintf("exit_code: %d\n%s", res.ExitCode, res.Output())), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file. Paths are absolute from the project root, e.g. /src/App.tsx.",
			InputSchema: schemaObject([]string{"path"}, map[string]interface{}{
				"path":   strProp("File path"),
				"offset": intProp("First line to read (0-based)"),
				"limit":  intProp("Maximum number of lines"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				content, err := backend.Read(ctx, argString(args, "path"), argInt(args, "offset"), argInt(args, "limit"))
				if err != nil {
					return "", err
				}
				return clip(content), nil
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content.",
			InputSchema: schemaObject([]string{"path", "content"}, map[string]interface{}{
				"path":    strProp("File path"),
				"content": strProp("Full file content"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				path := argString(args, "path")
				err := backend.UploadFiles(ctx, []sandbox.FileUpload{
					{Path: path, Content: []byte(argString(args, "content"))},
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Wrote %s", path), nil
			},
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must appear exactly once.",
			InputSchema: schemaObject([]string{"path", "old_string", "new_string"}, map[string]interface{}{
				"path":       strProp("File path"),
				"old_string": strProp("Exact text to replace"),
				"new_string": strProp("Replacement text"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				path := argString(args, "path")
				oldStr := argString(args, "old_string")
				newStr := argString(args, "new_string")

				files, err := backend.DownloadFiles(ctx, []string{path})
				if err != nil {
					return "", err
				}
				if len(files) == 0 {
					return "", fmt.Errorf("cannot read %s: empty download result", path)
				}
				if files[0].Error != "" {
					return "", fmt.Errorf("cannot read %s: %s", path, files[0].Error)
				}
				content := string(files[0].Content)
				switch strings.Count(content, oldStr) {
				case 0:
					return "", fmt.Errorf("old_string not found in %s", path)
				case 1:
				default:
					return "", fmt.Errorf("old_string appears multiple times in %s; provide more context", path)
				}
				updated := strings.Replace(content, oldStr, newStr, 1)
				if err := backend.UploadFiles(ctx, []sandbox.FileUpload{{Path: path, Content: []byte(updated)}}); err != nil {
					return "", err
				}
				return fmt.Sprintf("Edited %s", path), nil
			},
		},
		{
			Name:        "ls",
			Description: "List a directory with file metadata.",
			InputSchema: schemaObject([]string{"path"}, map[string]interface{}{
				"path": strProp("Directory path"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				out, err := backend.LsInfo(ctx, argString(args, "path"))
				if err != nil {
					return "", err
				}
				return clip(out), nil
			},
		},
		{
			Name:        "grep",
			Description: "Search file contents for a pattern.",
			InputSchema: schemaObject([]string{"pattern"}, map[string]interface{}{
				"pattern": strProp("Regular expression"),
				"path":    strProp("Directory to search (default project root)"),
				"glob":    strProp("Filename filter, e.g. *.ts"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				out, err := backend.GrepRaw(ctx, argString(args, "pattern"), argString(args, "path"), argString(args, "glob"))
				if err != nil {
					return "", err
				}
				return clip(out), nil
			},
		},
		{
			Name:        "glob",
			Description: "Find files by shell-style name pattern.",
			InputSchema: schemaObject([]string{"pattern"}, map[string]interface{}{
				"pattern": strProp("Pattern, e.g. *.tsx or src/**"),
				"path":    strProp("Directory to search (default project root)"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				matches, err := backend.GlobInfo(ctx, argString(args, "pattern"), argString(args, "path"))
				if err != nil {
					return "", err
				}
				return clip(strings.Join(matches, "\n")), nil
			},
		},
		{
			Name:        "db_query",
			Description: "Run a SQL query against the project database.",
			InputSchema: schemaObject([]string{"sql"}, map[string]interface{}{
				"sql": strProp("SQL statement"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return runDBOp(ctx, backend, clip, "query", argString(args, "sql"))
			},
		},
		{
			Name:        "db_drop_table",
			Description: "Drop a table from the project database. Destructive; requires user approval.",
			InputSchema: schemaObject([]string{"table"}, map[string]interface{}{
				"table": strProp("Table name"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return runDBOp(ctx, backend, clip, "drop_table", argString(args, "table"))
			},
		},
		{
			Name:        "db_truncate_table",
			Description: "Delete all rows from a table. Destructive; requires user approval.",
			InputSchema: schemaObject([]string{"table"}, map[string]interface{}{
				"table": strProp("Table name"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return runDBOp(ctx, backend, clip, "truncate_table", argString(args, "table"))
			},
		},
		{
			Name:        "capture_preview_screenshot",
			Description: "Capture a screenshot of the running preview for visual inspection.",
			InputSchema: schemaObject(nil, map[string]interface{}{
				"path": strProp("Route to capture, default /"),
			}),
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				route := argString(args, "path")
				if route == "" {
					route = "/"
				}
				cmd := fmt.Sprintf("node /amicable-preview.js capture %s /tmp/preview.png", shellQuote(route))
				res, err := backend.Execute(ctx, cmd)
				if err != nil {
					return "", err
				}
				if res.ExitCode != 0 {
					return "", fmt.Errorf("screenshot failed: %s", strings.TrimSpace(res.Output()))
				}
				return "Screenshot captured at /tmp/preview.png", nil
			},
		},
	}
}

// runDBOp shells into the generated per-project DB bootstrap.
func runDBOp(ctx context.Context, backend sandbox.Backend, clip func(string) string, op, arg string) (string, error) {
	cmd := fmt.Sprintf("node /amicable-db.js %s %s", op, shellQuote(arg))
	res, err := backend.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("db %s failed: %s", op, strings.TrimSpace(res.Output()))
	}
	return clip(res.Output()), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
