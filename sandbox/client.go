// Package sandbox provides the typed client for the per-session sandbox
// runtime HTTP API and the Backend interface consumed by tools, QA, and
// git sync.
package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ExecResult is the outcome of a shell command inside the sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Output returns combined stdout+stderr for display.
func (r *ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ManifestEntry describes one sandbox file with stat-like metadata.
// Paths are public (rooted at "/").
type ManifestEntry struct {
	Path       string `json:"path"`
	Kind       string `json:"kind"` // file | dir | symlink
	Size       int64  `json:"size"`
	Mode       uint32 `json:"mode"`
	MtimeNs    int64  `json:"mtime_ns"`
	LinkTarget string `json:"link_target,omitempty"`
}

// FileDownload is one downloaded file; Content is nil when Error is set.
type FileDownload struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FileUpload is one file to write into the sandbox.
type FileUpload struct {
	Path    string
	Content []byte
}

// Backend is the sandbox capability surface exposed to the agent tools,
// the QA engine, and the git sync engine.
type Backend interface {
	Execute(ctx context.Context, command string) (*ExecResult, error)
	Manifest(ctx context.Context, dir string) ([]ManifestEntry, error)
	DownloadFiles(ctx context.Context, paths []string) ([]FileDownload, error)
	UploadFiles(ctx context.Context, files []FileUpload) error
	LsInfo(ctx context.Context, p string) (string, error)
	Read(ctx context.Context, p string, offset, limit int) (string, error)
	GrepRaw(ctx context.Context, pattern, p, glob string) (string, error)
	GlobInfo(ctx context.Context, pattern, p string) ([]string, error)
}

// Client is the immutable runtime client handle for one sandbox.
type Client struct {
	claimName   string
	baseURL     string
	rootDir     string
	execTimeout time.Duration
	http        *http.Client
}

// Directories never surfaced by Manifest.
var manifestExcludes = []string{".git", "node_modules"}

// NewClient constructs a runtime client. baseURL is the in-cluster
// service URL (http://<claim>.<ns>.svc.cluster.local:<port>).
func NewClient(claimName, baseURL string, requestTimeout, execTimeout time.Duration) *Client {
	return &Client{
		claimName:   claimName,
		baseURL:     strings.TrimRight(baseURL, "/"),
		rootDir:     "/app",
		execTimeout: execTimeout,
		http:        &http.Client{Timeout: requestTimeout},
	}
}

// ClaimName returns the sandbox claim backing this client.
func (c *Client) ClaimName() string { return c.claimName }

// BaseURL returns the runtime base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RootDir returns the sandbox filesystem root for public paths.
func (c *Client) RootDir() string { return c.rootDir }

// Execute runs command inside the sandbox. The runtime executes argv, not
// a shell line, so the command is wrapped in `sh -lc`.
func (c *Client) Execute(ctx context.Context, command string) (*ExecResult, error) {
	wrapped := fmt.Sprintf("sh -lc %s", shellQuote(command))
	body := map[string]string{"command": wrapped}

	ctx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	var result ExecResult
	if err := c.postJSON(ctx, "/exec", body, &result); err != nil {
		return nil, fmt.Errorf("sandbox exec failed: %w", err)
	}
	return &result, nil
}

// Manifest returns the recursive listing under dir (public path), with
// .git/ and node_modules/ excluded.
func (c *Client) Manifest(ctx context.Context, dir string) ([]ManifestEntry, error) {
	rel, err := toRelative(c.rootDir, dir)
	if err != nil {
		return nil, err
	}
	q := url.Values{"dir": {rel}, "include_hidden": {"1"}}
	var resp struct {
		Entries []struct {
			Path       string `json:"path"`
			Kind       string `json:"kind"`
			Size       int64  `json:"size"`
			Mode       uint32 `json:"mode"`
			MtimeNs    int64  `json:"mtime_ns"`
			LinkTarget string `json:"link_target"`
		} `json:"entries"`
	}
	if err := c.getJSON(ctx, "/manifest?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("sandbox manifest failed: %w", err)
	}

	entries := make([]ManifestEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		if manifestExcluded(e.Path) {
			continue
		}
		entries = append(entries, ManifestEntry{
			Path:       "/" + strings.TrimPrefix(e.Path, "/"),
			Kind:       e.Kind,
			Size:       e.Size,
			Mode:       e.Mode,
			MtimeNs:    e.MtimeNs,
			LinkTarget: e.LinkTarget,
		})
	}
	return entries, nil
}

func manifestExcluded(rel string) bool {
	rel = strings.TrimPrefix(rel, "/")
	for _, ex := range manifestExcludes {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// DownloadFiles fetches files in one batch call, falling back to per-file
// GETs only when the runtime does not implement the batch endpoint
// (HTTP 404/405). Timeouts and 5xx propagate.
func (c *Client) DownloadFiles(ctx context.Context, paths []string) ([]FileDownload, error) {
	rels := make([]string, 0, len(paths))
	relToPublic := make(map[string]string, len(paths))
	for _, p := range paths {
		rel, err := toRelative(c.rootDir, p)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
		relToPublic[rel] = p
	}

	var resp struct {
		Files []struct {
			Path       string  `json:"path"`
			ContentB64 *string `json:"content_b64"`
			Error      *string `json:"error"`
		} `json:"files"`
	}
	err := c.postJSON(ctx, "/download_many", map[string]interface{}{"paths": rels}, &resp)
	if err != nil {
		var se *statusError
		if asStatusError(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusMethodNotAllowed) {
			return c.downloadEach(ctx, rels, relToPublic)
		}
		return nil, fmt.Errorf("sandbox batch download failed: %w", err)
	}

	out := make([]FileDownload, 0, len(resp.Files))
	for _, f := range resp.Files {
		d := FileDownload{Path: relToPublic[f.Path]}
		if d.Path == "" {
			d.Path = "/" + strings.TrimPrefix(f.Path, "/")
		}
		if f.Error != nil {
			d.Error = *f.Error
		} else if f.ContentB64 != nil {
			raw, decErr := base64.StdEncoding.DecodeString(*f.ContentB64)
			if decErr != nil {
				d.Error = fmt.Sprintf("invalid base64: %v", decErr)
			} else {
				d.Content = raw
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) downloadEach(ctx context.Context, rels []string, relToPublic map[string]string) ([]FileDownload, error) {
	out := make([]FileDownload, 0, len(rels))
	for _, rel := range rels {
		d := FileDownload{Path: relToPublic[rel]}
		data, err := c.getRaw(ctx, "/download/"+escapePath(rel))
		if err != nil {
			var se *statusError
			if asStatusError(err, &se) {
				d.Error = fmt.Sprintf("download failed: HTTP %d", se.code)
				out = append(out, d)
				continue
			}
			return nil, fmt.Errorf("sandbox download %s failed: %w", rel, err)
		}
		d.Content = data
		out = append(out, d)
	}
	return out, nil
}

// UploadFiles writes files into the sandbox, creating parent directories
// first with a single mkdir -p.
func (c *Client) UploadFiles(ctx context.Context, files []FileUpload) error {
	dirs := map[string]bool{}
	type pending struct{ rel string; content []byte }
	items := make([]pending, 0, len(files))
	for _, f := range files {
		rel, err := toRelative(c.rootDir, f.Path)
		if err != nil {
			return err
		}
		if d := path.Dir(rel); d != "." && d != "" {
			dirs[d] = true
		}
		items = append(items, pending{rel: rel, content: f.Content})
	}

	if len(dirs) > 0 {
		parts := make([]string, 0, len(dirs))
		for d := range dirs {
			parts = append(parts, shellQuote(path.Join(c.rootDir, d)))
		}
		if _, err := c.Execute(ctx, "mkdir -p "+strings.Join(parts, " ")); err != nil {
			return fmt.Errorf("mkdir for upload failed: %w", err)
		}
	}

	for _, it := range items {
		body := map[string]string{
			"path":        it.rel,
			"content_b64": base64.StdEncoding.EncodeToString(it.content),
		}
		var resp struct {
			OK   bool   `json:"ok"`
			Path string `json:"path"`
		}
		if err := c.postJSON(ctx, "/write_b64", body, &resp); err != nil {
			return fmt.Errorf("sandbox write %s failed: %w", it.rel, err)
		}
	}
	return nil
}

// LsInfo lists a directory with metadata via the sandbox shell.
func (c *Client) LsInfo(ctx context.Context, p string) (string, error) {
	internal, err := toInternal(c.rootDir, p)
	if err != nil {
		return "", err
	}
	res, err := c.Execute(ctx, "ls -la "+shellQuote(internal))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("ls failed: %s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Read returns up to limit lines of a file starting at offset (0-based).
// limit <= 0 means the whole remainder.
func (c *Client) Read(ctx context.Context, p string, offset, limit int) (string, error) {
	files, err := c.DownloadFiles(ctx, []string{p})
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("read %s: no result", p)
	}
	if files[0].Error != "" {
		return "", fmt.Errorf("read %s: %s", p, files[0].Error)
	}
	lines := strings.Split(string(files[0].Content), "\n")
	if offset < 0 {
		offset = 0
	}
	if offset >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return strings.Join(lines[offset:end], "\n"), nil
}

// GrepRaw searches file contents. glob restricts the file set via grep's
// --include.
func (c *Client) GrepRaw(ctx context.Context, pattern, p, glob string) (string, error) {
	target := c.rootDir
	if p != "" {
		internal, err := toInternal(c.rootDir, p)
		if err != nil {
			return "", err
		}
		target = internal
	}
	cmd := "grep -rn --exclude-dir=.git --exclude-dir=node_modules"
	if glob != "" {
		cmd += " --include=" + shellQuote(glob)
	}
	cmd += " -e " + shellQuote(pattern) + " " + shellQuote(target)
	res, err := c.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	// grep exits 1 on no matches
	if res.ExitCode > 1 {
		return "", fmt.Errorf("grep failed: %s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// GlobInfo matches the manifest against a shell-style pattern and returns
// matching public paths.
func (c *Client) GlobInfo(ctx context.Context, pattern, p string) ([]string, error) {
	dir := "/"
	if p != "" {
		dir = p
	}
	entries, err := c.Manifest(ctx, dir)
	if err != nil {
		return nil, err
	}
	matches := []string{}
	for _, e := range entries {
		if e.Kind != "file" {
			continue
		}
		rel := strings.TrimPrefix(e.Path, "/")
		ok, _ := path.Match(pattern, rel)
		if !ok {
			// Also try matching the basename for patterns like "*.ts".
			ok, _ = path.Match(pattern, path.Base(rel))
		}
		if ok {
			matches = append(matches, e.Path)
		}
	}
	return matches, nil
}

// HTTP plumbing

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func asStatusError(err error, target **statusError) bool {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Client) postJSON(ctx context.Context, p string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+p, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode, body: truncateBody(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) getJSON(ctx context.Context, p string, out interface{}) error {
	data, err := c.getRaw(ctx, p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *Client) getRaw(ctx context.Context, p string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+p, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncateBody(data)}
	}
	return data, nil
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}

func escapePath(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// shellQuote single-quotes s for safe inclusion in an sh -c line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
