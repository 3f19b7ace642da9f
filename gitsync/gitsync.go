// Package gitsync mirrors the sandbox worktree into the session's git
// repository and pulls remote changes back in with a baseline three-way
// merge. All git operations run as subprocesses against a cached local
// clone; the sandbox itself never holds credentials.
package gitsync

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"amicable-orchestrator/sandbox"
	"amicable-orchestrator/types"
)

// downloadChunkSize bounds one batch download from the sandbox.
const downloadChunkSize = 200

// pushRetries is the number of rebase-and-retry rounds after a rejected
// push before giving up.
const pushRetries = 3

// Syncer performs push and pull for one session.
type Syncer struct {
	backend     sandbox.Backend
	repo        types.GitRepo
	branch      string
	username    string
	token       string
	cacheDir    string
	excludes    []string
	authorName  string
	authorEmail string
}

// Options wires a Syncer.
type Options struct {
	Backend sandbox.Backend
	Repo    types.GitRepo
	// Branch to clone and push to; empty uses the remote default.
	Branch   string
	Username string
	Token    string
	// CacheDir holds one clone per repository slug, reused across syncs.
	CacheDir    string
	Excludes    []string
	AuthorName  string
	AuthorEmail string
}

// New creates a Syncer.
func New(opts Options) *Syncer {
	if opts.Username == "" {
		// Token auth convention for GitLab HTTP remotes.
		opts.Username = "oauth2"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "Amicable Agent"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "agent@amicable.local"
	}
	return &Syncer{
		backend:     opts.Backend,
		repo:        opts.Repo,
		branch:      opts.Branch,
		username:    opts.Username,
		token:       opts.Token,
		cacheDir:    opts.CacheDir,
		excludes:    opts.Excludes,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
	}
}

// worktree returns the cached clone directory for the session repo.
func (s *Syncer) worktree() string {
	slug := strings.ReplaceAll(s.repo.PathWithNamespace, "/", "__")
	if slug == "" {
		slug = "repo"
	}
	return filepath.Join(s.cacheDir, slug)
}

// git runs one git command in dir with credential helpers wired. Output
// is combined stdout+stderr.
func (s *Syncer) git(ctx context.Context, dir, askpass string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS="+askpass,
		usernameEnv+"="+s.username,
		passwordEnv+"="+s.token,
	)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// ensureClone makes sure the cached clone exists and has fresh remote
// refs. The caller positions the worktree with resetTo.
func (s *Syncer) ensureClone(ctx context.Context, askpass string) (string, error) {
	dir := s.worktree()
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := s.git(ctx, dir, askpass, "fetch", "origin"); err != nil {
			return "", err
		}
		return dir, nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	args := []string{"clone"}
	if s.branch != "" {
		args = append(args, "--branch", s.branch)
	}
	args = append(args, s.repo.RepoHTTPURL, dir)
	if _, err := s.git(ctx, s.cacheDir, askpass, args...); err != nil {
		if s.branch == "" {
			return "", err
		}
		// The branch may not exist yet (fresh empty repository, or a
		// configured branch nobody pushed); clone whatever HEAD there is
		// and orphan the branch so the first push creates it.
		log.Printf("ensureClone: clone --branch %s failed, orphaning: %v", s.branch, err)
		os.RemoveAll(dir)
		if _, err := s.git(ctx, s.cacheDir, askpass, "clone", s.repo.RepoHTTPURL, dir); err != nil {
			return "", err
		}
		if _, err := s.git(ctx, dir, askpass, "checkout", "--orphan", s.branch); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// resetTo hard-resets the clone worktree to ref.
func (s *Syncer) resetTo(ctx context.Context, dir, askpass, ref string) error {
	_, err := s.git(ctx, dir, askpass, "reset", "--hard", ref)
	return err
}

// Push mirrors the sandbox into the clone, commits, and pushes. It
// returns false with no error when the sandbox matches the repository.
//
// The commit is built against the sandbox's baseline commit, not the
// remote head, so files absent from the sandbox only count as deletions
// relative to what the sandbox started from. Commits landed remotely in
// the meantime are merged by the rebase-retry loop.
func (s *Syncer) Push(ctx context.Context, commitMessage string) (bool, string, error) {
	askpass, cleanup, err := writeAskpass()
	if err != nil {
		return false, "", err
	}
	defer cleanup()

	dir, err := s.ensureClone(ctx, askpass)
	if err != nil {
		return false, "", err
	}

	base := "@{upstream}"
	if baseline, err := s.readBaseline(ctx); err == nil {
		base = baseline
	}
	if err := s.resetTo(ctx, dir, askpass, base); err != nil {
		// A baseline commit that was never pushed (or was rewritten) is
		// unusable; fall back to the remote head.
		log.Printf("Push: reset to %s failed, using upstream: %v", base, err)
		if err := s.resetTo(ctx, dir, askpass, "@{upstream}"); err != nil {
			// No upstream commit exists yet; the first commit lands on
			// the unborn branch.
			log.Printf("Push: no upstream for %s, starting from empty history: %v",
				s.repo.PathWithNamespace, err)
		}
	}

	if err := clearWorktree(dir); err != nil {
		return false, "", err
	}
	if err := s.mirror(ctx, dir); err != nil {
		return false, "", err
	}

	if _, err := s.git(ctx, dir, askpass, "add", "-A"); err != nil {
		return false, "", err
	}
	status, err := s.git(ctx, dir, askpass, "status", "--porcelain")
	if err != nil {
		return false, "", err
	}
	if strings.TrimSpace(status) == "" {
		return false, "", nil
	}

	if _, err := s.git(ctx, dir, askpass,
		"-c", "user.name="+s.authorName,
		"-c", "user.email="+s.authorEmail,
		"commit", "-m", commitMessage); err != nil {
		return false, "", err
	}

	pushRef := "HEAD"
	if s.branch != "" {
		pushRef = "HEAD:" + s.branch
	}
	var lastErr error
	for attempt := 0; attempt < pushRetries; attempt++ {
		if _, err := s.git(ctx, dir, askpass, "push", "origin", pushRef); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			log.Printf("Push: attempt %d/%d rejected for %s: %v", attempt+1, pushRetries, s.repo.PathWithNamespace, err)
			if _, rbErr := s.git(ctx, dir, askpass,
				"-c", "user.name="+s.authorName,
				"-c", "user.email="+s.authorEmail,
				"pull", "--rebase", "origin"); rbErr != nil {
				return false, "", fmt.Errorf("push rejected and rebase failed: %w", rbErr)
			}
		}
	}
	if lastErr != nil {
		return false, "", lastErr
	}

	sha, err := s.git(ctx, dir, askpass, "rev-parse", "HEAD")
	if err != nil {
		return false, "", err
	}
	sha = strings.TrimSpace(sha)

	if err := s.writeBaseline(ctx, sha); err != nil {
		log.Printf("Push: baseline update failed for %s: %v", s.repo.PathWithNamespace, err)
	}
	return true, sha, nil
}

// mirror copies the sandbox tree (minus excludes) into the clone
// worktree, preserving modes and symlinks.
func (s *Syncer) mirror(ctx context.Context, dir string) error {
	entries, err := s.backend.Manifest(ctx, "/")
	if err != nil {
		return fmt.Errorf("sandbox manifest: %w", err)
	}

	var filePaths []string
	byPath := map[string]sandbox.ManifestEntry{}
	for _, e := range entries {
		if s.excluded(e.Path) {
			continue
		}
		local := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(e.Path, "/")))
		switch e.Kind {
		case "dir":
			if err := os.MkdirAll(local, 0o755); err != nil {
				return err
			}
		case "symlink":
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return err
			}
			os.Remove(local)
			if err := os.Symlink(e.LinkTarget, local); err != nil {
				return err
			}
		case "file":
			filePaths = append(filePaths, e.Path)
			byPath[e.Path] = e
		}
	}

	for start := 0; start < len(filePaths); start += downloadChunkSize {
		end := start + downloadChunkSize
		if end > len(filePaths) {
			end = len(filePaths)
		}
		files, err := s.backend.DownloadFiles(ctx, filePaths[start:end])
		if err != nil {
			return fmt.Errorf("download chunk: %w", err)
		}
		for _, f := range files {
			if f.Error != "" {
				log.Printf("mirror: skipping %s: %s", f.Path, f.Error)
				continue
			}
			local := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(f.Path, "/")))
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return err
			}
			mode := fs.FileMode(byPath[f.Path].Mode) & 0o777
			if mode == 0 {
				mode = 0o644
			}
			if err := os.WriteFile(local, f.Content, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// excluded reports whether a public path matches the exclusion list.
// Patterns ending in "/" match a path segment anywhere in the tree;
// other patterns glob against the basename.
func (s *Syncer) excluded(p string) bool {
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	base := segs[len(segs)-1]
	for _, seg := range segs {
		// Sync bookkeeping never leaves the sandbox.
		if seg == ".amicable" {
			return true
		}
	}
	for _, pat := range s.excludes {
		if strings.HasSuffix(pat, "/") {
			name := strings.TrimSuffix(pat, "/")
			for _, seg := range segs {
				if seg == name {
					return true
				}
			}
			continue
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// clearWorktree removes everything under dir except the .git directory,
// so deletions in the sandbox show up as deletions in the commit.
func clearWorktree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read worktree: %w", err)
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
