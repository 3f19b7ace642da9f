package gitsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"amicable-orchestrator/sandbox"
)

// baselinePath records the last synced commit inside the sandbox.
const baselinePath = "/.amicable/git_state.json"

// shadowDir receives remote versions of conflicted files so the user can
// reconcile them manually; sandbox edits are never overwritten.
const shadowDir = "/.amicable/shadow"

// ErrNoBaseline is returned when a pull is requested before any sync has
// established a baseline commit.
var ErrNoBaseline = errors.New("git_pull_no_baseline")

// NoBaselineError is the Pull-level form of ErrNoBaseline. It carries the
// remote head so clients learn what they would be pulling from.
type NoBaselineError struct {
	RemoteSHA string
}

func (e *NoBaselineError) Error() string        { return ErrNoBaseline.Error() }
func (e *NoBaselineError) Is(target error) bool { return target == ErrNoBaseline }

type baselineState struct {
	Commit string `json:"commit"`
}

// PullResult reports what a pull changed in the sandbox.
type PullResult struct {
	BaselineSHA string `json:"baseline_sha"`
	RemoteSHA   string `json:"remote_sha"`
	// Updated lists sandbox paths overwritten with the remote version.
	Updated []string `json:"updated,omitempty"`
	// Deleted lists sandbox paths removed because the remote deleted them.
	Deleted []string `json:"deleted,omitempty"`
	// Conflicts lists shadow paths holding remote versions of files the
	// sandbox also changed.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Pull brings remote commits into the sandbox with a baseline three-way
// merge: files the sandbox left untouched since the baseline follow the
// remote, files changed on both sides keep the sandbox version and park
// the remote copy under the shadow directory.
func (s *Syncer) Pull(ctx context.Context) (*PullResult, error) {
	baseline, err := s.readBaseline(ctx)
	noBaseline := errors.Is(err, ErrNoBaseline)
	if err != nil && !noBaseline {
		return nil, err
	}

	askpass, cleanup, err := writeAskpass()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	dir, err := s.ensureClone(ctx, askpass)
	if err != nil {
		return nil, err
	}
	if err := s.resetTo(ctx, dir, askpass, "@{upstream}"); err != nil {
		if noBaseline {
			// An unborn branch has no head to report.
			return nil, &NoBaselineError{}
		}
		return nil, err
	}
	remoteSHA, err := s.git(ctx, dir, askpass, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	remoteSHA = strings.TrimSpace(remoteSHA)
	if noBaseline {
		return nil, &NoBaselineError{RemoteSHA: remoteSHA}
	}

	result := &PullResult{BaselineSHA: baseline, RemoteSHA: remoteSHA}
	if remoteSHA == baseline {
		return result, nil
	}

	diff, err := s.git(ctx, dir, askpass, "diff", "--name-status", baseline, remoteSHA)
	if err != nil {
		return nil, fmt.Errorf("diff against baseline: %w", err)
	}

	var uploads []sandbox.FileUpload
	shortSHA := remoteSHA
	if len(shortSHA) > 8 {
		shortSHA = shortSHA[:8]
	}

	for _, line := range strings.Split(strings.TrimSpace(diff), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status, rel := fields[0], fields[len(fields)-1]
		public := "/" + rel
		if s.excluded(public) {
			continue
		}

		baseContent, baseExists := s.show(ctx, dir, askpass, baseline, rel)
		remoteContent, remoteExists := s.show(ctx, dir, askpass, remoteSHA, rel)

		sandboxContent, sandboxExists, err := s.sandboxFile(ctx, public)
		if err != nil {
			return nil, err
		}

		sandboxUnchanged := (!sandboxExists && !baseExists) ||
			(sandboxExists && baseExists && bytes.Equal(sandboxContent, baseContent))

		switch {
		case strings.HasPrefix(status, "D"):
			if !sandboxExists {
				continue
			}
			if sandboxUnchanged {
				if err := s.removeSandboxFile(ctx, public); err != nil {
					return nil, err
				}
				result.Deleted = append(result.Deleted, public)
			} else {
				// Remote deleted a file the sandbox edited; keep the edit
				// and park a deletion marker in the shadow dir.
				shadow := fmt.Sprintf("%s/%s@%s", shadowDir, rel, shortSHA)
				marker := fmt.Sprintf("deleted in remote commit %s\n", remoteSHA)
				uploads = append(uploads, sandbox.FileUpload{Path: shadow, Content: []byte(marker)})
				result.Conflicts = append(result.Conflicts, shadow)
			}
		default: // added or modified remotely
			if !remoteExists {
				continue
			}
			if sandboxExists && bytes.Equal(sandboxContent, remoteContent) {
				continue
			}
			if sandboxUnchanged {
				uploads = append(uploads, sandbox.FileUpload{Path: public, Content: remoteContent})
				result.Updated = append(result.Updated, public)
			} else {
				shadow := fmt.Sprintf("%s/%s@%s", shadowDir, rel, shortSHA)
				uploads = append(uploads, sandbox.FileUpload{Path: shadow, Content: remoteContent})
				result.Conflicts = append(result.Conflicts, shadow)
			}
		}
	}

	for start := 0; start < len(uploads); start += downloadChunkSize {
		end := start + downloadChunkSize
		if end > len(uploads) {
			end = len(uploads)
		}
		if err := s.backend.UploadFiles(ctx, uploads[start:end]); err != nil {
			return nil, fmt.Errorf("upload pulled files: %w", err)
		}
	}

	if err := s.writeBaseline(ctx, remoteSHA); err != nil {
		return nil, err
	}
	return result, nil
}

// show returns the blob content at commit:path, reporting absence
// without error.
func (s *Syncer) show(ctx context.Context, dir, askpass, commit, rel string) ([]byte, bool) {
	out, err := s.git(ctx, dir, askpass, "show", commit+":"+rel)
	if err != nil {
		return nil, false
	}
	return []byte(out), true
}

func (s *Syncer) sandboxFile(ctx context.Context, public string) ([]byte, bool, error) {
	files, err := s.backend.DownloadFiles(ctx, []string{public})
	if err != nil {
		return nil, false, fmt.Errorf("read sandbox %s: %w", public, err)
	}
	if len(files) == 0 || files[0].Error != "" {
		return nil, false, nil
	}
	return files[0].Content, true, nil
}

func (s *Syncer) removeSandboxFile(ctx context.Context, public string) error {
	rel := strings.TrimPrefix(public, "/")
	quoted := "'" + strings.ReplaceAll(rel, "'", `'\''`) + "'"
	res, err := s.backend.Execute(ctx, "rm -f "+quoted)
	if err != nil {
		return fmt.Errorf("remove %s: %w", public, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("remove %s: %s", public, strings.TrimSpace(res.Output()))
	}
	return nil
}

func (s *Syncer) readBaseline(ctx context.Context) (string, error) {
	files, err := s.backend.DownloadFiles(ctx, []string{baselinePath})
	if err != nil {
		return "", fmt.Errorf("read baseline: %w", err)
	}
	if len(files) == 0 || files[0].Error != "" {
		return "", ErrNoBaseline
	}
	var state baselineState
	if err := json.Unmarshal(files[0].Content, &state); err != nil || state.Commit == "" {
		return "", ErrNoBaseline
	}
	return state.Commit, nil
}

func (s *Syncer) writeBaseline(ctx context.Context, sha string) error {
	raw, err := json.Marshal(baselineState{Commit: sha})
	if err != nil {
		return err
	}
	return s.backend.UploadFiles(ctx, []sandbox.FileUpload{{Path: baselinePath, Content: raw}})
}
