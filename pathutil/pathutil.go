// Package pathutil provides utilities for secure path validation and manipulation.
package pathutil

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// IsPathWithinBase uses filepath.Rel to robustly verify that abs is within baseDir.
// This is more secure than strings.HasPrefix across different OS platforms.
//
// Security considerations:
// - Uses filepath.Clean on both paths to normalize separators and remove .. sequences
// - Uses filepath.Rel for platform-independent path validation
// - Checks for ".." prefix in relative path to detect traversal attempts
//
// Returns true if abs is within baseDir, false otherwise.
func IsPathWithinBase(abs, baseDir string) bool {
	cleanBase := filepath.Clean(baseDir)
	cleanAbs := filepath.Clean(abs)

	relPath, err := filepath.Rel(cleanBase, cleanAbs)
	if err != nil {
		// filepath.Rel returns error if paths are on different volumes (Windows)
		// or if one path cannot be made relative to the other
		return false
	}

	// If relPath starts with "..", it means abs is outside baseDir
	if strings.HasPrefix(relPath, "..") {
		return false
	}

	return true
}

// ErrPathEscapesRoot is the sentinel message for traversal attempts.
const ErrPathEscapesRoot = "path_escapes_root"

// ToInternal maps a public sandbox path (rooted at "/") to the internal
// path under rootDir. Any ".." component or normalized path escaping
// rootDir is rejected with path_escapes_root.
func ToInternal(rootDir, public string) (string, error) {
	p := strings.TrimSpace(public)
	if p == "" {
		return "", fmt.Errorf("%s: empty path", ErrPathEscapesRoot)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%s: %q", ErrPathEscapesRoot, public)
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	internal := path.Join(rootDir, clean)
	if !IsPathWithinBase(internal, rootDir) {
		return "", fmt.Errorf("%s: %q", ErrPathEscapesRoot, public)
	}
	return internal, nil
}

// ToRelative maps a public path to the rootDir-relative form used by the
// runtime HTTP API ("/src/a.ts" -> "src/a.ts"). Same traversal rules as
// ToInternal.
func ToRelative(rootDir, public string) (string, error) {
	internal, err := ToInternal(rootDir, public)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Clean(rootDir), internal)
	if err != nil {
		return "", fmt.Errorf("%s: %q", ErrPathEscapesRoot, public)
	}
	if rel == "." {
		rel = ""
	}
	return rel, nil
}

// NormalizePublic cleans a public path, collapsing "." components and
// duplicate separators while keeping the leading slash. ".." is rejected.
func NormalizePublic(public string) (string, error) {
	p := strings.TrimSpace(public)
	if p == "" {
		return "", fmt.Errorf("%s: empty path", ErrPathEscapesRoot)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%s: %q", ErrPathEscapesRoot, public)
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}
