// Package security holds path confinement for the local workspace.
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"agentdeck/internal/domain"
)

// Sandbox confines workspace paths to a root directory.
type Sandbox struct {
	root string // absolute, resolved workspace root
}

// NewSandbox creates a sandbox rooted at the given directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	return &Sandbox{root: resolved}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a workspace path ("docs/a.md", "/docs/a.md", "" for the root)
// to an existing absolute path inside the root. Any ".." element is refused
// outright, and symlinks are resolved before the containment check.
func (s *Sandbox) Resolve(requested string) (string, error) {
	if strings.ContainsRune(requested, 0) {
		return "", outside(requested, "path contains NUL byte")
	}
	slashed := filepath.ToSlash(requested)
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", outside(requested, "parent directory reference")
		}
	}

	rel := strings.TrimLeft(slashed, "/")
	joined := filepath.Join(s.root, filepath.FromSlash(rel))

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.NewSubSystemError("workspace", "Sandbox.Resolve", domain.ErrNotFound, requested)
		}
		return "", outside(requested, err.Error())
	}
	if !s.isWithinRoot(resolved) {
		return "", outside(requested, fmt.Sprintf("resolves outside root %q", s.root))
	}
	return resolved, nil
}

// Rel returns the workspace path of an absolute path inside the root, using
// forward slashes and no leading slash. The root itself is "".
func (s *Sandbox) Rel(abs string) (string, error) {
	if !s.isWithinRoot(abs) {
		return "", outside(abs, "not under root")
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", outside(abs, err.Error())
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

func outside(path, detail string) error {
	return domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox, fmt.Sprintf("%q: %s", path, detail))
}

func (s *Sandbox) isWithinRoot(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
