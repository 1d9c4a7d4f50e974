// Package workspace provides the read-only workspace file service, either
// proxied from the agent backend or served from a local directory.
package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"agentdeck/internal/domain"
	"agentdeck/internal/security"
)

// DefaultMaxFileSize caps ReadFile when no limit is configured.
const DefaultMaxFileSize int64 = 5 << 20

// Local serves a directory tree through a sandbox.
type Local struct {
	sandbox *security.Sandbox
	maxSize int64
	logger  *slog.Logger
}

// NewLocal creates a local workspace rooted at root. maxSize <= 0 selects
// DefaultMaxFileSize.
func NewLocal(root string, maxSize int64, logger *slog.Logger) (*Local, error) {
	sb, err := security.NewSandbox(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{sandbox: sb, maxSize: maxSize, logger: logger}, nil
}

// Root returns the resolved workspace root.
func (l *Local) Root() string { return l.sandbox.Root() }

// List returns the entries of a directory, directories first, then by name.
func (l *Local) List(ctx context.Context, dir string) ([]domain.WorkspaceEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := l.sandbox.Resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, domain.WrapOp("Local.List", err)
	}
	if !info.IsDir() {
		return nil, domain.NewSubSystemError("workspace", "Local.List", domain.ErrInvalidInput,
			fmt.Sprintf("%q is not a directory", dir))
	}
	rel, err := l.sandbox.Rel(abs)
	if err != nil {
		return nil, err
	}

	des, err := os.ReadDir(abs)
	if err != nil {
		return nil, domain.WrapOp("Local.List", err)
	}
	entries := make([]domain.WorkspaceEntry, 0, len(des))
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		e := domain.WorkspaceEntry{
			Name:    de.Name(),
			Path:    path.Join(rel, de.Name()),
			IsDir:   de.IsDir(),
			ModTime: fi.ModTime().UTC(),
		}
		if !e.IsDir {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// ReadFile returns a file's content. Text is returned as-is; anything that is
// not valid UTF-8 is base64 encoded.
func (l *Local) ReadFile(ctx context.Context, name string) (*domain.WorkspaceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := l.sandbox.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, domain.WrapOp("Local.ReadFile", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, domain.WrapOp("Local.ReadFile", err)
	}
	if info.IsDir() {
		return nil, domain.NewSubSystemError("workspace", "Local.ReadFile", domain.ErrInvalidInput,
			fmt.Sprintf("%q is a directory", name))
	}
	if info.Size() > l.maxSize {
		return nil, domain.NewSubSystemError("workspace", "Local.ReadFile", domain.ErrFileTooLarge,
			fmt.Sprintf("%q is %d bytes, limit %d", name, info.Size(), l.maxSize))
	}

	// The file may grow after Stat.
	data, err := io.ReadAll(io.LimitReader(f, l.maxSize+1))
	if err != nil {
		return nil, domain.WrapOp("Local.ReadFile", err)
	}
	if int64(len(data)) > l.maxSize {
		return nil, domain.NewSubSystemError("workspace", "Local.ReadFile", domain.ErrFileTooLarge, name)
	}

	rel, err := l.sandbox.Rel(abs)
	if err != nil {
		return nil, err
	}
	out := &domain.WorkspaceFile{
		Path:        rel,
		Size:        int64(len(data)),
		ContentType: contentType(abs, data),
	}
	if utf8.Valid(data) {
		out.Content = string(data)
	} else {
		out.Content = base64.StdEncoding.EncodeToString(data)
		out.Encoding = "base64"
	}
	l.logger.Debug("workspace file read", "path", rel, "size", out.Size)
	return out, nil
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

var _ domain.Workspace = (*Local)(nil)
