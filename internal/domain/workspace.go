package domain

import (
	"context"
	"time"
)

// WorkspaceEntry is one item of a workspace directory listing.
type WorkspaceEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

// WorkspaceFile is the content of a single workspace file.
type WorkspaceFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Encoding    string `json:"encoding,omitempty"` // "base64" for binary content
	Size        int64  `json:"size"`
}

// Workspace is a read-only, path-sandboxed file tree.
type Workspace interface {
	List(ctx context.Context, path string) ([]WorkspaceEntry, error)
	ReadFile(ctx context.Context, path string) (*WorkspaceFile, error)
}
