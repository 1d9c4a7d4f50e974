package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"agentdeck/internal/domain"
)

// JSONGetter performs a GET against the agent backend and decodes the JSON
// body. *langgraph.Client satisfies it.
type JSONGetter interface {
	GetJSON(ctx context.Context, path string, query url.Values, v any) error
}

// Client reads the workspace exposed by the agent backend.
type Client struct {
	api JSONGetter
}

// NewClient creates a remote workspace client.
func NewClient(api JSONGetter) *Client {
	return &Client{api: api}
}

// List calls GET /workspace/list?path=. The backend may answer with a bare
// array or with {"entries": [...]}.
func (c *Client) List(ctx context.Context, dir string) ([]domain.WorkspaceEntry, error) {
	var raw json.RawMessage
	if err := c.api.GetJSON(ctx, "/workspace/list", url.Values{"path": {dir}}, &raw); err != nil {
		return nil, fmt.Errorf("workspace list %q: %w", dir, err)
	}

	var entries []domain.WorkspaceEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Entries []domain.WorkspaceEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, domain.NewSubSystemError("workspace", "Client.List", domain.ErrMalformedFrame, err.Error())
	}
	if wrapped.Entries == nil {
		wrapped.Entries = []domain.WorkspaceEntry{}
	}
	return wrapped.Entries, nil
}

// ReadFile calls GET /workspace/file?path=.
func (c *Client) ReadFile(ctx context.Context, name string) (*domain.WorkspaceFile, error) {
	var f domain.WorkspaceFile
	if err := c.api.GetJSON(ctx, "/workspace/file", url.Values{"path": {name}}, &f); err != nil {
		return nil, fmt.Errorf("workspace file %q: %w", name, err)
	}
	if f.Path == "" {
		f.Path = name
	}
	if f.Size == 0 {
		f.Size = int64(len(f.Content))
	}
	return &f, nil
}

var _ domain.Workspace = (*Client)(nil)
