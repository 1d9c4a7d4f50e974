package workspace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/internal/adapter/langgraph"
	"agentdeck/internal/domain"
	"agentdeck/internal/infra/config"
)

func remote(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	cfg := config.Defaults().Backend
	cfg.URL = server.URL
	return NewClient(langgraph.NewClient(cfg, nil))
}

func TestClientList(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"name":"a.md","path":"docs/a.md","is_dir":false,"size":3}]`},
		{"wrapped", `{"entries":[{"name":"a.md","path":"docs/a.md","is_dir":false,"size":3}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := remote(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/workspace/list", r.URL.Path)
				assert.Equal(t, "docs", r.URL.Query().Get("path"))
				fmt.Fprint(w, tt.body)
			})
			entries, err := c.List(context.Background(), "docs")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "docs/a.md", entries[0].Path)
			assert.Equal(t, int64(3), entries[0].Size)
		})
	}
}

func TestClientListMalformed(t *testing.T) {
	c := remote(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `"nope"`)
	})
	_, err := c.List(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
}

func TestClientReadFile(t *testing.T) {
	c := remote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workspace/file", r.URL.Path)
		assert.Equal(t, "docs/a.md", r.URL.Query().Get("path"))
		fmt.Fprint(w, `{"content":"hello"}`)
	})
	f, err := c.ReadFile(context.Background(), "docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.md", f.Path)
	assert.Equal(t, "hello", f.Content)
	assert.Equal(t, int64(5), f.Size)
}

func TestClientReadFileNotFound(t *testing.T) {
	c := remote(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := c.ReadFile(context.Background(), "missing.md")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
