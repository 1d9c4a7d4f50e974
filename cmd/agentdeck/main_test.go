package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/internal/adapter/workspace"
	"agentdeck/internal/domain"
	"agentdeck/internal/infra/config"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("AGENTDECK_CONFIG", "")

	tests := []struct {
		name       string
		args       []string
		wantOpts   options
		positional []string
	}{
		{"defaults", nil, options{ConfigPath: defaultConfigPath}, nil},
		{"flags first", []string{"-config", "x.yaml", "-thread", "t1", "hi"}, options{ConfigPath: "x.yaml", ThreadID: "t1"}, []string{"hi"}},
		{"flags after message", []string{"hi there", "-thread", "t2"}, options{ConfigPath: defaultConfigPath, ThreadID: "t2"}, []string{"hi there"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, positional, err := parseFlags("ask", tt.args, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOpts, opts)
			assert.Equal(t, tt.positional, positional)
		})
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("AGENTDECK_CONFIG", "/etc/agentdeck.yaml")
	opts, _, err := parseFlags("serve", nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "/etc/agentdeck.yaml", opts.ConfigPath)
}

func TestRunCommands(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &stdout, &stderr))
	assert.Equal(t, "agentdeck dev\n", stdout.String())

	err := run(context.Background(), []string{"bogus"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")

	err = run(context.Background(), []string{"ask"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}

func TestRunEncrypt(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runEncrypt("sk-secret", "passphrase", &out))

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "enc:"))
	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)

	assert.Error(t, runEncrypt("sk-secret", "", &out))
	assert.Error(t, runEncrypt("", "passphrase", &out))
}

func TestFormatTurn(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	turn := domain.Turn{
		Segments: []domain.Segment{
			{Kind: domain.SegmentText, Content: "Looking it up.\n"},
			{Kind: domain.SegmentToolGroup, Calls: []domain.ToolCallState{
				{Name: "search", StartTime: start, EndTime: start.Add(250 * time.Millisecond)},
				{Name: "fetch"},
			}},
			{Kind: domain.SegmentText, Content: "  "},
			{Kind: domain.SegmentText, Content: "Done."},
		},
		Closed: true,
	}
	assert.Equal(t, "Looking it up.\n[tool] search (250ms)\n[tool] fetch\nDone.\n", formatTurn(turn))

	failed := domain.Turn{Closed: true, Error: "backend unavailable"}
	assert.Equal(t, "error: backend unavailable\n", formatTurn(failed))

	cancelled := domain.Turn{
		Segments:  []domain.Segment{{Kind: domain.SegmentText, Content: "partial" + domain.CancelMarker}},
		Closed:    true,
		Cancelled: true,
		Error:     "run cancelled",
	}
	assert.Equal(t, "partial [cancelled]\n", formatTurn(cancelled))
}

func TestWriteBatch(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeBatch(&out, domain.CommandBatch{
		ToolName: "open_file",
		Commands: []domain.UICommand{{Type: domain.CommandOpenDocument, Path: "a.md"}},
	}))
	assert.Equal(t, `artifact: {"tool":"open_file","commands":[{"type":"open_document","path":"a.md"}]}`+"\n", out.String())
}

func TestBuildWorkspace(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Workspace.Mode = ""
		ws, err := buildWorkspace(cfg, nil)
		require.NoError(t, err)
		assert.Nil(t, ws)
	})

	t.Run("local", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Workspace.Mode = "local"
		cfg.Workspace.Root = t.TempDir()
		ws, err := buildWorkspace(cfg, nil)
		require.NoError(t, err)
		assert.IsType(t, &workspace.Local{}, ws)
	})

	t.Run("local missing root", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Workspace.Mode = "local"
		cfg.Workspace.Root = filepath.Join(t.TempDir(), "missing")
		ws, err := buildWorkspace(cfg, nil)
		require.Error(t, err)
		assert.Nil(t, ws)
	})

	t.Run("remote", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Workspace.Mode = "remote"
		ws, err := buildWorkspace(cfg, nil)
		require.NoError(t, err)
		assert.IsType(t, &workspace.Client{}, ws)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Workspace.Mode = "ftp"
		_, err := buildWorkspace(cfg, nil)
		assert.Error(t, err)
	})
}

func TestQuietTerminal(t *testing.T) {
	cfg := config.Defaults()
	cfg.History.Path = filepath.Join(t.TempDir(), "data", "history.db")
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "stdout"

	require.NoError(t, quietTerminal(cfg))
	assert.Equal(t, filepath.Join(filepath.Dir(cfg.History.Path), "agentdeck.log"), cfg.Logger.Output)
	assert.False(t, cfg.Tracer.Enabled)

	cfg.Logger.Output = "/var/log/agentdeck.log"
	require.NoError(t, quietTerminal(cfg))
	assert.Equal(t, "/var/log/agentdeck.log", cfg.Logger.Output)
}
