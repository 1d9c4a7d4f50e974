package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"agentdeck/internal/adapter/history"
	"agentdeck/internal/adapter/langgraph"
	"agentdeck/internal/adapter/workspace"
	"agentdeck/internal/domain"
	"agentdeck/internal/infra/config"
	"agentdeck/internal/infra/logger"
	"agentdeck/internal/infra/tracer"
	"agentdeck/internal/usecase/eventbus"
	"agentdeck/internal/usecase/session"
)

const shutdownTimeout = 10 * time.Second

// core holds the components every runtime command shares.
type core struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	backend  *langgraph.Client
	sessions *session.Manager
	history  *history.Store // nil when history is disabled

	cleanups []func()
}

// coreMode adjusts the ambient stack for commands that own the terminal.
type coreMode int

const (
	modeServer coreMode = iota
	modeTerminal
)

// buildCore loads config and wires logger, tracer, bus, backend client,
// session manager and the history recorder.
func buildCore(ctx context.Context, opts options, mode coreMode) (*core, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if mode == modeTerminal {
		if err := quietTerminal(cfg); err != nil {
			return nil, err
		}
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	c := &core{cfg: cfg, log: log}
	c.onClose(func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	c.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		tracerShutdown(shutdownCtx)
	})

	c.bus = eventbus.New(logger.Component(log, "eventbus"))

	c.backend = langgraph.NewClient(cfg.Backend, logger.Component(log, "langgraph"))
	c.sessions = session.NewManager(c.backend, c.bus, session.Config{
		AssistantID:   cfg.Backend.AssistantID,
		RunTimeout:    cfg.Session.RunTimeout,
		CancelTimeout: cfg.Session.CancelTimeout,
	}, logger.Component(log, "session"))

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			c.bus.Close()
			c.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		c.history = store
		c.onClose(func() { store.Close() })
		history.NewRecorder(store, logger.Component(log, "history")).Attach(c.bus)
	}
	// Closing the bus drains queued events into the recorder.
	c.onClose(c.bus.Close)

	c.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.sessions.Shutdown(shutdownCtx); err != nil {
			log.Warn("session shutdown incomplete", "error", err)
		}
	})

	log.Info("agentdeck core ready",
		"version", version,
		"backend", cfg.Backend.URL,
		"assistant", cfg.Backend.AssistantID,
		"history", cfg.History.Enabled,
	)
	return c, nil
}

// onClose registers a cleanup. Cleanups run in reverse order.
func (c *core) onClose(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// Close runs the cleanups. Sessions shut down first so their final turns
// still reach the history recorder.
func (c *core) Close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

// newSession opens a fresh UI session.
func (c *core) newSession() (*session.Controller, error) {
	ctrl, _, err := c.sessions.GetOrCreate("")
	return ctrl, err
}

// quietTerminal keeps log and trace output off a terminal the command
// draws on. Logs go to a file next to the history database.
func quietTerminal(cfg *config.Config) error {
	switch cfg.Logger.Output {
	case "", "stderr", "stdout":
		dir := filepath.Dir(cfg.History.Path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		cfg.Logger.Output = filepath.Join(dir, "agentdeck.log")
	}
	if cfg.Tracer.Exporter == "stdout" {
		cfg.Tracer.Enabled = false
	}
	return nil
}

// buildWorkspace selects the workspace service for workspace.mode.
func buildWorkspace(cfg *config.Config, log *slog.Logger) (domain.Workspace, error) {
	switch cfg.Workspace.Mode {
	case "":
		return nil, nil
	case "local":
		local, err := workspace.NewLocal(cfg.Workspace.Root, cfg.Workspace.MaxFileSize, logger.Component(log, "workspace"))
		if err != nil {
			return nil, err
		}
		return local, nil
	case "remote":
		bc := cfg.Backend
		if cfg.Workspace.URL != "" {
			bc.URL = cfg.Workspace.URL
		}
		return workspace.NewClient(langgraph.NewClient(bc, logger.Component(log, "workspace"))), nil
	default:
		return nil, fmt.Errorf("unknown workspace mode %q", cfg.Workspace.Mode)
	}
}
