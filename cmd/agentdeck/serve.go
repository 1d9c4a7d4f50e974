package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"agentdeck/internal/adapter/gateway"
	"agentdeck/internal/infra/logger"
	"agentdeck/internal/infra/middleware"
	"agentdeck/internal/usecase/artifact"
	"agentdeck/internal/usecase/scheduling"
)

// runServe runs the gateway until SIGINT or SIGTERM.
func runServe(ctx context.Context, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, opts, modeServer)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg, log := c.cfg, c.log

	// Artifact commands travel to the owning client as bus events.
	artifact.NewDispatcher(nil, artifact.NewBusSink(c.bus), logger.Component(log, "artifact")).Attach(c.bus)

	ws, err := buildWorkspace(cfg, log)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	scheduler := scheduling.NewScheduler(logger.Component(log, "scheduler"))
	if err := scheduler.Add(scheduling.ReapSessions(c.sessions, cfg.Session.ReapSchedule, cfg.Session.IdleTTL)); err != nil {
		return err
	}
	if c.history != nil {
		job := scheduling.PruneHistory(c.history, cfg.History.PruneSchedule, cfg.History.Retention, logger.Component(log, "history"))
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	auth, err := gateway.NewAuthenticator(cfg.Gateway.Auth)
	if err != nil {
		return fmt.Errorf("gateway auth: %w", err)
	}
	srv := gateway.NewServer(c.bus, auth, cfg.Gateway.Addr, logger.Component(log, "gateway"),
		gateway.WithAllowedOrigins(cfg.Gateway.AllowedOrigins),
		gateway.WithMiddleware(
			middleware.SecurityHeaders,
			middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
				RequestsPerMin: cfg.Gateway.RateLimit.RequestsPerMin,
				BurstSize:      cfg.Gateway.RateLimit.Burst,
				TrustedProxies: cfg.Gateway.RateLimit.TrustedProxies,
			}),
		),
	)
	deps := gateway.HandlerDeps{
		Sessions:  c.sessions,
		Workspace: ws,
		Jobs:      scheduler.Entries,
		Bus:       c.bus,
		Logger:    logger.Component(log, "gateway"),
		Version:   version,
	}
	// A nil *history.Store must not become a non-nil interface.
	if c.history != nil {
		deps.History = c.history
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)

	log.Info("agentdeck serving",
		"addr", cfg.Gateway.Addr,
		"auth", cfg.Gateway.Auth.Type,
		"workspace", cfg.Workspace.Mode,
		"jobs", len(scheduler.Entries()),
	)
	return srv.Start(ctx)
}
