package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBackend(cfg, ve)
	validateSession(cfg, ve)
	validateWorkspace(cfg, ve)
	validateHistory(cfg, ve)
	validateGateway(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var knownStreamModes = map[string]bool{
	"messages": true, "messages-tuple": true, "updates": true,
	"values": true, "events": true, "debug": true, "custom": true,
}

func validateBackend(cfg *Config, ve *ValidationError) {
	b := cfg.Backend
	if b.URL == "" {
		ve.Add("backend.url is required")
	} else if u, err := url.Parse(b.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("backend.url %q must be an absolute http(s) URL", b.URL)
	}
	if b.AssistantID == "" {
		ve.Add("backend.assistant_id is required")
	}
	for _, m := range b.StreamModes {
		if !knownStreamModes[m] {
			ve.Add("backend.stream_modes: unknown mode %q", m)
		}
	}
	if b.ConnTimeout < 0 || b.RespTimeout < 0 {
		ve.Add("backend timeouts must be >= 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.RunTimeout <= 0 {
		ve.Add("session.run_timeout must be > 0")
	}
	if s.CancelTimeout <= 0 {
		ve.Add("session.cancel_timeout must be > 0")
	}
	if s.IdleTTL < 0 {
		ve.Add("session.idle_ttl must be >= 0")
	}
	if s.ReapSchedule != "" {
		if err := validateSchedule(s.ReapSchedule); err != nil {
			ve.Add("session.reap_schedule: %v", err)
		}
	}
}

func validateWorkspace(cfg *Config, ve *ValidationError) {
	w := cfg.Workspace
	switch w.Mode {
	case "", "remote":
	case "local":
		if w.Root == "" {
			ve.Add("workspace.root is required when workspace.mode is local")
		}
	default:
		ve.Add("workspace.mode %q must be one of: remote, local, or empty", w.Mode)
	}
	if w.MaxFileSize < 0 {
		ve.Add("workspace.max_file_size must be >= 0")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	h := cfg.History
	if !h.Enabled {
		return
	}
	if h.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
	if h.Retention < time.Minute {
		ve.Add("history.retention must be at least 1m")
	}
	if h.PruneSchedule != "" {
		if err := validateSchedule(h.PruneSchedule); err != nil {
			ve.Add("history.prune_schedule: %v", err)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	switch g.Auth.Type {
	case "static", "":
		for i, tok := range g.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token is empty", i)
			}
		}
	case "jwt":
		if len(g.Auth.JWTSecret) < 16 {
			ve.Add("gateway.auth.jwt_secret must be at least 16 bytes")
		}
	default:
		ve.Add("gateway.auth.type %q must be static or jwt", g.Auth.Type)
	}
	if g.RateLimit.RequestsPerMin < 0 || g.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be noop or stdout", cfg.Tracer.Exporter)
	}
}

// validateSchedule accepts a cron expression, a descriptor (@hourly, @every 5m)
// or a plain duration, mirroring the scheduler's parser.
func validateSchedule(s string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s); err == nil {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("not a valid cron expression or duration: %q", s)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive: %q", s)
	}
	return nil
}
