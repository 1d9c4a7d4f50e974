package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	History   HistoryConfig   `yaml:"history"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// BackendConfig describes the LangGraph agent server.
type BackendConfig struct {
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"` // may be "enc:..."
	AssistantID    string               `yaml:"assistant_id"`
	StreamModes    []string             `yaml:"stream_modes"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"` // time to first response header
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig holds HTTP connection pool settings for the backend client.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures the backend circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // open -> half-open
	Interval    time.Duration `yaml:"interval"` // failure count reset period while closed
}

// SessionConfig bounds run lifecycles.
type SessionConfig struct {
	RunTimeout    time.Duration `yaml:"run_timeout"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	ReapSchedule  string        `yaml:"reap_schedule"`
}

// WorkspaceConfig selects the workspace file service.
type WorkspaceConfig struct {
	Mode        string `yaml:"mode"` // "remote", "local" or "" (disabled)
	URL         string `yaml:"url"`  // remote mode; defaults to backend.url
	Root        string `yaml:"root"` // local mode
	MaxFileSize int64  `yaml:"max_file_size"`
}

// HistoryConfig controls the local turn cache.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string          `yaml:"addr"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"` // WebSocket origin patterns; localhost when empty
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type      string        `yaml:"type"` // "static" or "jwt"
	Tokens    []TokenConfig `yaml:"tokens,omitempty"`
	JWTSecret string        `yaml:"jwt_secret,omitempty"` // may be "enc:..."
	JWTIssuer string        `yaml:"jwt_issuer,omitempty"`
}

// TokenConfig holds a single static gateway token.
type TokenConfig struct {
	Token string `yaml:"token"` // may be "enc:..."
	Name  string `yaml:"name"`
}

// RateLimitConfig configures the per-IP limiter on gateway HTTP routes.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultStreamModes are requested when backend.stream_modes is empty.
var DefaultStreamModes = []string{"messages", "updates", "values", "events"}

// defaultDataDir returns the persistent data directory under $HOME/.agentdeck.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentdeck")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Backend: BackendConfig{
			URL:         "http://localhost:2024",
			AssistantID: "agent",
			StreamModes: append([]string(nil), DefaultStreamModes...),
			ConnTimeout: 30 * time.Second,
			RespTimeout: 60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Session: SessionConfig{
			// Stays under the 300s request ceiling common to hosting platforms.
			RunTimeout:    280 * time.Second,
			CancelTimeout: 10 * time.Second,
			IdleTTL:       30 * time.Minute,
			ReapSchedule:  "@every 5m",
		},
		Workspace: WorkspaceConfig{
			Mode:        "remote",
			MaxFileSize: 5 << 20,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "history.db"),
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8090",
			Auth: AuthConfig{Type: "static"},
			RateLimit: RateLimitConfig{
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTDECK_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTDECK_* env vars to config fields. The
// LANGGRAPH_API_URL and LANGSMITH_API_KEY variables used by LangGraph
// tooling are honoured when the AGENTDECK_ equivalents are unset.
func ApplyEnvOverrides(cfg *Config) {
	if v := firstEnv("AGENTDECK_BACKEND_URL", "LANGGRAPH_API_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := firstEnv("AGENTDECK_BACKEND_API_KEY", "LANGSMITH_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := firstEnv("AGENTDECK_ASSISTANT_ID", "LANGGRAPH_ASSISTANT_ID"); v != "" {
		cfg.Backend.AssistantID = v
	}
	if v := os.Getenv("AGENTDECK_STREAM_MODES"); v != "" {
		cfg.Backend.StreamModes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTDECK_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.RunTimeout = d
		}
	}
	if v := os.Getenv("AGENTDECK_WORKSPACE_MODE"); v != "" {
		cfg.Workspace.Mode = v
	}
	if v := os.Getenv("AGENTDECK_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("AGENTDECK_WORKSPACE_URL"); v != "" {
		cfg.Workspace.URL = v
	}
	if v := os.Getenv("AGENTDECK_HISTORY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.History.Enabled = b
		}
	}
	if v := os.Getenv("AGENTDECK_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("AGENTDECK_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTDECK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("AGENTDECK_GATEWAY_JWT_SECRET"); v != "" {
		cfg.Gateway.Auth.JWTSecret = v
	}
	if v := os.Getenv("AGENTDECK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTDECK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTDECK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTDECK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"backend.api_key", &cfg.Backend.APIKey},
		{"gateway.auth.jwt_secret", &cfg.Gateway.Auth.JWTSecret},
	}
	for i := range cfg.Gateway.Auth.Tokens {
		fields = append(fields, struct {
			name string
			ptr  *string
		}{"gateway auth token " + cfg.Gateway.Auth.Tokens[i].Name, &cfg.Gateway.Auth.Tokens[i].Token})
	}

	for _, f := range fields {
		if !strings.HasPrefix(*f.ptr, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*f.ptr, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
