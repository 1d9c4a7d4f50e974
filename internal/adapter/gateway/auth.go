package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentdeck/internal/domain"
	"agentdeck/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string // token name or JWT subject
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// NewAuthenticator builds the authenticator selected by cfg.Type.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Type {
	case "", "static":
		return NewStaticTokenAuth(cfg.Tokens), nil
	case "jwt":
		return NewJWTAuth(cfg.JWTSecret, cfg.JWTIssuer)
	default:
		return nil, fmt.Errorf("gateway: unknown auth type %q", cfg.Type)
	}
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid. Every entry is
// compared so timing does not reveal which one matched.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	var found *ClientInfo
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && found == nil {
			found = e.info
		}
	}
	if found == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return found, nil
}

// JWTAuth accepts HS256 tokens signed with a shared secret. The subject
// claim names the client.
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuth creates a JWT authenticator. issuer is checked when non-empty.
func NewJWTAuth(secret, issuer string) (*JWTAuth, error) {
	if secret == "" {
		return nil, fmt.Errorf("gateway: jwt secret is empty")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuth{secret: []byte(secret), parser: jwt.NewParser(opts...)}, nil
}

// Authenticate validates signature, expiry and issuer, and requires a
// non-empty subject.
func (a *JWTAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	claims := jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayAuthFailed, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", domain.ErrGatewayAuthFailed)
	}
	return &ClientInfo{Name: claims.Subject}, nil
}

// requestToken reads the credential from the token query parameter or an
// Authorization: Bearer header.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

var (
	_ Authenticator = (*StaticTokenAuth)(nil)
	_ Authenticator = (*JWTAuth)(nil)
)
