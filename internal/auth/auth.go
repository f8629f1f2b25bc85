// Package auth validates caller credentials on the relay surface.
//
// The relay treats caller identity as opaque: a bearer token must be present
// and, depending on the configured mode, must match a known value. Anything
// richer (OAuth, per-tenant keys) plugs in behind the Validator interface.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/threadline/relay/internal/config"
)

// Validator decides whether a presented bearer token is acceptable.
type Validator interface {
	Validate(token string) bool
}

// NoopValidator accepts any non-empty token. Used in "none" mode where the
// deployment trusts its network boundary.
type NoopValidator struct{}

// Validate implements Validator.
func (NoopValidator) Validate(token string) bool { return token != "" }

// StaticValidator accepts tokens from a fixed allow list.
type StaticValidator struct {
	tokens []string
}

// NewStaticValidator creates a validator over the given allow list.
func NewStaticValidator(tokens []string) *StaticValidator {
	return &StaticValidator{tokens: tokens}
}

// Validate implements Validator. Comparison is constant-time per candidate.
func (v *StaticValidator) Validate(token string) bool {
	if token == "" {
		return false
	}
	for _, candidate := range v.tokens {
		if len(candidate) == len(token) && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// NewValidator builds the validator for the configured auth mode.
func NewValidator(cfg config.AuthConfig) (Validator, error) {
	switch cfg.Mode {
	case "", "none":
		return NoopValidator{}, nil
	case "static":
		if len(cfg.Tokens) == 0 {
			return nil, fmt.Errorf("auth mode %q requires at least one token", cfg.Mode)
		}
		return NewStaticValidator(cfg.Tokens), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// BearerToken extracts the token value from an Authorization header.
// "Bearer sk-..." yields "sk-..."; a bare token passes through unchanged
// since some clients omit the prefix.
func BearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimSpace(authHeader[len(bearerPrefix):])
	}

	return authHeader
}
