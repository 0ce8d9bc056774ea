// Package auth defines the token-verification and service-readiness
// capabilities consumed while a connection moves through its setup stages.
// Verification itself is an external capability; this package holds the
// interfaces plus a static verifier used for wiring and tests.
package auth

import (
	"context"
	"fmt"
	"sync"
)

// ErrInvalidToken is returned when a token does not verify for a user.
var ErrInvalidToken = fmt.Errorf("invalid token")

// TokenVerifier checks that a token is valid for a user. Consumed during
// the accepted -> authenticated transition.
type TokenVerifier interface {
	Verify(ctx context.Context, userID, token string) error
}

// VerifierFunc adapts a function to the TokenVerifier interface.
type VerifierFunc func(ctx context.Context, userID, token string) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, userID, token string) error {
	return f(ctx, userID, token)
}

// StaticVerifier verifies against a fixed user -> token map.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticVerifier creates a verifier over a copy of tokens.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(tokens))
	for user, token := range tokens {
		copied[user] = token
	}
	return &StaticVerifier{tokens: copied}
}

// Verify checks the token registered for userID.
func (v *StaticVerifier) Verify(ctx context.Context, userID, token string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	expected, ok := v.tokens[userID]
	if !ok || expected != token {
		return fmt.Errorf("user %q: %w", userID, ErrInvalidToken)
	}
	return nil
}

// SetToken registers or replaces a user's token.
func (v *StaticVerifier) SetToken(userID, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[userID] = token
}

// ReadinessProbe reports whether downstream services are ready for a
// connection. Consumed during authenticated -> services_ready.
type ReadinessProbe interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function to the ReadinessProbe interface.
type ProbeFunc func(ctx context.Context) error

// Ready calls f.
func (f ProbeFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// AlwaysReady returns a probe that always succeeds.
func AlwaysReady() ReadinessProbe {
	return ProbeFunc(func(ctx context.Context) error { return nil })
}
