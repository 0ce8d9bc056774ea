package auth

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/logging"
)

// Gatekeeper drives a connection through its setup stages, consuming the
// external auth and readiness capabilities at the stage transitions that
// require them.
type Gatekeeper struct {
	verifier TokenVerifier
	probe    ReadinessProbe
	log      zerolog.Logger
}

// NewGatekeeper creates a Gatekeeper over the given capabilities.
func NewGatekeeper(verifier TokenVerifier, probe ReadinessProbe) *Gatekeeper {
	if probe == nil {
		probe = AlwaysReady()
	}
	return &Gatekeeper{
		verifier: verifier,
		probe:    probe,
		log:      logging.Component("auth"),
	}
}

// Accept marks the transport handshake complete.
func (g *Gatekeeper) Accept(conn *connstate.Connection) error {
	if !conn.TransitionTo(connstate.Accepted, "transport handshake complete") {
		return fmt.Errorf("connection %s: cannot accept in state %s", conn.ID(), conn.State())
	}
	return nil
}

// Authenticate verifies the token and advances to authenticated. On a
// failed verification the connection stays in accepted; the caller is
// expected to unregister it, which surfaces as a definitive disconnect.
func (g *Gatekeeper) Authenticate(ctx context.Context, conn *connstate.Connection, token string) error {
	if err := g.verifier.Verify(ctx, conn.UserID(), token); err != nil {
		g.log.Warn().
			Str("connectionID", conn.ID()).
			Str("userID", conn.UserID()).
			Msg("token verification failed")
		return err
	}
	if !conn.TransitionTo(connstate.Authenticated, "token verified") {
		return fmt.Errorf("connection %s: cannot authenticate in state %s", conn.ID(), conn.State())
	}
	return nil
}

// MarkServicesReady runs the readiness probe and advances to
// services_ready.
func (g *Gatekeeper) MarkServicesReady(ctx context.Context, conn *connstate.Connection) error {
	if err := g.probe.Ready(ctx); err != nil {
		return fmt.Errorf("connection %s: readiness probe: %w", conn.ID(), err)
	}
	if !conn.TransitionTo(connstate.ServicesReady, "service probes passed") {
		return fmt.Errorf("connection %s: cannot mark services ready in state %s", conn.ID(), conn.State())
	}
	return nil
}

// Activate admits the connection for message processing.
func (g *Gatekeeper) Activate(conn *connstate.Connection) error {
	if !conn.TransitionTo(connstate.ProcessingReady, "setup complete") {
		return fmt.Errorf("connection %s: cannot activate in state %s", conn.ID(), conn.State())
	}
	return nil
}

// Establish runs the full setup progression for a fresh connection.
func (g *Gatekeeper) Establish(ctx context.Context, conn *connstate.Connection, token string) error {
	if err := g.Accept(conn); err != nil {
		return err
	}
	if err := g.Authenticate(ctx, conn, token); err != nil {
		return err
	}
	if err := g.MarkServicesReady(ctx, conn); err != nil {
		return err
	}
	return g.Activate(conn)
}
