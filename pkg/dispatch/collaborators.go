package dispatch

import (
	"context"
	"time"

	"github.com/lucid-vigil/decoygate/pkg/policy"
)

// Handoff carries everything a honeypot handler needs to take over a
// hostile session.
type Handoff struct {
	SessionID string
	PeerAddr  string
	// Action is the interaction-level hint: deeper actions warrant more
	// expensive emulation.
	Action policy.Action
}

// HoneypotHandler is the deception collaborator. Engage hands the
// connection to a honeypot at the hinted interaction level; the handler
// reports the observed outcome back through Dispatcher.HandleClose.
type HoneypotHandler interface {
	Engage(ctx context.Context, handoff Handoff) error
}

// Forwarder is the transport collaborator for non-engaged sessions:
// Forward passes the connection through to its real destination,
// Terminate drops it immediately.
type Forwarder interface {
	Forward(ctx context.Context, sessionID, peerAddr string) error
	Terminate(ctx context.Context, sessionID, peerAddr string) error
}

// Escalator provides the optional secondary opinion for scores inside
// the borderline band. Assess returns a revised anomaly score. The call
// is advisory: on error or timeout the dispatcher proceeds with the
// classifier's own score.
type Escalator interface {
	Assess(ctx context.Context, sessionID string, featureVector []float64, score float64) (float64, error)
}

// OutcomeReport is the summary a honeypot handler delivers when a
// session it engaged ends.
type OutcomeReport struct {
	CredentialsCaptured int
	MaliciousCommands   int
	Duration            time.Duration
}
