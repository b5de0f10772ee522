package policy

import (
	"time"

	"github.com/lucid-vigil/decoygate/pkg/config"
)

// OutcomeTag records how a session ended.
type OutcomeTag string

const (
	// OutcomeBenign: the session completed as ordinary traffic.
	OutcomeBenign OutcomeTag = "benign_confirmed"
	// OutcomeEngaged: the session was handled by a honeypot and produced
	// attacker intelligence.
	OutcomeEngaged OutcomeTag = "honeypot_engaged"
	// OutcomeBlocked: the connection was terminated immediately.
	OutcomeBlocked OutcomeTag = "blocked"
	// OutcomeAborted: the connection was torn down before routing
	// completed. Contributes a neutral reward.
	OutcomeAborted OutcomeTag = "aborted"
)

// Outcome is the observed result of a routed session, reported by the
// honeypot handler (or synthesized for pass-through sessions).
type Outcome struct {
	Tag                 OutcomeTag
	CredentialsCaptured int
	MaliciousCommands   int
	Duration            time.Duration
}

// RewardCalculator turns (action, outcome) pairs into the scalar reward
// fed back to the agent. Weights come from configuration; the defaults
// reward passing benign traffic cheaply and extracting intelligence
// from hostile traffic, and penalize wasted engagement.
type RewardCalculator struct {
	cfg config.RewardConfig
}

// NewRewardCalculator builds a calculator from the configured weights.
func NewRewardCalculator(cfg config.RewardConfig) *RewardCalculator {
	return &RewardCalculator{cfg: cfg}
}

// Calculate computes the reward for a closed session.
func (rc *RewardCalculator) Calculate(action Action, outcome Outcome) float64 {
	switch outcome.Tag {
	case OutcomeAborted:
		// No real engagement occurred; neutral rather than a penalty.
		return 0

	case OutcomeBenign:
		if action == Ignore || action == MinimalResponse {
			return rc.cfg.BenignPassed
		}
		// Engaging or blocking benign traffic wastes resources or
		// punishes legitimate users.
		return rc.cfg.BenignEngaged

	case OutcomeBlocked:
		return rc.cfg.HostileBlocked

	case OutcomeEngaged:
		if !action.Engages() {
			// The session proved hostile but we ignored it.
			return rc.cfg.HostileIgnored
		}
		depth := float64(action.EngagementDepth())
		intel := float64(outcome.CredentialsCaptured)*rc.cfg.PerCredential +
			float64(outcome.MaliciousCommands)*rc.cfg.PerCommand
		return depth + intel - depth*rc.cfg.EngagementCost

	default:
		return 0
	}
}
