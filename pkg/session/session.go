// Package session owns the canonical per-connection records and the
// concurrency-safe registry they live in.
package session

import (
	"sync"
	"time"

	"github.com/lucid-vigil/decoygate/pkg/features"
	"github.com/lucid-vigil/decoygate/pkg/policy"
)

// LifecycleState is the session state machine:
// Created -> Classifying -> Routed -> Closed. Closed is terminal and
// reachable from any prior state (a connection may be torn down
// mid-classification).
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateClassifying
	StateRouted
	StateClosed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateClassifying:
		return "classifying"
	case StateRouted:
		return "routed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Route says where a classified session was sent.
type Route int

const (
	RouteNone Route = iota
	RoutePassThrough
	RouteHoneypot
)

func (r Route) String() string {
	switch r {
	case RoutePassThrough:
		return "pass_through"
	case RouteHoneypot:
		return "honeypot"
	default:
		return "none"
	}
}

// Session is the canonical bookkeeping record for one connection. The
// registry exclusively owns it; collaborators hold only the ID. All
// mutation goes through methods that take the session's own lock, so
// transitions on one session are linearized without blocking others.
type Session struct {
	ID        string
	PeerAddr  string
	CreatedAt time.Time

	// RepeatPeer records whether the peer had contacted us within the
	// tracking window when the session was accepted. Set once at accept
	// time, read-only afterwards.
	RepeatPeer bool

	// Features accumulates traffic events; it has its own lock so the
	// event path never contends with state transitions.
	Features *features.Accumulator

	mu          sync.Mutex
	state       LifecycleState
	route       Route
	action      policy.Action
	policyState policy.State
	score       float64
	scored      bool
	outcome     policy.OutcomeTag
}

// New creates a session in the Created state.
func New(id, peerAddr string, sourcePort, destPort uint16) *Session {
	return &Session{
		ID:        id,
		PeerAddr:  peerAddr,
		CreatedAt: time.Now(),
		Features:  features.NewAccumulator(sourcePort, destPort),
		state:     StateCreated,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginClassification attempts the Created -> Classifying transition.
// Exactly one caller wins; duplicates and triggers arriving after close
// get false. This is what makes classification at-most-once.
func (s *Session) BeginClassification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return false
	}
	s.state = StateClassifying
	return true
}

// CompleteClassification attempts the Classifying -> Routed transition,
// recording the score, policy state, chosen action and route. It fails
// if the session was closed while classification was in flight; the
// caller then skips routing.
func (s *Session) CompleteClassification(score float64, pstate policy.State, action policy.Action, route Route) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClassifying {
		return false
	}
	s.state = StateRouted
	s.score = score
	s.scored = true
	s.policyState = pstate
	s.action = action
	s.route = route
	return true
}

// Close moves the session to its terminal state. It reports the state
// the session was in before closing and whether this call performed the
// transition (false means the session was already closed and the caller
// must not act again). Once Close has returned, the recorded decision
// is immutable: a concurrent CompleteClassification either landed
// before the close or fails after it, so the winner of Close can read
// Decision and derive the outcome without racing.
func (s *Session) Close() (prior LifecycleState, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return StateClosed, false
	}
	prior = s.state
	s.state = StateClosed
	return prior, true
}

// SetOutcome records how the session ended. Only the caller that won
// Close may set it; the first recorded outcome wins.
func (s *Session) SetOutcome(outcome policy.OutcomeTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != "" {
		return
	}
	s.outcome = outcome
}

// Decision returns the recorded classification decision. ok is false
// until the session has been routed.
func (s *Session) Decision() (score float64, pstate policy.State, action policy.Action, route Route, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scored {
		return 0, policy.State{}, policy.Ignore, RouteNone, false
	}
	return s.score, s.policyState, s.action, s.route, true
}

// Outcome returns the outcome tag recorded at close.
func (s *Session) Outcome() policy.OutcomeTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}
