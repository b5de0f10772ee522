// Package policy implements the epsilon-greedy Q-learning agent that
// picks engagement actions and learns from session outcomes.
package policy

// Action is the closed set of engagement choices, ordered by increasing
// honeypot engagement cost and depth. Block terminates the connection
// without honeypot engagement.
type Action int

const (
	Ignore Action = iota
	MinimalResponse
	StandardEngagement
	DeepEngagement
	Block
)

// AllActions returns every action in cost order. SelectAction relies on
// this ordering for its least-cost tie-break.
func AllActions() []Action {
	return []Action{Ignore, MinimalResponse, StandardEngagement, DeepEngagement, Block}
}

// String implements fmt.Stringer for logs and persistence keys.
func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case MinimalResponse:
		return "minimal_response"
	case StandardEngagement:
		return "standard_engagement"
	case DeepEngagement:
		return "deep_engagement"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ActionFromString parses a persisted action name.
func ActionFromString(s string) (Action, bool) {
	for _, a := range AllActions() {
		if a.String() == s {
			return a, true
		}
	}
	return Ignore, false
}

// EngagementDepth is 0 for non-engaging actions and grows with the
// resources a honeypot interaction consumes.
func (a Action) EngagementDepth() int {
	switch a {
	case StandardEngagement:
		return 1
	case DeepEngagement:
		return 2
	default:
		return 0
	}
}

// Engages reports whether the action hands the connection to a honeypot.
func (a Action) Engages() bool {
	return a == StandardEngagement || a == DeepEngagement
}
