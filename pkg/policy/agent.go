package policy

import (
	"math/rand"
	"sync"

	"github.com/lucid-vigil/decoygate/pkg/config"
	"github.com/rs/zerolog"
)

// Agent is the epsilon-greedy Q-learning policy. The Q-table is the
// only learned state in the engine; all reads and writes go through the
// agent's mutex so concurrent sessions never lose an update.
type Agent struct {
	mu sync.Mutex

	qtable map[State]map[Action]float64
	cfg    config.PolicyConfig
	rng    *rand.Rand
	logger zerolog.Logger

	epsilon         float64
	episodesTrained int
}

// Stats summarizes the agent's learning progress.
type Stats struct {
	EpisodesTrained int     `json:"episodes_trained"`
	StatesExplored  int     `json:"states_explored"`
	Epsilon         float64 `json:"epsilon"`
	AvgQValue       float64 `json:"avg_q_value"`
}

// NewAgent creates an agent from the configured learning parameters.
// seed fixes the exploration RNG; pass a time-based seed in production.
func NewAgent(cfg config.PolicyConfig, seed int64, logger zerolog.Logger) *Agent {
	return &Agent{
		qtable:  make(map[State]map[Action]float64),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		logger:  logger.With().Str("component", "policy_agent").Logger(),
		epsilon: cfg.Epsilon,
	}
}

// SelectAction chooses an action for the given state. With probability
// epsilon it explores uniformly at random; otherwise it exploits the
// highest Q-estimate, breaking ties in favor of the least-costly action
// to bound resource spend under uncertainty.
func (a *Agent) SelectAction(state State) Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() < a.epsilon {
		actions := AllActions()
		return actions[a.rng.Intn(len(actions))]
	}
	return a.bestActionLocked(state)
}

// bestActionLocked returns the greedy action. AllActions is in cost
// order and the comparison is strict, so the cheapest action wins ties.
func (a *Agent) bestActionLocked(state State) Action {
	best := Ignore
	bestQ := a.qValueLocked(state, Ignore)
	for _, action := range AllActions()[1:] {
		if q := a.qValueLocked(state, action); q > bestQ {
			best = action
			bestQ = q
		}
	}
	return best
}

// Update applies the temporal-difference rule:
// Q(s,a) += alpha * (r + gamma * max_a' Q(s',a') - Q(s,a)).
// Callers guarantee exactly-once reward application per session; the
// agent performs no deduplication.
func (a *Agent) Update(state State, action Action, reward float64, nextState State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.qValueLocked(state, action)

	maxNext := 0.0
	if actions, ok := a.qtable[nextState]; ok {
		first := true
		for _, q := range actions {
			if first || q > maxNext {
				maxNext = q
				first = false
			}
		}
	}

	updated := current + a.cfg.LearningRate*(reward+a.cfg.DiscountFactor*maxNext-current)

	if _, ok := a.qtable[state]; !ok {
		a.qtable[state] = make(map[Action]float64)
	}
	a.qtable[state][action] = updated

	a.logger.Debug().
		Str("state", state.Key()).
		Str("action", action.String()).
		Float64("reward", reward).
		Float64("q_value", updated).
		Msg("Policy estimate updated")
}

// QValue returns the current estimate for a state-action pair. Unseen
// pairs default to zero.
func (a *Agent) QValue(state State, action Action) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.qValueLocked(state, action)
}

func (a *Agent) qValueLocked(state State, action Action) float64 {
	if actions, ok := a.qtable[state]; ok {
		return actions[action]
	}
	return 0
}

// FinishEpisode marks the end of a training episode and decays epsilon
// toward its floor. In inference-only mode this is simply never called
// and epsilon stays fixed.
func (a *Agent) FinishEpisode() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.episodesTrained++
	a.epsilon *= a.cfg.EpsilonDecay
	if a.epsilon < a.cfg.EpsilonMin {
		a.epsilon = a.cfg.EpsilonMin
	}
}

// Epsilon returns the current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilon
}

// SetEpsilon overrides the exploration rate. Used by the trainer and by
// tests that need deterministic greedy behavior.
func (a *Agent) SetEpsilon(epsilon float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epsilon = epsilon
}

// GetStats reports learning statistics.
func (a *Agent) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum := 0.0
	count := 0
	for _, actions := range a.qtable {
		for _, q := range actions {
			sum += q
			count++
		}
	}
	avg := 0.0
	if count > 0 {
		avg = sum / float64(count)
	}

	return Stats{
		EpisodesTrained: a.episodesTrained,
		StatesExplored:  len(a.qtable),
		Epsilon:         a.epsilon,
		AvgQValue:       avg,
	}
}

// Entry is one persisted (state, action) estimate.
type Entry struct {
	StateKey string  `json:"state"`
	Action   string  `json:"action"`
	Value    float64 `json:"value"`
}

// Snapshot exports the Q-table as a flat keyed record list.
type Snapshot struct {
	Entries         []Entry `json:"entries"`
	EpisodesTrained int     `json:"episodes_trained"`
	Epsilon         float64 `json:"epsilon"`
}

// Snapshot returns a copy of the learned state for persistence.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		EpisodesTrained: a.episodesTrained,
		Epsilon:         a.epsilon,
	}
	for state, actions := range a.qtable {
		for action, value := range actions {
			snap.Entries = append(snap.Entries, Entry{
				StateKey: state.Key(),
				Action:   action.String(),
				Value:    value,
			})
		}
	}
	return snap
}

// Restore repopulates the Q-table from a snapshot, replacing any
// existing estimates. Unparseable entries are skipped and logged.
func (a *Agent) Restore(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.qtable = make(map[State]map[Action]float64)
	restored := 0
	for _, entry := range snap.Entries {
		state, ok := StateFromKey(entry.StateKey)
		if !ok {
			a.logger.Warn().Str("state", entry.StateKey).Msg("Skipping snapshot entry with unknown state")
			continue
		}
		action, ok := ActionFromString(entry.Action)
		if !ok {
			a.logger.Warn().Str("action", entry.Action).Msg("Skipping snapshot entry with unknown action")
			continue
		}
		if _, exists := a.qtable[state]; !exists {
			a.qtable[state] = make(map[Action]float64)
		}
		a.qtable[state][action] = entry.Value
		restored++
	}
	a.episodesTrained = snap.EpisodesTrained
	if snap.Epsilon > 0 {
		a.epsilon = snap.Epsilon
	}

	a.logger.Info().Int("entries", restored).Int("episodes", snap.EpisodesTrained).
		Msg("Q-table restored from snapshot")
}
