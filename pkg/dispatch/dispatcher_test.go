package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/decoygate/pkg/classifier"
	"github.com/lucid-vigil/decoygate/pkg/config"
	enginerr "github.com/lucid-vigil/decoygate/pkg/errors"
	"github.com/lucid-vigil/decoygate/pkg/events"
	"github.com/lucid-vigil/decoygate/pkg/features"
	"github.com/lucid-vigil/decoygate/pkg/metrics"
	"github.com/lucid-vigil/decoygate/pkg/policy"
	"github.com/lucid-vigil/decoygate/pkg/session"
	"github.com/lucid-vigil/decoygate/pkg/store"
)

type fakeForwarder struct {
	mu         sync.Mutex
	forwarded  []string
	terminated []string
}

func (f *fakeForwarder) Forward(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, sessionID)
	return nil
}

func (f *fakeForwarder) Terminate(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func (f *fakeForwarder) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

func (f *fakeForwarder) terminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

type fakeHoneypot struct {
	mu       sync.Mutex
	handoffs []Handoff
	err      error
}

func (h *fakeHoneypot) Engage(_ context.Context, handoff Handoff) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.handoffs = append(h.handoffs, handoff)
	return nil
}

func (h *fakeHoneypot) engaged() []Handoff {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Handoff, len(h.handoffs))
	copy(out, h.handoffs)
	return out
}

type escalatorFunc func(ctx context.Context, sessionID string, fv []float64, score float64) (float64, error)

func (f escalatorFunc) Assess(ctx context.Context, sessionID string, fv []float64, score float64) (float64, error) {
	return f(ctx, sessionID, fv, score)
}

type fakePressure struct{ pressured bool }

func (p *fakePressure) UnderPressure() bool { return p.pressured }

type fakeLedger struct {
	mu   sync.Mutex
	recs []store.OutcomeRecord
}

func (l *fakeLedger) RecordOutcome(rec store.OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func (l *fakeLedger) records() []store.OutcomeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.OutcomeRecord, len(l.recs))
	copy(out, l.recs)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			MaxSessions:          100,
			TriggerMinEvents:     5,
			TriggerTimeout:       time.Hour,
			RepeatOffenderWindow: time.Hour,
		},
		Classifier: config.ClassifierConfig{AnomalyThreshold: 0.7},
		Policy: config.PolicyConfig{
			LearningRate:   0.1,
			DiscountFactor: 0.95,
			Epsilon:        0,
			EpsilonDecay:   0.995,
			EpsilonMin:     0.01,
			Reward: config.RewardConfig{
				BenignPassed:   1.0,
				BenignEngaged:  -2.0,
				HostileIgnored: -3.0,
				HostileBlocked: 1.0,
				PerCredential:  2.0,
				PerCommand:     0.5,
				EngagementCost: 0.5,
			},
		},
		Escalation: config.EscalationConfig{
			Enabled:        false,
			BorderlineBand: 0.1,
			Timeout:        50 * time.Millisecond,
		},
	}
}

type harness struct {
	d         *Dispatcher
	agent     *policy.Agent
	registry  *session.Registry
	collector *metrics.Collector
	forwarder *fakeForwarder
	honeypot  *fakeHoneypot
	ledger    *fakeLedger
	peers     *events.PeerTracker
}

func newHarness(t *testing.T, cfg *config.Config, mutate func(*Deps)) *harness {
	t.Helper()

	logger := zerolog.Nop()
	h := &harness{
		agent:     policy.NewAgent(cfg.Policy, 1, logger),
		registry:  session.NewRegistry(cfg.Engine.MaxSessions, logger),
		collector: metrics.NewCollector(),
		forwarder: &fakeForwarder{},
		honeypot:  &fakeHoneypot{},
		ledger:    &fakeLedger{},
		peers:     events.NewPeerTracker(cfg.Engine.RepeatOffenderWindow),
	}
	t.Cleanup(h.peers.Stop)

	deps := Deps{
		Registry:  h.registry,
		Detector:  classifier.NewDetector(nil, cfg.Classifier.AnomalyThreshold, logger),
		Agent:     h.agent,
		Rewards:   policy.NewRewardCalculator(cfg.Policy.Reward),
		Peers:     h.peers,
		Collector: h.collector,
		Honeypot:  h.honeypot,
		Forwarder: h.forwarder,
		Ledger:    h.ledger,
	}
	if mutate != nil {
		mutate(&deps)
	}

	h.d = New(cfg, deps, logger)
	t.Cleanup(h.d.Shutdown)
	return h
}

// benignEvents is balanced, slow traffic from a service-looking source
// port: every heuristic term stays near zero.
func benignEvents(n int) []features.Event {
	base := time.Now()
	evs := make([]features.Event, 0, n)
	for i := 0; i < n; i++ {
		dir := features.Inbound
		if i%2 == 0 {
			dir = features.Outbound
		}
		evs = append(evs, features.Event{
			Seq:       uint64(i + 1),
			Kind:      features.KindPacket,
			Direction: dir,
			Bytes:     500,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return evs
}

// hostileEvents is a 10-event burst with maxed brute-force, command-rate,
// burstiness, asymmetry and odd-port evidence; the heuristic scores it
// around 0.9.
func hostileEvents() []features.Event {
	base := time.Now()
	evs := make([]features.Event, 0, 10)
	seq := uint64(1)
	for i := 0; i < 5; i++ {
		evs = append(evs, features.Event{
			Seq:       seq,
			Kind:      features.KindAuthFailure,
			Timestamp: base.Add(time.Duration(i) * 200 * time.Microsecond),
		})
		seq++
	}
	for i := 0; i < 2; i++ {
		evs = append(evs, features.Event{
			Seq:       seq,
			Kind:      features.KindCommand,
			Timestamp: base.Add(time.Duration(i) * 300 * time.Microsecond),
		})
		seq++
	}
	for i := 0; i < 3; i++ {
		evs = append(evs, features.Event{
			Seq:       seq,
			Kind:      features.KindPacket,
			Direction: features.Outbound,
			Bytes:     4000,
			Timestamp: base.Add(time.Duration(i) * 500 * time.Microsecond),
		})
		seq++
	}
	return evs
}

// borderlineEvents scores 0.65 (brute force + command rate + odd port,
// no packet evidence), inside the default borderline band.
func borderlineEvents() []features.Event {
	base := time.Now()
	evs := make([]features.Event, 0, 7)
	seq := uint64(1)
	for i := 0; i < 5; i++ {
		evs = append(evs, features.Event{
			Seq:       seq,
			Kind:      features.KindAuthFailure,
			Timestamp: base.Add(time.Duration(i) * 200 * time.Microsecond),
		})
		seq++
	}
	for i := 0; i < 2; i++ {
		evs = append(evs, features.Event{
			Seq:       seq,
			Kind:      features.KindCommand,
			Timestamp: base.Add(time.Duration(i) * 300 * time.Microsecond),
		})
		seq++
	}
	return evs
}

func feed(t *testing.T, h *harness, sessionID string, evs []features.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, h.d.HandleTraffic(context.Background(), sessionID, ev))
	}
}

func TestAcceptRegistersSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	id, err := h.d.HandleAccept(context.Background(), "", "203.0.113.9:41000", 443, 22)
	require.NoError(t, err)
	assert.NotEmpty(t, id, "empty session id gets a generated one")
	assert.Equal(t, 1, h.registry.Len())

	sess, ok := h.registry.Get(id)
	require.True(t, ok)
	assert.False(t, sess.RepeatPeer)

	// Second connection from the same host is a repeat.
	id2, err := h.d.HandleAccept(context.Background(), "", "203.0.113.9:41001", 443, 22)
	require.NoError(t, err)
	sess2, ok := h.registry.Get(id2)
	require.True(t, ok)
	assert.True(t, sess2.RepeatPeer)
}

func TestAcceptRejectsWhenRegistryFull(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxSessions = 1
	h := newHarness(t, cfg, nil)

	_, err := h.d.HandleAccept(context.Background(), "s1", "203.0.113.1:1000", 443, 22)
	require.NoError(t, err)

	_, err = h.d.HandleAccept(context.Background(), "s2", "203.0.113.2:1000", 443, 22)
	assert.ErrorIs(t, err, enginerr.ErrRegistryFull)
	assert.Equal(t, int64(1), h.collector.CounterValue(metrics.MetricRejected, map[string]string{"reason": "capacity"}))
}

func TestAcceptRejectsUnderMemoryPressure(t *testing.T) {
	h := newHarness(t, testConfig(), func(d *Deps) {
		d.Pressure = &fakePressure{pressured: true}
	})

	_, err := h.d.HandleAccept(context.Background(), "s1", "203.0.113.1:1000", 443, 22)
	assert.ErrorIs(t, err, enginerr.ErrRegistryFull)
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, int64(1), h.collector.CounterValue(metrics.MetricRejected, map[string]string{"reason": "pressure"}))
}

func TestBenignSessionForwarded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	id, err := h.d.HandleAccept(context.Background(), "", "203.0.113.1:443", 443, 8080)
	require.NoError(t, err)

	feed(t, h, id, benignEvents(5))

	assert.Equal(t, 1, h.forwarder.forwardCount())
	assert.Empty(t, h.honeypot.engaged())

	sess, ok := h.registry.Get(id)
	require.True(t, ok)
	score, _, action, route, decided := sess.Decision()
	require.True(t, decided)
	assert.Less(t, score, 0.3)
	assert.Equal(t, policy.Ignore, action, "empty table ties break to the cheapest action")
	assert.Equal(t, session.RoutePassThrough, route)
}

func TestHostileSessionEngagesHoneypot(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 10
	h := newHarness(t, cfg, nil)

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	feed(t, h, id, hostileEvents())

	handoffs := h.honeypot.engaged()
	require.Len(t, handoffs, 1)
	assert.Equal(t, id, handoffs[0].SessionID)
	assert.Equal(t, 0, h.forwarder.forwardCount())

	sess, ok := h.registry.Get(id)
	require.True(t, ok)
	score, _, _, route, decided := sess.Decision()
	require.True(t, decided)
	assert.GreaterOrEqual(t, score, 0.7)
	assert.Equal(t, session.RouteHoneypot, route)
}

func TestClassificationHappensAtMostOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	id, err := h.d.HandleAccept(context.Background(), "", "203.0.113.1:443", 443, 8080)
	require.NoError(t, err)

	// Prime just below the trigger, then storm it from many goroutines.
	feed(t, h, id, benignEvents(4))

	base := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := features.Event{
				Seq:       uint64(100 + i),
				Kind:      features.KindPacket,
				Direction: features.Inbound,
				Bytes:     500,
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}
			_ = h.d.HandleTraffic(context.Background(), id, ev)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.forwarder.forwardCount(), "exactly one trigger may route")
	assert.Equal(t, int64(1), h.collector.CounterValue(metrics.MetricClassifications, map[string]string{"strategy": "heuristic"}))
}

func TestTriggerTimeoutForcesClassification(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)

	id, err := h.d.HandleAccept(context.Background(), "", "203.0.113.1:443", 443, 8080)
	require.NoError(t, err)

	// Two events, well below the event-count trigger.
	feed(t, h, id, benignEvents(2))

	assert.Eventually(t, func() bool {
		return h.forwarder.forwardCount() == 1
	}, time.Second, 5*time.Millisecond, "idle session must be force-classified on timeout")
}

func TestBlockTerminatesAndFinalizesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 10
	h := newHarness(t, cfg, nil)

	// Teach the agent that blocking high-scoring first contacts pays.
	hostileState := policy.State{Bucket: policy.BucketHigh}
	h.agent.Update(hostileState, policy.Block, 100, hostileState)

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	feed(t, h, id, hostileEvents())

	assert.Equal(t, 1, h.forwarder.terminateCount())
	assert.Empty(t, h.honeypot.engaged())

	// Blocked sessions finalize without waiting for a close event.
	_, ok := h.registry.Get(id)
	assert.False(t, ok, "blocked session must be evicted")

	recs := h.ledger.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(policy.OutcomeBlocked), recs[0].Outcome)
	assert.Equal(t, "block", recs[0].Action)
	assert.Equal(t, 1.0, recs[0].Reward)

	// A late transport close for the finalized session is a no-op.
	require.NoError(t, h.d.HandleClose(context.Background(), id, nil))
	assert.Len(t, h.ledger.records(), 1)
}

func TestEngagedOutcomeFeedsRewardBackOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 10
	h := newHarness(t, cfg, nil)

	hostileState := policy.State{Bucket: policy.BucketHigh}
	h.agent.Update(hostileState, policy.DeepEngagement, 100, hostileState)
	require.Equal(t, 10.0, h.agent.QValue(hostileState, policy.DeepEngagement))

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	feed(t, h, id, hostileEvents())

	handoffs := h.honeypot.engaged()
	require.Len(t, handoffs, 1)
	assert.Equal(t, policy.DeepEngagement, handoffs[0].Action)

	report := &OutcomeReport{CredentialsCaptured: 2, MaliciousCommands: 4, Duration: 10 * time.Second}
	require.NoError(t, h.d.HandleClose(context.Background(), id, report))

	// reward = depth(2) + 2*2.0 + 4*0.5 - 2*0.5 = 7.0
	// Q = 10 + 0.1*(7 + 0.95*0 - 10) = 9.7
	assert.InDelta(t, 9.7, h.agent.QValue(hostileState, policy.DeepEngagement), 1e-9)

	recs := h.ledger.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(policy.OutcomeEngaged), recs[0].Outcome)
	assert.Equal(t, 7.0, recs[0].Reward)

	// Duplicate close must not double-apply the reward.
	require.NoError(t, h.d.HandleClose(context.Background(), id, report))
	assert.InDelta(t, 9.7, h.agent.QValue(hostileState, policy.DeepEngagement), 1e-9)
	assert.Len(t, h.ledger.records(), 1)
}

func TestCloseBeforeClassificationIsAborted(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	id, err := h.d.HandleAccept(context.Background(), "", "203.0.113.1:443", 443, 8080)
	require.NoError(t, err)
	feed(t, h, id, benignEvents(2))

	require.NoError(t, h.d.HandleClose(context.Background(), id, nil))

	_, ok := h.registry.Get(id)
	assert.False(t, ok)
	assert.Empty(t, h.ledger.records(), "aborted sessions leave no outcome row")
	assert.Equal(t, 0, h.agent.GetStats().EpisodesTrained, "aborted sessions must not train the policy")
}

func TestCloseDuringClassificationSkipsRoutingAndReward(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 7
	cfg.Escalation.Enabled = true
	cfg.Escalation.Timeout = time.Second

	entered := make(chan struct{})
	release := make(chan struct{})
	blocker := escalatorFunc(func(_ context.Context, _ string, _ []float64, score float64) (float64, error) {
		close(entered)
		<-release
		return score, nil
	})

	h := newHarness(t, cfg, func(d *Deps) { d.Escalator = blocker })

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	evs := borderlineEvents()
	feed(t, h, id, evs[:6])

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.d.HandleTraffic(context.Background(), id, evs[6])
	}()

	<-entered
	// Connection torn down while the classifier is stalled mid-flight.
	require.NoError(t, h.d.HandleClose(context.Background(), id, nil))
	close(release)
	<-done

	assert.Equal(t, 0, h.forwarder.forwardCount(), "aborted session must not be routed")
	assert.Empty(t, h.honeypot.engaged())
	assert.Empty(t, h.ledger.records())
	assert.Equal(t, 0, h.agent.GetStats().EpisodesTrained)
}

func TestEscalationRevisesBorderlineScore(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 7
	cfg.Escalation.Enabled = true

	var gotScore float64
	var gotLen int
	h := newHarness(t, cfg, func(d *Deps) {
		d.Escalator = escalatorFunc(func(_ context.Context, _ string, fv []float64, score float64) (float64, error) {
			gotScore = score
			gotLen = len(fv)
			return 0.95, nil
		})
	})

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	feed(t, h, id, borderlineEvents())

	assert.Equal(t, features.VectorSize, gotLen)
	assert.InDelta(t, 0.65, gotScore, 0.01)

	// Combined score (0.65+0.95)/2 = 0.80 crosses the threshold.
	require.Len(t, h.honeypot.engaged(), 1)
	assert.Equal(t, 0, h.forwarder.forwardCount())
	assert.Equal(t, int64(1), h.collector.CounterValue(metrics.MetricEscalations, map[string]string{"result": "ok"}))
}

func TestEscalationTimeoutKeepsLocalScore(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 7
	cfg.Escalation.Enabled = true
	cfg.Escalation.Timeout = 10 * time.Millisecond

	h := newHarness(t, cfg, func(d *Deps) {
		d.Escalator = escalatorFunc(func(ctx context.Context, _ string, _ []float64, _ float64) (float64, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	})

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	feed(t, h, id, borderlineEvents())

	// Local score 0.65 stays in force: below threshold, forwarded.
	assert.Equal(t, 1, h.forwarder.forwardCount())
	assert.Empty(t, h.honeypot.engaged())
	assert.Equal(t, int64(1), h.collector.CounterValue(metrics.MetricEscalations, map[string]string{"result": "timeout"}))
}

func TestHoneypotFailureFallsBackToForward(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TriggerMinEvents = 10
	h := newHarness(t, cfg, func(d *Deps) {
		d.Honeypot = &fakeHoneypot{err: assert.AnError}
	})

	id, err := h.d.HandleAccept(context.Background(), "", "198.51.100.7:55555", 55555, 22)
	require.NoError(t, err)

	feed(t, h, id, hostileEvents())

	assert.Equal(t, 1, h.forwarder.forwardCount(), "failed handoff degrades to pass-through")
}

func TestTrafficForUnknownSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	err := h.d.HandleTraffic(context.Background(), "nope", features.Event{Seq: 1})
	assert.ErrorIs(t, err, enginerr.ErrSessionNotFound)
}
