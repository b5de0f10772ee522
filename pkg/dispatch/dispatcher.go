// Package dispatch is the decision loop: it accepts connection events
// from the transport, gates them into at-most-once classification,
// consults the policy agent, and routes each session to a forwarder or
// honeypot handler. When a session closes it turns the reported outcome
// into a reward and feeds it back to the agent.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

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

// OutcomeLedger persists closed-session outcomes. *store.Store
// implements it; a nil ledger disables persistence.
type OutcomeLedger interface {
	RecordOutcome(rec store.OutcomeRecord) error
}

// PressureSignal reports whether the host is too loaded to take on new
// sessions. *sysmon.Monitor implements it.
type PressureSignal interface {
	UnderPressure() bool
}

// Deps collects the dispatcher's collaborators. Honeypot and Forwarder
// are required; Escalator, Ledger and Pressure are optional.
type Deps struct {
	Registry  *session.Registry
	Detector  *classifier.Detector
	Agent     *policy.Agent
	Rewards   *policy.RewardCalculator
	Peers     *events.PeerTracker
	Bus       *events.Bus
	Collector *metrics.Collector
	Honeypot  HoneypotHandler
	Forwarder Forwarder
	Escalator Escalator
	Ledger    OutcomeLedger
	Pressure  PressureSignal
}

// Dispatcher coordinates the accept -> observe -> classify -> route ->
// close lifecycle for every session. It is safe for concurrent use; all
// per-session state lives in the session itself.
type Dispatcher struct {
	engineCfg config.EngineConfig
	escCfg    config.EscalationConfig
	deps      Deps
	logger    zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds a dispatcher from configuration and collaborators.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engineCfg: cfg.Engine,
		escCfg:    cfg.Escalation,
		deps:      deps,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		timers:    make(map[string]*time.Timer),
	}
}

// HandleAccept admits a new connection. It registers a session, marks
// the peer in the repeat-offender tracker, and arms the trigger timer
// that force-classifies the session if too few events arrive. An empty
// sessionID gets a generated one; the effective ID is returned.
//
// Admission is fail-fast: a full registry or memory pressure rejects
// the connection immediately rather than queueing it.
func (d *Dispatcher) HandleAccept(ctx context.Context, sessionID, peerAddr string, sourcePort, destPort uint16) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if d.deps.Pressure != nil && d.deps.Pressure.UnderPressure() {
		d.deps.Collector.IncrementCounter(metrics.MetricRejected, map[string]string{"reason": "pressure"})
		d.publish(events.EngineEvent{
			Type:      events.EventSessionRejected,
			SessionID: sessionID,
			PeerAddr:  peerAddr,
			Data:      map[string]interface{}{"reason": "pressure"},
		})
		return "", fmt.Errorf("%w: host under memory pressure", enginerr.ErrRegistryFull)
	}

	sess := session.New(sessionID, peerAddr, sourcePort, destPort)
	sess.RepeatPeer = d.deps.Peers.Observe(peerAddr)

	if err := d.deps.Registry.Register(sess); err != nil {
		d.deps.Collector.IncrementCounter(metrics.MetricRejected, map[string]string{"reason": "capacity"})
		d.publish(events.EngineEvent{
			Type:      events.EventSessionRejected,
			SessionID: sessionID,
			PeerAddr:  peerAddr,
			Data:      map[string]interface{}{"reason": "capacity"},
		})
		return "", err
	}
	d.deps.Collector.SetGauge(metrics.MetricActiveSessions, float64(d.deps.Registry.Len()), nil)

	d.armTriggerTimer(sessionID)

	d.publish(events.EngineEvent{
		Type:      events.EventSessionAccepted,
		SessionID: sessionID,
		PeerAddr:  peerAddr,
		Data:      map[string]interface{}{"repeat_peer": sess.RepeatPeer},
	})
	d.logger.Debug().
		Str("session_id", sessionID).
		Str("peer", peerAddr).
		Bool("repeat_peer", sess.RepeatPeer).
		Msg("Session accepted")

	return sessionID, nil
}

// HandleTraffic folds one traffic event into the session's feature
// accumulator. Once enough events have been observed the session is
// classified; later events keep accumulating but never re-classify.
func (d *Dispatcher) HandleTraffic(ctx context.Context, sessionID string, ev features.Event) error {
	sess, ok := d.deps.Registry.Get(sessionID)
	if !ok {
		return enginerr.ErrSessionNotFound
	}

	sess.Features.Observe(ev)

	if sess.Features.EventCount() >= d.engineCfg.TriggerMinEvents && sess.State() == session.StateCreated {
		d.classify(ctx, sess, "event_count")
	}
	return nil
}

// HandleClose finalizes a session when the transport or honeypot
// handler reports it ended. report carries the honeypot's intelligence
// summary and may be nil for pass-through or aborted sessions. Closing
// an unknown (already finalized) session is a no-op.
func (d *Dispatcher) HandleClose(ctx context.Context, sessionID string, report *OutcomeReport) error {
	sess, ok := d.deps.Registry.Get(sessionID)
	if !ok {
		d.logger.Debug().Str("session_id", sessionID).Msg("Close for unknown session ignored")
		return nil
	}
	d.finalize(sess, report)
	return nil
}

// classify runs the score -> policy -> route pipeline. The lifecycle
// CAS in BeginClassification guarantees at most one invocation does any
// work per session, no matter how many triggers race.
func (d *Dispatcher) classify(ctx context.Context, sess *session.Session, trigger string) {
	if !sess.BeginClassification() {
		return
	}
	d.disarmTriggerTimer(sess.ID)

	fv := sess.Features.Snapshot().Slice()

	start := time.Now()
	score, strategy := d.deps.Detector.Score(fv)
	d.deps.Collector.ObserveHistogram(metrics.MetricInferenceLatency, time.Since(start).Seconds(), nil)

	score = d.maybeEscalate(ctx, sess, fv, score)

	threshold := d.deps.Detector.Threshold()
	anomalous := score >= threshold

	pstate := policy.StateFromScore(score, sess.RepeatPeer)
	action := d.deps.Agent.SelectAction(pstate)

	var route session.Route
	switch {
	case action == policy.Block:
		route = session.RouteNone
	case anomalous:
		route = session.RouteHoneypot
	default:
		route = session.RoutePassThrough
	}

	if !sess.CompleteClassification(score, pstate, action, route) {
		// Torn down while we were scoring; the close path has already
		// recorded an aborted outcome.
		d.logger.Debug().Str("session_id", sess.ID).Msg("Session closed mid-classification, routing skipped")
		return
	}

	d.deps.Collector.IncrementCounter(metrics.MetricClassifications, map[string]string{"strategy": strategy})
	if anomalous {
		d.deps.Collector.IncrementCounter(metrics.MetricAnomalies, nil)
	} else {
		d.deps.Collector.IncrementCounter(metrics.MetricNormal, nil)
	}
	d.deps.Collector.IncrementCounter(metrics.MetricActions, map[string]string{"action": action.String()})

	d.publish(events.EngineEvent{
		Type:      events.EventSessionClassified,
		SessionID: sess.ID,
		PeerAddr:  sess.PeerAddr,
		Data: map[string]interface{}{
			"score":    score,
			"strategy": strategy,
			"trigger":  trigger,
			"action":   action.String(),
		},
	})
	d.logger.Info().
		Str("session_id", sess.ID).
		Float64("score", score).
		Str("strategy", strategy).
		Str("trigger", trigger).
		Str("action", action.String()).
		Str("route", route.String()).
		Msg("Session classified")

	d.route(ctx, sess, score, action, route)
}

// route performs the side effect the classification decided on.
// Collaborator failures degrade to pass-through; they never take the
// engine down.
func (d *Dispatcher) route(ctx context.Context, sess *session.Session, score float64, action policy.Action, route session.Route) {
	switch route {
	case session.RouteNone:
		// Block terminates immediately; no outcome report will follow,
		// so finalize here.
		if err := d.deps.Forwarder.Terminate(ctx, sess.ID, sess.PeerAddr); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Terminate failed")
		}
		d.deps.Collector.IncrementCounter(metrics.MetricBlocked, nil)
		d.finalize(sess, nil)
		return

	case session.RouteHoneypot:
		handoff := Handoff{SessionID: sess.ID, PeerAddr: sess.PeerAddr, Action: action}
		if err := d.deps.Honeypot.Engage(ctx, handoff); err != nil {
			d.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Honeypot handoff failed, falling back to pass-through")
			if ferr := d.deps.Forwarder.Forward(ctx, sess.ID, sess.PeerAddr); ferr != nil {
				d.logger.Warn().Err(ferr).Str("session_id", sess.ID).Msg("Fallback forward failed")
			}
		}

	case session.RoutePassThrough:
		if err := d.deps.Forwarder.Forward(ctx, sess.ID, sess.PeerAddr); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Forward failed")
		}
	}

	d.publish(events.EngineEvent{
		Type:      events.EventSessionRouted,
		SessionID: sess.ID,
		PeerAddr:  sess.PeerAddr,
		Data: map[string]interface{}{
			"route":  route.String(),
			"action": action.String(),
			"score":  score,
		},
	})
}

// maybeEscalate asks the secondary assessor for scores inside the
// borderline band around the threshold. The revised score is averaged
// with the local one. Errors and timeouts leave the local score in
// force; the call is advisory only.
func (d *Dispatcher) maybeEscalate(ctx context.Context, sess *session.Session, fv []float64, score float64) float64 {
	if d.deps.Escalator == nil || !d.escCfg.Enabled {
		return score
	}
	if math.Abs(score-d.deps.Detector.Threshold()) > d.escCfg.BorderlineBand {
		return score
	}

	escCtx, cancel := context.WithTimeout(ctx, d.escCfg.Timeout)
	defer cancel()

	revised, err := d.deps.Escalator.Assess(escCtx, sess.ID, fv, score)
	if err != nil {
		result := "error"
		if escCtx.Err() != nil {
			result = "timeout"
			d.publish(events.EngineEvent{
				Type:      events.EventEscalationTimeout,
				SessionID: sess.ID,
				PeerAddr:  sess.PeerAddr,
			})
		}
		d.deps.Collector.IncrementCounter(metrics.MetricEscalations, map[string]string{"result": result})
		d.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Escalation failed, keeping local score")
		return score
	}

	d.deps.Collector.IncrementCounter(metrics.MetricEscalations, map[string]string{"result": "ok"})
	combined := (score + revised) / 2
	if combined < 0 {
		combined = 0
	} else if combined > 1 {
		combined = 1
	}
	d.logger.Debug().
		Str("session_id", sess.ID).
		Float64("local", score).
		Float64("revised", revised).
		Float64("combined", combined).
		Msg("Escalation combined scores")
	return combined
}

// finalize closes the session, derives its outcome, feeds the reward
// back to the agent (exactly once, and only for sessions that reached a
// routing decision), records the ledger row, and evicts the session.
func (d *Dispatcher) finalize(sess *session.Session, report *OutcomeReport) {
	d.disarmTriggerTimer(sess.ID)

	prior, closed := sess.Close()
	if !closed {
		return
	}

	// The decision is immutable once Close has won: a racing
	// CompleteClassification either landed before it or fails after.
	score, pstate, action, route, decided := sess.Decision()

	var tag policy.OutcomeTag
	switch {
	case !decided:
		tag = policy.OutcomeAborted
	case action == policy.Block:
		tag = policy.OutcomeBlocked
	case route == session.RouteHoneypot:
		tag = policy.OutcomeEngaged
	default:
		tag = policy.OutcomeBenign
	}
	sess.SetOutcome(tag)

	outcome := policy.Outcome{Tag: tag, Duration: time.Since(sess.CreatedAt)}
	if report != nil {
		outcome.CredentialsCaptured = report.CredentialsCaptured
		outcome.MaliciousCommands = report.MaliciousCommands
		if report.Duration > 0 {
			outcome.Duration = report.Duration
		}
	}

	var reward float64
	if decided {
		reward = d.deps.Rewards.Calculate(action, outcome)
		// The peer is a repeat offender for any follow-up connection.
		next := policy.StateFromScore(score, true)
		d.deps.Agent.Update(pstate, action, reward, next)
		d.deps.Agent.FinishEpisode()
		d.deps.Collector.SetGauge(metrics.MetricPolicyEpsilon, d.deps.Agent.Epsilon(), nil)

		if d.deps.Ledger != nil {
			rec := store.OutcomeRecord{
				SessionID: sess.ID,
				PeerAddr:  sess.PeerAddr,
				Score:     score,
				Action:    action.String(),
				Outcome:   string(tag),
				Reward:    reward,
			}
			if err := d.deps.Ledger.RecordOutcome(rec); err != nil {
				d.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to record outcome")
			}
		}
	}

	d.deps.Registry.Remove(sess.ID)
	d.deps.Collector.SetGauge(metrics.MetricActiveSessions, float64(d.deps.Registry.Len()), nil)

	d.publish(events.EngineEvent{
		Type:      events.EventSessionClosed,
		SessionID: sess.ID,
		PeerAddr:  sess.PeerAddr,
		Data: map[string]interface{}{
			"outcome":     string(tag),
			"prior_state": prior.String(),
			"reward":      reward,
		},
	})
	d.logger.Info().
		Str("session_id", sess.ID).
		Str("outcome", string(tag)).
		Float64("reward", reward).
		Msg("Session closed")
}

// armTriggerTimer schedules the idle force-classification for a
// session. Short or chatty sessions disarm it by classifying first.
func (d *Dispatcher) armTriggerTimer(sessionID string) {
	timer := time.AfterFunc(d.engineCfg.TriggerTimeout, func() {
		sess, ok := d.deps.Registry.Get(sessionID)
		if !ok {
			return
		}
		d.classify(context.Background(), sess, "timeout")
	})

	d.mu.Lock()
	d.timers[sessionID] = timer
	d.mu.Unlock()
}

func (d *Dispatcher) disarmTriggerTimer(sessionID string) {
	d.mu.Lock()
	timer, ok := d.timers[sessionID]
	if ok {
		delete(d.timers, sessionID)
	}
	d.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Shutdown disarms all pending trigger timers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) publish(event events.EngineEvent) {
	if d.deps.Bus == nil {
		return
	}
	if err := d.deps.Bus.Publish(event); err != nil {
		d.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Event dropped")
	}
}
