package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/decoygate/pkg/classifier"
	"github.com/lucid-vigil/decoygate/pkg/config"
	"github.com/lucid-vigil/decoygate/pkg/dispatch"
	"github.com/lucid-vigil/decoygate/pkg/events"
	"github.com/lucid-vigil/decoygate/pkg/metrics"
	"github.com/lucid-vigil/decoygate/pkg/policy"
	"github.com/lucid-vigil/decoygate/pkg/session"
)

type recordingForwarder struct {
	mu        sync.Mutex
	forwarded int
}

func (f *recordingForwarder) Forward(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded++
	return nil
}

func (f *recordingForwarder) Terminate(context.Context, string, string) error { return nil }

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarded
}

type noopHoneypot struct{}

func (noopHoneypot) Engage(context.Context, dispatch.Handoff) error { return nil }

type apiHarness struct {
	server    *Server
	forwarder *recordingForwarder
	registry  *session.Registry
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := zerolog.Nop()

	cfg := &config.Config{
		Engine: config.EngineConfig{
			MaxSessions:          50,
			TriggerMinEvents:     3,
			TriggerTimeout:       time.Hour,
			RepeatOffenderWindow: time.Hour,
		},
		Classifier: config.ClassifierConfig{AnomalyThreshold: 0.7},
		Policy: config.PolicyConfig{
			LearningRate:   0.1,
			DiscountFactor: 0.95,
			Epsilon:        0.05,
			EpsilonDecay:   0.995,
			EpsilonMin:     0.01,
			Reward:         config.RewardConfig{BenignPassed: 1, BenignEngaged: -2, HostileIgnored: -3, HostileBlocked: 1, PerCredential: 2, PerCommand: 0.5, EngagementCost: 0.5},
		},
	}

	registry := session.NewRegistry(cfg.Engine.MaxSessions, logger)
	detector := classifier.NewDetector(nil, cfg.Classifier.AnomalyThreshold, logger)
	agent := policy.NewAgent(cfg.Policy, 1, logger)
	collector := metrics.NewCollector()
	peers := events.NewPeerTracker(cfg.Engine.RepeatOffenderWindow)
	t.Cleanup(peers.Stop)

	forwarder := &recordingForwarder{}
	d := dispatch.New(cfg, dispatch.Deps{
		Registry:  registry,
		Detector:  detector,
		Agent:     agent,
		Rewards:   policy.NewRewardCalculator(cfg.Policy.Reward),
		Peers:     peers,
		Collector: collector,
		Honeypot:  noopHoneypot{},
		Forwarder: forwarder,
	}, logger)
	t.Cleanup(d.Shutdown)

	return &apiHarness{
		server:    NewServer("0", d, registry, detector, agent, collector, nil, logger),
		forwarder: forwarder,
		registry:  registry,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.server.collector.IncrementCounter(metrics.MetricClassifications, map[string]string{"strategy": "heuristic"})

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), metrics.MetricClassifications)
}

func TestStatusEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.registry.Register(session.New("s1", "203.0.113.1:1000", 443, 22)))

	rec := h.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, 50, status.SessionCapacity)
	assert.Equal(t, "heuristic", status.ActiveStrategy)
	assert.Equal(t, 0.7, status.AnomalyThreshold)
	assert.Equal(t, 0.05, status.Policy.Epsilon)
}

func TestIngestLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/sessions", AcceptRequest{
		PeerAddr:   "203.0.113.9:41000",
		SourcePort: 443,
		DestPort:   8080,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var accepted AcceptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.SessionID)

	base := time.Now()
	for i := 0; i < 3; i++ {
		rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/events", accepted.SessionID), TrafficRequest{
			Seq:       uint64(i + 1),
			Kind:      "packet",
			Direction: "inbound",
			Bytes:     500,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	// Three benign events hit the trigger and route to pass-through.
	assert.Equal(t, 1, h.forwarder.count())

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/close", accepted.SessionID), CloseRequest{})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, h.registry.Len())
}

func TestIngestValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/sessions", AcceptRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "peer_addr is mandatory")

	rec = h.do(t, http.MethodPost, "/v1/sessions/nope/events", TrafficRequest{Seq: 1, Kind: "packet"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/sessions/nope/close", CloseRequest{})
	assert.Equal(t, http.StatusAccepted, rec.Code, "late close is a no-op")
}
