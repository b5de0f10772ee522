// Package api exposes the engine's HTTP surface: health checks,
// Prometheus-format metrics, a JSON status summary, and the ingest
// endpoints the transport feeds connection events through.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/decoygate/pkg/classifier"
	"github.com/lucid-vigil/decoygate/pkg/dispatch"
	enginerr "github.com/lucid-vigil/decoygate/pkg/errors"
	"github.com/lucid-vigil/decoygate/pkg/events"
	"github.com/lucid-vigil/decoygate/pkg/features"
	"github.com/lucid-vigil/decoygate/pkg/metrics"
	"github.com/lucid-vigil/decoygate/pkg/policy"
	"github.com/lucid-vigil/decoygate/pkg/session"
)

// Server serves the engine's observability and ingest endpoints.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger

	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	detector   *classifier.Detector
	agent      *policy.Agent
	collector  *metrics.Collector
	bus        *events.Bus

	started time.Time
}

// NewServer wires the HTTP endpoints to the given components. dispatcher
// may be nil, in which case the ingest endpoints return 503.
func NewServer(port string, dispatcher *dispatch.Dispatcher, registry *session.Registry, detector *classifier.Detector, agent *policy.Agent, collector *metrics.Collector, bus *events.Bus, logger zerolog.Logger) *Server {
	s := &Server{
		logger:     logger.With().Str("component", "api").Logger(),
		dispatcher: dispatcher,
		registry:   registry,
		detector:   detector,
		agent:      agent,
		collector:  collector,
		bus:        bus,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("POST /v1/sessions", s.acceptHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/events", s.trafficHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/close", s.closeHandler)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.collector.ExportPrometheus()))
}

// Status is the JSON document served at /status.
type Status struct {
	UptimeSeconds    float64           `json:"uptime_seconds"`
	ActiveSessions   int               `json:"active_sessions"`
	SessionCapacity  int               `json:"session_capacity"`
	ActiveStrategy   string            `json:"active_strategy"`
	AnomalyThreshold float64           `json:"anomaly_threshold"`
	TotalPredictions uint64            `json:"total_predictions"`
	Anomalies        uint64            `json:"anomalies"`
	Policy           policy.Stats      `json:"policy"`
	Bus              events.BusMetrics `json:"bus"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	total, anomalies := s.detector.Stats()

	status := Status{
		UptimeSeconds:    time.Since(s.started).Seconds(),
		ActiveSessions:   s.registry.Len(),
		SessionCapacity:  s.registry.Capacity(),
		ActiveStrategy:   s.detector.ActiveStrategy(),
		AnomalyThreshold: s.detector.Threshold(),
		TotalPredictions: total,
		Anomalies:        anomalies,
		Policy:           s.agent.GetStats(),
	}
	if s.bus != nil {
		status.Bus = s.bus.Metrics()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status")
	}
}

// AcceptRequest announces a new connection from the transport.
type AcceptRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	PeerAddr   string `json:"peer_addr"`
	SourcePort uint16 `json:"source_port"`
	DestPort   uint16 `json:"dest_port"`
}

// AcceptResponse returns the effective session id.
type AcceptResponse struct {
	SessionID string `json:"session_id"`
}

// TrafficRequest is one connection event.
type TrafficRequest struct {
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"` // packet, auth_failure, command
	Direction string    `json:"direction,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CloseRequest carries the optional outcome summary for a session end.
type CloseRequest struct {
	CredentialsCaptured int   `json:"credentials_captured,omitempty"`
	MaliciousCommands   int   `json:"malicious_commands,omitempty"`
	DurationMs          int64 `json:"duration_ms,omitempty"`
}

func (s *Server) acceptHandler(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "ingest disabled", http.StatusServiceUnavailable)
		return
	}

	var req AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PeerAddr == "" {
		http.Error(w, "peer_addr is required", http.StatusBadRequest)
		return
	}

	id, err := s.dispatcher.HandleAccept(r.Context(), req.SessionID, req.PeerAddr, req.SourcePort, req.DestPort)
	if err != nil {
		if errors.Is(err, enginerr.ErrRegistryFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(AcceptResponse{SessionID: id})
}

func (s *Server) trafficHandler(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "ingest disabled", http.StatusServiceUnavailable)
		return
	}

	var req TrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev := features.Event{
		Seq:       req.Seq,
		Bytes:     req.Bytes,
		Timestamp: req.Timestamp,
	}
	switch req.Kind {
	case "packet", "":
		ev.Kind = features.KindPacket
	case "auth_failure":
		ev.Kind = features.KindAuthFailure
	case "command":
		ev.Kind = features.KindCommand
	default:
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}
	if req.Direction == "outbound" {
		ev.Direction = features.Outbound
	}

	if err := s.dispatcher.HandleTraffic(r.Context(), r.PathValue("id"), ev); err != nil {
		if errors.Is(err, enginerr.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) closeHandler(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "ingest disabled", http.StatusServiceUnavailable)
		return
	}

	var report *dispatch.OutcomeReport
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		report = &dispatch.OutcomeReport{
			CredentialsCaptured: req.CredentialsCaptured,
			MaliciousCommands:   req.MaliciousCommands,
			Duration:            time.Duration(req.DurationMs) * time.Millisecond,
		}
	}

	if err := s.dispatcher.HandleClose(r.Context(), r.PathValue("id"), report); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
