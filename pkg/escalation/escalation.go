// Package escalation is the client for the external second-opinion
// service consulted on borderline anomaly scores. The service itself is
// out of process; this client speaks its small JSON contract and obeys
// the caller's deadline.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	enginerr "github.com/lucid-vigil/decoygate/pkg/errors"
)

// AssessRequest is the JSON body sent to the assessment service.
type AssessRequest struct {
	SessionID string    `json:"session_id"`
	Features  []float64 `json:"features"`
	Score     float64   `json:"score"`
}

// AssessResponse is the service's revised verdict.
type AssessResponse struct {
	Score float64 `json:"score"`
}

// HTTPEscalator implements the dispatcher's Escalator interface over
// HTTP. Timeouts come from the request context; the client sets none of
// its own.
type HTTPEscalator struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPEscalator builds a client for the given endpoint URL.
func NewHTTPEscalator(endpoint string, logger zerolog.Logger) *HTTPEscalator {
	return &HTTPEscalator{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger.With().Str("component", "escalation").Logger(),
	}
}

// Assess posts the feature vector and local score and returns the
// service's revised score.
func (e *HTTPEscalator) Assess(ctx context.Context, sessionID string, featureVector []float64, score float64) (float64, error) {
	body, err := json.Marshal(AssessRequest{
		SessionID: sessionID,
		Features:  featureVector,
		Score:     score,
	})
	if err != nil {
		return 0, fmt.Errorf("encode assess request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build assess request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, enginerr.New("escalation", "http_error",
			fmt.Sprintf("assessment service returned %d", resp.StatusCode),
			enginerr.SeverityMedium, true)
	}

	var out AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode assess response: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, enginerr.New("escalation", "bad_score",
			fmt.Sprintf("revised score %f outside [0,1]", out.Score),
			enginerr.SeverityMedium, true)
	}
	return out.Score, nil
}
