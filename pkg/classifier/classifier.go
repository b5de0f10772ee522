// Package classifier maps feature vectors to anomaly scores in [0,1].
// Two interchangeable strategies exist: a pre-trained bagged-tree
// ensemble and a fixed heuristic used when no model is loaded.
package classifier

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Scorer is the single capability both strategies implement. Score must
// be deterministic for a fixed input and free of side effects.
type Scorer interface {
	// Score returns an anomaly score in [0,1] for the given feature
	// vector. A wrong-length vector is a contract violation and returns
	// errors.ErrShapeMismatch.
	Score(fv []float64) (float64, error)
	// Name identifies the strategy for logs and metrics labels.
	Name() string
}

// Detector wraps the active scoring strategy with the heuristic
// fallback and running statistics. The model can be swapped at runtime
// (hot reload); swaps are atomic with respect to in-flight scoring.
type Detector struct {
	mu        sync.RWMutex
	primary   Scorer
	fallback  Scorer
	threshold float64
	logger    zerolog.Logger

	totalPredictions atomic.Uint64
	anomaliesCount   atomic.Uint64
}

// NewDetector builds a detector. primary may be nil, in which case the
// heuristic carries all scoring.
func NewDetector(primary Scorer, threshold float64, logger zerolog.Logger) *Detector {
	return &Detector{
		primary:   primary,
		fallback:  NewHeuristic(),
		threshold: threshold,
		logger:    logger.With().Str("component", "classifier").Logger(),
	}
}

// SetModel atomically replaces the primary strategy. Passing nil drops
// back to heuristic-only scoring.
func (d *Detector) SetModel(primary Scorer) {
	d.mu.Lock()
	d.primary = primary
	d.mu.Unlock()

	name := "heuristic"
	if primary != nil {
		name = primary.Name()
	}
	d.logger.Info().Str("strategy", name).Msg("Scoring strategy replaced")
}

// Score runs the active strategy, falling back to the heuristic when
// the primary rejects the input. It never fails: the heuristic accepts
// any vector.
func (d *Detector) Score(fv []float64) (score float64, strategy string) {
	d.totalPredictions.Add(1)

	d.mu.RLock()
	primary := d.primary
	fallback := d.fallback
	d.mu.RUnlock()

	if primary != nil {
		s, err := primary.Score(fv)
		if err == nil {
			return d.record(s), primary.Name()
		}
		d.logger.Error().Err(err).Str("strategy", primary.Name()).
			Msg("Primary scorer rejected input, falling back to heuristic")
	}

	s, _ := fallback.Score(fv)
	return d.record(s), fallback.Name()
}

func (d *Detector) record(score float64) float64 {
	if score > d.threshold {
		d.anomaliesCount.Add(1)
	}
	return score
}

// Threshold returns the configured anomaly threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Stats reports running detector statistics.
func (d *Detector) Stats() (totalPredictions, anomalies uint64) {
	return d.totalPredictions.Load(), d.anomaliesCount.Load()
}

// ActiveStrategy reports the name of the strategy currently in use.
func (d *Detector) ActiveStrategy() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.primary != nil {
		return d.primary.Name()
	}
	return d.fallback.Name()
}
