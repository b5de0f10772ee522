package policy

import "fmt"

// ScoreBucket discretizes the anomaly score so the Q-table stays small.
type ScoreBucket int

const (
	BucketLow        ScoreBucket = iota // score < 0.3
	BucketBorderline                    // 0.3 <= score < 0.5
	BucketElevated                      // 0.5 <= score < 0.7
	BucketHigh                          // score >= 0.7
)

func (b ScoreBucket) String() string {
	switch b {
	case BucketLow:
		return "low"
	case BucketBorderline:
		return "borderline"
	case BucketElevated:
		return "elevated"
	case BucketHigh:
		return "high"
	default:
		return "unknown"
	}
}

// State is the discretized policy state: the anomaly score bucket
// combined with whether the peer has been seen before. The full state
// space is 8 entries, so the Q-table stays enumerable.
type State struct {
	Bucket         ScoreBucket
	RepeatOffender bool
}

// StateFromScore buckets an anomaly score into a policy state.
func StateFromScore(score float64, repeatOffender bool) State {
	var b ScoreBucket
	switch {
	case score < 0.3:
		b = BucketLow
	case score < 0.5:
		b = BucketBorderline
	case score < 0.7:
		b = BucketElevated
	default:
		b = BucketHigh
	}
	return State{Bucket: b, RepeatOffender: repeatOffender}
}

// Key returns a stable string form used for snapshots and persistence.
func (s State) Key() string {
	contact := "first"
	if s.RepeatOffender {
		contact = "repeat"
	}
	return fmt.Sprintf("%s|%s", s.Bucket, contact)
}

// StateFromKey parses a persisted state key.
func StateFromKey(key string) (State, bool) {
	for _, b := range []ScoreBucket{BucketLow, BucketBorderline, BucketElevated, BucketHigh} {
		for _, repeat := range []bool{false, true} {
			s := State{Bucket: b, RepeatOffender: repeat}
			if s.Key() == key {
				return s, true
			}
		}
	}
	return State{}, false
}
