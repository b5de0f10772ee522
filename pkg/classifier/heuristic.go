package classifier

import (
	"github.com/lucid-vigil/decoygate/pkg/features"
)

// Heuristic evidence weights. Each term contributes at most its weight;
// the sum is clamped to [0,1]. Weights total 1.0 so a session maxing
// every signal scores 1.0.
const (
	weightFailedLogins  = 0.30 // saturates at failedLoginSaturation attempts
	weightCommandRate   = 0.25 // saturates at commandRateSaturation cmds/sec
	weightBurstiness    = 0.20 // sub-millisecond inter-packet gaps
	weightByteAsymmetry = 0.15 // sent volume dwarfing received volume
	weightOddPort       = 0.10 // high ephemeral source ports
)

const (
	failedLoginSaturation = 5.0   // attempts
	commandRateSaturation = 10.0  // commands per second
	oddPortFloor          = 10000 // source ports at or above look scripted
)

// Heuristic is the deterministic fallback scorer: a bounded weighted
// sum of per-feature evidence. It accepts any input and never fails.
type Heuristic struct{}

// NewHeuristic returns the fixed heuristic scorer.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Name implements Scorer.
func (h *Heuristic) Name() string { return "heuristic" }

// Score implements Scorer. Missing fields (short vectors) read as zero
// so adversarial input can degrade evidence but never cause a failure.
func (h *Heuristic) Score(fv []float64) (float64, error) {
	at := func(idx int) float64 {
		if idx < len(fv) && fv[idx] >= 0 {
			return fv[idx]
		}
		return 0
	}

	score := 0.0

	// Failed logins: brute forcing shows up fast.
	failed := at(features.IdxFailedLogins)
	score += weightFailedLogins * saturate(failed/failedLoginSaturation)

	// Command rate: humans do not issue hundreds of commands per second.
	commands := at(features.IdxCommandFreq)
	duration := at(features.IdxDuration)
	if commands > 0 {
		rate := commands // no duration yet: treat count as rate
		if duration > 0 {
			rate = commands / duration
		}
		score += weightCommandRate * saturate(rate/commandRateSaturation)
	}

	// Burstiness: mean inter-packet gaps near zero indicate scripted
	// floods. 1/(1+gap*1000) is ~1 for sub-ms gaps, ~0 past 100ms.
	ipt := at(features.IdxInterPacketTime)
	packets := at(features.IdxPacketsSent) + at(features.IdxPacketsReceived)
	if ipt > 0 && packets > 1 {
		score += weightBurstiness * (1.0 / (1.0 + ipt*1000.0))
	}

	// Byte asymmetry: exfil/flood sessions push far more than they pull.
	sent := at(features.IdxBytesSent)
	received := at(features.IdxBytesReceived)
	if total := sent + received; total > 0 {
		ratio := sent / total
		if ratio > 0.5 {
			score += weightByteAsymmetry * saturate((ratio-0.5)*2.0)
		}
	}

	// Odd source port: well-known source ports look like real services.
	if at(features.IdxSourcePort) >= oddPortFloor {
		score += weightOddPort
	}

	return clamp01(score), nil
}

func saturate(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < 0 {
		return 0
	}
	return x
}

func clamp01(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < 0 {
		return 0
	}
	return x
}
