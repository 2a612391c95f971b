// Package score computes the identity-resolution confidence score attached
// to every enriched event.
package score

import "math"

// Signal weights. The four signals combine to 1.0.
const (
	weightFingerprint = 0.4
	weightIPStability = 0.3
	weightBehavioral  = 0.2
	weightTemporal    = 0.1
)

// Fixed sub-signals. FingerprintUniqueness is the baseline for the current
// fingerprint design; BehavioralConsistency and TemporalPattern are
// acknowledged stand-ins pending a real behavioral model. Keep them as
// constants — do not invent heuristics here.
const (
	FingerprintUniqueness = 0.8
	BehavioralConsistency = 0.7
	TemporalPattern       = 0.6
)

// IP-stability signal levels reported by the identity resolver.
const (
	// IPStabilityEstablished is reported when the event matched an
	// existing identity record.
	IPStabilityEstablished = 0.9

	// IPStabilityNew is reported for a first sighting.
	IPStabilityNew = 0.5

	// IPStabilityFallback is reported when identity resolution degraded
	// to a synthesized pseudo-identity.
	IPStabilityFallback = 0.3
)

// Confidence combines the resolution signals into a single [0,1] score,
// rounded to three decimals.
func Confidence(ipStability float64) float64 {
	raw := weightFingerprint*FingerprintUniqueness +
		weightIPStability*ipStability +
		weightBehavioral*BehavioralConsistency +
		weightTemporal*TemporalPattern

	return round3(clamp01(raw))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
