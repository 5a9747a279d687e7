// Package scorer computes a wallet's trust score from a base value and
// the anomaly flags raised against it.
package scorer

import "github.com/trustengine/trustengine/pkg/anomaly"

const (
	DefaultBaseScore = 100.0
	MinScore         = 0.0
	MaxScore         = 100.0
)

// SeverityPenalty is the point deduction applied per anomaly severity.
var SeverityPenalty = map[anomaly.Severity]float64{
	anomaly.SeverityCritical: 25,
	anomaly.SeverityHigh:     15,
	anomaly.SeverityMedium:   8,
	anomaly.SeverityLow:      3,
}

// Compute returns base score minus the sum of per-flag severity
// penalties, clamped to [minScore, maxScore].
func Compute(flags []anomaly.Flag, baseScore, minScore, maxScore float64) float64 {
	score := baseScore
	for _, f := range flags {
		score -= SeverityPenalty[f.Severity]
	}
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
