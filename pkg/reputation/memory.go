package reputation

import (
	"math"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/store"
)

const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"

	trendDeltaThreshold = 3.0
	decayDays           = 90.0
	decayMax            = 0.5
	minScoresForAvg     = 1
	minScoresForVolatility = 2
)

// MemoryStore is the persistence surface wallet reputation memory needs.
type MemoryStore interface {
	GetTrustScoreTimeline(wallet string, since, until int64, limit int) ([]store.TrustScoreRecord, error)
	UpsertReputationState(r store.ReputationStateRow) error
}

func rollingScores(s MemoryStore, wallet string, nowTs int64, windowDays int) ([]float64, error) {
	sinceTs := nowTs - int64(windowDays)*int64(secondsPerDay)
	timeline, err := s.GetTrustScoreTimeline(wallet, sinceTs, nowTs, 10_000)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(timeline))
	for i, r := range timeline {
		scores[i] = r.Score
	}
	return scores, nil
}

func lastComputedAt(s MemoryStore, wallet string, nowTs int64) (*int64, error) {
	sinceTs := nowTs - int64(365*secondsPerDay)
	timeline, err := s.GetTrustScoreTimeline(wallet, sinceTs, nowTs, 10_000)
	if err != nil {
		return nil, err
	}
	if len(timeline) == 0 {
		return nil, nil
	}
	return &timeline[len(timeline)-1].ComputedAt, nil
}

func decayFactor(last *int64, nowTs int64) float64 {
	if last == nil {
		return 1.0
	}
	daysInactive := float64(nowTs-*last) / secondsPerDay
	if daysInactive <= 0 {
		return 1.0
	}
	if daysInactive >= decayDays {
		v := 1.0 - decayMax
		if v < 0 {
			return 0
		}
		return v
	}
	return 1.0 - (daysInactive/decayDays)*decayMax
}

func classifyTrend(current float64, avg30d, avg7d *float64) string {
	ref := avg30d
	if ref == nil {
		ref = avg7d
	}
	if ref == nil {
		return TrendStable
	}
	delta := current - *ref
	if delta >= trendDeltaThreshold {
		return TrendImproving
	}
	if delta <= -trendDeltaThreshold {
		return TrendDegrading
	}
	return TrendStable
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// populationStdDev mirrors Python's statistics.pstdev.
func populationStdDev(vals []float64) float64 {
	m := mean(vals)
	var sumSq float64
	for _, v := range vals {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)))
}

// UpdateReputation recomputes a wallet's rolling statistical
// reputation state from its trust-score timeline. Callers must have
// already appended newScore to that timeline before calling this.
func UpdateReputation(log zerolog.Logger, clock clockwork.Clock, s MemoryStore, wallet string, newScore float64) (*store.ReputationStateRow, error) {
	nowTs := clock.Now().Unix()
	current := round2(newScore)

	scores7d, err := rollingScores(s, wallet, nowTs, 7)
	if err != nil {
		return nil, err
	}
	scores30d, err := rollingScores(s, wallet, nowTs, 30)
	if err != nil {
		return nil, err
	}

	var avg7d, avg30d, volatility *float64
	if len(scores7d) >= minScoresForAvg {
		v := round2(mean(scores7d))
		avg7d = &v
	}
	if len(scores30d) >= minScoresForAvg {
		v := round2(mean(scores30d))
		avg30d = &v
	}
	if len(scores30d) >= minScoresForVolatility {
		v := round2(populationStdDev(scores30d))
		volatility = &v
	}

	trend := classifyTrend(current, avg30d, avg7d)

	last, err := lastComputedAt(s, wallet, nowTs)
	if err != nil {
		return nil, err
	}
	decay := round4(decayFactor(last, nowTs))

	state := store.ReputationStateRow{
		Wallet: wallet, CurrentScore: current, Avg7d: avg7d, Avg30d: avg30d,
		Trend: trend, Volatility: volatility, DecayFactor: decay,
	}
	if err := s.UpsertReputationState(state); err != nil {
		return nil, err
	}

	log.Debug().Str("wallet", wallet).Float64("current_score", current).Str("trend", trend).Msg("reputation updated")
	return &state, nil
}

func round4(v float64) float64 { return float64(int64(v*10000+sign(v)*0.5)) / 10000 }
