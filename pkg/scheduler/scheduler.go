// Package scheduler selects which tracked wallets to analyze next.
// Selection is purely rule-based: wallet tier, then escalation/risk/
// recency signals pulled from each wallet's latest trust score, with
// staleness as the final tiebreaker.
package scheduler

import (
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/store"
)

const (
	TierCritical  = "critical"
	TierWatchlist = "watchlist"
	TierNormal    = "normal"

	priorityEscalation    = 1000.0
	priorityHighRisk      = 800.0
	priorityRecentAnomaly = 600.0
	priorityNew           = 500.0
	priorityNormal        = 200.0

	trustScoreHighRiskBelow = 40.0
	newWalletMaxAgeSec      = 86400 * 7

	defaultMaxCandidates = 10_000
)

var tierRank = map[string]int{
	TierCritical:  3,
	TierWatchlist: 2,
	TierNormal:    1,
}

var severityOrder = map[string]int{
	"low": 0, "medium": 1, "high": 2, "critical": 3,
}

var severeSeverities = map[string]bool{"critical": true, "high": true}

// Config holds the scheduler's rule-based thresholds.
type Config struct {
	TrustScoreHighRiskBelow float64
	NewWalletMaxAgeSec      int64
	MaxCandidates           int
}

func DefaultConfig() Config {
	return Config{
		TrustScoreHighRiskBelow: trustScoreHighRiskBelow,
		NewWalletMaxAgeSec:      newWalletMaxAgeSec,
		MaxCandidates:           defaultMaxCandidates,
	}
}

// SchedulerStore is the persistence surface batch selection needs.
type SchedulerStore interface {
	GetTrackedWallets() ([]store.TrackedWallet, error)
	GetLatestTrustScoresForWallets(wallets []string) (map[string]store.TrustScoreRecord, error)
}

type trustScoreMetadata struct {
	IsAnomalous  bool                     `json:"is_anomalous"`
	AnomalyFlags []map[string]interface{} `json:"anomaly_flags"`
}

func parseMetadata(raw string) trustScoreMetadata {
	var m trustScoreMetadata
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func maxAnomalySeverity(m trustScoreMetadata) string {
	best := ""
	bestRank := -1
	for _, f := range m.AnomalyFlags {
		sevRaw, ok := f["severity"]
		if !ok {
			continue
		}
		sev, ok := sevRaw.(string)
		if !ok {
			continue
		}
		rank, known := severityOrder[sev]
		if !known {
			rank = -1
		}
		if rank > bestRank {
			bestRank = rank
			best = sev
		}
	}
	return best
}

// Candidate is a scored wallet awaiting dispatch.
type Candidate struct {
	Wallet     string
	TierRank   int
	Priority   float64
	Reason     string
	Tier       string
	ComputedAt int64
}

func computePriority(score *store.TrustScoreRecord, firstSeen int64, nowTs int64, cfg Config) (float64, string) {
	var scoreVal *float64
	var meta trustScoreMetadata
	if score != nil {
		v := score.Score
		scoreVal = &v
		meta = parseMetadata(score.MetadataJSON)
	}

	maxSeverity := maxAnomalySeverity(meta)

	if maxSeverity != "" && severeSeverities[maxSeverity] {
		base := 0.0
		if scoreVal != nil {
			base = *scoreVal
		}
		return priorityEscalation + (100 - base), "escalation_severe_anomaly"
	}

	if scoreVal != nil && *scoreVal < cfg.TrustScoreHighRiskBelow {
		return priorityHighRisk + (cfg.TrustScoreHighRiskBelow - *scoreVal), "high_risk_low_score"
	}

	if meta.IsAnomalous && maxSeverity != "" {
		return priorityRecentAnomaly, "recent_anomaly"
	}

	if score == nil {
		return priorityNew, "new_no_score"
	}
	if firstSeen > 0 && (nowTs-firstSeen) <= cfg.NewWalletMaxAgeSec {
		return priorityNew - 1, "new_recent_first_seen"
	}

	sub := 100.0
	if scoreVal != nil {
		sub = 100 - minFloat(100, *scoreVal)
	}
	return priorityNormal + sub, "normal"
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func tiebreakComputedAt(score *store.TrustScoreRecord) int64 {
	if score == nil {
		return 0
	}
	return score.ComputedAt
}

// GetNextBatch returns up to limit tracked wallets to analyze next,
// ordered by tier then rule-based priority, with staler wallets
// (older computed_at) breaking ties first.
func GetNextBatch(log zerolog.Logger, s SchedulerStore, limit int, nowTs int64, cfg Config) ([]string, error) {
	wallets, err := s.GetTrackedWallets()
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	if len(wallets) > cfg.MaxCandidates {
		wallets = wallets[:cfg.MaxCandidates]
	}

	addrs := make([]string, len(wallets))
	for i, w := range wallets {
		addrs[i] = w.Wallet
	}
	latest, err := s.GetLatestTrustScoresForWallets(addrs)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(wallets))
	for _, w := range wallets {
		tier := w.Priority
		if tier == "" {
			tier = TierNormal
		}
		rank, known := tierRank[tier]
		if !known {
			rank = 1
		}
		var scorePtr *store.TrustScoreRecord
		if rec, ok := latest[w.Wallet]; ok {
			r := rec
			scorePtr = &r
		}
		firstSeen := w.CreatedAt.Unix()
		priority, reason := computePriority(scorePtr, firstSeen, nowTs, cfg)
		candidates = append(candidates, Candidate{
			Wallet: w.Wallet, TierRank: rank, Priority: priority, Reason: reason,
			Tier: tier, ComputedAt: tiebreakComputedAt(scorePtr),
		})
	}

	sortCandidates(candidates)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	batch := make([]string, len(candidates))
	for i, c := range candidates {
		batch[i] = c.Wallet
	}

	if len(batch) > 0 {
		top := candidates
		if len(top) > 5 {
			top = top[:5]
		}
		reasons := make([]string, len(top))
		for i, c := range top {
			reasons[i] = c.Reason
		}
		log.Debug().Int("batch_size", len(batch)).Int("limit", limit).Int("candidates", len(wallets)).Strs("top_reasons", reasons).Msg("scheduler next batch")
	}
	return batch, nil
}

// sortCandidates orders by tier rank desc, priority desc, then older
// computed_at first (stale wallets re-scanned sooner).
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.TierRank != b.TierRank {
			return a.TierRank > b.TierRank
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ComputedAt < b.ComputedAt
	})
}

var _ SchedulerStore = (*store.Store)(nil)
