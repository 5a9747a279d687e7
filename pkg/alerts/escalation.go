package alerts

import (
	"encoding/json"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/anomaly"
	"github.com/trustengine/trustengine/pkg/store"
)

const (
	RiskStageNormal   = "normal"
	RiskStageWarning  = "warning"
	RiskStageCritical = "critical"

	escalationScoreNormalMax  = 30.0
	escalationScoreWarningMax = 60.0
	escalationScoreCap        = 100.0

	windowRecentAlertsSec = 86400 * 2
	windowClusterSec      = 3600
	windowCleanReduceSec  = 86400
	windowCleanResetSec   = 86400 * 2

	pointsPerCurrentFlag  = 6.0
	pointsRepeatedAnomaly = 8.0
	pointsMultipleTypes   = 12.0
	pointsTimeCluster     = 15.0
	decayPer24hClean      = 12.0
	resetScore            = 0.0

	clusterAlertCount = 3
)

// EscalationConfig holds the tunable thresholds for the escalation
// state machine.
type EscalationConfig struct {
	WindowRecentSec      int64
	WindowClusterSec     int64
	WindowCleanReduceSec int64
	WindowCleanResetSec  int64
	ScoreNormalMax       float64
	ScoreWarningMax      float64
	ScoreCap             float64
	PointsPerFlag        float64
	PointsRepeated       float64
	PointsMultipleTypes  float64
	PointsCluster        float64
	DecayPerClean        float64
	ClusterAlertCount    int
}

func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		WindowRecentSec:      windowRecentAlertsSec,
		WindowClusterSec:     windowClusterSec,
		WindowCleanReduceSec: windowCleanReduceSec,
		WindowCleanResetSec:  windowCleanResetSec,
		ScoreNormalMax:       escalationScoreNormalMax,
		ScoreWarningMax:      escalationScoreWarningMax,
		ScoreCap:             escalationScoreCap,
		PointsPerFlag:        pointsPerCurrentFlag,
		PointsRepeated:       pointsRepeatedAnomaly,
		PointsMultipleTypes:  pointsMultipleTypes,
		PointsCluster:        pointsTimeCluster,
		DecayPerClean:        decayPer24hClean,
		ClusterAlertCount:    clusterAlertCount,
	}
}

func scoreToRiskStage(score float64, cfg EscalationConfig) string {
	if score <= cfg.ScoreNormalMax {
		return RiskStageNormal
	}
	if score <= cfg.ScoreWarningMax {
		return RiskStageWarning
	}
	return RiskStageCritical
}

// extractAnomalyTypeFromReason infers a stable anomaly-type key from a
// stored alert's reason/severity, for cross-referencing against the
// current cycle's live anomaly types.
func extractAnomalyTypeFromReason(reason, severity string) string {
	r := strings.ToLower(reason)
	s := strings.ToLower(severity)
	switch {
	case strings.Contains(r, "burst") || strings.Contains(r, "transaction"):
		return string(anomaly.FlagBurstTransactions)
	case strings.Contains(r, "velocity"):
		return string(anomaly.FlagSuspiciousVelocity)
	case strings.Contains(r, "fresh") || strings.Contains(r, "high value"):
		return string(anomaly.FlagFreshWalletHighValue)
	case strings.Contains(r, "trust score") || s == "risk_score":
		return "risk_score"
	default:
		return "other_" + s
	}
}

// EscalationStore is the persistence surface the escalation state
// machine needs.
type EscalationStore interface {
	GetEscalationState(wallet string) (*store.EscalationStateRow, error)
	GetAlertsForWallet(wallet string, since int64, limit int) ([]store.AlertRecord, error)
	UpsertEscalationState(e store.EscalationStateRow) error
	SetWalletPriority(wallet, priority string) error
}

type escalationStateJSON struct {
	CurrentAnomalyTypes []string `json:"current_anomaly_types"`
	RecentAlertCount    int      `json:"recent_alert_count"`
	Reasons             []string `json:"reasons"`
}

// UpdateEscalationAndGetRiskStage runs the escalation state machine
// for wallet given this cycle's anomaly result, persists the updated
// state and mirrors the resulting tier onto the wallet's priority, and
// returns the risk stage.
func UpdateEscalationAndGetRiskStage(log zerolog.Logger, clock clockwork.Clock, s EscalationStore, wallet string, result anomaly.Result, cfg EscalationConfig) (string, error) {
	now := clock.Now().Unix()
	since := now - cfg.WindowRecentSec

	currentTypes := make(map[string]struct{}, len(result.Flags))
	for _, f := range result.Flags {
		currentTypes[string(f.Type)] = struct{}{}
	}
	currentFlagCount := len(result.Flags)

	state, err := s.GetEscalationState(wallet)
	if err != nil {
		return "", err
	}

	var riskStage string
	var escalationScore float64
	var lastAlertTs *int64
	var lastCleanTs *int64
	if state == nil {
		riskStage = RiskStageNormal
		escalationScore = 0
		lastCleanTs = &now
	} else {
		riskStage = state.RiskStage
		escalationScore = state.EscalationScore
		lastAlertTs = state.LastAlertTs
		lastCleanTs = state.LastCleanTs
	}

	recentAlerts, err := s.GetAlertsForWallet(wallet, since, 200)
	if err != nil {
		return "", err
	}

	recentTypes := make(map[string]struct{}, len(recentAlerts))
	for _, a := range recentAlerts {
		recentTypes[extractAnomalyTypeFromReason(a.Reason, a.Severity)] = struct{}{}
	}

	repeated := intersect(currentTypes, recentTypes)
	allTypes := union(currentTypes, recentTypes)

	clusterSince := now - cfg.WindowClusterSec
	clusterCount := 0
	for _, a := range recentAlerts {
		if a.CreatedAt >= clusterSince {
			clusterCount++
		}
	}

	if !result.IsAnomalous && len(recentAlerts) == 0 {
		if lastCleanTs != nil && now-*lastCleanTs >= cfg.WindowCleanResetSec {
			escalationScore = resetScore
			riskStage = RiskStageNormal
			lastCleanTs = &now
			lastAlertTs = nil
		} else {
			lastCleanTs = &now
			if lastAlertTs != nil && now-*lastAlertTs >= cfg.WindowCleanReduceSec {
				escalationScore -= cfg.DecayPerClean
				if escalationScore < 0 {
					escalationScore = 0
				}
				riskStage = scoreToRiskStage(escalationScore, cfg)
			}
		}
	} else {
		if result.IsAnomalous {
			lastAlertTs = &now
		}
		if lastCleanTs != nil && now-*lastCleanTs >= cfg.WindowCleanReduceSec && !result.IsAnomalous {
			escalationScore -= cfg.DecayPerClean
			if escalationScore < 0 {
				escalationScore = 0
			}
		}

		escalationScore += float64(currentFlagCount) * cfg.PointsPerFlag
		if len(repeated) > 0 {
			escalationScore += float64(len(repeated)) * cfg.PointsRepeated
		}
		if len(allTypes) >= 2 {
			escalationScore += cfg.PointsMultipleTypes
		}
		if clusterCount >= cfg.ClusterAlertCount {
			escalationScore += cfg.PointsCluster
		}
		if escalationScore > cfg.ScoreCap {
			escalationScore = cfg.ScoreCap
		}
		riskStage = scoreToRiskStage(escalationScore, cfg)
	}

	stateBlob := escalationStateJSON{
		CurrentAnomalyTypes: keys(currentTypes),
		RecentAlertCount:    len(recentAlerts),
	}
	if len(repeated) > 0 {
		stateBlob.Reasons = append(stateBlob.Reasons, "repeated")
	}
	if len(allTypes) >= 2 {
		stateBlob.Reasons = append(stateBlob.Reasons, "multiple_types")
	}
	if clusterCount >= cfg.ClusterAlertCount {
		stateBlob.Reasons = append(stateBlob.Reasons, "time_cluster")
	}
	stateJSON, _ := json.Marshal(stateBlob)

	if err := s.UpsertEscalationState(store.EscalationStateRow{
		Wallet: wallet, RiskStage: riskStage, EscalationScore: round2(escalationScore),
		LastAlertTs: lastAlertTs, LastCleanTs: lastCleanTs, StateJSON: string(stateJSON),
	}); err != nil {
		return "", err
	}

	tier := riskStage
	if riskStage == RiskStageWarning {
		tier = "watchlist"
	}
	if err := s.SetWalletPriority(wallet, tier); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("escalation priority persist failed")
	}

	log.Info().Str("wallet", wallet).Str("risk_stage", riskStage).Float64("escalation_score", round2(escalationScore)).Int("current_flags", currentFlagCount).Msg("escalation updated")
	return riskStage, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func union(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }
