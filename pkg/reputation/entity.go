// Package reputation maintains two layers of trust memory: long-term
// entity (cluster) reputation that decays toward neutral over time and
// reacts to anomalies/alerts among members, and per-wallet reputation
// memory (rolling averages, trend, volatility, inactivity decay).
package reputation

import (
	"encoding/json"
	"math"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/store"
)

const (
	ReasonClusterContamination = "cluster_contamination"
	ReasonRepeatedAnomalies    = "repeated_anomalies"
	ReasonBehaviorRecovery     = "behavior_recovery"

	secondsPerDay        = 86400.0
	decayDaysHalflife    = 90.0
	anomalyWeight        = 4.0
	clusterSpreadFactor  = 0.5
	entityModifierScale  = 0.2
	entityModifierCap    = 10.0
	recentWindowDays     = 7
	maxRiskHistoryLength = 100
)

var alertSeverityMultiplier = map[string]float64{
	"critical": 6.0,
	"high":     4.0,
	"medium":   2.0,
	"low":      1.0,
}

// EntityAnomalyInput is the minimal per-member anomaly signal needed to
// update entity reputation.
type EntityAnomalyInput struct {
	Wallet      string
	IsAnomalous bool
}

// EntityStore is the persistence surface entity reputation needs.
type EntityStore interface {
	GetClusterMembers(clusterID int64) ([]string, error)
	GetLatestTrustScoresForWallets(wallets []string) (map[string]store.TrustScoreRecord, error)
	GetAlertsForWallet(wallet string, since int64, limit int) ([]store.AlertRecord, error)
	GetEntityProfileByCluster(clusterID int64) (*store.EntityProfileRow, error)
	UpsertEntityProfile(clusterID int64, score float64, riskHistoryJSON string, at int64, decayFactor float64, reasonTagsJSON string) error
	InsertEntityReputationHistory(entityID int64, score float64, at int64) error
	GetClusterForWallet(wallet string) (*store.Cluster, error)
}

func timeDecay(prevScore, daysSince, neutral float64) float64 {
	if daysSince <= 0 {
		return prevScore
	}
	decay := math.Pow(0.5, daysSince/decayDaysHalflife)
	return neutral + (prevScore-neutral)*decay
}

func alertPenalty(alerts []store.AlertRecord, nowTs int64) float64 {
	windowStart := nowTs - int64(recentWindowDays*secondsPerDay)
	var total float64
	for _, a := range alerts {
		if a.CreatedAt < windowStart {
			continue
		}
		total += alertSeverityMultiplier[a.Severity]
	}
	return total
}

func anomalyPenalty(count int) float64 {
	return float64(count) * anomalyWeight
}

func clusterSpreadPenalty(riskyCount, memberCount int) float64 {
	if memberCount < 2 {
		return 0
	}
	ratio := float64(riskyCount) / float64(memberCount)
	return ratio * float64(memberCount) * clusterSpreadFactor
}

type riskSnapshot struct {
	At               int64    `json:"at"`
	ReputationScore  float64  `json:"reputation_score"`
	AnomalyCount     int      `json:"anomaly_count"`
	AlertPenalty     float64  `json:"alert_penalty"`
	SpreadPenalty    float64  `json:"spread_penalty"`
	ReasonTags       []string `json:"reason_tags"`
}

// UpdateEntityReputation folds fresh anomaly/alert signal for a
// cluster's members into its long-lived entity profile, applying time
// decay toward neutral, anomaly/alert/spread penalties, and recording
// a risk-history snapshot.
func UpdateEntityReputation(log zerolog.Logger, s EntityStore, clusterID int64, anomalies []EntityAnomalyInput, alerts []store.AlertRecord, memberCount int, nowTs int64) (*store.EntityProfileRow, error) {
	existing, err := s.GetEntityProfileByCluster(clusterID)
	if err != nil {
		return nil, err
	}

	var prevScore float64 = 50.0
	var prevUpdated int64 = nowTs - int64(365*secondsPerDay)
	var riskHistory []riskSnapshot
	if existing != nil {
		prevScore = existing.ReputationScore
		prevUpdated = existing.LastUpdated
		_ = json.Unmarshal([]byte(existing.RiskHistoryJSON), &riskHistory)
	}

	daysSince := float64(nowTs-prevUpdated) / secondsPerDay
	decayed := timeDecay(prevScore, daysSince, 50.0)

	anomalyCount := len(anomalies)
	riskyCount := 0
	for _, a := range anomalies {
		if a.IsAnomalous {
			riskyCount++
		}
	}
	if memberCount < 1 {
		memberCount = maxInt(1, riskyCount)
	}

	aPenalty := anomalyPenalty(anomalyCount)
	alPenalty := alertPenalty(alerts, nowTs)
	sPenalty := clusterSpreadPenalty(riskyCount, memberCount)

	rawScore := decayed - aPenalty - alPenalty - sPenalty
	reputationScore := clamp(round2(rawScore), 0, 100)

	var reasonTags []string
	if riskyCount > 0 && memberCount > 0 {
		reasonTags = append(reasonTags, ReasonClusterContamination)
	}
	if anomalyCount >= 2 {
		reasonTags = append(reasonTags, ReasonRepeatedAnomalies)
	}
	if anomalyCount == 0 && alPenalty == 0 && prevScore < 70 && reputationScore >= 70 {
		reasonTags = append(reasonTags, ReasonBehaviorRecovery)
	}

	newDecay := 1.0 - (daysSince/decayDaysHalflife)*0.1
	newDecay = clamp(newDecay, 0.5, 1.0)

	riskHistory = append(riskHistory, riskSnapshot{
		At: nowTs, ReputationScore: reputationScore, AnomalyCount: anomalyCount,
		AlertPenalty: round2(alPenalty), SpreadPenalty: round2(sPenalty), ReasonTags: reasonTags,
	})
	if len(riskHistory) > maxRiskHistoryLength {
		riskHistory = riskHistory[len(riskHistory)-maxRiskHistoryLength:]
	}
	riskHistoryJSON, _ := json.Marshal(riskHistory)
	reasonTagsJSON, _ := json.Marshal(reasonTags)

	if err := s.UpsertEntityProfile(clusterID, reputationScore, string(riskHistoryJSON), nowTs, newDecay, string(reasonTagsJSON)); err != nil {
		return nil, err
	}
	if err := s.InsertEntityReputationHistory(clusterID, reputationScore, nowTs); err != nil {
		return nil, err
	}

	log.Info().Int64("cluster_id", clusterID).Float64("reputation_score", reputationScore).Strs("reason_tags", reasonTags).Msg("entity reputation updated")

	return &store.EntityProfileRow{
		EntityID: clusterID, ClusterID: clusterID, ReputationScore: reputationScore,
		RiskHistoryJSON: string(riskHistoryJSON), LastUpdated: nowTs, DecayFactor: newDecay,
		ReasonTagsJSON: string(reasonTagsJSON),
	}, nil
}

type trustScoreMetadata struct {
	IsAnomalous  bool                     `json:"is_anomalous"`
	AnomalyFlags []map[string]interface{} `json:"anomaly_flags"`
}

// UpdateEntityReputationFromCluster gathers each member's latest
// anomaly state and recent alerts from the store and folds them into
// the cluster's entity reputation.
func UpdateEntityReputationFromCluster(log zerolog.Logger, clock clockwork.Clock, s EntityStore, clusterID int64) (*store.EntityProfileRow, error) {
	members, err := s.GetClusterMembers(clusterID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	nowTs := clock.Now().Unix()
	sinceTs := nowTs - int64(recentWindowDays*secondsPerDay)

	latest, err := s.GetLatestTrustScoresForWallets(members)
	if err != nil {
		return nil, err
	}

	var anomalies []EntityAnomalyInput
	var allAlerts []store.AlertRecord
	for _, w := range members {
		if rec, ok := latest[w]; ok && rec.MetadataJSON != "" {
			var meta trustScoreMetadata
			if json.Unmarshal([]byte(rec.MetadataJSON), &meta) == nil {
				anomalies = append(anomalies, EntityAnomalyInput{Wallet: w, IsAnomalous: meta.IsAnomalous})
			}
		}
		alerts, err := s.GetAlertsForWallet(w, sinceTs, 50)
		if err != nil {
			return nil, err
		}
		allAlerts = append(allAlerts, alerts...)
	}

	return UpdateEntityReputation(log, s, clusterID, anomalies, allAlerts, len(members), nowTs)
}

// GetEntityReputationModifier returns the score adjustment a wallet
// inherits from its entity's reputation: a good entity lifts the
// score, a bad one lowers it, scaled and capped.
func GetEntityReputationModifier(s EntityStore, wallet string) (float64, error) {
	c, err := s.GetClusterForWallet(wallet)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil
	}
	profile, err := s.GetEntityProfileByCluster(c.ID)
	if err != nil {
		return 0, err
	}
	if profile == nil {
		return 0, nil
	}
	delta := (profile.ReputationScore - 50.0) * entityModifierScale
	return clamp(round2(delta), -entityModifierCap, entityModifierCap), nil
}

// ApplyEntityModifier adds the wallet's entity-reputation modifier to
// a score already adjusted for anomaly, graph, and cluster penalties.
func ApplyEntityModifier(s EntityStore, wallet string, scoreAfterCluster float64) (float64, error) {
	modifier, err := GetEntityReputationModifier(s, wallet)
	if err != nil {
		return 0, err
	}
	return clamp(round2(scoreAfterCluster+modifier), 0, 100), nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func round2(v float64) float64 { return float64(int64(v*100+sign(v)*0.5)) / 100 }

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
