// Package alerts evaluates trust-score and anomaly risk into stored
// alerts with cooldown deduplication, and runs the per-wallet
// escalation state machine that derives a normal/warning/critical risk
// stage from accumulated alert history.
package alerts

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/anomaly"
	"github.com/trustengine/trustengine/pkg/store"
)

const (
	DefaultAnomalySeverityMin  = anomaly.SeverityMedium
	DefaultTrustScoreAlertBelow = 50.0
	DefaultCooldownSec         = 3600
	maxReasonLength            = 500
)

var severityOrder = map[anomaly.Severity]int{
	anomaly.SeverityLow:      0,
	anomaly.SeverityMedium:   1,
	anomaly.SeverityHigh:     2,
	anomaly.SeverityCritical: 3,
}

// Config holds the tunable thresholds for alert evaluation.
type Config struct {
	TrustScoreAlertBelow float64
	AnomalySeverityMin   anomaly.Severity
	CooldownSec          int64
}

func DefaultConfig() Config {
	return Config{
		TrustScoreAlertBelow: DefaultTrustScoreAlertBelow,
		AnomalySeverityMin:   DefaultAnomalySeverityMin,
		CooldownSec:          DefaultCooldownSec,
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	return reason[:maxReasonLength-3] + "..."
}

func shouldAlertForAnomaly(severity anomaly.Severity, cfg Config) bool {
	return severityOrder[severity] >= severityOrder[cfg.AnomalySeverityMin]
}

// AlertStore is the persistence surface the alert engine needs.
type AlertStore interface {
	HasRecentAlert(wallet, severity, reason string, since int64) (bool, error)
	InsertAlert(rec store.AlertRecord) error
}

// EvaluateAndStoreAlerts raises a risk_score alert when trust score
// falls below threshold, and one alert per anomaly flag at or above
// the configured minimum severity. Duplicate (wallet, severity,
// reason) triggers within the cooldown window are suppressed. Returns
// the number of new alerts stored.
func EvaluateAndStoreAlerts(log zerolog.Logger, clock clockwork.Clock, s AlertStore, wallet string, trustScore float64, result anomaly.Result, cfg Config) (int, error) {
	now := clock.Now().Unix()
	since := now - cfg.CooldownSec
	stored := 0

	if trustScore < cfg.TrustScoreAlertBelow {
		severity := "risk_score"
		reason := truncateReason(fmt.Sprintf("Trust score below threshold: %.1f < %.1f", trustScore, cfg.TrustScoreAlertBelow))
		has, err := s.HasRecentAlert(wallet, severity, reason, since)
		if err != nil {
			return stored, err
		}
		if !has {
			if err := s.InsertAlert(store.AlertRecord{Wallet: wallet, Severity: severity, Reason: reason, CreatedAt: now}); err != nil {
				return stored, err
			}
			stored++
			log.Info().Str("wallet", wallet).Str("severity", severity).Float64("trust_score", trustScore).Msg("alert stored")
		}
	}

	for _, flag := range result.Flags {
		if !shouldAlertForAnomaly(flag.Severity, cfg) {
			continue
		}
		reason := truncateReason(flag.Message)
		severity := string(flag.Severity)
		has, err := s.HasRecentAlert(wallet, severity, reason, since)
		if err != nil {
			return stored, err
		}
		if has {
			continue
		}
		if err := s.InsertAlert(store.AlertRecord{Wallet: wallet, Severity: severity, Reason: reason, CreatedAt: now}); err != nil {
			return stored, err
		}
		stored++
		log.Info().Str("wallet", wallet).Str("severity", severity).Str("anomaly_type", string(flag.Type)).Msg("alert stored")
	}

	return stored, nil
}

var (
	_ AlertStore      = (*store.Store)(nil)
	_ EscalationStore = (*store.Store)(nil)
)
