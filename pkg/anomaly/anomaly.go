// Package anomaly runs independent, explainable rule-based checks over
// a wallet's behavioral feature vector: burst activity, suspicious
// velocity, and fresh-wallet-high-value. No ML; every flag carries the
// threshold and the actual value that tripped it.
package anomaly

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/features"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

type FlagType string

const (
	FlagBurstTransactions     FlagType = "burst_transactions"
	FlagSuspiciousVelocity    FlagType = "suspicious_velocity"
	FlagFreshWalletHighValue  FlagType = "fresh_wallet_high_value"
)

// Flag is a single explainable anomaly flag: rule, severity, message,
// and the threshold/actual values used to evaluate it.
type Flag struct {
	Type     FlagType               `json:"type"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	RuleName string                 `json:"rule_name"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of running every rule against one wallet's
// feature vector.
type Result struct {
	Wallet      string
	Flags       []Flag
	IsAnomalous bool
}

// MaxSeverity returns the highest severity among flags, or "" if none.
func (r Result) MaxSeverity() Severity {
	var max Severity
	found := false
	for _, f := range r.Flags {
		if !found || severityOrder[f.Severity] > severityOrder[max] {
			max = f.Severity
			found = true
		}
	}
	return max
}

// Config holds the tunable thresholds for every rule.
type Config struct {
	BurstTxFrequencyPerDay     float64
	BurstSeverityMediumPerDay  float64
	BurstSeverityLowPerDay     float64

	SuspiciousVelocitySOLPerDay    float64
	VelocitySeverityMediumSOLPerDay float64
	VelocitySeverityLowSOLPerDay    float64

	FreshWalletMaxTxCount       int
	FreshWalletMinSOL           float64
	FreshWalletHighSOLCritical  float64
	FreshWalletHighSOLHigh      float64
}

// DefaultConfig mirrors the reference thresholds.
func DefaultConfig() Config {
	return Config{
		BurstTxFrequencyPerDay:    100.0,
		BurstSeverityMediumPerDay: 50.0,
		BurstSeverityLowPerDay:    20.0,

		SuspiciousVelocitySOLPerDay:     500.0,
		VelocitySeverityMediumSOLPerDay: 200.0,
		VelocitySeverityLowSOLPerDay:    50.0,

		FreshWalletMaxTxCount:      5,
		FreshWalletMinSOL:          10.0,
		FreshWalletHighSOLCritical: 100.0,
		FreshWalletHighSOLHigh:     50.0,
	}
}

type ruleFunc func(features.WalletFeatureVector, Config) *Flag

func checkBurst(f features.WalletFeatureVector, cfg Config) *Flag {
	if f.TxFrequency == nil || f.TxCount < 2 {
		return nil
	}
	freq := *f.TxFrequency
	details := map[string]interface{}{
		"tx_frequency_per_day": round2(freq),
		"tx_count":             f.TxCount,
		"time_span_days":       f.TimeSpanDays,
	}
	switch {
	case freq >= cfg.BurstTxFrequencyPerDay:
		details["threshold"] = cfg.BurstTxFrequencyPerDay
		return &Flag{FlagBurstTransactions, SeverityCritical,
			fmt.Sprintf("Burst activity: %.1f transactions per day (threshold: %.1f)", freq, cfg.BurstTxFrequencyPerDay),
			"burst_tx_frequency_per_day", details}
	case freq >= cfg.BurstSeverityMediumPerDay:
		details["threshold"] = cfg.BurstSeverityMediumPerDay
		return &Flag{FlagBurstTransactions, SeverityHigh,
			fmt.Sprintf("Elevated transaction frequency: %.1f txs/day (threshold: %.1f)", freq, cfg.BurstSeverityMediumPerDay),
			"burst_tx_frequency_per_day", details}
	case freq >= cfg.BurstSeverityLowPerDay:
		details["threshold"] = cfg.BurstSeverityLowPerDay
		return &Flag{FlagBurstTransactions, SeverityMedium,
			fmt.Sprintf("Above-normal transaction frequency: %.1f txs/day (threshold: %.1f)", freq, cfg.BurstSeverityLowPerDay),
			"burst_tx_frequency_per_day", details}
	}
	return nil
}

func checkSuspiciousVelocity(f features.WalletFeatureVector, cfg Config) *Flag {
	if f.VelocitySOLPerDay == nil {
		return nil
	}
	vel := *f.VelocitySOLPerDay
	details := map[string]interface{}{
		"velocity_sol_per_day": round4(vel),
		"total_volume_sol":     f.TotalVolumeSOL,
		"time_span_days":       f.TimeSpanDays,
	}
	switch {
	case vel >= cfg.SuspiciousVelocitySOLPerDay:
		details["threshold"] = cfg.SuspiciousVelocitySOLPerDay
		return &Flag{FlagSuspiciousVelocity, SeverityCritical,
			fmt.Sprintf("Suspicious velocity: %.2f SOL/day (threshold: %.1f SOL/day)", vel, cfg.SuspiciousVelocitySOLPerDay),
			"suspicious_velocity_sol_per_day", details}
	case vel >= cfg.VelocitySeverityMediumSOLPerDay:
		details["threshold"] = cfg.VelocitySeverityMediumSOLPerDay
		return &Flag{FlagSuspiciousVelocity, SeverityHigh,
			fmt.Sprintf("Elevated velocity: %.2f SOL/day (threshold: %.1f SOL/day)", vel, cfg.VelocitySeverityMediumSOLPerDay),
			"suspicious_velocity_sol_per_day", details}
	case vel >= cfg.VelocitySeverityLowSOLPerDay:
		details["threshold"] = cfg.VelocitySeverityLowSOLPerDay
		return &Flag{FlagSuspiciousVelocity, SeverityMedium,
			fmt.Sprintf("Above-normal velocity: %.2f SOL/day (threshold: %.1f SOL/day)", vel, cfg.VelocitySeverityLowSOLPerDay),
			"suspicious_velocity_sol_per_day", details}
	}
	return nil
}

func checkFreshWalletHighValue(f features.WalletFeatureVector, cfg Config) *Flag {
	if f.TxCount > cfg.FreshWalletMaxTxCount || f.TxCount == 0 {
		return nil
	}
	valueSOL := f.TotalVolumeSOL
	if f.AvgTransactionValueSOL > valueSOL {
		valueSOL = f.AvgTransactionValueSOL
	}
	if valueSOL < cfg.FreshWalletMinSOL {
		return nil
	}
	details := map[string]interface{}{
		"tx_count":                     f.TxCount,
		"total_volume_sol":             round4(f.TotalVolumeSOL),
		"avg_transaction_value_sol":    round4(f.AvgTransactionValueSOL),
		"value_used_sol":               round4(valueSOL),
		"fresh_wallet_max_tx_count":    cfg.FreshWalletMaxTxCount,
	}
	switch {
	case valueSOL >= cfg.FreshWalletHighSOLCritical:
		details["threshold_critical"] = cfg.FreshWalletHighSOLCritical
		return &Flag{FlagFreshWalletHighValue, SeverityCritical,
			fmt.Sprintf("Fresh wallet (%d txs) moving high value: %.2f SOL (threshold: %.1f SOL)", f.TxCount, valueSOL, cfg.FreshWalletHighSOLCritical),
			"fresh_wallet_high_value", details}
	case valueSOL >= cfg.FreshWalletHighSOLHigh:
		details["threshold_high"] = cfg.FreshWalletHighSOLHigh
		return &Flag{FlagFreshWalletHighValue, SeverityHigh,
			fmt.Sprintf("Fresh wallet (%d txs) with elevated value: %.2f SOL (threshold: %.1f SOL)", f.TxCount, valueSOL, cfg.FreshWalletHighSOLHigh),
			"fresh_wallet_high_value", details}
	default:
		details["threshold_min"] = cfg.FreshWalletMinSOL
		return &Flag{FlagFreshWalletHighValue, SeverityMedium,
			fmt.Sprintf("Fresh wallet (%d txs) with notable value: %.2f SOL (threshold: %.1f SOL)", f.TxCount, valueSOL, cfg.FreshWalletMinSOL),
			"fresh_wallet_high_value", details}
	}
}

var rules = []struct {
	name string
	fn   ruleFunc
}{
	{"check_burst", checkBurst},
	{"check_suspicious_velocity", checkSuspiciousVelocity},
	{"check_fresh_wallet_high_value", checkFreshWalletHighValue},
}

// Detect runs every anomaly rule against a wallet's feature vector.
// A rule that panics is recovered and logged, not surfaced to the
// caller, so one bad rule never stops the others.
func Detect(log zerolog.Logger, f features.WalletFeatureVector, cfg Config) Result {
	var flags []Flag
	for _, r := range rules {
		flag := runRuleSafely(log, r.name, r.fn, f, cfg)
		if flag != nil {
			flags = append(flags, *flag)
		}
	}
	return Result{Wallet: f.Wallet, Flags: flags, IsAnomalous: len(flags) > 0}
}

func runRuleSafely(log zerolog.Logger, name string, fn ruleFunc, f features.WalletFeatureVector, cfg Config) (flag *Flag) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("rule", name).Interface("panic", r).Msg("anomaly rule failed")
			flag = nil
		}
	}()
	return fn(f, cfg)
}

func round2(v float64) float64 { return roundN(v, 100) }
func round4(v float64) float64 { return roundN(v, 10000) }

func roundN(v, scale float64) float64 {
	return float64(int64(v*scale+0.5)) / scale
}
