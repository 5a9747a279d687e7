// Package worker runs the fixed-size pool that drains listener and
// scheduler work into the twelve-step per-wallet analysis pipeline.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/alerts"
	"github.com/trustengine/trustengine/pkg/anomaly"
	"github.com/trustengine/trustengine/pkg/cluster"
	"github.com/trustengine/trustengine/pkg/features"
	"github.com/trustengine/trustengine/pkg/graph"
	"github.com/trustengine/trustengine/pkg/listener"
	"github.com/trustengine/trustengine/pkg/parser"
	"github.com/trustengine/trustengine/pkg/reputation"
	"github.com/trustengine/trustengine/pkg/scorer"
	"github.com/trustengine/trustengine/pkg/store"
)

// TxFetcher fetches one transaction's raw RPC envelope by signature.
type TxFetcher interface {
	GetTransaction(ctx context.Context, signature string) (json.RawMessage, error)
}

// PipelineStore is the persistence surface the analysis pipeline needs.
type PipelineStore interface {
	InsertTransaction(tx store.TransactionRecord) (bool, error)
	GetTransactionsForWallet(wallet string, limit int) ([]store.TransactionRecord, error)
	InsertTrustScore(rec store.TrustScoreRecord) error
	UpsertWalletProfile(wallet string, firstSeen, lastSeen time.Time) error

	graph.EdgeStore
	cluster.ClusterStore
	reputation.EntityStore
	reputation.MemoryStore
	alerts.AlertStore
	alerts.EscalationStore
}

// Config holds the tunables the pipeline threads through to each
// analysis stage.
type Config struct {
	MaxTxHistory     int
	AnomalyConfig    anomaly.Config
	AlertConfig      alerts.Config
	EscalationConfig alerts.EscalationConfig
	MinTimeSpanSec   float64
}

func DefaultConfig() Config {
	return Config{
		MaxTxHistory:     500,
		AnomalyConfig:    anomaly.DefaultConfig(),
		AlertConfig:      alerts.DefaultConfig(),
		EscalationConfig: alerts.DefaultEscalationConfig(),
		MinTimeSpanSec:   1.0,
	}
}

type trustScoreMetadata struct {
	AnomalyFlags []anomaly.Flag `json:"anomaly_flags"`
	IsAnomalous  bool           `json:"is_anomalous"`
	TxCount      int            `json:"tx_count"`
}

// AnalyzeWallet runs the full twelve-step pipeline for wallet given a
// batch of newly observed signatures: fetch, parse, persist, extract
// features, detect anomalies, score, propagate risk, apply cluster and
// entity modifiers, persist the result, and update escalation.
// Steps 6-8 (risk propagation, cluster penalty, entity modifier) are
// best-effort: failures there degrade to the prior score and are
// logged, never abort the pipeline.
func AnalyzeWallet(ctx context.Context, log zerolog.Logger, clock clockwork.Clock, fetcher TxFetcher, s PipelineStore, wallet string, sigs []listener.SignatureInfo, cfg Config) error {
	if len(sigs) == 0 {
		return nil
	}

	inserted := 0
	for _, sig := range sigs {
		raw, err := fetcher.GetTransaction(ctx, sig.Signature)
		if err != nil || raw == nil {
			continue
		}
		var envelope parser.RawTransaction
		if json.Unmarshal(raw, &envelope) != nil {
			continue
		}
		parsed, err := parser.Parse(envelope)
		if err != nil || parsed == nil {
			continue
		}
		ok, err := s.InsertTransaction(store.TransactionRecord{
			Wallet: wallet, Sender: parsed.Sender, Receiver: parsed.Receiver,
			AmountLamports: parsed.AmountLamports, Timestamp: parsed.Timestamp,
			Signature: parsed.Signature, Slot: parsed.Slot, CreatedAt: time.Now(),
		})
		if err != nil {
			log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: insert transaction failed")
			continue
		}
		if ok {
			inserted++
		}
	}
	log.Info().Str("wallet", wallet).Int("inserted", inserted).Int("fetched", len(sigs)).Msg("pipeline: transactions inserted")

	history, err := s.GetTransactionsForWallet(wallet, cfg.MaxTxHistory)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	txsForAnalysis := make([]parser.ParsedTransaction, len(history))
	for i, r := range history {
		txsForAnalysis[i] = parser.ParsedTransaction{
			Sender: r.Sender, Receiver: r.Receiver, AmountLamports: r.AmountLamports,
			Timestamp: r.Timestamp, Signature: r.Signature, Slot: r.Slot,
		}
	}

	if err := graph.UpdateGraph(s, txsForAnalysis); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: graph update failed")
	}

	featureVector := features.ExtractFeatures(txsForAnalysis, wallet, cfg.MinTimeSpanSec)
	result := anomaly.Detect(log, featureVector, cfg.AnomalyConfig)
	baseScore := scorer.Compute(result.Flags, scorer.DefaultBaseScore, scorer.MinScore, scorer.MaxScore)

	score := baseScore
	isAnomalousLookup := func(w string) bool {
		rec, err := s.GetLatestTrustScoresForWallets([]string{w})
		if err != nil {
			return false
		}
		m, ok := rec[w]
		if !ok {
			return false
		}
		var meta trustScoreMetadata
		return json.Unmarshal([]byte(m.MetadataJSON), &meta) == nil && meta.IsAnomalous
	}
	if adjusted, _, err := graph.PropagateRisk(s, wallet, score, isAnomalousLookup); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: risk propagation failed")
	} else {
		score = adjusted
	}

	if adjusted, err := cluster.ApplyClusterPenalty(log, s, wallet, score, clock.Now().Unix()); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: cluster penalty failed")
	} else {
		score = adjusted
	}

	if adjusted, err := reputation.ApplyEntityModifier(s, wallet, score); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: entity modifier failed")
	} else {
		score = adjusted
	}

	finalScore := round2(score)
	metadata, _ := json.Marshal(trustScoreMetadata{
		AnomalyFlags: result.Flags, IsAnomalous: result.IsAnomalous, TxCount: featureVector.TxCount,
	})
	now := clock.Now().Unix()
	if err := s.InsertTrustScore(store.TrustScoreRecord{
		Wallet: wallet, Score: finalScore, ComputedAt: now, MetadataJSON: string(metadata),
	}); err != nil {
		return err
	}

	var minTs, maxTs int64 = now, now
	for _, r := range history {
		if r.Timestamp == nil {
			continue
		}
		if *r.Timestamp < minTs {
			minTs = *r.Timestamp
		}
		if *r.Timestamp > maxTs {
			maxTs = *r.Timestamp
		}
	}
	if err := s.UpsertWalletProfile(wallet, time.Unix(minTs, 0), time.Unix(maxTs, 0)); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: wallet profile upsert failed")
	}

	storedAlerts, err := alerts.EvaluateAndStoreAlerts(log, clock, s, wallet, finalScore, result, cfg.AlertConfig)
	if err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: alert evaluation failed")
	}

	riskStage, err := alerts.UpdateEscalationAndGetRiskStage(log, clock, s, wallet, result, cfg.EscalationConfig)
	if err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: escalation update failed")
	}

	if _, err := reputation.UpdateReputation(log, clock, s, wallet, finalScore); err != nil {
		log.Warn().Str("wallet", wallet).Err(err).Msg("pipeline: reputation memory update failed")
	}

	log.Info().Str("wallet", wallet).Float64("trust_score", finalScore).
		Bool("is_anomalous", result.IsAnomalous).Int("tx_count", featureVector.TxCount).
		Int("alerts_stored", storedAlerts).Str("risk_stage", riskStage).Msg("pipeline: wallet analyzed")

	return nil
}

var _ PipelineStore = (*store.Store)(nil)

func round2(v float64) float64 {
	scaled := v * 100
	if scaled >= 0 {
		return float64(int64(scaled+0.5)) / 100
	}
	return float64(int64(scaled-0.5)) / 100
}
