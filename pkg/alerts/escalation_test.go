package alerts

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/anomaly"
	"github.com/trustengine/trustengine/pkg/store"
)

type fakeEscalationStore struct {
	state       *store.EscalationStateRow
	alerts      []store.AlertRecord
	upserted    store.EscalationStateRow
	setPriority string
}

func (f *fakeEscalationStore) GetEscalationState(wallet string) (*store.EscalationStateRow, error) {
	return f.state, nil
}

func (f *fakeEscalationStore) GetAlertsForWallet(wallet string, since int64, limit int) ([]store.AlertRecord, error) {
	var out []store.AlertRecord
	for _, a := range f.alerts {
		if a.CreatedAt >= since {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeEscalationStore) UpsertEscalationState(e store.EscalationStateRow) error {
	f.upserted = e
	return nil
}

func (f *fakeEscalationStore) SetWalletPriority(wallet, priority string) error {
	f.setPriority = priority
	return nil
}

func TestUpdateEscalationNewWalletMultipleTypesBonus(t *testing.T) {
	now := int64(1_000_000)
	f := &fakeEscalationStore{}
	clock := clockwork.NewFakeClockAt(time.Unix(now, 0))
	result := anomaly.Result{IsAnomalous: true, Flags: []anomaly.Flag{
		{Type: anomaly.FlagBurstTransactions, Severity: anomaly.SeverityHigh},
		{Type: anomaly.FlagSuspiciousVelocity, Severity: anomaly.SeverityLow},
	}}
	stage, err := UpdateEscalationAndGetRiskStage(zerolog.Nop(), clock, f, "A", result, DefaultEscalationConfig())
	require.NoError(t, err)
	require.Equal(t, RiskStageNormal, stage) // 2*6 + 12(multi-type) = 24 <= 30
	require.Equal(t, 24.0, f.upserted.EscalationScore)
	require.Equal(t, "normal", f.setPriority)
}

func TestUpdateEscalationRepeatedTypeBonusEscalatesToWarning(t *testing.T) {
	now := int64(1_000_000)
	lastAlert := now - 10000
	f := &fakeEscalationStore{
		state:  &store.EscalationStateRow{Wallet: "A", RiskStage: RiskStageNormal, EscalationScore: 24, LastAlertTs: &lastAlert},
		alerts: []store.AlertRecord{{Wallet: "A", Reason: "burst detected", Severity: "high", CreatedAt: now - 5000}},
	}
	clock := clockwork.NewFakeClockAt(time.Unix(now, 0))
	result := anomaly.Result{IsAnomalous: true, Flags: []anomaly.Flag{
		{Type: anomaly.FlagBurstTransactions, Severity: anomaly.SeverityHigh},
	}}
	stage, err := UpdateEscalationAndGetRiskStage(zerolog.Nop(), clock, f, "A", result, DefaultEscalationConfig())
	require.NoError(t, err)
	require.Equal(t, RiskStageWarning, stage) // 24 + 6 + 8(repeated) = 38
	require.Equal(t, 38.0, f.upserted.EscalationScore)
	require.Equal(t, "watchlist", f.setPriority)
}

func TestUpdateEscalationResetsAfterLongCleanPeriod(t *testing.T) {
	now := int64(1_000_000)
	lastClean := now - 200000
	lastAlert := now - 200000
	f := &fakeEscalationStore{
		state: &store.EscalationStateRow{Wallet: "A", RiskStage: RiskStageWarning, EscalationScore: 50, LastAlertTs: &lastAlert, LastCleanTs: &lastClean},
	}
	clock := clockwork.NewFakeClockAt(time.Unix(now, 0))
	stage, err := UpdateEscalationAndGetRiskStage(zerolog.Nop(), clock, f, "A", anomaly.Result{}, DefaultEscalationConfig())
	require.NoError(t, err)
	require.Equal(t, RiskStageNormal, stage)
	require.Equal(t, 0.0, f.upserted.EscalationScore)
}

func TestUpdateEscalationPartialDecayWhenNotYetResetEligible(t *testing.T) {
	now := int64(1_000_000)
	lastClean := now - 50000
	lastAlert := now - 100000
	f := &fakeEscalationStore{
		state: &store.EscalationStateRow{Wallet: "A", RiskStage: RiskStageWarning, EscalationScore: 50, LastAlertTs: &lastAlert, LastCleanTs: &lastClean},
	}
	clock := clockwork.NewFakeClockAt(time.Unix(now, 0))
	stage, err := UpdateEscalationAndGetRiskStage(zerolog.Nop(), clock, f, "A", anomaly.Result{}, DefaultEscalationConfig())
	require.NoError(t, err)
	require.Equal(t, RiskStageWarning, stage)
	require.Equal(t, 38.0, f.upserted.EscalationScore) // 50 - 12 decay
}

func TestScoreToRiskStageBoundaries(t *testing.T) {
	cfg := DefaultEscalationConfig()
	require.Equal(t, RiskStageNormal, scoreToRiskStage(30, cfg))
	require.Equal(t, RiskStageWarning, scoreToRiskStage(31, cfg))
	require.Equal(t, RiskStageWarning, scoreToRiskStage(60, cfg))
	require.Equal(t, RiskStageCritical, scoreToRiskStage(61, cfg))
}

func TestExtractAnomalyTypeFromReason(t *testing.T) {
	require.Equal(t, string(anomaly.FlagBurstTransactions), extractAnomalyTypeFromReason("Burst of 120 transactions", "high"))
	require.Equal(t, string(anomaly.FlagSuspiciousVelocity), extractAnomalyTypeFromReason("High velocity detected", "medium"))
	require.Equal(t, "risk_score", extractAnomalyTypeFromReason("Trust score below threshold", "risk_score"))
	require.Equal(t, "other_low", extractAnomalyTypeFromReason("unrelated", "low"))
}
