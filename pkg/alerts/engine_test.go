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

type fakeAlertStore struct {
	alerts []store.AlertRecord
}

func (f *fakeAlertStore) HasRecentAlert(wallet, severity, reason string, since int64) (bool, error) {
	for _, a := range f.alerts {
		if a.Wallet == wallet && a.Severity == severity && a.Reason == reason && a.CreatedAt >= since {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAlertStore) InsertAlert(rec store.AlertRecord) error {
	f.alerts = append(f.alerts, rec)
	return nil
}

func TestEvaluateAndStoreAlertsTrustScoreBelowThreshold(t *testing.T) {
	f := &fakeAlertStore{}
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	n, err := EvaluateAndStoreAlerts(zerolog.Nop(), clock, f, "A", 40, anomaly.Result{}, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "risk_score", f.alerts[0].Severity)
}

func TestEvaluateAndStoreAlertsOneAlertPerFlagAboveMinSeverity(t *testing.T) {
	f := &fakeAlertStore{}
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	result := anomaly.Result{
		IsAnomalous: true,
		Flags: []anomaly.Flag{
			{Type: anomaly.FlagBurstTransactions, Severity: anomaly.SeverityHigh, Message: "burst"},
			{Type: anomaly.FlagSuspiciousVelocity, Severity: anomaly.SeverityLow, Message: "low vel"},
		},
	}
	n, err := EvaluateAndStoreAlerts(zerolog.Nop(), clock, f, "A", 90, result, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 1, n) // only the high-severity flag clears the medium floor
	require.Equal(t, "high", f.alerts[0].Severity)
}

func TestEvaluateAndStoreAlertsDedupesWithinCooldown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	f := &fakeAlertStore{alerts: []store.AlertRecord{
		{Wallet: "A", Severity: "risk_score", Reason: "Trust score below threshold: 40.0 < 50.0", CreatedAt: 999_000},
	}}
	n, err := EvaluateAndStoreAlerts(zerolog.Nop(), clock, f, "A", 40, anomaly.Result{}, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestEvaluateAndStoreAlertsNoneWhenHealthy(t *testing.T) {
	f := &fakeAlertStore{}
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	n, err := EvaluateAndStoreAlerts(zerolog.Nop(), clock, f, "A", 95, anomaly.Result{}, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
