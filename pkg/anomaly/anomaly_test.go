package anomaly

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/features"
)

func f64(v float64) *float64 { return &v }

func TestDetectFlagsBurst(t *testing.T) {
	vec := features.WalletFeatureVector{
		Wallet:      "walletA",
		TxCount:     10,
		TxFrequency: f64(150),
	}
	res := Detect(zerolog.Nop(), vec, DefaultConfig())
	require.True(t, res.IsAnomalous)
	require.Equal(t, SeverityCritical, res.MaxSeverity())
}

func TestDetectNoFlagsForNormalActivity(t *testing.T) {
	vec := features.WalletFeatureVector{
		Wallet:                 "walletA",
		TxCount:                3,
		TxFrequency:            f64(1.0),
		VelocitySOLPerDay:      f64(0.5),
		AvgTransactionValueSOL: 0.1,
		TotalVolumeSOL:         0.3,
	}
	res := Detect(zerolog.Nop(), vec, DefaultConfig())
	require.False(t, res.IsAnomalous)
}

func TestDetectFreshWalletHighValue(t *testing.T) {
	vec := features.WalletFeatureVector{
		Wallet:                 "walletA",
		TxCount:                1,
		TotalVolumeSOL:         150,
		AvgTransactionValueSOL: 150,
	}
	res := Detect(zerolog.Nop(), vec, DefaultConfig())
	require.True(t, res.IsAnomalous)
	require.Equal(t, SeverityCritical, res.MaxSeverity())
}

func TestDetectSkipsFreshWalletAboveTxCeiling(t *testing.T) {
	vec := features.WalletFeatureVector{Wallet: "walletA", TxCount: 20, TotalVolumeSOL: 200}
	res := Detect(zerolog.Nop(), vec, DefaultConfig())
	for _, fl := range res.Flags {
		require.NotEqual(t, FlagFreshWalletHighValue, fl.Type)
	}
}
