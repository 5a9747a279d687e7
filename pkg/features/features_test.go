package features

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trustengine/trustengine/pkg/parser"
)

func ts(v int64) *int64 { return &v }

func TestExtractFeaturesEmpty(t *testing.T) {
	vec := ExtractFeatures(nil, "walletA", 1.0)
	require.Equal(t, 0, vec.TxCount)
	require.Nil(t, vec.TxFrequency)
}

func TestExtractFeaturesComputesVelocityAndFrequency(t *testing.T) {
	txs := []parser.ParsedTransaction{
		{Sender: "walletA", Receiver: "walletB", AmountLamports: 1_000_000_000, Timestamp: ts(0)},
		{Sender: "walletC", Receiver: "walletA", AmountLamports: 2_000_000_000, Timestamp: ts(86400)},
	}

	vec := ExtractFeatures(txs, "walletA", 1.0)
	require.Equal(t, 2, vec.TxCount)
	require.Equal(t, 2, vec.UniqueCounterparties)
	require.NotNil(t, vec.TxFrequency)
	require.InDelta(t, 2.0, *vec.TxFrequency, 1e-9)
	require.NotNil(t, vec.VelocityLamportsPerDay)
	require.InDelta(t, 3_000_000_000.0, *vec.VelocityLamportsPerDay, 1e-6)
}

func TestExtractFeaturesSingleTimestampYieldsNilRates(t *testing.T) {
	txs := []parser.ParsedTransaction{
		{Sender: "walletA", Receiver: "walletB", AmountLamports: 500, Timestamp: ts(100)},
	}
	vec := ExtractFeatures(txs, "walletA", 1.0)
	require.Equal(t, 1, vec.TxCount)
	require.Nil(t, vec.TxFrequency)
	require.Nil(t, vec.TimeSpanDays)
}

func TestExtractFeaturesClampsMinTimeSpan(t *testing.T) {
	txs := []parser.ParsedTransaction{
		{Sender: "walletA", Receiver: "walletB", AmountLamports: 1000, Timestamp: ts(100)},
		{Sender: "walletA", Receiver: "walletC", AmountLamports: 1000, Timestamp: ts(105)},
	}
	vec := ExtractFeatures(txs, "walletA", 10.0)
	require.NotNil(t, vec.TimeSpanSeconds)
	require.InDelta(t, 10.0, *vec.TimeSpanSeconds, 1e-9)
}

func TestExtractFeaturesIgnoresUnrelatedTransactions(t *testing.T) {
	txs := []parser.ParsedTransaction{
		{Sender: "walletX", Receiver: "walletY", AmountLamports: 999, Timestamp: ts(1)},
	}
	vec := ExtractFeatures(txs, "walletA", 1.0)
	require.Equal(t, 0, vec.TxCount)
}
