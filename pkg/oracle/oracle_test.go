package oracle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/store"
)

type fakeOracleStore struct {
	scores   map[string]*store.TrustScoreRecord
	clusters map[string]*store.Cluster
	profiles map[int64]*store.EntityProfileRow
	reps     map[string]*store.ReputationStateRow
	calls    int
}

func (f *fakeOracleStore) GetLatestTrustScore(wallet string) (*store.TrustScoreRecord, error) {
	f.calls++
	return f.scores[wallet], nil
}
func (f *fakeOracleStore) GetClusterForWallet(wallet string) (*store.Cluster, error) {
	return f.clusters[wallet], nil
}
func (f *fakeOracleStore) GetEntityProfileByCluster(clusterID int64) (*store.EntityProfileRow, error) {
	return f.profiles[clusterID], nil
}
func (f *fakeOracleStore) GetReputationState(wallet string) (*store.ReputationStateRow, error) {
	return f.reps[wallet], nil
}

func TestGetWalletSummaryRiskLevelMapping(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{20, "critical"},
		{45, "high"},
		{65, "medium"},
		{90, "low"},
	}
	for _, c := range cases {
		s := &fakeOracleStore{scores: map[string]*store.TrustScoreRecord{
			"W": {Wallet: "W", Score: c.score, ComputedAt: 1000},
		}}
		o := New(zerolog.Nop(), s, DefaultConfig())
		res, err := o.GetWalletSummary("client1", "W")
		require.NoError(t, err)
		require.Equal(t, c.want, res.RiskLevel)
		require.NotNil(t, res.TrustScore)
		require.InDelta(t, c.score, *res.TrustScore, 0.001)
	}
}

func TestGetWalletSummaryCachesWithinTTL(t *testing.T) {
	s := &fakeOracleStore{scores: map[string]*store.TrustScoreRecord{
		"W": {Wallet: "W", Score: 80, ComputedAt: 1000},
	}}
	o := New(zerolog.Nop(), s, Config{CacheTTL: time.Minute, RateLimitPerWin: 100, RateLimitWindow: time.Minute})
	defer o.Close()

	_, err := o.GetWalletSummary("client1", "W")
	require.NoError(t, err)
	_, err = o.GetWalletSummary("client1", "W")
	require.NoError(t, err)
	require.Equal(t, 1, s.calls)
}

func TestGetWalletSummaryRateLimitExceeded(t *testing.T) {
	s := &fakeOracleStore{scores: map[string]*store.TrustScoreRecord{
		"W": {Wallet: "W", Score: 80, ComputedAt: 1000},
	}}
	o := New(zerolog.Nop(), s, Config{CacheTTL: time.Minute, RateLimitPerWin: 1, RateLimitWindow: time.Minute})
	defer o.Close()

	_, err := o.GetWalletSummary("solo-client", "W")
	require.NoError(t, err)
	_, err = o.GetWalletSummary("solo-client", "W2")
	require.Error(t, err)
	var rlErr *ErrRateLimited
	require.ErrorAs(t, err, &rlErr)
}

func TestGetWalletSummaryIncludesClusterAndEntityReputation(t *testing.T) {
	risk := 8.5
	tags, _ := json.Marshal([]string{"cluster_contamination", "repeated_anomalies"})
	s := &fakeOracleStore{
		scores: map[string]*store.TrustScoreRecord{
			"W": {Wallet: "W", Score: 40, ComputedAt: 2000, MetadataJSON: `{"is_anomalous":true,"anomaly_flags":[{"message":"burst activity"}]}`},
		},
		clusters: map[string]*store.Cluster{
			"W": {ID: 7, ClusterRisk: &risk},
		},
		profiles: map[int64]*store.EntityProfileRow{
			7: {EntityID: 7, ClusterID: 7, ReputationScore: 30, ReasonTagsJSON: string(tags), LastUpdated: 2500},
		},
		reps: map[string]*store.ReputationStateRow{
			"W": {Wallet: "W", CurrentScore: 40, Trend: "degrading", UpdatedAt: time.Unix(2600, 0)},
		},
	}
	o := New(zerolog.Nop(), s, DefaultConfig())
	defer o.Close()

	res, err := o.GetWalletSummary("client1", "W")
	require.NoError(t, err)
	require.Equal(t, "high", res.RiskLevel)
	require.NotNil(t, res.ClusterRisk)
	require.InDelta(t, 8.5, *res.ClusterRisk, 0.001)
	require.NotNil(t, res.EntityReputation)
	require.InDelta(t, 30, *res.EntityReputation, 0.001)
	require.Contains(t, res.ReasonTags, "cluster_contamination")
	require.True(t, res.Explanation.ClusterContamination)
	require.Equal(t, "degrading", res.Explanation.HistoricalTrend)
	require.Equal(t, "burst activity", res.Explanation.AnomalySummary)
	require.Equal(t, int64(2600), res.LastUpdated)
}

func TestGetWalletSummaryUnknownWalletReturnsDefaultLow(t *testing.T) {
	s := &fakeOracleStore{}
	o := New(zerolog.Nop(), s, DefaultConfig())
	defer o.Close()

	res, err := o.GetWalletSummary("client1", "ghost")
	require.NoError(t, err)
	require.Equal(t, "low", res.RiskLevel)
	require.Nil(t, res.TrustScore)
	require.Empty(t, res.ReasonTags)
}
