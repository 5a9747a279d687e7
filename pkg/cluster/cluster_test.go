package cluster

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/store"
)

type fakeClusterStore struct {
	edges   []store.GraphEdge
	cluster *store.Cluster
	members []string
	scores  map[string]store.TrustScoreRecord
	risk    float64

	replacedClusters []store.Cluster
	replacedMembers  map[int][]string
}

func (f *fakeClusterStore) GetAllGraphEdges(limit int) ([]store.GraphEdge, error) { return f.edges, nil }

func (f *fakeClusterStore) ReplaceClusters(clusters []store.Cluster, members map[int][]string) error {
	f.replacedClusters = clusters
	f.replacedMembers = members
	return nil
}

func (f *fakeClusterStore) GetClusterForWallet(wallet string) (*store.Cluster, error) {
	return f.cluster, nil
}

func (f *fakeClusterStore) GetClusterMembers(clusterID int64) ([]string, error) { return f.members, nil }

func (f *fakeClusterStore) UpdateClusterRisk(clusterID int64, risk float64, at int64) error {
	f.risk = risk
	return nil
}

func (f *fakeClusterStore) GetLatestTrustScoresForWallets(wallets []string) (map[string]store.TrustScoreRecord, error) {
	return f.scores, nil
}

func TestRunClusteringFindsBidirectionalPair(t *testing.T) {
	f := &fakeClusterStore{edges: []store.GraphEdge{
		{Sender: "A", Receiver: "B", TxCount: 3, LastSeenTimestamp: 100},
		{Sender: "B", Receiver: "A", TxCount: 2, LastSeenTimestamp: 200},
	}}
	built, err := RunClustering(zerolog.Nop(), f, 0)
	require.NoError(t, err)
	require.Len(t, built, 1)
	require.ElementsMatch(t, []string{"A", "B"}, built[0].Wallets)
	require.Contains(t, built[0].ReasonTags, ReasonBidirectional)
}

func TestRunClusteringMergesFanOutAndSharedFunding(t *testing.T) {
	f := &fakeClusterStore{edges: []store.GraphEdge{
		{Sender: "S", Receiver: "X", TxCount: 1, LastSeenTimestamp: 1},
		{Sender: "S", Receiver: "Y", TxCount: 1, LastSeenTimestamp: 1},
	}}
	built, err := RunClustering(zerolog.Nop(), f, 0)
	require.NoError(t, err)
	require.Len(t, built, 1)
	require.ElementsMatch(t, []string{"S", "X", "Y"}, built[0].Wallets)
}

func TestRunClusteringEmptyEdgesClearsClusters(t *testing.T) {
	f := &fakeClusterStore{}
	built, err := RunClustering(zerolog.Nop(), f, 0)
	require.NoError(t, err)
	require.Nil(t, built)
	require.Nil(t, f.replacedClusters)
}

func TestComputeClusterRiskBoostsForAnomalousMembers(t *testing.T) {
	f := &fakeClusterStore{
		members: []string{"A", "B"},
		scores: map[string]store.TrustScoreRecord{
			"A": {Score: 40, MetadataJSON: `{"is_anomalous":true}`},
			"B": {Score: 90},
		},
	}
	risk, err := ComputeClusterRisk(zerolog.Nop(), f, 1, 1000)
	require.NoError(t, err)
	require.True(t, risk > 0)
	require.LessOrEqual(t, risk, maxClusterPenalty)
}

func TestGetClusterPenaltyForWalletUsesCachedRisk(t *testing.T) {
	risk := 7.5
	f := &fakeClusterStore{cluster: &store.Cluster{ID: 1, ClusterRisk: &risk}}
	penalty, err := GetClusterPenaltyForWallet(zerolog.Nop(), f, "A", 1000)
	require.NoError(t, err)
	require.Equal(t, 7.5, penalty)
}

func TestGetClusterPenaltyForWalletNotClustered(t *testing.T) {
	f := &fakeClusterStore{}
	penalty, err := GetClusterPenaltyForWallet(zerolog.Nop(), f, "A", 1000)
	require.NoError(t, err)
	require.Equal(t, 0.0, penalty)
}

func TestApplyClusterPenaltyClamps(t *testing.T) {
	risk := 50.0
	f := &fakeClusterStore{cluster: &store.Cluster{ID: 1, ClusterRisk: &risk}}
	final, err := ApplyClusterPenalty(zerolog.Nop(), f, "A", 10, 1000)
	require.NoError(t, err)
	require.Equal(t, 0.0, final)
}
