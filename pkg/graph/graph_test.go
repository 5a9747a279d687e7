package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/parser"
)

type fakeEdgeStore struct {
	edges     [][3]string
	neighbors map[string][]string
}

func (f *fakeEdgeStore) UpsertGraphEdge(sender, receiver string, amount int64, ts int64) error {
	f.edges = append(f.edges, [3]string{sender, receiver, ""})
	return nil
}

func (f *fakeEdgeStore) GetNeighbors(wallet string) ([]string, error) {
	return f.neighbors[wallet], nil
}

func ts(v int64) *int64 { return &v }

func TestUpdateGraphSkipsSelfAndEmptyEdges(t *testing.T) {
	f := &fakeEdgeStore{}
	txs := []parser.ParsedTransaction{
		{Sender: "A", Receiver: "B", AmountLamports: 100, Timestamp: ts(1)},
		{Sender: "A", Receiver: "A", AmountLamports: 50, Timestamp: ts(2)},
		{Sender: "", Receiver: "C", AmountLamports: 10, Timestamp: ts(3)},
	}
	require.NoError(t, UpdateGraph(f, txs))
	require.Len(t, f.edges, 1)
	require.Equal(t, "A", f.edges[0][0])
}

func TestPropagateRiskPenalizesAnomalousNeighbors(t *testing.T) {
	f := &fakeEdgeStore{neighbors: map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
	}}
	isAnomalous := func(w string) bool { return w == "B" || w == "D" }

	adjusted, penalty, err := PropagateRisk(f, "A", 100, isAnomalous)
	require.NoError(t, err)
	// B at hop 1: 6.0*0.5 = 3.0; D at hop 2: 6.0*0.25 = 1.5
	require.InDelta(t, 4.5, penalty, 1e-9)
	require.InDelta(t, 95.5, adjusted, 1e-9)
}

func TestPropagateRiskCapsPenalty(t *testing.T) {
	neighbors := map[string][]string{"A": {}}
	for i := 0; i < 10; i++ {
		w := string(rune('B' + i))
		neighbors["A"] = append(neighbors["A"], w)
	}
	f := &fakeEdgeStore{neighbors: neighbors}
	adjusted, penalty, err := PropagateRisk(f, "A", 100, func(string) bool { return true })
	require.NoError(t, err)
	require.Equal(t, maxPropagatedPenalty, penalty)
	require.InDelta(t, 80.0, adjusted, 1e-9)
}

func TestPropagateRiskNoAnomalousNeighbors(t *testing.T) {
	f := &fakeEdgeStore{neighbors: map[string][]string{"A": {"B"}}}
	adjusted, penalty, err := PropagateRisk(f, "A", 90, func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, 0.0, penalty)
	require.Equal(t, 90.0, adjusted)
}
