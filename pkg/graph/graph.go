// Package graph maintains the directed wallet relationship graph and
// propagates anomaly risk across bounded neighborhoods.
package graph

import (
	"github.com/trustengine/trustengine/pkg/parser"
	"github.com/trustengine/trustengine/pkg/store"
)

const (
	maxDepth                       = 2
	decayPerHop                    = 0.5
	basePenaltyPerAnomalousNeighbor = 6.0
	maxPropagatedPenalty           = 20.0
)

// EdgeStore is the subset of *store.Store the graph package needs,
// kept narrow so tests can fake it.
type EdgeStore interface {
	UpsertGraphEdge(sender, receiver string, amount int64, ts int64) error
	GetNeighbors(wallet string) ([]string, error)
}

// UpdateGraph folds a batch of parsed transactions into the directed
// wallet graph. Transactions missing a sender/receiver, or where
// sender == receiver, are skipped.
func UpdateGraph(s EdgeStore, txs []parser.ParsedTransaction) error {
	for _, tx := range txs {
		if tx.Sender == "" || tx.Receiver == "" || tx.Sender == tx.Receiver {
			continue
		}
		var ts int64
		if tx.Timestamp != nil {
			ts = *tx.Timestamp
		}
		if err := s.UpsertGraphEdge(tx.Sender, tx.Receiver, tx.AmountLamports, ts); err != nil {
			return err
		}
	}
	return nil
}

type queueEntry struct {
	wallet string
	depth  int
}

// neighborsUpToHops performs a bounded BFS from wallet, returning each
// discovered neighbor with the hop distance at which it was first seen.
func neighborsUpToHops(s EdgeStore, wallet string, maxHops int) (map[string]int, error) {
	visited := map[string]int{wallet: 0}
	queue := []queueEntry{{wallet, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxHops {
			continue
		}
		neighbors, err := s.GetNeighbors(cur.wallet)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = cur.depth + 1
			queue = append(queue, queueEntry{n, cur.depth + 1})
		}
	}
	delete(visited, wallet)
	return visited, nil
}

// PropagateRisk lowers baseScore by a decayed penalty for every
// anomalous neighbor within maxDepth hops, capped at
// maxPropagatedPenalty, and clamped to [0, 100].
func PropagateRisk(s EdgeStore, wallet string, baseScore float64, isAnomalous func(string) bool) (adjustedScore, totalPenalty float64, err error) {
	neighbors, err := neighborsUpToHops(s, wallet, maxDepth)
	if err != nil {
		return 0, 0, err
	}

	for neighbor, hop := range neighbors {
		if hop == 0 || !isAnomalous(neighbor) {
			continue
		}
		decay := 1.0
		for i := 0; i < hop; i++ {
			decay *= decayPerHop
		}
		totalPenalty += basePenaltyPerAnomalousNeighbor * decay
	}

	if totalPenalty > maxPropagatedPenalty {
		totalPenalty = maxPropagatedPenalty
	}

	adjusted := baseScore - totalPenalty
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 100 {
		adjusted = 100
	}
	return adjusted, totalPenalty, nil
}

var _ EdgeStore = (*store.Store)(nil)
