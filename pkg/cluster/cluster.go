// Package cluster groups wallets that likely belong to the same
// entity using graph heuristics: bidirectional transfers, shared
// funding, fan-out, burst timing, and 2-cycles. Clusters feed a
// per-wallet risk penalty applied on top of the graph-propagated score.
package cluster

import (
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"github.com/trustengine/trustengine/pkg/store"
)

const (
	ReasonBidirectional = "bidirectional"
	ReasonSharedFunding = "shared_funding"
	ReasonFanInOut      = "fan_in_out"
	ReasonBurstTiming   = "burst_timing"
	ReasonCircular      = "circular"

	minBidirectionalTx = 2
	minFanSize         = 2
	burstWindowSec     = 86400 * 7
	minConfidence      = 0.3
	maxClusterPenalty  = 15.0
	clusterRiskFactor  = 0.25
	defaultEdgesLimit  = 50000
)

type edgeKey struct{ sender, receiver string }

type edgeInfo struct {
	txCount  int64
	lastSeen int64
}

func edgesToLookup(edges []store.GraphEdge) map[edgeKey]edgeInfo {
	lookup := make(map[edgeKey]edgeInfo, len(edges))
	for _, e := range edges {
		if e.Sender == "" || e.Receiver == "" || e.Sender == e.Receiver {
			continue
		}
		lookup[edgeKey{e.Sender, e.Receiver}] = edgeInfo{e.TxCount, e.LastSeenTimestamp}
	}
	return lookup
}

type walletSet map[string]struct{}

func newSet(wallets ...string) walletSet {
	s := make(walletSet, len(wallets))
	for _, w := range wallets {
		s[w] = struct{}{}
	}
	return s
}

func (s walletSet) union(other walletSet) {
	for w := range other {
		s[w] = struct{}{}
	}
}

func (s walletSet) intersects(other walletSet) bool {
	for w := range s {
		if _, ok := other[w]; ok {
			return true
		}
	}
	return false
}

func findBidirectional(lookup map[edgeKey]edgeInfo) []walletSet {
	var pairs []walletSet
	seen := make(map[string]bool)
	for k, info := range lookup {
		a, b := k.sender, k.receiver
		if a >= b {
			continue
		}
		rev, ok := lookup[edgeKey{b, a}]
		if !ok {
			continue
		}
		if info.txCount >= minBidirectionalTx && rev.txCount >= minBidirectionalTx {
			key := a + "|" + b
			if !seen[key] {
				seen[key] = true
				pairs = append(pairs, newSet(a, b))
			}
		}
	}
	return pairs
}

func senderToReceivers(lookup map[edgeKey]edgeInfo) map[string]walletSet {
	out := make(map[string]walletSet)
	for k, info := range lookup {
		if info.txCount < 1 {
			continue
		}
		if out[k.sender] == nil {
			out[k.sender] = newSet()
		}
		out[k.sender][k.receiver] = struct{}{}
	}
	return out
}

func findSharedFunding(lookup map[edgeKey]edgeInfo) []walletSet {
	var clusters []walletSet
	for _, receivers := range senderToReceivers(lookup) {
		if len(receivers) >= minFanSize {
			clusters = append(clusters, receivers)
		}
	}
	return clusters
}

func findFanOut(lookup map[edgeKey]edgeInfo) []walletSet {
	var clusters []walletSet
	for sender, receivers := range senderToReceivers(lookup) {
		if len(receivers) >= minFanSize {
			s := newSet(sender)
			s.union(receivers)
			clusters = append(clusters, s)
		}
	}
	return clusters
}

func findBurstTiming(lookup map[edgeKey]edgeInfo, windowSec int64) []walletSet {
	buckets := make(map[int64]walletSet)
	for k, info := range lookup {
		if info.lastSeen <= 0 {
			continue
		}
		bucket := info.lastSeen / windowSec
		if buckets[bucket] == nil {
			buckets[bucket] = newSet()
		}
		buckets[bucket][k.sender] = struct{}{}
		buckets[bucket][k.receiver] = struct{}{}
	}
	var out []walletSet
	for _, w := range buckets {
		if len(w) >= minFanSize {
			out = append(out, w)
		}
		if len(out) >= 50 {
			break
		}
	}
	return out
}

func findCircular2(lookup map[edgeKey]edgeInfo) []walletSet {
	return findBidirectional(lookup)
}

type taggedSet struct {
	wallets walletSet
	tags    []string
}

func appendTagUnique(tags []string, newTags []string) []string {
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		seen[t] = true
	}
	for _, t := range newTags {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	return tags
}

// mergeClusterSets iteratively merges every overlapping candidate set
// until no two remaining sets share a wallet.
func mergeClusterSets(pairs, shared, fan, burst, circular []walletSet) []taggedSet {
	var all []taggedSet
	tag := func(sets []walletSet, reason string) {
		for _, s := range sets {
			all = append(all, taggedSet{s, []string{reason}})
		}
	}
	tag(pairs, ReasonBidirectional)
	tag(shared, ReasonSharedFunding)
	tag(fan, ReasonFanInOut)
	tag(burst, ReasonBurstTiming)
	tag(circular, ReasonCircular)

	var merged []taggedSet
	for len(all) > 0 {
		current := all[0]
		all = all[1:]
		changed := true
		for changed {
			changed = false
			var rest []taggedSet
			for _, other := range all {
				if current.wallets.intersects(other.wallets) {
					current.wallets.union(other.wallets)
					current.tags = appendTagUnique(current.tags, other.tags)
					changed = true
				} else {
					rest = append(rest, other)
				}
			}
			all = rest
		}
		if len(current.wallets) >= 2 && !containsSameSet(merged, current.wallets) {
			merged = append(merged, current)
		}
	}
	return merged
}

func containsSameSet(merged []taggedSet, s walletSet) bool {
	for _, m := range merged {
		if len(m.wallets) != len(s) {
			continue
		}
		same := true
		for w := range s {
			if _, ok := m.wallets[w]; !ok {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func confidenceFromReasons(reasonTags []string, size int) float64 {
	capSize := size - 2
	if capSize > 4 {
		capSize = 4
	}
	if capSize < 0 {
		capSize = 0
	}
	base := 0.4 + 0.1*float64(len(reasonTags)) + 0.05*float64(capSize)
	if base > 1.0 {
		base = 1.0
	}
	return round2(base)
}

func sortedWallets(s walletSet) []string {
	out := make([]string, 0, len(s))
	for w := range s {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// ClusterStore is the persistence surface clustering needs.
type ClusterStore interface {
	GetAllGraphEdges(limit int) ([]store.GraphEdge, error)
	ReplaceClusters(clusters []store.Cluster, members map[int][]string) error
	GetClusterForWallet(wallet string) (*store.Cluster, error)
	GetClusterMembers(clusterID int64) ([]string, error)
	UpdateClusterRisk(clusterID int64, risk float64, at int64) error
	GetLatestTrustScoresForWallets(wallets []string) (map[string]store.TrustScoreRecord, error)
}

// BuiltCluster is a freshly computed cluster, not yet assigned a
// persisted ID until RunClustering writes it.
type BuiltCluster struct {
	Wallets         []string
	ConfidenceScore float64
	ReasonTags      []string
}

// RunClustering rebuilds every cluster from the current graph edges and
// persists the result, replacing whatever was there before.
func RunClustering(log zerolog.Logger, s ClusterStore, edgesLimit int) ([]BuiltCluster, error) {
	if edgesLimit <= 0 {
		edgesLimit = defaultEdgesLimit
	}
	edges, err := s.GetAllGraphEdges(edgesLimit)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		if err := s.ReplaceClusters(nil, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	lookup := edgesToLookup(edges)
	merged := mergeClusterSets(
		findBidirectional(lookup),
		findSharedFunding(lookup),
		findFanOut(lookup),
		findBurstTiming(lookup, burstWindowSec),
		findCircular2(lookup),
	)

	var built []BuiltCluster
	var toPersist []store.Cluster
	members := make(map[int][]string)

	for _, ts := range merged {
		if len(ts.wallets) < 2 {
			continue
		}
		confidence := confidenceFromReasons(ts.tags, len(ts.wallets))
		if confidence < minConfidence {
			continue
		}
		reasonJSON, _ := json.Marshal(ts.tags)
		wallets := sortedWallets(ts.wallets)
		idx := len(toPersist)
		toPersist = append(toPersist, store.Cluster{ConfidenceScore: confidence, ReasonTagsJSON: string(reasonJSON)})
		members[idx] = wallets
		built = append(built, BuiltCluster{Wallets: wallets, ConfidenceScore: confidence, ReasonTags: ts.tags})
	}

	if err := s.ReplaceClusters(toPersist, members); err != nil {
		return nil, err
	}
	for _, b := range built {
		log.Info().Int("wallet_count", len(b.Wallets)).Float64("confidence", b.ConfidenceScore).Strs("reason_tags", b.ReasonTags).Msg("cluster created")
	}
	return built, nil
}

type trustScoreMetadata struct {
	IsAnomalous bool `json:"is_anomalous"`
}

// ComputeClusterRisk derives a risk penalty for a cluster from its
// members' latest trust scores: the worst score contributes a base
// penalty, boosted per risky member (score below 70 or flagged
// anomalous), capped at maxClusterPenalty.
func ComputeClusterRisk(log zerolog.Logger, s ClusterStore, clusterID int64, at int64) (float64, error) {
	members, err := s.GetClusterMembers(clusterID)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	latest, err := s.GetLatestTrustScoresForWallets(members)
	if err != nil {
		return 0, err
	}

	var scores []float64
	risky := make(map[string]struct{})
	for _, w := range members {
		rec, ok := latest[w]
		if !ok {
			continue
		}
		scores = append(scores, rec.Score)
		if rec.Score < 70.0 {
			risky[w] = struct{}{}
		}
		var meta trustScoreMetadata
		if rec.MetadataJSON != "" && json.Unmarshal([]byte(rec.MetadataJSON), &meta) == nil && meta.IsAnomalous {
			risky[w] = struct{}{}
		}
	}

	var risk float64
	if len(scores) == 0 && len(risky) == 0 {
		risk = 0
	} else {
		minScore := 100.0
		for _, sc := range scores {
			if sc < minScore {
				minScore = sc
			}
		}
		risk = (100.0 - minScore) * clusterRiskFactor
		if len(risky) > 0 {
			risk += float64(len(risky)) * 2.0
			if risk > maxClusterPenalty {
				risk = maxClusterPenalty
			}
		}
		if risk > maxClusterPenalty {
			risk = maxClusterPenalty
		}
		risk = round2(risk)
	}

	if err := s.UpdateClusterRisk(clusterID, risk, at); err != nil {
		return 0, err
	}
	log.Info().Int64("cluster_id", clusterID).Float64("cluster_risk", risk).Int("member_count", len(members)).Int("risky_count", len(risky)).Msg("cluster risk updated")
	return risk, nil
}

// GetClusterPenaltyForWallet returns the cached or freshly computed
// cluster-risk penalty applicable to wallet, 0 if it isn't clustered.
func GetClusterPenaltyForWallet(log zerolog.Logger, s ClusterStore, wallet string, now int64) (float64, error) {
	c, err := s.GetClusterForWallet(wallet)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil // not in any cluster
	}
	if c.ClusterRisk != nil && *c.ClusterRisk > 0 {
		risk := *c.ClusterRisk
		if risk > maxClusterPenalty {
			risk = maxClusterPenalty
		}
		return risk, nil
	}
	risk, err := ComputeClusterRisk(log, s, c.ID, now)
	if err != nil {
		return 0, err
	}
	if risk > maxClusterPenalty {
		risk = maxClusterPenalty
	}
	return risk, nil
}

// ApplyClusterPenalty subtracts the wallet's cluster-risk penalty from
// a score already adjusted for anomaly and graph propagation.
func ApplyClusterPenalty(log zerolog.Logger, s ClusterStore, wallet string, scoreAfterGraph float64, now int64) (float64, error) {
	penalty, err := GetClusterPenaltyForWallet(log, s, wallet, now)
	if err != nil {
		return 0, err
	}
	final := scoreAfterGraph - penalty
	if final < 0 {
		final = 0
	}
	if final > 100 {
		final = 100
	}
	return round2(final), nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

var _ ClusterStore = (*store.Store)(nil)
