// Package oracle serves read-only trust summaries keyed by wallet,
// behind a TTL cache and a per-client rate limit. A wallet summary
// includes its cluster's risk and its entity's reputation; there is no
// lookup keyed by cluster or entity ID. Reads never mutate the store.
package oracle

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trustengine/trustengine/pkg/store"
)

const (
	riskCriticalBelow = 30.0
	riskHighBelow     = 50.0
	riskMediumBelow   = 70.0

	defaultCacheTTL          = 60 * time.Second
	defaultRateLimitPerWin   = 100
	defaultRateLimitWindow   = 60 * time.Second
)

// Store is the read-only surface the oracle needs.
type Store interface {
	GetLatestTrustScore(wallet string) (*store.TrustScoreRecord, error)
	GetClusterForWallet(wallet string) (*store.Cluster, error)
	GetEntityProfileByCluster(clusterID int64) (*store.EntityProfileRow, error)
	GetReputationState(wallet string) (*store.ReputationStateRow, error)
}

// Explanation carries the human-readable context behind a Result.
type Explanation struct {
	AnomalySummary       string `json:"anomaly_summary,omitempty"`
	ClusterContamination bool   `json:"cluster_contamination,omitempty"`
	HistoricalTrend      string `json:"historical_trend,omitempty"`
}

// Result is the payload returned for a wallet lookup.
type Result struct {
	TrustScore       *float64    `json:"trust_score,omitempty"`
	RiskLevel        string      `json:"risk_level"`
	EntityReputation *float64    `json:"entity_reputation,omitempty"`
	ClusterRisk      *float64    `json:"cluster_risk,omitempty"`
	ReasonTags       []string    `json:"reason_tags"`
	LastUpdated      int64       `json:"last_updated"`
	Explanation      Explanation `json:"explanation"`
}

type trustScoreMetadata struct {
	AnomalyFlags []map[string]interface{} `json:"anomaly_flags"`
	IsAnomalous  bool                      `json:"is_anomalous"`
	TxCount      int                       `json:"tx_count"`
}

// Config tunes the cache TTL and rate-limit window.
type Config struct {
	CacheTTL        time.Duration
	RateLimitPerWin int
	RateLimitWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:        defaultCacheTTL,
		RateLimitPerWin: defaultRateLimitPerWin,
		RateLimitWindow: defaultRateLimitWindow,
	}
}

// ErrRateLimited is returned when a client has exceeded its window quota.
type ErrRateLimited struct {
	ClientID string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("oracle: client %q rate limited", e.ClientID)
}

// Oracle answers wallet trust lookups from the store, caching results
// per wallet for Config.CacheTTL and rate-limiting per client.
type Oracle struct {
	log zerolog.Logger
	s   Store
	cfg Config

	cache *ttlcache.Cache[string, Result]

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func New(log zerolog.Logger, s Store, cfg Config) *Oracle {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RateLimitPerWin <= 0 {
		cfg.RateLimitPerWin = defaultRateLimitPerWin
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	cache := ttlcache.New(ttlcache.WithTTL[string, Result](cfg.CacheTTL))
	go cache.Start()
	return &Oracle{
		log:      log,
		s:        s,
		cfg:      cfg,
		cache:    cache,
		limiters: map[string]*rate.Limiter{},
	}
}

// Close stops the cache's background eviction goroutine.
func (o *Oracle) Close() {
	o.cache.Stop()
}

func (o *Oracle) limiterFor(clientID string) *rate.Limiter {
	o.limitersMu.Lock()
	defer o.limitersMu.Unlock()
	l, ok := o.limiters[clientID]
	if !ok {
		perSecond := rate.Limit(float64(o.cfg.RateLimitPerWin) / o.cfg.RateLimitWindow.Seconds())
		l = rate.NewLimiter(perSecond, o.cfg.RateLimitPerWin)
		o.limiters[clientID] = l
	}
	return l
}

// GetWalletSummary returns the cached or freshly computed trust summary
// for wallet, subject to clientID's rate limit. clientID falls back to
// wallet when the caller has no distinct client identity.
func (o *Oracle) GetWalletSummary(clientID, wallet string) (Result, error) {
	if clientID == "" {
		clientID = wallet
	}
	if !o.limiterFor(clientID).Allow() {
		return Result{}, &ErrRateLimited{ClientID: clientID}
	}

	if item := o.cache.Get(wallet); item != nil {
		return item.Value(), nil
	}

	res, err := o.computeWalletSummary(wallet)
	if err != nil {
		return Result{}, err
	}
	o.cache.Set(wallet, res, ttlcache.DefaultTTL)
	return res, nil
}

func (o *Oracle) computeWalletSummary(wallet string) (Result, error) {
	res := Result{RiskLevel: "low", ReasonTags: []string{}}

	score, err := o.s.GetLatestTrustScore(wallet)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Result{}, err
	}

	var meta trustScoreMetadata
	if score != nil {
		v := score.Score
		res.TrustScore = &v
		res.RiskLevel = riskLevelFor(v)
		res.LastUpdated = score.ComputedAt
		if score.MetadataJSON != "" {
			_ = json.Unmarshal([]byte(score.MetadataJSON), &meta)
		}
		if meta.IsAnomalous {
			res.Explanation.AnomalySummary = summarizeAnomalies(meta.AnomalyFlags)
		}
	}

	cluster, err := o.s.GetClusterForWallet(wallet)
	if err != nil {
		return Result{}, err
	}
	if cluster != nil {
		if cluster.ClusterRisk != nil {
			res.ClusterRisk = cluster.ClusterRisk
		}
		profile, err := o.s.GetEntityProfileByCluster(cluster.ID)
		if err != nil {
			return Result{}, err
		}
		if profile != nil {
			rep := profile.ReputationScore
			res.EntityReputation = &rep
			var tags []string
			if profile.ReasonTagsJSON != "" {
				_ = json.Unmarshal([]byte(profile.ReasonTagsJSON), &tags)
			}
			res.ReasonTags = append(res.ReasonTags, tags...)
			if profile.LastUpdated > res.LastUpdated {
				res.LastUpdated = profile.LastUpdated
			}
		}
		for _, t := range res.ReasonTags {
			if t == "cluster_contamination" {
				res.Explanation.ClusterContamination = true
			}
		}
	}

	rep, err := o.s.GetReputationState(wallet)
	if err != nil {
		return Result{}, err
	}
	if rep != nil {
		res.Explanation.HistoricalTrend = rep.Trend
		if rep.UpdatedAt.Unix() > res.LastUpdated {
			res.LastUpdated = rep.UpdatedAt.Unix()
		}
	}

	return res, nil
}

func riskLevelFor(score float64) string {
	switch {
	case score < riskCriticalBelow:
		return "critical"
	case score < riskHighBelow:
		return "high"
	case score < riskMediumBelow:
		return "medium"
	default:
		return "low"
	}
}

func summarizeAnomalies(flags []map[string]interface{}) string {
	if len(flags) == 0 {
		return ""
	}
	if msg, ok := flags[0]["message"].(string); ok {
		if len(flags) == 1 {
			return msg
		}
		return fmt.Sprintf("%s (+%d more)", msg, len(flags)-1)
	}
	return fmt.Sprintf("%d anomaly flags", len(flags))
}

var _ Store = (*store.Store)(nil)
