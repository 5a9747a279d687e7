package store

import "time"

// WalletProfile tracks the first/last time a wallet was observed.
type WalletProfile struct {
	Wallet      string    `json:"wallet"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Snapshot    string    `json:"snapshot"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TrackedWallet is the registry of wallets actively monitored.
type TrackedWallet struct {
	Wallet         string     `json:"wallet"`
	CreatedAt      time.Time  `json:"created_at"`
	Priority       string     `json:"priority"` // critical | watchlist | normal
	LastAnalyzedAt *time.Time `json:"last_analyzed_at"`
}

// TransactionRecord is an append-only parsed transaction keyed by
// (wallet, signature).
type TransactionRecord struct {
	Wallet        string    `json:"wallet"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	AmountLamports int64    `json:"amount_lamports"`
	Timestamp     *int64    `json:"timestamp"`
	Signature     string    `json:"signature"`
	Slot          *int64    `json:"slot"`
	CreatedAt     time.Time `json:"created_at"`
}

// TrustScoreRecord is an append-only score timeline entry.
type TrustScoreRecord struct {
	Wallet      string  `json:"wallet"`
	Score       float64 `json:"score"`
	ComputedAt  int64   `json:"computed_at"`
	MetadataJSON string `json:"metadata_json"`
}

// AlertRecord is an append-only alert.
type AlertRecord struct {
	Wallet    string `json:"wallet"`
	Severity  string `json:"severity"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
}

// EscalationStateRow is the per-wallet escalation state machine row.
type EscalationStateRow struct {
	Wallet          string
	RiskStage       string
	EscalationScore float64
	LastAlertTs     *int64
	LastCleanTs     *int64
	StateJSON       string
	UpdatedAt       time.Time
}

// ReputationStateRow is the per-wallet statistical reputation memory row.
type ReputationStateRow struct {
	Wallet       string
	CurrentScore float64
	Avg7d        *float64
	Avg30d       *float64
	Trend        string
	Volatility   *float64
	DecayFactor  float64
	UpdatedAt    time.Time
}

// GraphEdge is a directed sender->receiver aggregate.
type GraphEdge struct {
	Sender          string
	Receiver        string
	TxCount         int64
	TotalVolume     int64
	LastSeenTimestamp int64
}

// Cluster is a heuristically grouped set of wallets (an "entity").
type Cluster struct {
	ID              int64
	ConfidenceScore float64
	ReasonTagsJSON  string
	ClusterRisk     *float64
	RiskUpdatedAt   *int64
	UpdatedAt       time.Time
}

// EntityProfileRow is the long-lived cluster-level reputation row.
type EntityProfileRow struct {
	EntityID        int64
	ClusterID       int64
	ReputationScore float64
	RiskHistoryJSON string
	LastUpdated     int64
	DecayFactor     float64
	ReasonTagsJSON  string
}
