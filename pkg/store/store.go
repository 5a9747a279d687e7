package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet_profiles (
	wallet TEXT PRIMARY KEY,
	first_seen_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	snapshot TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_wallets (
	wallet TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	last_analyzed_at INTEGER
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet TEXT NOT NULL,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	amount_lamports INTEGER NOT NULL,
	timestamp INTEGER,
	signature TEXT NOT NULL,
	slot INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE(wallet, signature)
);
CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet, timestamp DESC);

CREATE TABLE IF NOT EXISTS trust_scores (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet TEXT NOT NULL,
	score REAL NOT NULL,
	computed_at INTEGER NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_trust_scores_wallet ON trust_scores(wallet, computed_at DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet TEXT NOT NULL,
	severity TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_wallet ON alerts(wallet, created_at DESC);

CREATE TABLE IF NOT EXISTS escalation_state (
	wallet TEXT PRIMARY KEY,
	risk_stage TEXT NOT NULL DEFAULT 'normal',
	escalation_score REAL NOT NULL DEFAULT 0,
	last_alert_ts INTEGER,
	last_clean_ts INTEGER,
	state_json TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reputation_state (
	wallet TEXT PRIMARY KEY,
	current_score REAL NOT NULL DEFAULT 50,
	avg_7d REAL,
	avg_30d REAL,
	trend TEXT NOT NULL DEFAULT 'stable',
	volatility REAL,
	decay_factor REAL NOT NULL DEFAULT 1.0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_edges (
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	tx_count INTEGER NOT NULL DEFAULT 0,
	total_volume INTEGER NOT NULL DEFAULT 0,
	last_seen_timestamp INTEGER NOT NULL,
	PRIMARY KEY (sender, receiver)
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_receiver ON graph_edges(receiver);

CREATE TABLE IF NOT EXISTS clusters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	confidence_score REAL NOT NULL,
	reason_tags_json TEXT NOT NULL DEFAULT '[]',
	cluster_risk REAL,
	risk_updated_at INTEGER,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cluster_members (
	cluster_id INTEGER NOT NULL,
	wallet TEXT NOT NULL,
	PRIMARY KEY (cluster_id, wallet)
);
CREATE INDEX IF NOT EXISTS idx_cluster_members_wallet ON cluster_members(wallet);

CREATE TABLE IF NOT EXISTS entity_profiles (
	entity_id INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id INTEGER NOT NULL UNIQUE,
	reputation_score REAL NOT NULL DEFAULT 50,
	risk_history_json TEXT NOT NULL DEFAULT '[]',
	last_updated INTEGER NOT NULL,
	decay_factor REAL NOT NULL DEFAULT 1.0,
	reason_tags_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS entity_reputation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id INTEGER NOT NULL,
	score REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
`

// Store wraps the sqlite-backed persistence layer used by every
// component of the engine.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the sqlite database at dbPath in
// WAL mode and applies the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertWalletProfile records first/last-seen timestamps for a wallet.
// On insert, firstSeen/lastSeen seed first_seen_at/last_seen_at respectively;
// on conflict only last_seen_at advances, first_seen_at never moves.
func (s *Store) UpsertWalletProfile(wallet string, firstSeen, lastSeen time.Time) error {
	firstTs, lastTs := firstSeen.Unix(), lastSeen.Unix()
	_, err := s.db.Exec(`
		INSERT INTO wallet_profiles (wallet, first_seen_at, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			last_seen_at = MAX(wallet_profiles.last_seen_at, excluded.last_seen_at),
			updated_at = excluded.updated_at
	`, wallet, firstTs, lastTs, lastTs)
	return err
}

func (s *Store) GetWalletProfile(wallet string) (*WalletProfile, error) {
	row := s.db.QueryRow(`SELECT wallet, first_seen_at, last_seen_at, snapshot, updated_at FROM wallet_profiles WHERE wallet = ?`, wallet)
	var wp WalletProfile
	var first, last, updated int64
	if err := row.Scan(&wp.Wallet, &first, &last, &wp.Snapshot, &updated); err != nil {
		return nil, err
	}
	wp.FirstSeenAt = time.Unix(first, 0)
	wp.LastSeenAt = time.Unix(last, 0)
	wp.UpdatedAt = time.Unix(updated, 0)
	return &wp, nil
}

// UpsertTrackedWallet registers a wallet for monitoring, leaving its
// priority untouched if already tracked.
func (s *Store) UpsertTrackedWallet(wallet string) error {
	_, err := s.db.Exec(`
		INSERT INTO tracked_wallets (wallet, created_at, priority)
		VALUES (?, ?, 'normal')
		ON CONFLICT(wallet) DO NOTHING
	`, wallet, time.Now().Unix())
	return err
}

// SetWalletPriority mirrors escalation stage into the tracked-wallet tier.
func (s *Store) SetWalletPriority(wallet, priority string) error {
	_, err := s.db.Exec(`UPDATE tracked_wallets SET priority = ? WHERE wallet = ?`, priority, wallet)
	return err
}

func (s *Store) SetWalletLastAnalyzed(wallet string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE tracked_wallets SET last_analyzed_at = ? WHERE wallet = ?`, at.Unix(), wallet)
	return err
}

// GetTrackedWallets returns every wallet in the registry alongside its tier.
func (s *Store) GetTrackedWallets() ([]TrackedWallet, error) {
	rows, err := s.db.Query(`SELECT wallet, created_at, priority, last_analyzed_at FROM tracked_wallets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackedWallet
	for rows.Next() {
		var tw TrackedWallet
		var created int64
		var lastAnalyzed sql.NullInt64
		if err := rows.Scan(&tw.Wallet, &created, &tw.Priority, &lastAnalyzed); err != nil {
			return nil, err
		}
		tw.CreatedAt = time.Unix(created, 0)
		if lastAnalyzed.Valid {
			t := time.Unix(lastAnalyzed.Int64, 0)
			tw.LastAnalyzedAt = &t
		}
		out = append(out, tw)
	}
	return out, rows.Err()
}

// InsertTransaction stores a parsed transaction, ignoring duplicates by
// (wallet, signature). Returns whether a new row was inserted.
func (s *Store) InsertTransaction(tx TransactionRecord) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO transactions (wallet, sender, receiver, amount_lamports, timestamp, signature, slot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, signature) DO NOTHING
	`, tx.Wallet, tx.Sender, tx.Receiver, tx.AmountLamports, tx.Timestamp, tx.Signature, tx.Slot, time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetTransactionsForWallet returns up to limit most-recent transactions
// recorded under wallet, newest first. It matches the row's wallet key
// only, not its sender or receiver columns.
func (s *Store) GetTransactionsForWallet(wallet string, limit int) ([]TransactionRecord, error) {
	rows, err := s.db.Query(`
		SELECT wallet, sender, receiver, amount_lamports, timestamp, signature, slot, created_at
		FROM transactions WHERE wallet = ? ORDER BY timestamp DESC LIMIT ?
	`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var tr TransactionRecord
		var createdAt int64
		if err := rows.Scan(&tr.Wallet, &tr.Sender, &tr.Receiver, &tr.AmountLamports, &tr.Timestamp, &tr.Signature, &tr.Slot, &createdAt); err != nil {
			return nil, err
		}
		tr.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// InsertTrustScore appends a score observation to the timeline.
func (s *Store) InsertTrustScore(rec TrustScoreRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_scores (wallet, score, computed_at, metadata_json)
		VALUES (?, ?, ?, ?)
	`, rec.Wallet, rec.Score, rec.ComputedAt, rec.MetadataJSON)
	return err
}

// GetLatestTrustScore returns the most recent score for a wallet, if any.
func (s *Store) GetLatestTrustScore(wallet string) (*TrustScoreRecord, error) {
	row := s.db.QueryRow(`
		SELECT wallet, score, computed_at, metadata_json FROM trust_scores
		WHERE wallet = ? ORDER BY computed_at DESC LIMIT 1
	`, wallet)
	var rec TrustScoreRecord
	if err := row.Scan(&rec.Wallet, &rec.Score, &rec.ComputedAt, &rec.MetadataJSON); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetTrustScoreTimeline returns score observations for wallet within
// [since, until], oldest first, bounded to limit.
func (s *Store) GetTrustScoreTimeline(wallet string, since, until int64, limit int) ([]TrustScoreRecord, error) {
	rows, err := s.db.Query(`
		SELECT wallet, score, computed_at, metadata_json FROM trust_scores
		WHERE wallet = ? AND computed_at >= ? AND computed_at <= ?
		ORDER BY computed_at ASC LIMIT ?
	`, wallet, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustScoreRecord
	for rows.Next() {
		var rec TrustScoreRecord
		if err := rows.Scan(&rec.Wallet, &rec.Score, &rec.ComputedAt, &rec.MetadataJSON); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetLatestTrustScoresForWallets returns the most recent score per
// wallet for every wallet that has at least one score recorded.
func (s *Store) GetLatestTrustScoresForWallets(wallets []string) (map[string]TrustScoreRecord, error) {
	out := make(map[string]TrustScoreRecord, len(wallets))
	for _, w := range wallets {
		rec, err := s.GetLatestTrustScore(w)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		out[w] = *rec
	}
	return out, nil
}

// HasRecentAlert reports whether a matching alert was raised since `since`.
func (s *Store) HasRecentAlert(wallet, severity, reason string, since int64) (bool, error) {
	row := s.db.QueryRow(`
		SELECT 1 FROM alerts WHERE wallet = ? AND severity = ? AND reason = ? AND created_at >= ? LIMIT 1
	`, wallet, severity, reason, since)
	var x int
	err := row.Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) InsertAlert(rec AlertRecord) error {
	_, err := s.db.Exec(`INSERT INTO alerts (wallet, severity, reason, created_at) VALUES (?, ?, ?, ?)`,
		rec.Wallet, rec.Severity, rec.Reason, rec.CreatedAt)
	return err
}

func (s *Store) GetAlertsForWallet(wallet string, since int64, limit int) ([]AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT wallet, severity, reason, created_at FROM alerts
		WHERE wallet = ? AND created_at >= ? ORDER BY created_at DESC LIMIT ?
	`, wallet, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.Wallet, &a.Severity, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertGraphEdge accumulates a transfer into the directed aggregate edge.
func (s *Store) UpsertGraphEdge(sender, receiver string, amount int64, ts int64) error {
	_, err := s.db.Exec(`
		INSERT INTO graph_edges (sender, receiver, tx_count, total_volume, last_seen_timestamp)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(sender, receiver) DO UPDATE SET
			tx_count = graph_edges.tx_count + 1,
			total_volume = graph_edges.total_volume + excluded.total_volume,
			last_seen_timestamp = MAX(graph_edges.last_seen_timestamp, excluded.last_seen_timestamp)
	`, sender, receiver, amount, ts)
	return err
}

// GetNeighbors returns wallets directly connected to wallet in either direction.
func (s *Store) GetNeighbors(wallet string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT receiver FROM graph_edges WHERE sender = ?
		UNION
		SELECT sender FROM graph_edges WHERE receiver = ?
	`, wallet, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetAllGraphEdges returns every edge, bounded to limit, for clustering.
func (s *Store) GetAllGraphEdges(limit int) ([]GraphEdge, error) {
	rows, err := s.db.Query(`SELECT sender, receiver, tx_count, total_volume, last_seen_timestamp FROM graph_edges LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GraphEdge
	for rows.Next() {
		var e GraphEdge
		if err := rows.Scan(&e.Sender, &e.Receiver, &e.TxCount, &e.TotalVolume, &e.LastSeenTimestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceClusters atomically discards all clusters and inserts the given
// new ones, mirroring the teacher's delete-then-insert rebuild pattern.
func (s *Store) ReplaceClusters(clusters []Cluster, members map[int][]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cluster_members`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM clusters`); err != nil {
		return err
	}

	for i, c := range clusters {
		res, err := tx.Exec(`
			INSERT INTO clusters (confidence_score, reason_tags_json, updated_at)
			VALUES (?, ?, ?)
		`, c.ConfidenceScore, c.ReasonTagsJSON, time.Now().Unix())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, w := range members[i] {
			if _, err := tx.Exec(`INSERT INTO cluster_members (cluster_id, wallet) VALUES (?, ?)`, id, w); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) GetClusterForWallet(wallet string) (*Cluster, error) {
	row := s.db.QueryRow(`
		SELECT c.id, c.confidence_score, c.reason_tags_json, c.cluster_risk, c.risk_updated_at, c.updated_at
		FROM clusters c JOIN cluster_members m ON m.cluster_id = c.id
		WHERE m.wallet = ?
	`, wallet)
	var c Cluster
	var risk sql.NullFloat64
	var riskUpdated sql.NullInt64
	var updated int64
	if err := row.Scan(&c.ID, &c.ConfidenceScore, &c.ReasonTagsJSON, &risk, &riskUpdated, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if risk.Valid {
		c.ClusterRisk = &risk.Float64
	}
	if riskUpdated.Valid {
		c.RiskUpdatedAt = &riskUpdated.Int64
	}
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}

func (s *Store) GetClusterMembers(clusterID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT wallet FROM cluster_members WHERE cluster_id = ?`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpdateClusterRisk(clusterID int64, risk float64, at int64) error {
	_, err := s.db.Exec(`UPDATE clusters SET cluster_risk = ?, risk_updated_at = ? WHERE id = ?`, risk, at, clusterID)
	return err
}

// UpsertEntityProfile creates or updates the long-lived reputation row
// for the entity backing a cluster.
func (s *Store) UpsertEntityProfile(clusterID int64, score float64, riskHistoryJSON string, at int64, decayFactor float64, reasonTagsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO entity_profiles (cluster_id, reputation_score, risk_history_json, last_updated, decay_factor, reason_tags_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_id) DO UPDATE SET
			reputation_score = excluded.reputation_score,
			risk_history_json = excluded.risk_history_json,
			last_updated = excluded.last_updated,
			decay_factor = excluded.decay_factor,
			reason_tags_json = excluded.reason_tags_json
	`, clusterID, score, riskHistoryJSON, at, decayFactor, reasonTagsJSON)
	return err
}

func (s *Store) GetEntityProfileByCluster(clusterID int64) (*EntityProfileRow, error) {
	row := s.db.QueryRow(`
		SELECT entity_id, cluster_id, reputation_score, risk_history_json, last_updated, decay_factor, reason_tags_json
		FROM entity_profiles WHERE cluster_id = ?
	`, clusterID)
	var e EntityProfileRow
	if err := row.Scan(&e.EntityID, &e.ClusterID, &e.ReputationScore, &e.RiskHistoryJSON, &e.LastUpdated, &e.DecayFactor, &e.ReasonTagsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (s *Store) InsertEntityReputationHistory(entityID int64, score float64, at int64) error {
	_, err := s.db.Exec(`INSERT INTO entity_reputation_history (entity_id, score, recorded_at) VALUES (?, ?, ?)`, entityID, score, at)
	return err
}

// GetEscalationState returns the wallet's escalation row, or nil if none exists yet.
func (s *Store) GetEscalationState(wallet string) (*EscalationStateRow, error) {
	row := s.db.QueryRow(`
		SELECT wallet, risk_stage, escalation_score, last_alert_ts, last_clean_ts, state_json, updated_at
		FROM escalation_state WHERE wallet = ?
	`, wallet)
	var e EscalationStateRow
	var lastAlert, lastClean sql.NullInt64
	var updated int64
	if err := row.Scan(&e.Wallet, &e.RiskStage, &e.EscalationScore, &lastAlert, &lastClean, &e.StateJSON, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastAlert.Valid {
		e.LastAlertTs = &lastAlert.Int64
	}
	if lastClean.Valid {
		e.LastCleanTs = &lastClean.Int64
	}
	e.UpdatedAt = time.Unix(updated, 0)
	return &e, nil
}

func (s *Store) UpsertEscalationState(e EscalationStateRow) error {
	_, err := s.db.Exec(`
		INSERT INTO escalation_state (wallet, risk_stage, escalation_score, last_alert_ts, last_clean_ts, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			risk_stage = excluded.risk_stage,
			escalation_score = excluded.escalation_score,
			last_alert_ts = excluded.last_alert_ts,
			last_clean_ts = excluded.last_clean_ts,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`, e.Wallet, e.RiskStage, e.EscalationScore, e.LastAlertTs, e.LastCleanTs, e.StateJSON, time.Now().Unix())
	return err
}

func (s *Store) GetReputationState(wallet string) (*ReputationStateRow, error) {
	row := s.db.QueryRow(`
		SELECT wallet, current_score, avg_7d, avg_30d, trend, volatility, decay_factor, updated_at
		FROM reputation_state WHERE wallet = ?
	`, wallet)
	var r ReputationStateRow
	var avg7, avg30, vol sql.NullFloat64
	var updated int64
	if err := row.Scan(&r.Wallet, &r.CurrentScore, &avg7, &avg30, &r.Trend, &vol, &r.DecayFactor, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if avg7.Valid {
		r.Avg7d = &avg7.Float64
	}
	if avg30.Valid {
		r.Avg30d = &avg30.Float64
	}
	if vol.Valid {
		r.Volatility = &vol.Float64
	}
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}

func (s *Store) UpsertReputationState(r ReputationStateRow) error {
	_, err := s.db.Exec(`
		INSERT INTO reputation_state (wallet, current_score, avg_7d, avg_30d, trend, volatility, decay_factor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			current_score = excluded.current_score,
			avg_7d = excluded.avg_7d,
			avg_30d = excluded.avg_30d,
			trend = excluded.trend,
			volatility = excluded.volatility,
			decay_factor = excluded.decay_factor,
			updated_at = excluded.updated_at
	`, r.Wallet, r.CurrentScore, r.Avg7d, r.Avg30d, r.Trend, r.Volatility, r.DecayFactor, time.Now().Unix())
	return err
}
