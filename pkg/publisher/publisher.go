// Package publisher optionally writes trust-score attestations to an
// external chain program under safety rails: a minimum score-delta
// threshold, a per-minute transaction cap, a dry-run mode, and a
// confirmation-wait timeout. The wire format is read-only per the
// oracle side's fixed-offset layout; encoding/signing/submission is
// behind ChainWriter so the shipped implementation can stay
// dry-run-safe.
package publisher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultDeltaThreshold = 3.0
	defaultPerMinuteCap   = 10
	defaultConfirmWait    = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 2 * time.Second

	updateDiscriminator = "update_trust_score"

	riskLevelCriticalBelow = 30.0
	riskLevelHighBelow     = 50.0
	riskLevelMediumBelow   = 70.0
)

// Config holds the publisher's safety rails.
type Config struct {
	DeltaThreshold float64
	PerMinuteCap   int
	DryRun         bool
	ConfirmWait    time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	OracleKey      solana.PublicKey
	ProgramID      solana.PublicKey
}

func DefaultConfig(oracleKey, programID solana.PublicKey) Config {
	return Config{
		DeltaThreshold: defaultDeltaThreshold,
		PerMinuteCap:   defaultPerMinuteCap,
		DryRun:         true,
		ConfirmWait:    defaultConfirmWait,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		OracleKey:      oracleKey,
		ProgramID:      programID,
	}
}

// Update is the fixed-layout payload the reader side parses: an 8-byte
// discriminator, the wallet pubkey, a score byte, a risk byte, an
// 8-byte signed little-endian timestamp, and the oracle pubkey.
type Update struct {
	Wallet    solana.PublicKey
	ScoreU8   byte
	RiskU8    byte
	Timestamp int64
	OracleKey solana.PublicKey
}

// Encode serializes an Update into the 8+32+1+1+8+32 byte wire layout.
func (u Update) Encode() []byte {
	buf := make([]byte, 0, 82)
	buf = append(buf, discriminatorBytes()...)
	buf = append(buf, u.Wallet.Bytes()...)
	buf = append(buf, u.ScoreU8, u.RiskU8)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(u.Timestamp))
	buf = append(buf, ts...)
	buf = append(buf, u.OracleKey.Bytes()...)
	return buf
}

func discriminatorBytes() []byte {
	h := [8]byte{}
	sum := fnv64a(updateDiscriminator)
	binary.LittleEndian.PutUint64(h[:], sum)
	return h[:]
}

func fnv64a(s string) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// ChainWriter submits an encoded update and polls for its confirmation.
// The real Solana wire format (instruction building, signing, RPC
// submission) is out of scope; LoggingChainWriter is the dry-run-safe
// stand-in a real signer-backed writer would replace.
type ChainWriter interface {
	Submit(ctx context.Context, update Update) (signature string, err error)
	Confirm(ctx context.Context, signature string) (confirmed bool, err error)
}

// LoggingChainWriter logs what it would submit and confirms
// immediately; safe to run with DryRun false as a no-op writer during
// development.
type LoggingChainWriter struct {
	log zerolog.Logger
}

func NewLoggingChainWriter(log zerolog.Logger) *LoggingChainWriter {
	return &LoggingChainWriter{log: log}
}

func (w *LoggingChainWriter) Submit(ctx context.Context, update Update) (string, error) {
	sig := fmt.Sprintf("logged-%x", fnv64a(update.Wallet.String()+fmt.Sprint(update.Timestamp)))
	w.log.Info().
		Str("wallet", update.Wallet.String()).
		Uint8("score", update.ScoreU8).
		Uint8("risk", update.RiskU8).
		Int64("timestamp", update.Timestamp).
		Str("signature", sig).
		Msg("publisher: would submit update_trust_score")
	return sig, nil
}

func (w *LoggingChainWriter) Confirm(ctx context.Context, signature string) (bool, error) {
	return true, nil
}

// Publisher tracks, per wallet, the last published score and a 60s
// rolling submission deque; both are single-owner state, as this is
// the only component that mutates them.
type Publisher struct {
	log    zerolog.Logger
	clock  clockwork.Clock
	writer ChainWriter
	cfg    Config

	mu            sync.Mutex
	lastPublished map[string]float64
	recentSubmits []time.Time
}

func New(log zerolog.Logger, clock clockwork.Clock, writer ChainWriter, cfg Config) *Publisher {
	if cfg.DeltaThreshold <= 0 {
		cfg.DeltaThreshold = defaultDeltaThreshold
	}
	if cfg.PerMinuteCap <= 0 {
		cfg.PerMinuteCap = defaultPerMinuteCap
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = defaultConfirmWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Publisher{
		log:           log,
		clock:         clock,
		writer:        writer,
		cfg:           cfg,
		lastPublished: map[string]float64{},
	}
}

func riskLevelU8(score float64) byte {
	switch {
	case score < riskLevelCriticalBelow:
		return 3
	case score < riskLevelHighBelow:
		return 2
	case score < riskLevelMediumBelow:
		return 1
	default:
		return 0
	}
}

func scoreU8(score float64) byte {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return byte(score + 0.5)
}

// PublishIfChanged submits an attestation for wallet's newScore when it
// has moved by more than Config.DeltaThreshold since the last
// publication (or has never been published), subject to the per-minute
// rate cap. Returns false, nil when the update was skipped by a safety
// rail rather than failed.
func (p *Publisher) PublishIfChanged(ctx context.Context, wallet string, newScore float64) (bool, error) {
	p.mu.Lock()
	last, hadLast := p.lastPublished[wallet]
	delta := newScore
	if hadLast {
		delta = newScore - last
		if delta < 0 {
			delta = -delta
		}
	}
	if hadLast && delta <= p.cfg.DeltaThreshold {
		p.mu.Unlock()
		return false, nil
	}
	if !p.withinRateCapLocked() {
		p.mu.Unlock()
		p.log.Warn().Str("wallet", wallet).Msg("publisher: per-minute cap reached, skipping")
		return false, nil
	}
	p.mu.Unlock()

	walletKey, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return false, fmt.Errorf("publisher: invalid wallet address %q: %w", wallet, err)
	}

	update := Update{
		Wallet:    walletKey,
		ScoreU8:   scoreU8(newScore),
		RiskU8:    riskLevelU8(newScore),
		Timestamp: p.clock.Now().Unix(),
		OracleKey: p.cfg.OracleKey,
	}

	if p.cfg.DryRun {
		dryLogger := NewLoggingChainWriter(p.log)
		if _, err := dryLogger.Submit(ctx, update); err != nil {
			return false, err
		}
		p.recordPublish(wallet, newScore)
		return true, nil
	}

	signature, err := p.submitWithRetry(ctx, update)
	if err != nil {
		return false, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmWait)
	defer cancel()
	confirmed, err := p.writer.Confirm(confirmCtx, signature)
	if err != nil {
		return false, fmt.Errorf("publisher: confirm %s: %w", signature, err)
	}
	if !confirmed {
		return false, fmt.Errorf("publisher: update %s did not confirm within %s", signature, p.cfg.ConfirmWait)
	}

	p.recordPublish(wallet, newScore)
	p.log.Info().Str("wallet", wallet).Str("signature", signature).Msg("publisher: update confirmed")
	return true, nil
}

func (p *Publisher) submitWithRetry(ctx context.Context, update Update) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryBaseDelay
	bo := backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	var signature string
	op := func() error {
		sig, err := p.writer.Submit(ctx, update)
		if err != nil {
			return err
		}
		signature = sig
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("publisher: submit failed after retries: %w", err)
	}
	return signature, nil
}

// withinRateCapLocked assumes p.mu is already held by the caller.
func (p *Publisher) withinRateCapLocked() bool {
	cutoff := p.clock.Now().Add(-time.Minute)
	kept := p.recentSubmits[:0]
	for _, t := range p.recentSubmits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.recentSubmits = kept
	return len(p.recentSubmits) < p.cfg.PerMinuteCap
}

func (p *Publisher) recordPublish(wallet string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPublished[wallet] = score
	p.recentSubmits = append(p.recentSubmits, p.clock.Now())
}
