package listener

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// WalletSource supplies the current tracked set and each wallet's
// priority tier.
type WalletSource interface {
	TrackedWallets() ([]TrackedWallet, error)
}

// TrackedWallet is the minimal view the listener needs of a tracked
// wallet.
type TrackedWallet struct {
	Wallet   string
	Priority string
}

// Poller periodically enumerates tracked wallets and enqueues one
// event per wallet, regardless of whether new activity is confirmed —
// confirmation is the worker's job via getSignaturesForAddress during
// analysis. This mirrors the scanner's polling cadence rather than
// doing duplicate signature lookups in the listener itself.
type Poller struct {
	log      zerolog.Logger
	source   WalletSource
	queue    *Queue
	interval time.Duration
}

func NewPoller(log zerolog.Logger, source WalletSource, queue *Queue, interval time.Duration) *Poller {
	return &Poller{log: log, source: source, queue: queue, interval: interval}
}

// Run blocks, enqueueing one polling pass per interval until ctx is
// canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Poller) pollOnce() {
	wallets, err := p.source.TrackedWallets()
	if err != nil {
		p.log.Warn().Err(err).Msg("poller: failed to list tracked wallets")
		return
	}

	enqueued := 0
	for _, w := range wallets {
		if p.queue.Push(Event{Wallet: w.Wallet, Priority: w.Priority, Source: "poll"}) {
			enqueued++
		}
	}
	p.log.Debug().Int("tracked", len(wallets)).Int("enqueued", enqueued).Int64("dropped_total", p.queue.Dropped()).Msg("poll cycle complete")
}
