package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trustengine/trustengine/pkg/listener"
)

var (
	heartbeatGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trustengine_worker_heartbeat_timestamp",
		Help: "Unix timestamp of the worker pool's last heartbeat.",
	})
	processedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustengine_worker_wallets_processed_total",
		Help: "Total wallets successfully analyzed by the worker pool.",
	})
	errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustengine_worker_errors_total",
		Help: "Total per-wallet analysis failures.",
	})
)

func init() {
	prometheus.MustRegister(heartbeatGauge, processedCounter, errorCounter)
}

// Unit is one item of work: a wallet with the signatures observed for
// it since its last analysis.
type Unit struct {
	Wallet string
	Sigs   []listener.SignatureInfo
}

// SourceFn pulls the next unit of work, blocking up to some small
// internal timeout; it returns ok=false when nothing is ready.
type SourceFn func(ctx context.Context) (Unit, bool)

// Pool is a fixed-size goroutine pool draining a work source and
// running the analysis pipeline for each unit.
type Pool struct {
	log               zerolog.Logger
	clock             clockwork.Clock
	fetcher           TxFetcher
	store             PipelineStore
	cfg               Config
	concurrency       int
	heartbeatInterval time.Duration
}

func NewPool(log zerolog.Logger, clock clockwork.Clock, fetcher TxFetcher, s PipelineStore, concurrency int, heartbeatInterval time.Duration, cfg Config) *Pool {
	return &Pool{log: log, clock: clock, fetcher: fetcher, store: s, cfg: cfg, concurrency: concurrency, heartbeatInterval: heartbeatInterval}
}

// Run starts `concurrency` workers draining source until ctx is
// canceled, plus one heartbeat goroutine. The whole pool is supervised
// by an errgroup: the first worker error cancels the group, but
// per-wallet analysis errors are logged and counted, not propagated.
func (p *Pool) Run(ctx context.Context, source SourceFn) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return p.runWorker(gctx, workerID, source)
		})
	}

	g.Go(func() error {
		return p.runHeartbeat(gctx)
	})

	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID int, source SourceFn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unit, ok := source(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if err := AnalyzeWallet(ctx, p.log, p.clock, p.fetcher, p.store, unit.Wallet, unit.Sigs, p.cfg); err != nil {
			errorCounter.Inc()
			p.log.Error().Int("worker", workerID).Str("wallet", unit.Wallet).Err(err).Msg("analysis failed")
			continue
		}
		processedCounter.Inc()
	}
}

func (p *Pool) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := p.clock.Now().Unix()
			heartbeatGauge.Set(float64(now))
			p.log.Info().Int64("ts", now).Msg("worker heartbeat")
		}
	}
}
