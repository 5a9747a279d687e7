package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trustengine/trustengine/pkg/cluster"
	"github.com/trustengine/trustengine/pkg/config"
	"github.com/trustengine/trustengine/pkg/listener"
	"github.com/trustengine/trustengine/pkg/oracle"
	"github.com/trustengine/trustengine/pkg/publisher"
	"github.com/trustengine/trustengine/pkg/scheduler"
	"github.com/trustengine/trustengine/pkg/store"
	"github.com/trustengine/trustengine/pkg/worker"

	"github.com/gagliardetto/solana-go"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	log.Info().Msg("trust engine starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config invalid")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	s, err := store.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer s.Close()

	for _, w := range cfg.Wallets {
		if err := s.UpsertTrackedWallet(w); err != nil {
			log.Warn().Str("wallet", w).Err(err).Msg("failed to seed tracked wallet")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	clock := clockwork.NewRealClock()

	queue := listener.NewQueue(cfg.QueueMaxSize)
	rpc := listener.NewRPCClient(cfg.RPCURL, cfg.RPCRatePerSec)
	poller := listener.NewPoller(log.Logger, storeWalletSource{s}, queue, cfg.PollIntervalSec)
	stream := listener.NewStream(log.Logger, cfg.RPCWSURL, queue, cfg.DebounceSec, cfg.ReconnectMinSec, cfg.ReconnectMaxSec)

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxTxHistory = cfg.MaxTxHistory
	workerCfg.AlertConfig.CooldownSec = int64(cfg.CooldownSec.Seconds())

	pool := worker.NewPool(log.Logger, clock, rpc, s, cfg.Concurrency, cfg.HeartbeatIntervalSec, workerCfg)
	source := newQueueSource(log.Logger, rpc, queue, s)

	pub := publisher.New(log.Logger, clock, publisher.NewLoggingChainWriter(log.Logger), publisherConfig(cfg))
	orc := oracle.New(log.Logger, s, oracle.Config{
		CacheTTL:        cfg.OracleCacheTTLSec,
		RateLimitPerWin: cfg.OracleRateLimitCount,
		RateLimitWindow: cfg.OracleRateLimitWindow,
	})
	defer orc.Close()

	errCh := make(chan error, 16)

	go func() { errCh <- poller.Run(ctx) }()
	go func() { errCh <- runStream(ctx, stream, storeWalletSource{s}) }()
	go func() { errCh <- pool.Run(ctx, source) }()
	go func() { errCh <- runSchedulerCycle(ctx, log.Logger, s, queue, cfg) }()
	go func() { errCh <- runClusterRebuild(ctx, log.Logger, s, cfg.ScanIntervalSec*10) }()
	go func() { errCh <- runPublisher(ctx, log.Logger, s, pub, cfg.PublishIntervalSec) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("component exited with error")
		}
	}
	log.Info().Msg("trust engine stopped")
}

func publisherConfig(cfg *config.Config) publisher.Config {
	zero := solana.PublicKey{}
	pc := publisher.DefaultConfig(zero, zero)
	pc.DeltaThreshold = cfg.ScoreDeltaThreshold
	pc.PerMinuteCap = cfg.MaxTxPerMinute
	pc.DryRun = cfg.DryRun
	pc.ConfirmWait = cfg.ConfirmTimeoutSec
	return pc
}

type storeWalletSource struct {
	s *store.Store
}

func (w storeWalletSource) TrackedWallets() ([]listener.TrackedWallet, error) {
	rows, err := w.s.GetTrackedWallets()
	if err != nil {
		return nil, err
	}
	out := make([]listener.TrackedWallet, len(rows))
	for i, r := range rows {
		out[i] = listener.TrackedWallet{Wallet: r.Wallet, Priority: r.Priority}
	}
	return out, nil
}

// runStream resolves the tracked wallet list once at startup and hands it
// to the stream, which owns reconnect/resubscribe for its own lifetime.
func runStream(ctx context.Context, stream *listener.Stream, wallets storeWalletSource) error {
	tracked, err := wallets.TrackedWallets()
	if err != nil {
		return err
	}
	return stream.Run(ctx, tracked)
}

// queueSource drains the listener queue and resolves each wallet event
// into a worker Unit by fetching its recent signatures, so the worker
// pool's single bounded channel is fed by both the listener and, via
// runSchedulerCycle pushing synthetic events onto the same queue, the
// scheduler's periodic batches.
type queueSource struct {
	log   zerolog.Logger
	rpc   *listener.RPCClient
	queue *listener.Queue
	store *store.Store
	seen  *listener.SeenCache
}

func newQueueSource(log zerolog.Logger, rpc *listener.RPCClient, queue *listener.Queue, s *store.Store) worker.SourceFn {
	qs := &queueSource{log: log, rpc: rpc, queue: queue, store: s, seen: listener.NewSeenCache(0)}
	return qs.next
}

func (q *queueSource) next(ctx context.Context) (worker.Unit, bool) {
	ev, ok := q.queue.Pop()
	if !ok {
		return worker.Unit{}, false
	}

	sigs, err := q.rpc.GetSignaturesForAddress(ctx, ev.Wallet, 50, "")
	if err != nil {
		q.log.Warn().Str("wallet", ev.Wallet).Err(err).Msg("queue source: fetch signatures failed")
		return worker.Unit{}, false
	}
	sigs = q.seen.FilterNew(ev.Wallet, sigs)
	if err := q.store.SetWalletLastAnalyzed(ev.Wallet, time.Now()); err != nil {
		q.log.Warn().Str("wallet", ev.Wallet).Err(err).Msg("queue source: set last analyzed failed")
	}
	if len(sigs) == 0 {
		return worker.Unit{}, false
	}
	return worker.Unit{Wallet: ev.Wallet, Sigs: sigs}, true
}

// runSchedulerCycle periodically selects wallets due for re-analysis
// and feeds them into the same bounded queue the listener populates, so
// the worker pool drains one unified work source.
func runSchedulerCycle(ctx context.Context, log zerolog.Logger, s *store.Store, queue *listener.Queue, cfg *config.Config) error {
	c := cron.New()
	schedulerCfg := scheduler.DefaultConfig()
	rotationCfg := scheduler.DefaultRotationConfig()
	rotationCfg.CycleIntervalSec = int64(cfg.ScanIntervalSec.Seconds())
	rotationCfg.MaxWalletsPerCycle = cfg.MaxWalletsPerCycle
	rotationCfg.WatchlistEveryNCycles = int64(cfg.RotationKWatchlist)
	rotationCfg.NormalEveryNCycles = int64(cfg.RotationKNormal)
	var cycleNumber int64

	runCycle := func() {
		cycleNumber++
		var wallets []string
		var err error
		if cfg.SchedulerMode == config.SchedulerModeRotation {
			wallets, err = scheduler.GetNextBatchRotation(s, cycleNumber, time.Now().Unix(), rotationCfg)
		} else {
			wallets, err = scheduler.GetNextBatch(log, s, cfg.MaxWalletsPerCycle, time.Now().Unix(), schedulerCfg)
		}
		if err != nil {
			log.Warn().Err(err).Msg("scheduler: batch selection failed")
			return
		}
		enqueued := 0
		for _, w := range wallets {
			if queue.Push(listener.Event{Wallet: w, Priority: "normal", Source: "scheduler"}) {
				enqueued++
			}
		}
		log.Info().Int("selected", len(wallets)).Int("enqueued", enqueued).Msg("scheduler cycle complete")
	}

	spec := "@every " + cfg.ScanIntervalSec.String()
	if _, err := c.AddFunc(spec, runCycle); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func runClusterRebuild(ctx context.Context, log zerolog.Logger, s *store.Store, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := cluster.RunClustering(log, s, 50_000); err != nil {
				log.Warn().Err(err).Msg("cluster rebuild failed")
			}
		}
	}
}

func runPublisher(ctx context.Context, log zerolog.Logger, s *store.Store, pub *publisher.Publisher, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			publishAll(ctx, log, s, pub)
		}
	}
}

func publishAll(ctx context.Context, log zerolog.Logger, s *store.Store, pub *publisher.Publisher) {
	wallets, err := s.GetTrackedWallets()
	if err != nil {
		log.Warn().Err(err).Msg("publisher: failed to list tracked wallets")
		return
	}
	for _, w := range wallets {
		score, err := s.GetLatestTrustScore(w.Wallet)
		if err != nil || score == nil {
			continue
		}
		if _, err := pub.PublishIfChanged(ctx, w.Wallet, score.Score); err != nil {
			log.Warn().Str("wallet", w.Wallet).Err(err).Msg("publisher: publish failed")
		}
	}
}

