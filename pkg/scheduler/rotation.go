package scheduler

import "sort"

const (
	defaultWatchlistEveryNCycles = 2
	defaultNormalEveryNCycles    = 4
)

// RotationConfig tunes the cycle-rotation selector: critical wallets are
// analyzed every cycle, watchlist wallets every N cycles, normal wallets
// every M cycles. Watchlist and normal wallets are also gated by a
// recency skip so a wallet already analyzed within its own cadence
// window is not re-selected; critical wallets have no recency check.
type RotationConfig struct {
	CycleIntervalSec      int64
	MaxWalletsPerCycle    int
	WatchlistEveryNCycles int64
	NormalEveryNCycles    int64
}

func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		CycleIntervalSec:      30,
		MaxWalletsPerCycle:    defaultMaxCandidates,
		WatchlistEveryNCycles: defaultWatchlistEveryNCycles,
		NormalEveryNCycles:    defaultNormalEveryNCycles,
	}
}

// GetNextBatchRotation returns the wallets due for analysis this cycle
// under the round-robin cadence: critical every cycle, watchlist every
// WatchlistEveryNCycles cycles, normal every NormalEveryNCycles cycles,
// skipping watchlist and normal wallets analyzed more recently than their
// own cadence window.
// Order is critical, then watchlist, then normal, each tier sorted by
// wallet address for determinism.
func GetNextBatchRotation(s SchedulerStore, cycleNumber int64, nowTs int64, cfg RotationConfig) ([]string, error) {
	if cfg.CycleIntervalSec < 1 {
		cfg.CycleIntervalSec = 1
	}
	if cfg.WatchlistEveryNCycles < 1 {
		cfg.WatchlistEveryNCycles = defaultWatchlistEveryNCycles
	}
	if cfg.NormalEveryNCycles < 1 {
		cfg.NormalEveryNCycles = defaultNormalEveryNCycles
	}

	wallets, err := s.GetTrackedWallets()
	if err != nil {
		return nil, err
	}

	watchlistMinElapsed := cfg.WatchlistEveryNCycles * cfg.CycleIntervalSec
	normalMinElapsed := cfg.NormalEveryNCycles * cfg.CycleIntervalSec
	includeWatchlist := cycleNumber%cfg.WatchlistEveryNCycles == 0
	includeNormal := cycleNumber%cfg.NormalEveryNCycles == 0

	var critical, watchlist, normal []string
	for _, w := range wallets {
		elapsed := int64(999_999)
		if w.LastAnalyzedAt != nil {
			elapsed = nowTs - w.LastAnalyzedAt.Unix()
		}

		switch w.Priority {
		case TierCritical:
			critical = append(critical, w.Wallet)
		case TierWatchlist:
			if includeWatchlist && elapsed >= watchlistMinElapsed {
				watchlist = append(watchlist, w.Wallet)
			}
		default:
			if includeNormal && elapsed >= normalMinElapsed {
				normal = append(normal, w.Wallet)
			}
		}
	}

	sort.Strings(critical)
	sort.Strings(watchlist)
	sort.Strings(normal)

	selected := append(append(critical, watchlist...), normal...)
	if len(selected) > cfg.MaxWalletsPerCycle {
		selected = selected[:cfg.MaxWalletsPerCycle]
	}
	return selected, nil
}
