// Package features converts a wallet's parsed transaction history into
// a behavioral feature vector: frequency, average value, unique
// counterparties, and volume velocity. Purely derivational — no
// scoring or risk logic lives here.
package features

import "github.com/trustengine/trustengine/pkg/parser"

// secondsPerDay normalizes frequency/velocity into daily rates.
const secondsPerDay = 86400.0

// WalletFeatureVector is the behavioral feature vector for a wallet
// over an observed transaction set.
type WalletFeatureVector struct {
	Wallet                     string
	TxCount                    int
	TxFrequency                *float64 // tx/day; nil if fewer than 2 distinct timestamps
	AvgTransactionValueLamports float64
	AvgTransactionValueSOL      float64
	UniqueCounterparties       int
	VelocityLamportsPerDay     *float64
	VelocitySOLPerDay          *float64
	TotalVolumeLamports        int64
	TotalVolumeSOL             float64
	TimeSpanDays               *float64
	TimeSpanSeconds            *float64
}

func filterAndOrient(transactions []parser.ParsedTransaction, wallet string) (filtered []parser.ParsedTransaction, counterparties map[string]struct{}, totalLamports int64, timestamps []int64) {
	counterparties = make(map[string]struct{})
	for _, tx := range transactions {
		if tx.Sender != wallet && tx.Receiver != wallet {
			continue
		}
		filtered = append(filtered, tx)
		counterparties[tx.Sender] = struct{}{}
		counterparties[tx.Receiver] = struct{}{}
		totalLamports += tx.AmountLamports
		if tx.Timestamp != nil {
			timestamps = append(timestamps, *tx.Timestamp)
		}
	}
	delete(counterparties, wallet)
	return filtered, counterparties, totalLamports, timestamps
}

// ExtractFeatures derives a WalletFeatureVector from a wallet's
// transaction history. Only transactions where wallet is sender or
// receiver are considered. minTimeSpanSeconds clamps the observed span
// to avoid inflated per-day rates from near-simultaneous transactions.
func ExtractFeatures(transactions []parser.ParsedTransaction, wallet string, minTimeSpanSeconds float64) WalletFeatureVector {
	filtered, counterparties, totalLamports, timestamps := filterAndOrient(transactions, wallet)
	n := len(filtered)
	totalSOL := float64(totalLamports) / 1_000_000_000.0

	if n == 0 {
		return WalletFeatureVector{Wallet: wallet}
	}

	avgLamports := float64(totalLamports) / float64(n)
	avgSOL := totalSOL / float64(n)

	vec := WalletFeatureVector{
		Wallet:                      wallet,
		TxCount:                     n,
		AvgTransactionValueLamports: round2(avgLamports),
		AvgTransactionValueSOL:      round9(avgSOL),
		UniqueCounterparties:        len(counterparties),
		TotalVolumeLamports:         totalLamports,
		TotalVolumeSOL:              round9(totalSOL),
	}

	if len(timestamps) >= 2 {
		tsMin, tsMax := timestamps[0], timestamps[0]
		for _, ts := range timestamps {
			if ts < tsMin {
				tsMin = ts
			}
			if ts > tsMax {
				tsMax = ts
			}
		}
		span := float64(tsMax - tsMin)
		if span > 0 {
			if span < minTimeSpanSeconds {
				span = minTimeSpanSeconds
			}
			days := span / secondsPerDay
			freq := float64(n) / days
			velLamports := float64(totalLamports) / days
			velSOL := totalSOL / days

			vec.TimeSpanSeconds = &span
			vec.TimeSpanDays = &days
			vec.TxFrequency = &freq
			vec.VelocityLamportsPerDay = &velLamports
			vec.VelocitySOLPerDay = &velSOL
		}
	}

	return vec
}

func round2(v float64) float64 { return roundN(v, 100) }
func round9(v float64) float64 { return roundN(v, 1_000_000_000) }

func roundN(v float64, scale float64) float64 {
	if v == 0 {
		return 0
	}
	return float64(int64(v*scale+sign(v)*0.5)) / scale
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
