package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gagliardetto/solana-go"
)

func fakeWalletAddress(b byte) string {
	raw := make([]byte, 32)
	raw[0] = b
	return base58.Encode(raw)
}

type fakeChainWriter struct {
	submitCalls []Update
	failFirstN  int
	confirmed   bool
	confirmErr  error
}

func (f *fakeChainWriter) Submit(ctx context.Context, update Update) (string, error) {
	f.submitCalls = append(f.submitCalls, update)
	if len(f.submitCalls) <= f.failFirstN {
		return "", errTransient
	}
	return "sig-ok", nil
}

func (f *fakeChainWriter) Confirm(ctx context.Context, signature string) (bool, error) {
	return f.confirmed, f.confirmErr
}

type transientErr struct{}

func (transientErr) Error() string { return "transient rpc failure" }

var errTransient = transientErr{}

func newTestPublisher(writer ChainWriter, clock clockwork.Clock, dryRun bool) *Publisher {
	oracleKey := solana.PublicKeyFromBytes(make([]byte, 32))
	cfg := DefaultConfig(oracleKey, oracleKey)
	cfg.DryRun = dryRun
	cfg.RetryBaseDelay = time.Millisecond
	return New(zerolog.Nop(), clock, writer, cfg)
}

func TestPublishIfChangedDryRunAlwaysSucceedsOnFirstPublish(t *testing.T) {
	w := &fakeChainWriter{}
	p := newTestPublisher(w, clockwork.NewFakeClock(), true)
	published, err := p.PublishIfChanged(context.Background(), fakeWalletAddress(1), 40)
	require.NoError(t, err)
	require.True(t, published)
	require.Empty(t, w.submitCalls)
}

func TestPublishIfChangedSkipsBelowDeltaThreshold(t *testing.T) {
	w := &fakeChainWriter{confirmed: true}
	p := newTestPublisher(w, clockwork.NewFakeClock(), false)
	wallet := fakeWalletAddress(2)

	published, err := p.PublishIfChanged(context.Background(), wallet, 50)
	require.NoError(t, err)
	require.True(t, published)
	require.Len(t, w.submitCalls, 1)

	published, err = p.PublishIfChanged(context.Background(), wallet, 51)
	require.NoError(t, err)
	require.False(t, published)
	require.Len(t, w.submitCalls, 1)
}

func TestPublishIfChangedPublishesWhenDeltaExceedsThreshold(t *testing.T) {
	w := &fakeChainWriter{confirmed: true}
	p := newTestPublisher(w, clockwork.NewFakeClock(), false)
	wallet := fakeWalletAddress(3)

	_, err := p.PublishIfChanged(context.Background(), wallet, 50)
	require.NoError(t, err)

	published, err := p.PublishIfChanged(context.Background(), wallet, 55)
	require.NoError(t, err)
	require.True(t, published)
	require.Len(t, w.submitCalls, 2)
}

func TestPublishIfChangedRespectsPerMinuteCap(t *testing.T) {
	w := &fakeChainWriter{confirmed: true}
	clock := clockwork.NewFakeClock()
	p := newTestPublisher(w, clock, false)
	cfgPtr := &p.cfg
	cfgPtr.PerMinuteCap = 2

	for i := 0; i < 2; i++ {
		published, err := p.PublishIfChanged(context.Background(), fakeWalletAddress(byte(10+i)), 90)
		require.NoError(t, err)
		require.True(t, published)
	}

	published, err := p.PublishIfChanged(context.Background(), fakeWalletAddress(20), 90)
	require.NoError(t, err)
	require.False(t, published)
	require.Len(t, w.submitCalls, 2)
}

func TestPublishIfChangedRetriesTransientSubmitFailures(t *testing.T) {
	w := &fakeChainWriter{failFirstN: 1, confirmed: true}
	p := newTestPublisher(w, clockwork.NewFakeClock(), false)

	published, err := p.PublishIfChanged(context.Background(), fakeWalletAddress(4), 80)
	require.NoError(t, err)
	require.True(t, published)
	require.Len(t, w.submitCalls, 2)
}

func TestPublishIfChangedFailsWhenConfirmationNeverArrives(t *testing.T) {
	w := &fakeChainWriter{confirmed: false}
	p := newTestPublisher(w, clockwork.NewFakeClock(), false)

	published, err := p.PublishIfChanged(context.Background(), fakeWalletAddress(5), 80)
	require.Error(t, err)
	require.False(t, published)
}

func TestUpdateEncodeProducesFixedLayout(t *testing.T) {
	u := Update{
		Wallet:    solana.PublicKeyFromBytes(make([]byte, 32)),
		ScoreU8:   77,
		RiskU8:    2,
		Timestamp: 1_700_000_000,
		OracleKey: solana.PublicKeyFromBytes(make([]byte, 32)),
	}
	encoded := u.Encode()
	require.Len(t, encoded, 8+32+1+1+8+32)
	require.Equal(t, byte(77), encoded[8+32])
	require.Equal(t, byte(2), encoded[8+32+1])
}

func TestScoreU8ClampsToByteRange(t *testing.T) {
	require.Equal(t, byte(0), scoreU8(-5))
	require.Equal(t, byte(100), scoreU8(150))
	require.Equal(t, byte(50), scoreU8(49.6))
}

func TestRiskLevelU8Bands(t *testing.T) {
	require.Equal(t, byte(3), riskLevelU8(10))
	require.Equal(t, byte(2), riskLevelU8(45))
	require.Equal(t, byte(1), riskLevelU8(65))
	require.Equal(t, byte(0), riskLevelU8(90))
}
