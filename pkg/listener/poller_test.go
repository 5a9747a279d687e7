package listener

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeWalletSource struct {
	wallets []TrackedWallet
	err     error
}

func (f *fakeWalletSource) TrackedWallets() ([]TrackedWallet, error) {
	return f.wallets, f.err
}

func TestPollerEnqueuesAllTrackedWallets(t *testing.T) {
	src := &fakeWalletSource{wallets: []TrackedWallet{
		{Wallet: "A", Priority: "normal"},
		{Wallet: "B", Priority: "critical"},
	}}
	q := NewQueue(10)
	p := NewPoller(zerolog.Nop(), src, q, time.Second)
	p.pollOnce()
	require.Equal(t, 2, q.Len())
}

func TestPollerHandlesSourceErrorGracefully(t *testing.T) {
	src := &fakeWalletSource{err: errBoom}
	q := NewQueue(10)
	p := NewPoller(zerolog.Nop(), src, q, time.Second)
	p.pollOnce()
	require.Equal(t, 0, q.Len())
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }
