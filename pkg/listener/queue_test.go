package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueuePopsHighestPriorityFirst(t *testing.T) {
	q := NewQueue(10)
	require.True(t, q.Push(Event{Wallet: "A", Priority: "normal"}))
	require.True(t, q.Push(Event{Wallet: "B", Priority: "critical"}))
	require.True(t, q.Push(Event{Wallet: "C", Priority: "watchlist"}))

	ev, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "B", ev.Wallet)

	ev, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "C", ev.Wallet)

	ev, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "A", ev.Wallet)
}

func TestQueueEvictsLowestPriorityWhenFull(t *testing.T) {
	q := NewQueue(2)
	require.True(t, q.Push(Event{Wallet: "A", Priority: "normal"}))
	require.True(t, q.Push(Event{Wallet: "B", Priority: "normal"}))
	require.True(t, q.Push(Event{Wallet: "C", Priority: "critical"}))

	require.Equal(t, 2, q.Len())
	require.Equal(t, int64(1), q.Dropped())

	ev, _ := q.Pop()
	require.Equal(t, "C", ev.Wallet)
}

func TestQueueDropsIncomingWhenNothingLowerRanked(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Push(Event{Wallet: "A", Priority: "critical"}))
	require.False(t, q.Push(Event{Wallet: "B", Priority: "normal"}))
	require.Equal(t, 1, q.Len())
	require.Equal(t, int64(1), q.Dropped())
}

func TestQueuePopEmptyReturnsFalse(t *testing.T) {
	q := NewQueue(10)
	_, ok := q.Pop()
	require.False(t, ok)
}
