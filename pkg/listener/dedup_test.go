package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenCacheFiltersAlreadySeenSignatures(t *testing.T) {
	c := NewSeenCache(10)
	first := c.FilterNew("W1", []SignatureInfo{{Signature: "s1"}, {Signature: "s2"}})
	require.Len(t, first, 2)

	second := c.FilterNew("W1", []SignatureInfo{{Signature: "s1"}, {Signature: "s3"}})
	require.Equal(t, []SignatureInfo{{Signature: "s3"}}, second)
}

func TestSeenCacheIsolatesPerWallet(t *testing.T) {
	c := NewSeenCache(10)
	c.FilterNew("W1", []SignatureInfo{{Signature: "s1"}})
	fresh := c.FilterNew("W2", []SignatureInfo{{Signature: "s1"}})
	require.Len(t, fresh, 1)
}

func TestSeenCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := NewSeenCache(2)
	c.FilterNew("W1", []SignatureInfo{{Signature: "s1"}, {Signature: "s2"}})
	c.FilterNew("W1", []SignatureInfo{{Signature: "s3"}})

	// s1 was evicted to make room for s3, so it is treated as new again;
	// recording s1 then evicts s2, the oldest remaining entry, so s2 is
	// new again by the time it is checked.
	fresh := c.FilterNew("W1", []SignatureInfo{{Signature: "s1"}, {Signature: "s2"}})
	require.Equal(t, []SignatureInfo{{Signature: "s1"}, {Signature: "s2"}}, fresh)
}
