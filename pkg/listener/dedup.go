package listener

import (
	"container/list"
	"sync"
)

const defaultMaxSeenPerWallet = 5000

// SeenCache is a bounded per-wallet signature LRU: it remembers the most
// recently observed signatures for each wallet so the poller and stream
// paths only forward genuinely new signatures downstream, instead of
// re-fetching transactions the Store has already absorbed behind its
// unique constraint every cycle.
type SeenCache struct {
	mu        sync.Mutex
	capacity  int
	perWallet map[string]*walletSeen
}

type walletSeen struct {
	order *list.List
	index map[string]*list.Element
}

func NewSeenCache(capacityPerWallet int) *SeenCache {
	if capacityPerWallet <= 0 {
		capacityPerWallet = defaultMaxSeenPerWallet
	}
	return &SeenCache{capacity: capacityPerWallet, perWallet: make(map[string]*walletSeen)}
}

// FilterNew returns the subset of sigs not yet seen for wallet, recording
// each as seen. Order is preserved; eviction is oldest-seen-first once a
// wallet's LRU reaches capacity.
func (c *SeenCache) FilterNew(wallet string, sigs []SignatureInfo) []SignatureInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.perWallet[wallet]
	if !ok {
		w = &walletSeen{order: list.New(), index: make(map[string]*list.Element)}
		c.perWallet[wallet] = w
	}

	fresh := make([]SignatureInfo, 0, len(sigs))
	for _, sig := range sigs {
		if _, seen := w.index[sig.Signature]; seen {
			continue
		}
		fresh = append(fresh, sig)

		el := w.order.PushBack(sig.Signature)
		w.index[sig.Signature] = el
		if w.order.Len() > c.capacity {
			oldest := w.order.Front()
			if oldest != nil {
				w.order.Remove(oldest)
				delete(w.index, oldest.Value.(string))
			}
		}
	}
	return fresh
}
