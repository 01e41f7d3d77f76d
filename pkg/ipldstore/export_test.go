package ipldstore

import (
	"github.com/mikeal/ipld-store/pkg/engine"
)

// NewStoreForTest constructs a Store over an injected engine. Test-only.
func NewStoreForTest(cfg Config, eng engine.Engine) (Store, error) {
	return newStore(cfg, eng)
}

// FeedCount returns the number of registered feed subscriptions.
func FeedCount(s Store) int {
	st := s.(*store)
	st.subMu.Lock()
	defer st.subMu.Unlock()
	return len(st.subs)
}
