package ipldstore

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// subscription is one feed's view of the store's write stream.
//
// While scanning, a put whose key sorts at or before the scan cursor is
// buffered, since the scan has already passed it; later keys are left for
// the scan to find. Once the scan ends, puts are queued for continuous
// feeds. A delete removes the key from both the buffer and the queue.
type subscription struct {
	id         uuid.UUID
	continuous bool

	mu        sync.Mutex
	scanning  bool
	cursor    string              // last key read by the scan
	started   bool                // cursor is set
	exhausted bool                // the scan has read its last page
	unread    map[string]struct{} // keys of the current page not yet yielded

	order []string       // buffered keys, insertion order
	live  map[string]int // key -> position of its live entry in order
	head  int

	queue  []string
	closed bool
	wake   chan struct{}
}

func newSubscription(continuous bool) *subscription {
	return &subscription{
		id:         uuid.New(),
		continuous: continuous,
		scanning:   true,
		live:       make(map[string]int),
		wake:       make(chan struct{}, 1),
	}
}

func (sub *subscription) signal() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) put(key string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	if sub.scanning {
		if sub.exhausted || (sub.started && key <= sub.cursor) {
			sub.live[key] = len(sub.order)
			sub.order = append(sub.order, key)
		}
		return
	}
	if sub.continuous {
		sub.queue = append(sub.queue, key)
		sub.signal()
	}
}

func (sub *subscription) remove(key string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	delete(sub.live, key)
	delete(sub.unread, key)

	kept := sub.queue[:0]
	for _, k := range sub.queue {
		if k != key {
			kept = append(kept, k)
		}
	}
	clear(sub.queue[len(kept):])
	sub.queue = kept
}

// advance records the page the scan just read.
func (sub *subscription) advance(page [][]byte, last bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.unread = make(map[string]struct{}, len(page))
	for _, k := range page {
		sub.unread[string(k)] = struct{}{}
	}
	if len(page) > 0 {
		sub.cursor = string(page[len(page)-1])
		sub.started = true
	}
	if last {
		sub.exhausted = true
	}
}

// claim reports whether a key read by the scan is still present, and marks
// it yielded. A put of the key buffered since the page was read is dropped;
// the scan delivers it.
func (sub *subscription) claim(key string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.unread[key]; !ok {
		return false
	}
	delete(sub.unread, key)
	delete(sub.live, key)
	return true
}

func (sub *subscription) endScan() {
	sub.mu.Lock()
	sub.scanning = false
	sub.unread = nil
	sub.mu.Unlock()
}

// next pops the next buffered key, then the next queued one. done is set
// once nothing is left and nothing more will arrive.
func (sub *subscription) next() (key string, ok, done bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	for sub.head < len(sub.order) {
		k := sub.order[sub.head]
		sub.head++
		if pos, found := sub.live[k]; found && pos == sub.head-1 {
			delete(sub.live, k)
			return k, true, false
		}
	}
	sub.order, sub.head = nil, 0

	if !sub.continuous {
		return "", false, true
	}
	if len(sub.queue) > 0 {
		k := sub.queue[0]
		sub.queue[0] = ""
		sub.queue = sub.queue[1:]
		return k, true, false
	}
	return "", false, sub.closed
}

func (sub *subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.signal()
}

func (s *store) subscribe(continuous bool) (*subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(continuous)
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

func (s *store) unsubscribe(sub *subscription) {
	s.subMu.Lock()
	delete(s.subs, sub)
	s.subMu.Unlock()
}

// scanPage reads the page after the cursor. Holding the write lock keeps
// the page and the subscription's cursor consistent with concurrent writes.
func (s *store) scanPage(sub *subscription, after []byte) ([][]byte, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	page, err := s.eng.Keys(after, s.cfg.Feed.PageSize)
	if err != nil {
		return nil, err
	}
	sub.advance(page, len(page) < s.cfg.Feed.PageSize)
	return page, nil
}

func (s *store) ChangeFeed(ctx context.Context, continuous bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sub, err := s.subscribe(continuous)
		if err != nil {
			yield("", err)
			return
		}
		defer s.unsubscribe(sub)

		flog := s.log.With("feed", sub.id.String())
		flog.Debug("feed started", "continuous", continuous)
		defer flog.Debug("feed ended")

		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			page, err := s.scanPage(sub, after)
			if err != nil {
				yield("", err)
				return
			}
			for _, k := range page {
				key := string(k)
				if !sub.claim(key) {
					continue
				}
				if !yield(key, nil) {
					return
				}
			}
			if len(page) < s.cfg.Feed.PageSize {
				break
			}
			after = page[len(page)-1]
		}
		sub.endScan()

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			key, ok, done := sub.next()
			if ok {
				if !yield(key, nil) {
					return
				}
				continue
			}
			if done {
				return
			}

			select {
			case <-sub.wake:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
	}
}
