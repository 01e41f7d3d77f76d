package ipldstore_test

import (
	"context"
	"errors"
	"iter"
	"sort"
	"testing"
	"time"

	"github.com/mikeal/ipld-store/pkg/ipldstore"
)

// drain collects a finite feed.
func drain(t *testing.T, seq iter.Seq2[string, error]) []string {
	t.Helper()
	var keys []string
	for k, err := range seq {
		if err != nil {
			t.Fatalf("feed error: %v", err)
		}
		keys = append(keys, k)
	}
	return keys
}

type feedEvent struct {
	key string
	err error
}

// follow runs a feed in the background and forwards every element. The
// channel is closed when the feed ends.
func follow(seq iter.Seq2[string, error]) <-chan feedEvent {
	ch := make(chan feedEvent, 64)
	go func() {
		defer close(ch)
		for k, err := range seq {
			ch <- feedEvent{key: k, err: err}
		}
	}()
	return ch
}

func expectKey(t *testing.T, ch <-chan feedEvent, want string) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("feed ended, expected %s", want)
		}
		if ev.err != nil {
			t.Fatalf("feed error: %v", ev.err)
		}
		if ev.key != want {
			t.Fatalf("expected %s, got %s", want, ev.key)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func expectEnd(t *testing.T, ch <-chan feedEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected end of feed, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the feed to end")
	}
}

func expectQuiet(t *testing.T, ch <-chan feedEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected feed element %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func keysOf(blocks []block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.key()
	}
	return out
}

func sameSet(t *testing.T, got, want []string) {
	t.Helper()
	got = append([]string(nil), got...)
	want = append([]string(nil), want...)
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestChangeFeed_Historical(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	blocks := makeBlocks(t, 3)
	putAll(t, s, blocks)

	sameSet(t, drain(t, s.ChangeFeed(ctx, false)), keysOf(blocks))

	// a new range is a fresh scan
	sameSet(t, drain(t, s.ChangeFeed(ctx, false)), keysOf(blocks))

	if n := ipldstore.FeedCount(s); n != 0 {
		t.Errorf("expected finished feeds to deregister, %d remain", n)
	}
}

func TestChangeFeed_HistoricalPaged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Feed.PageSize = 3
	s := openStore(t, cfg)
	blocks := makeBlocks(t, 10)
	putAll(t, s, blocks)

	sameSet(t, drain(t, s.ChangeFeed(ctx, false)), keysOf(blocks))
}

func TestChangeFeed_EmptyStore(t *testing.T) {
	s := openStore(t, testConfig(t))
	if keys := drain(t, s.ChangeFeed(context.Background(), false)); len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestChangeFeed_WritesDuringScan(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Feed.PageSize = 1
	s := openStore(t, cfg)

	blocks := sortedBlocks(t, 6)
	// blocks[0] is written behind the cursor, blocks[4] is deleted ahead
	// of it and blocks[5] is written ahead of it
	putAll(t, s, blocks[1:5])

	next, stop := iter.Pull2(s.ChangeFeed(ctx, false))
	defer stop()

	k, err, ok := next()
	if !ok || err != nil || k != blocks[1].key() {
		t.Fatalf("expected first key %s, got %s (%v, %v)", blocks[1].key(), k, err, ok)
	}

	putAll(t, s, []block{blocks[0], blocks[5]})
	if err := s.Delete(ctx, blocks[4].cid); err != nil {
		t.Fatal(err)
	}

	got := []string{k}
	for {
		k, err, ok := next()
		if !ok {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, k)
	}

	want := []string{blocks[1].key(), blocks[2].key(), blocks[3].key(), blocks[5].key(), blocks[0].key()}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestChangeFeed_DeleteOfReadKey(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Feed.PageSize = 10
	s := openStore(t, cfg)
	blocks := sortedBlocks(t, 3)
	putAll(t, s, blocks)

	next, stop := iter.Pull2(s.ChangeFeed(ctx, false))
	defer stop()

	// the whole store is one page; the last key is read but not yet yielded
	if k, _, _ := next(); k != blocks[0].key() {
		t.Fatalf("unexpected first key %s", k)
	}
	if err := s.Delete(ctx, blocks[2].cid); err != nil {
		t.Fatal(err)
	}

	var rest []string
	for {
		k, err, ok := next()
		if !ok {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		rest = append(rest, k)
	}
	if len(rest) != 1 || rest[0] != blocks[1].key() {
		t.Errorf("expected only %s, got %v", blocks[1].key(), rest)
	}
}

func TestChangeFeed_RewriteOfReadKey(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Feed.PageSize = 10
	s := openStore(t, cfg)
	blocks := sortedBlocks(t, 3)
	putAll(t, s, blocks)

	next, stop := iter.Pull2(s.ChangeFeed(ctx, false))
	defer stop()

	k, err, ok := next()
	if !ok || err != nil || k != blocks[0].key() {
		t.Fatalf("expected first key %s, got %s (%v, %v)", blocks[0].key(), k, err, ok)
	}
	// blocks[2] is read by the scan but not yet yielded
	putAll(t, s, blocks[2:])

	got := []string{k}
	for {
		k, err, ok := next()
		if !ok {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, k)
	}

	want := []string{blocks[0].key(), blocks[1].key(), blocks[2].key()}
	if len(got) != len(want) {
		t.Fatalf("expected each key once %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestChangeFeed_Continuous(t *testing.T) {
	ctx := context.Background()
	s, err := ipldstore.Open(ctx, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	blocks := makeBlocks(t, 3)
	putAll(t, s, blocks[:2])

	feed := follow(s.ChangeFeed(ctx, true))
	got := []string{}
	for range 2 {
		ev := <-feed
		if ev.err != nil {
			t.Fatal(ev.err)
		}
		got = append(got, ev.key)
	}
	sameSet(t, got, keysOf(blocks[:2]))

	putAll(t, s, blocks[2:])
	expectKey(t, feed, blocks[2].key())
	expectQuiet(t, feed)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	expectEnd(t, feed)
}

func TestChangeFeed_PutThenCloseIsDelivered(t *testing.T) {
	ctx := context.Background()
	s, err := ipldstore.Open(ctx, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	feed := follow(s.ChangeFeed(ctx, true))
	blocks := makeBlocks(t, 3)

	// once the first key arrives the scan has read its last page
	putAll(t, s, blocks[:1])
	expectKey(t, feed, blocks[0].key())

	putAll(t, s, blocks[1:])
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	expectKey(t, feed, blocks[1].key())
	expectKey(t, feed, blocks[2].key())
	expectEnd(t, feed)
}

func TestChangeFeed_TwoFeedsSeeSamePut(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	a := follow(s.ChangeFeed(ctx, true))
	b := follow(s.ChangeFeed(ctx, true))

	// both feeds have an empty scan; wait until both are live
	waitFor(t, func() bool { return ipldstore.FeedCount(s) == 2 })

	blk := makeBlock(t, 1)
	putAll(t, s, []block{blk})

	expectKey(t, a, blk.key())
	expectKey(t, b, blk.key())
}

func TestChangeFeed_LiveDeleteDropsQueuedPut(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	next, stop := iter.Pull2(s.ChangeFeed(ctx, true))
	defer stop()

	first := makeBlock(t, 0)
	putAll(t, s, []block{first})
	if k, err, _ := next(); err != nil || k != first.key() {
		t.Fatalf("expected %s, got %s (%v)", first.key(), k, err)
	}

	blocks := makeBlocks(t, 3)[1:]
	putAll(t, s, blocks)
	if err := s.Delete(ctx, blocks[0].cid); err != nil {
		t.Fatal(err)
	}

	if k, err, _ := next(); err != nil || k != blocks[1].key() {
		t.Fatalf("expected %s after the delete, got %s (%v)", blocks[1].key(), k, err)
	}

	// the feed is live now, so these are queued rather than buffered
	more := makeBlocks(t, 5)[3:]
	putAll(t, s, more)
	if err := s.Delete(ctx, more[0].cid); err != nil {
		t.Fatal(err)
	}
	if k, err, _ := next(); err != nil || k != more[1].key() {
		t.Fatalf("expected %s after the delete, got %s (%v)", more[1].key(), k, err)
	}
}

func TestChangeFeed_BulkWriterNotifies(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	feed := follow(s.ChangeFeed(ctx, true))
	waitFor(t, func() bool { return ipldstore.FeedCount(s) == 1 })

	w := s.NewBulkWriter(0)
	blk := makeBlock(t, 1)
	if err := w.Put(ctx, blk.cid, blk.data); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	expectKey(t, feed, blk.key())

	if err := s.Bulk(ctx, []ipldstore.Op{ipldstore.PutOp{ID: makeBlock(t, 2).cid, Value: makeBlock(t, 2).data}}); err != nil {
		t.Fatal(err)
	}
	expectKey(t, feed, makeBlock(t, 2).key())
}

func TestChangeFeed_ContextCanceled(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	feed := follow(s.ChangeFeed(ctx, true))
	waitFor(t, func() bool { return ipldstore.FeedCount(s) == 1 })
	cancel()

	select {
	case ev := <-feed:
		if !errors.Is(ev.err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed ignored cancellation")
	}
	expectEnd(t, feed)
	waitFor(t, func() bool { return ipldstore.FeedCount(s) == 0 })
}

func TestChangeFeed_BreakDeregisters(t *testing.T) {
	s := openStore(t, testConfig(t))
	putAll(t, s, makeBlocks(t, 5))

	for range s.ChangeFeed(context.Background(), true) {
		break
	}
	if n := ipldstore.FeedCount(s); n != 0 {
		t.Errorf("expected no feeds after break, got %d", n)
	}
}

func TestChangeFeed_ClosedStore(t *testing.T) {
	s, err := ipldstore.Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	n := 0
	for _, err := range s.ChangeFeed(context.Background(), false) {
		n++
		if !errors.Is(err, ipldstore.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	}
	if n != 1 {
		t.Errorf("expected exactly one element, got %d", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
