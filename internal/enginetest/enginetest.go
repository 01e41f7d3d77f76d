// Package enginetest holds the behavioural tests every engine backend must pass.
package enginetest

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/mikeal/ipld-store/pkg/engine"
)

// Run exercises e against the engine.Engine contract. The engine must be
// empty; Run does not close it.
func Run(t *testing.T, e engine.Engine) {
	t.Run("SetAndGet", func(t *testing.T) {
		if err := e.Put([]byte("key1"), []byte("val1")); err != nil {
			t.Fatal(err)
		}
		val, err := e.Get([]byte("key1"))
		if err != nil {
			t.Fatal(err)
		}
		if string(val) != "val1" {
			t.Fatalf("expected val1, got %q", val)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := e.Get([]byte("missing"))
		if !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = e.Put([]byte("ow"), []byte("a"))
		_ = e.Put([]byte("ow"), []byte("b"))
		val, err := e.Get([]byte("ow"))
		if err != nil || string(val) != "b" {
			t.Fatalf("expected b, got %q (%v)", val, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = e.Put([]byte("gone"), []byte("x"))
		if err := e.Delete([]byte("gone")); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Get([]byte("gone")); !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		// deleting an absent key is not an error
		if err := e.Delete([]byte("never-there")); err != nil {
			t.Fatalf("delete of absent key: %v", err)
		}
	})

	t.Run("ReturnedValueIsCopy", func(t *testing.T) {
		_ = e.Put([]byte("copy"), []byte("orig"))
		val, _ := e.Get([]byte("copy"))
		val[0] = 'X'
		again, _ := e.Get([]byte("copy"))
		if string(again) != "orig" {
			t.Fatalf("mutating a returned value changed the stored one: %q", again)
		}
	})

	t.Run("BatchAtomicity", func(t *testing.T) {
		_ = e.Put([]byte("b-del"), []byte("x"))

		b := e.NewBatch()
		_ = b.Put([]byte("b-1"), []byte("1"))
		_ = b.Put([]byte("b-2"), []byte("2"))
		_ = b.Delete([]byte("b-del"))
		if b.Len() != 3 {
			t.Errorf("expected 3 ops, got %d", b.Len())
		}

		if _, err := e.Get([]byte("b-1")); !errors.Is(err, engine.ErrNotFound) {
			t.Error("expected b-1 not to be visible before commit")
		}

		if err := b.Commit(); err != nil {
			t.Fatal(err)
		}
		_ = b.Close()

		for _, k := range []string{"b-1", "b-2"} {
			if _, err := e.Get([]byte(k)); err != nil {
				t.Errorf("%s missing after commit: %v", k, err)
			}
		}
		if _, err := e.Get([]byte("b-del")); !errors.Is(err, engine.ErrNotFound) {
			t.Error("expected b-del to be gone after commit")
		}
	})

	t.Run("DiscardedBatch", func(t *testing.T) {
		b := e.NewBatch()
		_ = b.Put([]byte("discarded"), []byte("x"))
		_ = b.Close()

		if _, err := e.Get([]byte("discarded")); !errors.Is(err, engine.ErrNotFound) {
			t.Error("expected discarded batch to leave no trace")
		}
	})

	t.Run("KeysPaging", func(t *testing.T) {
		// separate keyspace so earlier subtests don't interfere with counts
		want := make([][]byte, 0, 25)
		for i := 0; i < 25; i++ {
			k := []byte(fmt.Sprintf("page/%02d", i))
			want = append(want, k)
			if err := e.Put(k, []byte{byte(i)}); err != nil {
				t.Fatal(err)
			}
		}

		var got [][]byte
		for k, err := range engine.KeyStream(e, 4) {
			if err != nil {
				t.Fatal(err)
			}
			if bytes.HasPrefix(k, []byte("page/")) {
				got = append(got, k)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("expected %d keys, got %d", len(want), len(got))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Errorf("key %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("KeysAfter", func(t *testing.T) {
		page, err := e.Keys([]byte("page/10"), 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 3 || string(page[0]) != "page/11" || string(page[2]) != "page/13" {
			t.Fatalf("unexpected page: %q", page)
		}

		page, err = e.Keys([]byte("page/0"), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 1 || string(page[0]) != "page/00" {
			t.Fatalf("expected page/00 after a non-existent key, got %q", page)
		}
	})

	t.Run("KeyStreamEarlyStop", func(t *testing.T) {
		n := 0
		for _, err := range engine.KeyStream(e, 2) {
			if err != nil {
				t.Fatal(err)
			}
			n++
			if n == 3 {
				break
			}
		}
		if n != 3 {
			t.Fatalf("expected to stop after 3 keys, got %d", n)
		}
	})
}
