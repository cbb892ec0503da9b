package frame

import (
	"testing"

	"vmkern/mem"
)

// stubEvictor frees the requested victim immediately, simulating a
// successful write-back without a real vmsys underneath.
type stubEvictor struct {
	table   *Table
	evicted []uintptr
}

func (s *stubEvictor) Evict(e *Entry) error {
	s.evicted = append(s.evicted, e.Upage)
	s.table.Free(e.Kpage)
	return nil
}

func TestAllocInstallsEntry(t *testing.T) {
	pool := mem.NewPool(2, 16)
	ev := &stubEvictor{}
	tbl := New(pool, ev, nil)
	ev.table = tbl

	owner := "proc-1"
	kpage, _, err := tbl.Alloc(0x1000, owner, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	e, ok := tbl.Find(kpage)
	if !ok {
		t.Fatal("Find did not locate the freshly allocated frame")
	}
	if e.Upage != 0x1000 || e.Owner != owner || !e.Writable {
		t.Fatalf("entry = %+v, want upage 0x1000 owner %q writable true", e, owner)
	}
	if got := tbl.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
}

func TestAllocEvictsFIFOVictimOnExhaustion(t *testing.T) {
	pool := mem.NewPool(1, 16)
	ev := &stubEvictor{}
	tbl := New(pool, ev, nil)
	ev.table = tbl

	if _, _, err := tbl.Alloc(0x1000, "a", true); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, _, err := tbl.Alloc(0x2000, "b", true); err != nil {
		t.Fatalf("second Alloc (should evict the first): %v", err)
	}

	if len(ev.evicted) != 1 || ev.evicted[0] != 0x1000 {
		t.Fatalf("evicted = %v, want [0x1000]", ev.evicted)
	}
	if got := tbl.Count(); got != 1 {
		t.Fatalf("Count() after evict-and-realloc = %d, want 1", got)
	}
	if _, ok := tbl.Find(1); !ok {
		// frame identity 1 is the only frame this 1-frame pool ever
		// hands out; after eviction it should now belong to upage 0x2000.
		t.Fatal("expected the sole frame to be re-assigned after eviction")
	}
}

func TestFreeUnknownFrameIsNoop(t *testing.T) {
	pool := mem.NewPool(1, 16)
	ev := &stubEvictor{}
	tbl := New(pool, ev, nil)
	ev.table = tbl

	tbl.Free(99) // must not panic
	if got := tbl.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}
