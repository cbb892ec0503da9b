// Package spt is the per-process supplemental page table: metadata for
// every user virtual page a process has a claim on, whether resident or
// evicted. Grounded directly on Pintos's vm/page.c/page.h (struct spte,
// suppl_page_table_create/insert/find/set_page_status, and spt_clear_func's
// four-way destroy walk), translated from a hash table keyed by upage to a
// Go map of the same shape.
package spt

import (
	"sync"

	"vmkern/mem"
)

// State is the residency state of an SPTE, mirroring Pintos's pg_status.
type State int

const (
	// Resident means the page is backed by a live frame.
	Resident State = iota
	// Evicted means the page's last-known contents live in a swap slot
	// or can be reconstructed from a backing file.
	Evicted
)

func (s State) String() string {
	switch s {
	case Resident:
		return "resident"
	case Evicted:
		return "evicted"
	default:
		return "state?"
	}
}

// Source describes where an evicted (or not-yet-loaded) page's contents
// come from: either a swap slot, or a file region to lazily load/mmap from.
type Source struct {
	HasSwapSlot bool
	SwapSlot    int

	File          mem.Pa_t // nonzero marks a file binding, whose fsfile.File_i is found through the owning process's mapping table; 0 means no file binding
	FileOff       int64
	ReadBytes     int
	ZeroBytes     int
	Mapped        bool // true if this page belongs to an mmap() region rather than a lazily-loaded segment
}

// Entry is one supplemental page-table entry.
type Entry struct {
	Upage    uintptr
	Kpage    mem.Pa_t // valid iff State == Resident
	State    State
	Writable bool
	Source   Source
}

// Table is one process's supplemental page table: a map keyed by upage,
// guarded by its own mutex. As with frame.Table, multi-step sequences
// (find-then-transition) rely on the caller already holding the
// process-wide paging lock; Table's mutex only protects single-entry
// access to the map itself.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]*Entry
}

// New returns an empty supplemental page table, mirroring
// suppl_page_table_create.
func New() *Table {
	return &Table{entries: make(map[uintptr]*Entry)}
}

// Insert adds e, keyed by e.Upage. Reports false if upage was already
// present, mirroring hash_insert's "already present" return.
func (t *Table) Insert(e *Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.Upage]; exists {
		return false
	}
	t.entries[e.Upage] = e
	return true
}

// Find looks up the SPTE for upage.
func (t *Table) Find(upage uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[upage]
	return e, ok
}

// SetState transitions the SPTE for upage to state, mirroring
// suppl_page_table_set_page_status. A no-op if upage is not present.
func (t *Table) SetState(upage uintptr, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[upage]; ok {
		e.State = state
	}
}

// Delete removes the SPTE for upage without running any release
// side-effects; callers that need the frame/swap-slot release semantics of
// a single page's teardown (munmap) release those resources themselves
// after deleting the entry.
func (t *Table) Delete(upage uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, upage)
}

// Releaser performs the release side-effects spt_clear_func applies to one
// entry before it is dropped: write back a dirty mapped-writable page, free
// its frame if resident, free its swap slot if evicted-to-swap. vmsys
// supplies the concrete implementation; spt does not import frame, pagedir,
// or swap to avoid a dependency cycle (they sit below spt in the dependency
// order, and the hardware dirty bit WriteBack consults lives in the
// per-process pagedir.Dir that only vmsys/process can reach).
type Releaser interface {
	WriteBack(kpage mem.Pa_t, upage uintptr)
	ReleaseFrame(kpage mem.Pa_t)
	ReleaseSwapSlot(slot int)
}

// Destroy tears down every entry in the table, releasing its frame or swap
// slot as appropriate — the Go equivalent of hash_destroy(spt,
// spt_clear_func): walk every entry, and for each one release whichever
// resource it currently owns (a resident entry's frame, or an
// evicted-to-swap entry's slot; an evicted-to-file entry with no swap slot
// owns nothing extra to release). A resident, mapped, writable entry is
// offered to WriteBack first, which is responsible for checking the
// hardware dirty bit and skipping clean pages.
func (t *Table) Destroy(r Releaser) {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[uintptr]*Entry)
	t.mu.Unlock()

	for _, e := range entries {
		switch e.State {
		case Resident:
			if e.Source.Mapped && e.Writable {
				r.WriteBack(e.Kpage, e.Upage)
			}
			r.ReleaseFrame(e.Kpage)
		case Evicted:
			if e.Source.HasSwapSlot {
				r.ReleaseSwapSlot(e.Source.SwapSlot)
			}
		}
	}
}

// Range calls f for every entry currently in the table. f must not mutate
// the table; callers needing a stable invariant check (e.g. upage
// uniqueness, resident-entry/FTE cross-checks) should hold the paging lock
// across both the Range call and whatever cross-table comparison it drives.
func (t *Table) Range(f func(*Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		f(e)
	}
}
