// Package frame is the frame table: the kernel-physical frame registry,
// victim selection, and allocation path every process's fault handler goes
// through. Grounded on Pintos's vm/frame.c (frame_table_insert/find/del
// keyed by kernel page address) generalized from a raw hash table to the
// full alloc/evict/retry contract this module needs, and on fs.BlkList_t's
// (container/list wrapping) for the FIFO victim sequence.
package frame

import (
	"container/list"
	"sync"

	"vmkern/klog"
	"vmkern/mem"
)

// Owner identifies the process an FTE's frame is assigned to. Frame stores
// it opaquely: it never acts on an owner itself, only records which one an
// entry belongs to, so that the evictor (vmsys, which knows the concrete
// process type) can recover it from a victim Entry. This avoids frame
// importing process, which sits above it in the dependency order.
type Owner = any

// Entry is a frame-table entry: exists iff the frame is assigned.
type Entry struct {
	Kpage    mem.Pa_t
	Upage    uintptr
	Owner    Owner
	Writable bool

	elem *list.Element // position in the FIFO victim list
}

// Evictor hands a victim frame to the swap manager, which writes it out and
// is expected to call Table.Free once the frame is safe to reuse. Table
// does not import swap to avoid a cycle; vmsys wires the two together.
type Evictor interface {
	Evict(e *Entry) error
}

// Table is the frame table: an associative map keyed by kpage plus an
// insertion-ordered list for FIFO victim selection, kept consistent under
// a caller-supplied lock (the paging lock lives in package process/vmsys;
// Table itself is not safe for concurrent use without it — callers must
// already be serialized the way the reference design's single paging lock
// serializes alloc/free/find).
type Table struct {
	pool    *mem.Pool
	evictor Evictor
	log     *klog.Logger

	byKpage map[mem.Pa_t]*Entry
	fifo    *list.List
	mu      sync.Mutex
}

// New constructs an empty frame table backed by pool, evicting through ev
// when the pool is exhausted.
func New(pool *mem.Pool, ev Evictor, log *klog.Logger) *Table {
	if log == nil {
		log = klog.Default
	}
	return &Table{
		pool:    pool,
		evictor: ev,
		log:     log,
		byKpage: make(map[mem.Pa_t]*Entry),
		fifo:    list.New(),
	}
}

// Alloc obtains a frame for upage, owned by owner with the given
// writability, installing it into the table. On pool exhaustion it evicts
// the FIFO victim and retries exactly once; a second failure is fatal,
// matching the "out of both memory and swap" invariant.
func (t *Table) Alloc(upage uintptr, owner Owner, writable bool) (mem.Pa_t, mem.Page, error) {
	t.mu.Lock()
	pa, pg, ok := t.pool.Alloc(true)
	if !ok {
		victim := t.frontLocked()
		if victim == nil {
			t.mu.Unlock()
			t.log.Fatalf("frame: pool exhausted with no victim to evict")
		}
		// Evict calls back into Free, which takes t.mu itself: drop the
		// lock across the callback rather than deadlock on a
		// non-reentrant mutex.
		t.mu.Unlock()
		if err := t.evictor.Evict(victim); err != nil {
			t.log.Fatalf("frame: eviction failed: %v", err)
		}
		t.mu.Lock()
		pa, pg, ok = t.pool.Alloc(true)
		if !ok {
			t.mu.Unlock()
			t.log.Fatalf("frame: out of memory after eviction")
		}
	}
	defer t.mu.Unlock()

	if _, exists := t.byKpage[pa]; exists {
		t.log.Fatalf("frame: install conflict: frame %d already has an entry", pa)
	}

	e := &Entry{Kpage: pa, Upage: upage, Owner: owner, Writable: writable}
	e.elem = t.fifo.PushBack(e)
	t.byKpage[pa] = e
	return pa, pg, nil
}

// Free releases kpage back to the pool and removes its entry. Freeing an
// unknown frame is logged and a no-op, matching the reference policy.
func (t *Table) Free(kpage mem.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKpage[kpage]
	if !ok {
		t.log.Printf("frame: free of unknown frame %d ignored", kpage)
		return
	}
	t.fifo.Remove(e.elem)
	delete(t.byKpage, kpage)
	t.pool.Free(kpage)
}

// Find looks up the FTE for kpage.
func (t *Table) Find(kpage mem.Pa_t) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKpage[kpage]
	return e, ok
}

// frontLocked returns the oldest-inserted entry (FIFO victim) without
// removing it; caller must hold t.mu. Returns nil when the table is empty.
func (t *Table) frontLocked() *Entry {
	front := t.fifo.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Entry)
}

// Count reports how many frames are currently assigned, for invariant
// checks (frame-count conservation across process lifecycles).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKpage)
}
