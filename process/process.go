// Package process is the per-process address-space handle: a supplemental
// page table, a simulated hardware page directory, the mmap table, and the
// accounting counters a fault or exit path consults. Grounded on the
// vm/as.go Vm_t (embedded mutex, Lock_pmap/Unlock_pmap/Lockassert_pmap
// pattern — here the Handle's own mutex guards only its mapping table and
// stack bounds; the shared paging lock lives in vmsys) and tinfo/tinfo.go's
// identity fields,
// trimmed to what a frame-table owner needs.
package process

import (
	"sync"
	"sync/atomic"

	"vmkern/fsfile"
	"vmkern/pagedir"
	"vmkern/spt"
)

// Mapping describes one live mmap() region: the virtual page range it
// covers and the file it is backed by.
type Mapping struct {
	ID       int
	Upage    uintptr
	NumPages int
	File     fsfile.File_i
}

// Accounting tracks per-process memory counters, repurposed from a
// CPU-time accounting struct into page-fault/resident-page bookkeeping.
type Accounting struct {
	Faults        uint64
	ResidentPages int64
}

func (a *Accounting) noteFault() {
	atomic.AddUint64(&a.Faults, 1)
}

// Handle is one process's address-space state.
type Handle struct {
	Pid int

	SPT *spt.Table
	Dir *pagedir.Dir

	Accounting Accounting

	// StackTop and StackPointer bound the heuristic stack-growth window:
	// StackTop is the page-aligned base the initial stack was installed
	// at (growth never extends below StackTop - MaxStackBytes), and
	// StackPointer is the most recently observed user stack pointer,
	// updated by the syscall entry path per the fault handler's stated
	// contract.
	StackTop     uintptr
	StackPointer uintptr

	maxStackBytes int
	stackSlack    int

	mu       sync.Mutex
	mappings map[int]*Mapping
	nextMap  int
}

// New constructs a Handle for pid with a fresh SPT and page directory, and
// the given initial stack top (the page just below the process's argument
// area, matching where the reference loader places the first stack page).
// maxStackBytes and stackSlack bound the heuristic stack-growth window the
// fault handler consults.
func New(pid int, stackTop uintptr, maxStackBytes, stackSlack int) *Handle {
	return &Handle{
		Pid:           pid,
		SPT:           spt.New(),
		Dir:           pagedir.New(),
		StackTop:      stackTop,
		StackPointer:  stackTop,
		maxStackBytes: maxStackBytes,
		stackSlack:    stackSlack,
		mappings:      make(map[int]*Mapping),
	}
}

// SPTTable implements fault.Handle.
func (h *Handle) SPTTable() *spt.Table { return h.SPT }

// StackBounds implements fault.Handle.
func (h *Handle) StackBounds() (top, pointer uintptr, maxBytes, slack int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.StackTop, h.StackPointer, h.maxStackBytes, h.stackSlack
}

// MarkEvicted transitions the SPTE for upage to
// Evicted without touching its swap/file source fields, which the evictor
// has already populated before calling back.
func (h *Handle) MarkEvicted(upage uintptr) {
	h.SPT.SetState(upage, spt.Evicted)
	atomic.AddInt64(&h.Accounting.ResidentPages, -1)
}

// NoteResident accounts a page becoming resident (alloc or swap-in).
func (h *Handle) NoteResident() {
	atomic.AddInt64(&h.Accounting.ResidentPages, 1)
}

// NoteFault accounts one page-fault handled for this process.
func (h *Handle) NoteFault() {
	h.Accounting.noteFault()
}

// AddMapping registers a new mmap region and returns its id.
func (h *Handle) AddMapping(upage uintptr, numPages int, f fsfile.File_i) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextMap++
	id := h.nextMap
	h.mappings[id] = &Mapping{ID: id, Upage: upage, NumPages: numPages, File: f}
	return id
}

// Mapping looks up a live mapping by id.
func (h *Handle) Mapping(id int) (*Mapping, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.mappings[id]
	return m, ok
}

// RemoveMapping deletes a mapping record; munmap calls this after it has
// flushed and torn down the region's pages.
func (h *Handle) RemoveMapping(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mappings, id)
}

// FileForUpage returns the backing file and file offset for upage, if
// upage falls within a live mapping. The evictor uses this to write back a
// dirty mapped page under memory pressure, independent of any later
// explicit munmap.
func (h *Handle) FileForUpage(upage uintptr, pageSize uintptr) (f fsfile.File_i, off int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.mappings {
		lo := m.Upage
		hi := m.Upage + uintptr(m.NumPages)*pageSize
		if upage >= lo && upage < hi {
			idx := (upage - lo) / pageSize
			return m.File, int64(idx) * int64(pageSize), true
		}
	}
	return nil, 0, false
}

// Overlaps reports whether [upage, upage+numPages*pageSize) collides with
// any existing mapping, SPT entry, or the reserved stack growth region, the
// check mmap performs before committing to a new region.
func (h *Handle) Overlaps(upage uintptr, numPages int, pageSize uintptr) bool {
	h.mu.Lock()
	lo, hi := upage, upage+uintptr(numPages)*pageSize

	stackLo := h.StackTop - uintptr(h.maxStackBytes)
	if lo < h.StackTop && stackLo < hi {
		h.mu.Unlock()
		return true
	}

	for _, m := range h.mappings {
		mlo, mhi := m.Upage, m.Upage+uintptr(m.NumPages)*pageSize
		if lo < mhi && mlo < hi {
			h.mu.Unlock()
			return true
		}
	}
	h.mu.Unlock()

	overlap := false
	for p := lo; p < hi; p += pageSize {
		if _, ok := h.SPT.Find(p); ok {
			overlap = true
			break
		}
	}
	return overlap
}
