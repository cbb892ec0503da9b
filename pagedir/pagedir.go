// Package pagedir simulates the hardware page directory the frame table and
// fault handler install and query: present/writable/accessed/dirty bits
// keyed by virtual page number. Grounded on biscuit's PTE_* bit layout
// (mem/mem.go) and the Pmap_t walk/install shape in vm/as.go, collapsed
// from a multi-level x86 page table into a flat map since nothing here
// needs to hand a real CPU a page-table-base register.
package pagedir

import "sync"

// Pte is one page-table-entry's worth of bits: a physical frame number plus
// protection/status flags, mirroring biscuit's Pa_t-typed PTE words.
type Pte uintptr

const (
	PTE_P Pte = 1 << 0 /// present
	PTE_W Pte = 1 << 1 /// writable
	PTE_U Pte = 1 << 2 /// user-accessible
	PTE_A Pte = 1 << 3 /// accessed (set by a simulated access)
	PTE_D Pte = 1 << 4 /// dirty (set by a simulated write)
)

// Vpn is a virtual page number: a virtual address with the page offset
// bits already shifted out.
type Vpn uintptr

// Dir is one process's page directory: a flat table from virtual page
// number to PTE, guarded by its own mutex the way Vm_t guards Pmap/P_pmap.
// Callers performing multi-step sequences (check-then-install) still take
// the caller-supplied paging lock around the whole sequence; Dir's own
// mutex only protects the map itself from concurrent single-entry access.
type Dir struct {
	mu      sync.Mutex
	entries map[Vpn]Pte
}

// New returns an empty page directory.
func New() *Dir {
	return &Dir{entries: make(map[Vpn]Pte)}
}

// Install maps vpn to frame with the given flags (PTE_P is set
// automatically). If vpn was already mapped, Install overwrites it and
// reports the prior PTE so callers can detect programming-error
// double-installs the way pmap_walk's caller does at vm/as.go:530.
func (d *Dir) Install(vpn Vpn, frame uintptr, flags Pte) (old Pte, hadOld bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, hadOld = d.entries[vpn]
	d.entries[vpn] = Pte(frame<<12) | flags | PTE_P
	return old, hadOld
}

// Lookup returns the PTE for vpn, if mapped.
func (d *Dir) Lookup(vpn Vpn) (Pte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pte, ok := d.entries[vpn]
	return pte, ok
}

// Clear removes vpn's mapping entirely, used on swap-out (the page is no
// longer resident) and on process exit.
func (d *Dir) Clear(vpn Vpn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, vpn)
}

// Frame extracts the physical frame number from a PTE.
func (pte Pte) Frame() uintptr {
	return uintptr(pte) >> 12
}

// MarkAccessed sets the accessed bit on vpn's PTE, simulating what a real
// MMU does on every load/store through the mapping. Tests call this
// explicitly since there is no real CPU walking this table.
func (d *Dir) MarkAccessed(vpn Vpn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.entries[vpn]; ok {
		d.entries[vpn] = pte | PTE_A
	}
}

// MarkDirty sets the dirty bit on vpn's PTE, simulating a write through the
// mapping.
func (d *Dir) MarkDirty(vpn Vpn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.entries[vpn]; ok {
		d.entries[vpn] = pte | PTE_D | PTE_A
	}
}

// ClearAccessed clears the accessed bit, the aging step of a clock or
// second-chance policy. The frame table's FIFO policy does not call it.
func (d *Dir) ClearAccessed(vpn Vpn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.entries[vpn]; ok {
		d.entries[vpn] = pte &^ PTE_A
	}
}

// ClearDirty clears the dirty bit. Eviction does not call it: it removes
// the whole mapping with Clear instead.
func (d *Dir) ClearDirty(vpn Vpn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pte, ok := d.entries[vpn]; ok {
		d.entries[vpn] = pte &^ PTE_D
	}
}

// Mapped reports whether vpn currently has a resident mapping.
func (d *Dir) Mapped(vpn Vpn) bool {
	_, ok := d.Lookup(vpn)
	return ok
}
