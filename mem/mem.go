// Package mem manages the pool of physical frames the frame table hands
// out, the way biscuit's mem package manages Physmem_t. Since this module is
// hosted rather than freestanding, "physical" memory here is simply a fixed
// arena of page-sized byte slices: the identity that matters is the frame's
// Pa_t, not any real physical address.
package mem

import (
	"sync"

	"github.com/pkg/errors"
)

// Pa_t identifies a physical frame. It is opaque outside this package:
// callers look frames up by this value rather than holding a pointer into
// the arena directly, mirroring biscuit's own Pa_t (a uintptr the rest of
// the kernel treats as an opaque key, never dereferences itself).
type Pa_t uintptr

// Page is one page-sized buffer of physical memory.
type Page []byte

// Page_i abstracts physical page allocation, the get_page/free_page
// contract the rest of the module allocates frames through.
type Page_i interface {
	Alloc(zero bool) (Pa_t, Page, bool)
	Free(Pa_t)
	Refup(Pa_t)
	Refdown(Pa_t) bool
	Deref(Pa_t) (Page, bool)
}

type slot struct {
	refcnt int32
	inuse  bool
	nexti  uint32 // next free slot, or sentinel below
}

const freeEnd = ^uint32(0)

// Pool is a refcounted free-list allocator over a fixed number of
// page-sized frames, grounded on biscuit's Physmem_t (_phys_new/_phys_put
// free-list linkage via Pgs[i].nexti). The per-CPU fast-path free lists
// Physmem_t layers on top are dropped: this design targets a single CPU,
// so there is only ever one contending goroutine's worth of allocation
// pressure to amortize, and a single free list already serves that under
// the paging lock.
type Pool struct {
	mu      sync.Mutex
	pages   []Page
	slots   []slot
	freei   uint32
	freelen int
	pageSz  int
}

// NewPool allocates n page-sized frames of size pageSize and returns a pool
// with all of them free, mirroring Phys_init's free-list construction.
func NewPool(n, pageSize int) *Pool {
	p := &Pool{
		pages:  make([]Page, n),
		slots:  make([]slot, n),
		pageSz: pageSize,
		freei:  0,
	}
	for i := range p.pages {
		p.pages[i] = make(Page, pageSize)
	}
	for i := 0; i < n; i++ {
		if i == n-1 {
			p.slots[i].nexti = freeEnd
		} else {
			p.slots[i].nexti = uint32(i + 1)
		}
	}
	p.freelen = n
	return p
}

// Alloc removes a frame from the free list, zeroing it first unless zero is
// false, and returns its identity and backing buffer. It returns ok=false
// when the pool is exhausted rather than blocking or evicting itself: the
// frame table is the layer that knows how to evict.
func (p *Pool) Alloc(zero bool) (Pa_t, Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == freeEnd {
		return 0, nil, false
	}
	idx := p.freei
	p.freei = p.slots[idx].nexti
	p.freelen--
	p.slots[idx].inuse = true
	p.slots[idx].refcnt = 1
	pg := p.pages[idx]
	if zero {
		for i := range pg {
			pg[i] = 0
		}
	}
	return Pa_t(idx + 1), pg, true
}

// Free returns a frame to the free list unconditionally. Callers that want
// refcounted release should use Refdown instead; Free is for the frame
// table's own bookkeeping once it has decided a frame has no more owners.
func (p *Pool) Free(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free(pa)
}

func (p *Pool) free(pa Pa_t) {
	idx := p.index(pa)
	if !p.slots[idx].inuse {
		return
	}
	p.slots[idx].inuse = false
	p.slots[idx].refcnt = 0
	p.slots[idx].nexti = p.freei
	p.freei = idx
	p.freelen++
}

// Refup increments a frame's reference count, mirroring Physmem_t.Refup.
func (p *Pool) Refup(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.index(pa)
	if !p.slots[idx].inuse {
		panic(errors.Errorf("mem: refup on free frame %d", pa))
	}
	p.slots[idx].refcnt++
}

// Refdown decrements a frame's reference count and frees it once it reaches
// zero, returning true when that happened — mirroring Physmem_t.Refdown.
func (p *Pool) Refdown(pa Pa_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.index(pa)
	if !p.slots[idx].inuse {
		return false
	}
	p.slots[idx].refcnt--
	if p.slots[idx].refcnt < 0 {
		panic(errors.Errorf("mem: negative refcount on frame %d", pa))
	}
	if p.slots[idx].refcnt == 0 {
		p.free(pa)
		return true
	}
	return false
}

// Deref returns the backing buffer for pa, or ok=false if pa is not
// currently allocated.
func (p *Pool) Deref(pa Pa_t) (Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.index(pa)
	if int(idx) >= len(p.pages) || !p.slots[idx].inuse {
		return nil, false
	}
	return p.pages[idx], true
}

// Freecount reports the current number of unallocated frames, used by
// tests to verify no frames leaked across a process lifecycle.
func (p *Pool) Freecount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}

// Cap reports the total number of frames the pool manages.
func (p *Pool) Cap() int {
	return len(p.pages)
}

func (p *Pool) index(pa Pa_t) uint32 {
	if pa == 0 {
		panic("mem: nil frame address")
	}
	return uint32(pa - 1)
}
