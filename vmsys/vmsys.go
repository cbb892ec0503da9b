// Package vmsys wires the frame table, swap manager, sector buffer cache,
// the shared paging lock, and the metrics collector into one process-wide
// singleton, and exposes the mmap/munmap/fault syscall-level entry points.
// Grounded directly on the "Global state" design note's VmSystem name,
// realized with the package-level-singleton idiom mem.go uses for
// `var Physmem = &Physmem_t{}`.
package vmsys

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"vmkern/cache"
	"vmkern/disk"
	"vmkern/fault"
	"vmkern/frame"
	"vmkern/fsfile"
	"vmkern/klog"
	"vmkern/limits"
	"vmkern/mem"
	"vmkern/metrics"
	"vmkern/pagedir"
	"vmkern/process"
	"vmkern/spt"
	"vmkern/swap"
	"vmkern/util"
)

// VmSystem is the process-wide singleton tying every paging and
// buffer-cache subsystem together. Construct exactly one per running
// system with New; it must outlive every process.Handle it creates.
type VmSystem struct {
	// pagingLock is the single coarse lock guarding the frame table,
	// every process's SPT, and the swap bitmap. It is the innermost
	// lock in the system: code holding it must never block waiting on
	// the file-system lock fsDisk's caller (cmd/vmsim, tests) might
	// itself be holding.
	pagingLock sync.Mutex

	cfg    limits.Config
	pool   *mem.Pool
	frames *frame.Table
	swapM  *swap.Manager
	cache  *cache.Cache
	log    *klog.Logger
	met    *metrics.Collector

	procsMu sync.Mutex
	procs   map[int]*process.Handle
	nextPid int
}

// New constructs a VmSystem: a frame pool of cfg.FramePages frames, a swap
// manager over swapDisk, and a sector buffer cache over fsDisk.
func New(cfg limits.Config, swapDisk, fsDisk disk.Disk, log *klog.Logger) *VmSystem {
	if log == nil {
		log = klog.Default
	}
	vs := &VmSystem{
		cfg:   cfg,
		pool:  mem.NewPool(cfg.FramePages, cfg.PageSize),
		swapM: swap.New(swapDisk, cfg),
		cache: cache.New(fsDisk),
		log:   log,
		procs: make(map[int]*process.Handle),
	}
	vs.frames = frame.New(vs.pool, vs, log)
	vs.met = metrics.NewCollector(metrics.Gauges{
		ResidentPages: vs.countResident,
		EvictedPages:  vs.countEvicted,
		SwapOccupied:  func() float64 { return float64(vs.swapM.Occupied()) },
	})
	return vs
}

// Metrics returns the prometheus.Collector exposing this system's counters.
func (vs *VmSystem) Metrics() *metrics.Collector { return vs.met }

// NewProcess registers and returns a fresh process.Handle with the given
// pid and initial stack top.
func (vs *VmSystem) NewProcess(pid int, stackTop uintptr) *process.Handle {
	h := process.New(pid, stackTop, vs.cfg.MaxStackBytes, vs.cfg.StackFaultSlack)
	vs.procsMu.Lock()
	vs.procs[pid] = h
	vs.procsMu.Unlock()
	return h
}

// ExitProcess tears down h's address space: every resident page's frame is
// freed, every evicted-to-swap page's slot is released, matching
// suppl_page_table_del's destroy-on-exit semantics.
func (vs *VmSystem) ExitProcess(h *process.Handle) {
	vs.pagingLock.Lock()
	defer vs.pagingLock.Unlock()

	h.SPT.Destroy(releaser{vs, h})

	vs.procsMu.Lock()
	delete(vs.procs, h.Pid)
	vs.procsMu.Unlock()
}

// releaser adapts VmSystem to spt.Releaser without exporting the paging
// lock's internals. It is scoped to a single process since WriteBack needs
// that process's pagedir.Dir to check the hardware dirty bit and its
// mapping table to find the backing file.
type releaser struct {
	vs *VmSystem
	h  *process.Handle
}

// WriteBack implements spt.Releaser: spt.Table.Destroy only calls this for
// entries that are resident, mapped, and writable; this checks the
// hardware dirty bit and, if set, writes the frame's contents back to the
// mapping's file before exit discards it.
func (r releaser) WriteBack(kpage mem.Pa_t, upage uintptr) {
	vpn := pagedir.Vpn(upage >> 12)
	dirty := false
	if pte, ok := r.h.Dir.Lookup(vpn); ok {
		dirty = pte&pagedir.PTE_D != 0
	}
	if !dirty {
		return
	}
	f, off, ok := r.h.FileForUpage(upage, uintptr(r.vs.cfg.PageSize))
	if !ok {
		r.vs.log.Printf("vmsys: exit write-back: upage %#x has no backing file", upage)
		return
	}
	if err := r.vs.writeBackPage(f, kpage, off); err != nil {
		r.vs.log.Printf("vmsys: exit write-back upage %#x: %v", upage, err)
	}
}

func (r releaser) ReleaseFrame(kpage mem.Pa_t) {
	r.vs.frames.Free(kpage)
}

func (r releaser) ReleaseSwapSlot(slot int) {
	r.vs.swapM.Free(slot)
}

// countResident and countEvicted sum SPT state across all live processes,
// sampled for the gauge metrics. They take the paging lock since they walk
// every process's SPT.
func (vs *VmSystem) countResident() float64 { return float64(vs.countState(spt.Resident)) }
func (vs *VmSystem) countEvicted() float64  { return float64(vs.countState(spt.Evicted)) }

func (vs *VmSystem) countState(want spt.State) int {
	vs.pagingLock.Lock()
	defer vs.pagingLock.Unlock()
	vs.procsMu.Lock()
	procs := make([]*process.Handle, 0, len(vs.procs))
	for _, p := range vs.procs {
		procs = append(procs, p)
	}
	vs.procsMu.Unlock()

	n := 0
	for _, p := range procs {
		p.SPT.Range(func(e *spt.Entry) {
			if e.State == want {
				n++
			}
		})
	}
	return n
}

// Evict implements frame.Evictor: write the victim's contents back to its
// backing store (file, if it's a dirty mapped page; nowhere, if it's a
// clean mapped page or a read-only file-backed page; swap, otherwise) and
// mark the owning SPTE evicted. frame.Table.Alloc calls this only from
// within AllocZero/SwapIn, reached through Fault, which already holds
// pagingLock for the whole alloc-evict-retry sequence, so Evict must not
// (and does not) acquire it again — a second acquisition on the same
// goroutine would deadlock a non-reentrant mutex.
func (vs *VmSystem) Evict(e *frame.Entry) error {
	owner, ok := e.Owner.(*process.Handle)
	if !ok {
		return errors.New("vmsys: frame entry has no owning process handle")
	}

	pg, ok := vs.pool.Deref(e.Kpage)
	if !ok {
		return errors.Errorf("vmsys: evict: frame %d has no backing page", e.Kpage)
	}

	spte, found := owner.SPT.Find(e.Upage)
	if !found {
		return errors.Errorf("vmsys: evict: no SPTE for upage %#x", e.Upage)
	}

	isDirty := false
	if pte, ok := owner.Dir.Lookup(pagedir.Vpn(e.Upage >> 12)); ok {
		isDirty = pte&pagedir.PTE_D != 0
	}

	switch {
	case spte.Source.Mapped:
		// Mapped file-backed page: write back to file only if dirty,
		// never to swap, per the write-back-on-evict policy.
		if isDirty {
			f, off, ok := owner.FileForUpage(e.Upage, uintptr(vs.cfg.PageSize))
			if !ok {
				return errors.Errorf("vmsys: evict: mapped page %#x has no backing file", e.Upage)
			}
			if err := vs.writeBackPage(f, e.Kpage, off); err != nil {
				return err
			}
		}
	case !spte.Writable && spte.Source.File != 0:
		// Read-only, not mmap'd, backed by a file it can never have
		// dirtied: its contents are always reconstructible by reloading
		// from the file, so the frame is simply discarded and no swap
		// slot is consumed.
	default:
		slot, err := vs.swapM.Out(pg)
		if err != nil {
			return errors.Wrap(err, "vmsys: evict: swap out")
		}
		vs.met.IncSwapOut()
		spte.Source.HasSwapSlot = true
		spte.Source.SwapSlot = slot
	}

	owner.Dir.Clear(pagedir.Vpn(e.Upage >> 12))
	owner.MarkEvicted(e.Upage)
	vs.met.IncFrameEvict()

	vs.frames.Free(e.Kpage)
	return nil
}

// AllocZero implements fault.Resolver's stack-growth path: allocate a
// fresh zeroed writable frame for upage and install it.
func (vs *VmSystem) AllocZero(h fault.Handle, upage uintptr, writable bool) error {
	ph := h.(*process.Handle)
	return vs.installFreshPage(ph, upage, writable, nil)
}

// SwapIn implements fault.Resolver: acquire a frame, refill it from the
// entry's recorded source, and mark the SPTE resident in place.
func (vs *VmSystem) SwapIn(h fault.Handle, upage uintptr, e *spt.Entry) error {
	ph := h.(*process.Handle)

	kpage, pg, err := vs.frames.Alloc(upage, ph, e.Writable)
	if err != nil {
		return err
	}

	if e.Source.HasSwapSlot {
		if err := vs.swapM.In(e.Source.SwapSlot, pg); err != nil {
			return errors.Wrap(err, "vmsys: swap in")
		}
		vs.met.IncSwapIn()
		e.Source.HasSwapSlot = false
	} else if e.Source.File != 0 {
		// First touch of a lazily-loaded or mmap'd page: read its
		// ReadBytes from the backing file at FileOff, zero-fill the
		// remainder of the frame.
		f, _, ok := ph.FileForUpage(upage, uintptr(vs.cfg.PageSize))
		if !ok {
			return errors.Errorf("vmsys: swap in: upage %#x has no backing file", upage)
		}
		if err := f.Seek(e.Source.FileOff); err != nil {
			return errors.Wrap(err, "vmsys: swap in: seek")
		}
		if _, err := io.ReadFull(f, pg[:e.Source.ReadBytes]); err != nil {
			return errors.Wrap(err, "vmsys: swap in: read")
		}
		for i := e.Source.ReadBytes; i < len(pg); i++ {
			pg[i] = 0
		}
	}

	flags := pagedir.PTE_U | pagedir.PTE_P
	if e.Writable {
		flags |= pagedir.PTE_W
	}
	vpn := pagedir.Vpn(upage >> 12)
	if _, hadOld := ph.Dir.Lookup(vpn); hadOld {
		vs.log.Fatalf("vmsys: swap-in install conflict at upage %#x", upage)
	}
	ph.Dir.Install(vpn, uintptr(kpage), flags)

	e.Kpage = kpage
	e.State = spt.Resident
	ph.NoteResident()
	vs.met.IncFrameAlloc()
	return nil
}

// installFreshPage is the shared alloc+zero+install sequence used by both
// stack growth and lazy first-touch of a not-yet-loaded SPTE.
func (vs *VmSystem) installFreshPage(ph *process.Handle, upage uintptr, writable bool, e *spt.Entry) error {
	kpage, _, err := vs.frames.Alloc(upage, ph, writable)
	if err != nil {
		return err
	}

	flags := pagedir.PTE_U | pagedir.PTE_P
	if writable {
		flags |= pagedir.PTE_W
	}
	vpn := pagedir.Vpn(upage >> 12)
	if _, hadOld := ph.Dir.Lookup(vpn); hadOld {
		vs.log.Fatalf("vmsys: install conflict at upage %#x", upage)
	}
	ph.Dir.Install(vpn, uintptr(kpage), flags)

	if e == nil {
		e = &spt.Entry{Upage: upage, Writable: writable}
		ph.SPT.Insert(e)
	}
	e.Kpage = kpage
	e.State = spt.Resident
	ph.NoteResident()
	vs.met.IncFrameAlloc()
	return nil
}

// Fault is the page-fault entry point: acquire the paging lock, run the
// fault policy, release it. Returns defs.ExitKill-worthy error (non-nil)
// when the process must be terminated.
func (vs *VmSystem) Fault(h *process.Handle, addr uintptr, isWrite, kernelAddr bool) error {
	pageAligned := util.Rounddown(addr, uintptr(vs.cfg.PageSize))

	vs.pagingLock.Lock()
	defer vs.pagingLock.Unlock()
	h.NoteFault()
	return fault.Fault(h, vs, pageAligned, isWrite, kernelAddr)
}

// Mmap maps numPages pages of f starting at file offset 0 into h's address
// space at upage, failing per the reference policy on null/misaligned
// addr, a zero-length file, or a collision with an existing mapping.
// writable records the file's open mode: false installs every SPTE in the
// mapping read-only, so a write fault against it is rejected by
// fault.Fault and Evict discards the frame on eviction instead of ever
// writing it back.
func (vs *VmSystem) Mmap(h *process.Handle, upage uintptr, f fsfile.File_i, writable bool) (int, error) {
	if upage == 0 || upage%uintptr(vs.cfg.PageSize) != 0 {
		return -1, errors.New("vmsys: mmap: addr is null or not page-aligned")
	}
	length, err := f.Length()
	if err != nil {
		return -1, errors.Wrap(err, "vmsys: mmap: length")
	}
	if length == 0 {
		return -1, errors.New("vmsys: mmap: zero-length file")
	}

	numPages := int(util.CeilDiv(length, int64(vs.cfg.PageSize)))

	vs.pagingLock.Lock()
	collide := h.Overlaps(upage, numPages, uintptr(vs.cfg.PageSize))
	vs.pagingLock.Unlock()
	if collide {
		return -1, errors.New("vmsys: mmap: address range collides with an existing mapping")
	}

	for i := 0; i < numPages; i++ {
		off := int64(i) * int64(vs.cfg.PageSize)
		readBytes := int64(vs.cfg.PageSize)
		if off+readBytes > length {
			readBytes = length - off
		}
		e := &spt.Entry{
			Upage:    upage + uintptr(i)*uintptr(vs.cfg.PageSize),
			Writable: writable,
			State:    spt.Evicted,
			Source: spt.Source{
				File:      1, // nonzero sentinel: the real file handle lives in the mapping record
				FileOff:   off,
				ReadBytes: int(readBytes),
				ZeroBytes: vs.cfg.PageSize - int(readBytes),
				Mapped:    true,
			},
		}
		vs.pagingLock.Lock()
		h.SPT.Insert(e)
		vs.pagingLock.Unlock()
	}

	return h.AddMapping(upage, numPages, f), nil
}

// Munmap flushes dirty mapped pages back to f, releases their frames and
// SPTEs, and removes the mapping record. Unknown mapids are silently
// ignored.
func (vs *VmSystem) Munmap(h *process.Handle, mapid int) error {
	m, ok := h.Mapping(mapid)
	if !ok {
		return nil
	}

	pageSize := uintptr(vs.cfg.PageSize)
	for i := 0; i < m.NumPages; i++ {
		upage := m.Upage + uintptr(i)*pageSize

		vs.pagingLock.Lock()
		e, found := h.SPT.Find(upage)
		if !found {
			vs.pagingLock.Unlock()
			continue
		}
		resident := e.State == spt.Resident
		kpage := e.Kpage
		off := e.Source.FileOff
		vpn := pagedir.Vpn(upage >> 12)
		dirty := false
		if pte, ok := h.Dir.Lookup(vpn); ok {
			dirty = pte&pagedir.PTE_D != 0
		}
		h.SPT.Delete(upage)
		h.Dir.Clear(vpn)
		vs.pagingLock.Unlock()

		if resident {
			if dirty {
				if err := vs.writeBackPage(m.File, kpage, off); err != nil {
					return err
				}
			}
			vs.frames.Free(kpage)
		} else if e.Source.HasSwapSlot {
			vs.swapM.Free(e.Source.SwapSlot)
		}
	}

	h.RemoveMapping(mapid)
	return nil
}

func (vs *VmSystem) writeBackPage(f fsfile.File_i, kpage mem.Pa_t, off int64) error {
	pg, ok := vs.pool.Deref(kpage)
	if !ok {
		return errors.Errorf("vmsys: write-back: frame %d has no backing page", kpage)
	}
	if err := f.Seek(off); err != nil {
		return errors.Wrap(err, "vmsys: write-back: seek")
	}
	if _, err := f.Write(pg); err != nil {
		return errors.Wrap(err, "vmsys: write-back: write")
	}
	return nil
}

// CopyOut simulates a user-mode store of a single byte at upage+off: fault
// the page in for write if needed, then write through the frame and mark
// the hardware dirty bit, the way a real CPU's store would. Named after
// circbuf.Copyout/Copyin; this module has no MMU of its own, so callers
// that aren't a real executing program (the scenario runner, tests) use
// this in place of one.
func (vs *VmSystem) CopyOut(h *process.Handle, upage uintptr, off int, b byte) error {
	if err := vs.Fault(h, upage, true, false); err != nil {
		return err
	}
	vs.pagingLock.Lock()
	e, found := h.SPT.Find(upage)
	vs.pagingLock.Unlock()
	if !found || e.State != spt.Resident {
		return errors.Errorf("vmsys: copyout: upage %#x not resident after fault", upage)
	}
	pg, ok := vs.pool.Deref(e.Kpage)
	if !ok {
		return errors.Errorf("vmsys: copyout: frame %d missing", e.Kpage)
	}
	pg[off] = b
	h.Dir.MarkDirty(pagedir.Vpn(upage >> 12))
	h.Dir.MarkAccessed(pagedir.Vpn(upage >> 12))
	return nil
}

// CopyIn simulates a user-mode load of a single byte at upage+off,
// faulting the page in for read if needed.
func (vs *VmSystem) CopyIn(h *process.Handle, upage uintptr, off int) (byte, error) {
	if err := vs.Fault(h, upage, false, false); err != nil {
		return 0, err
	}
	vs.pagingLock.Lock()
	e, found := h.SPT.Find(upage)
	vs.pagingLock.Unlock()
	if !found || e.State != spt.Resident {
		return 0, errors.Errorf("vmsys: copyin: upage %#x not resident after fault", upage)
	}
	pg, ok := vs.pool.Deref(e.Kpage)
	if !ok {
		return 0, errors.Errorf("vmsys: copyin: frame %d missing", e.Kpage)
	}
	h.Dir.MarkAccessed(pagedir.Vpn(upage >> 12))
	return pg[off], nil
}

// CacheRead and CacheWrite expose the independent sector buffer cache to
// the file-system layer (an external collaborator per the design), and to
// tests exercising the cache's own testable properties directly.
func (vs *VmSystem) CacheRead(sector int, out []byte) error {
	if err := vs.cache.Read(sector, out); err != nil {
		return err
	}
	vs.met.IncCacheHit()
	return nil
}

func (vs *VmSystem) CacheWrite(sector int, in []byte) error {
	return vs.cache.Write(sector, in)
}

func (vs *VmSystem) CacheShutdown() error {
	return vs.cache.Shutdown()
}

// FramesFree reports the free-frame count, used by tests asserting no
// frames leaked across a process lifecycle.
func (vs *VmSystem) FramesFree() int {
	return vs.pool.Freecount()
}
