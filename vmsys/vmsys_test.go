package vmsys

import (
	"testing"

	"vmkern/defs"
	"vmkern/disk"
	"vmkern/fsfile"
	"vmkern/limits"
	"vmkern/process"
	"vmkern/spt"
)

// anonPage registers upage as a demand-zero anonymous page, the way a
// program loader's BSS/heap segment setup would before the process ever
// touches it — this module's own scope starts at the first fault, not at
// segment creation, so tests stand in for that external collaborator.
func anonPage(h *process.Handle, upage uintptr) {
	h.SPT.Insert(&spt.Entry{Upage: upage, State: spt.Evicted, Writable: true})
}

func testSystem(t *testing.T, framePages int) *VmSystem {
	t.Helper()
	cfg := limits.Default()
	cfg.PageSize = 4096
	cfg.SectorSize = 512
	cfg.FramePages = framePages
	cfg.SwapSlots = 64
	cfg.MaxStackBytes = 1 << 20
	cfg.StackFaultSlack = 32

	swapDisk := disk.NewMemDisk(defs.SwapDisk, cfg.SwapSlots*cfg.SectorsPerSlot(), cfg.SectorSize)
	fsDisk := disk.NewMemDisk(defs.FSDisk, 4096, cfg.SectorSize)
	return New(cfg, swapDisk, fsDisk, nil)
}

// TestMmapMunmapRoundTrip is testable property 3: after munmap returns, no
// SPTE covers the unmapped range, and a write made through the mapping is
// visible on a subsequent read of the backing file.
func TestMmapMunmapRoundTrip(t *testing.T) {
	vs := testSystem(t, 16)
	const pageSize = 4096
	data := make([]byte, 3*pageSize)
	f := fsfile.NewMemFile(data)

	h := vs.NewProcess(1, 0x8000_0000)
	const upage = 0x4000_0000
	mapid, err := vs.Mmap(h, upage, f, true)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	if _, err := vs.CopyIn(h, upage, 0); err != nil {
		t.Fatalf("CopyIn page 0: %v", err)
	}
	writeAddr := uintptr(upage + 2*pageSize)
	if err := vs.CopyOut(h, writeAddr, 0, 0x42); err != nil {
		t.Fatalf("CopyOut page 2: %v", err)
	}

	if err := vs.Munmap(h, mapid); err != nil {
		t.Fatalf("Munmap: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, ok := h.SPT.Find(uintptr(upage + i*pageSize)); ok {
			t.Fatalf("SPTE for page %d still present after Munmap", i)
		}
	}

	if err := f.Seek(2 * pageSize); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 1)
	if _, err := f.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 0x42 {
		t.Fatalf("write-back byte = %#x, want 0x42", got[0])
	}
}

// TestMmapReadOnlyRejectsWrite checks the read-only mapping case: a page
// mapped with writable=false rejects a write fault, matching the
// "read-only if... a read-only mapped file" SPTE case from the data model.
func TestMmapReadOnlyRejectsWrite(t *testing.T) {
	vs := testSystem(t, 16)
	const pageSize = 4096
	f := fsfile.NewMemFile(make([]byte, pageSize))
	h := vs.NewProcess(1, 0x8000_0000)
	const upage = 0x4000_0000

	if _, err := vs.Mmap(h, upage, f, false); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := vs.CopyOut(h, upage, 0, 0x42); err != defs.EFAULT {
		t.Fatalf("CopyOut on a read-only mapping = %v, want EFAULT", err)
	}
	if _, err := vs.CopyIn(h, upage, 0); err != nil {
		t.Fatalf("CopyIn on a read-only mapping: %v", err)
	}
}

// TestEvictDiscardsReadOnlyFilePageWithoutSwap is the "read-only, not
// mapped" eviction case: evicting such a page must not consume a swap
// slot, since its contents are always reloadable from the file.
func TestEvictDiscardsReadOnlyFilePageWithoutSwap(t *testing.T) {
	vs := testSystem(t, 1)
	h := vs.NewProcess(1, 0x8000_0000)
	const pageSize = 4096

	f := fsfile.NewMemFile([]byte{0xaa, 0xbb, 0xcc, 0xdd})
	const upage = 0x5000_0000
	// Stands in for the loader's read-only-executable-segment binding:
	// Source.Mapped stays false (this isn't an mmap() region) but
	// FileForUpage still needs a registered mapping record to resolve upage
	// to a file, the same plumbing Mmap itself uses.
	h.AddMapping(upage, 1, f)
	h.SPT.Insert(&spt.Entry{
		Upage:    upage,
		State:    spt.Evicted,
		Writable: false,
		Source:   spt.Source{File: 1, ReadBytes: 4, ZeroBytes: pageSize - 4},
	})

	if _, err := vs.CopyIn(h, upage, 0); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}

	// With only 1 frame in the pool, touching a second page forces upage
	// out as the FIFO victim.
	const other = 0x6000_0000
	anonPage(h, other)
	if err := vs.CopyOut(h, other, 0, 0x99); err != nil {
		t.Fatalf("CopyOut other: %v", err)
	}

	e, ok := h.SPT.Find(upage)
	if !ok {
		t.Fatal("SPTE for upage missing after eviction")
	}
	if e.State != spt.Evicted {
		t.Fatalf("state after eviction = %v, want Evicted", e.State)
	}
	if e.Source.HasSwapSlot {
		t.Fatal("read-only file-backed page consumed a swap slot on eviction")
	}
	if got := vs.swapM.Occupied(); got != 0 {
		t.Fatalf("swap Occupied() = %d, want 0 (discardable page must never touch swap)", got)
	}

	b, err := vs.CopyIn(h, upage, 0)
	if err != nil {
		t.Fatalf("CopyIn after eviction: %v", err)
	}
	if b != 0xaa {
		t.Fatalf("CopyIn after re-load = %#x, want 0xaa", b)
	}
}

// TestExitWritesBackDirtyMappedPageWithoutMunmap is the Destroy-time
// write-back the third destruction case requires: a resident, mapped,
// writable, dirty page must be saved to its file even if the process
// exits without ever calling Munmap.
func TestExitWritesBackDirtyMappedPageWithoutMunmap(t *testing.T) {
	vs := testSystem(t, 16)
	const pageSize = 4096
	f := fsfile.NewMemFile(make([]byte, pageSize))
	h := vs.NewProcess(1, 0x8000_0000)
	const upage = 0x4000_0000

	if _, err := vs.Mmap(h, upage, f, true); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := vs.CopyOut(h, upage, 0, 0x55); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	vs.ExitProcess(h)

	if err := f.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 1)
	if _, err := f.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 0x55 {
		t.Fatalf("file byte after exit = %#x, want 0x55 (dirty page not written back on exit)", got[0])
	}
}

func TestMmapRejectsNullAndMisalignedAddr(t *testing.T) {
	vs := testSystem(t, 16)
	f := fsfile.NewMemFile(make([]byte, 4096))
	h := vs.NewProcess(1, 0x8000_0000)

	if _, err := vs.Mmap(h, 0, f, true); err == nil {
		t.Fatal("expected mmap(addr=0) to fail")
	}
	if _, err := vs.Mmap(h, 1, f, true); err == nil {
		t.Fatal("expected mmap at a non-page-aligned address to fail")
	}
}

func TestMmapRejectsCollidingRegion(t *testing.T) {
	vs := testSystem(t, 16)
	f1 := fsfile.NewMemFile(make([]byte, 2*4096))
	f2 := fsfile.NewMemFile(make([]byte, 4096))
	h := vs.NewProcess(1, 0x8000_0000)

	if _, err := vs.Mmap(h, 0x1000_0000, f1, true); err != nil {
		t.Fatalf("first Mmap: %v", err)
	}
	if _, err := vs.Mmap(h, 0x1000_0000+4096, f2, true); err == nil {
		t.Fatal("expected overlapping mmap to fail")
	}
}

// TestStackGrowthAndWildAccess is S4: a push just below the stack pointer
// grows the stack and succeeds; an access far below it terminates with
// EFAULT.
func TestStackGrowthAndWildAccess(t *testing.T) {
	vs := testSystem(t, 16)
	const stackTop = 0x8000_0000
	h := vs.NewProcess(1, stackTop)

	if err := vs.Fault(h, stackTop-4, true, false); err != nil {
		t.Fatalf("expected stack growth to succeed: %v", err)
	}
	if err := vs.Fault(h, stackTop-8192, true, false); err != defs.EFAULT {
		t.Fatalf("Fault on wild access = %v, want EFAULT", err)
	}
}

// TestExitProcessReleasesAllFrames is testable property 1 combined with
// frame-count conservation: every resident page a process holds is freed
// on exit, leaving the pool exactly as full as before the process existed.
func TestExitProcessReleasesAllFrames(t *testing.T) {
	vs := testSystem(t, 16)
	before := vs.FramesFree()

	h := vs.NewProcess(1, 0x8000_0000)
	const pageSize = 4096
	for i := 0; i < 4; i++ {
		upage := uintptr(0x5000_0000 + i*pageSize)
		anonPage(h, upage)
		if err := vs.CopyOut(h, upage, 0, byte(i)); err != nil {
			t.Fatalf("CopyOut page %d: %v", i, err)
		}
	}
	if got := vs.FramesFree(); got != before-4 {
		t.Fatalf("FramesFree() with 4 resident pages = %d, want %d", got, before-4)
	}

	vs.ExitProcess(h)
	if got := vs.FramesFree(); got != before {
		t.Fatalf("FramesFree() after ExitProcess = %d, want %d (no leaked frames)", got, before)
	}
}

// TestEvictionForcesSwapRoundTrip drives S2-style pressure: more resident
// pages than frames forces eviction to swap, and every page's contents
// survive the round trip.
func TestEvictionForcesSwapRoundTrip(t *testing.T) {
	vs := testSystem(t, 4)
	h := vs.NewProcess(1, 0x8000_0000)
	const pageSize = 4096
	const numPages = 12

	for i := 0; i < numPages; i++ {
		upage := uintptr(0x5000_0000 + i*pageSize)
		anonPage(h, upage)
		if err := vs.CopyOut(h, upage, 0, byte(i+1)); err != nil {
			t.Fatalf("CopyOut page %d: %v", i, err)
		}
	}

	for i := 0; i < numPages; i++ {
		upage := uintptr(0x5000_0000 + i*pageSize)
		b, err := vs.CopyIn(h, upage, 0)
		if err != nil {
			t.Fatalf("CopyIn page %d: %v", i, err)
		}
		if b != byte(i+1) {
			t.Fatalf("page %d = %#x, want %#x", i, b, byte(i+1))
		}
	}
}

// TestSwapOccupancyMatchesEvictedCount is testable property 2: swap bitmap
// occupancy equals the count of evicted-to-swap SPTEs.
func TestSwapOccupancyMatchesEvictedCount(t *testing.T) {
	vs := testSystem(t, 2)
	h := vs.NewProcess(1, 0x8000_0000)
	const pageSize = 4096
	const numPages = 6

	for i := 0; i < numPages; i++ {
		upage := uintptr(0x5000_0000 + i*pageSize)
		anonPage(h, upage)
		if err := vs.CopyOut(h, upage, 0, byte(i)); err != nil {
			t.Fatalf("CopyOut page %d: %v", i, err)
		}
	}

	evictedToSwap := 0
	h.SPT.Range(func(e *spt.Entry) {
		if e.State == spt.Evicted && e.Source.HasSwapSlot {
			evictedToSwap++
		}
	})
	if got := vs.swapM.Occupied(); got != evictedToSwap {
		t.Fatalf("swap Occupied() = %d, want %d (count of evicted-to-swap SPTEs)", got, evictedToSwap)
	}
	if got := vs.swapM.Occupied(); got != numPages-2 {
		t.Fatalf("swap Occupied() = %d, want %d (numPages - frame pool size)", got, numPages-2)
	}
}
