package process

import (
	"testing"

	"vmkern/spt"
)

func TestFileForUpageResolvesMappedRange(t *testing.T) {
	h := New(1, 0x8000_0000, 1<<20, 32)
	const pageSize = 4096
	const base = 0x4000_0000
	id := h.AddMapping(base, 3, nil)

	f, off, ok := h.FileForUpage(base+2*pageSize, pageSize)
	if !ok {
		t.Fatal("FileForUpage did not find a page within the mapped range")
	}
	if off != 2*pageSize {
		t.Fatalf("off = %d, want %d", off, 2*pageSize)
	}
	if f != nil {
		t.Fatalf("expected the nil file this test mapped, got %v", f)
	}

	if _, _, ok := h.FileForUpage(base+3*pageSize, pageSize); ok {
		t.Fatal("FileForUpage matched an address one page past the mapping")
	}

	h.RemoveMapping(id)
	if _, _, ok := h.FileForUpage(base, pageSize); ok {
		t.Fatal("FileForUpage matched after RemoveMapping")
	}
}

func TestOverlapsDetectsMappingCollision(t *testing.T) {
	h := New(1, 0x8000_0000, 1<<20, 32)
	const pageSize = 4096
	h.AddMapping(0x1000, 2, nil) // covers [0x1000, 0x3000)

	if !h.Overlaps(0x2000, 1, pageSize) {
		t.Fatal("expected overlap with an existing mapping")
	}
	if h.Overlaps(0x3000, 1, pageSize) {
		t.Fatal("adjacent, non-overlapping range reported as colliding")
	}
}

func TestOverlapsDetectsSPTECollision(t *testing.T) {
	h := New(1, 0x8000_0000, 1<<20, 32)
	const pageSize = 4096
	h.SPT.Insert(&spt.Entry{Upage: 0x5000})

	if !h.Overlaps(0x5000, 1, pageSize) {
		t.Fatal("expected overlap with an existing SPTE")
	}
}

func TestOverlapsDetectsStackRegionCollision(t *testing.T) {
	const pageSize = 4096
	const stackTop = 0x8000_0000
	const maxStackBytes = 1 << 20 // 1MB: reserved region is [stackTop-1MB, stackTop)
	h := New(1, stackTop, maxStackBytes, 32)

	if !h.Overlaps(stackTop-pageSize, 1, pageSize) {
		t.Fatal("expected overlap with the reserved stack region just below stack top")
	}
	if !h.Overlaps(stackTop-maxStackBytes, 1, pageSize) {
		t.Fatal("expected overlap with the reserved stack region's lowest page")
	}
	if h.Overlaps(stackTop-maxStackBytes-pageSize, 1, pageSize) {
		t.Fatal("mmap one page below the reserved stack region reported as colliding")
	}
}

func TestMarkEvictedUpdatesAccounting(t *testing.T) {
	h := New(1, 0x8000_0000, 1<<20, 32)
	h.NoteResident()
	h.NoteResident()
	h.MarkEvicted(0x1000)
	if h.Accounting.ResidentPages != 1 {
		t.Fatalf("ResidentPages = %d, want 1", h.Accounting.ResidentPages)
	}
}

func TestNoteFaultIncrementsCounter(t *testing.T) {
	h := New(1, 0x8000_0000, 1<<20, 32)
	h.NoteFault()
	h.NoteFault()
	if h.Accounting.Faults != 2 {
		t.Fatalf("Faults = %d, want 2", h.Accounting.Faults)
	}
}
