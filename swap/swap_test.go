package swap

import (
	"bytes"
	"testing"

	"vmkern/defs"
	"vmkern/disk"
	"vmkern/limits"
)

func testConfig() limits.Config {
	cfg := limits.Default()
	cfg.PageSize = 16
	cfg.SectorSize = 8
	cfg.SwapSlots = 4
	return cfg
}

func newTestManager(t *testing.T) (*Manager, disk.Disk) {
	t.Helper()
	cfg := testConfig()
	d := disk.NewMemDisk(defs.SwapDisk, cfg.SwapSlots*cfg.SectorsPerSlot(), cfg.SectorSize)
	return New(d, cfg), d
}

// TestOutInIdentity is testable property 4: swap-out then swap-in of the
// same page with no intervening writes yields bytewise identical contents.
func TestOutInIdentity(t *testing.T) {
	m, _ := newTestManager(t)
	page := bytes.Repeat([]byte{0x5a}, 16)

	slot, err := m.Out(page)
	if err != nil {
		t.Fatalf("Out: %v", err)
	}

	back := make([]byte, 16)
	if err := m.In(slot, back); err != nil {
		t.Fatalf("In: %v", err)
	}
	if !bytes.Equal(page, back) {
		t.Fatalf("swap round trip mismatch: got %x want %x", back, page)
	}
}

// TestOccupiedTracksBitmap is testable property 2: bitmap occupancy
// matches the count of slots actually allocated and not yet freed.
func TestOccupiedTracksBitmap(t *testing.T) {
	m, _ := newTestManager(t)
	if m.Occupied() != 0 {
		t.Fatalf("Occupied() on fresh manager = %d, want 0", m.Occupied())
	}

	page := make([]byte, 16)
	s1, _ := m.Out(page)
	s2, _ := m.Out(page)
	if got := m.Occupied(); got != 2 {
		t.Fatalf("Occupied() after two outs = %d, want 2", got)
	}

	m.Free(s1)
	if got := m.Occupied(); got != 1 {
		t.Fatalf("Occupied() after one free = %d, want 1", got)
	}

	back := make([]byte, 16)
	if err := m.In(s2, back); err != nil {
		t.Fatalf("In: %v", err)
	}
	if got := m.Occupied(); got != 0 {
		t.Fatalf("Occupied() after In (which frees) = %d, want 0", got)
	}
}

func TestOutReusesFreedSlots(t *testing.T) {
	m, _ := newTestManager(t)
	page := make([]byte, 16)

	slots := make([]int, 0, m.Slots())
	for i := 0; i < m.Slots(); i++ {
		s, err := m.Out(page)
		if err != nil {
			t.Fatalf("Out %d: %v", i, err)
		}
		slots = append(slots, s)
	}
	if _, err := m.Out(page); err == nil {
		t.Fatal("expected swap exhaustion on a full bitmap")
	}

	m.Free(slots[0])
	reused, err := m.Out(page)
	if err != nil {
		t.Fatalf("Out after free: %v", err)
	}
	if reused != slots[0] {
		t.Fatalf("Out after free returned slot %d, want reused slot %d", reused, slots[0])
	}
}
