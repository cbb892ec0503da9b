// Package limits holds the system-wide tunables the VM core and buffer
// cache are configured against, the way biscuit's limits package holds
// Syslimit_t for the rest of the kernel.
package limits

import "vmkern/util"

// Config bundles every size limit the paging subsystem needs. A value is
// always constructed through Default and then adjusted field-by-field, the
// same way biscuit's MkSysLimit returns a populated Syslimit_t.
type Config struct {
	// FramePages is the number of page-sized frames the physical pool
	// manages. Analogous to biscuit's reserved page count in Phys_init.
	FramePages int

	// SwapSlots is the number of page-sized slots the swap bitmap tracks.
	SwapSlots int

	// CacheEntries is the fixed size of the sector buffer cache: 64
	// entries, matching the classic fixed-size buffer cache this design
	// follows.
	CacheEntries int

	// SectorSize is the size in bytes of one disk sector (typically 512).
	SectorSize int

	// PageSize is the size in bytes of one virtual/physical page.
	PageSize int

	// MaxStackBytes bounds how far below the initial stack top a stack
	// may grow before the page-fault handler refuses to extend it further.
	MaxStackBytes int

	// StackFaultSlack is the small constant number of bytes a fault
	// address may lie below the live stack pointer and still count as a
	// stack-growth fault (PUSH/PUSHA variants).
	StackFaultSlack int
}

// Default returns the baseline configuration: a 4KB page, 512-byte
// sectors, a 64-entry cache, and an 8MB maximum stack.
func Default() Config {
	return Config{
		FramePages:      256,
		SwapSlots:       1024,
		CacheEntries:    64,
		SectorSize:      512,
		PageSize:        4096,
		MaxStackBytes:   8 << 20,
		StackFaultSlack: 32,
	}
}

// SectorsPerSlot returns how many contiguous sectors one swap slot or one
// page occupies: ceil(PageSize / SectorSize).
func (c Config) SectorsPerSlot() int {
	return util.CeilDiv(c.PageSize, c.SectorSize)
}
