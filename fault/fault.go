// Package fault is the page-fault handler policy tree: classify the fault,
// consult the supplemental page table, and either resume (swap-in or
// stack growth) or terminate the offending process. Realized in the
// vm/as.go Sys_pgfault/Pgfault locking shape (Lock_pmap/Unlock_pmap
// bracketing a lookup-then-transition sequence); vmsys performs that
// locking around the call into Fault.
package fault

import (
	"vmkern/defs"
	"vmkern/spt"
)

// Resolver is the subset of vmsys a fault needs to actually resolve a
// resumable fault: swap a page back in, or allocate a fresh zeroed
// writable page for stack growth.
type Resolver interface {
	SwapIn(h Handle, upage uintptr, e *spt.Entry) error
	AllocZero(h Handle, upage uintptr, writable bool) error
}

// Handle is the subset of process.Handle the fault handler needs. Package
// fault does not import process to avoid a cycle: process sits above
// fault in the dependency order and vmsys wires the two together.
type Handle interface {
	SPTTable() *spt.Table
	StackBounds() (top, pointer uintptr, maxBytes, slack int)
}

// Fault runs the fault policy for a user-mode fault at addr (already
// page-aligned by the caller), returning nil if execution should resume
// or a non-nil error if the process must be terminated with
// defs.ExitKill.
//
// kernelAddr reports whether addr lies outside the valid user address
// range; callers supply this since the valid range is a property of
// overall system layout, not of the fault handler itself.
func Fault(h Handle, r Resolver, addr uintptr, isWrite, kernelAddr bool) error {
	if kernelAddr {
		return defs.EFAULT
	}

	t := h.SPTTable()
	if e, found := t.Find(addr); found {
		switch e.State {
		case spt.Evicted:
			if isWrite && !e.Writable {
				return defs.EFAULT
			}
			if err := r.SwapIn(h, addr, e); err != nil {
				return defs.EFAULT
			}
			return nil
		case spt.Resident:
			// A fault on a page the SPT already considers resident is
			// spurious: either a stale translation or a genuine write to
			// a read-only resident page, which the caller's hardware
			// page-directory check should have already screened before
			// reaching here. Either way this handler cannot resolve it.
			return defs.EFAULT
		}
	}

	top, sp, maxBytes, slack := h.StackBounds()
	if isStackGrowth(addr, top, sp, maxBytes, slack) {
		if err := r.AllocZero(h, addr, true); err != nil {
			return defs.EFAULT
		}
		return nil
	}

	return defs.EFAULT
}

// isStackGrowth reports whether addr falls within the heuristic
// stack-growth window: no more than slack bytes below sp, and no further
// than maxBytes below top.
func isStackGrowth(addr, top, sp uintptr, maxBytes, slack int) bool {
	if addr > sp {
		return false
	}
	if int(sp-addr) > slack {
		return false
	}
	floor := top - uintptr(maxBytes)
	return addr >= floor
}
