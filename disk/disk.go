// Package disk provides the raw sector-addressable backing stores the swap
// manager and buffer cache sit on top of, collapsed from biscuit's async
// Disk_i/Bdev_req_t (request struct plus ack channel, serviced by a driver
// goroutine) into a synchronous contract: nothing in this module models an
// interrupt-driven controller, so Start-and-wait-on-AckCh degenerates to a
// direct call.
package disk

import (
	"sync"

	"github.com/pkg/errors"

	"vmkern/defs"
)

// Disk is a sector-addressable backing store. Sector numbers are absolute;
// callers convert page-granularity addresses to sector ranges themselves
// via limits.Config.SectorsPerSlot.
type Disk interface {
	// ReadSector fills buf (which must be exactly SectorSize() long) with
	// the contents of sector n.
	ReadSector(n int, buf []byte) error
	// WriteSector stores buf (exactly SectorSize() long) as sector n.
	WriteSector(n int, buf []byte) error
	// SectorSize reports the fixed sector size in bytes.
	SectorSize() int
	// Sectors reports the total number of addressable sectors.
	Sectors() int
}

// MemDisk is a Disk backed entirely by an in-process byte arena, the way
// biscuit's tests often wire a fake Disk_i to avoid touching real storage.
// It is what the swap disk and, in cmd/vmsim, the file-system disk are in
// this module: nothing here depends on host filesystem or block-device
// access.
type MemDisk struct {
	mu       sync.Mutex
	secSize  int
	sectors  [][]byte
	kind     defs.DiskKind
	reads    uint64
	writes   uint64
}

// NewMemDisk allocates a MemDisk of n sectors of size secSize, all
// zero-filled.
func NewMemDisk(kind defs.DiskKind, n, secSize int) *MemDisk {
	d := &MemDisk{secSize: secSize, kind: kind, sectors: make([][]byte, n)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, secSize)
	}
	return d
}

func (d *MemDisk) ReadSector(n int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.sectors) {
		return errors.Wrapf(defs.EINVAL, "%s: read sector %d out of range [0,%d)", d.kind, n, len(d.sectors))
	}
	if len(buf) != d.secSize {
		return errors.Wrapf(defs.EINVAL, "%s: read sector %d: buffer size %d != sector size %d", d.kind, n, len(buf), d.secSize)
	}
	copy(buf, d.sectors[n])
	d.reads++
	return nil
}

func (d *MemDisk) WriteSector(n int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.sectors) {
		return errors.Wrapf(defs.EINVAL, "%s: write sector %d out of range [0,%d)", d.kind, n, len(d.sectors))
	}
	if len(buf) != d.secSize {
		return errors.Wrapf(defs.EINVAL, "%s: write sector %d: buffer size %d != sector size %d", d.kind, n, len(buf), d.secSize)
	}
	copy(d.sectors[n], buf)
	d.writes++
	return nil
}

func (d *MemDisk) SectorSize() int { return d.secSize }
func (d *MemDisk) Sectors() int    { return len(d.sectors) }

// Stats reports read/write counts, mirroring Disk_i.Stats in the block
// driver interface this type implements.
func (d *MemDisk) Stats() (reads, writes uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}
