// Package cache is the fixed-size sector buffer cache sitting in front of
// a raw disk, serialized by a single lock independent of the paging lock.
// Grounded directly on Pintos's filesys/cache.c (buffer_cache_disk_read/
// write, alloc_cache_idx, select_victim's second-chance sweep, and
// buffer_cache_evict's write-back-if-dirty), with one fix: the original's
// select_victim restarts its sweep from slot 0 on every call rather than
// resuming where the last sweep left off, which degrades the policy to
// near-FIFO under sustained pressure. This implementation keeps the sweep
// cursor persistent across calls, the second-chance clock the design
// intends.
package cache

import (
	"sync"

	"github.com/pkg/errors"

	"vmkern/disk"
)

// Size is the fixed number of cache entries.
const Size = 64

type slot struct {
	occupied bool
	sector   int
	dirty    bool
	accessed bool
	buf      []byte
}

// Cache is the sector buffer cache.
type Cache struct {
	mu     sync.Mutex
	d      disk.Disk
	slots  [Size]slot
	cursor int
}

// New constructs an empty cache in front of d.
func New(d disk.Disk) *Cache {
	c := &Cache{d: d}
	for i := range c.slots {
		c.slots[i].buf = make([]byte, d.SectorSize())
	}
	return c
}

// find returns the slot index caching sector, or -1. Caller must hold c.mu.
func (c *Cache) find(sector int) int {
	for i := range c.slots {
		if c.slots[i].occupied && c.slots[i].sector == sector {
			return i
		}
	}
	return -1
}

// selectVictim runs the second-chance clock sweep starting from the
// persistent cursor, clearing accessed bits as it passes. Caller must hold
// c.mu.
func (c *Cache) selectVictim() int {
	for {
		i := c.cursor
		c.cursor = (c.cursor + 1) % Size
		if !c.slots[i].accessed {
			return i
		}
		c.slots[i].accessed = false
	}
}

// evictLocked writes slot i back to disk if dirty and marks it empty.
// Caller must hold c.mu.
func (c *Cache) evictLocked(i int) error {
	s := &c.slots[i]
	if s.dirty {
		if err := c.d.WriteSector(s.sector, s.buf); err != nil {
			return errors.Wrapf(err, "cache: write-back sector %d", s.sector)
		}
		s.dirty = false
	}
	s.occupied = false
	return nil
}

// allocSlot returns an empty slot index, evicting the second-chance victim
// if the cache is full. Caller must hold c.mu.
func (c *Cache) allocSlot() (int, error) {
	for i := range c.slots {
		if !c.slots[i].occupied {
			return i, nil
		}
	}
	victim := c.selectVictim()
	if err := c.evictLocked(victim); err != nil {
		return 0, err
	}
	return victim, nil
}

// Read fills out (exactly SectorSize long) with sector's contents, pulling
// from disk on a miss and populating the cache slot.
func (c *Cache) Read(sector int, out []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.find(sector)
	if i < 0 {
		var err error
		i, err = c.allocSlot()
		if err != nil {
			return err
		}
		s := &c.slots[i]
		s.occupied = true
		s.sector = sector
		s.dirty = false
		if err := c.d.ReadSector(sector, s.buf); err != nil {
			s.occupied = false
			return errors.Wrapf(err, "cache: fill sector %d", sector)
		}
	}
	copy(out, c.slots[i].buf)
	c.slots[i].accessed = true
	return nil
}

// Write stores in (exactly SectorSize long) into sector's cache slot,
// marking it dirty. No disk I/O happens here; the write is deferred to
// eviction.
func (c *Cache) Write(sector int, in []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.find(sector)
	if i < 0 {
		var err error
		i, err = c.allocSlot()
		if err != nil {
			return err
		}
		c.slots[i].occupied = true
		c.slots[i].sector = sector
	}
	copy(c.slots[i].buf, in)
	c.slots[i].accessed = true
	c.slots[i].dirty = true
	return nil
}

// Shutdown evicts every occupied slot, flushing dirty contents, mirroring
// buffer_cache_done.
func (c *Cache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if c.slots[i].occupied {
			if err := c.evictLocked(i); err != nil {
				return err
			}
		}
	}
	return nil
}
