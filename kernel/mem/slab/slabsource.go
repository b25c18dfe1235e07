package slab

import (
	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
)

// allocateSlab obtains fresh backing bytes from the configured source,
// constructs every item slot, and returns the populated header. It must not
// be called while holding c.mu (the backing allocation may itself take a
// lock or, for Heap, recurse into an arena).
func (c *rawCache) allocateSlab() (*slabHeader, *kernel.Error) {
	s := &slabHeader{}

	switch c.cfg.Source {
	case Pmm:
		frame, err := c.cfg.FrameAlloc()
		if err != nil {
			return nil, ErrSlabAllocationFailed
		}
		s.frameBacked = true
		s.frame = frame
		s.base = c.cfg.DirectMap.FromPhysical(frame.Address())
		s.length = uint64(mem.PageSize)
		mem.Memset(s.base, 0, mem.Size(s.length))
	default:
		alloc, err := c.cfg.HeapArena.Allocate(c.slabBytes, 0)
		if err != nil {
			return nil, ErrSlabAllocationFailed
		}
		s.largeAlloc = alloc
		s.base = uintptr(alloc.Base)
		s.length = alloc.Len
	}

	s.freeStack = make([]uint32, 0, c.itemsPerSlab)

	constructed := uint32(0)
	for ; uint64(constructed) < c.itemsPerSlab; constructed++ {
		addr := s.itemAddr(c, constructed)
		if c.cfg.Ctor != nil {
			if err := c.cfg.Ctor(addr); err != nil {
				c.unwindFailedConstruction(s, constructed)
				return nil, ErrItemConstructionFailed
			}
		}
		s.freeStack = append(s.freeStack, constructed)
	}

	// Registering the new slab in the shared lookup structures (the
	// large-item hash table or the per-frame header map) must happen
	// under c.mu: construction itself is only serialized against other
	// construction by allocMu, but lookups from a concurrent
	// deallocateOne take c.mu, so the two structures would otherwise
	// race on this slab's entries.
	c.mu.Lock()
	if c.cfg.Large {
		for i := uint32(0); i < constructed; i++ {
			addr := s.itemAddr(c, i)
			if !c.largeInsert(addr, s) {
				c.mu.Unlock()
				c.unwindFailedConstruction(s, constructed)
				return nil, ErrLargeItemAllocationFailed
			}
		}
	} else {
		frameBase := alignDown(uint64(s.base), uint64(mem.PageSize))
		c.headerByFrame[uintptr(frameBase)] = s
	}
	c.mu.Unlock()

	return s, nil
}

// unwindFailedConstruction runs the destructor on the first n already
// constructed items, removes any large-item descriptors registered so far,
// and releases the slab's backing allocation.
func (c *rawCache) unwindFailedConstruction(s *slabHeader, n uint32) {
	if c.cfg.Dtor != nil {
		for i := uint32(0); i < n; i++ {
			c.cfg.Dtor(s.itemAddr(c, i))
		}
	}
	if c.cfg.Large {
		c.mu.Lock()
		for i := uint32(0); i < n; i++ {
			c.largeRemove(s.itemAddr(c, i))
		}
		c.mu.Unlock()
	}
	c.releaseBacking(s)
}

// destroySlabLocked runs every item's destructor, releases the slab's
// backing storage, and unlinks s from the available list. Callers must
// hold c.mu.
func (c *rawCache) destroySlabLocked(s *slabHeader) {
	if c.cfg.Dtor != nil {
		for i := uint64(0); i < c.itemsPerSlab; i++ {
			c.cfg.Dtor(s.itemAddr(c, uint32(i)))
		}
	}

	if c.cfg.Large {
		for i := uint64(0); i < c.itemsPerSlab; i++ {
			c.largeRemove(s.itemAddr(c, uint32(i)))
		}
	} else {
		frameBase := alignDown(uint64(s.base), uint64(mem.PageSize))
		delete(c.headerByFrame, uintptr(frameBase))
	}

	c.unlinkLocked(&c.available, s)
	c.availableSize--

	c.releaseBacking(s)
}

func (c *rawCache) releaseBacking(s *slabHeader) {
	switch c.cfg.Source {
	case Pmm:
		if c.cfg.FrameFree != nil {
			c.cfg.FrameFree(s.frame)
		}
	default:
		c.cfg.HeapArena.Deallocate(s.largeAlloc)
	}
}
