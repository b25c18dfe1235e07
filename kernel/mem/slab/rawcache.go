// Package slab implements the object-cache layer on top of kernel/mem/arena
// and kernel/mem/pmm: fixed-size item pools carved out of page- or
// arena-backed slabs, with constructor/destructor semantics run once per
// slab slot rather than once per allocation.
package slab

import (
	"sync"
	"unsafe"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/arena"
	"github.com/arenaos/kernel/kernel/mem/pmm"
)

// slabHeaderSize is reserved out of every page-backed slab's item capacity
// even though slabHeader itself lives on the Go heap rather than inline in
// the frame (see slabHeader's doc comment): keeping the size-class math
// identical to an embedded layout means a cache's itemsPerSlab doesn't
// change if a future revision moves the header back in-frame.
var slabHeaderSize = uint64(unsafe.Sizeof(slabHeader{}))

// Source selects where a cache's slabs get their backing bytes from.
type Source uint8

const (
	// Heap pulls backing bytes from a heap arena (kernel/mem/heap's page
	// arena in normal operation).
	Heap Source = iota

	// Pmm pulls a single frame directly from the frame allocator and
	// addresses it through the direct map. Pmm is legal only for
	// small-item caches; New rejects it for Large configurations.
	Pmm
)

// LastSlabPolicy controls whether a cache retains one otherwise-empty slab
// instead of freeing it back to its source.
type LastSlabPolicy uint8

const (
	// DropLastSlab frees a slab as soon as its allocated count reaches
	// zero, even if it is the cache's only slab.
	DropLastSlab LastSlabPolicy = iota

	// KeepLastSlab retains a cache's sole available slab rather than
	// freeing it, trading a little idle memory for avoiding an
	// allocate/free cycle under an alloc/free/alloc churn pattern.
	KeepLastSlab
)

// Config describes a raw cache's item shape and backing collaborators.
type Config struct {
	ItemSize uint64
	Align    uint64
	Large    bool
	Source   Source
	LastSlab LastSlabPolicy

	// Ctor runs once per item at slab-creation time; Dtor runs once per
	// item at slab-destruction time. Either may be nil.
	Ctor func(item uintptr) *kernel.Error
	Dtor func(item uintptr)

	// HeapArena backs Source == Heap.
	HeapArena *arena.Arena

	// FrameAlloc/FrameFree/DirectMap back Source == Pmm.
	FrameAlloc func() (pmm.Frame, *kernel.Error)
	FrameFree  func(pmm.Frame)
	DirectMap  pmm.DirectMapper
}

// rawCache is the untyped engine behind the generic Cache[T] façade.
type rawCache struct {
	cfg Config

	effectiveSize uint64
	itemsPerSlab  uint64
	slabBytes     uint64

	mu      sync.Mutex
	allocMu sync.Mutex

	available     *slabHeader
	full          *slabHeader
	availableSize int

	headerByFrame map[uintptr]*slabHeader // Source == Heap/Pmm, Large == false
	largeBuckets  [numLargeBuckets]*largeItem
}

// slabHeader is the control block for one slab. It is an ordinary Go
// struct rather than bytes reserved inside the slab itself: a thin Go-side
// struct over raw memory (e.g. vmm.Page over a bare uintptr) is favored
// over hand-placing control data inline, and since slab caches are only
// exercised once the kernel's own Go runtime is up, there's no bootstrap
// reason to avoid an ordinary heap-allocated header here (the one
// genuinely bootstrap-critical structure, the arena's boundary-tag pool,
// is implemented directly against pmm in
// kernel/mem/arena and never goes through this package).
type slabHeader struct {
	base      uintptr
	length    uint64
	allocated uint32
	freeStack []uint32

	prev, next *slabHeader

	frameBacked bool
	frame       pmm.Frame
	largeAlloc  arena.Allocation
}

func (s *slabHeader) freeCount() int { return len(s.freeStack) }

func (s *slabHeader) itemAddr(c *rawCache, idx uint32) uintptr {
	return s.base + uintptr(idx)*uintptr(c.effectiveSize)
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

// New builds a raw cache for the given configuration.
func New(cfg Config) (*rawCache, *kernel.Error) {
	if cfg.ItemSize == 0 {
		return nil, ErrInvalidItemSize
	}
	if cfg.Source == Pmm && cfg.Large {
		return nil, ErrPmmSourceRequiresSmall
	}

	align := cfg.Align
	if align == 0 {
		align = 8
	}
	effectiveSize := alignUp(cfg.ItemSize, align)

	c := &rawCache{cfg: cfg, effectiveSize: effectiveSize}

	if cfg.Large {
		itemsPerSlab := uint64(16)
		pages := mem.Size(itemsPerSlab * effectiveSize).Pages()
		for {
			next := itemsPerSlab + 1
			if uint64(next*effectiveSize) > uint64(pages)*uint64(mem.PageSize) {
				break
			}
			itemsPerSlab = next
		}
		c.itemsPerSlab = itemsPerSlab
		c.slabBytes = itemsPerSlab * effectiveSize
	} else {
		c.itemsPerSlab = (uint64(mem.PageSize) - slabHeaderSize) / effectiveSize
		c.slabBytes = uint64(mem.PageSize)
		c.headerByFrame = make(map[uintptr]*slabHeader)
	}

	return c, nil
}

// AllocateMany fills out with len(out) freshly allocated item addresses. On
// failure it rolls back any items already handed out within this call.
func (c *rawCache) AllocateMany(out []uintptr) *kernel.Error {
	for i := range out {
		addr, err := c.allocateOne()
		if err != nil {
			for _, a := range out[:i] {
				c.deallocateOne(a)
			}
			return err
		}
		out[i] = addr
	}
	return nil
}

func (c *rawCache) allocateOne() (uintptr, *kernel.Error) {
	for {
		c.mu.Lock()
		if s := c.available; s != nil {
			idx := s.freeStack[len(s.freeStack)-1]
			s.freeStack = s.freeStack[:len(s.freeStack)-1]
			s.allocated++
			addr := s.itemAddr(c, idx)
			if len(s.freeStack) == 0 {
				c.moveToFullLocked(s)
			}
			c.mu.Unlock()
			return addr, nil
		}
		c.mu.Unlock()

		if err := c.ensureAvailableSlab(); err != nil {
			return 0, err
		}
	}
}

// DeallocateMany returns every item in items to its owning slab.
func (c *rawCache) DeallocateMany(items []uintptr) {
	for _, addr := range items {
		c.deallocateOne(addr)
	}
}

func (c *rawCache) deallocateOne(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, idx := c.lookupLocked(addr)
	if s == nil {
		kernel.Panic("slab: free of an address not owned by this cache")
		return
	}

	wasFull := len(s.freeStack) == 0
	s.freeStack = append(s.freeStack, idx)
	s.allocated--

	if wasFull {
		c.moveToAvailableLocked(s)
	}

	if s.allocated == 0 {
		if c.cfg.LastSlab == KeepLastSlab && c.availableSize == 1 && s.prev == nil && s.next == nil && c.available == s {
			return
		}
		c.destroySlabLocked(s)
	}
}

func (c *rawCache) lookupLocked(addr uintptr) (*slabHeader, uint32) {
	var s *slabHeader
	if c.cfg.Large {
		if li := c.largeLookup(addr); li != nil {
			s = li.slab
		}
	} else {
		frameBase := alignDown(uint64(addr), uint64(mem.PageSize))
		s = c.headerByFrame[uintptr(frameBase)]
	}
	if s == nil {
		return nil, 0
	}
	idx := uint32((addr - s.base) / uintptr(c.effectiveSize))
	return s, idx
}

// moveToFullLocked moves s from the available list to the full list; the
// caller must have already observed that s's free stack is empty.
func (c *rawCache) moveToFullLocked(s *slabHeader) {
	c.unlinkLocked(&c.available, s)
	c.availableSize--
	c.pushFrontLocked(&c.full, s)
}

// moveToAvailableLocked moves s from the full list to the available list.
func (c *rawCache) moveToAvailableLocked(s *slabHeader) {
	c.unlinkLocked(&c.full, s)
	c.pushFrontLocked(&c.available, s)
	c.availableSize++
}

func (c *rawCache) pushFrontLocked(head **slabHeader, s *slabHeader) {
	s.prev = nil
	s.next = *head
	if *head != nil {
		(*head).prev = s
	}
	*head = s
}

// unlinkLocked detaches s from the list rooted at *head.
func (c *rawCache) unlinkLocked(head **slabHeader, s *slabHeader) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// ensureAvailableSlab double-checks under the allocator-critical-section
// lock before creating a new slab, so two racing callers never both pay
// for a new slab when one could serve both.
func (c *rawCache) ensureAvailableSlab() *kernel.Error {
	c.mu.Lock()
	if c.available != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	c.mu.Lock()
	if c.available != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s, err := c.allocateSlab()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pushFrontLocked(&c.available, s)
	c.availableSize++
	c.mu.Unlock()
	return nil
}

// Deinit panics if any slab is still on the full list, then drains every
// remaining available slab back to its source. Items still allocated out of
// a partially used available slab are not detected; that slab is drained
// like the others.
func (c *rawCache) Deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.full != nil {
		kernel.Panic("slab: Deinit called with slabs still on the full list")
	}
	for c.available != nil {
		c.destroySlabLocked(c.available)
	}
}
