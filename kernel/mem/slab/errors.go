package slab

import "github.com/arenaos/kernel/kernel"

var (
	// ErrItemConstructionFailed is returned when a constructor fails while
	// building a new slab; already-constructed items on that slab are
	// destructed and the backing allocation is released before this error
	// propagates.
	ErrItemConstructionFailed = &kernel.Error{Module: "slab", Message: "item constructor failed"}

	// ErrSlabAllocationFailed is returned when the backing source (a heap
	// arena or the frame allocator) could not supply a new slab.
	ErrSlabAllocationFailed = &kernel.Error{Module: "slab", Message: "could not allocate backing storage for a new slab"}

	// ErrLargeItemAllocationFailed is returned when the hash-table insert
	// for a newly constructed large item fails (duplicate base address).
	ErrLargeItemAllocationFailed = &kernel.Error{Module: "slab", Message: "could not register large item descriptor"}

	// ErrInvalidItemSize is returned by New when itemSize is zero.
	ErrInvalidItemSize = &kernel.Error{Module: "slab", Message: "item size must be greater than zero"}

	// ErrPmmSourceRequiresSmall is returned by New when Source is Pmm but
	// Large is true: the Pmm source is reserved for small-item caches
	// participating in the allocator's own bootstrap.
	ErrPmmSourceRequiresSmall = &kernel.Error{Module: "slab", Message: "the Pmm source is only valid for small-item caches"}
)
