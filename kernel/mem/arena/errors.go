package arena

import "github.com/arenaos/kernel/kernel"

var (
	// ErrInvalidQuantum is returned by Init when the requested quantum is
	// not a power of two.
	ErrInvalidQuantum = &kernel.Error{Module: "arena", Message: "quantum must be a power of two"}

	// ErrZeroLength is returned by Allocate when called with a zero length.
	ErrZeroLength = &kernel.Error{Module: "arena", Message: "requested length must be greater than zero"}

	// ErrRequestedLengthUnavailable is returned by Allocate when no free
	// tag can satisfy the request and either there is no source or the
	// source declined to supply more space.
	ErrRequestedLengthUnavailable = &kernel.Error{Module: "arena", Message: "no free span large enough to satisfy the request"}

	// ErrOutOfBoundaryTags is returned when the global tag pool could not
	// supply enough boundary tags to satisfy a mutating call.
	ErrOutOfBoundaryTags = &kernel.Error{Module: "arena", Message: "could not allocate a boundary tag"}

	// ErrUnaligned is returned by AddSpan when base or len is not aligned
	// to the arena's quantum.
	ErrUnaligned = &kernel.Error{Module: "arena", Message: "span base or length is not aligned to the arena quantum"}

	// ErrWouldWrap is returned by AddSpan when base+len overflows.
	ErrWouldWrap = &kernel.Error{Module: "arena", Message: "span would wrap around the address space"}

	// ErrOverlap is returned by AddSpan when the new span overlaps an
	// existing one.
	ErrOverlap = &kernel.Error{Module: "arena", Message: "span overlaps an existing span"}

	// ErrUnknownAllocation is a contract-violation panic cause: Deallocate
	// was called with a base address the hash table has no record of.
	ErrUnknownAllocation = &kernel.Error{Module: "arena", Message: "deallocate of an address not owned by this arena"}

	// ErrAllocationsOutstanding is a contract-violation panic cause: Deinit
	// was called while Allocated tags still remain.
	ErrAllocationsOutstanding = &kernel.Error{Module: "arena", Message: "deinit called with allocations still outstanding"}
)
