package heap

import "github.com/arenaos/kernel/kernel"

var (
	// ErrNotInitialized is returned by Alloc/Free/AllocateSpecial before
	// Init has run.
	ErrNotInitialized = &kernel.Error{Module: "heap", Message: "heap arena stack is not initialized"}

	// ErrHeaderCorrupt is returned by Free when the allocation header
	// immediately preceding the freed pointer does not carry the magic
	// value Alloc stamps it with.
	ErrHeaderCorrupt = &kernel.Error{Module: "heap", Message: "allocation header is corrupt or pointer was not returned by Alloc"}

	// ErrPhysAddrNotPageAligned is returned by AllocateSpecial when the
	// caller-supplied physical address does not fall on a page boundary.
	ErrPhysAddrNotPageAligned = &kernel.Error{Module: "heap", Message: "physical address for special mapping is not page aligned"}
)
