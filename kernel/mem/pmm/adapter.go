package pmm

import "github.com/arenaos/kernel/kernel"

// FrameAllocatorAdapter exposes pmm's frame allocator through the
// address-oriented Allocate()/Deallocate(uintptr) shape that
// kernel/mem/vmm.FrameAllocator (and, through it, kernel/mem/heap and
// kernel/goruntime) depend on. It is a zero-size type rather than a
// package-level function pair so that callers can pass it around as a
// single value; pmm does not import vmm itself (vmm.FrameAllocator is
// satisfied structurally, the same duck-typed pattern kernel/mem/arena
// uses for its QuantumCache collaborator).
type FrameAllocatorAdapter struct{}

// Allocate reserves one frame and returns its physical address.
func (FrameAllocatorAdapter) Allocate() (uintptr, *kernel.Error) {
	f, err := Allocate()
	if err != nil {
		return 0, err
	}
	return f.Address(), nil
}

// Deallocate returns the frame containing physAddr to the free list.
func (FrameAllocatorAdapter) Deallocate(physAddr uintptr) {
	list := NewFrameList()
	list.Append(FromAddress(physAddr))
	Deallocate(list)
}
