package vmm

import "github.com/arenaos/kernel/kernel"

// AddrRange is an aligned virtual (or, for MapRangeToPhysicalRange's second
// argument, physical) address range.
type AddrRange struct {
	Base uintptr
	Len  uintptr
}

// MapType captures the protection/caching attributes a mapping is created
// or changed with (analogous to a page-table-entry flag bitmask).
type MapType uint64

const (
	MapFlagPresent MapType = 1 << iota
	MapFlagReadWrite
	MapFlagNoExecute
	MapFlagCopyOnWrite
)

// BackingDecision controls whether Unmap also reclaims the physical frames
// behind the unmapped range.
type BackingDecision uint8

const (
	KeepBackingFrames BackingDecision = iota
	FreeBackingFrames
)

// TopLevelDecision controls whether Unmap may reclaim now-empty top-level
// paging structures.
type TopLevelDecision uint8

const (
	KeepTopLevelEntries TopLevelDecision = iota
	ReclaimTopLevelEntries
)

// FrameAllocator is the minimal frame source MapRangeAndBackWithFrames and
// Unmap need; kernel/mem/pmm.FrameAllocatorAdapter satisfies it.
type FrameAllocator interface {
	Allocate() (uintptr, *kernel.Error)
	Deallocate(frame uintptr)
}

// PageMapper is the paging/mapping external collaborator: the core
// accumulates ranges and hands them to this interface, but does not
// implement page-table manipulation itself. That remains architecture
// specific (4-level x86-64 page table walking) and out of scope for this
// package.
type PageMapper interface {
	MapRangeAndBackWithFrames(vr AddrRange, mapType MapType, fa FrameAllocator) *kernel.Error
	MapRangeToPhysicalRange(vr, pr AddrRange, mapType MapType) *kernel.Error
	Unmap(batch []AddrRange, backing BackingDecision, topLevel TopLevelDecision, fa FrameAllocator) *kernel.Error
	ChangeProtection(batch []AddrRange, mapType MapType) *kernel.Error
}

// FlushTarget names who a FlushRequest's TLB shootdown reaches.
type FlushTarget struct {
	Kernel  bool
	Process uint64
}

// FlushRequest is returned by FlushBus.Submit; Wait blocks until every
// targeted executor has acknowledged the shootdown.
type FlushRequest interface {
	Wait()
}

// FlushBus dispatches a batch of address-range invalidations to other
// executors (CPUs).
type FlushBus interface {
	Submit(batch []AddrRange, target FlushTarget) FlushRequest
}

// DirectMapper exposes the bootloader-provided direct mapping and the
// kernel's own non-cached shadow of it. kernel/mem/pmm.DirectMapper is the
// subset the frame allocator itself depends on; this is the full contract
// surfaced to the rest of the core.
type DirectMapper interface {
	FromPhysical(p uintptr) uintptr
	ToPhysical(v uintptr) (uintptr, *kernel.Error)
	NonCachedFromPhysical(p uintptr) uintptr
}

// ErrAddressNotInDirectMap is returned by DirectMapper.ToPhysical when v
// does not fall within the direct-mapped range.
var ErrAddressNotInDirectMap = &kernel.Error{Module: "vmm", Message: "address is not within the direct-mapped region"}

// ErrAlreadyMapped / ErrMappingNotValid are surfaced verbatim by PageMapper
// implementations.
var (
	ErrAlreadyMapped  = &kernel.Error{Module: "vmm", Message: "virtual range is already mapped"}
	ErrMappingNotValid = &kernel.Error{Module: "vmm", Message: "virtual range has no valid mapping"}
)
