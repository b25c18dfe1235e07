// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/kregion"
	"github.com/arenaos/kernel/kernel/mem/vmm"
)

// Collaborators sysReserve/sysMap/sysAlloc need to carve kernel address
// space and back it with frames. They are wired once via Init rather than
// imported directly, mirroring the rest of the codebase's preference for
// late-bound function-value collaborators over ambient package
// dependencies (kernel/mem/pmm.Init takes its DirectMapper the same way).
var (
	regions    *kregion.List
	mapper     vmm.PageMapper
	frameAlloc vmm.FrameAllocator
)

// addressSpaceCeiling bounds where sysReserve/sysAlloc may carve new
// address space; set by Init alongside the other collaborators.
var addressSpaceCeiling uint64

// Init wires the collaborators sysReserve/sysMap/sysAlloc need. It must run
// before the Go runtime performs its first heap growth, i.e. before any
// other kernel code allocates from the Go heap.
//
// The teacher's version of this file carries a dummy init() that invokes
// sysReserve/sysMap/sysAlloc with zero arguments purely so the compiler
// does not dead-code-eliminate go:redirect-from targets that no ordinary
// Go code calls directly. That trick relied on mapFn/earlyReserveRegionFn
// already pointing at live package-level functions at init() time. Here
// the same calls would dereference a still-nil regions/mapper/frameAlloc
// (Init runs later, during kmain's boot sequence), so the dummy init() is
// dropped; go:redirect-from keeps these reachable for the linker either way.
func Init(r *kregion.List, pm vmm.PageMapper, fa vmm.FrameAllocator, ceiling uint64) {
	regions = r
	mapper = pm
	frameAlloc = fa
	addressSpaceCeiling = ceiling
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	regionStartAddr, err := regions.FindFree(uint64(regionSize), uint64(mem.PageSize), addressSpaceCeiling)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(uintptr(regionStartAddr))
}

// sysMap establishes a mapping for a particular memory region that has
// been reserved previously via a call to sysReserve.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator. It backs the mapping with real frames up front instead
// of a shared lazily-faulted zero frame: the generalized PageMapper
// contract (kernel/mem/vmm) has no equivalent of a reserved zeroed
// sentinel frame, so the lazy copy-on-write optimization is dropped here.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionStartAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) & ^uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)

	vr := vmm.AddrRange{Base: regionStartAddr, Len: uintptr(regionSize)}
	mapType := vmm.MapFlagPresent | vmm.MapFlagReadWrite | vmm.MapFlagNoExecute
	if err := mapper.MapRangeAndBackWithFrames(vr, mapType, frameAlloc); err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc reserves enough address space and physical frames to satisfy
// the allocation request and establishes the mapping, returning a pointer
// to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	regionStartAddr, err := regions.FindFree(uint64(regionSize), uint64(mem.PageSize), addressSpaceCeiling)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	vr := vmm.AddrRange{Base: uintptr(regionStartAddr), Len: uintptr(regionSize)}
	mapType := vmm.MapFlagPresent | vmm.MapFlagReadWrite | vmm.MapFlagNoExecute
	if err := mapper.MapRangeAndBackWithFrames(vr, mapType, frameAlloc); err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(regionStartAddr))
}
