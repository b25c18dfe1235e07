// Package heap assembles the kernel's general-purpose dynamic memory
// allocator out of three nested kernel/mem/arena instances plus a
// kernel/mem/slab quantum-cache front end, exactly the
// heap_address_space ← heap_page ← heap stack described for the kernel
// heap, and a sibling special_heap_address_space arena used for mapping
// caller-supplied physical ranges (MMIO).
package heap

import (
	"sync"
	"unsafe"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/arena"
	"github.com/arenaos/kernel/kernel/mem/kregion"
	"github.com/arenaos/kernel/kernel/mem/slab"
	"github.com/arenaos/kernel/kernel/mem/vmm"
)

// numQuantumCaches and quantumCacheStep give the heap arena's 32 caches of
// 16..512 bytes (cache i serves requests of size (i+1)*quantumCacheStep).
const (
	numQuantumCaches    = 32
	quantumCacheStep    = 16
	heapQuantum         = quantumCacheStep
	addressSpaceQuantum = uint64(mem.PageSize)
)

var (
	addressSpace        *arena.Arena
	pageArena           *arena.Arena
	general             *arena.Arena
	specialAddressSpace *arena.Arena

	specialMu sync.Mutex

	mapper     vmm.PageMapper
	frameAlloc vmm.FrameAllocator

	initialized bool
)

// allocHeader precedes every block handed out by Alloc. It lets Free
// recover the original arena allocation (base/len) from a bare pointer,
// the same "prefix with ourselves" trick used for structures that must be
// freed by address alone.
type allocHeader struct {
	magic uint64
	alloc arena.Allocation
}

const allocHeaderMagic = 0x6b656170616c6c6f // "keapallo"

var headerSize = uint64(unsafe.Sizeof(allocHeader{}))

// Init builds the three-arena heap stack plus the special-heap arena. r
// must already carry a KernelHeap region (for the general heap) and a
// SpecialHeap region (for the MMIO arena); both are produced by the boot
// glue that also builds the rest of the kernel address space, which is
// out of scope for this package.
//
// This mirrors the fixed global-init order the rest of the kernel follows:
// region list and frame allocator are already up by the time Init runs;
// Init itself performs the remaining two steps, building the heap arena
// stack and initializing the kernel address space so far as the
// heap/special-heap regions are concerned.
func Init(r *kregion.List, pm vmm.PageMapper, fa vmm.FrameAllocator) *kernel.Error {
	mapper = pm
	frameAlloc = fa

	heapRegions := r.ByType(kregion.KernelHeap)
	if len(heapRegions) != 1 {
		return errMissingRegion("KernelHeap")
	}
	specialRegions := r.ByType(kregion.SpecialHeap)
	if len(specialRegions) != 1 {
		return errMissingRegion("SpecialHeap")
	}

	var err *kernel.Error
	if addressSpace, err = arena.Init("heap_address_space", addressSpaceQuantum, nil, nil); err != nil {
		return err
	}
	if err = addressSpace.AddSpan(heapRegions[0].Base, heapRegions[0].Len); err != nil {
		return err
	}

	mapType := vmm.MapFlagPresent | vmm.MapFlagReadWrite | vmm.MapFlagNoExecute
	if pageArena, err = arena.Init(
		"heap_page",
		addressSpaceQuantum,
		importBackedByFrames(addressSpace, mapType),
		releaseBackedByFrames(addressSpace),
	); err != nil {
		return err
	}

	if general, err = arena.Init(
		"heap",
		heapQuantum,
		importFromArena(pageArena),
		releaseToArena(pageArena),
	); err != nil {
		return err
	}
	if err := attachQuantumCaches(general); err != nil {
		return err
	}

	if specialAddressSpace, err = arena.Init("special_heap_address_space", addressSpaceQuantum, nil, nil); err != nil {
		return err
	}
	if err = specialAddressSpace.AddSpan(specialRegions[0].Base, specialRegions[0].Len); err != nil {
		return err
	}

	initialized = true
	return nil
}

func errMissingRegion(name string) *kernel.Error {
	return &kernel.Error{Module: "heap", Message: "region list has no " + name + " region"}
}

// importBackedByFrames builds heap_page's ImportFn: pull a span from
// heap_address_space and immediately back it with real frames through the
// page mapper, so everything heap_page hands upward is already mapped.
func importBackedByFrames(addressSpace *arena.Arena, mapType vmm.MapType) arena.ImportFn {
	return func(length uint64) (arena.Allocation, *kernel.Error) {
		alloc, err := addressSpace.Allocate(length, arena.InstantFit)
		if err != nil {
			return arena.Allocation{}, err
		}

		vr := vmm.AddrRange{Base: uintptr(alloc.Base), Len: uintptr(alloc.Len)}
		if err := mapper.MapRangeAndBackWithFrames(vr, mapType, frameAlloc); err != nil {
			addressSpace.Deallocate(alloc)
			return arena.Allocation{}, err
		}
		return alloc, nil
	}
}

// releaseBackedByFrames builds heap_page's ReleaseFn: unmap the span,
// freeing its backing frames, then return the virtual range itself.
func releaseBackedByFrames(addressSpace *arena.Arena) arena.ReleaseFn {
	return func(a arena.Allocation) {
		vr := vmm.AddrRange{Base: uintptr(a.Base), Len: uintptr(a.Len)}
		batch := []vmm.AddrRange{vr}
		if err := mapper.Unmap(batch, vmm.FreeBackingFrames, vmm.ReclaimTopLevelEntries, frameAlloc); err != nil {
			kernel.Panic(err)
		}
		addressSpace.Deallocate(a)
	}
}

// importFromArena/releaseToArena build the plain "just ask the arena
// beneath us" import/release pair used by heap's source (heap_page is
// already fully mapped; no frame work happens at this level).
func importFromArena(source *arena.Arena) arena.ImportFn {
	return func(length uint64) (arena.Allocation, *kernel.Error) {
		return source.Allocate(length, arena.InstantFit)
	}
}

func releaseToArena(source *arena.Arena) arena.ReleaseFn {
	return func(a arena.Allocation) {
		source.Deallocate(a)
	}
}

// attachQuantumCaches builds the heap arena's 32 quantum caches (16..512
// bytes) as Heap-sourced slab caches of the heap_page arena: by this point
// in Init, heap_page is already live, so backing the caches themselves
// through it closes no cycle (the only caches that must bypass the heap
// entirely are the ones the arena/slab machinery uses to build itself:
// kernel/mem/arena's boundary-tag pool).
func attachQuantumCaches(a *arena.Arena) *kernel.Error {
	for i := 0; i < numQuantumCaches; i++ {
		size := uint64(i+1) * quantumCacheStep
		qc, err := slab.NewQuantumCache(slab.Config{
			Source:    slab.Heap,
			HeapArena: pageArena,
		}, size)
		if err != nil {
			return err
		}
		a.EnableQuantumCaching(size, qc)
	}
	return nil
}

// Alloc reserves size bytes from the general heap arena, prefixed with an
// allocHeader so Free can recover the original arena allocation from the
// returned pointer alone.
func Alloc(size uint64) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, ErrNotInitialized
	}

	alloc, err := general.Allocate(size+headerSize, arena.InstantFit)
	if err != nil {
		return 0, err
	}

	hdr := (*allocHeader)(unsafe.Pointer(uintptr(alloc.Base)))
	hdr.magic = allocHeaderMagic
	hdr.alloc = alloc
	return uintptr(alloc.Base) + uintptr(headerSize), nil
}

// Free releases a pointer previously returned by Alloc.
func Free(ptr uintptr) *kernel.Error {
	if !initialized {
		return ErrNotInitialized
	}

	hdrAddr := ptr - uintptr(headerSize)
	hdr := (*allocHeader)(unsafe.Pointer(hdrAddr))
	if hdr.magic != allocHeaderMagic {
		return ErrHeaderCorrupt
	}

	alloc := hdr.alloc
	hdr.magic = 0
	general.Deallocate(alloc)
	return nil
}

// AllocateSpecial reserves size bytes of virtual address space from the
// special heap and maps them to physAddr under mapType, for MMIO-style
// callers that need a specific physical range rather than whichever
// frames the general allocator would hand them. A dedicated mutex
// serializes these mappings since, unlike the general heap, the special
// heap's arena quantum equals the page size and callers are expected to be
// few and far between (device drivers at attach time), not a hot path.
func AllocateSpecial(size uint64, physAddr uintptr, mapType vmm.MapType) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, ErrNotInitialized
	}

	if vmm.PageFromAddress(physAddr).Address() != physAddr {
		return 0, ErrPhysAddrNotPageAligned
	}

	specialMu.Lock()
	defer specialMu.Unlock()

	alloc, err := specialAddressSpace.Allocate(size, arena.InstantFit)
	if err != nil {
		return 0, err
	}

	vr := vmm.AddrRange{Base: uintptr(alloc.Base), Len: uintptr(alloc.Len)}
	pr := vmm.AddrRange{Base: physAddr, Len: uintptr(alloc.Len)}
	if err := mapper.MapRangeToPhysicalRange(vr, pr, mapType); err != nil {
		specialAddressSpace.Deallocate(alloc)
		return 0, err
	}

	return uintptr(alloc.Base), nil
}

// FreeSpecial releases a range previously returned by AllocateSpecial,
// unmapping it without freeing backing frames (the backing is the
// caller-supplied physical range, which this package never owned).
func FreeSpecial(base uintptr, size uint64) *kernel.Error {
	if !initialized {
		return ErrNotInitialized
	}

	specialMu.Lock()
	defer specialMu.Unlock()

	batch := []vmm.AddrRange{{Base: base, Len: uintptr(size)}}
	if err := mapper.Unmap(batch, vmm.KeepBackingFrames, vmm.ReclaimTopLevelEntries, frameAlloc); err != nil {
		return err
	}

	specialAddressSpace.Deallocate(arena.Allocation{Base: uint64(base), Len: size})
	return nil
}
