// Package bootmem implements the one-shot bootstrap frame allocator used to
// bring up the kernel before pmm's normal atomic free list is online, and
// the handoff sequence that folds the bootstrap allocator's leftover frames
// into that free list.
package bootmem

import (
	"reflect"
	"unsafe"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/bootinfo"
	"github.com/arenaos/kernel/kernel/mem/pmm"
)

var (
	// ErrOutOfMemory is returned once the boot memory map has no more
	// free frames to hand out.
	ErrOutOfMemory = &kernel.Error{Module: "bootmem", Message: "boot memory allocator: out of memory"}

	errNonContiguousBacking = &kernel.Error{Module: "bootmem", Message: "boot memory allocator: could not reserve a contiguous range for the frame record array"}
)

// Allocator implements a rudimentary physical memory allocator used to
// bootstrap the kernel. It detects free memory blocks from the boot memory
// map and hands out the next available free frame by bumping a monotonic
// cursor. It supports no deallocation: once pmm is initialized, Consume
// reclaims every frame this allocator did not hand out in a single sweep.
type Allocator struct {
	bootMap        bootinfo.Map
	lastAllocIndex int64
	initialized    bool
}

func (a *Allocator) init(bootMap bootinfo.Map) {
	a.bootMap = bootMap
	a.lastAllocIndex = -1
	a.initialized = true
}

// AllocFrame scans the boot memory map and reserves the next available free
// frame. Frames are always handed out in increasing order, so the whole
// allocator state reduces to a single "last allocated index" cursor.
func (a *Allocator) AllocFrame(bootMap bootinfo.Map) (pmm.Frame, *kernel.Error) {
	if !a.initialized {
		a.init(bootMap)
	}

	var (
		foundIndex               int64 = -1
		regionStart, regionEnd   int64
	)
	a.bootMap.VisitForward(func(r bootinfo.Region) bool {
		if r.Type != bootinfo.Free {
			return true
		}

		regionStart = int64(alignUp(r.PhysAddress, uint64(mem.PageSize)) >> mem.PageShift)
		regionEnd = int64(alignDown(r.PhysAddress+r.Length, uint64(mem.PageSize)) >> mem.PageShift)

		// Trim the sentinel frame index out of the tail of the region
		// rather than discarding the whole region: NoFrame must never
		// be handed out as a real allocation.
		if regionEnd-1 >= int64(pmm.NoFrame) {
			regionEnd = int64(pmm.NoFrame)
		}

		candidate := regionStart
		if a.lastAllocIndex >= regionStart {
			candidate = a.lastAllocIndex + 1
		}
		if candidate >= regionEnd {
			return true
		}

		foundIndex = candidate
		return false
	})

	if foundIndex == -1 {
		return pmm.NoFrame, ErrOutOfMemory
	}

	a.lastAllocIndex = foundIndex
	return pmm.Frame(foundIndex), nil
}

// Consume sweeps every Free region in the boot memory map, collects every
// frame this allocator did not already hand out into one FrameList, splices
// it onto pmm's free list in a single call, and resets the bootstrap
// allocator so it can no longer be used. Callers must have already called
// pmm.Init (with a frame record array sized to cover these frames) before
// calling Consume.
func (a *Allocator) Consume(bootMap bootinfo.Map) {
	if !a.initialized {
		a.init(bootMap)
	}

	list := pmm.NewFrameList()
	a.bootMap.VisitForward(func(r bootinfo.Region) bool {
		if r.Type != bootinfo.Free {
			return true
		}

		start := int64(alignUp(r.PhysAddress, uint64(mem.PageSize)) >> mem.PageShift)
		end := int64(alignDown(r.PhysAddress+r.Length, uint64(mem.PageSize)) >> mem.PageShift)
		if end-1 >= int64(pmm.NoFrame) {
			end = int64(pmm.NoFrame)
		}

		for idx := start; idx < end; idx++ {
			if idx <= a.lastAllocIndex {
				continue
			}
			list.Append(pmm.Frame(idx))
		}
		return true
	})

	pmm.Deallocate(list)
	*a = Allocator{}
}

// BuildFrameRecords reserves a contiguous range of bootstrap frames large
// enough to back pmm's frame record array (one FrameRecord per frame up to
// the highest frame index the boot memory map reports), maps it through the
// direct mapping, and returns the resulting slice. This mirrors the
// two-pass "compute the size, then carve the range out of boot memory"
// approach, adapted to back a flat record array instead of a set of
// per-pool bitmaps.
//
// The backing range must be contiguous; a non-contiguous reservation (only
// possible on a pathologically fragmented boot memory map) is reported as
// an error rather than silently handled, since stitching together a
// scattered record array would require the very paging machinery this
// package exists to bootstrap.
func BuildFrameRecords(bootMap bootinfo.Map, alloc *Allocator, dm pmm.DirectMapper) ([]pmm.FrameRecord, *kernel.Error) {
	var topFrame pmm.Frame
	bootMap.VisitForward(func(r bootinfo.Region) bool {
		end := pmm.FromAddress(uintptr(alignUp(r.PhysAddress+r.Length, uint64(mem.PageSize))))
		if end > topFrame {
			topFrame = end
		}
		return true
	})

	// topFrame is one past the highest frame index, i.e. the record count.
	count := uint64(topFrame)
	recordSize := uint64(unsafe.Sizeof(pmm.FrameRecord{}))
	totalBytes := mem.Size(count * recordSize)
	pages := totalBytes.Pages()

	first, err := alloc.AllocFrame(bootMap)
	if err != nil {
		return nil, err
	}
	prev := first
	for i := uint32(1); i < pages; i++ {
		f, err := alloc.AllocFrame(bootMap)
		if err != nil {
			return nil, err
		}
		if f != prev+1 {
			return nil, errNonContiguousBacking
		}
		prev = f
	}

	base := dm.FromPhysical(first.Address())
	mem.Memset(base, 0, totalBytes)

	var records []pmm.FrameRecord
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&records))
	hdr.Data = base
	hdr.Len = int(count)
	hdr.Cap = int(count)

	return records, nil
}

func alignUp(v, n uint64) uint64   { return (v + n - 1) &^ (n - 1) }
func alignDown(v, n uint64) uint64 { return v &^ (n - 1) }
