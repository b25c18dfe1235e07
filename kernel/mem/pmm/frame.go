// Package pmm implements the kernel's physical frame allocator: a
// page-granular pool of fixed-size physical memory frames handed out and
// reclaimed through a single lock-free atomic free list.
package pmm

import (
	"sync/atomic"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
)

// Frame describes a physical memory page index. Frame is a dense 32-bit
// index rather than a physical address; Address() derives the address as
// index * PageSize.
type Frame uint32

// NoFrame is the one reserved sentinel value terminating free lists and
// marking the absence of a frame.
const NoFrame Frame = ^Frame(0)

// Valid reports whether f is a real frame, i.e. not the NoFrame sentinel.
func (f Frame) Valid() bool {
	return f != NoFrame
}

// Address returns the physical address backing this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FromAddress returns the Frame that contains the given physical address.
func FromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameRecord is the per-frame bookkeeping entry. It holds nothing beyond
// the singly-linked free-list pointer: a frame's kind and ownership are
// properties of whichever list it currently lives on (free list, a slab, or
// a caller's allocation), never of the record itself.
//
// next is read and CAS'd concurrently while the frame is on the free list,
// and read/written with plain loads/stores the rest of the time; the
// transition between the two regimes is fenced by the free-list head CAS,
// so a single atomic field serves both regimes safely.
type FrameRecord struct {
	next atomic.Uint32
}

// DirectMapper exposes the one piece of the direct-mapping external
// collaborator the frame allocator itself needs: turning a physical frame
// address into a virtual address it can safely touch.
type DirectMapper interface {
	FromPhysical(physAddr uintptr) uintptr
}

// ErrFramesExhausted is returned by Allocate when the free list is empty.
var ErrFramesExhausted = &kernel.Error{Module: "pmm", Message: "no free frames remaining"}

var (
	records      []FrameRecord
	freeListHead atomic.Uint32
	freeMemory   atomic.Int64
	directMap    DirectMapper
	fillPattern  byte
	fillEnabled  bool
)

// Init installs the frame record backing array used to store free-list
// links, one entry per frame up to the highest frame index the boot memory
// map reports. Carving that array out of physical memory is itself a
// frame-allocator bootstrapping concern (the array cannot come from the Go
// heap, since the Go heap is not usable until this package is initialized),
// so the backing slice is supplied by the caller: the bootstrap layer
// allocates it through the boot memory allocator and maps it via the direct
// map before calling Init (see kernel/mem/pmm/bootmem).
//
// The free list starts out empty. Callers populate it by handing bootstrap
// memory regions to Deallocate; see bootmem.Consume.
func Init(backing []FrameRecord, dm DirectMapper) {
	records = backing
	directMap = dm
	freeListHead.Store(uint32(NoFrame))
	freeMemory.Store(0)
}

// EnableFillPattern arranges for every frame returned by Allocate to be
// memset to the given debug byte pattern before being handed out. This is
// optional and primarily intended for catching use-after-free and
// uninitialized-memory bugs during development.
func EnableFillPattern(pattern byte) {
	fillPattern = pattern
	fillEnabled = true
}

// FreeMemory returns the amount of memory currently available for
// allocation. Updates to this counter use release ordering on the writer
// side; Go's atomic package applies sequential consistency, which
// subsumes it.
func FreeMemory() mem.Size {
	return mem.Size(freeMemory.Load())
}

// Allocate reserves and returns a single frame from the free list.
//
// The algorithm is a classic Treiber-stack pop: load the current head,
// read its stored next link, and CAS the head from the old value to next.
// The loop retries on CAS failure; it never blocks and never allocates.
func Allocate() (Frame, *kernel.Error) {
	for {
		head := Frame(freeListHead.Load())
		if !head.Valid() {
			return NoFrame, ErrFramesExhausted
		}

		next := records[head].next.Load()
		if freeListHead.CompareAndSwap(uint32(head), next) {
			records[head].next.Store(uint32(NoFrame))
			freeMemory.Add(-int64(mem.PageSize))

			if fillEnabled && directMap != nil {
				mem.Memset(directMap.FromPhysical(head.Address()), fillPattern, mem.PageSize)
			}

			return head, nil
		}
	}
}

// FrameList is a plain, non-atomic singly linked list of frames used to
// batch deallocations. It is built up by a single owner (e.g. the caller
// assembling frames to release) and then spliced onto the free list as one
// atomic operation.
type FrameList struct {
	first Frame
	last  Frame
	count uint32
}

// NewFrameList returns an empty FrameList.
func NewFrameList() FrameList {
	return FrameList{first: NoFrame, last: NoFrame}
}

// Len returns the number of frames currently queued in the list.
func (l *FrameList) Len() uint32 {
	return l.count
}

// Append adds a frame to the list. It is not safe to call concurrently with
// other operations on the same list.
func (l *FrameList) Append(f Frame) {
	records[f].next.Store(uint32(NoFrame))

	if !l.first.Valid() {
		l.first = f
		l.last = f
	} else {
		records[l.last].next.Store(uint32(f))
		l.last = f
	}
	l.count++
}

// Deallocate splices an owned, non-empty FrameList onto the free list with a
// single CAS loop and publishes the reclaimed memory. Deallocate is a no-op
// if the list is empty.
func Deallocate(list FrameList) {
	if list.count == 0 {
		return
	}

	for {
		head := freeListHead.Load()
		records[list.last].next.Store(head)
		if freeListHead.CompareAndSwap(head, uint32(list.first)) {
			freeMemory.Add(int64(mem.Size(list.count) * mem.PageSize))
			return
		}
	}
}
