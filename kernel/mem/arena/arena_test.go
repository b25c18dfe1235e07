package arena

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/pmm"
	"github.com/stretchr/testify/require"
)

const testQuantum = 8

func newTestArenaWithTags(t *testing.T, frames int) *Arena {
	t.Helper()
	seedTagPool(t, frames)

	a, err := Init("test", testQuantum, nil, nil)
	require.Nil(t, err)
	return a
}

type fakeDirectMap struct{ buf []byte }

func (f fakeDirectMap) FromPhysical(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&f.buf[0])) + physAddr
}

// seedTagPool gives the real pmm package frames fresh physical backing and
// wires the global tag pool to draw boundary tags from it, exactly as the
// kernel init sequence would (arena.ConfigureTagPool(pmm.Allocate, ...)).
func seedTagPool(t *testing.T, frames int) {
	t.Helper()

	buf := make([]byte, frames*int(mem.PageSize))
	records := make([]pmm.FrameRecord, frames)
	dm := fakeDirectMap{buf: buf}
	pmm.Init(records, dm)

	list := pmm.NewFrameList()
	for i := 0; i < frames; i++ {
		list.Append(pmm.Frame(i))
	}
	pmm.Deallocate(list)

	ConfigureTagPool(pmm.Allocate, dm)
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a := newTestArenaWithTags(t, 4)
	require.Nil(t, a.AddSpan(0, 64))

	alloc, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)
	require.Equal(t, uint64(16), alloc.Len)

	a.Deallocate(alloc)

	total := freeSpace(a)
	require.Equal(t, uint64(64), total)
}

func TestAllocateSplitsAndCoalesces(t *testing.T) {
	a := newTestArenaWithTags(t, 8)
	require.Nil(t, a.AddSpan(0, 64))

	first, err := a.Allocate(16, FirstFit)
	require.Nil(t, err)

	second, err := a.Allocate(16, FirstFit)
	require.Nil(t, err)

	require.NotEqual(t, first.Base, second.Base)

	a.Deallocate(first)
	a.Deallocate(second)

	require.Equal(t, uint64(64), freeSpace(a))
	require.Equal(t, 1, countFreeTags(a))
}

func TestNoAdjacentFreeTagsSurviveDeallocate(t *testing.T) {
	a := newTestArenaWithTags(t, 8)
	require.Nil(t, a.AddSpan(0, 48))

	x, _ := a.Allocate(16, FirstFit)
	y, _ := a.Allocate(16, FirstFit)
	z, _ := a.Allocate(16, FirstFit)

	a.Deallocate(x)
	a.Deallocate(z)
	a.Deallocate(y)

	require.Equal(t, 1, countFreeTags(a))
}

func TestAllocateExactFitRemovesTagEntirely(t *testing.T) {
	a := newTestArenaWithTags(t, 4)
	require.Nil(t, a.AddSpan(0, 16))

	alloc, err := a.Allocate(16, BestFit)
	require.Nil(t, err)
	require.Equal(t, uint64(0), alloc.Base)
	require.Equal(t, uint64(16), alloc.Len)

	_, err = a.Allocate(8, BestFit)
	require.Equal(t, ErrRequestedLengthUnavailable, err)
}

func TestAllocateZeroLengthIsError(t *testing.T) {
	a := newTestArenaWithTags(t, 2)
	_, err := a.Allocate(0, InstantFit)
	require.Equal(t, ErrZeroLength, err)
}

func TestAddSpanRejectsUnaligned(t *testing.T) {
	a := newTestArenaWithTags(t, 2)
	require.Equal(t, ErrUnaligned, a.AddSpan(1, 16))
}

func TestAddSpanRejectsOverlap(t *testing.T) {
	a := newTestArenaWithTags(t, 4)
	require.Nil(t, a.AddSpan(0, 32))
	require.Equal(t, ErrOverlap, a.AddSpan(16, 32))
}

func TestAllocateImportsFromSourceOnExhaustion(t *testing.T) {
	seedTagPool(t, 16)

	imports := 0
	a, err := Init("child", testQuantum, func(length uint64) (Allocation, *kernel.Error) {
		imports++
		return Allocation{Base: 1000, Len: length}, nil
	}, nil)
	require.Nil(t, err)
	require.Nil(t, a.AddSpan(0, 16))

	_, err = a.Allocate(16, InstantFit)
	require.Nil(t, err)

	second, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)
	require.Equal(t, 1, imports)
	require.Equal(t, uint64(1000), second.Base)
}

func TestAllocateFailsWhenSourceExhausted(t *testing.T) {
	seedTagPool(t, 16)

	a, err := Init("child", testQuantum, func(length uint64) (Allocation, *kernel.Error) {
		return Allocation{}, ErrRequestedLengthUnavailable
	}, nil)
	require.Nil(t, err)
	require.Nil(t, a.AddSpan(0, 16))

	_, err = a.Allocate(16, InstantFit)
	require.Nil(t, err)

	_, err = a.Allocate(16, InstantFit)
	require.Equal(t, ErrRequestedLengthUnavailable, err)
}

func TestDeinitReleasesImportedSpansOnly(t *testing.T) {
	seedTagPool(t, 16)

	var released []Allocation
	a, err := Init("child", testQuantum, func(length uint64) (Allocation, *kernel.Error) {
		return Allocation{Base: 2000, Len: length}, nil
	}, func(alloc Allocation) {
		released = append(released, alloc)
	})
	require.Nil(t, err)

	require.Nil(t, a.AddSpan(0, 16))
	first, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)
	second, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)

	// both allocations are returned before Deinit: Deinit requires no
	// outstanding allocations remain, same as a normal teardown would.
	a.Deallocate(first)
	a.Deallocate(second)

	a.Deinit()

	require.Len(t, released, 1)
	require.Equal(t, uint64(2000), released[0].Base)
}

// TestDeallocateReleasesExactlyCoalescedImportedSpan confirms that
// Deallocate itself, not just Deinit, drives a span back to its source the
// moment coalescing leaves a free tag that exactly fills an ImportedSpan.
// The fake source here mirrors how heap's general arena actually imports
// from its page arena: a single import can back more than one downstream
// allocation, so the span is only released once every carve out of it has
// been freed and coalesced back into one tag.
func TestDeallocateReleasesExactlyCoalescedImportedSpan(t *testing.T) {
	seedTagPool(t, 16)

	const importLen = 64

	var released []Allocation
	a, err := Init("child", testQuantum, func(length uint64) (Allocation, *kernel.Error) {
		return Allocation{Base: 4000, Len: importLen}, nil
	}, func(alloc Allocation) {
		released = append(released, alloc)
	})
	require.Nil(t, err)

	first, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)
	second, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)
	third, err := a.Allocate(32, InstantFit)
	require.Nil(t, err)
	require.Empty(t, released)

	a.Deallocate(first)
	require.Empty(t, released, "span is still partially allocated")

	a.Deallocate(second)
	require.Empty(t, released, "span is still partially allocated")

	a.Deallocate(third)
	require.Len(t, released, 1)
	require.Equal(t, uint64(4000), released[0].Base)
	require.Equal(t, uint64(importLen), released[0].Len)

	require.Equal(t, 0, countFreeTags(a))
}

func TestQuantumCacheBypassesBoundaryTags(t *testing.T) {
	a := newTestArenaWithTags(t, 4)
	require.Nil(t, a.AddSpan(0, 64))

	qc := newFakeQuantumCache()
	a.EnableQuantumCaching(16, qc)

	alloc, err := a.Allocate(16, InstantFit)
	require.Nil(t, err)
	require.Equal(t, uint64(1), qc.allocs)

	a.Deallocate(alloc)
	require.Equal(t, uint64(1), qc.frees)

	// the boundary-tag freelist was never touched
	require.Equal(t, uint64(64), freeSpace(a))
}

func TestConcurrentAllocateDeallocate(t *testing.T) {
	a := newTestArenaWithTags(t, 256)
	require.Nil(t, a.AddSpan(0, 4096))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				alloc, err := a.Allocate(testQuantum, InstantFit)
				if err != nil {
					continue
				}
				a.Deallocate(alloc)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(4096), freeSpace(a))
}

func freeSpace(a *Arena) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for idx := 0; idx < numFreelists; idx++ {
		for t := a.freelists[idx]; t != nil; t = t.kindNext {
			total += t.Len
		}
	}
	return total
}

func countFreeTags(a *Arena) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for idx := 0; idx < numFreelists; idx++ {
		for t := a.freelists[idx]; t != nil; t = t.kindNext {
			n++
		}
	}
	return n
}

type fakeQuantumCache struct {
	stash  []uint64
	next   uint64
	allocs uint64
	frees  uint64
}

func newFakeQuantumCache() *fakeQuantumCache {
	return &fakeQuantumCache{next: 100}
}

func (f *fakeQuantumCache) Allocate() (uint64, *kernel.Error) {
	f.allocs++
	if n := len(f.stash); n > 0 {
		v := f.stash[n-1]
		f.stash = f.stash[:n-1]
		return v, nil
	}
	v := f.next
	f.next += testQuantum
	return v, nil
}

func (f *fakeQuantumCache) Deallocate(base uint64) {
	f.frees++
	f.stash = append(f.stash, base)
}
