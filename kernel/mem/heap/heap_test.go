package heap

import (
	"testing"
	"unsafe"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/arena"
	"github.com/arenaos/kernel/kernel/mem/kregion"
	"github.com/arenaos/kernel/kernel/mem/pmm"
	"github.com/arenaos/kernel/kernel/mem/vmm"
	"github.com/stretchr/testify/require"
)

// fakeMapper treats every virtual range as already backed by real memory:
// tests run as an ordinary Go process with no MMU underneath, so the
// "mapping" a real PageMapper would establish is replaced with a no-op:
// the virtual addresses handed out by the arenas under test are always
// addresses inside a real Go byte slice already.
type fakeMapper struct {
	mapCalls, unmapCalls int
}

func (f *fakeMapper) MapRangeAndBackWithFrames(vmm.AddrRange, vmm.MapType, vmm.FrameAllocator) *kernel.Error {
	f.mapCalls++
	return nil
}

func (f *fakeMapper) MapRangeToPhysicalRange(vmm.AddrRange, vmm.AddrRange, vmm.MapType) *kernel.Error {
	f.mapCalls++
	return nil
}

func (f *fakeMapper) Unmap([]vmm.AddrRange, vmm.BackingDecision, vmm.TopLevelDecision, vmm.FrameAllocator) *kernel.Error {
	f.unmapCalls++
	return nil
}

func (f *fakeMapper) ChangeProtection([]vmm.AddrRange, vmm.MapType) *kernel.Error {
	return nil
}

type fakeFrameAllocator struct{ next uintptr }

func (f *fakeFrameAllocator) Allocate() (uintptr, *kernel.Error) {
	f.next += 0x1000
	return f.next, nil
}

func (f *fakeFrameAllocator) Deallocate(uintptr) {}

// alignedRegion carves an align-aligned, size-byte sub-range out of an
// oversized Go byte slice, returning the region's base address alongside
// the backing slice (which the caller must keep reachable for the
// lifetime of the test).
func alignedRegion(size int, align uint64) (uint64, []byte) {
	buf := make([]byte, size+int(align))
	raw := uint64(uintptr(unsafe.Pointer(&buf[0])))
	base := (raw + align - 1) &^ (align - 1)
	return base, buf
}

// testBacking keeps the Go byte slices behind the test regions reachable
// while the arenas under test hand out addresses inside them.
var testBacking [][]byte

type testDirectMap struct{ buf []byte }

func (d testDirectMap) FromPhysical(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&d.buf[0])) + physAddr
}

// seedTagPool backs arena's global boundary-tag pool with frames from a
// freshly initialized pmm; every arena.AddSpan and Allocate draws on it.
func seedTagPool(frames int) {
	dm := testDirectMap{buf: make([]byte, frames*int(mem.PageSize))}
	pmm.Init(make([]pmm.FrameRecord, frames), dm)
	list := pmm.NewFrameList()
	for i := 0; i < frames; i++ {
		list.Append(pmm.Frame(i))
	}
	pmm.Deallocate(list)
	arena.ConfigureTagPool(pmm.Allocate, dm)
}

func newTestRegionList() *kregion.List {
	seedTagPool(8)
	heapBase, heapBuf := alignedRegion(64*4096, 4096)
	specialBase, specialBuf := alignedRegion(16*4096, 4096)
	testBacking = append(testBacking, heapBuf, specialBuf)
	return kregion.New([]kregion.Region{
		{Base: heapBase, Len: 64 * 4096, Type: kregion.KernelHeap},
		{Base: specialBase, Len: 16 * 4096, Type: kregion.SpecialHeap},
	})
}

func TestInitFailsWithoutHeapRegion(t *testing.T) {
	defer func() { initialized = false }()

	l := kregion.New(nil)
	err := Init(l, &fakeMapper{}, &fakeFrameAllocator{})
	require.NotNil(t, err)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	defer func() { initialized = false }()

	l := newTestRegionList()
	require.Nil(t, Init(l, &fakeMapper{}, &fakeFrameAllocator{}))

	ptr, err := Alloc(64)
	require.Nil(t, err)
	require.NotZero(t, ptr)

	b := (*[64]byte)(unsafe.Pointer(ptr))
	for i := range b {
		b[i] = byte(i)
	}
	for i := range b {
		require.Equal(t, byte(i), b[i])
	}

	require.Nil(t, Free(ptr))
}

func TestAllocSmallSizeUsesQuantumCache(t *testing.T) {
	defer func() { initialized = false }()

	l := newTestRegionList()
	require.Nil(t, Init(l, &fakeMapper{}, &fakeFrameAllocator{}))

	var ptrs [8]uintptr
	for i := range ptrs {
		ptr, err := Alloc(32)
		require.Nil(t, err)
		ptrs[i] = ptr
	}
	for _, ptr := range ptrs {
		require.Nil(t, Free(ptr))
	}
}

func TestFreeRejectsCorruptHeader(t *testing.T) {
	defer func() { initialized = false }()

	l := newTestRegionList()
	require.Nil(t, Init(l, &fakeMapper{}, &fakeFrameAllocator{}))

	ptr, err := Alloc(32)
	require.Nil(t, err)

	hdr := (*allocHeader)(unsafe.Pointer(ptr - uintptr(headerSize)))
	hdr.magic = 0

	require.Equal(t, ErrHeaderCorrupt, Free(ptr))
}

func TestAllocateSpecialMapsRequestedRange(t *testing.T) {
	defer func() { initialized = false }()

	l := newTestRegionList()
	m := &fakeMapper{}
	require.Nil(t, Init(l, m, &fakeFrameAllocator{}))

	const physAddr = 0xb8000
	base, err := AllocateSpecial(4096, physAddr, vmm.MapFlagPresent|vmm.MapFlagReadWrite)
	require.Nil(t, err)
	require.NotZero(t, base)
	require.Equal(t, 1, m.mapCalls)

	require.Nil(t, FreeSpecial(base, 4096))
	require.Equal(t, 1, m.unmapCalls)
}

func TestAllocateSpecialRejectsUnalignedPhysAddr(t *testing.T) {
	defer func() { initialized = false }()

	l := newTestRegionList()
	m := &fakeMapper{}
	require.Nil(t, Init(l, m, &fakeFrameAllocator{}))

	_, err := AllocateSpecial(4096, 0xb8001, vmm.MapFlagPresent|vmm.MapFlagReadWrite)
	require.Equal(t, ErrPhysAddrNotPageAligned, err)
	require.Equal(t, 0, m.mapCalls)
}

func TestOperationsFailBeforeInit(t *testing.T) {
	defer func() { initialized = false }()
	initialized = false

	_, err := Alloc(16)
	require.Equal(t, ErrNotInitialized, err)

	require.Equal(t, ErrNotInitialized, Free(0))

	_, err = AllocateSpecial(4096, 0, 0)
	require.Equal(t, ErrNotInitialized, err)
}
