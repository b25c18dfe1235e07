package bootmem

import (
	"testing"
	"unsafe"

	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/bootinfo"
	"github.com/arenaos/kernel/kernel/mem/pmm"
	"github.com/stretchr/testify/require"
)

// fakeMap is a small in-memory bootinfo.Map used to drive the bootstrap
// allocator in tests without depending on a real bootloader.
type fakeMap struct {
	regions []bootinfo.Region
}

func (f fakeMap) VisitForward(v bootinfo.Visitor) {
	for _, r := range f.regions {
		if !v(r) {
			return
		}
	}
}

func (f fakeMap) VisitBackward(v bootinfo.Visitor) {
	for i := len(f.regions) - 1; i >= 0; i-- {
		if !v(f.regions[i]) {
			return
		}
	}
}

func onePageRegion(startPage uint64, pages uint64, typ bootinfo.RegionType) bootinfo.Region {
	return bootinfo.Region{
		PhysAddress: startPage * uint64(mem.PageSize),
		Length:      pages * uint64(mem.PageSize),
		Type:        typ,
	}
}

func TestAllocFrameLinearBump(t *testing.T) {
	bm := fakeMap{regions: []bootinfo.Region{
		onePageRegion(0, 2, bootinfo.Reserved),
		onePageRegion(2, 4, bootinfo.Free),
		onePageRegion(6, 2, bootinfo.Reserved),
		onePageRegion(8, 3, bootinfo.Free),
	}}

	var alloc Allocator
	var got []pmm.Frame
	for i := 0; i < 7; i++ {
		f, err := alloc.AllocFrame(bm)
		require.NoError(t, err)
		got = append(got, f)
	}

	require.Equal(t, []pmm.Frame{2, 3, 4, 5, 8, 9, 10}, got)

	_, err := alloc.AllocFrame(bm)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestConsumeReclaimsOnlyUnallocatedFrames(t *testing.T) {
	bm := fakeMap{regions: []bootinfo.Region{
		onePageRegion(0, 8, bootinfo.Free),
	}}

	records := make([]pmm.FrameRecord, 8)
	pmm.Init(records, nil)

	var alloc Allocator
	for i := 0; i < 3; i++ {
		_, err := alloc.AllocFrame(bm)
		require.NoError(t, err)
	}

	alloc.Consume(bm)

	require.EqualValues(t, 5*uint64(mem.PageSize), pmm.FreeMemory())

	seen := map[pmm.Frame]bool{}
	for i := 0; i < 5; i++ {
		f, err := pmm.Allocate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, uint32(f), uint32(3))
		require.False(t, seen[f])
		seen[f] = true
	}

	_, err := pmm.Allocate()
	require.Error(t, err)
}

func TestBuildFrameRecordsSizesArrayToTopFrame(t *testing.T) {
	bm := fakeMap{regions: []bootinfo.Region{
		onePageRegion(0, 16, bootinfo.Free),
	}}

	backing := make([]byte, 64*1024)

	var alloc Allocator
	// Use a direct map that resolves straight into our Go-heap backing
	// buffer so BuildFrameRecords can run under the test harness, which
	// has no real physical memory to map.
	fakeDM := bufDirectMap{buf: backing}

	records, err := BuildFrameRecords(bm, &alloc, fakeDM)
	require.NoError(t, err)
	require.Len(t, records, 16)
}

type bufDirectMap struct{ buf []byte }

func (b bufDirectMap) FromPhysical(phys uintptr) uintptr {
	// Every frame maps onto the start of the same backing buffer; this is
	// only valid because the allocations under test are contiguous and
	// small enough to fit, and because nothing in this test reads back
	// frame-specific contents.
	return uintptrOf(b.buf)
}

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
