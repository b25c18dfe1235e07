// Package arena implements a Bonwick/Adams-style resource arena: a general
// purpose allocator of opaque address ranges (not necessarily memory-backed)
// built from boundary tags, a power-of-two freelist with a bitmap
// accelerator, and an allocation hash table keyed by base address.
package arena

import (
	"sync"

	"github.com/arenaos/kernel/kernel"
)

// Allocation describes a range handed back by Allocate.
type Allocation struct {
	Base uint64
	Len  uint64
}

// QuantumCache lets an arena's Allocate/Deallocate fast path bypass the
// boundary-tag machinery entirely for common small sizes. It is satisfied
// by slab.Cache[uint64]-shaped wrappers; the arena package never imports
// the slab package directly (doing so would close an import cycle, since
// slab's large-object size classes are backed by an arena). Callers that
// want quantum caching construct a slab cache of their own and pass it in
// via EnableQuantumCaching.
type QuantumCache interface {
	Allocate() (uint64, *kernel.Error)
	Deallocate(base uint64)
}

// ImportFn requests additional space of the given length from a source
// arena; ReleaseFn returns space no longer needed back to it.
type ImportFn func(length uint64) (Allocation, *kernel.Error)
type ReleaseFn func(a Allocation)

// Arena is a single resource arena instance.
type Arena struct {
	name    string
	quantum uint64

	mu sync.Mutex

	allHead, allTail   *Tag
	spanHead, spanTail *Tag
	freelists          [numFreelists]*Tag
	freelistBitmap     uint64
	hashBuckets        [numHashBuckets]*Tag

	stashMu  sync.Mutex
	tagStash []*Tag

	importFn  ImportFn
	releaseFn ReleaseFn

	quantumCaches map[uint64]QuantumCache
}

// Init prepares an arena for use. quantum must be a power of two; all span
// bases/lengths and allocation requests are rounded to it. A zero ImportFn
// marks the arena as having no source: Allocate returns
// ErrRequestedLengthUnavailable once existing spans are exhausted instead of
// importing more.
func Init(name string, quantum uint64, importFn ImportFn, releaseFn ReleaseFn) (*Arena, *kernel.Error) {
	if quantum == 0 || quantum&(quantum-1) != 0 {
		return nil, ErrInvalidQuantum
	}

	return &Arena{
		name:      name,
		quantum:   quantum,
		importFn:  importFn,
		releaseFn: releaseFn,
	}, nil
}

// Name returns the arena's diagnostic name.
func (a *Arena) Name() string { return a.name }

// Quantum returns the arena's allocation granularity.
func (a *Arena) Quantum() uint64 { return a.quantum }

func roundUp(v, quantum uint64) uint64 {
	return (v + quantum - 1) &^ (quantum - 1)
}

// AddSpan registers a new span of externally-owned space with the arena,
// making [base, base+len) available for allocation. It does not consult or
// invoke the arena's source.
func (a *Arena) AddSpan(base, length uint64) *kernel.Error {
	if length == 0 {
		return ErrZeroLength
	}
	if base%a.quantum != 0 || length%a.quantum != 0 {
		return ErrUnaligned
	}
	if base+length < base {
		return ErrWouldWrap
	}

	if err := a.ensureBoundaryTags(2); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for cur := a.spanHead; cur != nil; cur = cur.kindNext {
		if base < cur.End() && cur.Base < base+length {
			return ErrOverlap
		}
	}

	a.addSpanLocked(base, length, Span)
	return nil
}

// addSpanLocked installs a span tag plus a single covering Free tag. Callers
// must already hold a.mu and must have ensured at least 2 spare tags.
func (a *Arena) addSpanLocked(base, length uint64, kind Kind) {
	span := a.takeTag()
	span.Base, span.Len, span.Kind = base, length, kind
	a.insertAllTags(span)
	a.insertSpan(span)

	free := a.takeTag()
	free.Base, free.Len = base, length
	a.insertAllTags(free)
	a.freelistPush(free)
}

// Allocate reserves length bytes (rounded up to the quantum) from the arena
// and returns the resulting range. If no existing free tag can satisfy the
// request and the arena has a source, Allocate imports a new span sized to
// the request (or the source's own minimum, whichever is larger) before
// retrying once.
func (a *Arena) Allocate(length uint64, policy Policy) (Allocation, *kernel.Error) {
	if length == 0 {
		return Allocation{}, ErrZeroLength
	}
	length = roundUp(length, a.quantum)

	if qc := a.quantumCacheFor(length); qc != nil {
		if base, err := qc.Allocate(); err == nil {
			return Allocation{Base: base, Len: length}, nil
		}
	}

	if err := a.ensureBoundaryTags(3); err != nil {
		return Allocation{}, err
	}

	a.mu.Lock()
	if t := a.findFit(length, policy); t != nil {
		alloc := a.carveLocked(t, length)
		a.mu.Unlock()
		return alloc, nil
	}
	a.mu.Unlock()

	if a.importFn == nil {
		return Allocation{}, ErrRequestedLengthUnavailable
	}

	imported, err := a.importFn(length)
	if err != nil {
		return Allocation{}, ErrRequestedLengthUnavailable
	}

	if err := a.ensureBoundaryTags(3); err != nil {
		return Allocation{}, err
	}

	a.mu.Lock()
	a.addSpanLocked(imported.Base, imported.Len, ImportedSpan)
	t := a.findFit(length, policy)
	if t == nil {
		a.mu.Unlock()
		return Allocation{}, ErrRequestedLengthUnavailable
	}
	alloc := a.carveLocked(t, length)
	a.mu.Unlock()

	return alloc, nil
}

// carveLocked removes length bytes from the front of free tag t, converting
// that prefix into an Allocated tag and pushing any remainder back onto the
// freelist. Callers must hold a.mu and must have ensured at least one spare
// tag (needed only when t.Len > length).
func (a *Arena) carveLocked(t *Tag, length uint64) Allocation {
	a.freelistRemove(t)

	if t.Len == length {
		t.Kind = Allocated
		a.hashInsert(t)
		return Allocation{Base: t.Base, Len: t.Len}
	}

	remainder := a.takeTag()
	remainder.Base = t.Base + length
	remainder.Len = t.Len - length
	a.insertAllTags(remainder)
	a.freelistPush(remainder)

	t.Len = length
	t.Kind = Allocated
	a.hashInsert(t)
	return Allocation{Base: t.Base, Len: t.Len}
}

// Deallocate returns a previously allocated range to the arena, coalescing
// it with any adjacent free neighbors (property: no two adjacent free tags
// survive a deallocation). If the coalesced tag ends up exactly filling an
// ImportedSpan, the span is removed and the source's release callback is
// invoked with it instead of pushing the tag back onto the freelist.
func (a *Arena) Deallocate(alloc Allocation) {
	length := roundUp(alloc.Len, a.quantum)

	if qc := a.quantumCacheFor(length); qc != nil {
		qc.Deallocate(alloc.Base)
		return
	}

	a.mu.Lock()
	t := a.hashLookup(alloc.Base)
	if t == nil {
		a.mu.Unlock()
		kernel.Panic(ErrUnknownAllocation)
		return
	}
	a.hashRemove(t)
	t.Kind = Free

	if prev := t.prevAllTags(); prev != nil && prev.Kind == Free && prev.End() == t.Base {
		a.freelistRemove(prev)
		a.removeAllTags(prev)
		t.Base = prev.Base
		t.Len += prev.Len
		a.returnTag(prev)
	}

	if next := t.nextAllTags(); next != nil && next.Kind == Free && t.End() == next.Base {
		a.freelistRemove(next)
		a.removeAllTags(next)
		t.Len += next.Len
		a.returnTag(next)
	}

	if span := a.findCoveringSpanLocked(t.Base, t.End()); span != nil && span.Kind == ImportedSpan {
		a.removeSpan(span)
		a.removeAllTags(span)
		a.removeAllTags(t)
		released := Allocation{Base: span.Base, Len: span.Len}
		a.returnTag(span)
		a.returnTag(t)
		a.mu.Unlock()

		if a.releaseFn != nil {
			a.releaseFn(released)
		}
		return
	}

	a.freelistPush(t)
	a.mu.Unlock()
}

// EnableQuantumCaching registers qc as the fast-path source/sink for
// allocations/deallocations of exactly size bytes (which must be a multiple
// of the arena's quantum). Quantum caches bypass boundary-tag bookkeeping
// entirely, trading the arena's coalescing guarantee for per-size O(1)
// operations; callers that need both should not enable caching for sizes
// they expect to coalesce.
func (a *Arena) EnableQuantumCaching(size uint64, qc QuantumCache) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quantumCaches == nil {
		a.quantumCaches = make(map[uint64]QuantumCache)
	}
	a.quantumCaches[size] = qc
}

func (a *Arena) quantumCacheFor(size uint64) QuantumCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quantumCaches == nil {
		return nil
	}
	return a.quantumCaches[size]
}

// Deinit panics if any allocation is still outstanding, releases every span
// this arena imported from its source back through releaseFn (spans it
// registered itself via AddSpan are left untouched, since the arena never
// owned that memory), and returns every boundary tag it still holds,
// whether spare or still linked into a list, to the global pool.
func (a *Arena) Deinit() {
	a.mu.Lock()

	for t := a.allHead; t != nil; t = t.allNext {
		if t.Kind == Allocated {
			a.mu.Unlock()
			kernel.Panic(ErrAllocationsOutstanding)
			return
		}
	}

	var imported []Allocation
	for span := a.spanHead; span != nil; {
		next := span.kindNext
		freeTag := a.findFreeTagLocked(span.Base, span.End())

		a.removeSpan(span)
		a.removeAllTags(span)
		if freeTag != nil {
			a.freelistRemove(freeTag)
			a.removeAllTags(freeTag)
		}

		if span.Kind == ImportedSpan {
			imported = append(imported, Allocation{Base: span.Base, Len: span.Len})
		}

		a.returnTag(span)
		if freeTag != nil {
			a.returnTag(freeTag)
		}

		span = next
	}

	a.mu.Unlock()

	if a.releaseFn != nil {
		for _, span := range imported {
			a.releaseFn(span)
		}
	}

	a.releaseAllTagsToGlobalPool()
}
