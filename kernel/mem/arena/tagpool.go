package arena

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/mem"
	"github.com/arenaos/kernel/kernel/mem/pmm"
)

// FrameAllocFn allocates a single physical frame; it is the shape of
// pmm.Allocate, injected rather than imported directly so tests can swap in
// a fake source.
type FrameAllocFn func() (pmm.Frame, *kernel.Error)

// globalTagPool is the process-wide supply of unused boundary tags, hard
// wired to the frame allocator and never to a (general, heap-backed) slab
// cache. This breaks the cyclic dependency between the arena package and
// the slab package: the tag pool is Pmm-sourced small object storage
// implemented directly against pmm, not a reuse of the public slab.Cache
// machinery (which would need to import this package for its own
// large-object arena backing, creating an import cycle).
var globalTagPool tagPool

type tagPool struct {
	mu        sync.Mutex
	free      *Tag // singly linked through kindNext
	allocFn   FrameAllocFn
	directMap pmm.DirectMapper
	ready     bool
}

// ConfigureTagPool wires the global tag pool to the frame allocator and the
// direct-mapping collaborator. It must be called exactly once, early in
// the kernel init sequence, before any Arena.Init call.
func ConfigureTagPool(allocFn FrameAllocFn, directMap pmm.DirectMapper) {
	globalTagPool.mu.Lock()
	defer globalTagPool.mu.Unlock()
	globalTagPool.allocFn = allocFn
	globalTagPool.directMap = directMap
	globalTagPool.free = nil
	globalTagPool.ready = true
}

// take removes up to n tags from the pool, refilling from a fresh frame as
// needed. It returns as many tags as it could supply along with
// ErrOutOfBoundaryTags if that is fewer than n.
func (p *tagPool) take(n int) ([]*Tag, *kernel.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Tag, 0, n)
	for len(out) < n {
		if p.free == nil {
			if err := p.refillLocked(); err != nil {
				return out, err
			}
		}
		t := p.free
		p.free = t.kindNext
		t.kindNext = nil
		out = append(out, t)
	}
	return out, nil
}

// release returns a tag to the pool, e.g. during Arena.Deinit.
func (p *tagPool) release(t *Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*t = Tag{}
	t.kindNext = p.free
	p.free = t
}

func (p *tagPool) refillLocked() *kernel.Error {
	if !p.ready {
		return ErrOutOfBoundaryTags
	}

	frame, err := p.allocFn()
	if err != nil {
		return ErrOutOfBoundaryTags
	}

	base := p.directMap.FromPhysical(frame.Address())
	mem.Memset(base, 0, mem.PageSize)

	tagSize := unsafe.Sizeof(Tag{})
	count := int(mem.PageSize) / int(tagSize)

	var tags []Tag
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&tags))
	hdr.Data = base
	hdr.Len = count
	hdr.Cap = count

	for i := range tags {
		t := &tags[i]
		t.kindNext = p.free
		p.free = t
	}

	return nil
}

// ensureBoundaryTags tops the arena's local stash up to at least n spare
// tags. Every public mutating call does this before acquiring the arena
// mutex (the required count per call is bounded: span creation = 2, partial
// allocation = 1, exact allocation = 0, so n is never greater than 3),
// guaranteeing that the mutating call itself can proceed allocation-free.
func (a *Arena) ensureBoundaryTags(n int) *kernel.Error {
	a.stashMu.Lock()
	need := n - len(a.tagStash)
	a.stashMu.Unlock()
	if need <= 0 {
		return nil
	}

	got, err := globalTagPool.take(need)

	a.stashMu.Lock()
	a.tagStash = append(a.tagStash, got...)
	short := len(a.tagStash) < n
	a.stashMu.Unlock()

	if err != nil && short {
		return ErrOutOfBoundaryTags
	}
	return nil
}

// takeTag pops one spare tag from the arena's stash. Callers must have
// called ensureBoundaryTags with a sufficient count first.
func (a *Arena) takeTag() *Tag {
	a.stashMu.Lock()
	defer a.stashMu.Unlock()
	n := len(a.tagStash)
	t := a.tagStash[n-1]
	a.tagStash = a.tagStash[:n-1]
	return t
}

// returnTag pushes a now-unused tag back onto the arena's stash.
func (a *Arena) returnTag(t *Tag) {
	*t = Tag{}
	a.stashMu.Lock()
	a.tagStash = append(a.tagStash, t)
	a.stashMu.Unlock()
}

// releaseAllTagsToGlobalPool drains the arena's stash back to the global
// tag pool; used by Deinit.
func (a *Arena) releaseAllTagsToGlobalPool() {
	a.stashMu.Lock()
	stash := a.tagStash
	a.tagStash = nil
	a.stashMu.Unlock()

	for _, t := range stash {
		globalTagPool.release(t)
	}
}
