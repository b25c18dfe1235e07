// Package kregion implements the kernel memory region list: a small sorted
// array of tagged virtual-address ranges describing how the kernel address
// space is carved up (executable/read-only/data sections, direct maps,
// heap/stack/region reservations). It generalizes the early bump-downward
// reservation of kernel address space that kernel/goruntime's bootstrap
// once relied on into a queryable, typed list.
package kregion

import "github.com/arenaos/kernel/kernel"

// Type classifies one region of the kernel address space.
type Type uint8

const (
	Unknown Type = iota
	KernelExecutable
	KernelReadOnly
	KernelData
	SdfSection
	DirectMap
	NonCachedDirectMap
	KernelHeap
	SpecialHeap
	KernelStacks
	KernelAddressSpace
	PagesArray
)

// Region is one tagged, page-aligned range.
type Region struct {
	Base uint64
	Len  uint64
	Type Type
}

func (r Region) End() uint64 { return r.Base + r.Len }

// ErrNoFreeGap is returned by FindFree when no gap of the requested size
// and alignment exists between any two registered regions.
var ErrNoFreeGap = &kernel.Error{Module: "kregion", Message: "no free gap of the requested size is available"}

// List is a sorted-by-base array of regions. It is built once, at boot,
// from constructor parameters (linker-exported section bases, the
// bootloader's direct map, and the top-frame-derived size of the pages
// array) rather than by reading linker symbols itself; the boot glue that
// resolves those symbols is out of scope here and passes the resulting
// bases in.
type List struct {
	regions []Region
}

// New builds a region list from an initial, already non-overlapping set of
// regions, sorting them by base.
func New(initial []Region) *List {
	l := &List{regions: append([]Region(nil), initial...)}
	l.sort()
	return l
}

func (l *List) sort() {
	for i := 1; i < len(l.regions); i++ {
		for j := i; j > 0 && l.regions[j-1].Base > l.regions[j].Base; j-- {
			l.regions[j-1], l.regions[j] = l.regions[j], l.regions[j-1]
		}
	}
}

// Add inserts a new region in base order. Callers are responsible for
// ensuring it does not overlap an existing one.
func (l *List) Add(r Region) {
	l.regions = append(l.regions, r)
	l.sort()
}

// Lookup returns the region containing addr, if any.
func (l *List) Lookup(addr uint64) (Region, bool) {
	for _, r := range l.regions {
		if addr >= r.Base && addr < r.End() {
			return r, true
		}
	}
	return Region{}, false
}

// ByType returns every region tagged with t, in base order.
func (l *List) ByType(t Type) []Region {
	var out []Region
	for _, r := range l.regions {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// FindFree walks the sorted region list and returns the base of the first
// gap of at least size bytes, aligned to align, strictly between two
// registered regions (or after the last one, up to the address space
// ceiling). This generalizes a single counter bumped downward from the
// top of the address space into a proper gap scan over arbitrarily many
// reserved ranges.
func (l *List) FindFree(size, align, ceiling uint64) (uint64, *kernel.Error) {
	cursor := uint64(0)
	for i, r := range l.regions {
		candidate := alignUp(cursor, align)
		if i > 0 && candidate+size <= r.Base {
			return candidate, nil
		}
		if r.End() > cursor {
			cursor = r.End()
		}
	}

	candidate := alignUp(cursor, align)
	if candidate+size <= ceiling {
		return candidate, nil
	}
	return 0, ErrNoFreeGap
}
