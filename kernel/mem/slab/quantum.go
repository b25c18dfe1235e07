package slab

import "github.com/arenaos/kernel/kernel"

// QuantumAdapter adapts a rawCache of fixed-size slots to the shape
// kernel/mem/arena.QuantumCache expects (Allocate() (uint64, *kernel.Error),
// Deallocate(base uint64)). It satisfies that interface structurally; this
// package never imports kernel/mem/arena, since arena's own boundary-tag
// supply is implemented directly against pmm precisely to avoid an
// arena-imports-slab-imports-arena cycle (see kernel/mem/arena/tagpool.go).
// Callers that want quantum caching construct a QuantumAdapter here and
// hand it to Arena.EnableQuantumCaching themselves.
type QuantumAdapter struct {
	raw *rawCache
}

// NewQuantumCache builds a small-item cache of exactly itemSize bytes per
// slot and wraps it as a QuantumAdapter.
func NewQuantumCache(cfg Config, itemSize uint64) (*QuantumAdapter, *kernel.Error) {
	cfg.ItemSize = itemSize
	cfg.Large = false
	raw, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &QuantumAdapter{raw: raw}, nil
}

// Allocate hands out one slot's address as a uint64.
func (q *QuantumAdapter) Allocate() (uint64, *kernel.Error) {
	var out [1]uintptr
	if err := q.raw.AllocateMany(out[:]); err != nil {
		return 0, err
	}
	return uint64(out[0]), nil
}

// Deallocate returns the slot at base to its owning slab.
func (q *QuantumAdapter) Deallocate(base uint64) {
	q.raw.DeallocateMany([]uintptr{uintptr(base)})
}
