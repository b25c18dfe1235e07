package slab

import (
	"unsafe"

	"github.com/arenaos/kernel/kernel"
)

// Cache is a thin typed façade over a rawCache, the same "typed wrapper
// over an untyped engine" shape vmm.Page and pmm.Frame use over raw
// uintptr arithmetic: a typed Cache[T] call forwards to a rawCache.
type Cache[T any] struct {
	raw *rawCache
}

// NewCache builds a Cache[T]. cfg supplies the backing source and policy;
// ItemSize and Align are overwritten from T's own layout. ctor/dtor, if
// non-nil, run once per slab slot with a typed *T rather than the raw
// address rawCache itself deals in.
func NewCache[T any](cfg Config, ctor func(item *T) *kernel.Error, dtor func(item *T)) (*Cache[T], *kernel.Error) {
	var zero T
	cfg.ItemSize = uint64(unsafe.Sizeof(zero))
	cfg.Align = uint64(unsafe.Alignof(zero))

	if ctor != nil {
		cfg.Ctor = func(addr uintptr) *kernel.Error {
			return ctor(itemPtr[T](addr))
		}
	}
	if dtor != nil {
		cfg.Dtor = func(addr uintptr) {
			dtor(itemPtr[T](addr))
		}
	}

	raw, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Cache[T]{raw: raw}, nil
}

func itemPtr[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}

// Allocate hands out a single constructed *T.
func (c *Cache[T]) Allocate() (*T, *kernel.Error) {
	var out [1]uintptr
	if err := c.raw.AllocateMany(out[:]); err != nil {
		return nil, err
	}
	return itemPtr[T](out[0]), nil
}

// AllocateMany hands out len(out) constructed items.
func (c *Cache[T]) AllocateMany(out []*T) *kernel.Error {
	raw := make([]uintptr, len(out))
	if err := c.raw.AllocateMany(raw); err != nil {
		return err
	}
	for i, addr := range raw {
		out[i] = itemPtr[T](addr)
	}
	return nil
}

// Deallocate returns item to its owning slab.
func (c *Cache[T]) Deallocate(item *T) {
	c.raw.DeallocateMany([]uintptr{uintptr(unsafe.Pointer(item))})
}

// DeallocateMany returns every item in items to its owning slab.
func (c *Cache[T]) DeallocateMany(items []*T) {
	raw := make([]uintptr, len(items))
	for i, item := range items {
		raw[i] = uintptr(unsafe.Pointer(item))
	}
	c.raw.DeallocateMany(raw)
}

// Deinit tears the cache down; see rawCache.Deinit.
func (c *Cache[T]) Deinit() {
	c.raw.Deinit()
}
