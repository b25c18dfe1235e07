package slab

import "github.com/cespare/xxhash/v2"

// numLargeBuckets is the bucket count for the large-item descriptor table.
// Kept separate from kernel/mem/arena's own hash table size since the two
// size classes scale independently, but both hash with xxhash.
const numLargeBuckets = 256

// largeItem is the separately-managed descriptor for one large-cache item,
// mapping its base address back to the slab that owns it.
type largeItem struct {
	base        uintptr
	slab        *slabHeader
	hPrev, hNext *largeItem
}

func largeBucket(addr uintptr) int {
	var buf [8]byte
	v := uint64(addr)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
	buf[5] = byte(v >> 40)
	buf[6] = byte(v >> 48)
	buf[7] = byte(v >> 56)
	return int(xxhash.Sum64(buf[:]) % numLargeBuckets)
}

// largeInsert registers addr as belonging to s. It returns false if addr is
// already registered (a contract violation: two items can never share a
// base address).
func (c *rawCache) largeInsert(addr uintptr, s *slabHeader) bool {
	if c.largeLookup(addr) != nil {
		return false
	}

	idx := largeBucket(addr)
	li := &largeItem{base: addr, slab: s, hNext: c.largeBuckets[idx]}
	if c.largeBuckets[idx] != nil {
		c.largeBuckets[idx].hPrev = li
	}
	c.largeBuckets[idx] = li
	return true
}

func (c *rawCache) largeRemove(addr uintptr) {
	idx := largeBucket(addr)
	for li := c.largeBuckets[idx]; li != nil; li = li.hNext {
		if li.base != addr {
			continue
		}
		if li.hPrev != nil {
			li.hPrev.hNext = li.hNext
		} else {
			c.largeBuckets[idx] = li.hNext
		}
		if li.hNext != nil {
			li.hNext.hPrev = li.hPrev
		}
		return
	}
}

func (c *rawCache) largeLookup(addr uintptr) *largeItem {
	idx := largeBucket(addr)
	for li := c.largeBuckets[idx]; li != nil; li = li.hNext {
		if li.base == addr {
			return li
		}
	}
	return nil
}
