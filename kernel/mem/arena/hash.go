package arena

import "github.com/cespare/xxhash/v2"

// numHashBuckets is the fixed bucket count for the allocation hash table.
const numHashBuckets = 256

// hashBucket maps an allocation base to a bucket index using xxhash.
func hashBucket(base uint64) int {
	var buf [8]byte
	buf[0] = byte(base)
	buf[1] = byte(base >> 8)
	buf[2] = byte(base >> 16)
	buf[3] = byte(base >> 24)
	buf[4] = byte(base >> 32)
	buf[5] = byte(base >> 40)
	buf[6] = byte(base >> 48)
	buf[7] = byte(base >> 56)
	return int(xxhash.Sum64(buf[:]) % numHashBuckets)
}

// hashInsert adds an Allocated tag to its bucket.
func (a *Arena) hashInsert(t *Tag) {
	idx := hashBucket(t.Base)
	t.Kind = Allocated
	t.kindPrev = nil
	t.kindNext = a.hashBuckets[idx]
	if a.hashBuckets[idx] != nil {
		a.hashBuckets[idx].kindPrev = t
	}
	a.hashBuckets[idx] = t
}

// hashRemove detaches t from its bucket.
func (a *Arena) hashRemove(t *Tag) {
	idx := hashBucket(t.Base)
	if t.kindPrev != nil {
		t.kindPrev.kindNext = t.kindNext
	} else {
		a.hashBuckets[idx] = t.kindNext
	}
	if t.kindNext != nil {
		t.kindNext.kindPrev = t.kindPrev
	}
	t.kindPrev, t.kindNext = nil, nil
}

// hashLookup finds the Allocated tag starting at base, or nil.
func (a *Arena) hashLookup(base uint64) *Tag {
	idx := hashBucket(base)
	for cur := a.hashBuckets[idx]; cur != nil; cur = cur.kindNext {
		if cur.Base == base {
			return cur
		}
	}
	return nil
}
