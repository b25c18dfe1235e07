package arena

// Kind classifies a boundary tag's role and, transitively, which list its
// kind-links belong to.
type Kind uint8

const (
	// Free tags sit on a power-of-two freelist.
	Free Kind = iota

	// Allocated tags sit in the allocation hash table, keyed by base.
	Allocated

	// Span tags describe a block of space the arena owns outright; they
	// sit on the arena's span list, ordered by ascending base.
	Span

	// ImportedSpan tags describe a block of space obtained from a source
	// arena; like Span they sit on the span list.
	ImportedSpan
)

// Tag is the fundamental accounting unit of an arena: a boundary-tag record
// describing one contiguous slice of arena-managed space.
//
// Every tag lives on exactly two intrusive lists at a time: the arena's
// all-tags list (ordered by ascending base, linked through allPrev/allNext)
// and exactly one kind-specific list selected by Kind (linked through
// kindPrev/kindNext): the span list for Span/ImportedSpan, a freelist
// bucket for Free, or a hash bucket for Allocated. A tag is never reachable
// from more than one kind-list at a time; ownership of the Tag value itself
// always rests with the arena's tag pool (see tagpool.go), never with a
// list node.
type Tag struct {
	Base uint64
	Len  uint64
	Kind Kind

	allPrev, allNext   *Tag
	kindPrev, kindNext *Tag
}

// End returns the first address past this tag's range.
func (t *Tag) End() uint64 {
	return t.Base + t.Len
}

// insertAllTags inserts t into the all-tags list, ordered by ascending
// base, immediately before the first tag whose base exceeds t's.
func (a *Arena) insertAllTags(t *Tag) {
	var next *Tag
	for cur := a.allHead; cur != nil; cur = cur.allNext {
		if cur.Base > t.Base {
			next = cur
			break
		}
	}

	if next == nil {
		t.allPrev = a.allTail
		t.allNext = nil
		if a.allTail != nil {
			a.allTail.allNext = t
		} else {
			a.allHead = t
		}
		a.allTail = t
		return
	}

	t.allNext = next
	t.allPrev = next.allPrev
	if next.allPrev != nil {
		next.allPrev.allNext = t
	} else {
		a.allHead = t
	}
	next.allPrev = t
}

func (a *Arena) removeAllTags(t *Tag) {
	if t.allPrev != nil {
		t.allPrev.allNext = t.allNext
	} else {
		a.allHead = t.allNext
	}
	if t.allNext != nil {
		t.allNext.allPrev = t.allPrev
	} else {
		a.allTail = t.allPrev
	}
	t.allPrev, t.allNext = nil, nil
}

// prevAllTags / nextAllTags return the immediate all-tags neighbors of t.
func (t *Tag) prevAllTags() *Tag { return t.allPrev }
func (t *Tag) nextAllTags() *Tag { return t.allNext }

// insertSpan inserts a Span/ImportedSpan tag into the span list, ordered by
// ascending base (property 3: span list ordering).
func (a *Arena) insertSpan(t *Tag) {
	var next *Tag
	for cur := a.spanHead; cur != nil; cur = cur.kindNext {
		if cur.Base > t.Base {
			next = cur
			break
		}
	}

	if next == nil {
		t.kindPrev = a.spanTail
		t.kindNext = nil
		if a.spanTail != nil {
			a.spanTail.kindNext = t
		} else {
			a.spanHead = t
		}
		a.spanTail = t
		return
	}

	t.kindNext = next
	t.kindPrev = next.kindPrev
	if next.kindPrev != nil {
		next.kindPrev.kindNext = t
	} else {
		a.spanHead = t
	}
	next.kindPrev = t
}

// findCoveringSpanLocked returns the span tag whose range exactly matches
// [base, end), if any. Callers must hold a.mu.
func (a *Arena) findCoveringSpanLocked(base, end uint64) *Tag {
	for cur := a.spanHead; cur != nil; cur = cur.kindNext {
		if cur.Base == base && cur.End() == end {
			return cur
		}
	}
	return nil
}

// findFreeTagLocked returns the Free tag whose range exactly matches
// [base, end), if any. Callers must hold a.mu.
func (a *Arena) findFreeTagLocked(base, end uint64) *Tag {
	for cur := a.allHead; cur != nil; cur = cur.allNext {
		if cur.Kind == Free && cur.Base == base && cur.End() == end {
			return cur
		}
	}
	return nil
}

func (a *Arena) removeSpan(t *Tag) {
	if t.kindPrev != nil {
		t.kindPrev.kindNext = t.kindNext
	} else {
		a.spanHead = t.kindNext
	}
	if t.kindNext != nil {
		t.kindNext.kindPrev = t.kindPrev
	} else {
		a.spanTail = t.kindPrev
	}
	t.kindPrev, t.kindNext = nil, nil
}
