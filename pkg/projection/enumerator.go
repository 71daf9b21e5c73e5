package projection

import "reflect"

// Enumerator is an independent forward/backward cursor over a Collection's
// current visible sequence (C7). Multiple Enumerators can be active over
// the same Collection simultaneously without interfering with each other
// or with the Collection's own built-in cursor.
//
// An Enumerator reflects whatever the Collection's visible sequence is at
// the moment each method is called: it holds no snapshot of its own, only a
// position. If the Collection mutates out from under a live position, the
// next call re-resolves against the current sequence. The position itself
// is not adjusted: while it lies outside [0, Count()), Current returns nil.
type Enumerator struct {
	coll *Collection
	pos  int
}

// Reset rewinds the enumerator to before the first item.
func (e *Enumerator) Reset() { e.pos = -1 }

// MoveNext advances to the next visible item (including group headers),
// reporting whether one exists.
func (e *Enumerator) MoveNext() bool {
	if e.pos+1 >= e.coll.Count() {
		e.pos = e.coll.Count()
		return false
	}
	e.pos++
	return true
}

// MovePrevious moves to the previous visible item, reporting whether one
// exists.
func (e *Enumerator) MovePrevious() bool {
	if e.pos <= 0 {
		e.pos = -1
		return false
	}
	e.pos--
	return true
}

// Current returns the item at the enumerator's current position, or nil if
// the position is before the first or after the last item.
func (e *Enumerator) Current() *ProjectionItem { return e.coll.At(e.pos) }

// CurrentIndex returns the enumerator's current visible position.
func (e *Enumerator) CurrentIndex() int { return e.pos }

// SetPosition moves the enumerator directly to pos.
func (e *Enumerator) SetPosition(pos int) { e.pos = pos }

// SetCurrent moves the enumerator to item's visible position, or to -1 if
// item is not currently visible.
func (e *Enumerator) SetCurrent(item *ProjectionItem) { e.pos = e.coll.IndexOf(item) }

// At returns the item at visible position i, independent of the
// enumerator's own position.
func (e *Enumerator) At(i int) *ProjectionItem { return e.coll.At(i) }

// Count returns the number of currently visible items.
func (e *Enumerator) Count() int { return e.coll.Count() }

// IndexByValue returns the visible position of the first ProjectionItem
// whose named property equals value, or -1. Comparison uses reflect.DeepEqual
// rather than ==, so it never panics on a source value that isn't
// comparable (a struct holding a slice or map field, or a bare map).
func (e *Enumerator) IndexByValue(prop string, value any) int {
	for i := 0; i < e.coll.Count(); i++ {
		it := e.coll.At(i)
		if it == nil || it.IsGroupHeader() {
			continue
		}
		v, ok := extractProperty(it.Contents(), prop)
		if ok && reflect.DeepEqual(v, value) {
			return i
		}
	}
	return -1
}

// InternalBySource returns the visible position corresponding to source
// collection index sourceIdx.
func (e *Enumerator) InternalBySource(sourceIdx int) int { return e.coll.IndexBySourceIndex(sourceIdx) }

// SourceByInternal returns the source collection index backing the item at
// visible position i.
func (e *Enumerator) SourceByInternal(i int) int { return e.coll.SourceIndexByIndex(i) }

// Enumerator returns a fresh, independent Enumerator positioned before the
// first item.
func (c *Collection) Enumerator() *Enumerator { return &Enumerator{coll: c, pos: -1} }
