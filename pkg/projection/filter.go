package projection

// filterEngine maintains a per-position boolean visibility mask computed
// from a chain of predicates. An item passes iff every predicate returns
// true; group headers are finalised only once every member of their group
// has been decided.
type filterEngine struct {
	filters []Filter
	mask    []bool // parallel to the pipeline's materialised items
}

func newFilterEngine() *filterEngine { return &filterEngine{} }

// usesProjectionIndex reports whether any active filter declared that it
// consumes the projection index, forcing a full re-filter on every
// structural change.
func (fe *filterEngine) usesProjectionIndex() bool {
	for _, f := range fe.filters {
		if f.UsesProjectionIndex {
			return true
		}
	}
	return false
}

func (fe *filterEngine) passes(sourceValue any, sourceIndex int, item *ProjectionItem, projectionIndex int, groupHasVisibleMembers *bool) bool {
	for _, f := range fe.filters {
		if !f.Fn(sourceValue, sourceIndex, item, projectionIndex, groupHasVisibleMembers) {
			return false
		}
	}
	return true
}

// sourceIndexFn maps a display position in items to the original source
// collection index, or -1 if the item is synthetic (a GroupHeader).
type sourceIndexFn func(displayPos int) int

// recompute evaluates every item in items (already in final sort/group
// order) and returns the full visibility mask. Header visibility is
// decided once every member of the header's run has been evaluated.
func (fe *filterEngine) recompute(items []*ProjectionItem, srcIndexOf sourceIndexFn) []bool {
	mask := make([]bool, len(items))

	type pendingHeader struct {
		pos        int
		item       *ProjectionItem
		anyVisible bool
	}
	var pending *pendingHeader

	finalize := func() {
		if pending == nil {
			return
		}
		mask[pending.pos] = fe.passes(pending.item.Contents(), -1, pending.item, pending.pos, &pending.anyVisible)
		pending = nil
	}

	for i, item := range items {
		if item.IsGroupHeader() {
			finalize()
			pending = &pendingHeader{pos: i, item: item}
			continue
		}
		srcIdx := srcIndexOf(i)
		visible := fe.passes(item.Contents(), srcIdx, item, i, nil)
		mask[i] = visible
		if pending != nil && visible {
			pending.anyVisible = true
		}
	}
	finalize()

	fe.mask = mask
	return mask
}

// recomputeRange re-evaluates only [start, start+count) in place, expanded
// outward to the nearest header boundaries so that any group touched by
// the range is fully re-decided (header visibility needs the whole run).
func (fe *filterEngine) recomputeRange(items []*ProjectionItem, srcIndexOf sourceIndexFn, start, count int) []bool {
	if len(fe.mask) != len(items) {
		return fe.recompute(items, srcIndexOf)
	}
	lo, hi := start, start+count
	for lo > 0 && !items[lo].IsGroupHeader() {
		lo--
	}
	for hi < len(items) && !items[hi].IsGroupHeader() {
		hi++
	}
	if lo < 0 {
		lo = 0
	}
	if hi > len(items) {
		hi = len(items)
	}

	oldMask := fe.mask
	sub := items[lo:hi]
	subMask := fe.recompute(sub, func(p int) int { return srcIndexOf(lo + p) })
	mask := append([]bool{}, oldMask[:lo]...)
	mask = append(mask, subMask...)
	mask = append(mask, oldMask[hi:]...)
	fe.mask = mask
	return mask
}

func visibleCount(mask []bool) int {
	n := 0
	for _, v := range mask {
		if v {
			n++
		}
	}
	return n
}

// buildSortMap returns, for a freshly computed mask, the list of item
// indices (into items) that are visible, in order — i.e. the permutation
// from visible position to item index.
func buildSortMap(mask []bool) []int {
	out := make([]int, 0, visibleCount(mask))
	for i, v := range mask {
		if v {
			out = append(out, i)
		}
	}
	return out
}
