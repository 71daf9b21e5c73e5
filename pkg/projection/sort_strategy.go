package projection

import "sort"

// sortStrategy reorders its source layer according to a comparator chain.
// The sort is stable: ties retain their relative order from the source
// layer.
type sortStrategy struct {
	source Strategy

	handlers []SortHandler
	order    []int // order[displayPos] = index into source.Items()
	posOf    []int // inverse of order: posOf[sourceLayerIndex] = displayPos
	dirty    bool
}

func newSortStrategy(source Strategy) *sortStrategy {
	return &sortStrategy{source: source, dirty: true}
}

func (s *sortStrategy) compute() {
	n := s.source.Count()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if len(s.handlers) > 0 {
		items := s.source.Items()
		sort.SliceStable(order, func(i, j int) bool {
			return s.compare(items, order[i], order[j]) < 0
		})
	}
	s.order = order
	s.posOf = make([]int, n)
	for pos, srcIdx := range order {
		s.posOf[srcIdx] = pos
	}
	s.dirty = false
}

func (s *sortStrategy) compare(items []*ProjectionItem, a, b int) int {
	sideA := CompareSide{Item: items[a], CollectionItem: items[a].Contents(), Index: a, CollectionIndex: s.source.GetCollectionIndex(a)}
	sideB := CompareSide{Item: items[b], CollectionItem: items[b].Contents(), Index: b, CollectionIndex: s.source.GetCollectionIndex(b)}
	for _, h := range s.handlers {
		if c := h.Compare(sideA, sideB); c != 0 {
			return c
		}
	}
	return 0
}

func (s *sortStrategy) ensure() {
	if s.dirty {
		s.compute()
	}
}

func (s *sortStrategy) Items() []*ProjectionItem {
	s.ensure()
	srcItems := s.source.Items()
	out := make([]*ProjectionItem, len(s.order))
	for pos, srcIdx := range s.order {
		out[pos] = srcItems[srcIdx]
	}
	return out
}

func (s *sortStrategy) Count() int {
	return s.source.Count()
}

func (s *sortStrategy) At(i int) *ProjectionItem {
	s.ensure()
	if i < 0 || i >= len(s.order) {
		return nil
	}
	return s.source.At(s.order[i])
}

func (s *sortStrategy) GetDisplayIndex(sourceIndex int) int {
	s.ensure()
	j := s.source.GetDisplayIndex(sourceIndex)
	if j < 0 || j >= len(s.posOf) {
		return -1
	}
	return s.posOf[j]
}

func (s *sortStrategy) GetCollectionIndex(displayIndex int) int {
	s.ensure()
	if displayIndex < 0 || displayIndex >= len(s.order) {
		return -1
	}
	return s.source.GetCollectionIndex(s.order[displayIndex])
}

func (s *sortStrategy) Splice(start, deleteCount int, added ...any) []*ProjectionItem {
	removed := s.source.Splice(start, deleteCount, added...)
	s.dirty = true
	return removed
}

func (s *sortStrategy) Invalidate() { s.dirty = true }

func (s *sortStrategy) Reset() {
	s.order = nil
	s.posOf = nil
	s.dirty = true
}

// setHandlers replaces the comparator chain, updating importantProperties
// bookkeeping on the owning Collection for handlers that declare one.
func (s *sortStrategy) setHandlers(owner *Collection, handlers []SortHandler) {
	for _, h := range s.handlers {
		if p, ok := h.(ImportantPropertiesProvider); ok {
			for _, prop := range p.ImportantProperties() {
				owner.releaseImportantProperty(prop)
			}
		}
	}
	s.handlers = handlers
	for _, h := range handlers {
		if p, ok := h.(ImportantPropertiesProvider); ok {
			for _, prop := range p.ImportantProperties() {
				owner.claimImportantProperty(prop)
			}
		}
	}
	s.dirty = true
}

// equalHandlers reports whether handlers is element-wise identical (by
// reference/value) to the current chain, used for the SetSort no-op
// short-circuit.
func (s *sortStrategy) equalHandlers(handlers []SortHandler) bool {
	if len(handlers) != len(s.handlers) {
		return false
	}
	for i := range handlers {
		if !sameCallable(handlers[i], s.handlers[i]) {
			return false
		}
	}
	return true
}
