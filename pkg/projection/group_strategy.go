package projection

import "fmt"

// groupStrategy inserts synthetic GroupHeader items in front of each
// maximal run of consecutive (post-sort) items sharing a group id. A nil
// group id suppresses the header for that run.
type groupStrategy struct {
	owner  *Collection
	source Strategy

	groupFn GroupFunc

	items   []*ProjectionItem
	headers map[string]*ProjectionItem // group key -> stable header instance

	// sourceIndexAt[displayPos] is the index into source.Items() for a
	// data item at displayPos, or -1 for a header.
	sourceIndexAt []int
	// displayIndexOfSource[i] is the display position of source.Items()[i].
	displayIndexOfSource []int

	dirty bool
}

func newGroupStrategy(source Strategy) *groupStrategy {
	return &groupStrategy{source: source, headers: make(map[string]*ProjectionItem), dirty: true}
}

func groupKey(gid any) string {
	if gid == nil {
		return "\x00nil"
	}
	return fmt.Sprintf("%v", gid)
}

func (g *groupStrategy) compute() {
	srcItems := g.source.Items()
	items := make([]*ProjectionItem, 0, len(srcItems))
	sourceIndexAt := make([]int, 0, len(srcItems))
	displayIndexOfSource := make([]int, len(srcItems))
	newHeaders := make(map[string]*ProjectionItem)

	haveLast := false
	var lastKey string

	for i, it := range srcItems {
		var gid any
		if g.groupFn != nil {
			gid = g.groupFn(it.Contents())
		}
		key := groupKey(gid)
		if !haveLast || key != lastKey {
			if gid != nil {
				header := g.headers[key]
				if header == nil {
					header = newGroupHeader(g.owner, gid)
				}
				items = append(items, header)
				sourceIndexAt = append(sourceIndexAt, -1)
				newHeaders[key] = header
			}
		}
		displayIndexOfSource[i] = len(items)
		items = append(items, it)
		sourceIndexAt = append(sourceIndexAt, i)
		lastKey = key
		haveLast = true
	}

	g.items = items
	g.sourceIndexAt = sourceIndexAt
	g.displayIndexOfSource = displayIndexOfSource
	g.headers = newHeaders
	g.dirty = false
}

func (g *groupStrategy) ensure() {
	if g.dirty {
		g.compute()
	}
}

func (g *groupStrategy) Items() []*ProjectionItem {
	g.ensure()
	return g.items
}

func (g *groupStrategy) Count() int {
	g.ensure()
	return len(g.items)
}

func (g *groupStrategy) At(i int) *ProjectionItem {
	g.ensure()
	if i < 0 || i >= len(g.items) {
		return nil
	}
	return g.items[i]
}

func (g *groupStrategy) GetDisplayIndex(sourceIndex int) int {
	g.ensure()
	if sourceIndex < 0 || sourceIndex >= len(g.displayIndexOfSource) {
		return -1
	}
	return g.displayIndexOfSource[sourceIndex]
}

// GetCollectionIndex returns the source-layer index backing displayIndex,
// or -1 if displayIndex names a GroupHeader (synthetic, no source index).
func (g *groupStrategy) GetCollectionIndex(displayIndex int) int {
	g.ensure()
	if displayIndex < 0 || displayIndex >= len(g.sourceIndexAt) {
		return -1
	}
	return g.sourceIndexAt[displayIndex]
}

func (g *groupStrategy) Splice(start, deleteCount int, added ...any) []*ProjectionItem {
	removed := g.source.Splice(start, deleteCount, added...)
	g.dirty = true
	return removed
}

func (g *groupStrategy) Invalidate() { g.dirty = true }

func (g *groupStrategy) Reset() {
	g.items = nil
	g.sourceIndexAt = nil
	g.displayIndexOfSource = nil
	g.headers = make(map[string]*ProjectionItem)
	g.dirty = true
}

// setGroupFunc replaces the grouping function and discards the header set;
// headers are rebuilt from scratch on next access, so no header instance
// survives a change of grouping function.
func (g *groupStrategy) setGroupFunc(fn GroupFunc) {
	g.groupFn = fn
	g.headers = make(map[string]*ProjectionItem)
	g.dirty = true
}

// GroupItems returns the data items (not the header) currently belonging
// to the group identified by id.
func (g *groupStrategy) GroupItems(id any) []*ProjectionItem {
	g.ensure()
	if g.groupFn == nil {
		return nil
	}
	var out []*ProjectionItem
	for _, it := range g.items {
		if it.IsGroupHeader() {
			continue
		}
		if groupKey(g.groupFn(it.Contents())) == groupKey(id) {
			out = append(out, it)
		}
	}
	return out
}

// GroupByIndex returns the group id that the item at display position i
// belongs to (its own id if it is a header).
func (g *groupStrategy) GroupByIndex(i int) any {
	g.ensure()
	if i < 0 || i >= len(g.items) {
		return nil
	}
	item := g.items[i]
	if item.IsGroupHeader() {
		return item.Contents()
	}
	if g.groupFn == nil {
		return nil
	}
	return g.groupFn(item.Contents())
}
