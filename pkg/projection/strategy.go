package projection

// Strategy is one stage of the materialisation pipeline. Each strategy
// wraps its predecessor (its "source" in pipeline terms) and translates
// coordinates between its own layer and the layer below it.
type Strategy interface {
	// Items returns the materialised slice at this stage. Computed lazily
	// and cached; invalidated on structural change.
	Items() []*ProjectionItem
	// Count is len(Items()).
	Count() int
	// At returns the item at display position i within this stage.
	At(i int) *ProjectionItem
	// Splice propagates a structural edit down the chain and returns the
	// removed items. start is a source collection index at every stage:
	// the sort and group stages forward it unchanged to the direct stage.
	Splice(start, deleteCount int, added ...any) []*ProjectionItem
	// GetDisplayIndex translates a source-layer index into this stage's
	// index space.
	GetDisplayIndex(sourceIndex int) int
	// GetCollectionIndex translates this stage's index into the source
	// layer's index space.
	GetCollectionIndex(displayIndex int) int
	// Invalidate drops memoised state; the next read recomputes it.
	Invalidate()
	// Reset drops memoised state and any projection items this stage
	// created.
	Reset()
}

// pipeline composes the mandatory Direct -> UserSort -> Group chain. The
// order is fixed: group headers must be inserted after sorting so a header
// always precedes the (sorted) members of its group.
type pipeline struct {
	direct *directStrategy
	sort   *sortStrategy
	group  *groupStrategy
}

func newPipeline(owner *Collection) *pipeline {
	d := newDirectStrategy(owner)
	s := newSortStrategy(d)
	g := newGroupStrategy(s)
	g.owner = owner
	return &pipeline{direct: d, sort: s, group: g}
}

// result is the outermost strategy: the one whose Items() is the fully
// materialised, pre-filter projection sequence.
func (p *pipeline) result() Strategy { return p.group }

// invalidateSortAndGroup drops memoised ordering/grouping state after a
// structural edit has already been applied to the direct layer.
func (p *pipeline) invalidateSortAndGroup() {
	p.sort.Invalidate()
	p.group.Invalidate()
}
