package projection

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// collectionOptions holds the resolved configuration of a Collection,
// assembled from whatever CollectionOptions were passed to NewCollection.
type collectionOptions struct {
	idProperty          string
	unique              bool
	logger              Logger
	tracer              trace.Tracer
	importantProperties []string
}

// CollectionOption configures a Collection at construction time.
type CollectionOption func(*collectionOptions)

// WithIDProperty configures the struct field or map key used to extract a
// stable identity from a source value when it doesn't implement HasID.
func WithIDProperty(prop string) CollectionOption {
	return func(o *collectionOptions) { o.idProperty = prop }
}

// WithUnique enables id-based deduplication in the direct strategy: a
// source value whose id matches one already present is elided from the
// projection entirely.
func WithUnique(flag bool) CollectionOption {
	return func(o *collectionOptions) { o.unique = flag }
}

// WithLogger supplies a Logger; the default discards everything.
func WithLogger(l Logger) CollectionOption {
	return func(o *collectionOptions) { o.logger = l }
}

// WithTracer supplies an OpenTelemetry tracer used to wrap each update
// session in a span; the default is the global (no-op unless configured)
// tracer.
func WithTracer(t trace.Tracer) CollectionOption {
	return func(o *collectionOptions) { o.tracer = t }
}

// WithImportantProperties declares source-value properties that should
// always be treated as important, in addition to any a SortHandler
// declares via ImportantPropertiesProvider.
func WithImportantProperties(props ...string) CollectionOption {
	return func(o *collectionOptions) { o.importantProperties = append(o.importantProperties, props...) }
}

// Collection is the projection facade (C10): a live, read-only, sorted,
// filtered, and optionally grouped view over a mutable source collection.
// All navigation, selection, and notification methods are safe to call
// from a single goroutine only; the engine has no internal synchronization.
type Collection struct {
	source Source
	opts   collectionOptions

	pipeline *pipeline
	filter   *filterEngine

	items   []*ProjectionItem // pipeline.result().Items(), cached
	mask    []bool
	sortMap []int // visible position -> index into items

	itemToUID map[*ProjectionItem]string
	uidSet    map[string]bool

	staticImportant  map[string]bool // from WithImportantProperties, never released
	dynamicImportant map[string]int  // property -> number of active SortHandlers declaring it

	sourceSynchronized bool
	pendingChanges      []func()

	cursorPos int
	destroyed bool
	busy      bool // true while a source-event/notify handler is on the stack

	beforeListeners  *listenerSet[BeforeChangeListener]
	changeListeners  *listenerSet[CollectionChangeListener]
	afterListeners   *listenerSet[AfterChangeListener]
	currentListeners *listenerSet[CurrentChangeListener]

	unsubChange       func()
	unsubItemChange   func()
	unsubEventRaising func()
}

// NewCollection builds a Collection over source, performs the initial
// materialisation, and subscribes to whichever optional eventing
// capabilities source implements.
func NewCollection(source Source, opts ...CollectionOption) (*Collection, error) {
	if source == nil {
		return nil, newMissingSourceError("NewCollection")
	}

	cfg := collectionOptions{logger: noopLogger{}}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = noopLogger{}
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer("github.com/rodolfodpk/go-collview/pkg/projection")
	}

	c := &Collection{
		source:             source,
		opts:               cfg,
		itemToUID:          make(map[*ProjectionItem]string),
		uidSet:             make(map[string]bool),
		staticImportant:    make(map[string]bool),
		dynamicImportant:   make(map[string]int),
		sourceSynchronized: true,
		cursorPos:          -1,
		beforeListeners:    newListenerSet[BeforeChangeListener](),
		changeListeners:    newListenerSet[CollectionChangeListener](),
		afterListeners:     newListenerSet[AfterChangeListener](),
		currentListeners:   newListenerSet[CurrentChangeListener](),
	}
	for _, p := range cfg.importantProperties {
		c.staticImportant[p] = true
	}
	c.pipeline = newPipeline(c)
	c.filter = newFilterEngine()

	if err := c.loadFromSource(); err != nil {
		return nil, err
	}
	c.recomputeAll()

	if es, ok := source.(EventingSource); ok {
		c.unsubChange = es.OnCollectionChange(c.onSourceChange)
	}
	if ies, ok := source.(ItemEventingSource); ok {
		c.unsubItemChange = ies.OnCollectionItemChange(c.onSourceItemChange)
	}
	if ses, ok := source.(SilenceableSource); ok {
		c.unsubEventRaising = ses.OnEventRaisingChange(c.onSourceEventRaisingChange)
	}

	return c, nil
}

// loadFromSource enumerates source fully into the direct strategy. It uses
// IndexedSource.At when available and falls back to the Reset/MoveNext
// cursor contract otherwise.
func (c *Collection) loadFromSource() error {
	var values []any
	if idx, ok := c.source.(IndexedSource); ok {
		n := idx.Count()
		values = make([]any, n)
		for i := 0; i < n; i++ {
			values[i] = idx.At(i)
		}
	} else {
		c.source.Reset()
		for c.source.MoveNext() {
			values = append(values, c.source.Current())
		}
	}
	c.pipeline.direct.Splice(0, 0, values...)
	return nil
}

// recomputeAll rebuilds items/mask/sortMap from scratch and reconciles the
// uid set against the new item identities. Used for initial load and for
// Reset.
func (c *Collection) recomputeAll() {
	c.items = c.pipeline.result().Items()
	c.reconcileUIDs()
	// Initial load / Reset: there's no prior mask to range off of. Always
	// full.
	c.mask = c.filter.recompute(c.items, c.sourceIndexForDisplay)
	c.sortMap = buildSortMap(c.mask)
}

// reconcileUIDs resolves a uid for every current item that doesn't have one
// yet, and forgets the uid of any item no longer present.
func (c *Collection) reconcileUIDs() {
	present := make(map[*ProjectionItem]bool, len(c.items))
	for _, it := range c.items {
		present[it] = true
		if _, ok := c.itemToUID[it]; !ok {
			_, _ = c.resolveUID(it)
		}
	}
	for it := range c.itemToUID {
		if !present[it] {
			c.forgetUID(it)
		}
	}
}

// sourceIndexForDisplay maps a position in c.items (before filtering) to the
// original source collection's index, or -1 for a GroupHeader.
func (c *Collection) sourceIndexForDisplay(itemsPos int) int {
	j := c.pipeline.group.GetCollectionIndex(itemsPos)
	if j < 0 {
		return -1
	}
	return c.pipeline.sort.GetCollectionIndex(j)
}

func (c *Collection) itemsIndexOf(item *ProjectionItem) int {
	for i, it := range c.items {
		if it == item {
			return i
		}
	}
	return -1
}

// refilterInPlace re-evaluates visibility after c.items has already been
// rebuilt, choosing between a narrow range re-filter and a full one per the
// re-filter policy: a range re-filter is sound only when exactly one item's
// sort key could have changed and that item's items-space position is
// provably unchanged (stable sort means no other item could have moved
// either), and only when no active filter consumes the projection index
// (such a filter's verdict can depend on positions outside the range).
// positionStable is false whenever the caller can't establish that
// invariant, in which case this always falls back to a full recompute.
func (c *Collection) refilterInPlace(itemsPos int, positionStable bool) []bool {
	if positionStable && itemsPos >= 0 && !c.filter.usesProjectionIndex() {
		c.mask = c.filter.recomputeRange(c.items, c.sourceIndexForDisplay, itemsPos, 1)
		return c.mask
	}
	c.mask = c.filter.recompute(c.items, c.sourceIndexForDisplay)
	return c.mask
}

func (c *Collection) currentGroupIDFor(item *ProjectionItem) any {
	idx := c.itemsIndexOf(item)
	if idx < 0 {
		return nil
	}
	return c.pipeline.group.GroupByIndex(idx)
}

// ===========================================================================
// Important-property bookkeeping
// ===========================================================================

func (c *Collection) claimImportantProperty(prop string) {
	c.dynamicImportant[prop]++
}

func (c *Collection) releaseImportantProperty(prop string) {
	if n := c.dynamicImportant[prop]; n <= 1 {
		delete(c.dynamicImportant, prop)
	} else {
		c.dynamicImportant[prop] = n - 1
	}
}

func (c *Collection) isImportant(prop string) bool {
	if c.staticImportant[prop] {
		return true
	}
	_, ok := c.dynamicImportant[prop]
	return ok
}

func (c *Collection) anyImportant(props []string) bool {
	for _, p := range props {
		if c.isImportant(p) {
			return true
		}
	}
	return false
}

// ===========================================================================
// Read-only guard
// ===========================================================================

func (c *Collection) guard(op string) error {
	if c.destroyed {
		return newDestroyedError(op)
	}
	return nil
}

// The projection is a read-only view: every mutating operation a host
// collection might expose fails with ReadOnlyError. Callers mutate the
// source collection instead; the projection picks the change up through
// the source-event adapter.

// Assign replaces the entire backing sequence. Always fails: mutate the
// source instead.
func (c *Collection) Assign(items ...any) error { return newReadOnlyError("Assign", "Assign") }

// Append adds an item at the end. Always fails: mutate the source instead.
func (c *Collection) Append(item any) error { return newReadOnlyError("Append", "Append") }

// Prepend adds an item at the front. Always fails: mutate the source
// instead.
func (c *Collection) Prepend(item any) error { return newReadOnlyError("Prepend", "Prepend") }

// Clear empties the collection. Always fails: mutate the source instead.
func (c *Collection) Clear() error { return newReadOnlyError("Clear", "Clear") }

// Add inserts an item at an arbitrary position. Always fails: mutate the
// source instead.
func (c *Collection) Add(item any, at int) error { return newReadOnlyError("Add", "Add") }

// Remove deletes the first occurrence of item. Always fails: mutate the
// source instead.
func (c *Collection) Remove(item any) error { return newReadOnlyError("Remove", "Remove") }

// RemoveAt deletes the item at index. Always fails: mutate the source
// instead.
func (c *Collection) RemoveAt(index int) error { return newReadOnlyError("RemoveAt", "RemoveAt") }

// Replace overwrites the item at index. Always fails: mutate the source
// instead.
func (c *Collection) Replace(index int, item any) error {
	return newReadOnlyError("Replace", "Replace")
}

// Move relocates an item from oldIndex to newIndex. Always fails: mutate
// the source instead.
func (c *Collection) Move(oldIndex, newIndex int) error {
	return newReadOnlyError("Move", "Move")
}

// ===========================================================================
// Navigation & coordinate queries
// ===========================================================================

// Count returns the number of items currently visible (post-filter),
// including group headers.
func (c *Collection) Count() int { return len(c.sortMap) }

// At returns the visible item at position i, or nil if out of range.
func (c *Collection) At(i int) *ProjectionItem {
	if i < 0 || i >= len(c.sortMap) {
		return nil
	}
	return c.items[c.sortMap[i]]
}

// IndexOf returns the visible position of item, or -1 if item is not
// currently visible.
func (c *Collection) IndexOf(item *ProjectionItem) int {
	for pos, idx := range c.sortMap {
		if c.items[idx] == item {
			return pos
		}
	}
	return -1
}

// Each calls visit for every visible item in order, stopping early if visit
// returns false.
func (c *Collection) Each(visit func(*ProjectionItem) bool) {
	for i := 0; i < len(c.sortMap); i++ {
		if !visit(c.At(i)) {
			return
		}
	}
}

func (c *Collection) firstDataFrom(start, step int) *ProjectionItem {
	for i := start; i >= 0 && i < len(c.sortMap); i += step {
		it := c.At(i)
		if it != nil && !it.IsGroupHeader() {
			return it
		}
	}
	return nil
}

// First returns the first non-header visible item, or nil if empty.
func (c *Collection) First() *ProjectionItem { return c.firstDataFrom(0, 1) }

// Last returns the last non-header visible item, or nil if empty.
func (c *Collection) Last() *ProjectionItem { return c.firstDataFrom(len(c.sortMap)-1, -1) }

// Next returns the next non-header visible item after item, or nil.
func (c *Collection) Next(item *ProjectionItem) *ProjectionItem {
	idx := c.IndexOf(item)
	if idx < 0 {
		return nil
	}
	return c.firstDataFrom(idx+1, 1)
}

// Previous returns the previous non-header visible item before item, or nil.
func (c *Collection) Previous(item *ProjectionItem) *ProjectionItem {
	idx := c.IndexOf(item)
	if idx < 0 {
		return nil
	}
	return c.firstDataFrom(idx-1, -1)
}

// GroupByIndex returns the group id the item at visible position i belongs
// to (its own id if it is itself a GroupHeader), or nil.
func (c *Collection) GroupByIndex(i int) any {
	if i < 0 || i >= len(c.sortMap) {
		return nil
	}
	return c.pipeline.group.GroupByIndex(c.sortMap[i])
}

// GroupItems returns the data items currently belonging to group id.
func (c *Collection) GroupItems(id any) []*ProjectionItem {
	return c.pipeline.group.GroupItems(id)
}

func (c *Collection) sourceIndexOfValue(v any) int {
	slots := c.pipeline.direct.Items()
	for i, it := range slots {
		if it.Contents() == v {
			return c.pipeline.direct.GetCollectionIndex(i)
		}
	}
	return -1
}

// SourceIndexByIndex returns the original source collection index backing
// the item at visible position i, or -1 for a GroupHeader or out-of-range i.
func (c *Collection) SourceIndexByIndex(i int) int {
	if i < 0 || i >= len(c.sortMap) {
		return -1
	}
	return c.sourceIndexForDisplay(c.sortMap[i])
}

// SourceIndexByItem returns the original source collection index backing
// item, even if item is not currently visible due to filtering.
func (c *Collection) SourceIndexByItem(item *ProjectionItem) int {
	idx := c.itemsIndexOf(item)
	if idx < 0 {
		return -1
	}
	return c.sourceIndexForDisplay(idx)
}

// IndexBySourceIndex returns the visible position corresponding to source
// collection index sourceIdx, or -1 if that source item is filtered out or
// out of range.
func (c *Collection) IndexBySourceIndex(sourceIdx int) int {
	j := c.pipeline.sort.GetDisplayIndex(sourceIdx)
	if j < 0 {
		return -1
	}
	itemsIdx := c.pipeline.group.GetDisplayIndex(j)
	if itemsIdx < 0 {
		return -1
	}
	for pos, idx := range c.sortMap {
		if idx == itemsIdx {
			return pos
		}
	}
	return -1
}

// IndexBySourceItem returns the visible position of the projection item
// wrapping sourceItem, or -1.
func (c *Collection) IndexBySourceItem(sourceItem any) int {
	idx := c.sourceIndexOfValue(sourceItem)
	if idx < 0 {
		return -1
	}
	return c.IndexBySourceIndex(idx)
}

// ItemBySourceIndex returns the ProjectionItem backed by source collection
// index sourceIdx, even if currently filtered out, or nil.
func (c *Collection) ItemBySourceIndex(sourceIdx int) *ProjectionItem {
	j := c.pipeline.sort.GetDisplayIndex(sourceIdx)
	if j < 0 {
		return nil
	}
	itemsIdx := c.pipeline.group.GetDisplayIndex(j)
	if itemsIdx < 0 || itemsIdx >= len(c.items) {
		return nil
	}
	return c.items[itemsIdx]
}

// ItemBySourceItem returns the ProjectionItem wrapping sourceItem, or nil.
func (c *Collection) ItemBySourceItem(sourceItem any) *ProjectionItem {
	idx := c.sourceIndexOfValue(sourceItem)
	if idx < 0 {
		return nil
	}
	return c.ItemBySourceIndex(idx)
}

// ===========================================================================
// Cursor
// ===========================================================================

// Current returns the item at the cursor position, or nil.
func (c *Collection) Current() *ProjectionItem { return c.At(c.cursorPos) }

// CurrentPosition returns the cursor's visible position, or -1.
func (c *Collection) CurrentPosition() int { return c.cursorPos }

// SetCurrentPosition moves the cursor to pos, clamped to [-1, Count()-1],
// firing OnCurrentChange listeners if the resolved item or position changed.
func (c *Collection) SetCurrentPosition(pos int) {
	oldPos, oldItem := c.cursorPos, c.Current()
	if pos < -1 {
		pos = -1
	}
	if pos >= c.Count() {
		pos = c.Count() - 1
	}
	c.cursorPos = pos
	newItem := c.Current()
	if oldPos != c.cursorPos || oldItem != newItem {
		c.currentListeners.each(func(fn CurrentChangeListener) {
			c.safeInvoke(func() { fn(newItem, oldItem, c.cursorPos, oldPos) })
		})
	}
}

// SetCurrent moves the cursor to item's visible position, or to -1 if item
// is not currently visible.
func (c *Collection) SetCurrent(item *ProjectionItem) { c.SetCurrentPosition(c.IndexOf(item)) }

// MoveToFirst moves the cursor to the first non-header item. Returns false
// if the projection has no data items.
func (c *Collection) MoveToFirst() bool {
	it := c.First()
	c.SetCurrent(it)
	return it != nil
}

// MoveToLast moves the cursor to the last non-header item.
func (c *Collection) MoveToLast() bool {
	it := c.Last()
	c.SetCurrent(it)
	return it != nil
}

// MoveNext advances the cursor to the next non-header item.
func (c *Collection) MoveNext() bool {
	it := c.Next(c.Current())
	if it == nil {
		return false
	}
	c.SetCurrent(it)
	return true
}

// MovePrevious moves the cursor to the previous non-header item.
func (c *Collection) MovePrevious() bool {
	it := c.Previous(c.Current())
	if it == nil {
		return false
	}
	c.SetCurrent(it)
	return true
}

// ===========================================================================
// Selection
// ===========================================================================

// SetSelected sets item's selection flag. The change is reported as part of
// whichever update session is open when it happens; outside a session it is
// applied immediately with no change packet emitted (selection alone never
// triggers a session on its own — NotifyItemChange or a source mutation
// does).
func (c *Collection) SetSelected(item *ProjectionItem, flag bool) {
	item.setSelected(flag)
}

// ===========================================================================
// Filters
// ===========================================================================

// Filters returns a snapshot of the currently active filter chain.
func (c *Collection) Filters() []Filter {
	return append([]Filter(nil), c.filter.filters...)
}

func filterFnEqual(a, b []Filter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameCallable(a[i].Fn, b[i].Fn) || a[i].UsesProjectionIndex != b[i].UsesProjectionIndex {
			return false
		}
	}
	return true
}

// SetFilter replaces the active filter chain and recomputes visibility. A
// chain identical (by handler reference) to the current one is a no-op.
func (c *Collection) SetFilter(filters ...Filter) {
	if filterFnEqual(c.filter.filters, filters) {
		return
	}
	c.filter.filters = append([]Filter(nil), filters...)
	c.recomputeFilterAndEmit()
}

// AddFilter appends (or, if at is given, inserts) f into the filter chain.
func (c *Collection) AddFilter(f Filter, at ...int) {
	pos := len(c.filter.filters)
	if len(at) > 0 {
		pos = at[0]
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(c.filter.filters) {
		pos = len(c.filter.filters)
	}
	filters := append([]Filter(nil), c.filter.filters[:pos]...)
	filters = append(filters, f)
	filters = append(filters, c.filter.filters[pos:]...)
	c.filter.filters = filters
	c.recomputeFilterAndEmit()
}

// RemoveFilter removes the first filter whose Fn matches f.Fn, reporting
// whether one was found.
func (c *Collection) RemoveFilter(f Filter) bool {
	for i, existing := range c.filter.filters {
		if sameCallable(existing.Fn, f.Fn) {
			c.filter.filters = append(c.filter.filters[:i], c.filter.filters[i+1:]...)
			c.recomputeFilterAndEmit()
			return true
		}
	}
	return false
}

// recomputeFilterAndEmit recomputes visibility in place (items/order are
// unchanged) and emits minimal Add/Remove packets for the positions whose
// visibility flipped.
func (c *Collection) recomputeFilterAndEmit() {
	sess := c.openTracedSession(ActionChange, true, "recompute-filter")
	defer sess.close()

	// The filter chain itself changed, so every position's verdict is
	// suspect: always a full recompute, never a range one.
	oldMask := append([]bool(nil), c.mask...)
	newMask := c.filter.recompute(c.items, c.sourceIndexForDisplay)

	i := 0
	for i < len(newMask) {
		if oldMask[i] == newMask[i] {
			i++
			continue
		}
		becomingVisible := newMask[i]
		j := i
		for j < len(newMask) && oldMask[j] != newMask[j] && newMask[j] == becomingVisible {
			j++
		}
		run := c.items[i:j]
		if becomingVisible {
			sess.addPacket(rawPacket{action: ActionAdd, newItems: run, newIndex: visibleRank(newMask, i)})
		} else {
			groups := make([]any, len(run))
			for k, it := range run {
				groups[k] = c.currentGroupIDFor(it)
			}
			sess.addPacket(rawPacket{action: ActionRemove, oldItems: run, oldIndex: visibleRank(oldMask, i), oldGroups: groups})
		}
		i = j
	}

	c.mask = newMask
	c.sortMap = buildSortMap(newMask)
}

// visibleRank returns the number of true entries in mask[:pos], i.e. the
// visible position pos would occupy if mask[pos] were visible.
func visibleRank(mask []bool, pos int) int {
	n := 0
	for i := 0; i < pos && i < len(mask); i++ {
		if mask[i] {
			n++
		}
	}
	return n
}

// ===========================================================================
// Sort
// ===========================================================================

// SortHandlers returns the currently active comparator chain.
func (c *Collection) SortHandlers() []SortHandler {
	return append([]SortHandler(nil), c.pipeline.sort.handlers...)
}

// SetSort replaces the comparator chain. A chain identical (by handler
// reference) to the current one is a no-op; otherwise the projection is
// re-sorted and, if the visible sequence actually changed, a single Reset
// packet is emitted.
func (c *Collection) SetSort(handlers ...SortHandler) {
	if c.pipeline.sort.equalHandlers(handlers) {
		return
	}
	c.pipeline.sort.setHandlers(c, handlers)
	c.pipeline.group.Invalidate()
	c.recomputeOrderingAndEmit()
}

// AddSort appends (or, if at is given, inserts) h into the comparator
// chain.
func (c *Collection) AddSort(h SortHandler, at ...int) {
	handlers := append([]SortHandler(nil), c.pipeline.sort.handlers...)
	pos := len(handlers)
	if len(at) > 0 {
		pos = at[0]
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(handlers) {
		pos = len(handlers)
	}
	next := append([]SortHandler(nil), handlers[:pos]...)
	next = append(next, h)
	next = append(next, handlers[pos:]...)
	c.SetSort(next...)
}

// RemoveSort removes the first handler matching h, reporting whether one
// was found.
func (c *Collection) RemoveSort(h SortHandler) bool {
	for i, existing := range c.pipeline.sort.handlers {
		if sameCallable(existing, h) {
			next := append([]SortHandler(nil), c.pipeline.sort.handlers[:i]...)
			next = append(next, c.pipeline.sort.handlers[i+1:]...)
			c.SetSort(next...)
			return true
		}
	}
	return false
}

// ===========================================================================
// Uniqueness
// ===========================================================================

// IsUnique reports whether id-based deduplication is enabled.
func (c *Collection) IsUnique() bool { return c.opts.unique }

// SetUnique toggles id-based deduplication. Enabling it drops any
// already-present duplicate (keeping the earliest occurrence); disabling it
// reloads the full source sequence, restoring previously elided items.
func (c *Collection) SetUnique(flag bool) {
	if c.opts.unique == flag {
		return
	}
	c.opts.unique = flag
	if flag {
		c.pipeline.direct.rebuildUnique()
	} else {
		c.pipeline.direct.Reset()
		_ = c.loadFromSource()
	}
	c.pipeline.invalidateSortAndGroup()
	c.recomputeOrderingAndEmit()
}

// ===========================================================================
// Selection
// ===========================================================================

// SelectedItems returns every currently visible item whose Selected flag is
// true.
func (c *Collection) SelectedItems() []*ProjectionItem {
	var out []*ProjectionItem
	for i := 0; i < len(c.sortMap); i++ {
		if it := c.At(i); it.Selected() {
			out = append(out, it)
		}
	}
	return out
}

// SetSelectedItems sets the selection flag of every visible item whose
// Contents() is in sourceValues.
func (c *Collection) SetSelectedItems(sourceValues []any, flag bool) {
	set := make(map[any]bool, len(sourceValues))
	for _, v := range sourceValues {
		set[v] = true
	}
	c.applySelectionChange(func(it *ProjectionItem) bool {
		if it.IsGroupHeader() || !set[it.Contents()] {
			return false
		}
		return it.setSelected(flag)
	})
}

// SetSelectedItemsAll sets the selection flag of every visible data item.
func (c *Collection) SetSelectedItemsAll(flag bool) {
	c.applySelectionChange(func(it *ProjectionItem) bool {
		if it.IsGroupHeader() {
			return false
		}
		return it.setSelected(flag)
	})
}

// InvertSelectedItemsAll flips the selection flag of every visible data
// item. Applying it twice in a row is a no-op on selection state.
func (c *Collection) InvertSelectedItemsAll() {
	c.applySelectionChange(func(it *ProjectionItem) bool {
		if it.IsGroupHeader() {
			return false
		}
		return it.setSelected(!it.Selected())
	})
}

// applySelectionChange applies mutate to every currently visible item and,
// if any selection flag actually flipped, emits a single Replace packet
// spanning the affected items.
func (c *Collection) applySelectionChange(mutate func(*ProjectionItem) bool) {
	sess := c.openTracedSession(ActionReplace, false, "selection")
	defer sess.close()

	var changed []*ProjectionItem
	for i := 0; i < len(c.sortMap); i++ {
		it := c.At(i)
		if mutate(it) {
			changed = append(changed, it)
		}
	}
	if len(changed) == 0 {
		return
	}
	idx := c.IndexOf(changed[0])
	sess.addPacket(rawPacket{action: ActionReplace, newItems: changed, newIndex: idx, oldItems: changed, oldIndex: idx})
}

// ===========================================================================
// Group
// ===========================================================================

// GroupFunc returns the currently active grouping function, or nil.
func (c *Collection) GroupFunc() GroupFunc { return c.pipeline.group.groupFn }

// SetGroup replaces the grouping function (nil disables grouping) and
// recomputes header placement.
func (c *Collection) SetGroup(fn GroupFunc) {
	if sameCallable(fn, c.pipeline.group.groupFn) {
		return
	}
	c.pipeline.group.setGroupFunc(fn)
	c.recomputeOrderingAndEmit()
}

func sameProjectionSequence(a, b []*ProjectionItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recomputeOrderingAndEmit recomputes items/mask/sortMap after a sort or
// group change. Because an arbitrary reorder can touch every position, the
// result is reported as a single Reset packet whenever the visible sequence
// actually differs; a no-op reorder emits nothing.
func (c *Collection) recomputeOrderingAndEmit() {
	sess := c.openTracedSession(ActionChange, true, "recompute-order")
	defer sess.close()

	oldVisible := make([]*ProjectionItem, len(c.sortMap))
	for i, idx := range c.sortMap {
		oldVisible[i] = c.items[idx]
	}

	c.items = c.pipeline.result().Items()
	c.reconcileUIDs()
	c.mask = c.filter.recompute(c.items, c.sourceIndexForDisplay)
	c.sortMap = buildSortMap(c.mask)

	newVisible := make([]*ProjectionItem, len(c.sortMap))
	for i, idx := range c.sortMap {
		newVisible[i] = c.items[idx]
	}

	if !sameProjectionSequence(oldVisible, newVisible) {
		sess.addPacket(rawPacket{action: ActionReset})
	}
}

// ===========================================================================
// Source event handling
// ===========================================================================

func (c *Collection) onSourceEventRaisingChange(ev EventRaisingChange) {
	c.sourceSynchronized = ev.Enabled
	if ev.Enabled {
		pending := c.pendingChanges
		c.pendingChanges = nil
		for _, fn := range pending {
			fn()
		}
	}
}

func (c *Collection) onSourceChange(ev SourceEvent) {
	if !c.sourceSynchronized {
		c.pendingChanges = append(c.pendingChanges, func() { c.onSourceChange(ev) })
		return
	}
	if c.busy {
		c.opts.logger.Printf("onSourceChange: %v", errReentrantMutation)
		return
	}
	c.busy = true
	defer func() { c.busy = false }()

	switch ev.Action {
	case ActionReset:
		c.handleReset()
	case ActionAdd:
		c.handleAdd(ev)
	case ActionRemove:
		c.handleRemove(ev)
	case ActionReplace:
		c.handleReplace(ev)
	case ActionMove:
		c.handleMove(ev)
	}
}

func (c *Collection) onSourceItemChange(ev ItemChangeEvent) {
	if !c.sourceSynchronized {
		c.pendingChanges = append(c.pendingChanges, func() { c.onSourceItemChange(ev) })
		return
	}
	item := c.ItemBySourceItem(ev.Item)
	if item == nil {
		return
	}
	if c.busy {
		c.opts.logger.Printf("onSourceItemChange: %v", errReentrantMutation)
		return
	}
	c.busy = true
	defer func() { c.busy = false }()
	c.notifyItemChangeNow(item, ev.Properties...)
}

func (c *Collection) handleReset() {
	sess := c.openTracedSession(ActionReset, false, "source-reset")
	defer sess.close()

	c.pipeline.direct.Reset()
	c.pipeline.sort.Reset()
	c.pipeline.group.Reset()
	c.itemToUID = make(map[*ProjectionItem]string)
	c.uidSet = make(map[string]bool)
	c.cursorPos = -1

	_ = c.loadFromSource()
	c.recomputeAll()

	sess.addPacket(rawPacket{action: ActionReset})
}

func (c *Collection) handleAdd(ev SourceEvent) {
	sess := c.openTracedSession(ActionAdd, true, "source-add")
	defer sess.close()

	c.pipeline.direct.Splice(ev.NewItemsIndex, 0, ev.NewItems...)
	added := append([]*ProjectionItem(nil), c.pipeline.direct.lastInserted...)
	c.pipeline.invalidateSortAndGroup()

	c.items = c.pipeline.result().Items()
	c.reconcileUIDs()
	// Count-changing: every position past the insertion shifts, so there's
	// no sound range to re-filter. Always full.
	c.mask = c.filter.recompute(c.items, c.sourceIndexForDisplay)
	c.sortMap = buildSortMap(c.mask)

	if len(added) == 0 {
		return
	}
	pos := c.IndexOf(added[0])
	if pos < 0 {
		return
	}
	sess.addPacket(rawPacket{action: ActionAdd, newItems: added, newIndex: pos})
}

func (c *Collection) handleRemove(ev SourceEvent) {
	sess := c.openTracedSession(ActionRemove, true, "source-remove")
	defer sess.close()

	removed := c.pipeline.direct.Splice(ev.OldItemsIndex, len(ev.OldItems))
	if len(removed) == 0 {
		c.pipeline.invalidateSortAndGroup()
		c.recomputeAll()
		return
	}

	oldPos := c.IndexOf(removed[0])
	groups := make([]any, len(removed))
	for i, it := range removed {
		groups[i] = c.currentGroupIDFor(it)
		c.forgetUID(it)
	}

	c.pipeline.invalidateSortAndGroup()
	c.items = c.pipeline.result().Items()
	c.reconcileUIDs()
	// Count-changing: every position past the removal shifts back. Always
	// full.
	c.mask = c.filter.recompute(c.items, c.sourceIndexForDisplay)
	c.sortMap = buildSortMap(c.mask)

	if oldPos < 0 {
		oldPos = 0
	}
	sess.addPacket(rawPacket{action: ActionRemove, oldItems: removed, oldIndex: oldPos, oldGroups: groups})
}

func (c *Collection) handleReplace(ev SourceEvent) {
	sess := c.openTracedSession(ActionReplace, true, "source-replace")
	defer sess.close()

	oldItem := c.pipeline.direct.At(c.pipeline.direct.GetDisplayIndex(ev.OldItemsIndex))
	oldPos := -1
	itemsPosBefore := -1
	if oldItem != nil {
		oldPos = c.IndexOf(oldItem)
		itemsPosBefore = c.itemsIndexOf(oldItem)
	}

	removed := c.pipeline.direct.Splice(ev.OldItemsIndex, len(ev.OldItems), ev.NewItems...)
	added := append([]*ProjectionItem(nil), c.pipeline.direct.lastInserted...)
	c.pipeline.invalidateSortAndGroup()

	c.items = c.pipeline.result().Items()
	c.reconcileUIDs()

	// A 1-for-1 replace that lands on the same items-space position is the
	// one case where a range re-filter is sound: the splice didn't change
	// the item count, and stable sort guarantees no other item's position
	// could have shifted either. Anything else (multi-item splice, or the
	// replacement landing elsewhere after re-sort) falls back to full.
	itemsPosAfter := -1
	if len(removed) == 1 && len(added) == 1 {
		itemsPosAfter = c.itemsIndexOf(added[0])
	}
	positionStable := len(removed) == 1 && len(added) == 1 && itemsPosBefore >= 0 && itemsPosBefore == itemsPosAfter
	c.refilterInPlace(itemsPosAfter, positionStable)
	c.sortMap = buildSortMap(c.mask)

	if len(added) == 0 {
		return
	}
	pos := c.IndexOf(added[0])
	if pos < 0 {
		return
	}
	if oldPos < 0 {
		oldPos = pos
	}
	sess.addPacket(rawPacket{action: ActionReplace, newItems: added, newIndex: pos, oldItems: removed, oldIndex: oldPos})
}

func (c *Collection) handleMove(ev SourceEvent) {
	sess := c.openTracedSession(ActionMove, true, "source-move")
	defer sess.close()

	count := len(ev.OldItems)
	var oldPositions []int
	refs := make([]*ProjectionItem, 0, count)
	for i := 0; i < count; i++ {
		it := c.pipeline.direct.At(c.pipeline.direct.GetDisplayIndex(ev.OldItemsIndex + i))
		if it == nil {
			continue
		}
		refs = append(refs, it)
		oldPositions = append(oldPositions, c.IndexOf(it))
	}

	c.pipeline.direct.Move(ev.OldItemsIndex, count, ev.NewItemsIndex)
	c.pipeline.invalidateSortAndGroup()

	c.items = c.pipeline.result().Items()
	c.reconcileUIDs()
	// An explicit reorder of a whole run: every position between the old
	// and new spot shifts. Always full.
	c.mask = c.filter.recompute(c.items, c.sourceIndexForDisplay)
	c.sortMap = buildSortMap(c.mask)

	if len(refs) == 0 {
		return
	}
	newPos := c.IndexOf(refs[0])
	oldPos := 0
	if len(oldPositions) > 0 {
		oldPos = oldPositions[0]
	}
	sess.addPacket(rawPacket{action: ActionMove, newItems: refs, newIndex: newPos, oldItems: refs, oldIndex: oldPos})
}

// NotifyItemChange informs the Collection that item's backing source value
// changed out of band (no structural SourceEvent), for one or more named
// properties. Its version counter always advances. If any named property
// (or none are named) is important, the item's position is re-derived
// first. An item visible both before and after then gets a Move packet if
// it moved up, and a Change packet otherwise (including when it moved down
// or no named property was important); an item not visible at either point
// gets no packet.
func (c *Collection) NotifyItemChange(item *ProjectionItem, properties ...string) error {
	if err := c.guard("NotifyItemChange"); err != nil {
		return err
	}
	if !c.sourceSynchronized {
		c.pendingChanges = append(c.pendingChanges, func() { c.notifyItemChangeNow(item, properties...) })
		return nil
	}
	c.notifyItemChangeNow(item, properties...)
	return nil
}

func (c *Collection) notifyItemChangeNow(item *ProjectionItem, properties ...string) {
	sess := c.openTracedSession(ActionChange, true, "item-change")
	defer sess.close()

	relevant := len(properties) == 0 || c.anyImportant(properties)
	oldPos := c.IndexOf(item)
	itemsPosBefore := c.itemsIndexOf(item)
	item.bumpVersion()

	if relevant {
		c.pipeline.sort.Invalidate()
		c.pipeline.group.Invalidate()
		c.items = c.pipeline.result().Items()
		c.reconcileUIDs()

		// Only this item's sort/group key could have changed. If its
		// items-space position after the re-sort is the same as before,
		// stable sort guarantees no other item's position moved either, so
		// a range re-filter around just this item is sound; otherwise an
		// arbitrary number of positions may have shifted and a full
		// recompute is required.
		itemsPosAfter := c.itemsIndexOf(item)
		positionStable := itemsPosBefore >= 0 && itemsPosBefore == itemsPosAfter
		c.refilterInPlace(itemsPosAfter, positionStable)
		c.sortMap = buildSortMap(c.mask)
	}

	newPos := c.IndexOf(item)
	if oldPos < 0 || newPos < 0 {
		return
	}
	if relevant && newPos != oldPos {
		if newPos < oldPos {
			sess.addPacket(rawPacket{action: ActionMove, newItems: []*ProjectionItem{item}, newIndex: newPos, oldItems: []*ProjectionItem{item}, oldIndex: oldPos})
			return
		}
		sess.addPacket(rawPacket{action: ActionChange, newItems: []*ProjectionItem{item}, newIndex: newPos, oldItems: []*ProjectionItem{item}, oldIndex: oldPos})
		return
	}
	sess.addPacket(rawPacket{action: ActionChange, newItems: []*ProjectionItem{item}, newIndex: newPos, oldItems: []*ProjectionItem{item}, oldIndex: newPos})
}

// openTracedSession wraps openSession with an optional OpenTelemetry span
// covering the session's lifetime; close() ends the span.
func (c *Collection) openTracedSession(action Action, analyze bool, spanName string) *tracedSession {
	_, span := c.opts.tracer.Start(context.Background(), "projection."+spanName)
	return &tracedSession{session: c.openSession(action, analyze), span: span}
}

type tracedSession struct {
	*session
	span trace.Span
}

func (t *tracedSession) close() {
	t.session.close()
	t.span.End()
}

// ===========================================================================
// Delivery
// ===========================================================================

// safeInvoke runs fn, recovering and logging any panic so one misbehaving
// listener cannot abort the rest of the emission pass.
func (c *Collection) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.logger.Printf("recovered panic in listener: %v", r)
		}
	}()
	fn()
}

// deliver converts packets into CollectionChangeEvents and fires the
// Before/Change/After listener sequence. If packets is empty, nothing
// fires — an update session that produced no visible change is silent.
func (c *Collection) deliver(packets []rawPacket) {
	if len(packets) == 0 {
		return
	}
	c.opts.logger.Debugf("delivering %d change packet(s)", len(packets))

	c.beforeListeners.each(func(fn BeforeChangeListener) { c.safeInvoke(fn) })
	for _, p := range packets {
		ev := CollectionChangeEvent{
			Action:        p.action,
			NewItems:      p.newItems,
			NewItemsIndex: p.newIndex,
			OldItems:      p.oldItems,
			OldItemsIndex: p.oldIndex,
		}
		c.changeListeners.each(func(fn CollectionChangeListener) { c.safeInvoke(func() { fn(ev) }) })
	}
	c.afterListeners.each(func(fn AfterChangeListener) { c.safeInvoke(fn) })
}

// ===========================================================================
// Listener registration
// ===========================================================================

// OnBeforeCollectionChange registers a listener fired once at the start of
// any update session that produces at least one change packet.
func (c *Collection) OnBeforeCollectionChange(fn BeforeChangeListener) func() {
	return c.beforeListeners.add(fn)
}

// OnCollectionChange registers a listener fired once per change packet.
func (c *Collection) OnCollectionChange(fn CollectionChangeListener) func() {
	return c.changeListeners.add(fn)
}

// OnAfterCollectionChange registers a listener fired once at the end of any
// update session that produced at least one change packet.
func (c *Collection) OnAfterCollectionChange(fn AfterChangeListener) func() {
	return c.afterListeners.add(fn)
}

// OnCurrentChange registers a listener fired whenever the cursor's current
// item or position changes.
func (c *Collection) OnCurrentChange(fn CurrentChangeListener) func() {
	return c.currentListeners.add(fn)
}

// ===========================================================================
// Lifecycle
// ===========================================================================

// Destroyed reports whether Destroy has been called.
func (c *Collection) Destroyed() bool { return c.destroyed }

// Destroy unsubscribes from the source, orphans every ProjectionItem this
// Collection created, and marks the Collection unusable. Calling Destroy
// more than once is a no-op.
func (c *Collection) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.unsubChange != nil {
		c.unsubChange()
	}
	if c.unsubItemChange != nil {
		c.unsubItemChange()
	}
	if c.unsubEventRaising != nil {
		c.unsubEventRaising()
	}
	for _, it := range c.items {
		it.owner = nil
	}
	c.items = nil
	c.mask = nil
	c.sortMap = nil
	c.itemToUID = nil
	c.uidSet = nil
}

func (c *Collection) String() string {
	return fmt.Sprintf("Collection{count=%d, destroyed=%t}", c.Count(), c.destroyed)
}

// ===========================================================================
// Debugging
// ===========================================================================

// SnapshotItem is one entry in a Snapshot: an item's observable state at the
// moment the snapshot was taken.
type SnapshotItem struct {
	Contents    any
	UID         string
	Selected    bool
	Version     uint64
	GroupHeader bool
}

// Snapshot is an in-memory debugging/testing aid: it captures the
// Collection's construction options and the observable state of every
// currently visible item. It has no serialization format and performs no
// I/O; it exists only for tests and ad hoc inspection.
type Snapshot struct {
	Count    int
	Unique   bool
	Filters  int
	Sorts    int
	Grouped  bool
	Items    []SnapshotItem
}

// Snapshot captures the Collection's current state for debugging or test
// assertions. Call it sparingly: it walks every visible item.
func (c *Collection) Snapshot() Snapshot {
	items := make([]SnapshotItem, c.Count())
	for i := range items {
		it := c.At(i)
		uid, _ := c.resolveUID(it)
		items[i] = SnapshotItem{
			Contents:    it.Contents(),
			UID:         uid,
			Selected:    it.Selected(),
			Version:     it.version,
			GroupHeader: it.IsGroupHeader(),
		}
	}
	return Snapshot{
		Count:   c.Count(),
		Unique:  c.IsUnique(),
		Filters: len(c.Filters()),
		Sorts:   len(c.SortHandlers()),
		Grouped: c.pipeline.group.groupFn != nil,
		Items:   items,
	}
}
