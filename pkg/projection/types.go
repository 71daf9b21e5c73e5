// Package projection implements an observable, read-only view over a
// mutable source collection: a composable sort/filter/group pipeline that
// stays in sync with source mutations and emits a minimal stream of
// add/remove/replace/move/reset/change events.
package projection

import "fmt"

// Action identifies the kind of change a projection event describes. It
// mirrors the action vocabulary the source collection itself uses, so the
// mapping from source event to projection event never needs translation.
type Action int

const (
	ActionReset Action = iota
	ActionAdd
	ActionRemove
	ActionReplace
	ActionMove
	ActionChange
)

func (a Action) String() string {
	switch a {
	case ActionReset:
		return "reset"
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	case ActionReplace:
		return "replace"
	case ActionMove:
		return "move"
	case ActionChange:
		return "change"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ProjectionItem wraps a source value (or, for a GroupHeader, a group id)
// with the bookkeeping state the engine needs: a stable identity, a
// selection flag, a version counter bumped on observable mutation, and a
// weak back-reference to the owning Collection.
type ProjectionItem struct {
	contents      any
	instanceID    string
	selected      bool
	version       uint64
	owner         *Collection
	isGroupHeader bool
}

// Contents returns the wrapped source value, or the group id for a
// GroupHeader.
func (p *ProjectionItem) Contents() any { return p.contents }

// InstanceID returns the id assigned at construction; stable for the life
// of the item.
func (p *ProjectionItem) InstanceID() string { return p.instanceID }

// Selected reports the item's current selection flag.
func (p *ProjectionItem) Selected() bool { return p.selected }

// Version returns the monotonically increasing mutation counter.
func (p *ProjectionItem) Version() uint64 { return p.version }

// IsGroupHeader reports whether this item is a synthetic GroupHeader
// rather than a wrapped source value.
func (p *ProjectionItem) IsGroupHeader() bool { return p.isGroupHeader }

// Owner returns the Collection that owns this item, or nil if the item has
// been orphaned by Destroy or a Reset.
func (p *ProjectionItem) Owner() *Collection { return p.owner }

func (p *ProjectionItem) bumpVersion() { p.version++ }

func (p *ProjectionItem) setSelected(flag bool) bool {
	if p.selected == flag {
		return false
	}
	p.selected = flag
	p.bumpVersion()
	return true
}

// newProjectionItem constructs a plain (non-header) projection item.
func newProjectionItem(owner *Collection, contents any) *ProjectionItem {
	return &ProjectionItem{
		contents:   contents,
		instanceID: nextInstanceID("item"),
		version:    1,
		owner:      owner,
	}
}

// newGroupHeader constructs a synthetic item representing a group
// boundary; its contents is the group id itself.
func newGroupHeader(owner *Collection, groupID any) *ProjectionItem {
	return &ProjectionItem{
		contents:      groupID,
		instanceID:    nextInstanceID("group"),
		version:       1,
		owner:         owner,
		isGroupHeader: true,
	}
}

// SourceEvent is the structural-change notification the engine expects a
// source collection to optionally emit.
type SourceEvent struct {
	Action        Action
	NewItems      []any
	NewItemsIndex int
	OldItems      []any
	OldItemsIndex int
}

// ItemChangeEvent is the per-item change notification the engine expects a
// source collection to optionally emit out of band from structural events.
type ItemChangeEvent struct {
	Item       any
	Index      int
	Properties []string
}

// EventRaisingChange toggles a source's batch (silent) mode.
type EventRaisingChange struct {
	Enabled bool
	Analyze bool
}

// Source is the minimal enumerator contract a host collection must
// satisfy: a lazy forward cursor.
type Source interface {
	Reset()
	MoveNext() bool
	Current() any
}

// IndexedSource is a Source that additionally supports indexed/random
// access. Most real collections implement this; DirectStrategy uses it
// when available and falls back to enumerate-to-build otherwise.
type IndexedSource interface {
	Source
	Count() int
	At(i int) any
	IndexOf(item any) int
}

// ChangeListener receives structural change notifications from a source.
type ChangeListener func(SourceEvent)

// ItemChangeListener receives per-item change notifications from a source.
type ItemChangeListener func(ItemChangeEvent)

// EventRaisingListener receives batch-mode toggle notifications from a
// source.
type EventRaisingListener func(EventRaisingChange)

// EventingSource is a Source that emits structural change events.
type EventingSource interface {
	OnCollectionChange(ChangeListener) (unsubscribe func())
}

// ItemEventingSource is a Source that emits per-item change events.
type ItemEventingSource interface {
	OnCollectionItemChange(ItemChangeListener) (unsubscribe func())
}

// SilenceableSource is a Source that can toggle batch (silent) mode.
type SilenceableSource interface {
	OnEventRaisingChange(EventRaisingListener) (unsubscribe func())
}

// CollectionChangeEvent is one packet of the projection's own change
// stream, delivered to listeners between OnBeforeCollectionChange and
// OnAfterCollectionChange.
type CollectionChangeEvent struct {
	Action        Action
	NewItems      []*ProjectionItem
	NewItemsIndex int
	OldItems      []*ProjectionItem
	OldItemsIndex int
}

// BeforeChangeListener fires once at the start of an update session that
// produced at least one change packet.
type BeforeChangeListener func()

// CollectionChangeListener fires once per change packet.
type CollectionChangeListener func(CollectionChangeEvent)

// AfterChangeListener fires once at the end of an update session that
// produced at least one change packet.
type AfterChangeListener func()

// CurrentChangeListener fires when the cursor's current item changes.
type CurrentChangeListener func(newItem, oldItem *ProjectionItem, newPos, oldPos int)

// CompareSide is the comparison-pair record a SortHandler receives for
// each side of a comparison.
type CompareSide struct {
	Item            *ProjectionItem
	CollectionItem  any
	Index           int
	CollectionIndex int
}

// SortHandler orders two projection items. Implementations may also
// implement ImportantPropertiesProvider to declare which source-item
// properties affect their ordering decision.
type SortHandler interface {
	Compare(a, b CompareSide) int
}

// SortHandlerFunc adapts a plain function to SortHandler.
type SortHandlerFunc func(a, b CompareSide) int

func (f SortHandlerFunc) Compare(a, b CompareSide) int { return f(a, b) }

// ImportantPropertiesProvider is an optional capability a SortHandler can
// implement to declare which source-item properties its ordering decision
// depends on; those properties are added to the engine's importantProperties
// set while the handler is active.
type ImportantPropertiesProvider interface {
	ImportantProperties() []string
}

// FilterFunc decides whether a single projection item passes a filter.
// groupHasVisibleMembers is non-nil only when evaluating a GroupHeader, and
// reports whether at least one data member of that group has passed the
// other filters.
type FilterFunc func(sourceValue any, sourceIndex int, item *ProjectionItem, projectionIndex int, groupHasVisibleMembers *bool) bool

// Filter pairs a predicate with a declaration of whether it consumes the
// projection index (which forces a full re-filter on every structural
// change rather than a range re-filter).
type Filter struct {
	Fn                  FilterFunc
	UsesProjectionIndex bool
}

// GroupFunc returns the group id for a source value. A nil result means
// the value does not belong to any group and gets no header.
type GroupFunc func(sourceValue any) any
