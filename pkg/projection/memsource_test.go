package projection

// memSource is a minimal in-memory Source used by the package tests: a
// plain slice with indexed access and optional structural/per-item/silent
// event emission, the way a real host collection (e.g. an observable array
// wrapper) would expose them.
type memSource struct {
	values []any
	pos    int

	changeListeners      []ChangeListener
	itemChangeListeners  []ItemChangeListener
	raisingListeners     []EventRaisingListener
	silent               bool
}

func newMemSource(values ...any) *memSource {
	return &memSource{values: values, pos: -1}
}

func (m *memSource) Reset()        { m.pos = -1 }
func (m *memSource) MoveNext() bool {
	if m.pos+1 >= len(m.values) {
		return false
	}
	m.pos++
	return true
}
func (m *memSource) Current() any { return m.values[m.pos] }

func (m *memSource) Count() int       { return len(m.values) }
func (m *memSource) At(i int) any     { return m.values[i] }
func (m *memSource) IndexOf(v any) int {
	for i, x := range m.values {
		if x == v {
			return i
		}
	}
	return -1
}

func (m *memSource) OnCollectionChange(fn ChangeListener) func() {
	m.changeListeners = append(m.changeListeners, fn)
	idx := len(m.changeListeners) - 1
	return func() { m.changeListeners[idx] = nil }
}

func (m *memSource) OnCollectionItemChange(fn ItemChangeListener) func() {
	m.itemChangeListeners = append(m.itemChangeListeners, fn)
	idx := len(m.itemChangeListeners) - 1
	return func() { m.itemChangeListeners[idx] = nil }
}

func (m *memSource) OnEventRaisingChange(fn EventRaisingListener) func() {
	m.raisingListeners = append(m.raisingListeners, fn)
	idx := len(m.raisingListeners) - 1
	return func() { m.raisingListeners[idx] = nil }
}

func (m *memSource) emit(ev SourceEvent) {
	for _, fn := range m.changeListeners {
		if fn != nil {
			fn(ev)
		}
	}
}

func (m *memSource) emitItemChange(ev ItemChangeEvent) {
	for _, fn := range m.itemChangeListeners {
		if fn != nil {
			fn(ev)
		}
	}
}

func (m *memSource) Append(v any) {
	idx := len(m.values)
	m.values = append(m.values, v)
	m.emit(SourceEvent{Action: ActionAdd, NewItems: []any{v}, NewItemsIndex: idx})
}

func (m *memSource) InsertAt(idx int, v any) {
	tail := append([]any{}, m.values[idx:]...)
	m.values = append(append(m.values[:idx], v), tail...)
	m.emit(SourceEvent{Action: ActionAdd, NewItems: []any{v}, NewItemsIndex: idx})
}

func (m *memSource) RemoveAt(idx int) any {
	v := m.values[idx]
	m.values = append(m.values[:idx], m.values[idx+1:]...)
	m.emit(SourceEvent{Action: ActionRemove, OldItems: []any{v}, OldItemsIndex: idx})
	return v
}

func (m *memSource) ReplaceAt(idx int, v any) {
	old := m.values[idx]
	m.values[idx] = v
	m.emit(SourceEvent{Action: ActionReplace, NewItems: []any{v}, NewItemsIndex: idx, OldItems: []any{old}, OldItemsIndex: idx})
}

func (m *memSource) MoveTo(from, to int) {
	v := m.values[from]
	m.values = append(m.values[:from], m.values[from+1:]...)
	tail := append([]any{}, m.values[to:]...)
	m.values = append(append(m.values[:to], v), tail...)
	m.emit(SourceEvent{Action: ActionMove, NewItems: []any{v}, NewItemsIndex: to, OldItems: []any{v}, OldItemsIndex: from})
}

func (m *memSource) ResetAll(values ...any) {
	m.values = values
	m.emit(SourceEvent{Action: ActionReset})
}

func (m *memSource) NotifyChange(v any, properties ...string) {
	m.emitItemChange(ItemChangeEvent{Item: v, Index: m.IndexOf(v), Properties: properties})
}

func (m *memSource) SetSilent(silent, analyze bool) {
	m.silent = silent
	for _, fn := range m.raisingListeners {
		if fn != nil {
			fn(EventRaisingChange{Enabled: !silent, Analyze: analyze})
		}
	}
}

// person and related group/sort/filter helpers shared across the package's
// test files. Fields are exported so WithIDProperty's reflect-based lookup
// (which respects normal Go field visibility) can read them.
type person struct {
	ID   int
	Name string
	G    string
	Sex  string
}

func byID(a, b CompareSide) int {
	pa, pb := a.CollectionItem.(person), b.CollectionItem.(person)
	switch {
	case pa.ID < pb.ID:
		return -1
	case pa.ID > pb.ID:
		return 1
	default:
		return 0
	}
}

func groupByG(v any) any {
	p := v.(person)
	if p.G == "" {
		return nil
	}
	return p.G
}

func filterSexF(v any, _ int, _ *ProjectionItem, _ int, _ *bool) bool {
	return v.(person).Sex == "F"
}

// mutablePerson is a pointer-identity fixture for tests that simulate an
// out-of-band property mutation on a value the Collection already wraps
// (NotifyItemChange assumes the source value is the same reference before
// and after the mutation, the way a shared domain object would be).
type mutablePerson struct {
	ID int
}

func byMutableID(a, b CompareSide) int {
	pa, pb := a.CollectionItem.(*mutablePerson), b.CollectionItem.(*mutablePerson)
	switch {
	case pa.ID < pb.ID:
		return -1
	case pa.ID > pb.ID:
		return 1
	default:
		return 0
	}
}
