package projection

import (
	"testing"
)

func mustCollection(t *testing.T, src Source, opts ...CollectionOption) *Collection {
	t.Helper()
	c, err := NewCollection(src, opts...)
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	return c
}

func contentsSeq(c *Collection) []any {
	out := make([]any, c.Count())
	for i := 0; i < c.Count(); i++ {
		out[i] = c.At(i).Contents()
	}
	return out
}

// Scenario (a): group by g, no sort, then sort by id with grouping retained.
func TestScenarioGroupingThenSort(t *testing.T) {
	src := newMemSource(
		person{ID: 1, G: "A"},
		person{ID: 2, G: "B"},
		person{ID: 3, G: "A"},
	)
	c := mustCollection(t, src)
	c.SetGroup(groupByG)

	got := contentsSeq(c)
	if len(got) != 5 {
		t.Fatalf("expected 5 visible entries (2 headers + 3 data), got %d: %v", len(got), got)
	}
	if got[0] != "A" || got[1] != (person{ID: 1, G: "A"}) || got[2] != (person{ID: 3, G: "A"}) {
		t.Fatalf("unexpected group A run: %v", got[:3])
	}
	if got[3] != "B" || got[4] != (person{ID: 2, G: "B"}) {
		t.Fatalf("unexpected group B run: %v", got[3:])
	}

	c.SetSort(SortHandlerFunc(byID))
	got2 := contentsSeq(c)
	if len(got2) != 5 || got2[0] != "A" || got2[3] != "B" {
		t.Fatalf("stability broke group runs after sort: %v", got2)
	}
}

// Scenario (b): filter by sex == F, then remove the filter.
func TestScenarioFilter(t *testing.T) {
	src := newMemSource(
		person{Name: "Fry", Sex: "M"},
		person{Name: "Leela", Sex: "F"},
		person{Name: "Farnsworth", Sex: "M"},
		person{Name: "Amy", Sex: "F"},
	)
	c := mustCollection(t, src)
	f := Filter{Fn: filterSexF}
	c.SetFilter(f)

	if c.Count() != 2 {
		t.Fatalf("expected 2 visible, got %d", c.Count())
	}
	if c.At(0).Contents().(person).Name != "Leela" || c.At(1).Contents().(person).Name != "Amy" {
		t.Fatalf("unexpected filtered sequence: %v", contentsSeq(c))
	}

	if !c.RemoveFilter(f) {
		t.Fatalf("RemoveFilter should find the installed filter")
	}
	if c.Count() != 4 {
		t.Fatalf("expected all 4 restored, got %d", c.Count())
	}
}

// Scenario (c): duplicate ids with unique=true, then toggled off.
func TestScenarioUnique(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2}, person{ID: 1})
	c := mustCollection(t, src, WithIDProperty("ID"), WithUnique(true))

	if c.Count() != 2 {
		t.Fatalf("expected 2 visible with unique=true, got %d", c.Count())
	}

	c.SetUnique(false)
	if c.Count() != 3 {
		t.Fatalf("expected 3 visible after disabling unique, got %d", c.Count())
	}

	c.SetUnique(true)
	if c.Count() != 2 {
		t.Fatalf("expected 2 visible after re-enabling unique, got %d", c.Count())
	}
}

// Scenario (d): add while a filter is active emits exactly one add packet at
// the correct post-filter position, bracketed by before/after.
func TestScenarioAddUnderFilter(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2}, person{ID: 3})
	c := mustCollection(t, src)
	c.SetFilter(Filter{Fn: func(v any, _ int, _ *ProjectionItem, _ int, _ *bool) bool {
		return v.(person).ID > 3
	}})
	if c.Count() != 0 {
		t.Fatalf("expected 0 visible before add, got %d", c.Count())
	}

	var befores, afters int
	var changePackets []CollectionChangeEvent
	c.OnBeforeCollectionChange(func() { befores++ })
	c.OnAfterCollectionChange(func() { afters++ })
	c.OnCollectionChange(func(ev CollectionChangeEvent) { changePackets = append(changePackets, ev) })

	src.InsertAt(1, person{ID: 5})

	if befores != 1 || afters != 1 {
		t.Fatalf("expected exactly one before/after pair, got before=%d after=%d", befores, afters)
	}
	if len(changePackets) != 1 {
		t.Fatalf("expected exactly one change packet, got %d", len(changePackets))
	}
	ev := changePackets[0]
	if ev.Action != ActionAdd {
		t.Fatalf("expected add action, got %v", ev.Action)
	}
	if len(ev.NewItems) != 1 || ev.NewItems[0].Contents().(person).ID != 5 {
		t.Fatalf("unexpected new items: %+v", ev.NewItems)
	}
	if ev.NewItemsIndex != 0 {
		t.Fatalf("expected new item at projection index 0, got %d", ev.NewItemsIndex)
	}
}

// Scenario (f): a per-item change to an important property that relocates
// the item upward yields a move packet containing it, with no separate
// change packet naming it.
func TestScenarioImportantPropertyMoveUp(t *testing.T) {
	p10, p20, p30 := &mutablePerson{ID: 10}, &mutablePerson{ID: 20}, &mutablePerson{ID: 30}
	src := newMemSource(p10, p20, p30)
	c := mustCollection(t, src, WithImportantProperties("ID"))
	c.SetSort(SortHandlerFunc(byMutableID))

	target := c.ItemBySourceIndex(2) // id: 30, currently last
	if target == nil {
		t.Fatalf("expected an item at source index 2")
	}

	// Mutate the same object in place so the identity-based lookups below
	// still resolve; only its id drops below the others, relocating it to
	// the front once the sort re-runs.
	p30.ID = 1

	var packets []CollectionChangeEvent
	c.OnCollectionChange(func(ev CollectionChangeEvent) { packets = append(packets, ev) })
	src.NotifyChange(p30, "ID")

	var moveHasTarget, changeHasTarget bool
	for _, p := range packets {
		for _, it := range p.NewItems {
			if it == target {
				if p.Action == ActionMove {
					moveHasTarget = true
				}
				if p.Action == ActionChange {
					changeHasTarget = true
				}
			}
		}
	}
	if !moveHasTarget {
		t.Fatalf("expected a move packet containing the relocated item, packets: %+v", packets)
	}
	if changeHasTarget {
		t.Fatalf("expected the change packet (if any) to omit the item moved upward")
	}
}

// Universal invariant 1: at(p) agrees with the Enumerator.
func TestInvariantAtMatchesEnumerator(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2}, person{ID: 3})
	c := mustCollection(t, src)
	e := c.Enumerator()
	for p := 0; p < c.Count(); p++ {
		e.SetPosition(p)
		if c.At(p) != e.Current() {
			t.Fatalf("at(%d) disagrees with enumerator", p)
		}
	}
}

// Universal invariant 4: uid set has no duplicates.
func TestInvariantUidUniqueness(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2}, person{ID: 3})
	c := mustCollection(t, src, WithIDProperty("ID"))
	seen := make(map[string]bool)
	for i := 0; i < c.Count(); i++ {
		uid, err := c.resolveUID(c.At(i))
		if err != nil {
			t.Fatalf("resolveUID: %v", err)
		}
		if seen[uid] {
			t.Fatalf("duplicate uid %q", uid)
		}
		seen[uid] = true
	}
}

// Universal invariant 5: setSort(f) twice with the same reference emits no
// events.
func TestInvariantSetSortIdempotent(t *testing.T) {
	src := newMemSource(person{ID: 2}, person{ID: 1})
	c := mustCollection(t, src)
	h := SortHandlerFunc(byID)
	c.SetSort(h)

	fired := false
	c.OnCollectionChange(func(CollectionChangeEvent) { fired = true })
	c.SetSort(h)
	if fired {
		t.Fatalf("expected no events from a same-reference setSort")
	}
}

// Universal invariant 6: setFilter(f) then removeFilter(f) restores the
// original visible sequence.
func TestInvariantFilterRoundTrip(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2}, person{ID: 3})
	c := mustCollection(t, src)
	before := contentsSeq(c)

	f := Filter{Fn: func(v any, _ int, _ *ProjectionItem, _ int, _ *bool) bool { return v.(person).ID != 2 }}
	c.SetFilter(f)
	c.RemoveFilter(f)

	after := contentsSeq(c)
	if len(before) != len(after) {
		t.Fatalf("sequence length changed: before=%v after=%v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("sequence differs at %d: before=%v after=%v", i, before, after)
		}
	}
}

// Universal invariant 8: invertSelectedItemsAll twice is a no-op.
func TestInvariantInvertSelectionTwice(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2})
	c := mustCollection(t, src)
	c.SetSelectedItems([]any{person{ID: 1}}, true)

	before := make([]bool, c.Count())
	for i := range before {
		before[i] = c.At(i).Selected()
	}

	c.InvertSelectedItemsAll()
	c.InvertSelectedItemsAll()

	for i := 0; i < c.Count(); i++ {
		if c.At(i).Selected() != before[i] {
			t.Fatalf("selection at %d changed across double invert", i)
		}
	}
}

func TestReadOnlyMutationGuard(t *testing.T) {
	src := newMemSource(person{ID: 1})
	c := mustCollection(t, src)

	checks := []struct {
		name string
		err  error
	}{
		{"Assign", c.Assign()},
		{"Append", c.Append(person{ID: 2})},
		{"Prepend", c.Prepend(person{ID: 2})},
		{"Clear", c.Clear()},
		{"Add", c.Add(person{ID: 2}, 0)},
		{"Remove", c.Remove(person{ID: 1})},
		{"RemoveAt", c.RemoveAt(0)},
		{"Replace", c.Replace(0, person{ID: 2})},
		{"Move", c.Move(0, 1)},
	}
	for _, tc := range checks {
		if !IsReadOnlyError(tc.err) {
			t.Errorf("%s: want ReadOnlyError, got %v", tc.name, tc.err)
		}
	}
}

func TestMissingSourceError(t *testing.T) {
	_, err := NewCollection(nil)
	if !IsMissingSourceError(err) {
		t.Fatalf("expected MissingSourceError, got %v", err)
	}
}

func TestDestroyIsIdempotentAndOrphans(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2})
	c := mustCollection(t, src)
	it := c.At(0)
	c.Destroy()
	c.Destroy()
	if it.Owner() != nil {
		t.Fatalf("expected orphaned item after Destroy")
	}
	if !c.Destroyed() {
		t.Fatalf("expected Destroyed() to report true")
	}
	if err := c.NotifyItemChange(it); !IsDestroyedError(err) {
		t.Fatalf("expected DestroyedError from a destroyed collection, got %v", err)
	}
}

func TestGroupMoveAcrossBoundaryKeepsHeadersOutOfMovePacket(t *testing.T) {
	src := newMemSource(
		person{ID: 1, G: "A"},
		person{ID: 2, G: "A"},
		person{ID: 3, G: "B"},
		person{ID: 4, G: "B"},
	)
	c := mustCollection(t, src)
	c.SetGroup(groupByG)

	var packets []CollectionChangeEvent
	c.OnCollectionChange(func(ev CollectionChangeEvent) { packets = append(packets, ev) })

	src.MoveTo(3, 0) // move {id:4, G:B} to the front, crossing into group A's run

	if len(packets) == 0 {
		t.Fatalf("expected at least one change packet from the move")
	}
	for _, p := range packets {
		if p.Action != ActionMove {
			continue
		}
		for _, it := range p.NewItems {
			if it.IsGroupHeader() {
				t.Fatalf("move packet unexpectedly contains a group header")
			}
		}
	}
}

// A panicking listener is recovered and does not stop later listeners in
// the same emission pass from firing.
func TestListenerPanicIsRecovered(t *testing.T) {
	src := newMemSource(person{ID: 1}, person{ID: 2})
	c := mustCollection(t, src)

	var secondFired bool
	c.OnCollectionChange(func(CollectionChangeEvent) { panic("boom") })
	c.OnCollectionChange(func(CollectionChangeEvent) { secondFired = true })

	src.Append(person{ID: 3})

	if !secondFired {
		t.Fatalf("expected the second listener to still fire after the first panicked")
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	src := newMemSource(person{ID: 2, G: "A"}, person{ID: 1, G: "A"})
	c := mustCollection(t, src, WithIDProperty("ID"))
	c.SetSort(SortHandlerFunc(byID))
	c.SetGroup(groupByG)

	snap := c.Snapshot()
	if snap.Count != c.Count() {
		t.Fatalf("snapshot count %d disagrees with Count() %d", snap.Count, c.Count())
	}
	if !snap.Grouped {
		t.Fatalf("expected snapshot to report grouping active")
	}
	if snap.Sorts != 1 {
		t.Fatalf("expected 1 sort handler recorded, got %d", snap.Sorts)
	}
	if len(snap.Items) != snap.Count {
		t.Fatalf("snapshot item slice length %d disagrees with Count %d", len(snap.Items), snap.Count)
	}
}
