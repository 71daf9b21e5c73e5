package projection

// rawPacket is a proposed change packet built while processing a single
// mutation. It is refined (move/change overlap reconciliation, group
// splitting) before being handed to listeners as a CollectionChangeEvent.
type rawPacket struct {
	action   Action
	newItems []*ProjectionItem
	newIndex int
	oldItems []*ProjectionItem
	oldIndex int
	// oldGroups[i] is the group id oldItems[i] belonged to at removal
	// time, captured before the item left the projection (only used for
	// Remove packets, where the item's post-removal group can no longer
	// be looked up).
	oldGroups []any
}

// session is an update-session (C9): it brackets a single mutation,
// collects the packets the source-event handlers propose, merges in any
// selection-driven change packets, and emits the final minimal event
// stream to the Collection's listeners.
type session struct {
	coll    *Collection
	action  Action
	analyze bool

	beforeSelected map[*ProjectionItem]bool
	packets        []rawPacket
}

func (c *Collection) openSession(action Action, analyze bool) *session {
	s := &session{coll: c, action: action, analyze: analyze}
	if analyze {
		s.beforeSelected = make(map[*ProjectionItem]bool, len(c.items))
		for _, it := range c.items {
			s.beforeSelected[it] = it.Selected()
		}
	}
	return s
}

func (s *session) addPacket(p rawPacket) {
	s.packets = append(s.packets, p)
}

// close finalises the session: adds change packets for any item whose
// selection flipped during the session, reconciles move/change overlap
// per the 4.7 up/down suppression rule, splits packets by group when
// grouping is active, and delivers the result to listeners.
func (s *session) close() {
	packets := s.packets

	if s.analyze && s.beforeSelected != nil {
		packets = s.addSelectionChanges(packets)
	}
	packets = s.reconcileMoveChangeOverlap(packets)

	if s.coll.pipeline.group.groupFn != nil && s.action != ActionReset {
		var split []rawPacket
		for _, p := range packets {
			split = append(split, s.splitByGroup(p)...)
		}
		packets = split
	}

	s.coll.deliver(packets)
}

// changedItemSet returns the set of items already named by a Change or
// Move packet, so selection-diffing doesn't list an item twice.
func changedItemSet(packets []rawPacket) map[*ProjectionItem]bool {
	seen := make(map[*ProjectionItem]bool)
	for _, p := range packets {
		if p.action == ActionChange || p.action == ActionMove {
			for _, it := range p.newItems {
				seen[it] = true
			}
		}
	}
	return seen
}

// addSelectionChanges appends a trailing Change packet for every item
// whose Selected() flag differs from the session-open snapshot and that
// isn't already covered by an existing Change/Move packet.
func (s *session) addSelectionChanges(packets []rawPacket) []rawPacket {
	already := changedItemSet(packets)
	var changed []*ProjectionItem
	for _, it := range s.coll.items {
		was, ok := s.beforeSelected[it]
		if ok && was != it.Selected() && !already[it] {
			changed = append(changed, it)
		}
	}
	if len(changed) == 0 {
		return packets
	}
	idx := s.coll.IndexOf(changed[0])
	return append(packets, rawPacket{action: ActionChange, newItems: changed, newIndex: idx, oldItems: changed, oldIndex: idx})
}

// reconcileMoveChangeOverlap handles an item present in both a Move packet
// and a Change packet: if it moved upward it is dropped from the Change
// packet and stays in the Move packet; otherwise it is left in both.
func (s *session) reconcileMoveChangeOverlap(packets []rawPacket) []rawPacket {
	var moves, others []int
	for i, p := range packets {
		if p.action == ActionMove {
			moves = append(moves, i)
		} else {
			others = append(others, i)
		}
	}
	if len(moves) == 0 {
		return packets
	}

	for _, mi := range moves {
		mp := packets[mi]
		for i := range mp.newItems {
			it := mp.newItems[i]
			movedUp := mp.newIndex+i < mp.oldIndex+i
			for _, oi := range others {
				op := &packets[oi]
				if op.action != ActionChange {
					continue
				}
				pos := indexOfItem(op.newItems, it)
				if pos < 0 {
					continue
				}
				if movedUp {
					op.newItems = removeAt(op.newItems, pos)
					op.oldItems = removeAt(op.oldItems, pos)
				}
			}
		}
	}

	out := packets[:0:0]
	for _, p := range packets {
		if p.action == ActionChange && len(p.newItems) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func indexOfItem(items []*ProjectionItem, target *ProjectionItem) int {
	for i, it := range items {
		if it == target {
			return i
		}
	}
	return -1
}

func removeAt(items []*ProjectionItem, i int) []*ProjectionItem {
	out := make([]*ProjectionItem, 0, len(items)-1)
	out = append(out, items[:i]...)
	out = append(out, items[i+1:]...)
	return out
}

// splitByGroup splits p into one packet per maximal contiguous run of
// items sharing a group, so downstream consumers always receive
// per-group-coherent updates.
func (s *session) splitByGroup(p rawPacket) []rawPacket {
	items := p.newItems
	useOld := p.action == ActionRemove
	if useOld {
		items = p.oldItems
	}
	if len(items) == 0 {
		return []rawPacket{p}
	}

	groups := make([]any, len(items))
	if useOld {
		if len(p.oldGroups) == len(items) {
			copy(groups, p.oldGroups)
		}
	} else {
		for i := range items {
			groups[i] = s.coll.GroupByIndex(p.newIndex + i)
		}
	}

	var out []rawPacket
	runStart := 0
	for i := 1; i <= len(items); i++ {
		if i == len(items) || groupKey(groups[i]) != groupKey(groups[runStart]) {
			sub := p
			if useOld {
				sub.oldItems = p.oldItems[runStart:i]
				sub.oldIndex = p.oldIndex + runStart
				sub.oldGroups = groups[runStart:i]
				sub.newItems = nil
			} else {
				sub.newItems = p.newItems[runStart:i]
				sub.newIndex = p.newIndex + runStart
				if len(p.oldItems) == len(p.newItems) {
					sub.oldItems = p.oldItems[runStart:i]
					sub.oldIndex = p.oldIndex + runStart
				}
			}
			out = append(out, sub)
			runStart = i
		}
	}
	return out
}
