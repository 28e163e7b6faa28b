package crdt

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidIndex is returned when a live index is outside the sequence.
var ErrInvalidIndex = errors.New("crdt: index out of range")

// Sequence keeps an ordered collection of Items, tombstones included. It is
// not safe for concurrent use; Document serializes access.
type Sequence struct {
	items []*Item
}

func newSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) clone() *Sequence {
	out := &Sequence{items: make([]*Item, len(s.items))}
	for i, it := range s.items {
		cp := *it
		out.items[i] = &cp
	}
	return out
}

// Len returns the number of live items.
func (s *Sequence) Len() int {
	n := 0
	for _, it := range s.items {
		if !it.IsDeleted {
			n++
		}
	}
	return n
}

// Values returns the content of live items in order.
func (s *Sequence) Values() []string {
	out := make([]string, 0, len(s.items))
	for _, it := range s.items {
		if !it.IsDeleted {
			out = append(out, it.Content)
		}
	}
	return out
}

// Snapshot returns a copy of the items. When includeDeleted is false,
// tombstoned items are omitted.
func (s *Sequence) Snapshot(includeDeleted bool) []Item {
	result := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if !includeDeleted && it.IsDeleted {
			continue
		}
		result = append(result, *it)
	}
	return result
}

// livePosition maps a live index to its position in the raw slice. index may
// equal the live length, meaning "after the last live item".
func (s *Sequence) livePosition(index int) (int, bool) {
	live := 0
	for pos, it := range s.items {
		if it.IsDeleted {
			continue
		}
		if live == index {
			return pos, true
		}
		live++
	}
	if live == index {
		return len(s.items), true
	}
	return 0, false
}

// insertAt generates an identifier between the live neighbours of index and
// inserts a new item there.
func (s *Sequence) insertAt(gen *IdentifierGenerator, index int, content string) (Item, error) {
	if index < 0 {
		return Item{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	pos, ok := s.livePosition(index)
	if !ok {
		return Item{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	var left, right Identifier
	for i := pos - 1; i >= 0; i-- {
		if !s.items[i].IsDeleted {
			left = s.items[i].ID
			break
		}
	}
	if pos < len(s.items) {
		right = s.items[pos].ID
	}

	item := Item{ID: gen.Generate(left, right), Content: content}
	s.integrate(item)
	return item, nil
}

// deleteAt tombstones the live item at index.
func (s *Sequence) deleteAt(index int) (Item, error) {
	if index < 0 {
		return Item{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	pos, ok := s.livePosition(index)
	if !ok || pos >= len(s.items) {
		return Item{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	s.items[pos].IsDeleted = true
	return *s.items[pos], nil
}

func (s *Sequence) search(id Identifier) int {
	return sort.Search(len(s.items), func(i int) bool {
		return s.items[i].ID.Compare(id) >= 0
	})
}

// integrate inserts an item with a known identifier. Re-integrating an item
// that is already present only merges its tombstone flag, so integration is
// idempotent and commutative.
func (s *Sequence) integrate(item Item) bool {
	idx := s.search(item.ID)
	if idx < len(s.items) && s.items[idx].ID.Equals(item.ID) {
		if item.IsDeleted && !s.items[idx].IsDeleted {
			s.items[idx].IsDeleted = true
			return true
		}
		return false
	}

	cp := item
	s.items = append(s.items, nil)
	copy(s.items[idx+1:], s.items[idx:])
	s.items[idx] = &cp
	return true
}

// tombstone marks the item with the provided identifier as deleted. Unknown
// identifiers are recorded as tombstones so a delete that overtakes its insert
// still wins.
func (s *Sequence) tombstone(id Identifier) bool {
	return s.integrate(Item{ID: id, IsDeleted: true})
}
