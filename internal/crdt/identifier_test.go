package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/types"
)

func pos(digit int, site string, counter uint64) Position {
	return Position{Digit: digit, SiteID: site, Counter: counter}
}

func TestGenerateStaysBetweenNeighbours(t *testing.T) {
	cases := map[string]struct {
		left, right Identifier
	}{
		"empty sequence":     {},
		"before first":       {right: Identifier{Path: []Position{pos(1, "site-b", 1)}}},
		"after last":         {left: Identifier{Path: []Position{pos(1<<15 - 1, "site-b", 1)}}},
		"adjacent digits":    {left: Identifier{Path: []Position{pos(3, "site-b", 1)}}, right: Identifier{Path: []Position{pos(4, "site-b", 2)}}},
		"shared digit":       {left: Identifier{Path: []Position{pos(5, "site-a", 1)}}, right: Identifier{Path: []Position{pos(5, "site-b", 1)}}},
		"right extends left": {left: Identifier{Path: []Position{pos(5, "site-a", 1)}}, right: Identifier{Path: []Position{pos(5, "site-a", 1), pos(1, "site-b", 4)}}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gen := NewIdentifierGenerator("site-c")
			right := tc.right
			for range 64 {
				mid := gen.Generate(tc.left, right)
				if len(tc.left.Path) > 0 {
					require.Equal(t, -1, tc.left.Compare(mid), "left %v mid %v", tc.left, mid)
				}
				if len(right.Path) > 0 {
					require.Equal(t, -1, mid.Compare(right), "mid %v right %v", mid, right)
				}
				right = mid
			}
		})
	}
}

func TestObserveKeepsCounterAhead(t *testing.T) {
	gen := NewIdentifierGenerator("site-a")
	gen.observe(Identifier{Path: []Position{pos(2, "site-a", 1), pos(7, "site-a", 41)}})
	gen.observe(Identifier{Path: []Position{pos(9, "site-b", 99)}})

	id := gen.Generate(Identifier{}, Identifier{})
	last, ok := id.last()
	require.True(t, ok)
	assert.Equal(t, uint64(42), last.Counter)
	assert.Equal(t, "site-a", last.SiteID)
}

func TestInsertBetweenItemsSharingADigit(t *testing.T) {
	encode := func(id string) string {
		raw, err := json.Marshal(node(id, types.EntityMemo, id))
		require.NoError(t, err)
		return string(raw)
	}

	// Two replicas drew the same digit for concurrent inserts at the start.
	doc := NewDocument("site-c")
	_, err := doc.ApplyUpdate(Update{Ops: []Op{
		{Region: RegionNodes, Kind: OpInsert, Item: Item{ID: Identifier{Path: []Position{pos(5, "site-a", 1)}}, Content: encode("a")}},
		{Region: RegionNodes, Kind: OpInsert, Item: Item{ID: Identifier{Path: []Position{pos(5, "site-b", 1)}}, Content: encode("b")}},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, nodeIDs(t, doc))

	_, err = doc.Transact(func(tx *Transaction) error {
		return tx.InsertNode(1, node("x", types.EntityMemo, "x"))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x", "b"}, nodeIDs(t, doc))

	_, err = doc.Transact(func(tx *Transaction) error {
		return tx.InsertNode(1, node("y", types.EntityMemo, "y"))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "y", "x", "b"}, nodeIDs(t, doc))
}

func TestItemEncodingCarriesOnlyIdentity(t *testing.T) {
	raw, err := json.Marshal(Item{ID: Identifier{Path: []Position{pos(3, "site-a", 7)}}, Content: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":{"p":[{"d":3,"s":"site-a","c":7}]},"v":"x"}`, string(raw))
}
