package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/example/canvas-engine/internal/types"
)

// Transaction is a staged set of mutations against a Document. It reads its
// own writes and is only valid inside the callback passed to Transact.
type Transaction struct {
	doc     *Document
	regions map[Region]*Sequence
	ops     []Op
}

func (tx *Transaction) insert(region Region, index int, content string) error {
	item, err := tx.regions[region].insertAt(tx.doc.gen, index, content)
	if err != nil {
		return fmt.Errorf("%s insert: %w", region, err)
	}
	tx.ops = append(tx.ops, Op{Region: region, Kind: OpInsert, Item: item})
	return nil
}

func (tx *Transaction) remove(region Region, index int) error {
	item, err := tx.regions[region].deleteAt(index)
	if err != nil {
		return fmt.Errorf("%s delete: %w", region, err)
	}
	tx.ops = append(tx.ops, Op{Region: region, Kind: OpDelete, Item: item})
	return nil
}

func (tx *Transaction) clear(region Region) error {
	for tx.regions[region].Len() > 0 {
		if err := tx.remove(region, tx.regions[region].Len()-1); err != nil {
			return err
		}
	}
	return nil
}

// Title returns the staged title text.
func (tx *Transaction) Title() string {
	return strings.Join(tx.regions[RegionTitle].Values(), "")
}

// SetTitle replaces the title text. Setting the current value is a no-op.
func (tx *Transaction) SetTitle(title string) error {
	if tx.Title() == title {
		return nil
	}
	if err := tx.clear(RegionTitle); err != nil {
		return err
	}
	for i, r := range []rune(title) {
		if err := tx.insert(RegionTitle, i, string(r)); err != nil {
			return err
		}
	}
	return nil
}

// Nodes decodes the staged node sequence.
func (tx *Transaction) Nodes() ([]types.Node, error) {
	return decodeAll[types.Node](tx.regions[RegionNodes].Values())
}

// NodeCount returns the number of live nodes.
func (tx *Transaction) NodeCount() int {
	return tx.regions[RegionNodes].Len()
}

// InsertNode places node at the live index.
func (tx *Transaction) InsertNode(index int, node types.Node) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", node.ID, err)
	}
	return tx.insert(RegionNodes, index, string(raw))
}

// PushNode appends node to the end of the sequence.
func (tx *Transaction) PushNode(node types.Node) error {
	return tx.InsertNode(tx.NodeCount(), node)
}

// DeleteNode removes the live node at index.
func (tx *Transaction) DeleteNode(index int) error {
	return tx.remove(RegionNodes, index)
}

// DeleteNodes removes several live nodes. Indices refer to positions before
// any of the deletions and are applied from the highest down so earlier
// removals do not shift later ones.
func (tx *Transaction) DeleteNodes(indices []int) error {
	sorted := append([]int(nil), indices...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	last := -1
	for _, idx := range sorted {
		if idx == last {
			continue
		}
		last = idx
		if err := tx.DeleteNode(idx); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceNodes clears the node sequence and writes nodes in order.
func (tx *Transaction) ReplaceNodes(nodes []types.Node) error {
	if err := tx.clear(RegionNodes); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := tx.PushNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Edges decodes the staged edge sequence.
func (tx *Transaction) Edges() ([]types.Edge, error) {
	return decodeAll[types.Edge](tx.regions[RegionEdges].Values())
}

// PushEdge appends an edge.
func (tx *Transaction) PushEdge(edge types.Edge) error {
	raw, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("encode edge %s: %w", edge.ID, err)
	}
	return tx.insert(RegionEdges, tx.regions[RegionEdges].Len(), string(raw))
}

// DeleteEdge removes the live edge at index.
func (tx *Transaction) DeleteEdge(index int) error {
	return tx.remove(RegionEdges, index)
}

// ReplaceEdges clears the edge sequence and writes edges in order.
func (tx *Transaction) ReplaceEdges(edges []types.Edge) error {
	if err := tx.clear(RegionEdges); err != nil {
		return err
	}
	for _, e := range edges {
		if err := tx.PushEdge(e); err != nil {
			return err
		}
	}
	return nil
}
