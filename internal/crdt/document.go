package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/canvas-engine/internal/types"
)

// ErrOutOfOrder is returned when an update arrives before one of its
// predecessors from the same origin.
var ErrOutOfOrder = errors.New("crdt: update out of order")

// Region names one of the three replicated structures of a canvas document.
type Region string

const (
	RegionTitle Region = "title"
	RegionNodes Region = "nodes"
	RegionEdges Region = "edges"
)

// OpKind enumerates sequence mutations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is a single replicated mutation.
type Op struct {
	Region Region `json:"region"`
	Kind   OpKind `json:"kind"`
	Item   Item   `json:"item"`
}

// Update is the unit of replication: every op produced by one transaction,
// stamped with the origin and its per-origin sequence number.
type Update struct {
	Origin types.ClientID `json:"origin"`
	Seq    uint64         `json:"seq"`
	Ops    []Op           `json:"ops"`
}

// Empty reports whether the update carries no ops.
func (u Update) Empty() bool { return len(u.Ops) == 0 }

// Listener receives updates after they have been applied.
type Listener func(Update)

// State is the full serializable state of a document.
type State struct {
	Clock types.VectorClock `json:"clock"`
	Title []Item            `json:"title"`
	Nodes []Item            `json:"nodes"`
	Edges []Item            `json:"edges"`
}

// Document is the replicated canvas structure: a title text, an ordered node
// sequence and an ordered edge sequence.
type Document struct {
	mu        sync.RWMutex
	siteID    types.ClientID
	gen       *IdentifierGenerator
	regions   map[Region]*Sequence
	clock     types.VectorClock
	listeners map[int]Listener
	nextID    int
}

// NewDocument constructs an empty document whose local updates are stamped
// with siteID.
func NewDocument(siteID string) *Document {
	return &Document{
		siteID: types.ClientID(siteID),
		gen:    NewIdentifierGenerator(siteID),
		regions: map[Region]*Sequence{
			RegionTitle: newSequence(),
			RegionNodes: newSequence(),
			RegionEdges: newSequence(),
		},
		clock:     make(types.VectorClock),
		listeners: make(map[int]Listener),
	}
}

// Restore rebuilds a document from a previously captured state.
func Restore(siteID string, state State) *Document {
	doc := NewDocument(siteID)
	load := func(region Region, items []Item) {
		seq := doc.regions[region]
		for _, it := range items {
			seq.integrate(it)
			doc.gen.observe(it.ID)
		}
	}
	load(RegionTitle, state.Title)
	load(RegionNodes, state.Nodes)
	load(RegionEdges, state.Edges)
	if state.Clock != nil {
		doc.clock = state.Clock.Clone()
	}
	return doc
}

// SiteID returns the origin used for local updates.
func (d *Document) SiteID() types.ClientID { return d.siteID }

// Subscribe registers a listener and returns a function that removes it.
func (d *Document) Subscribe(listener Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = listener
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Document) emit(update Update) {
	d.mu.RLock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.RUnlock()

	for _, l := range listeners {
		l(update)
	}
}

// Transact runs fn against a transaction and applies every mutation it makes
// as one update. If fn returns an error nothing is applied. Readers observe
// either the state before or after the whole transaction.
func (d *Document) Transact(fn func(*Transaction) error) (Update, error) {
	start := time.Now()

	d.mu.Lock()
	tx := &Transaction{
		doc: d,
		regions: map[Region]*Sequence{
			RegionTitle: d.regions[RegionTitle].clone(),
			RegionNodes: d.regions[RegionNodes].clone(),
			RegionEdges: d.regions[RegionEdges].clone(),
		},
	}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return Update{}, err
	}
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return Update{Origin: d.siteID}, nil
	}

	d.regions = tx.regions
	update := Update{
		Origin: d.siteID,
		Seq:    d.clock.Bump(d.siteID),
		Ops:    tx.ops,
	}
	d.mu.Unlock()

	transactLatency.Observe(time.Since(start).Seconds())
	d.emit(update)
	return update, nil
}

// ApplyUpdate integrates a remote update. Updates already covered by the
// document clock are ignored and reported as not applied; an update that skips
// ahead of its origin's clock returns ErrOutOfOrder and must be retried once
// its predecessors have been applied. Unsequenced updates (Seq 0) are applied
// unconditionally since item integration is idempotent.
func (d *Document) ApplyUpdate(update Update) (bool, error) {
	d.mu.Lock()
	if update.Seq != 0 {
		current := d.clock[update.Origin]
		if update.Seq <= current {
			d.mu.Unlock()
			return false, nil
		}
		if update.Seq > current+1 {
			d.mu.Unlock()
			return false, ErrOutOfOrder
		}
	}
	for _, op := range update.Ops {
		seq, ok := d.regions[op.Region]
		if !ok {
			d.mu.Unlock()
			return false, fmt.Errorf("crdt: unknown region %q", op.Region)
		}
		switch op.Kind {
		case OpInsert:
			seq.integrate(op.Item)
		case OpDelete:
			seq.tombstone(op.Item.ID)
		default:
			d.mu.Unlock()
			return false, fmt.Errorf("crdt: unknown op kind %q", op.Kind)
		}
		d.gen.observe(op.Item.ID)
	}
	if update.Seq > d.clock[update.Origin] {
		d.clock[update.Origin] = update.Seq
	}
	d.mu.Unlock()

	remoteUpdates.Inc()
	d.emit(update)
	return true, nil
}

// MergeState integrates a full state captured from another replica, e.g. a
// freshly loaded snapshot. Items not yet known locally are returned as an
// unsequenced update and emitted so subscribers can catch up too.
func (d *Document) MergeState(state State) Update {
	update := Update{}
	d.mu.Lock()
	merge := func(region Region, items []Item) {
		seq := d.regions[region]
		for _, it := range items {
			if seq.integrate(it) {
				update.Ops = append(update.Ops, Op{Region: region, Kind: OpInsert, Item: it})
			}
			d.gen.observe(it.ID)
		}
	}
	merge(RegionTitle, state.Title)
	merge(RegionNodes, state.Nodes)
	merge(RegionEdges, state.Edges)
	d.clock.Merge(state.Clock)
	d.mu.Unlock()

	if !update.Empty() {
		d.emit(update)
	}
	return update
}

// Clock returns a copy of the document's vector clock.
func (d *Document) Clock() types.VectorClock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock.Clone()
}

// State captures the full document state including tombstones.
func (d *Document) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return State{
		Clock: d.clock.Clone(),
		Title: d.regions[RegionTitle].Snapshot(true),
		Nodes: d.regions[RegionNodes].Snapshot(true),
		Edges: d.regions[RegionEdges].Snapshot(true),
	}
}

// Title flattens the title text.
func (d *Document) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return strings.Join(d.regions[RegionTitle].Values(), "")
}

// Nodes decodes the live node sequence.
func (d *Document) Nodes() ([]types.Node, error) {
	d.mu.RLock()
	values := d.regions[RegionNodes].Values()
	d.mu.RUnlock()
	return decodeAll[types.Node](values)
}

// Edges decodes the live edge sequence.
func (d *Document) Edges() ([]types.Edge, error) {
	d.mu.RLock()
	values := d.regions[RegionEdges].Values()
	d.mu.RUnlock()
	return decodeAll[types.Edge](values)
}

func decodeAll[T any](values []string) ([]T, error) {
	out := make([]T, 0, len(values))
	for i, v := range values {
		var decoded T
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, fmt.Errorf("decode element %d: %w", i, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}
