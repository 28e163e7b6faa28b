package crdt

import (
	"math/rand"
	"time"
)

// Position is one level of an identifier path. Digit orders positions first;
// SiteID and Counter break ties between digits drawn concurrently on
// different replicas.
type Position struct {
	Digit   int    `json:"d"`
	SiteID  string `json:"s,omitempty"`
	Counter uint64 `json:"c,omitempty"`
}

func (p Position) compare(other Position) int {
	switch {
	case p.Digit < other.Digit:
		return -1
	case p.Digit > other.Digit:
		return 1
	case p.SiteID < other.SiteID:
		return -1
	case p.SiteID > other.SiteID:
		return 1
	case p.Counter < other.Counter:
		return -1
	case p.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// Identifier represents the position of an item within a replicated sequence.
// Paths compare level by level; a path that is a prefix of another sorts
// first. The last level always carries the allocating site and a fresh
// counter, so two ids are never equal unless they are the same id.
type Identifier struct {
	Path []Position `json:"p,omitempty"`
}

// Compare returns -1 if id comes before other, 1 if after, and 0 if equal.
func (id Identifier) Compare(other Identifier) int {
	n := min(len(id.Path), len(other.Path))
	for i := range n {
		if c := id.Path[i].compare(other.Path[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(id.Path) < len(other.Path):
		return -1
	case len(id.Path) > len(other.Path):
		return 1
	default:
		return 0
	}
}

// Equals reports whether two identifiers refer to the same position.
func (id Identifier) Equals(other Identifier) bool {
	return id.Compare(other) == 0
}

func (id Identifier) last() (Position, bool) {
	if len(id.Path) == 0 {
		return Position{}, false
	}
	return id.Path[len(id.Path)-1], true
}

// IdentifierGenerator creates sortable identifiers between two neighbours.
type IdentifierGenerator struct {
	boundary int
	siteID   string
	counter  uint64
	rng      *rand.Rand
}

// NewIdentifierGenerator initializes a generator with the provided site ID.
// The boundary controls the maximum branching factor of the identifier tree.
func NewIdentifierGenerator(siteID string) *IdentifierGenerator {
	return &IdentifierGenerator{
		boundary: 1 << 15,
		siteID:   siteID,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate produces a new identifier ordered strictly between left and right.
// An empty left stands for the start of the sequence and an empty right for
// its end.
func (g *IdentifierGenerator) Generate(left, right Identifier) Identifier {
	g.counter++
	return Identifier{Path: g.allocate(left.Path, right.Path)}
}

// observe keeps the local counter ahead of any counter seen for this site,
// which matters when a document is restored from a snapshot.
func (g *IdentifierGenerator) observe(id Identifier) {
	if p, ok := id.last(); ok && p.SiteID == g.siteID && p.Counter > g.counter {
		g.counter = p.Counter
	}
}

// allocate walks both paths in step. While the prefix built so far equals
// right's prefix the next digit is capped by right; once the prefix sorts
// strictly below right any digit up to the boundary fits. Positions copied
// from left keep their site and counter so a shared digit never collapses two
// neighbours into one slot. Past the end of left the zero position is used,
// which sorts below every allocated position since allocated digits start
// at 1.
func (g *IdentifierGenerator) allocate(left, right []Position) []Position {
	prefix := make([]Position, 0, len(left)+1)
	bounded := len(right) > 0
	for depth := 0; ; depth++ {
		var lp Position
		if depth < len(left) {
			lp = left[depth]
		}
		r := g.boundary
		if bounded && depth < len(right) {
			r = right[depth].Digit
		}

		if lp.Digit+1 < r {
			digit := lp.Digit + 1 + g.rng.Intn(r-lp.Digit-1)
			return append(prefix, Position{Digit: digit, SiteID: g.siteID, Counter: g.counter})
		}

		prefix = append(prefix, lp)
		if bounded && (depth >= len(right) || lp.compare(right[depth]) < 0) {
			bounded = false
		}
	}
}
