package depgraph

import (
	"cmp"
	"slices"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// Orderer ranks operations by the topological order of their types.
//
// Ranks start at 1. A type absent from the order ranks as its root type; a
// type whose root is also absent has rank 0 and no ordering constraint, so a
// stable sort keeps it in recording order relative to other unranked work.
type Orderer struct {
	order []ir.TypeID
	rank  map[ir.TypeID]int
	roots map[ir.TypeID]ir.TypeID
}

// NewOrderer builds an orderer for the types touched by one commit.
func NewOrderer(reg *schema.Registry, types []ir.TypeID) (*Orderer, error) {
	order, err := Build(reg, types).TopologicalOrder()
	if err != nil {
		return nil, err
	}
	return newOrderer(order, reg.Roots()), nil
}

func newOrderer(order []ir.TypeID, roots map[ir.TypeID]ir.TypeID) *Orderer {
	rank := make(map[ir.TypeID]int, len(order))
	for i, t := range order {
		rank[t] = i + 1
	}
	return &Orderer{order: order, rank: rank, roots: roots}
}

// Order returns the topological order.
func (o *Orderer) Order() []ir.TypeID {
	return slices.Clone(o.order)
}

// Rank returns the position of t in the order, falling back to its root.
func (o *Orderer) Rank(t ir.TypeID) int {
	if r, ok := o.rank[t]; ok {
		return r
	}
	if root, ok := o.roots[t]; ok {
		return o.rank[root]
	}
	return 0
}

// Forward orders operations by ascending rank. Used when no deletes are present.
func (o *Orderer) Forward(a, b ir.Operation) int {
	return cmp.Compare(o.Rank(a.Type), o.Rank(b.Type))
}

// Mixed orders deletes ahead of every other kind, deletes among themselves
// by descending rank (children before the parents they reference), and the
// rest by ascending rank.
func (o *Orderer) Mixed(a, b ir.Operation) int {
	aDel, bDel := a.Kind == ir.KindDelete, b.Kind == ir.KindDelete
	switch {
	case aDel && !bDel:
		return -1
	case !aDel && bDel:
		return 1
	case aDel && bDel:
		return cmp.Compare(o.Rank(b.Type), o.Rank(a.Type))
	}
	return o.Forward(a, b)
}

// Sort orders ops in place. The sort is stable and is skipped when there is
// at most one operation or every operation has the same type.
func (o *Orderer) Sort(ops []ir.Operation) {
	if !NeedsSort(ops) {
		return
	}
	compare := o.Forward
	if slices.ContainsFunc(ops, func(op ir.Operation) bool { return op.Kind == ir.KindDelete }) {
		compare = o.Mixed
	}
	slices.SortStableFunc(ops, compare)
}

// NeedsSort reports whether ops span more than one document type.
func NeedsSort(ops []ir.Operation) bool {
	if len(ops) <= 1 {
		return false
	}
	first := ops[0].Type
	for _, op := range ops[1:] {
		if op.Type != first {
			return true
		}
	}
	return false
}

// TypesOf returns the distinct document types in ops, in first-seen order.
func TypesOf(ops []ir.Operation) []ir.TypeID {
	var types []ir.TypeID
	seen := make(map[ir.TypeID]bool)
	for _, op := range ops {
		if op.Type == "" || seen[op.Type] {
			continue
		}
		seen[op.Type] = true
		types = append(types, op.Type)
	}
	return types
}
