// Package depgraph orders document types by their foreign keys.
//
// The graph is built per commit from the types the commit touches. A type
// depends on every type it references, and on every subclass of those, since
// a subclass row must exist before a document can point at it. The
// topological order puts referenced types first.
package depgraph

import (
	"slices"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// Graph maps each document type to the types it references.
type Graph struct {
	edges map[ir.TypeID][]ir.TypeID
}

// Build constructs the dependency graph reachable from types and their root
// types. A subtype inherits the foreign keys of its ancestors.
//
// Only types that take part in at least one relationship become nodes, so a
// type with no foreign keys in either direction is absent from the order and
// its operations rank through their root type instead.
func Build(reg *schema.Registry, types []ir.TypeID) *Graph {
	g := &Graph{edges: make(map[ir.TypeID][]ir.TypeID)}

	visited := make(map[ir.TypeID]bool)
	queue := slices.Clone(types)
	for _, t := range types {
		if root := reg.Root(t); root != t {
			queue = append(queue, root)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		root := reg.Root(current)
		for _, fk := range reg.InheritedForeignKeys(current) {
			if fk.References == "" || fk.References == current {
				continue
			}
			targets := append([]ir.TypeID{fk.References}, reg.Subclasses(fk.References)...)
			for _, target := range targets {
				// References within one hierarchy share a table; they are
				// self references.
				if reg.Root(target) == root {
					continue
				}
				g.addEdge(current, target)
				queue = append(queue, target)
			}
		}
	}
	return g
}

// BuildAll constructs the graph over every registered type.
func BuildAll(reg *schema.Registry) *Graph {
	var names []ir.TypeID
	for _, dt := range reg.Types() {
		names = append(names, dt.Name)
	}
	return Build(reg, names)
}

func (g *Graph) addEdge(from, to ir.TypeID) {
	if _, ok := g.edges[to]; !ok {
		g.edges[to] = nil
	}
	if !slices.Contains(g.edges[from], to) {
		g.edges[from] = append(g.edges[from], to)
	}
}

// Nodes returns every type in the graph, sorted.
func (g *Graph) Nodes() []ir.TypeID {
	nodes := make([]ir.TypeID, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}

// DependsOn returns the types from references, sorted.
func (g *Graph) DependsOn(from ir.TypeID) []ir.TypeID {
	out := slices.Clone(g.edges[from])
	slices.Sort(out)
	return out
}

// TopologicalOrder returns the types with every referenced type ahead of the
// types that reference it. Ties resolve by name so the order is stable across
// runs. A cycle returns *ir.CycleError naming every type on a cycle.
func (g *Graph) TopologicalOrder() ([]ir.TypeID, error) {
	// pending counts unresolved references per type; dependents is the
	// reverse adjacency used to release types as their references resolve.
	pending := make(map[ir.TypeID]int, len(g.edges))
	dependents := make(map[ir.TypeID][]ir.TypeID, len(g.edges))
	for from, tos := range g.edges {
		pending[from] = len(tos)
		for _, to := range tos {
			dependents[to] = append(dependents[to], from)
		}
	}

	var ready []ir.TypeID
	for _, n := range g.Nodes() {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]ir.TypeID, 0, len(g.edges))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var released []ir.TypeID
		for _, dep := range dependents[current] {
			pending[dep]--
			if pending[dep] == 0 {
				released = append(released, dep)
			}
		}
		slices.Sort(released)
		ready = append(ready, released...)
		slices.Sort(ready)
	}

	if len(order) != len(g.edges) {
		return nil, &ir.CycleError{Types: g.cycleMembers()}
	}
	return order, nil
}

// cycleMembers collects the members of every strongly connected component
// with more than one type. Self references never become edges, so a single
// type cannot form a cycle on its own.
func (g *Graph) cycleMembers() []ir.TypeID {
	var members []ir.TypeID
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 {
			members = append(members, scc...)
		}
	}
	slices.Sort(members)
	return members
}

// Cycles returns each multi-type strongly connected component as a path that
// starts and ends at its smallest member, e.g. [Node1 Node3 Node2 Node1].
func (g *Graph) Cycles() [][]ir.TypeID {
	var cycles [][]ir.TypeID
	for _, scc := range tarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		slices.Sort(scc)
		cycles = append(cycles, reconstructCyclePath(scc, g))
	}
	slices.SortFunc(cycles, func(a, b []ir.TypeID) int {
		return slices.Compare(a, b)
	})
	return cycles
}
