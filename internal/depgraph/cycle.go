package depgraph

import (
	"github.com/journeyman32/marten/internal/ir"
)

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of types.
// Nodes are visited in sorted order so results are deterministic.
func tarjanSCC(g *Graph) [][]ir.TypeID {
	var (
		index   = 0
		stack   []ir.TypeID
		indices = make(map[ir.TypeID]int)
		lowlink = make(map[ir.TypeID]int)
		onStack = make(map[ir.TypeID]bool)
		sccs    [][]ir.TypeID
	)

	var strongConnect func(ir.TypeID)
	strongConnect = func(v ir.TypeID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.DependsOn(v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []ir.TypeID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.Nodes() {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath builds a cycle path through an SCC.
//
// Strategy: start at the first member, follow edges to other members,
// continue until we return to start.
func reconstructCyclePath(scc []ir.TypeID, g *Graph) []ir.TypeID {
	if len(scc) == 0 {
		return nil
	}

	sccSet := make(map[ir.TypeID]bool, len(scc))
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []ir.TypeID{current}
	visited := make(map[ir.TypeID]bool)

	for {
		visited[current] = true

		var next ir.TypeID
		for _, neighbor := range g.DependsOn(current) {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			break
		}

		path = append(path, next)

		if next == start {
			break
		}

		current = next
	}

	return path
}
