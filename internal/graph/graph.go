// Package graph provides a small in-memory dependency graph used for
// formula validation and molecule inspection.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// DepGraph is a directed dependency graph. Edges point from a node to
// the nodes it depends on.
type DepGraph struct {
	nodes   map[string]struct{}
	forward map[string][]string // node -> depends on
	reverse map[string][]string // node -> blocks
}

// New returns an empty graph.
func New() *DepGraph {
	return &DepGraph{
		nodes:   make(map[string]struct{}),
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// AddNode registers a node. Re-adding an existing node is a no-op.
func (g *DepGraph) AddNode(id string) {
	g.nodes[id] = struct{}{}
}

// AddEdge records that from depends on to. Unknown endpoints are
// registered implicitly; duplicate edges are dropped.
func (g *DepGraph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, dep := range g.forward[from] {
		if dep == to {
			return
		}
	}
	g.forward[from] = append(g.forward[from], to)
	g.reverse[to] = append(g.reverse[to], from)
}

// Has reports whether the node exists.
func (g *DepGraph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// DependsOn returns the ids the node depends on.
func (g *DepGraph) DependsOn(id string) []string {
	return cloneStringSlice(g.forward[id])
}

// Blocks returns the ids directly blocked by the node.
func (g *DepGraph) Blocks(id string) []string {
	return cloneStringSlice(g.reverse[id])
}

// Cycle returns one dependency cycle as a node path ending where it
// started, or nil when the graph is acyclic. Traversal order is
// deterministic.
func (g *DepGraph) Cycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		deps := cloneStringSlice(g.forward[id])
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				for i, n := range stack {
					if n == dep {
						cycle = append(cloneStringSlice(stack[i:]), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.sortedNodes() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopoSort returns the nodes with every dependency before its
// dependents, alphabetical among peers. Fails when the graph has a
// cycle.
func (g *DepGraph) TopoSort() ([]string, error) {
	if c := g.Cycle(); c != nil {
		return nil, fmt.Errorf("graph: dependency cycle: %s", strings.Join(c, " -> "))
	}

	remaining := make(map[string]int, len(g.nodes))
	var ready []string
	for id := range g.nodes {
		remaining[id] = len(g.forward[id])
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, blocked := range g.reverse[id] {
			remaining[blocked]--
			if remaining[blocked] == 0 {
				i := sort.SearchStrings(ready, blocked)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = blocked
			}
		}
	}
	return order, nil
}

func (g *DepGraph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneStringSlice(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}
