// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package util

import "sort"

// ErrCycle is returned by TopoSort when the graph contains a cycle. Cycle
// holds every node that could not be ordered, sorted by name: the nodes on
// the cycle plus any node that depends on one of them.
type ErrCycle struct {
	Cycle []string
}

func (e *ErrCycle) Error() string {
	msg := "cycle detected:"
	for _, n := range e.Cycle {
		msg += " " + n + " ->"
	}
	return msg
}

// Graph is a directed graph over string-keyed nodes, used by the Kernel to
// order manager initialization and by the Plugin Manager to order plugin
// loads and resolve dependency chains.
type Graph struct {
	edges map[string]map[string]bool
	nodes map[string]bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		edges: map[string]map[string]bool{},
		nodes: map[string]bool{},
	}
}

// AddNode registers a node with no edges if it does not already exist.
func (g *Graph) AddNode(name string) {
	g.nodes[name] = true
	if g.edges[name] == nil {
		g.edges[name] = map[string]bool{}
	}
}

// AddEdge records that `from` depends on `to`: `to` must be initialized
// before `from`.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from][to] = true
}

// Dependencies returns the direct dependency set of a node.
func (g *Graph) Dependencies(name string) []string {
	out := make([]string, 0, len(g.edges[name]))
	for d := range g.edges[name] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// HasNode reports whether name was registered.
func (g *Graph) HasNode(name string) bool {
	return g.nodes[name]
}

// RemoveNode deletes a node and every edge that touches it.
func (g *Graph) RemoveNode(name string) {
	delete(g.nodes, name)
	delete(g.edges, name)
	for n := range g.edges {
		delete(g.edges[n], name)
	}
}

// TopoSort returns the nodes of g in dependency order: a node is never
// returned before every node it depends on. Nodes with no remaining
// dependencies at a given step are emitted in alphabetical order, giving
// deterministic output. Returns ErrCycle if the graph is not a DAG.
func (g *Graph) TopoSort() ([]string, error) {
	remaining := map[string]map[string]bool{}
	for n, deps := range g.edges {
		remaining[n] = map[string]bool{}
		for d := range deps {
			remaining[n][d] = true
		}
	}

	var order []string
	for len(remaining) > 0 {
		var ready []string
		for n, deps := range remaining {
			if len(deps) == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for n := range remaining {
				stuck = append(stuck, n)
			}
			sort.Strings(stuck)
			return nil, &ErrCycle{Cycle: stuck}
		}
		sort.Strings(ready)
		for _, n := range ready {
			order = append(order, n)
			delete(remaining, n)
		}
		for n, deps := range remaining {
			for _, r := range ready {
				delete(deps, r)
			}
			remaining[n] = deps
		}
	}
	return order, nil
}

// WouldCycle reports whether adding edge from->to would introduce a cycle,
// without mutating the graph. Used by Register to reject bad manager
// dependency declarations up front.
func (g *Graph) WouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{}
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if n == from {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for d := range g.edges[n] {
			if dfs(d) {
				return true
			}
		}
		return false
	}
	return dfs(to)
}

// Reversed returns a new graph with every edge direction flipped, used to
// walk shutdown order (reverse of initialization order).
func (g *Graph) Reversed() *Graph {
	r := NewGraph()
	for n := range g.nodes {
		r.AddNode(n)
	}
	for n, deps := range g.edges {
		for d := range deps {
			r.AddEdge(d, n)
		}
	}
	return r
}
