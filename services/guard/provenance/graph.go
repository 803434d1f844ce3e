// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provenance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/ContextGuard/services/guard/segment"
)

// Relation names the kind of edge between two segments.
type Relation string

const (
	// RelationDerived marks a child produced from a parent segment.
	RelationDerived Relation = "derived"

	// RelationSupersedes marks a segment that replaces an earlier one.
	RelationSupersedes Relation = "supersedes"
)

// Edge is a directed parent-to-child relation between two registered
// segments.
type Edge struct {
	// ParentID is the source node id.
	ParentID string `json:"parent_id"`

	// ChildID is the target node id.
	ChildID string `json:"child_id"`

	// Relation names the derivation kind.
	Relation Relation `json:"relation"`
}

// node is the arena entry for one registered segment.
type node struct {
	seg      segment.ContextSegment
	parents  []string
	children []string
}

// Graph tracks parent/child derivation of context segments.
//
// See the package documentation for the ownership and locking model.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	edges []Edge
}

// NewGraph creates an empty provenance graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddSegment registers a segment, wiring derived edges from each parent.
//
// Description:
//
//	Parents are pre-checked strictly: if any declared parent id is absent
//	the segment is not inserted and no edges are recorded, so a failed
//	call leaves the graph unchanged and is safe to retry with corrected
//	ids.
//
// Inputs:
//
//	seg - The segment to register. Its id must be non-empty and unused.
//	parents - Ids of already-registered segments this one derives from.
//
// Outputs:
//
//	string - The registered segment's id.
//	error - ErrInvalidSegment, ErrDuplicateNode, or ErrNodeNotFound
//	        (wrapped with the offending parent id).
func (g *Graph) AddSegment(seg segment.ContextSegment, parents ...string) (string, error) {
	id := seg.ID()
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidSegment)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return "", fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}
	for _, parentID := range parents {
		if _, ok := g.nodes[parentID]; !ok {
			return "", fmt.Errorf("%w: parent %q", ErrNodeNotFound, parentID)
		}
	}

	n := &node{seg: seg.Clone()}
	g.nodes[id] = n
	for _, parentID := range parents {
		g.wireEdge(parentID, id, RelationDerived)
	}
	return id, nil
}

// Link adds an edge between two already-registered segments.
//
// Inputs:
//
//	parentID - The source node. Must be registered.
//	childID - The target node. Must be registered.
//	relation - The derivation kind recorded on the edge.
//
// Outputs:
//
//	error - ErrNodeNotFound (wrapped with the missing id) if either end
//	        is unregistered.
func (g *Graph) Link(parentID, childID string, relation Relation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[parentID]; !ok {
		return fmt.Errorf("%w: parent %q", ErrNodeNotFound, parentID)
	}
	if _, ok := g.nodes[childID]; !ok {
		return fmt.Errorf("%w: child %q", ErrNodeNotFound, childID)
	}
	g.wireEdge(parentID, childID, relation)
	return nil
}

// wireEdge records an edge. Caller must hold the write lock and have
// verified both endpoints.
func (g *Graph) wireEdge(parentID, childID string, relation Relation) {
	g.nodes[parentID].children = append(g.nodes[parentID].children, childID)
	g.nodes[childID].parents = append(g.nodes[childID].parents, parentID)
	g.edges = append(g.edges, Edge{ParentID: parentID, ChildID: childID, Relation: relation})
}

// Lineage walks upward through parents, depth first.
//
// Description:
//
//	The starting node is included first. Each id is visited at most once,
//	so diamond ancestry (two converging paths sharing a grandparent)
//	reports the shared ancestor a single time, and the walk terminates
//	even over an accidentally cyclic graph.
//
// Outputs:
//
//	[]string - Visit-ordered ancestor ids, starting node first.
//	error - ErrNodeNotFound if the id is unregistered.
func (g *Graph) Lineage(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walk(id, func(n *node) []string { return n.parents })
}

// Descendants walks downward through children with the same visited-set
// guarantee as Lineage.
func (g *Graph) Descendants(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walk(id, func(n *node) []string { return n.children })
}

// walk performs a depth-first traversal following next(). Caller must hold
// at least the read lock.
func (g *Graph) walk(id string, next func(*node) []string) ([]string, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	visited := make(map[string]bool)
	var order []string

	var visit func(string)
	visit = func(current string) {
		if visited[current] {
			return
		}
		visited[current] = true
		order = append(order, current)
		n, ok := g.nodes[current]
		if !ok {
			// Dangling reference; skip rather than fail the whole walk.
			return
		}
		for _, nextID := range next(n) {
			visit(nextID)
		}
	}
	visit(id)
	return order, nil
}

// Traversal colors for cycle detection.
type color uint8

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully explored
)

// HasCycle reports whether any derivation cycle exists.
//
// Description:
//
//	Classic three-color depth-first search over every node. A back-edge
//	to a node still in progress (gray) is a cycle. A graph built only
//	through AddSegment and forward Link calls stays acyclic; this detects
//	violations introduced by an explicit back-link.
//
// Thread Safety:
//
//	Takes the read lock; safe to run concurrently with other reads.
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	colors := make(map[string]color, len(g.nodes))

	var dfs func(string) bool
	dfs = func(id string) bool {
		colors[id] = gray
		n := g.nodes[id]
		for _, childID := range n.children {
			switch colors[childID] {
			case gray:
				return true
			case white:
				if _, ok := g.nodes[childID]; !ok {
					continue
				}
				if dfs(childID) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range g.nodes {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}
	return false
}

// Segment returns a copy of the registered segment.
func (g *Graph) Segment(id string) (segment.ContextSegment, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return segment.ContextSegment{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n.seg.Clone(), nil
}

// Segments returns copies of every registered segment, ordered by id for
// stable iteration.
func (g *Graph) Segments() []segment.ContextSegment {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]segment.ContextSegment, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].seg.Clone())
	}
	return out
}

// Nodes returns a sorted snapshot of registered segment ids.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns a snapshot of all recorded edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Len returns the number of registered segments.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
