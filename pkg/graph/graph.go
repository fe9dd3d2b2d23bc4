// Package graph indexes workflow definitions for traversal and validates them
// before activation.
package graph

import (
	"github.com/ignatij/leadflow/pkg/models"
)

// Graph is an arena over the nodes of a definition. Node positions are
// indices into nodes; edges are grouped by source index.
type Graph struct {
	nodes    []models.Node
	index    map[string]int
	outgoing [][]models.Edge
	incoming []int
}

// New builds the index. Edges that reference unknown nodes are ignored here;
// Validate reports them.
func New(def models.WorkflowDefinition) *Graph {
	g := &Graph{
		nodes:    def.Nodes,
		index:    make(map[string]int, len(def.Nodes)),
		outgoing: make([][]models.Edge, len(def.Nodes)),
		incoming: make([]int, len(def.Nodes)),
	}
	for i, n := range def.Nodes {
		if _, dup := g.index[n.ID]; !dup {
			g.index[n.ID] = i
		}
	}
	for _, e := range def.Edges {
		src, okSrc := g.index[e.Source]
		dst, okDst := g.index[e.Target]
		if !okSrc || !okDst {
			continue
		}
		g.outgoing[src] = append(g.outgoing[src], e)
		g.incoming[dst]++
	}
	return g
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (models.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return models.Node{}, false
	}
	return g.nodes[i], true
}

// Outgoing returns the edges leaving id in declaration order.
func (g *Graph) Outgoing(id string) []models.Edge {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.outgoing[i]
}

// Successor returns the target of the single outgoing edge of id. ok is false
// when the node has no outgoing edge, which ends the run.
func (g *Graph) Successor(id string) (string, bool) {
	out := g.Outgoing(id)
	if len(out) == 0 {
		return "", false
	}
	return out[0].Target, true
}

// Trigger returns the trigger node.
func (g *Graph) Trigger() (models.Node, bool) {
	for _, n := range g.nodes {
		if n.Category == models.TriggerCategory {
			return n, true
		}
	}
	return models.Node{}, false
}

// Reachable returns the set of node ids reachable from start, start included.
func (g *Graph) Reachable(start string) map[string]struct{} {
	seen := make(map[string]struct{})
	if _, ok := g.index[start]; !ok {
		return seen
	}
	queue := []string{start}
	seen[start] = struct{}{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if _, ok := seen[e.Target]; ok {
				continue
			}
			seen[e.Target] = struct{}{}
			queue = append(queue, e.Target)
		}
	}
	return seen
}
