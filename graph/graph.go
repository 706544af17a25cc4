package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Graph is the immutable, validated topology a run executes.
//
// Nodes live in an arena addressed by index; edges are stored once and every
// node keeps the indices of its outgoing edges in insertion order. Back-edges
// (edges closing a cycle, found by depth-first search from the start node) are
// excluded from the forward in-degree used by join barriers.
type Graph struct {
	id          string
	name        string
	description string

	nodes []Node
	index map[string]int
	edges []*Edge

	out      [][]int
	inDegree []int
	back     []bool
	// exits marks forward edges that leave a cycle. Their outcome is
	// provisional while the source's component still has work.
	exits []bool
	// comp labels each node with its strongly connected component.
	comp []int

	start int
}

func (g *Graph) ID() string          { return g.id }
func (g *Graph) Name() string        { return g.name }
func (g *Graph) Description() string { return g.description }
func (g *Graph) NodeCount() int      { return len(g.nodes) }
func (g *Graph) EdgeCount() int      { return len(g.edges) }

// StartNode returns the ID of the entry node.
func (g *Graph) StartNode() string { return g.nodes[g.start].ID() }

// Node looks up a node by ID.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node { return slices.Clone(g.nodes) }

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []*Edge { return slices.Clone(g.edges) }

// Outgoing returns the edges leaving id in insertion order.
func (g *Graph) Outgoing(id string) []*Edge {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]*Edge, len(g.out[i]))
	for j, ei := range g.out[i] {
		out[j] = g.edges[ei]
	}
	return out
}

// InDegree returns the number of forward (non back-edge) edges into id.
func (g *Graph) InDegree(id string) int {
	if i, ok := g.index[id]; ok {
		return g.inDegree[i]
	}
	return 0
}

// IsBackEdge reports whether e closes a cycle.
func (g *Graph) IsBackEdge(e *Edge) bool {
	for i, x := range g.edges {
		if x == e {
			return g.back[i]
		}
	}
	return false
}

// buildGraph validates the topology and derives the adjacency, in-degree and
// back-edge tables. All violations are reported together.
func buildGraph(id, name, description string, nodes []Node, edges []*Edge, start string) (*Graph, error) {
	g := &Graph{
		id:          id,
		name:        name,
		description: description,
		nodes:       slices.Clone(nodes),
		index:       make(map[string]int, len(nodes)),
		edges:       slices.Clone(edges),
	}

	var errs []error
	if len(nodes) == 0 {
		errs = append(errs, &EngineError{Message: "graph has no nodes", Code: "EMPTY_GRAPH"})
	}
	for i, n := range g.nodes {
		if _, dup := g.index[n.ID()]; dup {
			errs = append(errs, &EngineError{Message: fmt.Sprintf("duplicate node id %q", n.ID()), Code: "DUPLICATE_NODE"})
			continue
		}
		g.index[n.ID()] = i
	}

	g.out = make([][]int, len(g.nodes))
	g.inDegree = make([]int, len(g.nodes))
	for ei, e := range g.edges {
		from, okFrom := g.index[e.From]
		_, okTo := g.index[e.To]
		if !okFrom || !okTo {
			errs = append(errs, &EngineError{
				Message: fmt.Sprintf("edge %s references unknown node", e),
				Code:    "INVALID_EDGE",
			})
			continue
		}
		g.out[from] = append(g.out[from], ei)
	}

	si, ok := g.index[start]
	switch {
	case start == "":
		errs = append(errs, &EngineError{Message: "start node not set", Code: "NO_START_NODE"})
	case !ok:
		errs = append(errs, &EngineError{Message: fmt.Sprintf("start node %q not found", start), Code: "NO_START_NODE"})
	}
	g.start = si

	for _, n := range g.nodes {
		p := n.Policy()
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID(), err))
		}
		if p.Handler != "" {
			if _, ok := g.index[p.Handler]; !ok {
				errs = append(errs, &EngineError{
					Message: fmt.Sprintf("node %s: error handler %q not found", n.ID(), p.Handler),
					Code:    CodeHandlerFailed,
				})
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g.back = findBackEdges(g)
	for ei, e := range g.edges {
		if !g.back[ei] {
			g.inDegree[g.index[e.To]]++
		}
	}
	g.comp = stronglyConnected(g)
	g.exits = findCycleExits(g)
	return g, nil
}

// findBackEdges classifies edges with an iterative DFS that starts at the
// start node and then covers any node it did not reach, in insertion order.
// An edge into a node still on the DFS stack is a back-edge.
func findBackEdges(g *Graph) []bool {
	const (
		white = iota
		grey
		black
	)
	back := make([]bool, len(g.edges))
	color := make([]int, len(g.nodes))

	type frame struct{ node, next int }
	visit := func(root int) {
		stack := []frame{{node: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(g.out[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			ei := g.out[top.node][top.next]
			top.next++
			to := g.index[g.edges[ei].To]
			switch color[to] {
			case grey:
				back[ei] = true
			case white:
				color[to] = grey
				stack = append(stack, frame{node: to})
			}
		}
	}

	visit(g.start)
	for i := range g.nodes {
		if color[i] == white {
			visit(i)
		}
	}
	return back
}

// findCycleExits marks forward edges whose source lies on a cycle and whose
// target lies outside that cycle's strongly connected component.
func findCycleExits(g *Graph) []bool {
	comp := g.comp
	size := make(map[int]int)
	for _, c := range comp {
		size[c]++
	}
	selfLoop := make([]bool, len(g.nodes))
	for _, e := range g.edges {
		if e.From == e.To {
			selfLoop[g.index[e.From]] = true
		}
	}

	exits := make([]bool, len(g.edges))
	for ei, e := range g.edges {
		if g.back[ei] {
			continue
		}
		from, to := g.index[e.From], g.index[e.To]
		onCycle := size[comp[from]] > 1 || selfLoop[from]
		exits[ei] = onCycle && comp[from] != comp[to]
	}
	return exits
}

// stronglyConnected labels each node with its component (Tarjan).
func stronglyConnected(g *Graph) []int {
	n := len(g.nodes)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	comp := make([]int, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	next, label := 0, 0

	var strong func(v int)
	strong = func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, ei := range g.out[v] {
			w := g.index[g.edges[ei].To]
			if index[w] < 0 {
				strong(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] == index[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = label
				if w == v {
					break
				}
			}
			label++
		}
	}
	for v := range n {
		if index[v] < 0 {
			strong(v)
		}
	}
	return comp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
