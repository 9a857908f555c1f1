package model

import (
	"encoding/json"
	"sort"
)

// Graph is an in-memory container of nodes and edges. Edges are unique by
// EdgeKey; adding an edge with an existing key replaces it.
//
// Graph is not safe for concurrent use. Storage backends guard it.
type Graph struct {
	Nodes map[string]*Node
	Edges []*Edge

	index map[EdgeKey]int
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make([]*Edge, 0),
		index: make(map[EdgeKey]int),
	}
}

func (g *Graph) ensureIndex() {
	if g.Nodes == nil {
		g.Nodes = make(map[string]*Node)
	}
	if g.index != nil && len(g.index) == len(g.Edges) {
		return
	}
	g.index = make(map[EdgeKey]int, len(g.Edges))
	for i, e := range g.Edges {
		g.index[e.Key()] = i
	}
}

// AddNode inserts or replaces a node. It reports whether the node is new.
func (g *Graph) AddNode(node *Node) bool {
	g.ensureIndex()
	_, exists := g.Nodes[node.ID]
	g.Nodes[node.ID] = node
	return !exists
}

// AddEdge inserts or replaces an edge. Both endpoints must already be in the
// graph; otherwise a *DanglingReferenceError is returned.
func (g *Graph) AddEdge(edge *Edge) (bool, error) {
	g.ensureIndex()
	if missing := g.missingEndpoints(edge); len(missing) > 0 {
		return false, &DanglingReferenceError{Edge: edge.Key(), Missing: missing}
	}
	key := edge.Key()
	if i, ok := g.index[key]; ok {
		g.Edges[i] = edge
		return false, nil
	}
	g.index[key] = len(g.Edges)
	g.Edges = append(g.Edges, edge)
	return true, nil
}

func (g *Graph) missingEndpoints(edge *Edge) []string {
	var missing []string
	if _, ok := g.Nodes[edge.Source]; !ok {
		missing = append(missing, edge.Source)
	}
	if _, ok := g.Nodes[edge.Target]; !ok && edge.Target != edge.Source {
		missing = append(missing, edge.Target)
	}
	return missing
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Edge returns the edge with the given key.
func (g *Graph) Edge(key EdgeKey) (*Edge, bool) {
	g.ensureIndex()
	i, ok := g.index[key]
	if !ok {
		return nil, false
	}
	return g.Edges[i], true
}

// RemoveEdge deletes the edge with the given key and reports whether it existed.
func (g *Graph) RemoveEdge(key EdgeKey) bool {
	g.ensureIndex()
	i, ok := g.index[key]
	if !ok {
		return false
	}
	last := len(g.Edges) - 1
	if i != last {
		g.Edges[i] = g.Edges[last]
		g.index[g.Edges[i].Key()] = i
	}
	g.Edges[last] = nil
	g.Edges = g.Edges[:last]
	delete(g.index, key)
	return true
}

// RemoveNode deletes a node and every edge touching it. It reports whether
// the node existed and how many edges were removed with it.
func (g *Graph) RemoveNode(id string) (bool, int) {
	g.ensureIndex()
	if _, ok := g.Nodes[id]; !ok {
		return false, 0
	}
	delete(g.Nodes, id)
	kept := g.Edges[:0]
	removed := 0
	for _, e := range g.Edges {
		if e.Touches(id) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(g.Edges); i++ {
		g.Edges[i] = nil
	}
	g.Edges = kept
	g.index = nil
	g.ensureIndex()
	return true, removed
}

// PruneDangling drops edges whose endpoints are missing and returns them.
func (g *Graph) PruneDangling() []*Edge {
	var dropped []*Edge
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if len(g.missingEndpoints(e)) > 0 {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept
	g.index = nil
	g.ensureIndex()
	return dropped
}

// Validate returns the first dangling edge error, if any.
func (g *Graph) Validate() error {
	for _, e := range g.SortedEdges() {
		if missing := g.missingEndpoints(e); len(missing) > 0 {
			return &DanglingReferenceError{Edge: e.Key(), Missing: missing}
		}
	}
	return nil
}

// SortedNodes returns nodes ordered by id.
func (g *Graph) SortedNodes() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// SortedEdges returns edges ordered by source, target and type.
func (g *Graph) SortedEdges() []*Edge {
	edges := make([]*Edge, len(g.Edges))
	copy(edges, g.Edges)
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key().Less(edges[j].Key()) })
	return edges
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Nodes: make(map[string]*Node, len(g.Nodes)),
		Edges: make([]*Edge, len(g.Edges)),
		index: make(map[EdgeKey]int, len(g.Edges)),
	}
	for id, n := range g.Nodes {
		c := n.Clone()
		out.Nodes[id] = &c
	}
	for i, e := range g.Edges {
		c := e.Clone()
		out.Edges[i] = &c
		out.index[c.Key()] = i
	}
	return out
}

type graphJSON struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// MarshalJSON writes nodes and edges in sorted order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{Nodes: g.SortedNodes(), Edges: g.SortedEdges()})
}

// UnmarshalJSON reads a graph document. Dangling edges are kept; callers
// decide whether to prune or reject them.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc graphJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*g = *NewGraph()
	for _, n := range doc.Nodes {
		if n == nil {
			continue
		}
		g.Nodes[n.ID] = n
	}
	for _, e := range doc.Edges {
		if e == nil {
			continue
		}
		key := e.Key()
		if i, ok := g.index[key]; ok {
			g.Edges[i] = e
			continue
		}
		g.index[key] = len(g.Edges)
		g.Edges = append(g.Edges, e)
	}
	return nil
}
