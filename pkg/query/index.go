package query

import (
	"sort"

	"github.com/ritzau/infragraph/pkg/model"
)

// Direction is the edge direction a traversal follows.
type Direction int

const (
	// Outgoing follows edges from source to target (downstream).
	Outgoing Direction = iota
	// Incoming follows edges from target to source (upstream).
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// adjacent is one neighbor reachable over an edge of the given type.
type adjacent struct {
	neighbor string
	edgeType string
}

// index is an immutable adjacency view of one snapshot.
type index struct {
	generation uint64
	graph      *model.Graph
	out        map[string][]adjacent
	in         map[string][]adjacent
}

func buildIndex(g *model.Graph, generation uint64) *index {
	idx := &index{
		generation: generation,
		graph:      g,
		out:        make(map[string][]adjacent, len(g.Nodes)),
		in:         make(map[string][]adjacent, len(g.Nodes)),
	}
	for _, e := range g.Edges {
		idx.out[e.Source] = append(idx.out[e.Source], adjacent{neighbor: e.Target, edgeType: e.Type})
		idx.in[e.Target] = append(idx.in[e.Target], adjacent{neighbor: e.Source, edgeType: e.Type})
	}
	for _, m := range []map[string][]adjacent{idx.out, idx.in} {
		for _, list := range m {
			sort.Slice(list, func(i, j int) bool {
				if list[i].neighbor != list[j].neighbor {
					return list[i].neighbor < list[j].neighbor
				}
				return list[i].edgeType < list[j].edgeType
			})
		}
	}
	return idx
}

func (idx *index) edges(id string, dir Direction) []adjacent {
	if dir == Incoming {
		return idx.in[id]
	}
	return idx.out[id]
}

func (idx *index) node(id string) (*model.Node, bool) {
	return idx.graph.Node(id)
}

// visit is a node reached by bfsFrontier.
type visit struct {
	id    string
	depth int
}

// bfsFrontier walks breadth-first from start along dir, following only edges
// accepted by allow, and returns every reached node with its shortest depth in
// discovery order. The start node is first at depth 0. Nodes at maxDepth are
// included but not expanded; each node is visited once, so cycles terminate.
func (idx *index) bfsFrontier(start string, dir Direction, allow edgeFilter, maxDepth int) []visit {
	visited := map[string]int{start: 0}
	order := []visit{{id: start, depth: 0}}
	queue := []visit{{id: start, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, adj := range idx.edges(cur.id, dir) {
			if !allow(adj.edgeType) {
				continue
			}
			if _, seen := visited[adj.neighbor]; seen {
				continue
			}
			next := visit{id: adj.neighbor, depth: cur.depth + 1}
			visited[adj.neighbor] = next.depth
			order = append(order, next)
			queue = append(queue, next)
		}
	}
	return order
}
