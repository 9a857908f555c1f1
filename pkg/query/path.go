package query

import (
	"context"
	"slices"
	"time"

	"github.com/ritzau/infragraph/pkg/metrics"
)

// MaxPathAlternatives bounds Path.Alternatives.
const MaxPathAlternatives = 4

// maxPathExpansions bounds the partial paths expanded while looking for
// alternatives.
const maxPathExpansions = 10000

// Hop is one edge on a path. Reversed is set when an undirected path walks
// the edge from its target to its source.
type Hop struct {
	From     string `json:"from"`
	To       string `json:"to"`
	EdgeType string `json:"edge_type"`
	Reversed bool   `json:"reversed,omitempty"`
}

// Path is the result of a shortest path search. An unreachable target is
// reported with Found false, not an error. Alternatives holds other
// cycle-free paths within the depth limit, shortest first.
type Path struct {
	From         string     `json:"from"`
	To           string     `json:"to"`
	Mode         PathMode   `json:"mode"`
	Found        bool       `json:"found"`
	Nodes        []string   `json:"nodes,omitempty"`
	Hops         []Hop      `json:"hops,omitempty"`
	Length       int        `json:"length"`
	Alternatives [][]string `json:"alternatives,omitempty"`
}

// Path finds a shortest path by edge count from one node to another within
// the depth limit. Every edge type is walked unless WithEdgeTypes narrows it.
func (e *Engine) Path(ctx context.Context, from, to string, opts ...Option) (p *Path, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("path", start, err) }(time.Now())

	o, err := resolve(e.cfg.MaxDepth, opts)
	if err != nil {
		return nil, err
	}
	mode := o.pathMode
	if mode == "" {
		mode = e.cfg.PathMode
	}
	if _, err := e.start(ctx, from); err != nil {
		return nil, err
	}
	idx, err := e.start(ctx, to)
	if err != nil {
		return nil, err
	}

	p = &Path{From: from, To: to, Mode: mode}
	if from == to {
		p.Found = true
		p.Nodes = []string{from}
		return p, nil
	}

	allow := o.pathFilter()
	hops, ok := idx.shortestPath(from, to, mode, allow, o.depth)
	if !ok {
		return p, nil
	}
	p.Found = true
	p.Hops = hops
	p.Length = len(hops)
	p.Nodes = make([]string, 0, len(hops)+1)
	p.Nodes = append(p.Nodes, from)
	for _, h := range hops {
		p.Nodes = append(p.Nodes, h.To)
	}
	for _, alt := range idx.simplePaths(from, to, mode, allow, o.depth, MaxPathAlternatives+1) {
		if len(p.Alternatives) == MaxPathAlternatives {
			break
		}
		if !slices.Equal(alt, p.Nodes) {
			p.Alternatives = append(p.Alternatives, alt)
		}
	}
	metrics.ObserveResultSize("path", len(p.Nodes))
	return p, nil
}

// shortestPath runs a BFS with parent pointers. Outgoing edges are expanded
// before incoming ones at each node, so a forward path wins over a reversed
// one of equal length.
func (idx *index) shortestPath(from, to string, mode PathMode, allow edgeFilter, maxDepth int) ([]Hop, bool) {
	parent := map[string]Hop{}
	depth := map[string]int{from: 0}
	queue := []string{from}

	dirs := mode.directions()
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if depth[cur] >= maxDepth {
			continue
		}
		for _, dir := range dirs {
			for _, adj := range idx.edges(cur, dir) {
				if !allow(adj.edgeType) {
					continue
				}
				if _, seen := depth[adj.neighbor]; seen {
					continue
				}
				depth[adj.neighbor] = depth[cur] + 1
				parent[adj.neighbor] = Hop{
					From:     cur,
					To:       adj.neighbor,
					EdgeType: adj.edgeType,
					Reversed: dir == Incoming,
				}
				if adj.neighbor == to {
					return unwind(parent, from, to), true
				}
				queue = append(queue, adj.neighbor)
			}
		}
	}
	return nil, false
}

func unwind(parent map[string]Hop, from, to string) []Hop {
	var hops []Hop
	for cur := to; cur != from; {
		h := parent[cur]
		hops = append(hops, h)
		cur = h.From
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return hops
}

func (m PathMode) directions() []Direction {
	if m == PathUndirected {
		return []Direction{Outgoing, Incoming}
	}
	return []Direction{Outgoing}
}

// simplePaths lists up to limit cycle-free paths from one node to another
// in breadth-first order, so shorter paths come first. Parallel edges
// between the same two nodes count once.
func (idx *index) simplePaths(from, to string, mode PathMode, allow edgeFilter, maxDepth, limit int) [][]string {
	var found [][]string
	queue := [][]string{{from}}
	for expanded := 0; len(queue) > 0 && expanded < maxPathExpansions; expanded++ {
		cur := queue[0]
		queue = queue[1:]
		if len(cur)-1 >= maxDepth {
			continue
		}
		last := cur[len(cur)-1]
		seen := map[string]bool{}
		for _, dir := range mode.directions() {
			for _, adj := range idx.edges(last, dir) {
				if !allow(adj.edgeType) || seen[adj.neighbor] || slices.Contains(cur, adj.neighbor) {
					continue
				}
				seen[adj.neighbor] = true
				next := append(slices.Clone(cur), adj.neighbor)
				if adj.neighbor != to {
					queue = append(queue, next)
					continue
				}
				found = append(found, next)
				if len(found) == limit {
					return found
				}
			}
		}
	}
	return found
}
