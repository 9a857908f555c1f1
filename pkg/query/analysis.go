package query

import (
	"context"
	"slices"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/ritzau/infragraph/pkg/metrics"
)

// Stats summarizes the graph.
type Stats struct {
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	NodesByType map[string]int `json:"nodes_by_type"`
	EdgesByType map[string]int `json:"edges_by_type"`
	// Components counts weakly connected components.
	Components int    `json:"components"`
	Backend    string `json:"backend"`
	Generation uint64 `json:"generation"`
}

// Cycle is a set of nodes that depend on each other, sorted by id. A single
// node cycle is a self-loop.
type Cycle []string

// Stats counts nodes and edges by type and the number of weakly connected
// components.
func (e *Engine) Stats(ctx context.Context) (s *Stats, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("stats", start, err) }(time.Now())

	idx, err := e.index(ctx)
	if err != nil {
		return nil, err
	}
	s = &Stats{
		Nodes:       len(idx.graph.Nodes),
		Edges:       len(idx.graph.Edges),
		NodesByType: make(map[string]int),
		EdgesByType: make(map[string]int),
		Backend:     string(e.backend.Kind()),
		Generation:  idx.generation,
	}
	for _, n := range idx.graph.Nodes {
		s.NodesByType[n.Type]++
	}
	for _, edge := range idx.graph.Edges {
		s.EdgesByType[edge.Type]++
	}
	g, _ := idx.directed()
	s.Components = len(topo.ConnectedComponents(graph.Undirect{G: g}))
	return s, nil
}

// Cycles returns every strongly connected component with more than one node
// plus every self-loop, each sorted by id, in lexical order. Ownership edges
// are ignored.
func (e *Engine) Cycles(ctx context.Context) (cycles []Cycle, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("cycles", start, err) }(time.Now())

	idx, err := e.index(ctx)
	if err != nil {
		return nil, err
	}
	g, ids := idx.directed()

	cycles = []Cycle{}
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		c := make(Cycle, len(scc))
		for i, n := range scc {
			c[i] = ids[n.ID()]
		}
		sort.Strings(c)
		cycles = append(cycles, c)
	}
	for _, id := range idx.selfLoops() {
		cycles = append(cycles, Cycle{id})
	}
	slices.SortFunc(cycles, func(a, b Cycle) int { return slices.Compare(a, b) })
	metrics.ObserveResultSize("cycles", len(cycles))
	return cycles, nil
}

// directed builds a gonum graph of the dependency edges. Node ids are
// assigned in sorted id order; the returned slice maps them back.
// simple.DirectedGraph rejects self edges, so those are left out here and
// reported by selfLoops.
func (idx *index) directed() (*simple.DirectedGraph, []string) {
	ids := make([]string, 0, len(idx.graph.Nodes))
	for id := range idx.graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	num := make(map[string]int64, len(ids))

	g := simple.NewDirectedGraph()
	for i, id := range ids {
		num[id] = int64(i)
		g.AddNode(simple.Node(i))
	}
	allow := options{}.filter()
	for _, e := range idx.graph.Edges {
		if e.Source == e.Target || !allow(e.Type) {
			continue
		}
		src, ok := num[e.Source]
		if !ok {
			continue
		}
		dst, ok := num[e.Target]
		if !ok {
			continue
		}
		from, to := simple.Node(src), simple.Node(dst)
		if g.HasEdgeFromTo(from.ID(), to.ID()) {
			continue
		}
		g.SetEdge(g.NewEdge(from, to))
	}
	return g, ids
}

func (idx *index) selfLoops() []string {
	seen := make(map[string]struct{})
	var out []string
	allow := options{}.filter()
	for _, e := range idx.graph.Edges {
		if e.Source != e.Target || !allow(e.Type) {
			continue
		}
		if _, ok := seen[e.Source]; ok {
			continue
		}
		seen[e.Source] = struct{}{}
		out = append(out, e.Source)
	}
	sort.Strings(out)
	return out
}
