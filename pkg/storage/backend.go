// Package storage holds the graph store behind a single Backend interface,
// with in-memory, badger and neo4j implementations.
package storage

import (
	"context"
	"sort"

	"github.com/ritzau/infragraph/pkg/model"
)

// Kind names a backend implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindBadger Kind = "badger"
	KindNeo4j  Kind = "neo4j"
	KindAuto   Kind = "auto"
)

// Filter selects nodes. Zero fields match everything; set fields are ANDed.
type Filter struct {
	Type        string
	Team        string
	Environment string
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Validate rejects negative limits.
func (f Filter) Validate() error {
	if f.Limit < 0 {
		return model.InvalidArgumentf("limit must not be negative, got %d", f.Limit)
	}
	return nil
}

// Matches reports whether n passes the filter, ignoring Limit.
func (f Filter) Matches(n model.Node) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Team != "" && n.Properties.String(model.PropTeam) != f.Team {
		return false
	}
	if f.Environment != "" && n.Properties.String(model.PropEnvironment) != f.Environment {
		return false
	}
	return true
}

// apply filters nodes already sorted by id and truncates to Limit.
func (f Filter) apply(sorted []model.Node) []model.Node {
	out := make([]model.Node, 0, len(sorted))
	for _, n := range sorted {
		if !f.Matches(n) {
			continue
		}
		out = append(out, n)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// DeleteResult describes a cascading node delete.
type DeleteResult struct {
	Existed      bool `json:"existed"`
	EdgesRemoved int  `json:"edges_removed"`
}

// Snapshot is a consistent copy of the whole graph.
type Snapshot struct {
	Graph      *model.Graph
	Generation uint64
}

// Reader is the read half of a backend.
type Reader interface {
	GetNode(ctx context.Context, id string) (model.Node, error)
	GetNodes(ctx context.Context, filter Filter) ([]model.Node, error)
	AllNodes(ctx context.Context) ([]model.Node, error)
	AllEdges(ctx context.Context) ([]model.Edge, error)
}

// Writer is the write half of a backend.
type Writer interface {
	// UpsertNode inserts or fully replaces a node by id. Edges touching the
	// node are kept.
	UpsertNode(ctx context.Context, node model.Node) (created bool, err error)
	// UpsertEdge inserts an edge or replaces its properties. Both endpoints
	// must exist; otherwise a *model.DanglingReferenceError is returned.
	UpsertEdge(ctx context.Context, edge model.Edge) (created bool, err error)
	// DeleteNode removes a node and all edges touching it. A missing id is
	// reported through DeleteResult.Existed, not as an error.
	DeleteNode(ctx context.Context, id string) (DeleteResult, error)
	DeleteEdge(ctx context.Context, key model.EdgeKey) (existed bool, err error)
}

// Tx is the view handed to Update callbacks. Its methods run under the
// backend's write lock and must not be used after the callback returns.
type Tx interface {
	Reader
	Writer
}

// Backend is a graph store. All implementations have the same observable
// semantics; only durability differs.
type Backend interface {
	Reader
	Writer

	// Snapshot reads all nodes and edges under one lock or transaction.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Generation increases on every mutation made through this backend.
	Generation() uint64
	// Update runs fn with exclusive write access.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Persist(ctx context.Context) error
	Restore(ctx context.Context) error
	// Clear removes every node and edge.
	Clear(ctx context.Context) error

	Kind() Kind
	Close() error
}

func sortNodes(nodes []model.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdges(edges []model.Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key().Less(edges[j].Key()) })
}

// graphFrom builds a model.Graph from already validated nodes and edges.
func graphFrom(nodes []model.Node, edges []model.Edge) *model.Graph {
	g := model.NewGraph()
	for i := range nodes {
		n := nodes[i]
		g.AddNode(&n)
	}
	for i := range edges {
		e := edges[i]
		// Stores never hold dangling edges; a miss here means a concurrent
		// writer outside this process and the edge is skipped.
		_, _ = g.AddEdge(&e)
	}
	return g
}
