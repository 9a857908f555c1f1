package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/model"
)

// Memory keeps the graph in process memory. With a snapshot path, Persist
// writes the graph as JSON and Restore reads it back; anything written after
// the last Persist is lost on crash.
type Memory struct {
	mu           sync.RWMutex
	graph        *model.Graph
	generation   atomic.Uint64
	snapshotPath string
}

// NewMemory creates an empty in-memory backend. snapshotPath may be empty.
func NewMemory(snapshotPath string) *Memory {
	return &Memory{
		graph:        model.NewGraph(),
		snapshotPath: snapshotPath,
	}
}

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Generation() uint64 { return m.generation.Load() }

func (m *Memory) Close() error { return nil }

// memTx operates on the graph with the lock already held.
type memTx struct{ m *Memory }

func (t memTx) GetNode(_ context.Context, id string) (model.Node, error) {
	n, ok := t.m.graph.Node(id)
	if !ok {
		return model.Node{}, model.NotFoundf("node %q", id)
	}
	return n.Clone(), nil
}

func (t memTx) GetNodes(ctx context.Context, filter Filter) ([]model.Node, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	all, err := t.AllNodes(ctx)
	if err != nil {
		return nil, err
	}
	return filter.apply(all), nil
}

func (t memTx) AllNodes(context.Context) ([]model.Node, error) {
	sorted := t.m.graph.SortedNodes()
	out := make([]model.Node, len(sorted))
	for i, n := range sorted {
		out[i] = n.Clone()
	}
	return out, nil
}

func (t memTx) AllEdges(context.Context) ([]model.Edge, error) {
	sorted := t.m.graph.SortedEdges()
	out := make([]model.Edge, len(sorted))
	for i, e := range sorted {
		out[i] = e.Clone()
	}
	return out, nil
}

func (t memTx) UpsertNode(_ context.Context, node model.Node) (bool, error) {
	n, err := node.Normalized()
	if err != nil {
		return false, err
	}
	created := t.m.graph.AddNode(&n)
	t.m.generation.Add(1)
	return created, nil
}

func (t memTx) UpsertEdge(_ context.Context, edge model.Edge) (bool, error) {
	e, err := edge.Normalized()
	if err != nil {
		return false, err
	}
	created, err := t.m.graph.AddEdge(&e)
	if err != nil {
		return false, err
	}
	t.m.generation.Add(1)
	return created, nil
}

func (t memTx) DeleteNode(_ context.Context, id string) (DeleteResult, error) {
	existed, removed := t.m.graph.RemoveNode(id)
	if existed {
		t.m.generation.Add(1)
	}
	return DeleteResult{Existed: existed, EdgesRemoved: removed}, nil
}

func (t memTx) DeleteEdge(_ context.Context, key model.EdgeKey) (bool, error) {
	existed := t.m.graph.RemoveEdge(key)
	if existed {
		t.m.generation.Add(1)
	}
	return existed, nil
}

func (m *Memory) read() (memTx, func()) {
	m.mu.RLock()
	return memTx{m}, m.mu.RUnlock
}

func (m *Memory) write() (memTx, func()) {
	m.mu.Lock()
	return memTx{m}, m.mu.Unlock
}

func (m *Memory) GetNode(ctx context.Context, id string) (model.Node, error) {
	tx, unlock := m.read()
	defer unlock()
	return tx.GetNode(ctx, id)
}

func (m *Memory) GetNodes(ctx context.Context, filter Filter) ([]model.Node, error) {
	tx, unlock := m.read()
	defer unlock()
	return tx.GetNodes(ctx, filter)
}

func (m *Memory) AllNodes(ctx context.Context) ([]model.Node, error) {
	tx, unlock := m.read()
	defer unlock()
	return tx.AllNodes(ctx)
}

func (m *Memory) AllEdges(ctx context.Context) ([]model.Edge, error) {
	tx, unlock := m.read()
	defer unlock()
	return tx.AllEdges(ctx)
}

func (m *Memory) UpsertNode(ctx context.Context, node model.Node) (bool, error) {
	tx, unlock := m.write()
	defer unlock()
	return tx.UpsertNode(ctx, node)
}

func (m *Memory) UpsertEdge(ctx context.Context, edge model.Edge) (bool, error) {
	tx, unlock := m.write()
	defer unlock()
	return tx.UpsertEdge(ctx, edge)
}

func (m *Memory) DeleteNode(ctx context.Context, id string) (DeleteResult, error) {
	tx, unlock := m.write()
	defer unlock()
	return tx.DeleteNode(ctx, id)
}

func (m *Memory) DeleteEdge(ctx context.Context, key model.EdgeKey) (bool, error) {
	tx, unlock := m.write()
	defer unlock()
	return tx.DeleteEdge(ctx, key)
}

func (m *Memory) Snapshot(context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{Graph: m.graph.Clone(), Generation: m.generation.Load()}, nil
}

// Update runs fn under the write lock. Writes made before fn returns an
// error are not rolled back.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, unlock := m.write()
	defer unlock()
	return fn(tx)
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graph = model.NewGraph()
	m.generation.Add(1)
	return nil
}

// Persist writes the graph to the snapshot path. Without a path it is a no-op.
func (m *Memory) Persist(context.Context) error {
	if m.snapshotPath == "" {
		return nil
	}
	m.mu.RLock()
	data, err := json.MarshalIndent(m.graph, "", "  ")
	nodes, edges := len(m.graph.Nodes), len(m.graph.Edges)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if dir := filepath.Dir(m.snapshotPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	logging.Debug("persisted memory snapshot", "path", m.snapshotPath, "nodes", nodes, "edges", edges)
	return nil
}

// Restore replaces the graph with the snapshot file contents. A missing file
// leaves the graph untouched. Edges with missing endpoints are dropped.
func (m *Memory) Restore(context.Context) error {
	if m.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		logging.Debug("no memory snapshot to restore", "path", m.snapshotPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	g := model.NewGraph()
	if err := json.Unmarshal(data, g); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", m.snapshotPath, err)
	}
	if dropped := g.PruneDangling(); len(dropped) > 0 {
		logging.Warn("dropped dangling edges from snapshot", "path", m.snapshotPath, "count", len(dropped))
	}

	m.mu.Lock()
	m.graph = g
	m.generation.Add(1)
	m.mu.Unlock()

	logging.Info("restored memory snapshot", "path", m.snapshotPath, "nodes", len(g.Nodes), "edges", len(g.Edges))
	return nil
}
