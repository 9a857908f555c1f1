// Package storagetest is a conformance suite every storage.Backend must pass.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/storage"
)

// Opener returns an empty backend. The suite closes it.
type Opener func(t *testing.T) storage.Backend

// Example is the four-node graph used throughout the tests.
func Example() ([]model.Node, []model.Edge) {
	nodes := []model.Node{
		{ID: "service:api", Name: "api", Type: model.NodeTypeService,
			Properties: model.Properties{"team": "platform", "environment": "prod"}},
		{ID: "service:orders", Name: "orders", Type: model.NodeTypeService,
			Properties: model.Properties{"environment": "prod", "replicas": int64(3)}},
		{ID: "database:orders-db", Name: "orders-db", Type: model.NodeTypeDatabase,
			Properties: model.Properties{"environment": "staging"}},
		{ID: "team:payments", Name: "payments", Type: model.NodeTypeTeam,
			Properties: model.Properties{"slack_channel": "#payments"}},
	}
	edges := []model.Edge{
		{Source: "service:api", Target: "service:orders", Type: model.EdgeTypeDependsOn},
		{Source: "service:orders", Target: "database:orders-db", Type: model.EdgeTypeDependsOn},
		{Source: "team:payments", Target: "service:orders", Type: model.EdgeTypeOwns},
	}
	return nodes, edges
}

// Load writes nodes then edges into b.
func Load(t *testing.T, b storage.Backend, nodes []model.Node, edges []model.Edge) {
	t.Helper()
	ctx := context.Background()
	for _, n := range nodes {
		_, err := b.UpsertNode(ctx, n)
		require.NoError(t, err)
	}
	for _, e := range edges {
		_, err := b.UpsertEdge(ctx, e)
		require.NoError(t, err)
	}
}

func ids(nodes []model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"UpsertNodeIdempotent", testUpsertNodeIdempotent},
		{"UpsertNodeReplacesWholesale", testUpsertNodeReplaces},
		{"UpsertNodeRejectsMalformed", testUpsertNodeMalformed},
		{"UpsertEdgeByKey", testUpsertEdgeByKey},
		{"UpsertEdgeDangling", testUpsertEdgeDangling},
		{"GetNodeMissing", testGetNodeMissing},
		{"GetNodesFilter", testGetNodesFilter},
		{"DeleteNodeCascades", testDeleteNodeCascades},
		{"DeleteEdge", testDeleteEdge},
		{"PropertiesRoundTrip", testPropertiesRoundTrip},
		{"SnapshotAndGeneration", testSnapshotGeneration},
		{"UpdateBatch", testUpdateBatch},
		{"Clear", testClear},
		{"ExportImport", testExportImport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func testUpsertNodeIdempotent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	n := model.Node{ID: "service:api", Name: "api", Type: model.NodeTypeService}

	created, err := b.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = b.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.False(t, created)

	all, err := b.AllNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testUpsertNodeReplaces(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	_, err := b.UpsertNode(ctx, model.Node{
		ID: "service:orders", Name: "orders-v2", Type: model.NodeTypeService,
		Properties: model.Properties{"tier": "gold"},
	})
	require.NoError(t, err)

	got, err := b.GetNode(ctx, "service:orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-v2", got.Name)
	assert.Equal(t, model.Properties{"tier": "gold"}, got.Properties)

	all, err := b.AllEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3, "edges touching a replaced node are kept")
}

func testUpsertNodeMalformed(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.UpsertNode(ctx, model.Node{Name: "nameless"})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))

	_, err = b.UpsertNode(ctx, model.Node{ID: "x", Name: "x", Properties: model.Properties{"bad": struct{}{}}})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
}

func testUpsertEdgeByKey(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	created, err := b.UpsertEdge(ctx, model.Edge{
		Source: "service:api", Target: "service:orders", Type: model.EdgeTypeDependsOn,
		Properties: model.Properties{"protocol": "grpc"},
	})
	require.NoError(t, err)
	assert.False(t, created)

	created, err = b.UpsertEdge(ctx, model.Edge{Source: "service:api", Target: "service:orders", Type: model.EdgeTypeCalls})
	require.NoError(t, err)
	assert.True(t, created)

	all, err := b.AllEdges(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, model.EdgeKey{Source: "service:api", Target: "service:orders", Type: "calls"}, all[0].Key())
	assert.Equal(t, "grpc", all[1].Properties.String("protocol"))
}

func testUpsertEdgeDangling(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, _ := Example()
	Load(t, b, nodes, nil)

	_, err := b.UpsertEdge(ctx, model.Edge{Source: "service:api", Target: "service:ghost", Type: model.EdgeTypeDependsOn})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrDanglingReference))

	var dre *model.DanglingReferenceError
	require.True(t, errors.As(err, &dre))
	assert.Equal(t, []string{"service:ghost"}, dre.Missing)

	all, err := b.AllEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testGetNodeMissing(t *testing.T, b storage.Backend) {
	_, err := b.GetNode(context.Background(), "service:nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func testGetNodesFilter(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	all, err := b.GetNodes(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"database:orders-db", "service:api", "service:orders", "team:payments"}, ids(all))

	svc, err := b.GetNodes(ctx, storage.Filter{Type: model.NodeTypeService})
	require.NoError(t, err)
	assert.Equal(t, []string{"service:api", "service:orders"}, ids(svc))

	prod, err := b.GetNodes(ctx, storage.Filter{Environment: "prod", Team: "platform"})
	require.NoError(t, err)
	assert.Equal(t, []string{"service:api"}, ids(prod))

	limited, err := b.GetNodes(ctx, storage.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"database:orders-db", "service:api"}, ids(limited))

	none, err := b.GetNodes(ctx, storage.Filter{Type: "queue"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = b.GetNodes(ctx, storage.Filter{Limit: -1})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
}

func testDeleteNodeCascades(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	res, err := b.DeleteNode(ctx, "service:orders")
	require.NoError(t, err)
	assert.Equal(t, storage.DeleteResult{Existed: true, EdgesRemoved: 3}, res)

	all, err := b.AllEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = b.GetNode(ctx, "service:orders")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	res, err = b.DeleteNode(ctx, "service:orders")
	require.NoError(t, err)
	assert.False(t, res.Existed)

	// A node can be re-added with no stale edges resurfacing.
	_, err = b.UpsertNode(ctx, nodes[1])
	require.NoError(t, err)
	all, err = b.AllEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testDeleteEdge(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	key := edges[0].Key()
	existed, err := b.DeleteEdge(ctx, key)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = b.DeleteEdge(ctx, key)
	require.NoError(t, err)
	assert.False(t, existed)

	res, err := b.DeleteNode(ctx, "service:api")
	require.NoError(t, err)
	assert.Equal(t, 0, res.EdgesRemoved)
}

func testPropertiesRoundTrip(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	props := model.Properties{
		"replicas": 3,
		"cpu":      float64(2),
		"ratio":    0.75,
		"enabled":  true,
		"nothing":  nil,
		"ports":    []int{80, 443},
		"labels":   map[string]any{"tier": "gold", "weight": 1.5},
	}
	_, err := b.UpsertNode(ctx, model.Node{ID: "service:x", Name: "x", Type: "service", Properties: props})
	require.NoError(t, err)

	got, err := b.GetNode(ctx, "service:x")
	require.NoError(t, err)
	want, err := model.NormalizeProperties(props)
	require.NoError(t, err)
	assert.Equal(t, want, got.Properties)
	assert.IsType(t, int64(0), got.Properties["replicas"])
	assert.IsType(t, float64(0), got.Properties["cpu"])
}

func testSnapshotGeneration(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	g0 := b.Generation()
	nodes, edges := Example()
	Load(t, b, nodes, edges)
	assert.Greater(t, b.Generation(), g0)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Generation(), snap.Generation)
	assert.Len(t, snap.Graph.Nodes, 4)
	assert.Len(t, snap.Graph.Edges, 3)
	assert.NoError(t, snap.Graph.Validate())

	// The snapshot is detached from the store.
	snap.Graph.RemoveNode("service:api")
	_, err = b.GetNode(ctx, "service:api")
	assert.NoError(t, err)
}

func testUpdateBatch(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()

	err := b.Update(ctx, func(tx storage.Tx) error {
		for _, n := range nodes {
			if _, err := tx.UpsertNode(ctx, n); err != nil {
				return err
			}
		}
		// Writes are visible inside the same batch.
		if _, err := tx.GetNode(ctx, "service:api"); err != nil {
			return err
		}
		for _, e := range edges {
			if _, err := tx.UpsertEdge(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	all, err := b.AllEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testClear(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	require.NoError(t, b.Clear(ctx))
	all, err := b.AllNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testExportImport(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	nodes, edges := Example()
	Load(t, b, nodes, edges)

	var buf bytes.Buffer
	require.NoError(t, storage.Export(ctx, b, &buf))
	require.NoError(t, b.Clear(ctx))

	stats, err := storage.Import(ctx, b, &buf)
	require.NoError(t, err)
	assert.Equal(t, storage.ImportStats{Nodes: 4, Edges: 3}, stats)

	got, err := b.GetNode(ctx, "service:orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Properties["replicas"])
}
