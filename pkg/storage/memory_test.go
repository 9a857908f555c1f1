package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/storage"
	"github.com/ritzau/infragraph/pkg/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return storage.NewMemory("")
	})
}

func TestMemoryPersistRestore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "graph.json")

	m := storage.NewMemory(path)
	require.NoError(t, m.Restore(ctx), "missing snapshot is not an error")

	nodes, edges := storagetest.Example()
	storagetest.Load(t, m, nodes, edges)
	require.NoError(t, m.Persist(ctx))

	restored := storage.NewMemory(path)
	require.NoError(t, restored.Restore(ctx))

	got, err := restored.AllEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	node, err := restored.GetNode(ctx, "service:orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), node.Properties["replicas"])
}

func TestMemoryRestoreDropsDanglingEdges(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.json")
	doc := `{"nodes":[{"id":"service:a","name":"a","type":"service"}],
	"edges":[{"source":"service:a","target":"service:gone","type":"depends_on"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m := storage.NewMemory(path)
	require.NoError(t, m.Restore(ctx))

	edges, err := m.AllEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestMemoryRestoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	err := storage.NewMemory(path).Restore(context.Background())
	assert.Error(t, err)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory("")
	_, err := m.UpsertNode(ctx, model.Node{ID: "a", Name: "a", Properties: model.Properties{"tags": []any{"x"}}})
	require.NoError(t, err)

	n, err := m.GetNode(ctx, "a")
	require.NoError(t, err)
	n.Properties["tags"].([]any)[0] = "changed"

	again, err := m.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Properties["tags"].([]any)[0])
}
