package storage_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/storage"
	"github.com/ritzau/infragraph/pkg/storage/storagetest"
)

func TestBadgerInMemoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		b, err := storage.OpenBadger(storage.InMemoryBadgerConfig())
		require.NoError(t, err)
		return b
	})
}

func TestBadgerOnDiskConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		cfg := storage.DefaultBadgerConfig(t.TempDir())
		cfg.SyncWrites = false
		b, err := storage.OpenBadger(cfg)
		require.NoError(t, err)
		return b
	})
}

func TestBadgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	b, err := storage.OpenBadger(storage.DefaultBadgerConfig(dir))
	require.NoError(t, err)
	nodes, edges := storagetest.Example()
	storagetest.Load(t, b, nodes, edges)
	require.NoError(t, b.Persist(ctx))
	require.NoError(t, b.Close())

	b, err = storage.OpenBadger(storage.DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Restore(ctx))

	got, err := b.AllNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	res, err := b.DeleteNode(ctx, "service:orders")
	require.NoError(t, err)
	assert.Equal(t, 3, res.EdgesRemoved)
}

func TestBadgerLargeBatch(t *testing.T) {
	ctx := context.Background()
	b, err := storage.OpenBadger(storage.InMemoryBadgerConfig())
	require.NoError(t, err)
	defer b.Close()

	nodes, _ := storagetest.Example()
	err = b.Update(ctx, func(tx storage.Tx) error {
		for i := 0; i < 2000; i++ {
			n := nodes[0]
			n.ID = fmt.Sprintf("service:bulk-%04d", i)
			if _, err := tx.UpsertNode(ctx, n); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, err := b.GetNodes(ctx, storage.Filter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 10)
}
