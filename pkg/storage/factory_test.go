package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/storage"
)

func TestConfigResolve(t *testing.T) {
	tests := []struct {
		name string
		cfg  storage.Config
		want storage.Kind
	}{
		{"empty is memory", storage.Config{}, storage.KindMemory},
		{"auto with path", storage.Config{Backend: storage.KindAuto, Badger: storage.BadgerConfig{Path: "/tmp/x"}}, storage.KindBadger},
		{"auto prefers neo4j", storage.Config{
			Badger: storage.BadgerConfig{Path: "/tmp/x"},
			Neo4j:  storage.Neo4jConfig{URI: "bolt://localhost:7687"},
		}, storage.KindNeo4j},
		{"explicit", storage.Config{Backend: storage.KindMemory, Neo4j: storage.Neo4jConfig{URI: "bolt://x"}}, storage.KindMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Resolve()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := storage.Config{Backend: "cassandra"}.Resolve()
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
}

// blockedPath returns a path where a database directory cannot be created.
func blockedPath(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	return filepath.Join(file, "db")
}

func TestOpenFallsBackToMemory(t *testing.T) {
	opened, err := storage.Open(context.Background(), storage.Config{
		Backend:  storage.KindBadger,
		Fallback: true,
		Badger:   storage.BadgerConfig{Path: blockedPath(t)},
	})
	require.NoError(t, err)
	defer opened.Backend.Close()

	assert.True(t, opened.Degraded)
	assert.Equal(t, storage.KindBadger, opened.Requested)
	assert.Equal(t, storage.KindMemory, opened.Backend.Kind())
	assert.True(t, errors.Is(opened.Cause, model.ErrBackendUnavailable))
}

func TestOpenWithoutFallbackFails(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Config{
		Backend: storage.KindBadger,
		Badger:  storage.BadgerConfig{Path: blockedPath(t)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
}

func TestOpenBadgerAndMemory(t *testing.T) {
	ctx := context.Background()

	opened, err := storage.Open(ctx, storage.Config{Badger: storage.InMemoryBadgerConfig()})
	require.NoError(t, err)
	assert.Equal(t, storage.KindBadger, opened.Backend.Kind())
	assert.False(t, opened.Degraded)
	require.NoError(t, opened.Backend.Close())

	opened, err = storage.Open(ctx, storage.Config{Backend: storage.KindMemory})
	require.NoError(t, err)
	assert.Equal(t, storage.KindMemory, opened.Backend.Kind())
}
