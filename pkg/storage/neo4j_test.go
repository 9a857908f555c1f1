package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/storage"
	"github.com/ritzau/infragraph/pkg/storage/storagetest"
)

// TestNeo4jConformance needs a disposable server; the suite clears it.
func TestNeo4jConformance(t *testing.T) {
	uri := os.Getenv("INFRAGRAPH_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("INFRAGRAPH_TEST_NEO4J_URI not set")
	}
	cfg := storage.Neo4jConfig{
		URI:      uri,
		User:     os.Getenv("INFRAGRAPH_TEST_NEO4J_USER"),
		Password: os.Getenv("INFRAGRAPH_TEST_NEO4J_PASSWORD"),
	}

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		ctx := context.Background()
		n, err := storage.OpenNeo4j(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, n.Clear(ctx))
		return n
	})
}
