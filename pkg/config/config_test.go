package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
)

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(f)
	f.String("addr", ":8080", "listen address")
	require.NoError(t, f.Parse(args))
	return f
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.Fallback)
	assert.Equal(t, 5*time.Minute, cfg.Storage.Badger.GCInterval)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	qc := cfg.QueryConfig()
	assert.Equal(t, query.DefaultConfig(), qc)

	sc := cfg.StorageConfig()
	kind, err := sc.Resolve()
	require.NoError(t, err)
	assert.Equal(t, storage.KindMemory, kind)
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte(`
[storage]
backend = "badger"

[storage.badger]
path = "/var/lib/infragraph"
gc_interval = "1m"

[query]
max_depth = 7
blast_depth = 3

[http]
addr = ":9000"
`), 0o644))

	t.Setenv("INFRAGRAPH_QUERY_MAX_DEPTH", "12")
	t.Setenv("INFRAGRAPH_SEVERITY_HIGH_TEAMS", "5")
	t.Setenv("INFRAGRAPH_HTTP_ADDR", ":9100")

	cfg, err := Load(flags(t, "--addr", ":9200", "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/infragraph", cfg.Storage.Badger.Path)
	assert.Equal(t, time.Minute, cfg.Storage.Badger.GCInterval)
	assert.Equal(t, 12, cfg.Query.MaxDepth)
	assert.Equal(t, 3, cfg.Query.BlastDepth)
	assert.Equal(t, 5, cfg.Severity.HighTeams)
	assert.Equal(t, ":9200", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Unchanged flags keep the file's values.
	assert.Equal(t, "badger", string(cfg.StorageConfig().Backend))
}

func TestLoadExplicitConfigMustExist(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(flags(t, "--config", "missing.toml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(flags(t, "--backend", "cassandra"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = Load(flags(t, "--path-mode", "sideways"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = Load(flags(t, "--log-level", "loud"))
	assert.Error(t, err)

	t.Setenv("INFRAGRAPH_QUERY_MAX_DEPTH", "0")
	_, err = Load(nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
