// Package config loads settings from defaults, an optional TOML file, the
// environment and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
)

// DefaultFile is read from the working directory when --config is not given.
const DefaultFile = "infragraph.toml"

const envPrefix = "INFRAGRAPH_"

// Config holds all configuration for the application
type Config struct {
	Storage  StorageConfig  `koanf:"storage"`
	Query    QueryConfig    `koanf:"query"`
	Severity SeverityConfig `koanf:"severity"`
	HTTP     HTTPConfig     `koanf:"http"`
	Log      LogConfig      `koanf:"log"`
}

type StorageConfig struct {
	Backend  string       `koanf:"backend"`
	Fallback bool         `koanf:"fallback"`
	Snapshot string       `koanf:"snapshot"`
	Badger   BadgerConfig `koanf:"badger"`
	Neo4j    Neo4jConfig  `koanf:"neo4j"`
}

type BadgerConfig struct {
	Path       string        `koanf:"path"`
	Sync       bool          `koanf:"sync"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

type Neo4jConfig struct {
	URI      string `koanf:"uri"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
}

type QueryConfig struct {
	MaxDepth   int    `koanf:"max_depth"`
	BlastDepth int    `koanf:"blast_depth"`
	PathMode   string `koanf:"path_mode"`
}

type SeverityConfig struct {
	HighAffected   int `koanf:"high_affected"`
	HighTeams      int `koanf:"high_teams"`
	MediumAffected int `koanf:"medium_affected"`
	MediumTeams    int `koanf:"medium_teams"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

func defaults() map[string]interface{} {
	sev := query.DefaultSeverityThresholds()
	return map[string]interface{}{
		"storage.backend":            string(storage.KindAuto),
		"storage.fallback":           true,
		"storage.snapshot":           "",
		"storage.badger.path":        "",
		"storage.badger.sync":        true,
		"storage.badger.gc_interval": 5 * time.Minute,
		"storage.neo4j.uri":          "",
		"storage.neo4j.user":         "neo4j",
		"storage.neo4j.password":     "",
		"storage.neo4j.database":     "",
		"query.max_depth":            query.DefaultMaxDepth,
		"query.blast_depth":          query.DefaultBlastDepth,
		"query.path_mode":            string(query.PathUndirected),
		"severity.high_affected":     sev.HighAffected,
		"severity.high_teams":        sev.HighTeams,
		"severity.medium_affected":   sev.MediumAffected,
		"severity.medium_teams":      sev.MediumTeams,
		"http.addr":                  ":8080",
		"log.level":                  "info",
		"log.json":                   false,
	}
}

// flagKeys maps command line flag names to configuration keys. Flags not
// listed here are left to the command that defines them.
var flagKeys = map[string]string{
	"backend":        "storage.backend",
	"fallback":       "storage.fallback",
	"snapshot":       "storage.snapshot",
	"badger-path":    "storage.badger.path",
	"neo4j-uri":      "storage.neo4j.uri",
	"neo4j-user":     "storage.neo4j.user",
	"neo4j-password": "storage.neo4j.password",
	"neo4j-database": "storage.neo4j.database",
	"path-mode":      "query.path_mode",
	"addr":           "http.addr",
	"log-level":      "log.level",
	"log-json":       "log.json",
}

// RegisterFlags adds the flags Load understands to f.
func RegisterFlags(f *pflag.FlagSet) {
	f.String("config", DefaultFile, "configuration file")
	f.String("backend", "auto", "storage backend: memory, badger, neo4j or auto")
	f.Bool("fallback", true, "fall back to memory when the storage backend is unavailable")
	f.String("snapshot", "", "memory backend snapshot file")
	f.String("badger-path", "", "badger database directory")
	f.String("neo4j-uri", "", "neo4j bolt URI")
	f.String("neo4j-user", "neo4j", "neo4j user")
	f.String("neo4j-password", "", "neo4j password")
	f.String("neo4j-database", "", "neo4j database")
	f.String("path-mode", "undirected", "path search mode: undirected or outgoing")
	f.String("log-level", "info", "log level: trace, debug, info, warn or error")
	f.Bool("log-json", false, "log in JSON")
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file. A missing default file is fine, a missing explicit one is not.
	path, explicit := DefaultFile, false
	if f != nil {
		if fl := f.Lookup("config"); fl != nil {
			path, explicit = fl.Value.String(), fl.Changed
		}
	}
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// 3. Environment Variables
	// Prefix: INFRAGRAPH_ (e.g., INFRAGRAPH_QUERY_MAX_DEPTH=20)
	envKeys := envKeyIndex(k.Keys())
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if key, ok := envKeys[name]; ok {
			return key
		}
		return strings.ReplaceAll(name, "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, func(fl *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[fl.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(f, fl)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyIndex maps the underscore form of every known key to the key, so
// INFRAGRAPH_QUERY_MAX_DEPTH finds query.max_depth.
func envKeyIndex(keys []string) map[string]string {
	idx := make(map[string]string, len(keys))
	for _, key := range keys {
		idx[strings.ReplaceAll(key, ".", "_")] = key
	}
	return idx
}

// Validate checks the values that the consumers would reject later.
func (c *Config) Validate() error {
	if _, err := c.StorageConfig().Resolve(); err != nil {
		return err
	}
	// query.New treats zero depths as unset.
	if c.Query.MaxDepth < 1 || c.Query.BlastDepth < 1 {
		return model.InvalidArgumentf("query depths must be at least 1, got max_depth=%d blast_depth=%d",
			c.Query.MaxDepth, c.Query.BlastDepth)
	}
	if err := c.QueryConfig().Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// StorageConfig converts to the storage factory's configuration.
func (c *Config) StorageConfig() storage.Config {
	badger := storage.DefaultBadgerConfig(c.Storage.Badger.Path)
	badger.SyncWrites = c.Storage.Badger.Sync
	badger.GCInterval = c.Storage.Badger.GCInterval
	return storage.Config{
		Backend:      storage.Kind(strings.ToLower(c.Storage.Backend)),
		Fallback:     c.Storage.Fallback,
		SnapshotPath: c.Storage.Snapshot,
		Badger:       badger,
		Neo4j: storage.Neo4jConfig{
			URI:      c.Storage.Neo4j.URI,
			User:     c.Storage.Neo4j.User,
			Password: c.Storage.Neo4j.Password,
			Database: c.Storage.Neo4j.Database,
		},
	}
}

// QueryConfig converts to the query engine's configuration.
func (c *Config) QueryConfig() query.Config {
	return query.Config{
		MaxDepth:   c.Query.MaxDepth,
		BlastDepth: c.Query.BlastDepth,
		PathMode:   query.PathMode(strings.ToLower(c.Query.PathMode)),
		Severity: query.SeverityThresholds{
			HighAffected:   c.Severity.HighAffected,
			HighTeams:      c.Severity.HighTeams,
			MediumAffected: c.Severity.MediumAffected,
			MediumTeams:    c.Severity.MediumTeams,
		},
	}
}

// LogOptions converts to logging options. An unparsable level falls back to info.
func (c *Config) LogOptions() logging.Options {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return logging.Options{Level: level, JSON: c.Log.JSON}
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

// Read unflattens the dotted default keys into the nested map koanf expects.
func (p *mapProvider) Read() (map[string]interface{}, error) {
	return maps.Unflatten(p.m, "."), nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
