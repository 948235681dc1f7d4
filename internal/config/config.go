package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/photo-index/internal/vector"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Supported values of STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

type Config struct {
	Kinds         map[vector.Kind]KindConfig
	ObjectClasses []string // names of the object vector components

	Clustering ClusteringConfig
	Index      IndexConfig
	Store      StoreConfig
	Database   DatabaseConfig
	Embedding  EmbeddingConfig
	Engine     EngineConfig
	Web        WebConfig
}

type KindConfig struct {
	Dim         int    `yaml:"dim"`
	Description string `yaml:"description"`
}

type ClusteringConfig struct {
	Threshold  float64 `yaml:"threshold"`  // minimum cosine similarity to join a cluster
	Candidates int     `yaml:"candidates"` // representatives considered per assignment
}

type IndexConfig struct {
	Mode         string  `yaml:"mode"`          // exact or hnsw
	CompactRatio float64 `yaml:"compact_ratio"` // tombstone share that triggers compaction
}

type StoreConfig struct {
	Backend     string // memory, bolt or postgres
	BoltPath    string // bbolt file (default photo-index.db)
	SnapshotDir string // checkpoint directory for the memory backend and index snapshots
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type EmbeddingConfig struct {
	URL string // text embedding server, defaults to http://localhost:8000
}

type EngineConfig struct {
	StorageRetryAttempts int           // attempts per storage operation (default 3)
	CheckpointInterval   time.Duration // 0 disables periodic checkpoints
	WorkerPoolSize       int           // parallel ingest workers
}

type WebConfig struct {
	Host      string
	Port      int
	RateLimit float64 // mutating requests per second, 0 disables limiting

	APIToken       string   // bearer token for mutating requests, empty disables the check
	AllowedOrigins []string // extra CORS origins besides localhost
}

type defaults struct {
	Kinds         map[vector.Kind]KindConfig `yaml:"kinds"`
	Clustering    ClusteringConfig           `yaml:"clustering"`
	Index         IndexConfig                `yaml:"index"`
	ObjectClasses []string                   `yaml:"object_classes"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	kinds := make(map[vector.Kind]KindConfig, len(d.Kinds))
	for k, kc := range d.Kinds {
		kinds[k] = kc
	}
	for kind, key := range map[vector.Kind]string{
		vector.KindFace:     "FACE_DIM",
		vector.KindSemantic: "SEMANTIC_DIM",
		vector.KindObject:   "OBJECT_DIM",
	} {
		kc := kinds[kind]
		kc.Dim = envInt(key, kc.Dim)
		kinds[kind] = kc
	}

	return &Config{
		Kinds:         kinds,
		ObjectClasses: d.ObjectClasses,
		Clustering: ClusteringConfig{
			Threshold:  envFloat("FACE_SIM_THRESH", d.Clustering.Threshold),
			Candidates: envInt("CLUSTER_CANDIDATES", d.Clustering.Candidates),
		},
		Index: IndexConfig{
			Mode:         envString("INDEX_MODE", d.Index.Mode),
			CompactRatio: envFloat("INDEX_COMPACT_RATIO", d.Index.CompactRatio),
		},
		Store: StoreConfig{
			Backend:     envString("STORE_BACKEND", BackendMemory),
			BoltPath:    envString("BOLT_PATH", "photo-index.db"),
			SnapshotDir: os.Getenv("SNAPSHOT_DIR"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Embedding: EmbeddingConfig{
			URL: envString("EMBEDDING_URL", "http://localhost:8000"),
		},
		Engine: EngineConfig{
			StorageRetryAttempts: envInt("STORAGE_RETRY_ATTEMPTS", 3),
			CheckpointInterval:   envDuration("CHECKPOINT_INTERVAL", 5*time.Minute),
			WorkerPoolSize:       envInt("WORKER_POOL_SIZE", 4),
		},
		Web: WebConfig{
			Host:      envString("WEB_HOST", "0.0.0.0"),
			Port:      envInt("WEB_PORT", 8085),
			RateLimit: envFloat("WEB_RATE_LIMIT", 20),

			APIToken:       os.Getenv("WEB_API_TOKEN"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
	}
}

// Spaces returns the configured vector spaces in the order of vector.Kinds.
func (c *Config) Spaces() []vector.Space {
	spaces := make([]vector.Space, 0, len(vector.Kinds))
	for _, k := range vector.Kinds {
		spaces = append(spaces, c.Space(k))
	}
	return spaces
}

// Space returns the configured space of one kind.
func (c *Config) Space(kind vector.Kind) vector.Space {
	return vector.Space{Kind: kind, Dim: c.Kinds[kind].Dim}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	for _, k := range vector.Kinds {
		if c.Kinds[k].Dim <= 0 {
			errs = append(errs, fmt.Errorf("dimension of %s vectors must be positive", k))
		}
	}
	if c.Clustering.Threshold < -1 || c.Clustering.Threshold > 1 {
		errs = append(errs, fmt.Errorf("FACE_SIM_THRESH must be within [-1, 1], got %v", c.Clustering.Threshold))
	}
	if c.Index.Mode != "exact" && c.Index.Mode != "hnsw" {
		errs = append(errs, fmt.Errorf("INDEX_MODE must be exact or hnsw, got %q", c.Index.Mode))
	}
	if c.Index.CompactRatio <= 0 || c.Index.CompactRatio >= 1 {
		errs = append(errs, fmt.Errorf("INDEX_COMPACT_RATIO must be within (0, 1), got %v", c.Index.CompactRatio))
	}
	switch c.Store.Backend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory, bolt or postgres, got %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// envList splits a comma separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
