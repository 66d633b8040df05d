package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/consolidate"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/kozaktomas/face-clusterer/internal/identity"
	"github.com/kozaktomas/face-clusterer/internal/vectorindex"
)

//go:embed clustering.yaml
var clusteringYAML []byte

var validate = validator.New()

type Config struct {
	Database   DatabaseConfig
	Embedding  EmbeddingConfig
	Index      IndexConfig
	Log        LogConfig
	Clustering ClusteringConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type EmbeddingConfig struct {
	URL     string        // defaults to http://localhost:8000
	Dim     int           // defaults to 512
	Timeout time.Duration // per request, defaults to 60s
}

type IndexConfig struct {
	Path string // cluster index snapshot, defaults to cluster_index.bin
}

type LogConfig struct {
	Level string // defaults to info
	File  string // optional, output is also written here
}

// ClusteringConfig holds every clustering threshold and bound.
type ClusteringConfig struct {
	Match       facematch.Config       `yaml:"match"`
	Pipeline    clustering.Config      `yaml:"pipeline"`
	Consolidate consolidate.Config     `yaml:"consolidate"`
	Staging     identity.StagingConfig `yaml:"staging"`
	Index       vectorindex.Config     `yaml:"index"`
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
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

// Load reads the configuration from the environment. Clustering settings
// start from the embedded defaults and are overlaid by the YAML file named
// in CLUSTERING_CONFIG.
func Load() (*Config, error) {
	clusteringCfg, err := LoadClustering(os.Getenv("CLUSTERING_CONFIG"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Embedding: EmbeddingConfig{
			URL:     os.Getenv("EMBEDDING_URL"),
			Dim:     envInt("EMBEDDING_DIM", database.DefaultFaceEmbeddingDim),
			Timeout: envDuration("EMBEDDING_TIMEOUT", 60*time.Second),
		},
		Index: IndexConfig{
			Path: envString("CLUSTER_INDEX_PATH", "cluster_index.bin"),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
		Clustering: *clusteringCfg,
	}, nil
}

// LoadClustering parses the embedded defaults, applies the overlay file when
// path is not empty and validates the result.
func LoadClustering(path string) (*ClusteringConfig, error) {
	var cfg ClusteringConfig
	if err := yaml.Unmarshal(clusteringYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded clustering.yaml: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading clustering config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Pipeline.Match = cfg.Match
	cfg.Consolidate.Match = cfg.Match
	return &cfg, nil
}

// Validate checks every threshold and bound.
func (c *ClusteringConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating clustering config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", e.Namespace(), e.Tag()+paramSuffix(e.Param()), e.Value()))
	}
	return fmt.Errorf("invalid clustering config: %s", strings.Join(msgs, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
