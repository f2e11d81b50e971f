// Package config loads pipeline configuration from a YAML file with
// environment overrides for credentials and endpoints.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Lake    LakeConfig    `yaml:"lake"`
	Source  SourceConfig  `yaml:"source"`
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	Logging LogConfig     `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Perf    PerfConfig    `yaml:"perf"`
}

// LakeConfig scopes the partitions the pipeline enumerates.
type LakeConfig struct {
	VersionLabel string   `yaml:"version_label"`
	Departments  []string `yaml:"departments"`
	Periods      []string `yaml:"periods"` // quarters, e.g. "2020Q1"
	Datasets     []string `yaml:"datasets"`
}

type SourceConfig struct {
	// DPE API
	DPEBaseURL  string `yaml:"dpe_base_url"`
	DPEPageSize int    `yaml:"dpe_page_size"`

	// DVF bulk files
	DVFDir       string `yaml:"dvf_dir"`
	DVFChunkSize int    `yaml:"dvf_chunk_size"` // lines per bronze page

	RetryAttempts  int `yaml:"retry_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "s3" | "gcs"

	LocalDir string `yaml:"local_dir"`

	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"` // custom endpoint for MinIO/B2/R2
	Region   string `yaml:"region"`

	Prefix string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
	Strict      bool   `yaml:"strict"`
}

type LogConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type PerfConfig struct {
	Workers         int `yaml:"workers"`
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
}

// Default returns the configuration used when no file is given. The scope
// mirrors the historical backfill: three departments, 2020-2021 quarters.
func Default() Config {
	return Config{
		Lake: LakeConfig{
			VersionLabel: "v1",
			Departments:  []string{"92", "59", "34"},
			Periods: []string{
				"2020Q1", "2020Q2", "2020Q3", "2020Q4",
				"2021Q1", "2021Q2",
			},
			Datasets: []string{"dvf", "dpe"},
		},
		Source: SourceConfig{
			DPEBaseURL:     "https://data.ademe.fr/data-fair/api/v1/datasets/dpe-france/lines",
			DPEPageSize:    10000,
			DVFDir:         "./data/raw/dvf",
			DVFChunkSize:   50000,
			RetryAttempts:  6,
			RetryBackoffMs: 500,
			TimeoutSeconds: 60,
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./data/lake",
			Prefix:   "",
		},
		Catalog: CatalogConfig{Namespace: "foncier"},
		Logging: LogConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
		Perf:    PerfConfig{Workers: 4, LeaseTTLSeconds: 300},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load with a fatal exit, for the CLI entry point.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// applyEnv layers environment variables over the file. Only deployment
// choices live here; object-store credentials are read by the SDKs from their
// usual variables (AWS_ACCESS_KEY_ID etc).
func applyEnv(cfg *Config) {
	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Endpoint = getenvDefault("STORAGE_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.Region = getenvDefault("STORAGE_REGION", cfg.Storage.Region)
	cfg.Storage.LocalDir = getenvDefault("STORAGE_LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Source.DPEBaseURL = getenvDefault("DPE_BASE_URL", cfg.Source.DPEBaseURL)
	cfg.Source.DVFDir = getenvDefault("DVF_DIR", cfg.Source.DVFDir)

	if v := os.Getenv("PIPELINE_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Perf.Workers = parsed
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if len(c.Lake.Datasets) == 0 {
		return fmt.Errorf("config: no datasets configured")
	}
	if len(c.Lake.Departments) == 0 {
		return fmt.Errorf("config: no departments configured")
	}
	if len(c.Lake.Periods) == 0 {
		return fmt.Errorf("config: no periods configured")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("config: local_dir required for local backend")
		}
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config: bucket required for %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Perf.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
