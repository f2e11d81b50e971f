// Package storage abstracts the object store holding the bronze, silver,
// and gold areas of the lake. Keys are built from (area, dataset, partition)
// so every stage writes under its own prefix.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foncierlab/medallion/internal/lake"
)

// LakeStore is the put/list/get surface every stage writes through.
type LakeStore interface {
	// Put writes an object, replacing any existing content at key.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads an object in full.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// PartitionPaths builds the key layout for one partition.
type PartitionPaths struct {
	Prefix string
	Key    lake.PartitionKey
}

func (p PartitionPaths) area(area lake.Area) string {
	return fmt.Sprintf("%s%s/%s/%s/%s", p.Prefix, area, p.Key.Dataset, p.Key.Department, p.Key.Period)
}

// BronzeDir is the prefix all bronze pages of the partition live under.
func (p PartitionPaths) BronzeDir() string {
	return p.area(lake.AreaBronze) + "/"
}

// BronzePage is the object key for one ingested page.
func (p PartitionPaths) BronzePage(page int) string {
	return fmt.Sprintf("%spage-%05d.json.gz", p.BronzeDir(), page)
}

// Silver is the typed parquet output of the partition.
func (p PartitionPaths) Silver() string {
	return p.area(lake.AreaSilver) + "/part.parquet"
}

// SilverManifest sits next to the silver parquet.
func (p PartitionPaths) SilverManifest() string {
	return p.area(lake.AreaSilver) + "/_manifest.json"
}

// Quarantine holds rejected records with their reasons.
func (p PartitionPaths) Quarantine() string {
	return p.area(lake.AreaSilver) + "/_quarantine.jsonl"
}

// RunManifest is the control-area state document for the partition.
func (p PartitionPaths) RunManifest() string {
	return fmt.Sprintf("%s%s/partitions/%s_%s_%s.json",
		p.Prefix, lake.AreaControl, p.Key.Dataset, p.Key.Department, p.Key.Period)
}

// GroupPaths builds gold-area keys for a (department, period) group.
type GroupPaths struct {
	Prefix string
	Key    lake.GroupKey
}

func (g GroupPaths) area(table string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s", g.Prefix, lake.AreaGold, table, g.Key.Department, g.Key.Period)
}

// Market is the per-group market indicator parquet.
func (g GroupPaths) Market() string {
	return g.area("market") + "/part.parquet"
}

// Design is the per-group hedonic design-matrix parquet.
func (g GroupPaths) Design() string {
	return g.area("hedonic") + "/part.parquet"
}

// Manifest sits next to the gold outputs for the group.
func (g GroupPaths) Manifest() string {
	return g.area("market") + "/_manifest.json"
}

// MarketComplete is the single concatenated market table for BI reads.
func MarketCompletePath(prefix string) string {
	return fmt.Sprintf("%s%s/market/complete.parquet", prefix, lake.AreaGold)
}

// Manifest describes the contents of a committed partition output.
type Manifest struct {
	Partition ManifestPartition    `json:"partition"`
	Tables    map[string]TableInfo `json:"tables"`
	Producer  ProducerInfo         `json:"producer"`
	CreatedAt time.Time            `json:"created_at"`
}

// ManifestPartition describes the partition the output was built from.
type ManifestPartition struct {
	Dataset       string `json:"dataset,omitempty"`
	Department    string `json:"department"`
	Period        string `json:"period"`
	VersionLabel  string `json:"version"`
	InputChecksum string `json:"input_checksum,omitempty"`
}

// TableInfo describes a single table in the output.
type TableInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the output.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// DefaultProducer identifies this pipeline in output manifests.
func DefaultProducer() ProducerInfo {
	return ProducerInfo{Name: "medallion-pipeline", Version: "0.1.0"}
}

// Encode returns the manifest as indented JSON.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "s3" | "gcs"

	// Local filesystem
	LocalDir string

	// Bucket backends
	Bucket   string
	Endpoint string // custom endpoint for MinIO/B2/R2
	Region   string
}

// NewLakeStore creates a storage backend based on configuration.
func NewLakeStore(cfg StorageConfig) (LakeStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewS3Store(cfg.Bucket, cfg.Endpoint, cfg.Region)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewGCSStore(cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
