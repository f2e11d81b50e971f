// Package catalog records pipeline lineage in a relational catalog so BI
// and operators can answer "what produced this table" without reading lake
// manifests. The catalog is advisory: pipeline correctness never depends on
// it, and a missing DSN degrades to a no-op writer.
package catalog

import "context"

// Config configures the lineage catalog.
type Config struct {
	PostgresDSN string
	Namespace   string
}

// PartitionRecord is the lineage of one committed partition output.
type PartitionRecord struct {
	Dataset     string
	Department  string
	Period      string
	Stage       string // "bronze" | "silver"
	Checksum    string
	RowCount    int64
	ByteSize    int64
	Quarantined int64
	StoragePath string
	Producer    string
}

// GroupRecord is the lineage of one committed gold group.
type GroupRecord struct {
	Department    string
	Period        string
	Checksum      string
	InputChecksum string
	MarketRows    int64
	DesignRows    int64
	StoragePath   string
	Producer      string
}

// Writer persists lineage records.
type Writer interface {
	RecordPartition(ctx context.Context, rec PartitionRecord) error
	RecordGroup(ctx context.Context, rec GroupRecord) error
	Close() error
}

// NewWriter returns the postgres writer when a DSN is configured, otherwise
// a no-op writer.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) RecordPartition(context.Context, PartitionRecord) error { return nil }
func (noopWriter) RecordGroup(context.Context, GroupRecord) error         { return nil }
func (noopWriter) Close() error                                           { return nil }
