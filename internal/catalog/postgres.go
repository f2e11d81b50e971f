package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foncierlab/medallion/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter persists lineage to PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresWriter connects, verifies the connection, and applies the
// catalog schema.
func NewPostgresWriter(cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return w, nil
}

// RecordPartition upserts a partition's lineage row, keyed by
// (dataset, department, period, stage). Re-runs overwrite the previous row.
func (w *PostgresWriter) RecordPartition(ctx context.Context, rec PartitionRecord) error {
	query := `
		INSERT INTO _meta_partitions (
			dataset, department, period, stage, checksum,
			row_count, byte_size, quarantined, storage_path, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dataset, department, period, stage)
		DO UPDATE SET
			checksum = EXCLUDED.checksum,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			quarantined = EXCLUDED.quarantined,
			storage_path = EXCLUDED.storage_path,
			producer_version = EXCLUDED.producer_version,
			created_at = NOW()
	`
	_, err := w.pool.Exec(ctx, query,
		rec.Dataset, rec.Department, rec.Period, rec.Stage, rec.Checksum,
		rec.RowCount, rec.ByteSize, rec.Quarantined, rec.StoragePath, rec.Producer)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.CatalogErrors.WithLabelValues("record_partition").Inc()
		}
		return fmt.Errorf("record partition lineage: %w", err)
	}
	return nil
}

// RecordGroup upserts a gold group's lineage row.
func (w *PostgresWriter) RecordGroup(ctx context.Context, rec GroupRecord) error {
	query := `
		INSERT INTO _meta_groups (
			department, period, checksum, input_checksum,
			market_rows, design_rows, storage_path, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (department, period)
		DO UPDATE SET
			checksum = EXCLUDED.checksum,
			input_checksum = EXCLUDED.input_checksum,
			market_rows = EXCLUDED.market_rows,
			design_rows = EXCLUDED.design_rows,
			storage_path = EXCLUDED.storage_path,
			producer_version = EXCLUDED.producer_version,
			created_at = NOW()
	`
	_, err := w.pool.Exec(ctx, query,
		rec.Department, rec.Period, rec.Checksum, rec.InputChecksum,
		rec.MarketRows, rec.DesignRows, rec.StoragePath, rec.Producer)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.CatalogErrors.WithLabelValues("record_group").Inc()
		}
		return fmt.Errorf("record group lineage: %w", err)
	}
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
