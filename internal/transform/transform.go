// Package transform implements the silver stage: bronze records are parsed,
// coerced against the schema registry, deduplicated on their natural key,
// and written as a sorted typed parquet file. Records that violate the
// schema go to a quarantine file next to the output instead of failing the
// partition.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/foncierlab/medallion/internal/ingest"
	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/metrics"
	"github.com/foncierlab/medallion/internal/schema"
	"github.com/foncierlab/medallion/internal/storage"
)

// keySep joins natural-key parts; it cannot occur in field values.
const keySep = "\x1f"

// Stage runs the silver transform for one partition at a time.
type Stage struct {
	store  storage.LakeStore
	reg    *schema.Registry
	prefix string
	log    *slog.Logger
}

func New(store storage.LakeStore, reg *schema.Registry, prefix string, log *slog.Logger) *Stage {
	return &Stage{store: store, reg: reg, prefix: prefix, log: log}
}

// Result summarizes a committed silver output.
type Result struct {
	Rows        int64
	Quarantined int64
	Deduped     int64
	Bytes       int64
	Checksum    string
}

// Run transforms the partition's bronze pages into its silver parquet.
// bronzeChecksum is recorded in the output manifest as the input lineage.
// The output is fully deterministic for a given bronze content: same rows,
// same order, same checksum.
func (s *Stage) Run(ctx context.Context, part lake.PartitionKey, bronzeChecksum string) (*Result, error) {
	records, err := ingest.ReadAll(ctx, s.store, s.prefix, part)
	if err != nil {
		return nil, err
	}

	table, err := s.reg.Table(part.Dataset)
	if err != nil {
		return nil, err
	}

	var (
		parquetData []byte
		checksum    string
		rowCount    int64
		quarantine  []QuarantineEntry
		deduped     int64
	)
	switch part.Dataset {
	case lake.DatasetDVF:
		rows, quar, dropped, err := buildDVF(part, table, records)
		if err != nil {
			return nil, err
		}
		parquetData, checksum, err = encodeRows(rows)
		if err != nil {
			return nil, err
		}
		rowCount, quarantine, deduped = int64(len(rows)), quar, dropped
	case lake.DatasetDPE:
		rows, quar, dropped, err := buildDPE(part, table, records)
		if err != nil {
			return nil, err
		}
		parquetData, checksum, err = encodeRows(rows)
		if err != nil {
			return nil, err
		}
		rowCount, quarantine, deduped = int64(len(rows)), quar, dropped
	default:
		return nil, fmt.Errorf("no transform for dataset %q", part.Dataset)
	}

	paths := storage.PartitionPaths{Prefix: s.prefix, Key: part}
	if err := s.writeQuarantine(ctx, paths, quarantine); err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, paths.Silver(), parquetData); err != nil {
		return nil, fmt.Errorf("write silver: %w", err)
	}

	manifest := &storage.Manifest{
		Partition: storage.ManifestPartition{
			Dataset:       part.Dataset,
			Department:    part.Department,
			Period:        part.Period,
			VersionLabel:  lake.PipelineVersion,
			InputChecksum: bronzeChecksum,
		},
		Tables: map[string]storage.TableInfo{
			"silver": {
				File:     "part.parquet",
				Checksum: checksum,
				RowCount: rowCount,
				ByteSize: int64(len(parquetData)),
			},
		},
		Producer:  storage.DefaultProducer(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := manifest.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, paths.SilverManifest(), data); err != nil {
		return nil, fmt.Errorf("write silver manifest: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.RecordsQuarantined.WithLabelValues(part.Dataset, part.Department).Add(float64(len(quarantine)))
		m.RecordsDeduped.WithLabelValues(part.Dataset, part.Department).Add(float64(deduped))
		m.PartitionRows.WithLabelValues(part.Dataset, part.Department, "transform").Observe(float64(rowCount))
		m.PartitionBytes.WithLabelValues(part.Dataset, part.Department, "transform").Observe(float64(len(parquetData)))
	}
	s.log.Info("silver committed",
		"dataset", part.Dataset,
		"department", part.Department,
		"period", part.Period,
		"rows", rowCount,
		"quarantined", len(quarantine),
		"deduped", deduped)

	return &Result{
		Rows:        rowCount,
		Quarantined: int64(len(quarantine)),
		Deduped:     deduped,
		Bytes:       int64(len(parquetData)),
		Checksum:    checksum,
	}, nil
}

// writeQuarantine replaces the partition's quarantine file. When a re-run
// produces no rejects the stale file from a previous run is removed, keeping
// re-runs byte-equivalent.
func (s *Stage) writeQuarantine(ctx context.Context, paths storage.PartitionPaths, entries []QuarantineEntry) error {
	key := paths.Quarantine()
	if len(entries) == 0 {
		return s.store.Delete(ctx, key)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return s.store.Put(ctx, key, buf.Bytes())
}

// encodeRows writes rows as snappy parquet and computes the content
// checksum over the canonical JSON of the rows. The checksum identifies the
// logical table content independent of parquet encoder details.
func encodeRows[T any](rows []T) (data []byte, checksum string, err error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, "", fmt.Errorf("write parquet: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close parquet: %w", err)
	}

	b := lake.NewChecksumBuilder()
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return nil, "", err
		}
		b.Add(line)
	}
	return buf.Bytes(), b.Sum(), nil
}

// ReadSilver loads a committed silver parquet back into typed rows.
func ReadSilver[T any](ctx context.Context, store storage.LakeStore, prefix string, part lake.PartitionKey) ([]T, error) {
	paths := storage.PartitionPaths{Prefix: prefix, Key: part}
	data, err := store.Get(ctx, paths.Silver())
	if err != nil {
		return nil, fmt.Errorf("read silver: %w", err)
	}
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode silver: %w", err)
	}
	return rows, nil
}

// candidate tracks the winning record for one natural key during dedup.
type candidate[T any] struct {
	row        T
	ingestedAt time.Time
	recordID   string
}

// wins implements last-write-wins: later ingestion wins, ties broken by the
// greater record ID so the outcome never depends on input order.
func (c candidate[T]) wins(over candidate[T]) bool {
	if !c.ingestedAt.Equal(over.ingestedAt) {
		return c.ingestedAt.After(over.ingestedAt)
	}
	return c.recordID > over.recordID
}

func dedupe[T any](order []string, byKey map[string]candidate[T]) []T {
	rows := make([]T, 0, len(byKey))
	for _, key := range order {
		rows = append(rows, byKey[key].row)
	}
	return rows
}

func quarantineEntry(r lake.RawRecord, field, reason string) QuarantineEntry {
	return QuarantineEntry{
		RecordID: r.ID,
		Dataset:  r.Partition.Dataset,
		Field:    field,
		Reason:   reason,
		Payload:  string(r.Payload),
	}
}

func violationEntry(r lake.RawRecord, err error) QuarantineEntry {
	if v, ok := err.(*schema.ViolationError); ok {
		return quarantineEntry(r, v.Field, v.Reason)
	}
	return quarantineEntry(r, "", err.Error())
}

func naturalKey(values map[string]schema.Value, table schema.Table) string {
	parts := make([]string, 0, len(table.NaturalKey))
	for _, name := range table.NaturalKey {
		parts = append(parts, keyPart(values[name]))
	}
	return strings.Join(parts, keySep)
}

func keyPart(v schema.Value) string {
	switch {
	case v.Null:
		return "\x00"
	case !v.Date.IsZero():
		return v.Date.Format("2006-01-02")
	case v.Str != "":
		return v.Str
	default:
		return fmt.Sprintf("%g", v.Float)
	}
}
