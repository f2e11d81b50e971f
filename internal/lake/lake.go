// Package lake defines the shared data model of the medallion pipeline:
// partition keys, stage states, and the raw record envelope that moves
// between the Bronze, Silver, and Gold areas.
package lake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Area names the three logical zones of the object store plus the control
// prefix used for run manifests and leases.
type Area string

const (
	AreaBronze  Area = "bronze"
	AreaSilver  Area = "silver"
	AreaGold    Area = "gold"
	AreaControl Area = "_control"
)

// Dataset identifiers handled by the pipeline.
const (
	DatasetDVF = "dvf" // real-estate transaction values, pipe-delimited bulk files
	DatasetDPE = "dpe" // energy-performance diagnostics, paginated JSON API
)

// ErrBadPartitionKey is returned when a partition key string cannot be parsed.
var ErrBadPartitionKey = errors.New("malformed partition key")

// PartitionKey identifies the unit of idempotent re-processing:
// one dataset, one department, one quarter.
type PartitionKey struct {
	Dataset    string `json:"dataset"`
	Department string `json:"department"`
	Period     string `json:"period"` // quarter, e.g. "2020Q1"
}

// String renders the key in its canonical "dataset/department/period" form.
func (k PartitionKey) String() string {
	return k.Dataset + "/" + k.Department + "/" + k.Period
}

// Group returns the spatial/temporal join key shared by all datasets of the
// same department and quarter. Gold aggregation runs per group.
func (k PartitionKey) Group() GroupKey {
	return GroupKey{Department: k.Department, Period: k.Period}
}

// Validate checks dataset and period shape.
func (k PartitionKey) Validate() error {
	if k.Dataset != DatasetDVF && k.Dataset != DatasetDPE {
		return fmt.Errorf("%w: unknown dataset %q", ErrBadPartitionKey, k.Dataset)
	}
	if k.Department == "" {
		return fmt.Errorf("%w: empty department", ErrBadPartitionKey)
	}
	if _, _, err := ParsePeriod(k.Period); err != nil {
		return err
	}
	return nil
}

// ParsePartitionKey parses the canonical "dataset/department/period" form.
func ParsePartitionKey(s string) (PartitionKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return PartitionKey{}, fmt.Errorf("%w: %q", ErrBadPartitionKey, s)
	}
	key := PartitionKey{Dataset: parts[0], Department: parts[1], Period: parts[2]}
	if err := key.Validate(); err != nil {
		return PartitionKey{}, err
	}
	return key, nil
}

// GroupKey is the (department, quarter) aggregation key.
type GroupKey struct {
	Department string `json:"department"`
	Period     string `json:"period"`
}

func (g GroupKey) String() string {
	return g.Department + "/" + g.Period
}

// ParsePeriod splits a quarter label into its year and quarter number.
func ParsePeriod(period string) (year int, quarter int, err error) {
	if len(period) != 6 || period[4] != 'Q' {
		return 0, 0, fmt.Errorf("%w: period %q", ErrBadPartitionKey, period)
	}
	year, err = strconv.Atoi(period[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: period %q", ErrBadPartitionKey, period)
	}
	quarter, err = strconv.Atoi(period[5:])
	if err != nil || quarter < 1 || quarter > 4 {
		return 0, 0, fmt.Errorf("%w: period %q", ErrBadPartitionKey, period)
	}
	return year, quarter, nil
}

// PeriodOf returns the quarter label containing t, e.g. "2020Q3".
func PeriodOf(t time.Time) string {
	return fmt.Sprintf("%04dQ%d", t.Year(), (int(t.Month())-1)/3+1)
}

// PeriodRange returns the inclusive start and exclusive end of a quarter.
func PeriodRange(period string) (start, end time.Time, err error) {
	year, quarter, err := ParsePeriod(period)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start = time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 3, 0)
	return start, end, nil
}

// PipelineVersion labels the transform logic version recorded in output
// manifests. Bump it to force downstream rebuilds after a logic change.
const PipelineVersion = "1"

// RawRecord is an opaque source payload with provenance. Payload bytes are
// never modified after ingestion; the record id references the payload in
// quarantine and lineage records without owning it.
type RawRecord struct {
	ID         string            `json:"id"`     // provenance identifier, unique within the partition
	Source     string            `json:"source"` // source location this record came from
	Payload    []byte            `json:"payload"`
	Meta       map[string]string `json:"meta,omitempty"` // source-level context, e.g. delimited-file column header
	IngestedAt time.Time         `json:"ingested_at"`
	Partition  PartitionKey      `json:"partition"`
}
