// Package manifest persists per-partition run state in the lake's control
// area. The manifest is the orchestrator's source of truth: the stage a
// partition is in, the ingestion cursor to resume from, the checksums of
// committed outputs, and the worker lease. Every stage transition is
// recorded before its side effects begin, so a crash leaves behind an
// interrupted stage rather than a trusted partial output.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/metrics"
	"github.com/foncierlab/medallion/internal/storage"
)

var (
	// ErrNoManifest is returned when a partition has never been run.
	ErrNoManifest = errors.New("no run manifest found")

	// ErrLeaseHeld is returned when another worker holds an unexpired
	// lease on the partition.
	ErrLeaseHeld = errors.New("partition lease held by another owner")
)

// Stage is a partition's position in the state machine.
type Stage string

const (
	StagePending      Stage = "PENDING"
	StageIngesting    Stage = "INGESTING"
	StageTransforming Stage = "TRANSFORMING"
	StageAggregating  Stage = "AGGREGATING"
	StageDone         Stage = "DONE"
	StageFailed       Stage = "FAILED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// Lease is a time-bounded exclusive claim on a partition.
type Lease struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// Expired reports whether the lease can be reclaimed.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.Expires)
}

// StageRecord is the committed outcome of one completed stage.
type StageRecord struct {
	Checksum    string    `json:"checksum,omitempty"`
	Rows        int64     `json:"rows,omitempty"`
	Quarantined int64     `json:"quarantined,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunManifest is the persisted run state of one partition.
type RunManifest struct {
	Partition lake.PartitionKey `json:"partition"`
	Stage     Stage             `json:"stage"`

	// Ingestion progress: the source cursor to resume from and the number
	// of bronze pages already durable.
	Cursor    string `json:"cursor,omitempty"`
	PagesDone int    `json:"pages_done,omitempty"`

	Bronze *StageRecord `json:"bronze,omitempty"`
	Silver *StageRecord `json:"silver,omitempty"`
	Gold   *StageRecord `json:"gold,omitempty"`

	Failure   string    `json:"failure,omitempty"`
	Lease     *Lease    `json:"lease,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes run manifests through the object store so every
// worker sees the same control state.
type Store struct {
	store  storage.LakeStore
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(store storage.LakeStore, prefix string, leaseTTL time.Duration) *Store {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Store{store: store, prefix: prefix, ttl: leaseTTL, now: time.Now}
}

func (s *Store) key(part lake.PartitionKey) string {
	return storage.PartitionPaths{Prefix: s.prefix, Key: part}.RunManifest()
}

// Load reads a partition's manifest.
func (s *Store) Load(ctx context.Context, part lake.PartitionKey) (*RunManifest, error) {
	data, err := s.store.Get(ctx, s.key(part))
	if err != nil {
		ok, existsErr := s.store.Exists(ctx, s.key(part))
		if existsErr == nil && !ok {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("read run manifest: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse run manifest: %w", err)
	}
	return &m, nil
}

// Save persists the manifest. Callers save BEFORE starting the side effects
// of the stage the manifest announces.
func (s *Store) Save(ctx context.Context, m *RunManifest) error {
	m.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, s.key(m.Partition), data); err != nil {
		return fmt.Errorf("write run manifest: %w", err)
	}
	return nil
}

// Acquire claims the partition for a worker. A fresh partition starts at
// PENDING; an expired lease is reclaimed; an unexpired lease of another
// owner returns ErrLeaseHeld.
func (s *Store) Acquire(ctx context.Context, part lake.PartitionKey, owner string) (*RunManifest, error) {
	m, err := s.Load(ctx, part)
	switch {
	case errors.Is(err, ErrNoManifest):
		m = &RunManifest{Partition: part, Stage: StagePending}
	case err != nil:
		return nil, err
	}

	now := s.now().UTC()
	if m.Lease != nil && m.Lease.Owner != owner {
		if !m.Lease.Expired(now) {
			return nil, fmt.Errorf("%w: %s until %s", ErrLeaseHeld, m.Lease.Owner, m.Lease.Expires.Format(time.RFC3339))
		}
		if mx := metrics.Get(); mx != nil {
			mx.LeaseReclaims.WithLabelValues(part.Dataset, part.Department).Inc()
		}
	}

	m.Lease = &Lease{Owner: owner, Expires: now.Add(s.ttl)}
	if err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Renew extends the caller's lease mid-run.
func (s *Store) Renew(ctx context.Context, m *RunManifest) error {
	if m.Lease == nil {
		return errors.New("no lease to renew")
	}
	m.Lease.Expires = s.now().UTC().Add(s.ttl)
	return s.Save(ctx, m)
}

// Release drops the lease, keeping the run state.
func (s *Store) Release(ctx context.Context, m *RunManifest) error {
	m.Lease = nil
	return s.Save(ctx, m)
}

// List loads the manifests of all partitions present in the control area.
func (s *Store) List(ctx context.Context) ([]*RunManifest, error) {
	prefix := fmt.Sprintf("%s%s/partitions/", s.prefix, lake.AreaControl)
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list run manifests: %w", err)
	}
	manifests := make([]*RunManifest, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var m RunManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		manifests = append(manifests, &m)
	}
	return manifests, nil
}
