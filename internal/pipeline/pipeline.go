// Package pipeline orchestrates the bronze, silver, and gold stages over
// the configured partitions. Each partition advances through a persisted
// state machine under a worker lease; every transition is saved before its
// side effects begin, and all stage writes are idempotent, so an
// interrupted run can always be re-executed safely.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/foncierlab/medallion/internal/aggregate"
	"github.com/foncierlab/medallion/internal/catalog"
	"github.com/foncierlab/medallion/internal/config"
	"github.com/foncierlab/medallion/internal/ingest"
	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/logging"
	"github.com/foncierlab/medallion/internal/manifest"
	"github.com/foncierlab/medallion/internal/metrics"
	"github.com/foncierlab/medallion/internal/schema"
	"github.com/foncierlab/medallion/internal/source"
	"github.com/foncierlab/medallion/internal/storage"
	"github.com/foncierlab/medallion/internal/transform"
)

// Pipeline wires the three stages to shared storage and control state.
type Pipeline struct {
	cfg       config.Config
	store     storage.LakeStore
	manifests *manifest.Store
	cat       catalog.Writer

	ingest    *ingest.Stage
	transform *transform.Stage
	aggregate *aggregate.Stage

	owner string
	log   *slog.Logger

	// Force re-ingests completed partitions from scratch instead of
	// reusing their bronze pages.
	Force bool
}

// New assembles a pipeline from configuration and already-opened
// dependencies. The caller owns store, src, and cat lifetimes.
func New(cfg config.Config, store storage.LakeStore, src source.RecordSource, cat catalog.Writer) *Pipeline {
	prefix := cfg.Storage.Prefix
	owner := uuid.NewString()
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		manifests: manifest.NewStore(store, prefix, time.Duration(cfg.Perf.LeaseTTLSeconds)*time.Second),
		cat:       cat,
		ingest:    ingest.New(store, src, prefix, logging.Component("ingest")),
		transform: transform.New(store, schema.Default(), prefix, logging.Component("transform")),
		aggregate: aggregate.New(store, prefix, logging.Component("aggregate")),
		owner:     owner,
		log:       logging.WorkerLogger(owner),
	}
}

// Partitions enumerates the configured partition keys in a stable order.
func (p *Pipeline) Partitions() []lake.PartitionKey {
	var parts []lake.PartitionKey
	for _, dataset := range p.cfg.Lake.Datasets {
		for _, dept := range p.cfg.Lake.Departments {
			for _, period := range p.cfg.Lake.Periods {
				parts = append(parts, lake.PartitionKey{Dataset: dataset, Department: dept, Period: period})
			}
		}
	}
	return parts
}

// Groups enumerates the configured gold groups in a stable order.
func (p *Pipeline) Groups() []lake.GroupKey {
	var groups []lake.GroupKey
	for _, dept := range p.cfg.Lake.Departments {
		for _, period := range p.cfg.Lake.Periods {
			groups = append(groups, lake.GroupKey{Department: dept, Period: period})
		}
	}
	return groups
}

// PartitionStatus is one partition's outcome in a run summary.
type PartitionStatus struct {
	Partition lake.PartitionKey
	Stage     manifest.Stage
	Failure   string
}

// Summary is the outcome of a run.
type Summary struct {
	mu       sync.Mutex
	Done     int
	Skipped  int
	Failures []PartitionStatus
}

// HasFailures reports whether any partition ended FAILED.
func (s *Summary) HasFailures() bool { return len(s.Failures) > 0 }

func (s *Summary) recordDone(skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skipped {
		s.Skipped++
	} else {
		s.Done++
	}
}

func (s *Summary) recordFailure(part lake.PartitionKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failures = append(s.Failures, PartitionStatus{
		Partition: part,
		Stage:     manifest.StageFailed,
		Failure:   failureReason(err),
	})
}

// RunAll processes every configured partition through silver with the
// configured worker parallelism, then aggregates each complete group into
// gold and rebuilds the concatenated market table. Partition failures are
// isolated: they are reported in the summary without stopping other
// partitions.
func (p *Pipeline) RunAll(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	p.log.Info("run started", "correlation_id", correlationID,
		"partitions", len(p.Partitions()), "workers", p.cfg.Perf.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Perf.Workers)
	failed := make(map[lake.GroupKey]bool)
	var mu sync.Mutex

	for _, part := range p.Partitions() {
		g.Go(func() error {
			skipped, err := p.runToSilver(gctx, part)
			if err != nil {
				summary.recordFailure(part, err)
				mu.Lock()
				failed[part.Group()] = true
				mu.Unlock()
				return nil // isolate partition failures
			}
			summary.recordDone(skipped)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	for _, group := range p.Groups() {
		if failed[group] {
			p.log.Warn("group skipped, partition failed", "department", group.Department, "period", group.Period)
			continue
		}
		if err := p.runGold(ctx, group); err != nil {
			for _, part := range p.groupPartitions(group) {
				summary.recordFailure(part, err)
			}
		}
	}

	if err := p.aggregate.RebuildComplete(ctx, p.Groups()); err != nil {
		p.log.Error("complete market table rebuild failed", "error", err)
	}

	p.log.Info("run finished", "correlation_id", correlationID,
		"done", summary.Done, "skipped", summary.Skipped, "failed", len(summary.Failures))
	return summary, nil
}

// RunOne processes a single partition through silver and, when its group's
// other datasets already have silver, through gold as well.
func (p *Pipeline) RunOne(ctx context.Context, part lake.PartitionKey) (*Summary, error) {
	if err := part.Validate(); err != nil {
		return nil, err
	}
	summary := &Summary{}
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)

	skipped, err := p.runToSilver(ctx, part)
	if err != nil {
		summary.recordFailure(part, err)
		return summary, nil
	}
	summary.recordDone(skipped)

	ready, err := p.groupReady(ctx, part.Group())
	if err != nil {
		return summary, err
	}
	if !ready {
		p.log.Info("group not yet complete, gold deferred",
			"department", part.Department, "period", part.Period)
		return summary, nil
	}
	if err := p.runGold(ctx, part.Group()); err != nil {
		summary.recordFailure(part, err)
		return summary, nil
	}
	if err := p.aggregate.RebuildComplete(ctx, p.Groups()); err != nil {
		p.log.Error("complete market table rebuild failed", "error", err)
	}
	return summary, nil
}

// Status returns the run manifests of all known partitions, sorted by key.
func (p *Pipeline) Status(ctx context.Context) ([]*manifest.RunManifest, error) {
	manifests, err := p.manifests.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Partition.String() < manifests[j].Partition.String()
	})
	return manifests, nil
}

// runToSilver advances one partition PENDING -> INGESTING -> TRANSFORMING
// -> AGGREGATING under a lease. It returns skipped=true when both bronze
// and silver were already current.
func (p *Pipeline) runToSilver(ctx context.Context, part lake.PartitionKey) (skipped bool, err error) {
	log := logging.PartitionLogger(ctx, part)

	m, err := p.manifests.Acquire(ctx, part, p.owner)
	if err != nil {
		return false, err
	}
	if mx := metrics.Get(); mx != nil {
		mx.InFlightPartitions.Inc()
		defer mx.InFlightPartitions.Dec()
	}
	defer func() {
		if err != nil {
			p.markFailed(context.WithoutCancel(ctx), m, err, log)
		}
	}()

	bronze, bronzeSkipped, err := p.runBronze(ctx, m, log)
	if err != nil {
		return false, err
	}

	if !p.silverCurrent(ctx, m, bronze.Checksum) {
		if err := p.runSilver(ctx, m, bronze, log); err != nil {
			return false, err
		}
		bronzeSkipped = false
	} else {
		log.Info("silver current, transform skipped", "checksum", bronze.Checksum)
		if mx := metrics.Get(); mx != nil {
			mx.PartitionsSkipped.WithLabelValues(part.Dataset, part.Department).Inc()
		}
	}

	m.Stage = manifest.StageAggregating
	if err := p.manifests.Release(ctx, m); err != nil {
		return false, err
	}
	return bronzeSkipped, nil
}

// runBronze brings the partition's bronze area up to date. Completed bronze
// is reused unless Force is set; an interrupted ingestion resumes from the
// committed cursor.
func (p *Pipeline) runBronze(ctx context.Context, m *manifest.RunManifest, log *slog.Logger) (*ingest.Result, bool, error) {
	part := m.Partition
	start := time.Now()

	bronzeComplete := m.Bronze != nil && m.Stage != manifest.StageIngesting
	if bronzeComplete && !p.Force {
		res, err := p.ingest.Summarize(ctx, part)
		if err != nil {
			return nil, false, err
		}
		log.Info("bronze reused", "pages", res.Pages, "records", res.Records)
		return res, true, nil
	}

	cursor, pagesDone := m.Cursor, m.PagesDone
	if p.Force || m.Stage != manifest.StageIngesting {
		// Fresh ingestion: clear any bronze left by a previous run.
		if err := p.clearBronze(ctx, part); err != nil {
			return nil, false, err
		}
		cursor, pagesDone = "", 0
	} else {
		log.Info("resuming interrupted ingestion", "pages_done", pagesDone)
	}

	// Intent is recorded before the first fetch.
	m.Stage = manifest.StageIngesting
	m.Cursor, m.PagesDone = cursor, pagesDone
	m.Failure = ""
	if err := p.manifests.Save(ctx, m); err != nil {
		return nil, false, err
	}

	// Each committed page also renews the lease: a slow source must not
	// let the TTL lapse while this worker is still ingesting.
	res, err := p.ingest.Run(ctx, part, cursor, pagesDone, func(ctx context.Context, cursor string, pagesDone int) error {
		m.Cursor, m.PagesDone = cursor, pagesDone
		return p.manifests.Renew(ctx, m)
	})
	if err != nil {
		return nil, false, err
	}

	m.Bronze = &manifest.StageRecord{
		Checksum:    res.Checksum,
		Rows:        res.Records,
		CompletedAt: time.Now().UTC(),
	}
	if err := p.manifests.Renew(ctx, m); err != nil {
		return nil, false, err
	}

	if mx := metrics.Get(); mx != nil {
		mx.StageDuration.WithLabelValues(part.Dataset, part.Department, "ingest").Observe(time.Since(start).Seconds())
	}
	log.Info("bronze committed", "pages", res.Pages, "records", res.Records, "checksum", res.Checksum)
	if err := p.recordLineage(ctx, catalog.PartitionRecord{
		Dataset:     part.Dataset,
		Department:  part.Department,
		Period:      part.Period,
		Stage:       "bronze",
		Checksum:    res.Checksum,
		RowCount:    res.Records,
		ByteSize:    res.Bytes,
		StoragePath: storage.PartitionPaths{Prefix: p.cfg.Storage.Prefix, Key: part}.BronzeDir(),
		Producer:    storage.DefaultProducer().Version,
	}, log); err != nil {
		return nil, false, err
	}
	return res, false, nil
}

// silverCurrent reports whether the committed silver output was built from
// bronze content with the given checksum.
func (p *Pipeline) silverCurrent(ctx context.Context, m *manifest.RunManifest, bronzeChecksum string) bool {
	if m.Silver == nil || m.Bronze == nil || m.Bronze.Checksum != bronzeChecksum {
		return false
	}
	paths := storage.PartitionPaths{Prefix: p.cfg.Storage.Prefix, Key: m.Partition}
	ok, err := p.store.Exists(ctx, paths.Silver())
	return err == nil && ok
}

// runSilver transforms bronze into silver, recording intent first.
func (p *Pipeline) runSilver(ctx context.Context, m *manifest.RunManifest, bronze *ingest.Result, log *slog.Logger) error {
	part := m.Partition
	start := time.Now()

	m.Stage = manifest.StageTransforming
	if err := p.manifests.Renew(ctx, m); err != nil {
		return err
	}

	res, err := p.transform.Run(ctx, part, bronze.Checksum)
	if err != nil {
		return err
	}

	m.Bronze.Checksum = bronze.Checksum
	m.Silver = &manifest.StageRecord{
		Checksum:    res.Checksum,
		Rows:        res.Rows,
		Quarantined: res.Quarantined,
		CompletedAt: time.Now().UTC(),
	}
	if err := p.manifests.Renew(ctx, m); err != nil {
		return err
	}

	if mx := metrics.Get(); mx != nil {
		mx.StageDuration.WithLabelValues(part.Dataset, part.Department, "transform").Observe(time.Since(start).Seconds())
	}
	return p.recordLineage(ctx, catalog.PartitionRecord{
		Dataset:     part.Dataset,
		Department:  part.Department,
		Period:      part.Period,
		Stage:       "silver",
		Checksum:    res.Checksum,
		RowCount:    res.Rows,
		ByteSize:    res.Bytes,
		Quarantined: res.Quarantined,
		StoragePath: storage.PartitionPaths{Prefix: p.cfg.Storage.Prefix, Key: part}.Silver(),
		Producer:    storage.DefaultProducer().Version,
	}, log)
}

// runGold aggregates one complete group under the leases of all its
// partitions, then marks them DONE. An unchanged input checksum skips the
// aggregation.
func (p *Pipeline) runGold(ctx context.Context, group lake.GroupKey) error {
	log := p.log.With("correlation_id", logging.CorrelationID(ctx),
		"department", group.Department, "period", group.Period)
	start := time.Now()

	parts := p.groupPartitions(group)
	held := make([]*manifest.RunManifest, 0, len(parts))
	release := func() {
		for _, m := range held {
			if err := p.manifests.Release(context.WithoutCancel(ctx), m); err != nil {
				log.Warn("lease release failed", "error", err)
			}
		}
	}

	for _, part := range parts {
		m, err := p.manifests.Acquire(ctx, part, p.owner)
		if err != nil {
			release()
			return err
		}
		if m.Silver == nil {
			release()
			return fmt.Errorf("partition %s has no silver output", part)
		}
		held = append(held, m)
	}

	inputChecksum := combinedChecksum(held)
	current, err := p.goldCurrent(ctx, group, inputChecksum)
	if err != nil {
		release()
		return err
	}

	if !current {
		for _, m := range held {
			m.Stage = manifest.StageAggregating
			if err := p.manifests.Renew(ctx, m); err != nil {
				release()
				return err
			}
		}

		res, err := p.aggregate.Run(ctx, group, inputChecksum)
		if err != nil {
			for _, m := range held {
				p.markFailed(context.WithoutCancel(ctx), m, err, log)
			}
			return err
		}

		for _, m := range held {
			m.Gold = &manifest.StageRecord{
				Checksum:    res.Checksum,
				Rows:        res.MarketRows + res.DesignRows,
				CompletedAt: time.Now().UTC(),
			}
		}
		if err := p.recordGroupLineage(ctx, group, inputChecksum, res, log); err != nil {
			release()
			return err
		}
		if mx := metrics.Get(); mx != nil {
			mx.StageDuration.WithLabelValues("gold", group.Department, "aggregate").Observe(time.Since(start).Seconds())
		}
	} else {
		log.Info("gold current, aggregation skipped", "input_checksum", inputChecksum)
	}

	for _, m := range held {
		m.Stage = manifest.StageDone
		m.Failure = ""
		if mx := metrics.Get(); mx != nil {
			mx.PartitionsProcessed.WithLabelValues(m.Partition.Dataset, m.Partition.Department).Inc()
		}
	}
	release()
	return nil
}

// goldCurrent reports whether the group's gold manifest was produced from
// the same silver inputs.
func (p *Pipeline) goldCurrent(ctx context.Context, group lake.GroupKey, inputChecksum string) (bool, error) {
	paths := storage.GroupPaths{Prefix: p.cfg.Storage.Prefix, Key: group}
	ok, err := p.store.Exists(ctx, paths.Manifest())
	if err != nil || !ok {
		return false, err
	}
	data, err := p.store.Get(ctx, paths.Manifest())
	if err != nil {
		return false, err
	}
	var m storage.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return false, nil // unreadable manifest: rebuild
	}
	return m.Partition.InputChecksum == inputChecksum, nil
}

// groupReady reports whether every dataset of the group has a committed
// silver output.
func (p *Pipeline) groupReady(ctx context.Context, group lake.GroupKey) (bool, error) {
	for _, part := range p.groupPartitions(group) {
		m, err := p.manifests.Load(ctx, part)
		if errors.Is(err, manifest.ErrNoManifest) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if m.Silver == nil {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) groupPartitions(group lake.GroupKey) []lake.PartitionKey {
	parts := make([]lake.PartitionKey, 0, len(p.cfg.Lake.Datasets))
	for _, dataset := range p.cfg.Lake.Datasets {
		parts = append(parts, lake.PartitionKey{
			Dataset:    dataset,
			Department: group.Department,
			Period:     group.Period,
		})
	}
	return parts
}

// clearBronze removes all bronze pages of a partition before a fresh
// ingestion.
func (p *Pipeline) clearBronze(ctx context.Context, part lake.PartitionKey) error {
	paths := storage.PartitionPaths{Prefix: p.cfg.Storage.Prefix, Key: part}
	keys, err := p.store.List(ctx, paths.BronzeDir())
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// markFailed records the failure and releases the lease without touching
// committed outputs.
func (p *Pipeline) markFailed(ctx context.Context, m *manifest.RunManifest, cause error, log *slog.Logger) {
	m.Stage = manifest.StageFailed
	m.Failure = failureReason(cause)
	if err := p.manifests.Release(ctx, m); err != nil {
		log.Error("failed to persist failure state", "error", err)
	}
	if mx := metrics.Get(); mx != nil {
		mx.PartitionsFailed.WithLabelValues(m.Partition.Dataset, m.Partition.Department).Inc()
	}
	log.Error("partition failed", "reason", m.Failure)
}

// recordLineage writes a catalog record. Catalog errors fail the partition
// only in strict mode; otherwise they are logged and the run continues.
func (p *Pipeline) recordLineage(ctx context.Context, rec catalog.PartitionRecord, log *slog.Logger) error {
	if err := p.cat.RecordPartition(ctx, rec); err != nil {
		if p.cfg.Catalog.Strict {
			return fmt.Errorf("catalog write (%s): %w", rec.Stage, err)
		}
		log.Warn("catalog write failed", "stage", rec.Stage, "error", err)
	}
	return nil
}

func (p *Pipeline) recordGroupLineage(ctx context.Context, group lake.GroupKey, inputChecksum string, res *aggregate.Result, log *slog.Logger) error {
	err := p.cat.RecordGroup(ctx, catalog.GroupRecord{
		Department:    group.Department,
		Period:        group.Period,
		Checksum:      res.Checksum,
		InputChecksum: inputChecksum,
		MarketRows:    res.MarketRows,
		DesignRows:    res.DesignRows,
		StoragePath:   storage.GroupPaths{Prefix: p.cfg.Storage.Prefix, Key: group}.Market(),
		Producer:      storage.DefaultProducer().Version,
	})
	if err != nil {
		if p.cfg.Catalog.Strict {
			return fmt.Errorf("catalog write (gold): %w", err)
		}
		log.Warn("catalog write failed", "stage", "gold", "error", err)
	}
	return nil
}

// combinedChecksum hashes the silver checksums of a group's partitions in
// dataset order.
func combinedChecksum(manifests []*manifest.RunManifest) string {
	b := lake.NewChecksumBuilder()
	for _, m := range manifests {
		b.Add([]byte(m.Partition.Dataset))
		b.Add([]byte(m.Silver.Checksum))
	}
	return b.Sum()
}

// failureReason maps an error to the persisted failure taxonomy.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case source.IsUnavailable(err):
		return "source unavailable: " + err.Error()
	case source.IsMalformed(err):
		return "malformed source: " + err.Error()
	default:
		var card *aggregate.CardinalityError
		if errors.As(err, &card) {
			return "join cardinality violation: " + err.Error()
		}
		return err.Error()
	}
}
