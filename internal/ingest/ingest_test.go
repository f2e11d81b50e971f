package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/source"
	"github.com/foncierlab/medallion/internal/storage"
)

// stubSource serves a scripted sequence of pages keyed by cursor.
type stubSource struct {
	pages   map[string]*source.Page
	fetched []string
}

func (s *stubSource) FetchPage(ctx context.Context, part lake.PartitionKey, cursor string) (*source.Page, error) {
	s.fetched = append(s.fetched, cursor)
	p, ok := s.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("no page for cursor %q", cursor)
	}
	return p, nil
}

func (s *stubSource) Close() error { return nil }

func rawRecord(id, payload string, at time.Time) lake.RawRecord {
	return lake.RawRecord{
		ID:         id,
		Source:     "stub",
		Payload:    []byte(payload),
		IngestedAt: at,
		Partition:  testPartition(),
	}
}

func testPartition() lake.PartitionKey {
	return lake.PartitionKey{Dataset: lake.DatasetDPE, Department: "92", Period: "2020Q1"}
}

func twoPageSource(at time.Time) *stubSource {
	return &stubSource{pages: map[string]*source.Page{
		"": {
			Records:    []lake.RawRecord{rawRecord("r1", `{"a":1}`, at), rawRecord("r2", `{"a":2}`, at)},
			NextCursor: "c1",
		},
		"c1": {
			Records: []lake.RawRecord{rawRecord("r3", `{"a":3}`, at)},
			Done:    true,
		},
	}}
}

func newTestStage(t *testing.T, src source.RecordSource) (*Stage, storage.LakeStore) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, src, "", slog.Default()), store
}

func TestRunWritesPagesAndCommitsCursor(t *testing.T) {
	at := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	src := twoPageSource(at)
	stage, store := newTestStage(t, src)
	ctx := context.Background()

	var commits []string
	commit := func(ctx context.Context, cursor string, pagesDone int) error {
		commits = append(commits, fmt.Sprintf("%s/%d", cursor, pagesDone))
		return nil
	}

	res, err := stage.Run(ctx, testPartition(), "", 0, commit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pages != 2 || res.Records != 3 {
		t.Fatalf("got pages=%d records=%d", res.Pages, res.Records)
	}
	if len(commits) != 2 || commits[0] != "c1/1" || commits[1] != "/2" {
		t.Fatalf("unexpected commit sequence %v", commits)
	}

	paths := storage.PartitionPaths{Key: testPartition()}
	keys, err := store.List(ctx, paths.BronzeDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 bronze objects, got %v", keys)
	}

	records, err := ReadAll(ctx, store, "", testPartition())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || records[0].ID != "r1" || records[2].ID != "r3" {
		t.Fatalf("round-trip mismatch: %+v", records)
	}
	if string(records[1].Payload) != `{"a":2}` {
		t.Fatalf("payload not preserved verbatim: %s", records[1].Payload)
	}
}

func TestRunResumesFromCommittedPage(t *testing.T) {
	at := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Full run for the reference checksum.
	full, _ := newTestStage(t, twoPageSource(at))
	ref, err := full.Run(ctx, testPartition(), "", 0, noCommit)
	if err != nil {
		t.Fatal(err)
	}

	// Interrupted run: page 0 already durable, resume from cursor c1.
	src := twoPageSource(at)
	stage, store := newTestStage(t, src)
	paths := storage.PartitionPaths{Key: testPartition()}
	data, err := EncodePage(twoPageSource(at).pages[""].Records)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, paths.BronzePage(0), data); err != nil {
		t.Fatal(err)
	}

	res, err := stage.Run(ctx, testPartition(), "c1", 1, noCommit)
	if err != nil {
		t.Fatal(err)
	}
	if len(src.fetched) != 1 || src.fetched[0] != "c1" {
		t.Fatalf("resume refetched committed pages: %v", src.fetched)
	}
	if res.Checksum != ref.Checksum {
		t.Fatalf("resumed checksum %s != full-run checksum %s", res.Checksum, ref.Checksum)
	}
	if res.Records != 3 {
		t.Fatalf("summary must cover prior pages, got %d records", res.Records)
	}
}

func TestChecksumIgnoresIngestionTimestamps(t *testing.T) {
	ctx := context.Background()

	first, _ := newTestStage(t, twoPageSource(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)))
	a, err := first.Run(ctx, testPartition(), "", 0, noCommit)
	if err != nil {
		t.Fatal(err)
	}

	second, _ := newTestStage(t, twoPageSource(time.Date(2026, 2, 20, 16, 30, 0, 0, time.UTC)))
	b, err := second.Run(ctx, testPartition(), "", 0, noCommit)
	if err != nil {
		t.Fatal(err)
	}

	if a.Checksum != b.Checksum {
		t.Fatalf("checksum depends on ingestion time: %s vs %s", a.Checksum, b.Checksum)
	}
}

func TestRunStopsWhenCommitFails(t *testing.T) {
	src := twoPageSource(time.Now().UTC())
	stage, _ := newTestStage(t, src)

	_, err := stage.Run(context.Background(), testPartition(), "", 0,
		func(ctx context.Context, cursor string, pagesDone int) error {
			return fmt.Errorf("control store down")
		})
	if err == nil {
		t.Fatal("expected the run to fail when progress cannot be committed")
	}
	// Only the first page may have been fetched.
	if len(src.fetched) != 1 {
		t.Fatalf("fetched past a failed commit: %v", src.fetched)
	}
}

func noCommit(ctx context.Context, cursor string, pagesDone int) error { return nil }
