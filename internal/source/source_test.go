package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foncierlab/medallion/internal/lake"
)

func testAPISource(baseURL string) *apiSource {
	s := newAPISource(Config{
		DPEBaseURL:     baseURL,
		DPEPageSize:    2,
		RetryAttempts:  3,
		RetryBackoffMs: 1,
	})
	s.throttle = 0
	s.now = func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) }
	return s
}

func dpePartition() lake.PartitionKey {
	return lake.PartitionKey{Dataset: lake.DatasetDPE, Department: "92", Period: "2020Q1"}
}

func TestAPISourcePaginationAndResume(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lines":
			fmt.Fprintf(w, `{"results":[{"numero_dpe":"A1"},{"numero_dpe":"A2"}],"next":"%s/page2"}`, server.URL)
		case "/page2":
			fmt.Fprint(w, `{"results":[{"numero_dpe":"A3"}],"next":""}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	src := testAPISource(server.URL + "/lines")
	ctx := context.Background()

	first, err := src.FetchPage(ctx, dpePartition(), "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Records) != 2 || first.Done {
		t.Fatalf("first page: got %d records, done=%v", len(first.Records), first.Done)
	}
	if first.Records[0].ID != "A1" || first.Records[1].ID != "A2" {
		t.Fatalf("unexpected record ids %q %q", first.Records[0].ID, first.Records[1].ID)
	}
	if first.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	// Resuming from the cursor must land on the second page directly.
	second, err := src.FetchPage(ctx, dpePartition(), first.NextCursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Records) != 1 || !second.Done {
		t.Fatalf("second page: got %d records, done=%v", len(second.Records), second.Done)
	}
	if second.Records[0].ID != "A3" {
		t.Fatalf("unexpected record id %q", second.Records[0].ID)
	}
}

func TestAPISourceRetriesTransientErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"results":[],"next":""}`)
	}))
	defer server.Close()

	src := testAPISource(server.URL)
	page, err := src.FetchPage(context.Background(), dpePartition(), "")
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if !page.Done {
		t.Fatal("expected an empty done page")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestAPISourceExhaustedRetriesAreUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	src := testAPISource(server.URL)
	_, err := src.FetchPage(context.Background(), dpePartition(), "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAPISourceMalformedPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	}))
	defer server.Close()

	src := testAPISource(server.URL)
	_, err := src.FetchPage(context.Background(), dpePartition(), "")
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedError, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("malformed payloads must not look transient")
	}
}

const dvfHeader = "Date mutation|Valeur fonciere|Code departement|Code commune|Type local|Surface reelle bati"

func writeDVFFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	content := dvfHeader + "\n"
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func dvfPartition() lake.PartitionKey {
	return lake.PartitionKey{Dataset: lake.DatasetDVF, Department: "92", Period: "2020Q1"}
}

func TestFileSourceFiltersAndPaginates(t *testing.T) {
	dir := t.TempDir()
	writeDVFFile(t, dir, "valeursfoncieres-2020.txt",
		"15/01/2020|250000,00|92|012|Appartement|48", // in partition
		"20/02/2020|310000,00|75|101|Maison|90",      // wrong department
		"05/05/2020|120000,00|92|012|Appartement|30", // wrong quarter
		"28/03/2020|410000,00|92|050|Maison|110",     // in partition
	)

	src := newFileSource(Config{DVFDir: dir, DVFChunkSize: 3})
	ctx := context.Background()

	first, err := src.FetchPage(ctx, dvfPartition(), "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if first.Done {
		t.Fatal("expected more data after the first chunk")
	}
	if len(first.Records) != 1 {
		t.Fatalf("expected 1 matching record in first chunk, got %d", len(first.Records))
	}
	if got := first.Records[0].ID; got != "valeursfoncieres-2020.txt:1" {
		t.Fatalf("unexpected record id %q", got)
	}
	if first.Records[0].Meta["columns"] != dvfHeader {
		t.Fatalf("header not carried in record meta: %q", first.Records[0].Meta["columns"])
	}

	second, err := src.FetchPage(ctx, dvfPartition(), first.NextCursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if !second.Done {
		t.Fatal("expected the file to be exhausted")
	}
	if len(second.Records) != 1 {
		t.Fatalf("expected 1 matching record in second chunk, got %d", len(second.Records))
	}
	if got := second.Records[0].ID; got != "valeursfoncieres-2020.txt:4" {
		t.Fatalf("unexpected record id %q", got)
	}
}

func TestFileSourceResumeSkipsCommittedLines(t *testing.T) {
	dir := t.TempDir()
	writeDVFFile(t, dir, "valeursfoncieres-2020.txt",
		"15/01/2020|250000,00|92|012|Appartement|48",
		"28/03/2020|410000,00|92|050|Maison|110",
	)

	src := newFileSource(Config{DVFDir: dir, DVFChunkSize: 100})
	page, err := src.FetchPage(context.Background(), dvfPartition(), "0:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "valeursfoncieres-2020.txt:2" {
		t.Fatalf("resume should only see line 2, got %+v", page.Records)
	}
}

func TestFileSourceMissingHeaderColumns(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "valeursfoncieres-2020.txt"),
		[]byte("a;b;c\n1;2;3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := newFileSource(Config{DVFDir: dir, DVFChunkSize: 100})
	_, err := src.FetchPage(context.Background(), dvfPartition(), "")
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedError for a foreign separator, got %v", err)
	}
}

func TestFileSourceNoCandidateFiles(t *testing.T) {
	src := newFileSource(Config{DVFDir: t.TempDir(), DVFChunkSize: 100})
	page, err := src.FetchPage(context.Background(), dvfPartition(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !page.Done || len(page.Records) != 0 {
		t.Fatalf("expected an empty done page, got %+v", page)
	}
}

func TestRouterDispatchesByDataset(t *testing.T) {
	src, err := NewRecordSource(Config{DVFDir: t.TempDir(), RetryAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	_, err = src.FetchPage(context.Background(), lake.PartitionKey{Dataset: "cadastre", Department: "92", Period: "2020Q1"}, "")
	if err == nil {
		t.Fatal("expected an error for an unknown dataset")
	}
}
