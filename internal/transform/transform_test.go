package transform

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/foncierlab/medallion/internal/ingest"
	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/schema"
	"github.com/foncierlab/medallion/internal/storage"
)

const dvfHeader = "Date mutation|Valeur fonciere|Code departement|Code commune|Type local|Surface reelle bati"

func dvfPartition() lake.PartitionKey {
	return lake.PartitionKey{Dataset: lake.DatasetDVF, Department: "92", Period: "2020Q1"}
}

func dpePartition() lake.PartitionKey {
	return lake.PartitionKey{Dataset: lake.DatasetDPE, Department: "92", Period: "2020Q1"}
}

func dvfRecord(id, line string, at time.Time) lake.RawRecord {
	return lake.RawRecord{
		ID:         id,
		Source:     "test",
		Payload:    []byte(line),
		Meta:       map[string]string{"columns": dvfHeader},
		IngestedAt: at,
		Partition:  dvfPartition(),
	}
}

func dpeRecord(id string, doc map[string]any, at time.Time) lake.RawRecord {
	payload, _ := json.Marshal(doc)
	return lake.RawRecord{
		ID:         id,
		Source:     "test",
		Payload:    payload,
		IngestedAt: at,
		Partition:  dpePartition(),
	}
}

// writeBronze seeds a partition's bronze area with a single page.
func writeBronze(t *testing.T, store storage.LakeStore, part lake.PartitionKey, records []lake.RawRecord) {
	t.Helper()
	data, err := ingest.EncodePage(records)
	if err != nil {
		t.Fatal(err)
	}
	paths := storage.PartitionPaths{Key: part}
	if err := store.Put(context.Background(), paths.BronzePage(0), data); err != nil {
		t.Fatal(err)
	}
}

func newTestStage(t *testing.T) (*Stage, storage.LakeStore) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, schema.Default(), "", slog.Default()), store
}

func TestDVFTransformDerivesAndSorts(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	stage, store := newTestStage(t)
	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("f:2", "28/03/2020|410000,00|92|050|Maison|100", at),
		dvfRecord("f:1", "15/01/2020|250000,00|92|012|Appartement|50", at),
	})

	res, err := stage.Run(context.Background(), dvfPartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 2 || res.Quarantined != 0 || res.Deduped != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	rows, err := ReadSilver[SilverDVFRow](context.Background(), store, "", dvfPartition())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Sorted by date, not ingestion order.
	if rows[0].DateMutation != "2020-01-15" || rows[1].DateMutation != "2020-03-28" {
		t.Fatalf("rows not sorted: %+v", rows)
	}
	if rows[0].PrixM2 != 5000 {
		t.Fatalf("prix_m2 = %g, want 5000", rows[0].PrixM2)
	}
	if rows[0].Annee != 2020 || rows[0].Trimestre != 1 {
		t.Fatalf("derived period columns wrong: annee=%d trimestre=%d", rows[0].Annee, rows[0].Trimestre)
	}
	if rows[0].CodeCommune == nil || *rows[0].CodeCommune != "012" {
		t.Fatalf("commune not carried: %+v", rows[0].CodeCommune)
	}
}

func TestDVFTransformQuarantinesViolations(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	stage, store := newTestStage(t)
	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("ok", "15/01/2020|250000,00|92|012|Appartement|50", at),
		dvfRecord("bad-date", "pas-une-date|250000,00|92|012|Appartement|50", at),
		dvfRecord("zero-surface", "16/01/2020|250000,00|92|012|Appartement|0", at),
		dvfRecord("wrong-dept", "17/01/2020|250000,00|75|101|Appartement|50", at),
		dvfRecord("wrong-period", "17/05/2020|250000,00|92|012|Appartement|50", at),
	})

	res, err := stage.Run(context.Background(), dvfPartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 || res.Quarantined != 4 {
		t.Fatalf("rows=%d quarantined=%d, want 1 and 4", res.Rows, res.Quarantined)
	}

	paths := storage.PartitionPaths{Key: dvfPartition()}
	data, err := store.Get(context.Background(), paths.Quarantine())
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e QuarantineEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		seen[e.RecordID] = e.Reason
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 quarantine entries, got %v", seen)
	}
	for _, id := range []string{"bad-date", "zero-surface", "wrong-dept", "wrong-period"} {
		if seen[id] == "" {
			t.Fatalf("record %s missing a quarantine reason: %v", id, seen)
		}
	}
}

func TestDVFMissingRequiredFieldIsQuarantined(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	stage, store := newTestStage(t)
	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("f:1", "15/01/2020|250000,00|92|012|Appartement|50", at),
		dvfRecord("f:2", "16/01/2020||92|012|Appartement|50", at), // no sale value
		dvfRecord("f:3", "28/03/2020|410000,00|92|050|Maison|100", at),
	})

	res, err := stage.Run(context.Background(), dvfPartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 2 || res.Quarantined != 1 {
		t.Fatalf("rows=%d quarantined=%d, want 2 and 1", res.Rows, res.Quarantined)
	}

	paths := storage.PartitionPaths{Key: dvfPartition()}
	data, err := store.Get(context.Background(), paths.Quarantine())
	if err != nil {
		t.Fatal(err)
	}
	var e QuarantineEntry
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil {
		t.Fatal(err)
	}
	if e.RecordID != "f:2" {
		t.Fatalf("quarantined record = %s, want f:2", e.RecordID)
	}
	if e.Field != "Valeur fonciere" {
		t.Fatalf("quarantine entry names field %q, want Valeur fonciere", e.Field)
	}
	if e.Reason != "missing value" {
		t.Fatalf("quarantine reason = %q, want missing value", e.Reason)
	}
}

func TestDVFDedupLastWriteWins(t *testing.T) {
	early := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	line := "15/01/2020|250000,00|92|012|Appartement|50"

	stage, store := newTestStage(t)
	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("f:1", line, early),
		dvfRecord("f:2", line, late),
		dvfRecord("f:3", line, late), // tie with f:2, greater ID wins
	})

	res, err := stage.Run(context.Background(), dvfPartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 || res.Deduped != 2 {
		t.Fatalf("rows=%d deduped=%d, want 1 and 2", res.Rows, res.Deduped)
	}

	rows, err := ReadSilver[SilverDVFRow](context.Background(), store, "", dvfPartition())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].RecordID != "f:3" {
		t.Fatalf("winner = %s, want f:3", rows[0].RecordID)
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	records := []lake.RawRecord{
		dvfRecord("f:1", "15/01/2020|250000,00|92|012|Appartement|50", at),
		dvfRecord("f:2", "28/03/2020|410000,00|92|050|Maison|100", at),
	}
	// Second run sees the same records in reverse ingestion order.
	reversed := []lake.RawRecord{records[1], records[0]}

	stageA, storeA := newTestStage(t)
	writeBronze(t, storeA, dvfPartition(), records)
	resA, err := stageA.Run(context.Background(), dvfPartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}

	stageB, storeB := newTestStage(t)
	writeBronze(t, storeB, dvfPartition(), reversed)
	resB, err := stageB.Run(context.Background(), dvfPartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}

	if resA.Checksum != resB.Checksum {
		t.Fatalf("checksums differ across input orderings: %s vs %s", resA.Checksum, resB.Checksum)
	}
}

func TestRerunRemovesStaleQuarantine(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	stage, store := newTestStage(t)
	ctx := context.Background()
	paths := storage.PartitionPaths{Key: dvfPartition()}

	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("bad", "pas-une-date|1|92|012|Appartement|50", at),
	})
	if _, err := stage.Run(ctx, dvfPartition(), "sha256:a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, paths.Quarantine()); !ok {
		t.Fatal("expected a quarantine file after the first run")
	}

	// Source fixed the record; re-ingest replaced the bronze page.
	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("bad", "15/01/2020|250000,00|92|012|Appartement|50", at),
	})
	if _, err := stage.Run(ctx, dvfPartition(), "sha256:b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, paths.Quarantine()); ok {
		t.Fatal("stale quarantine file survived a clean re-run")
	}
}

func TestDPETransform(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	stage, store := newTestStage(t)
	writeBronze(t, store, dpePartition(), []lake.RawRecord{
		dpeRecord("B2", map[string]any{
			"numero_dpe":                      "B2",
			"date_etablissement_dpe":          "2020-02-01",
			"code_insee_commune_actualise":    92050.0, // float artifact from the API
			"classe_consommation_energie":     "c",
			"tr002_type_batiment_description": "Logement",
			"tv016_departement_code":          "92",
			// classe_estimation_ges missing: defaults to N
		}, at),
		dpeRecord("A1", map[string]any{
			"numero_dpe":                      "A1",
			"date_etablissement_dpe":          "2020-01-15",
			"classe_consommation_energie":     "D",
			"classe_estimation_ges":           "E",
			"tr002_type_batiment_description": "Maison",
			"tv016_departement_code":          "92",
		}, at),
		dpeRecord("BAD", map[string]any{
			"numero_dpe":                      "BAD",
			"date_etablissement_dpe":          "2020-01-20",
			"classe_consommation_energie":     "Z",
			"tr002_type_batiment_description": "Maison",
			"tv016_departement_code":          "92",
		}, at),
	})

	res, err := stage.Run(context.Background(), dpePartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 2 || res.Quarantined != 1 {
		t.Fatalf("rows=%d quarantined=%d, want 2 and 1", res.Rows, res.Quarantined)
	}

	rows, err := ReadSilver[SilverDPERow](context.Background(), store, "", dpePartition())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].NumeroDPE != "A1" || rows[1].NumeroDPE != "B2" {
		t.Fatalf("rows not sorted by numero_dpe: %+v", rows)
	}
	if rows[1].ClasseConsommation != "C" {
		t.Fatalf("energy class not normalized: %q", rows[1].ClasseConsommation)
	}
	if rows[1].ClasseGES != "N" {
		t.Fatalf("missing GES class should default to N, got %q", rows[1].ClasseGES)
	}
	if rows[1].CodeCommune == nil || *rows[1].CodeCommune != "92050" {
		t.Fatalf("commune code not cleaned: %v", rows[1].CodeCommune)
	}
}

func TestDPEDedupKeepsLatestDiagnostic(t *testing.T) {
	early := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	doc := func(class string) map[string]any {
		return map[string]any{
			"numero_dpe":                      "N1",
			"date_etablissement_dpe":          "2020-01-15",
			"classe_consommation_energie":     class,
			"classe_estimation_ges":           "C",
			"tr002_type_batiment_description": "Maison",
			"tv016_departement_code":          "92",
		}
	}

	stage, store := newTestStage(t)
	writeBronze(t, store, dpePartition(), []lake.RawRecord{
		dpeRecord("N1", doc("D"), early),
		dpeRecord("N1", doc("B"), early.Add(time.Hour)),
	})

	res, err := stage.Run(context.Background(), dpePartition(), "sha256:input")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 || res.Deduped != 1 {
		t.Fatalf("rows=%d deduped=%d, want 1 and 1", res.Rows, res.Deduped)
	}
	rows, err := ReadSilver[SilverDPERow](context.Background(), store, "", dpePartition())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].ClasseConsommation != "B" {
		t.Fatalf("latest diagnostic should win, got class %q", rows[0].ClasseConsommation)
	}
}

func TestSilverManifestRecordsLineage(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	stage, store := newTestStage(t)
	writeBronze(t, store, dvfPartition(), []lake.RawRecord{
		dvfRecord("f:1", "15/01/2020|250000,00|92|012|Appartement|50", at),
	})

	res, err := stage.Run(context.Background(), dvfPartition(), "sha256:bronze123")
	if err != nil {
		t.Fatal(err)
	}

	paths := storage.PartitionPaths{Key: dvfPartition()}
	data, err := store.Get(context.Background(), paths.SilverManifest())
	if err != nil {
		t.Fatal(err)
	}
	var m storage.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Partition.InputChecksum != "sha256:bronze123" {
		t.Fatalf("input checksum not recorded: %+v", m.Partition)
	}
	tbl, ok := m.Tables["silver"]
	if !ok {
		t.Fatalf("manifest missing silver table: %+v", m.Tables)
	}
	if tbl.Checksum != res.Checksum || tbl.RowCount != 1 {
		t.Fatalf("table info mismatch: %+v vs result %+v", tbl, res)
	}
	if m.Partition.VersionLabel == "" {
		t.Fatal("manifest missing pipeline version")
	}
}
