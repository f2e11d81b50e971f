// Package aggregate implements the gold stage: the silver DVF and DPE
// tables of one (departement, trimestre) group are joined into BI-ready
// market indicators and the hedonic design matrix. Joins declare their key
// cardinality and fail on violation instead of fanning out.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/metrics"
	"github.com/foncierlab/medallion/internal/storage"
	"github.com/foncierlab/medallion/internal/transform"
)

// energyClasses are the rated classes; "N" (unrated) is excluded from
// distributions.
var energyClasses = []string{"A", "B", "C", "D", "E", "F", "G"}

// Stage runs gold aggregation for one group at a time.
type Stage struct {
	store  storage.LakeStore
	prefix string
	log    *slog.Logger
}

func New(store storage.LakeStore, prefix string, log *slog.Logger) *Stage {
	return &Stage{store: store, prefix: prefix, log: log}
}

// Result summarizes a committed gold output.
type Result struct {
	MarketRows int64
	DesignRows int64
	Bytes      int64
	Checksum   string
}

// Run aggregates the group's silver tables into its gold outputs.
// inputChecksum is the combined checksum of the silver inputs, recorded in
// the gold manifest for lineage and skip decisions.
func (s *Stage) Run(ctx context.Context, group lake.GroupKey, inputChecksum string) (*Result, error) {
	dvfPart := lake.PartitionKey{Dataset: lake.DatasetDVF, Department: group.Department, Period: group.Period}
	dpePart := lake.PartitionKey{Dataset: lake.DatasetDPE, Department: group.Department, Period: group.Period}

	dvfRows, err := transform.ReadSilver[transform.SilverDVFRow](ctx, s.store, s.prefix, dvfPart)
	if err != nil {
		return nil, fmt.Errorf("dvf silver: %w", err)
	}
	dpeRows, err := transform.ReadSilver[transform.SilverDPERow](ctx, s.store, s.prefix, dpePart)
	if err != nil {
		return nil, fmt.Errorf("dpe silver: %w", err)
	}

	market, err := buildMarket(dvfRows, dpeRows)
	if err != nil {
		return nil, err
	}
	design, err := buildDesign(dvfRows, dpeRows)
	if err != nil {
		return nil, err
	}

	marketData, err := encodeRows(market)
	if err != nil {
		return nil, err
	}
	designData, err := encodeRows(design)
	if err != nil {
		return nil, err
	}

	paths := storage.GroupPaths{Prefix: s.prefix, Key: group}
	if err := s.store.Put(ctx, paths.Market(), marketData); err != nil {
		return nil, fmt.Errorf("write market: %w", err)
	}
	if err := s.store.Put(ctx, paths.Design(), designData); err != nil {
		return nil, fmt.Errorf("write design matrix: %w", err)
	}

	checksum := contentChecksum(market, design)
	manifest := &storage.Manifest{
		Partition: storage.ManifestPartition{
			Department:    group.Department,
			Period:        group.Period,
			VersionLabel:  lake.PipelineVersion,
			InputChecksum: inputChecksum,
		},
		Tables: map[string]storage.TableInfo{
			"market": {
				File:     "part.parquet",
				Checksum: checksum,
				RowCount: int64(len(market)),
				ByteSize: int64(len(marketData)),
			},
			"hedonic": {
				File:     "part.parquet",
				RowCount: int64(len(design)),
				ByteSize: int64(len(designData)),
			},
		},
		Producer:  storage.DefaultProducer(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := manifest.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, paths.Manifest(), data); err != nil {
		return nil, fmt.Errorf("write gold manifest: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.PartitionRows.WithLabelValues("gold", group.Department, "aggregate").Observe(float64(len(market) + len(design)))
		m.PartitionBytes.WithLabelValues("gold", group.Department, "aggregate").Observe(float64(len(marketData) + len(designData)))
	}
	s.log.Info("gold committed",
		"department", group.Department,
		"period", group.Period,
		"market_rows", len(market),
		"design_rows", len(design))

	return &Result{
		MarketRows: int64(len(market)),
		DesignRows: int64(len(design)),
		Bytes:      int64(len(marketData) + len(designData)),
		Checksum:   checksum,
	}, nil
}

// buildMarket computes the per-(departement, trimestre) market indicators
// and left-joins the DPE class distribution, declared one-to-one on the
// group key.
func buildMarket(dvfRows []transform.SilverDVFRow, dpeRows []transform.SilverDPERow) ([]MarketRow, error) {
	sales := make(map[string][]float64)
	for _, r := range dvfRows {
		sales[marketKey(r.CodeDepartement, r.Annee, r.Trimestre)] = append(
			sales[marketKey(r.CodeDepartement, r.Annee, r.Trimestre)], r.PrixM2)
	}

	dists, err := classDistributions(dpeRows)
	if err != nil {
		return nil, err
	}
	distIndex, err := joinIndex("market_dpe", OneToOne, dists, func(d classDistribution) string { return d.key })
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(sales))
	for k := range sales {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]MarketRow, 0, len(keys))
	for _, k := range keys {
		prices := sales[k]
		sort.Float64s(prices)
		row := MarketRow{
			NbVentes:     int64(len(prices)),
			PrixM2Median: math.Round(median(prices)),
			PrixM2Mean:   math.Round(mean(prices)),
		}
		dept, annee, trimestre := splitMarketKey(k)
		row.Departement = dept
		row.Annee = annee
		row.Trimestre = fmt.Sprintf("%dQ%d", annee, trimestre)

		if matches := distIndex[k]; len(matches) == 1 {
			applyDistribution(&row, matches[0])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// classDistribution is the DPE side of the market join.
type classDistribution struct {
	key    string
	counts map[string]int64
	total  int64
}

// classDistributions groups rated diagnostics by (departement, trimestre).
func classDistributions(dpeRows []transform.SilverDPERow) ([]classDistribution, error) {
	byKey := make(map[string]*classDistribution)
	for _, r := range dpeRows {
		if !ratedClass(r.ClasseConsommation) {
			continue
		}
		date, err := time.Parse("2006-01-02", r.DateEtablissement)
		if err != nil {
			return nil, fmt.Errorf("silver dpe row %s: bad date %q", r.RecordID, r.DateEtablissement)
		}
		quarter := int32((int(date.Month())-1)/3 + 1)
		k := marketKey(r.CodeDepartement, r.Annee, quarter)
		d, ok := byKey[k]
		if !ok {
			d = &classDistribution{key: k, counts: make(map[string]int64)}
			byKey[k] = d
		}
		d.counts[r.ClasseConsommation]++
		d.total++
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dists := make([]classDistribution, 0, len(keys))
	for _, k := range keys {
		dists = append(dists, *byKey[k])
	}
	return dists, nil
}

func applyDistribution(row *MarketRow, d classDistribution) {
	row.DPETotal = d.total
	counts := [...]*int64{&row.ClasseA, &row.ClasseB, &row.ClasseC, &row.ClasseD, &row.ClasseE, &row.ClasseF, &row.ClasseG}
	pcts := [...]*float64{&row.ClasseAPc, &row.ClasseBPc, &row.ClasseCPc, &row.ClasseDPc, &row.ClasseEPc, &row.ClasseFPc, &row.ClasseGPc}
	for i, class := range energyClasses {
		n := d.counts[class]
		*counts[i] = n
		if d.total > 0 {
			*pcts[i] = math.Round(float64(n)/float64(d.total)*1000) / 10
		}
	}
}

// buildDesign materializes one design-matrix row per sale, joined with the
// dominant energy class of the sale's commune. The commune profile side is
// declared one-to-one: each commune has a single profile.
func buildDesign(dvfRows []transform.SilverDVFRow, dpeRows []transform.SilverDPERow) ([]DesignRow, error) {
	profiles := communeProfiles(dpeRows)
	profileIndex, err := joinIndex("design_commune", OneToOne, profiles, func(p communeProfile) string { return p.commune })
	if err != nil {
		return nil, err
	}

	rows := make([]DesignRow, 0, len(dvfRows))
	for _, sale := range dvfRows {
		row := DesignRow{
			Departement:   sale.CodeDepartement,
			Annee:         sale.Annee,
			Trimestre:     fmt.Sprintf("%dQ%d", sale.Annee, sale.Trimestre),
			RecordID:      sale.RecordID,
			LogValeur:     math.Log(sale.ValeurFonciere),
			LogPrixM2:     math.Log(sale.PrixM2),
			Surface:       sale.SurfaceReelleBati,
			CommuneClasse: "N",
		}
		switch sale.TypeLocal {
		case "Maison":
			row.TypeMaison = 1
		case "Appartement":
			row.TypeAppartement = 1
		}
		if sale.CodeCommune != nil {
			row.CodeCommune = *sale.CodeCommune
			if matches := profileIndex[row.CodeCommune]; len(matches) == 1 {
				row.CommuneClasse = matches[0].class
			}
		}
		switch row.CommuneClasse {
		case "A", "B":
			row.ClasseEfficace = 1
		case "F", "G":
			row.ClasseEnergivore = 1
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.CodeCommune != b.CodeCommune {
			return a.CodeCommune < b.CodeCommune
		}
		return a.RecordID < b.RecordID
	})
	return rows, nil
}

// communeProfile is a commune's dominant energy class.
type communeProfile struct {
	commune string
	class   string
}

// communeProfiles picks, per commune, the most frequent rated class; ties go
// to the better class so the choice is order-independent.
func communeProfiles(dpeRows []transform.SilverDPERow) []communeProfile {
	counts := make(map[string]map[string]int64)
	for _, r := range dpeRows {
		if r.CodeCommune == nil || !ratedClass(r.ClasseConsommation) {
			continue
		}
		c := *r.CodeCommune
		if counts[c] == nil {
			counts[c] = make(map[string]int64)
		}
		counts[c][r.ClasseConsommation]++
	}

	communes := make([]string, 0, len(counts))
	for c := range counts {
		communes = append(communes, c)
	}
	sort.Strings(communes)

	profiles := make([]communeProfile, 0, len(communes))
	for _, c := range communes {
		best, bestN := "", int64(-1)
		for _, class := range energyClasses {
			if n := counts[c][class]; n > bestN {
				best, bestN = class, n
			}
		}
		profiles = append(profiles, communeProfile{commune: c, class: best})
	}
	return profiles
}

// RebuildComplete concatenates every committed group's market rows into the
// single gold table BI reads. Missing groups are skipped; row order is
// (departement, trimestre) so the output is reproducible.
func (s *Stage) RebuildComplete(ctx context.Context, groups []lake.GroupKey) error {
	var all []MarketRow
	for _, g := range groups {
		paths := storage.GroupPaths{Prefix: s.prefix, Key: g}
		ok, err := s.store.Exists(ctx, paths.Market())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		data, err := s.store.Get(ctx, paths.Market())
		if err != nil {
			return err
		}
		rows, err := parquet.Read[MarketRow](bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return fmt.Errorf("decode market for %s/%s: %w", g.Department, g.Period, err)
		}
		all = append(all, rows...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Departement != all[j].Departement {
			return all[i].Departement < all[j].Departement
		}
		return all[i].Trimestre < all[j].Trimestre
	})

	data, err := encodeRows(all)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, storage.MarketCompletePath(s.prefix), data); err != nil {
		return fmt.Errorf("write complete market table: %w", err)
	}
	s.log.Info("complete market table rebuilt", "rows", len(all), "groups", len(groups))
	return nil
}

func marketKey(dept string, annee, trimestre int32) string {
	return fmt.Sprintf("%s/%04dQ%d", dept, annee, trimestre)
}

func splitMarketKey(k string) (dept string, annee, trimestre int32) {
	idx := strings.LastIndexByte(k, '/')
	fmt.Sscanf(k[idx+1:], "%dQ%d", &annee, &trimestre)
	return k[:idx], annee, trimestre
}

func ratedClass(class string) bool {
	for _, c := range energyClasses {
		if class == c {
			return true
		}
	}
	return false
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// encodeRows writes rows as snappy parquet.
func encodeRows[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// contentChecksum hashes the canonical JSON of both gold tables in row
// order.
func contentChecksum(market []MarketRow, design []DesignRow) string {
	b := lake.NewChecksumBuilder()
	for _, r := range market {
		line, _ := json.Marshal(r)
		b.Add(line)
	}
	for _, r := range design {
		line, _ := json.Marshal(r)
		b.Add(line)
	}
	return b.Sum()
}
