package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/schema"
)

// validClasses are the energy and GES ratings the silver table accepts.
// "N" marks a diagnostic without a rating.
var validClasses = map[string]bool{
	"A": true, "B": true, "C": true, "D": true, "E": true, "F": true, "G": true, "N": true,
}

// buildDPE turns raw JSON diagnostics into deduplicated, sorted silver rows.
func buildDPE(part lake.PartitionKey, table schema.Table, records []lake.RawRecord) ([]SilverDPERow, []QuarantineEntry, int64, error) {
	start, end, err := lake.PeriodRange(part.Period)
	if err != nil {
		return nil, nil, 0, err
	}

	var (
		quarantine []QuarantineEntry
		byKey      = make(map[string]candidate[SilverDPERow])
		order      []string
		deduped    int64
	)

	for _, r := range records {
		var doc map[string]any
		if err := json.Unmarshal(r.Payload, &doc); err != nil {
			quarantine = append(quarantine, quarantineEntry(r, "", "payload is not a JSON object"))
			continue
		}

		values := make(map[string]schema.Value, len(table.Fields))
		rejected := false
		for _, f := range table.Fields {
			raw, present := stringField(doc, f.Name)
			v, drop, err := schema.Coerce(part.Dataset, f, raw, present)
			if drop {
				quarantine = append(quarantine, violationEntry(r, err))
				rejected = true
				break
			}
			values[f.Name] = v
		}
		if rejected {
			continue
		}

		row, field, reason := dpeRow(values, r.ID)
		if reason != "" {
			quarantine = append(quarantine, quarantineEntry(r, field, reason))
			continue
		}
		if row.CodeDepartement != part.Department {
			quarantine = append(quarantine, quarantineEntry(r, "tv016_departement_code",
				fmt.Sprintf("department %q outside partition %s", row.CodeDepartement, part.Department)))
			continue
		}
		date := values["date_etablissement_dpe"].Date
		if date.Before(start) || !date.Before(end) {
			quarantine = append(quarantine, quarantineEntry(r, "date_etablissement_dpe",
				fmt.Sprintf("date %s outside period %s", row.DateEtablissement, part.Period)))
			continue
		}

		key := naturalKey(values, table)
		next := candidate[SilverDPERow]{row: row, ingestedAt: r.IngestedAt, recordID: r.ID}
		if prev, seen := byKey[key]; seen {
			deduped++
			if !next.wins(prev) {
				continue
			}
		} else {
			order = append(order, key)
		}
		byKey[key] = next
	}

	rows := dedupe(order, byKey)
	sort.Slice(rows, func(i, j int) bool { return rows[i].NumeroDPE < rows[j].NumeroDPE })
	return rows, quarantine, deduped, nil
}

// dpeRow assembles a silver row from coerced values.
func dpeRow(values map[string]schema.Value, recordID string) (row SilverDPERow, field, reason string) {
	conso := strings.ToUpper(values["classe_consommation_energie"].Str)
	if !validClasses[conso] {
		return SilverDPERow{}, "classe_consommation_energie", fmt.Sprintf("unknown energy class %q", conso)
	}
	ges := strings.ToUpper(values["classe_estimation_ges"].Str)
	if !validClasses[ges] {
		ges = "N"
	}

	date := values["date_etablissement_dpe"].Date
	row = SilverDPERow{
		NumeroDPE:          values["numero_dpe"].Str,
		DateEtablissement:  date.Format("2006-01-02"),
		ClasseConsommation: conso,
		ClasseGES:          ges,
		TypeBatiment:       values["tr002_type_batiment_description"].Str,
		CodeDepartement:    values["tv016_departement_code"].Str,
		Annee:              int32(date.Year()),
		RecordID:           recordID,
	}
	if commune := values["code_insee_commune_actualise"]; !commune.Null {
		c := commune.Str
		row.CodeCommune = &c
	}
	return row, "", ""
}

// stringField extracts a JSON field as its raw string form. Numbers are
// rendered without a float artifact so downstream code cleaning sees the
// same shape regardless of how the API typed the column.
func stringField(doc map[string]any, name string) (string, bool) {
	v, ok := doc[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
