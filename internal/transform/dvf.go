package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/schema"
)

// buildDVF turns raw pipe-delimited sale lines into deduplicated, sorted
// silver rows. Rows outside the partition, or failing a drop-policy field,
// go to quarantine.
func buildDVF(part lake.PartitionKey, table schema.Table, records []lake.RawRecord) ([]SilverDVFRow, []QuarantineEntry, int64, error) {
	start, end, err := lake.PeriodRange(part.Period)
	if err != nil {
		return nil, nil, 0, err
	}

	var (
		quarantine []QuarantineEntry
		byKey      = make(map[string]candidate[SilverDVFRow])
		order      []string
		deduped    int64
	)

	for _, r := range records {
		fields, qerr := splitDVFLine(r)
		if qerr != nil {
			quarantine = append(quarantine, *qerr)
			continue
		}

		values := make(map[string]schema.Value, len(table.Fields))
		rejected := false
		for _, f := range table.Fields {
			raw, present := fields[f.Name]
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

		row, reason := dvfRow(values, r.ID)
		if reason != "" {
			quarantine = append(quarantine, quarantineEntry(r, "", reason))
			continue
		}
		if row.CodeDepartement != part.Department {
			quarantine = append(quarantine, quarantineEntry(r, "Code departement",
				fmt.Sprintf("department %q outside partition %s", row.CodeDepartement, part.Department)))
			continue
		}
		date := values["Date mutation"].Date
		if date.Before(start) || !date.Before(end) {
			quarantine = append(quarantine, quarantineEntry(r, "Date mutation",
				fmt.Sprintf("date %s outside period %s", row.DateMutation, part.Period)))
			continue
		}

		key := naturalKey(values, table)
		next := candidate[SilverDVFRow]{row: row, ingestedAt: r.IngestedAt, recordID: r.ID}
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
	sortDVF(rows)
	return rows, quarantine, deduped, nil
}

// splitDVFLine maps the raw line's fields to their header names using the
// column header the source attached to the record.
func splitDVFLine(r lake.RawRecord) (map[string]string, *QuarantineEntry) {
	header, ok := r.Meta["columns"]
	if !ok || header == "" {
		e := quarantineEntry(r, "", "record carries no column header")
		return nil, &e
	}
	columns := strings.Split(header, "|")
	values := strings.Split(string(r.Payload), "|")
	if len(values) != len(columns) {
		e := quarantineEntry(r, "",
			fmt.Sprintf("field count %d does not match header %d", len(values), len(columns)))
		return nil, &e
	}
	fields := make(map[string]string, len(columns))
	for i, c := range columns {
		fields[strings.TrimSpace(c)] = values[i]
	}
	return fields, nil
}

// dvfRow assembles a silver row from coerced values, applying the sale
// validity rules and the derived columns.
func dvfRow(values map[string]schema.Value, recordID string) (SilverDVFRow, string) {
	valeur := values["Valeur fonciere"].Float
	surface := values["Surface reelle bati"].Float
	if valeur <= 0 {
		return SilverDVFRow{}, fmt.Sprintf("non-positive sale value %g", valeur)
	}
	if surface <= 0 {
		return SilverDVFRow{}, fmt.Sprintf("non-positive built surface %g", surface)
	}

	date := values["Date mutation"].Date
	row := SilverDVFRow{
		DateMutation:      date.Format("2006-01-02"),
		ValeurFonciere:    valeur,
		CodeDepartement:   values["Code departement"].Str,
		TypeLocal:         values["Type local"].Str,
		SurfaceReelleBati: surface,
		PrixM2:            valeur / surface,
		Annee:             int32(date.Year()),
		Trimestre:         int32((int(date.Month())-1)/3 + 1),
		RecordID:          recordID,
	}
	if commune := values["Code commune"]; !commune.Null {
		c := commune.Str
		row.CodeCommune = &c
	}
	return row, ""
}

// sortDVF orders rows by natural key so output bytes do not depend on
// ingestion order.
func sortDVF(rows []SilverDVFRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.DateMutation != b.DateMutation {
			return a.DateMutation < b.DateMutation
		}
		if ac, bc := derefOr(a.CodeCommune), derefOr(b.CodeCommune); ac != bc {
			return ac < bc
		}
		if a.ValeurFonciere != b.ValeurFonciere {
			return a.ValeurFonciere < b.ValeurFonciere
		}
		if a.SurfaceReelleBati != b.SurfaceReelleBati {
			return a.SurfaceReelleBati < b.SurfaceReelleBati
		}
		if a.TypeLocal != b.TypeLocal {
			return a.TypeLocal < b.TypeLocal
		}
		return a.RecordID < b.RecordID
	})
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
