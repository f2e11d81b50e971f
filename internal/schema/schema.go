// Package schema is the registry of record shapes for each pipeline stage.
// It declares, per dataset, the fields a Silver row is built from, the
// per-field null-handling policy, and the natural key used for
// deduplication. Transform logic consults the registry; it never hard-codes
// field handling.
package schema

import (
	"fmt"
)

// FieldType enumerates the typed representations a raw field can coerce to.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeFloat  FieldType = "float"
	TypeDate   FieldType = "date"
	TypeCode   FieldType = "code" // numeric-looking identifier kept as string ("92", "59350")
)

// NullPolicy says what to do when a field is missing or fails coercion.
type NullPolicy string

const (
	// PolicyDrop rejects the whole row to quarantine.
	PolicyDrop NullPolicy = "drop_row"
	// PolicyDefault substitutes the declared default value.
	PolicyDefault NullPolicy = "default"
	// PolicyNull keeps the row with an explicit null marker.
	PolicyNull NullPolicy = "null"
)

// Field describes one column of a dataset.
type Field struct {
	Name    string
	Type    FieldType
	Policy  NullPolicy
	Default string // used when Policy == PolicyDefault
}

// Table is the declared shape of one dataset.
type Table struct {
	Dataset    string
	Fields     []Field
	NaturalKey []string // dedup key, last write by ingestion timestamp wins
}

// Field returns the spec for a named field.
func (t Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Registry maps dataset names to their table schemas.
type Registry struct {
	tables map[string]Table
}

// NewRegistry builds a registry from the given tables.
func NewRegistry(tables ...Table) *Registry {
	r := &Registry{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		r.tables[t.Dataset] = t
	}
	return r
}

// Table returns the schema for a dataset.
func (r *Registry) Table(dataset string) (Table, error) {
	t, ok := r.tables[dataset]
	if !ok {
		return Table{}, fmt.Errorf("no schema registered for dataset %q", dataset)
	}
	return t, nil
}

// Default returns the registry for the DVF and DPE datasets.
//
// Column names follow the upstream sources: DVF bulk files use the
// space-separated French headers, the DPE API uses snake_case field names.
func Default() *Registry {
	return NewRegistry(
		Table{
			Dataset: "dvf",
			Fields: []Field{
				{Name: "Date mutation", Type: TypeDate, Policy: PolicyDrop},
				{Name: "Valeur fonciere", Type: TypeFloat, Policy: PolicyDrop},
				{Name: "Code departement", Type: TypeCode, Policy: PolicyDrop},
				{Name: "Code commune", Type: TypeCode, Policy: PolicyNull},
				{Name: "Type local", Type: TypeString, Policy: PolicyDefault, Default: "Inconnu"},
				{Name: "Surface reelle bati", Type: TypeFloat, Policy: PolicyDrop},
			},
			NaturalKey: []string{"Date mutation", "Code departement", "Code commune", "Valeur fonciere", "Surface reelle bati", "Type local"},
		},
		Table{
			Dataset: "dpe",
			Fields: []Field{
				{Name: "numero_dpe", Type: TypeString, Policy: PolicyDrop},
				{Name: "date_etablissement_dpe", Type: TypeDate, Policy: PolicyDrop},
				{Name: "code_insee_commune_actualise", Type: TypeCode, Policy: PolicyNull},
				{Name: "classe_consommation_energie", Type: TypeString, Policy: PolicyDrop},
				{Name: "classe_estimation_ges", Type: TypeString, Policy: PolicyDefault, Default: "N"},
				{Name: "tr002_type_batiment_description", Type: TypeString, Policy: PolicyDefault, Default: "Inconnu"},
				{Name: "tv016_departement_code", Type: TypeCode, Policy: PolicyDrop},
			},
			NaturalKey: []string{"numero_dpe"},
		},
	)
}
