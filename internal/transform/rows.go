package transform

// SilverDVFRow is one cleaned property sale. Dates are ISO strings so the
// parquet schema stays portable across readers.
type SilverDVFRow struct {
	DateMutation      string  `parquet:"date_mutation" json:"date_mutation"`
	ValeurFonciere    float64 `parquet:"valeur_fonciere" json:"valeur_fonciere"`
	CodeDepartement   string  `parquet:"code_departement" json:"code_departement"`
	CodeCommune       *string `parquet:"code_commune,optional" json:"code_commune"`
	TypeLocal         string  `parquet:"type_local" json:"type_local"`
	SurfaceReelleBati float64 `parquet:"surface_reelle_bati" json:"surface_reelle_bati"`

	// derived
	PrixM2    float64 `parquet:"prix_m2" json:"prix_m2"`
	Annee     int32   `parquet:"annee" json:"annee"`
	Trimestre int32   `parquet:"trimestre" json:"trimestre"`

	RecordID string `parquet:"record_id" json:"record_id"`
}

// SilverDPERow is one cleaned energy diagnostic.
type SilverDPERow struct {
	NumeroDPE          string  `parquet:"numero_dpe" json:"numero_dpe"`
	DateEtablissement  string  `parquet:"date_etablissement" json:"date_etablissement"`
	CodeCommune        *string `parquet:"code_commune,optional" json:"code_commune"`
	ClasseConsommation string  `parquet:"classe_consommation_energie" json:"classe_consommation_energie"`
	ClasseGES          string  `parquet:"classe_estimation_ges" json:"classe_estimation_ges"`
	TypeBatiment       string  `parquet:"type_batiment" json:"type_batiment"`
	CodeDepartement    string  `parquet:"code_departement" json:"code_departement"`

	// derived
	Annee int32 `parquet:"annee" json:"annee"`

	RecordID string `parquet:"record_id" json:"record_id"`
}

// QuarantineEntry is one rejected record, written as a JSON line next to the
// silver output so rejects stay inspectable.
type QuarantineEntry struct {
	RecordID string `json:"record_id"`
	Dataset  string `json:"dataset"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
	Payload  string `json:"payload"`
}
