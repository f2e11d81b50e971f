package aggregate

// MarketRow is one gold market-indicator row for a (departement, trimestre)
// group: sale volume and price levels from DVF joined with the energy-class
// distribution from DPE.
type MarketRow struct {
	Departement string `parquet:"departement" json:"departement"`
	Annee       int32  `parquet:"annee" json:"annee"`
	Trimestre   string `parquet:"trimestre" json:"trimestre"`

	NbVentes     int64   `parquet:"nb_ventes" json:"nb_ventes"`
	PrixM2Median float64 `parquet:"prix_m2_median" json:"prix_m2_median"`
	PrixM2Mean   float64 `parquet:"prix_m2_mean" json:"prix_m2_mean"`

	DPETotal  int64   `parquet:"dpe_total" json:"dpe_total"`
	ClasseA   int64   `parquet:"classe_a" json:"classe_a"`
	ClasseB   int64   `parquet:"classe_b" json:"classe_b"`
	ClasseC   int64   `parquet:"classe_c" json:"classe_c"`
	ClasseD   int64   `parquet:"classe_d" json:"classe_d"`
	ClasseE   int64   `parquet:"classe_e" json:"classe_e"`
	ClasseF   int64   `parquet:"classe_f" json:"classe_f"`
	ClasseG   int64   `parquet:"classe_g" json:"classe_g"`
	ClasseAPc float64 `parquet:"classe_a_pct" json:"classe_a_pct"`
	ClasseBPc float64 `parquet:"classe_b_pct" json:"classe_b_pct"`
	ClasseCPc float64 `parquet:"classe_c_pct" json:"classe_c_pct"`
	ClasseDPc float64 `parquet:"classe_d_pct" json:"classe_d_pct"`
	ClasseEPc float64 `parquet:"classe_e_pct" json:"classe_e_pct"`
	ClasseFPc float64 `parquet:"classe_f_pct" json:"classe_f_pct"`
	ClasseGPc float64 `parquet:"classe_g_pct" json:"classe_g_pct"`
}

// DesignRow is one hedonic design-matrix row: a single sale with its
// numeric regressors and the energy-class context of its commune. The model
// itself is fitted elsewhere; gold only materializes its inputs.
type DesignRow struct {
	Departement string `parquet:"departement" json:"departement"`
	Annee       int32  `parquet:"annee" json:"annee"`
	Trimestre   string `parquet:"trimestre" json:"trimestre"`
	CodeCommune string `parquet:"code_commune" json:"code_commune"`
	RecordID    string `parquet:"record_id" json:"record_id"`

	LogValeur float64 `parquet:"log_valeur" json:"log_valeur"`
	LogPrixM2 float64 `parquet:"log_prix_m2" json:"log_prix_m2"`
	Surface   float64 `parquet:"surface" json:"surface"`

	// dummies; the omitted reference category is "other building type"
	// and the middle energy classes C-E.
	TypeMaison       int32  `parquet:"type_maison" json:"type_maison"`
	TypeAppartement  int32  `parquet:"type_appartement" json:"type_appartement"`
	CommuneClasse    string `parquet:"commune_classe" json:"commune_classe"`
	ClasseEfficace   int32  `parquet:"classe_efficace" json:"classe_efficace"`     // commune class A or B
	ClasseEnergivore int32  `parquet:"classe_energivore" json:"classe_energivore"` // commune class F or G
}
