// Package ingest implements the three-stage pipeline: extract sheets to
// csv.gz, bulk-load them into all-text staging tables, and merge staging
// into the typed core tables with per-row reject classification.
package ingest

// ColumnMap binds one source header to its staging/core column. Staging and
// core share column names, so a single mapping serves both stages.
type ColumnMap struct {
	Source string
	Target string
}

// SheetSpec declares everything the pipeline knows about one sheet: where it
// comes from, where it lands, its conflict key and validation rules. Order
// of Columns is the COPY column order.
type SheetSpec struct {
	// Sheet is the source sheet name, kept as the factory systems export it.
	Sheet string
	// Entity is the English entity name; rejects land in <Entity>_rejects.
	Entity       string
	StagingTable string
	CoreTable    string
	Columns      []ColumnMap
	// ConflictKey is the intended ON CONFLICT target. It must match a
	// unique set discovered in the catalog at merge time.
	ConflictKey []string
	// NullCheck lists the conflict-key columns that reject the row when
	// NULL after nullification. A conflict column absent here (for example
	// finished_at on phase events) tolerates NULL. Non-key required columns
	// are not declared; the merge derives them from catalog nullability.
	NullCheck []string
	// TimeRange enables the started_at/finished_at ordering check.
	TimeRange bool
	// WorkerFK enables the worker foreign key check against the workers
	// catalog merged earlier in the run.
	WorkerFK bool
	// ErrorRules enables the severity-domain and fingerprint handling
	// specific to the errors entity.
	ErrorRules bool
}

// Sheets is the canonical pipeline order: catalogs first, then facts in
// dependency order, errors last.
var Sheets = []SheetSpec{
	{
		Sheet:        "Fases",
		Entity:       "phases",
		StagingTable: "staging.phases_raw",
		CoreTable:    "phases",
		Columns: []ColumnMap{
			{"Fase_Id", "phase_id"},
			{"Fase_Nome", "name"},
			{"Fase_Sequencia", "sequence"},
			{"Fase_DeProducao", "is_production"},
			{"Fase_Automatica", "is_automatic"},
		},
		ConflictKey: []string{"phase_id"},
		NullCheck:   []string{"phase_id"},
	},
	{
		Sheet:        "Modelos",
		Entity:       "products",
		StagingTable: "staging.products_raw",
		CoreTable:    "products",
		Columns: []ColumnMap{
			{"Produto_Id", "product_id"},
			{"Produto_Nome", "name"},
			{"Produto_PesoDesmolde", "weight_demold"},
			{"Produto_PesoAcabamento", "weight_finish"},
			{"Produto_QtdGelDeck", "qty_gel_deck"},
			{"Produto_QtdGelCasco", "qty_gel_hull"},
		},
		ConflictKey: []string{"product_id"},
		NullCheck:   []string{"product_id"},
	},
	{
		Sheet:        "Funcionarios",
		Entity:       "workers",
		StagingTable: "staging.workers_raw",
		CoreTable:    "workers",
		Columns: []ColumnMap{
			{"Funcionario_Id", "worker_id"},
			{"Funcionario_Nome", "name"},
			{"Funcionario_Activo", "active"},
		},
		ConflictKey: []string{"worker_id"},
		NullCheck:   []string{"worker_id"},
	},
	{
		Sheet:        "FuncionariosFasesAptos",
		Entity:       "worker_phase_skills",
		StagingTable: "staging.worker_phase_skills_raw",
		CoreTable:    "worker_phase_skills",
		Columns: []ColumnMap{
			{"FuncionarioFase_FuncionarioId", "worker_id"},
			{"FuncionarioFase_FaseId", "phase_id"},
			{"FuncionarioFase_Inicio", "since_date"},
		},
		ConflictKey: []string{"worker_id", "phase_id"},
		NullCheck:   []string{"worker_id", "phase_id"},
	},
	{
		Sheet:        "FasesStandardModelos",
		Entity:       "product_phase_standards",
		StagingTable: "staging.product_phase_standards_raw",
		CoreTable:    "product_phase_standards",
		Columns: []ColumnMap{
			{"ProdutoFase_ProdutoId", "product_id"},
			{"ProdutoFase_FaseId", "phase_id"},
			{"ProdutoFase_Sequencia", "sequence"},
			{"ProdutoFase_Coeficiente", "coefficient"},
			{"ProdutoFase_CoeficienteX", "coefficient_x"},
		},
		ConflictKey: []string{"product_id", "phase_id"},
		NullCheck:   []string{"product_id", "phase_id"},
	},
	{
		Sheet:        "OrdensFabrico",
		Entity:       "orders",
		StagingTable: "staging.orders_raw",
		CoreTable:    "orders",
		Columns: []ColumnMap{
			{"Of_Id", "order_id"},
			{"Of_DataCriacao", "created_at"},
			{"Of_DataAcabamento", "finished_at"},
			{"Of_ProdutoId", "product_id"},
			{"Of_FaseId", "phase_id"},
			{"Of_DataTransporte", "transport_at"},
		},
		ConflictKey: []string{"order_id"},
		NullCheck:   []string{"order_id"},
	},
	{
		Sheet:        "FasesOrdemFabrico",
		Entity:       "order_phases",
		StagingTable: "staging.order_phases_raw",
		CoreTable:    "order_phases",
		Columns: []ColumnMap{
			{"FaseOf_Id", "phase_event_id"},
			{"FaseOf_OfId", "order_id"},
			{"FaseOf_Inicio", "started_at"},
			{"FaseOf_Fim", "finished_at"},
			{"FaseOf_DataPrevista", "planned_date"},
			{"FaseOf_Coeficiente", "coefficient"},
			{"FaseOf_CoeficienteX", "coefficient_x"},
			{"FaseOf_FaseId", "phase_id"},
			{"FaseOf_Peso", "mass"},
			{"FaseOf_Retorno", "returned"},
			{"FaseOf_Turno", "shift"},
			{"FaseOf_Sequencia", "sequence"},
		},
		// finished_at completes the key because the table is partitioned
		// on it; NULL finished_at is a legitimate open event.
		ConflictKey: []string{"phase_event_id", "finished_at"},
		NullCheck:   []string{"phase_event_id"},
		TimeRange:   true,
	},
	{
		Sheet:        "FuncionariosFaseOrdemFabrico",
		Entity:       "phase_workers",
		StagingTable: "staging.phase_workers_raw",
		CoreTable:    "phase_workers",
		Columns: []ColumnMap{
			{"FuncionarioFaseOf_FaseOfId", "phase_event_id"},
			{"FuncionarioFaseOf_FuncionarioId", "worker_id"},
			{"FuncionarioFaseOf_Chefe", "is_chief"},
		},
		ConflictKey: []string{"phase_event_id", "worker_id"},
		NullCheck:   []string{"phase_event_id", "worker_id"},
		WorkerFK:    true,
	},
	{
		Sheet:        "OrdemFabricoErros",
		Entity:       "errors",
		StagingTable: "staging.errors_raw",
		CoreTable:    "errors",
		Columns: []ColumnMap{
			{"Erro_Descricao", "description"},
			{"Erro_OfId", "order_id"},
			{"Erro_FaseAvaliacao", "eval_phase_id"},
			{"OFCH_GRAVIDADE", "severity"},
			{"Erro_FaseOfAvaliacao", "eval_phase_event_id"},
			{"Erro_FaseOfCulpada", "blamed_phase_event_id"},
		},
		ConflictKey: []string{"fingerprint", "order_id"},
		ErrorRules:  true,
	},
}

// SheetByName returns the spec for a source sheet name.
func SheetByName(name string) (SheetSpec, bool) {
	for _, s := range Sheets {
		if s.Sheet == name {
			return s, true
		}
	}
	return SheetSpec{}, false
}

// Targets returns the target column names in declaration order.
func (s SheetSpec) Targets() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Target
	}
	return out
}
