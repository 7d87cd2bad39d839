package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodplan/prodplan/internal/storage/postgres"
)

func TestSheetOrderCatalogsBeforeFacts(t *testing.T) {
	order := make([]string, len(Sheets))
	for i, s := range Sheets {
		order[i] = s.Entity
	}
	assert.Equal(t, []string{
		"phases", "products", "workers", "worker_phase_skills",
		"product_phase_standards", "orders", "order_phases",
		"phase_workers", "errors",
	}, order)
}

func TestSheetByName(t *testing.T) {
	s, ok := SheetByName("FasesOrdemFabrico")
	require.True(t, ok)
	assert.Equal(t, "order_phases", s.Entity)

	_, ok = SheetByName("NoSuchSheet")
	assert.False(t, ok)
}

func TestNullPredicate(t *testing.T) {
	assert.Empty(t, nullPredicate(nil))

	// The nullify expression carries its own OR internally, so the column
	// count shows up in the number of IS NULL checks, not in the joins.
	got := nullPredicate([]string{"order_id"})
	assert.Contains(t, got, "btrim(s.order_id)")
	assert.Equal(t, 1, strings.Count(got, "IS NULL"))

	got = nullPredicate([]string{"worker_id", "phase_id"})
	assert.Equal(t, 2, strings.Count(got, "IS NULL"))
	assert.Contains(t, got, "s.worker_id")
	assert.Contains(t, got, "s.phase_id")
}

func TestRequiredColumnsDerivedFromCatalog(t *testing.T) {
	spec, ok := SheetByName("OrdensFabrico")
	require.True(t, ok)
	cols := []postgres.Column{
		{Name: "order_id", UDT: "text", Nullable: false},
		{Name: "created_at", UDT: "timestamptz", Nullable: false},
		{Name: "finished_at", UDT: "timestamptz", Nullable: true},
		{Name: "product_id", UDT: "int8", Nullable: true},
		{Name: "phase_id", UDT: "int8", Nullable: true},
		{Name: "transport_at", UDT: "timestamptz", Nullable: true},
	}

	// order_id is the conflict key, so only created_at remains.
	assert.Equal(t, []string{"created_at"}, requiredColumns(spec, cols))

	// Tightening a column in a migration pulls it into the check with no
	// code change.
	cols[3].Nullable = false
	assert.Equal(t, []string{"created_at", "product_id"}, requiredColumns(spec, cols))

	errSpec, ok := SheetByName("OrdemFabricoErros")
	require.True(t, ok)
	assert.Empty(t, requiredColumns(errSpec, nil))
}

func TestCastNullPredicate(t *testing.T) {
	assert.Empty(t, castNullPredicate(nil, nil))

	got := castNullPredicate([]string{"created_at"}, map[string]string{"created_at": "timestamptz"})
	assert.Contains(t, got, "::timestamptz")
	assert.Contains(t, got, ") IS NULL")

	got = castNullPredicate([]string{"name", "created_at"},
		map[string]string{"name": "text", "created_at": "timestamptz"})
	assert.Equal(t, 2, strings.Count(got, ") IS NULL"))
}

func TestErrorsConflictUpdatesDuplicate(t *testing.T) {
	assert.Contains(t, errorsConflictClause, "ON CONFLICT (fingerprint, order_id) DO UPDATE SET")
	assert.NotContains(t, errorsConflictClause, "DO NOTHING")
	// A re-sent error refreshes its descriptive fields.
	for _, col := range []string{"eval_phase_id", "severity", "description",
		"eval_phase_event_id", "blamed_phase_event_id"} {
		assert.Contains(t, errorsConflictClause, col+" = EXCLUDED."+col)
	}
	// Identity and first-sighting columns never move.
	assert.NotContains(t, errorsConflictClause, "fingerprint = EXCLUDED")
	assert.NotContains(t, errorsConflictClause, "order_id = EXCLUDED")
	assert.NotContains(t, errorsConflictClause, "event_time")
}

func TestBuildUpsertSQLOrders(t *testing.T) {
	spec, ok := SheetByName("OrdensFabrico")
	require.True(t, ok)
	udt := map[string]string{
		"order_id": "text", "created_at": "timestamptz", "finished_at": "timestamptz",
		"product_id": "int8", "phase_id": "int8", "transport_at": "timestamptz",
	}

	got := buildUpsertSQL("staging.orders_raw", "core.orders", spec, udt, spec.ConflictKey)

	assert.Contains(t, got, "INSERT INTO core.orders (order_id, created_at, finished_at, product_id, phase_id, transport_at)")
	assert.Contains(t, got, "SELECT DISTINCT ON (")
	assert.Contains(t, got, "FROM staging.orders_raw s")
	assert.Contains(t, got, "s._rn DESC")
	assert.Contains(t, got, "ON CONFLICT (order_id) DO UPDATE SET")
	// The key column is never in the update list.
	assert.NotContains(t, got, "order_id = EXCLUDED.order_id")
	assert.Contains(t, got, "transport_at = EXCLUDED.transport_at")
	// Typed casts, not raw text.
	assert.Contains(t, got, "::timestamptz")
	assert.Contains(t, got, "::bigint")
}

func TestBuildUpsertSQLPhaseEvents(t *testing.T) {
	spec, ok := SheetByName("FasesOrdemFabrico")
	require.True(t, ok)
	udt := map[string]string{
		"phase_event_id": "text", "order_id": "text", "started_at": "timestamptz",
		"finished_at": "timestamptz", "planned_date": "timestamptz",
		"coefficient": "numeric", "coefficient_x": "numeric", "phase_id": "int8",
		"mass": "numeric", "returned": "int4", "shift": "int4", "sequence": "int4",
	}

	got := buildUpsertSQL("staging.order_phases_raw", "core.order_phases", spec, udt, spec.ConflictKey)

	assert.Contains(t, got, "ON CONFLICT (phase_event_id, finished_at) DO UPDATE SET")
	assert.NotContains(t, got, "phase_event_id = EXCLUDED.phase_event_id")
	assert.NotContains(t, got, "finished_at = EXCLUDED.finished_at")
	assert.Contains(t, got, "mass = EXCLUDED.mass")
}

func TestBuildUpsertSQLAllKeyColumnsDoesNothing(t *testing.T) {
	spec := SheetSpec{
		Columns:     []ColumnMap{{"A", "a"}, {"B", "b"}},
		ConflictKey: []string{"a", "b"},
	}
	udt := map[string]string{"a": "text", "b": "text"}

	got := buildUpsertSQL("staging.t_raw", "core.t", spec, udt, spec.ConflictKey)
	assert.Contains(t, got, "DO NOTHING")
	assert.NotContains(t, got, "DO UPDATE")
}

func TestEqualStrings(t *testing.T) {
	assert.True(t, equalStrings([]string{"a", "b"}, []string{"a", "b"}))
	assert.False(t, equalStrings([]string{"a"}, []string{"a", "b"}))
	assert.False(t, equalStrings([]string{"a", "b"}, []string{"a", "c"}))
}
