package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTablePrefersFirstSchema(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("to_regclass").WithArgs("core.orders").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("core.orders"))

	got, err := ResolveTable(context.Background(), db, "orders", []string{"core", "public"})
	require.NoError(t, err)
	assert.Equal(t, "core.orders", got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveTableFallsThroughSchemas(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	nilRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil)
	}
	mock.ExpectQuery("to_regclass").WithArgs("core.cache_version").WillReturnRows(nilRow())
	mock.ExpectQuery("to_regclass").WithArgs("public.cache_version").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("cache_version"))

	got, err := ResolveTable(context.Background(), db, "cache_version", []string{"core", "public"})
	require.NoError(t, err)
	assert.Equal(t, "public.cache_version", got)
}

func TestResolveTableNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	nilRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil)
	}
	mock.ExpectQuery("to_regclass").WillReturnRows(nilRow())
	mock.ExpectQuery("to_regclass").WillReturnRows(nilRow())
	mock.ExpectQuery("to_regclass").WillReturnRows(nilRow())

	_, err = ResolveTable(context.Background(), db, "missing", []string{"core", "public"})
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestSplitQualified(t *testing.T) {
	s, tbl := SplitQualified("core.orders")
	assert.Equal(t, "core", s)
	assert.Equal(t, "orders", tbl)

	s, tbl = SplitQualified("orders")
	assert.Equal(t, "public", s)
	assert.Equal(t, "orders", tbl)
}

func TestColumnTypes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").WithArgs("core", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "udt_name", "is_nullable"}).
			AddRow("order_id", "text", "NO").
			AddRow("phase_id", "int8", "YES").
			AddRow("created_at", "timestamptz", "NO"))

	cols, err := ColumnTypes(context.Background(), db, "core.orders")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, Column{Name: "order_id", UDT: "text", Nullable: false}, cols[0])
	assert.Equal(t, Column{Name: "phase_id", UDT: "int8", Nullable: true}, cols[1])
}

func TestUniqueSets(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_constraint").WithArgs("core", "phase_workers").
		WillReturnRows(sqlmock.NewRows([]string{"contype", "cols"}).
			AddRow("p", "{phase_event_id,worker_id}"))
	mock.ExpectQuery("pg_index").WithArgs("core", "phase_workers").
		WillReturnRows(sqlmock.NewRows([]string{"cols"}).
			AddRow("{phase_event_id,worker_id}"))

	sets, err := UniqueSets(context.Background(), db, "core.phase_workers")
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "PK", sets[0].Kind)
	assert.Equal(t, []string{"phase_event_id", "worker_id"}, sets[0].Columns)
	assert.Equal(t, "UNIQUE_INDEX", sets[1].Kind)
}

func TestFunctionExists(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("to_regproc").WithArgs("public.error_fingerprint").
		WillReturnRows(sqlmock.NewRows([]string{"to_regproc"}).AddRow("error_fingerprint"))

	ok, err := FunctionExists(context.Background(), db, "public.error_fingerprint")
	require.NoError(t, err)
	assert.True(t, ok)
}
