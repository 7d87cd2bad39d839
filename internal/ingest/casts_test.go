package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullifyExpr(t *testing.T) {
	got := NullifyExpr("s.order_id")
	assert.Contains(t, got, "btrim(s.order_id) = ''")
	assert.Contains(t, got, "IN ('NULL','NONE','NIL')")
	assert.Contains(t, got, "ELSE btrim(s.order_id)")
}

func TestCastExprIntegerGuard(t *testing.T) {
	got := CastExpr("s.shift", "int4")
	assert.Contains(t, got, "~ '^[0-9]+$'")
	assert.Contains(t, got, "::integer")
	assert.Contains(t, got, "ELSE NULL END")

	assert.Contains(t, CastExpr("s.n", "int8"), "::bigint")
	assert.Contains(t, CastExpr("s.n", "int2"), "::smallint")
}

func TestCastExprTemporalAndNumeric(t *testing.T) {
	assert.Contains(t, CastExpr("s.created_at", "timestamptz"), "::timestamptz")
	assert.Contains(t, CastExpr("s.since_date", "date"), "::date")
	assert.Contains(t, CastExpr("s.mass", "numeric"), "::numeric")
}

func TestCastExprBool(t *testing.T) {
	got := CastExpr("s.active", "bool")
	assert.Contains(t, got, "('TRUE','T','1','YES','Y')")
	assert.Contains(t, got, "('FALSE','F','0','NO','N')")
	assert.Contains(t, got, "ELSE NULL END")
}

func TestCastExprTextPassThrough(t *testing.T) {
	assert.Equal(t, NullifyExpr("s.name"), CastExpr("s.name", "text"))
}
