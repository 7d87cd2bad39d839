package ingest

import (
	"fmt"
	"strings"
)

// nullLiterals are the spellings the source systems use for "no value",
// matched case-insensitively after trimming.
var nullLiterals = []string{"NULL", "NONE", "NIL"}

// NullifyExpr wraps a staging text column so that empty strings and NULL
// literals become SQL NULL, everything else is trimmed.
func NullifyExpr(col string) string {
	return fmt.Sprintf(
		"CASE WHEN btrim(%[1]s) = '' OR upper(btrim(%[1]s)) IN ('%[2]s') THEN NULL ELSE btrim(%[1]s) END",
		col, strings.Join(nullLiterals, "','"))
}

// isDigits reports whether s is a non-empty run of ASCII digits, the same
// shape the SQL integer guards accept.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// CastExpr builds the SQL expression that converts a nullified staging text
// column into the core column's type. Integers are regex-guarded so junk
// degrades to NULL instead of failing the whole statement; the remaining
// casts raise, which the per-sheet error isolation turns into a sheet
// failure rather than a run failure.
func CastExpr(col, udt string) string {
	n := NullifyExpr(col)
	switch udt {
	case "int2", "int4", "int8":
		sqlType := map[string]string{"int2": "smallint", "int4": "integer", "int8": "bigint"}[udt]
		return fmt.Sprintf("CASE WHEN %s ~ '^[0-9]+$' THEN (%s)::%s ELSE NULL END", n, n, sqlType)
	case "numeric":
		return fmt.Sprintf("(%s)::numeric", n)
	case "date":
		return fmt.Sprintf("(%s)::date", n)
	case "timestamp":
		return fmt.Sprintf("(%s)::timestamp", n)
	case "timestamptz":
		return fmt.Sprintf("(%s)::timestamptz", n)
	case "bool":
		return fmt.Sprintf(
			"CASE WHEN upper(%[1]s) IN ('TRUE','T','1','YES','Y') THEN true"+
				" WHEN upper(%[1]s) IN ('FALSE','F','0','NO','N') THEN false"+
				" ELSE NULL END", n)
	default:
		return n
	}
}
