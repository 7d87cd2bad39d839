package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrTableNotFound is returned when a required table resolves in none of the
// candidate schemas. The merger treats it as run-fatal.
var ErrTableNotFound = fmt.Errorf("table not found")

// ResolveTable finds the schema-qualified name of a table. A name that is
// already qualified is only verified. Unqualified names are tried against
// each candidate schema in order, then bare (current search_path).
func ResolveTable(ctx context.Context, q Querier, raw string, schemas []string) (string, error) {
	if strings.Contains(raw, ".") {
		ok, err := regclassExists(ctx, q, raw)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrTableNotFound, raw)
		}
		return raw, nil
	}
	for _, s := range schemas {
		qualified := s + "." + raw
		ok, err := regclassExists(ctx, q, qualified)
		if err != nil {
			return "", err
		}
		if ok {
			return qualified, nil
		}
	}
	ok, err := regclassExists(ctx, q, raw)
	if err != nil {
		return "", err
	}
	if ok {
		return raw, nil
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrTableNotFound, raw, strings.Join(schemas, ", "))
}

func regclassExists(ctx context.Context, q Querier, qualified string) (bool, error) {
	var reg sql.NullString
	if err := q.QueryRowContext(ctx, "SELECT to_regclass($1)::text", qualified).Scan(&reg); err != nil {
		return false, fmt.Errorf("to_regclass(%s): %w", qualified, err)
	}
	return reg.Valid && reg.String != "", nil
}

// SplitQualified splits "schema.table" into its parts, defaulting the schema
// to public.
func SplitQualified(qualified string) (schema, table string) {
	if i := strings.Index(qualified, "."); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "public", qualified
}

// Column describes one target column as the catalog sees it.
type Column struct {
	Name     string
	UDT      string // udt_name: int4, numeric, timestamptz, bool, text, ...
	Nullable bool
}

// ColumnTypes reads name, UDT and nullability for every column of a table,
// in ordinal order.
func ColumnTypes(ctx context.Context, q Querier, qualified string) ([]Column, error) {
	schema, table := SplitQualified(qualified)
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, udt_name, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("column types of %s: %w", qualified, err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.UDT, &nullable); err != nil {
			return nil, err
		}
		c.Nullable = nullable == "YES"
		out = append(out, c)
	}
	return out, rows.Err()
}

// UniqueSet is one unique constraint, primary key, or unique index on a
// table, as a candidate ON CONFLICT target.
type UniqueSet struct {
	Kind    string // PK, UNIQUE, UNIQUE_INDEX
	Columns []string
}

// UniqueSets enumerates primary key and unique constraints from
// pg_constraint, then unique indexes from pg_index. The merger prefers an
// exact match against the declared conflict key, then falls back to the PK.
func UniqueSets(ctx context.Context, q Querier, qualified string) ([]UniqueSet, error) {
	schema, table := SplitQualified(qualified)

	var out []UniqueSet
	rows, err := q.QueryContext(ctx, `
		SELECT c.contype::text,
		       array_agg(a.attname ORDER BY array_position(c.conkey, a.attnum)) AS cols
		FROM pg_constraint c
		JOIN pg_class t ON c.conrelid = t.oid
		JOIN pg_namespace n ON t.relnamespace = n.oid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(c.conkey)
		WHERE n.nspname = $1 AND t.relname = $2 AND c.contype IN ('p','u')
		GROUP BY c.contype, c.conkey`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("unique constraints of %s: %w", qualified, err)
	}
	for rows.Next() {
		var contype string
		var cols pq.StringArray
		if err := rows.Scan(&contype, &cols); err != nil {
			rows.Close()
			return nil, err
		}
		kind := "UNIQUE"
		if contype == "p" {
			kind = "PK"
		}
		out = append(out, UniqueSet{Kind: kind, Columns: cols})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `
		SELECT array_agg(a.attname ORDER BY array_position(i.indkey, a.attnum)) AS cols
		FROM pg_index i
		JOIN pg_class t ON i.indrelid = t.oid
		JOIN pg_namespace n ON t.relnamespace = n.oid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = $1 AND t.relname = $2 AND i.indisunique = true
		GROUP BY i.indkey`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("unique indexes of %s: %w", qualified, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cols pq.StringArray
		if err := rows.Scan(&cols); err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			out = append(out, UniqueSet{Kind: "UNIQUE_INDEX", Columns: cols})
		}
	}
	return out, rows.Err()
}

// FunctionExists reports whether a SQL function is installed, used to pick
// the digest path for error fingerprints.
func FunctionExists(ctx context.Context, q Querier, name string) (bool, error) {
	var reg sql.NullString
	if err := q.QueryRowContext(ctx, "SELECT to_regproc($1)::text", name).Scan(&reg); err != nil {
		return false, fmt.Errorf("to_regproc(%s): %w", name, err)
	}
	return reg.Valid && reg.String != "", nil
}
