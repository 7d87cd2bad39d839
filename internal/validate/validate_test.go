package validate

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func contractEntities() []string {
	out := make([]string, 0, len(ExpectedCounts))
	for e := range ExpectedCounts {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// expectCounts queues one core count and one reject count per entity, in
// the validator's alphabetical order.
func expectCounts(mock sqlmock.Sqlmock, core, rejected map[string]int64) {
	for _, entity := range contractEntities() {
		mock.ExpectQuery("SELECT count").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(core[entity]))
		mock.ExpectQuery("SELECT count").WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(rejected[entity]))
	}
}

func exactCounts() (map[string]int64, map[string]int64) {
	core := map[string]int64{}
	rejected := map[string]int64{}
	for entity, n := range ExpectedCounts {
		core[entity] = n - 2
		rejected[entity] = 2
	}
	return core, rejected
}

func TestValidateAllWithinTolerance(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	core, rejected := exactCounts()
	expectCounts(mock, core, rejected)

	v := &Validator{DB: db, Log: zap.NewNop()}
	results, err := v.Validate(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, results, len(ExpectedCounts))
	for _, r := range results {
		assert.True(t, r.OK, r.Entity)
		assert.Equal(t, r.Expected, r.Total, r.Entity)
	}
}

func TestValidateFlagsDrift(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	core, rejected := exactCounts()
	// orders expected 27380; 5% short is outside the 1% tolerance.
	core["orders"] = 26000
	rejected["orders"] = 0
	expectCounts(mock, core, rejected)

	v := &Validator{DB: db, Log: zap.NewNop()}
	results, err := v.Validate(context.Background(), 7)
	require.NoError(t, err)

	var orders *Result
	for i := range results {
		if results[i].Entity == "orders" {
			orders = &results[i]
		}
	}
	require.NotNil(t, orders)
	assert.False(t, orders.OK)
	assert.InDelta(t, 0.0504, orders.DeltaPct, 0.001)
}

func TestSummarizeWritesMismatchReport(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	core, rejected := exactCounts()
	core["phases"] = 0
	rejected["phases"] = 0
	expectCounts(mock, core, rejected)

	dir := t.TempDir()
	v := &Validator{DB: db, DocsDir: dir, Log: zap.NewNop()}
	summary, err := v.Summarize(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "mismatch", summary.Status)
	assert.Equal(t, 1, summary.Mismatches)
	assert.Contains(t, summary.Message, "phases")

	data, err := os.ReadFile(filepath.Join(dir, "CRITICAL_MISMATCHES.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "| phases | 71 | 0 | 0 | 0 |")
}

func TestSummarizeOK(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	core, rejected := exactCounts()
	expectCounts(mock, core, rejected)

	dir := t.TempDir()
	v := &Validator{DB: db, DocsDir: dir, Log: zap.NewNop()}
	summary, err := v.Summarize(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "ok", summary.Status)
	assert.Zero(t, summary.Mismatches)
	assert.NoFileExists(t, filepath.Join(dir, "CRITICAL_MISMATCHES.md"))
}
