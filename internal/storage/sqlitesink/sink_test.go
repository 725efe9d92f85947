package sqlitesink

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfujita/kabuscreen/internal/models"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "screening.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSummary() models.RunSummary {
	return models.RunSummary{
		UserID:       "00000000-0000-0000-0000-000000000001",
		Rule:         "perfect_order",
		TradingDate:  time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		MarketFilter: "all",
		TotalMatched: 42,
		ExecMillis:   15000,
	}
}

func TestSaveRun(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	runID, err := s.SaveRun(ctx, testSummary())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	var rule, date string
	var total int
	err = s.db.QueryRow(
		"SELECT rule, trading_date, total_matched FROM screening_runs WHERE id = ?", runID,
	).Scan(&rule, &date, &total)
	require.NoError(t, err)
	assert.Equal(t, "perfect_order", rule)
	assert.Equal(t, "2024-06-03", date)
	assert.Equal(t, 42, total)
}

func TestSaveRunGeneratesDistinctIDs(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	a, err := s.SaveRun(ctx, testSummary())
	require.NoError(t, err)
	b, err := s.SaveRun(ctx, testSummary())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSaveDetections(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	runID, err := s.SaveRun(ctx, testSummary())
	require.NoError(t, err)

	detections := []models.Detection{
		{
			Code:           "72030",
			Name:           "トヨタ自動車",
			Market:         models.MarketPrime,
			Rule:           "perfect_order",
			Date:           time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			Close:          3100,
			Volume:         1234567,
			EMA10:          models.Float64Ptr(3050),
			EMA20:          models.Float64Ptr(3000),
			EMA50:          models.Float64Ptr(2900),
			SMA200:         models.Float64Ptr(2800),
			SMA200Position: "above",
			Attrs:          map[string]string{"divergence_pct": "6.90"},
		},
		{
			Code:   "43850",
			Name:   "メルカリ",
			Market: models.MarketGrowth,
			Rule:   "perfect_order",
			Date:   time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			Close:  2200,
			Volume: 98765,
			// optional columns absent
		},
	}

	require.NoError(t, s.SaveDetections(ctx, runID, detections))

	rows, err := s.db.Query(
		"SELECT code, market, ema_10, sma200_position, attrs FROM detected_stocks WHERE run_id = ? ORDER BY code", runID)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		code, market string
		ema10        sql.NullFloat64
		position     sql.NullString
		attrs        sql.NullString
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.code, &r.market, &r.ema10, &r.position, &r.attrs))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "43850", got[0].code)
	assert.Equal(t, "growth", got[0].market)
	assert.False(t, got[0].ema10.Valid)
	assert.False(t, got[0].attrs.Valid)

	assert.Equal(t, "72030", got[1].code)
	assert.True(t, got[1].ema10.Valid)
	assert.Equal(t, 3050.0, got[1].ema10.Float64)
	assert.Equal(t, "above", got[1].position.String)
	assert.Contains(t, got[1].attrs.String, "divergence_pct")
}

func TestSaveDetectionsEmptyIsNoop(t *testing.T) {
	s := newTestSink(t)
	require.NoError(t, s.SaveDetections(context.Background(), "run-x", nil))
}

func TestSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screening.db")

	first, err := New(path)
	require.NoError(t, err)
	runID, err := first.SaveRun(context.Background(), testSummary())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening must keep existing rows.
	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.db.QueryRow(
		"SELECT COUNT(*) FROM screening_runs WHERE id = ?", runID).Scan(&count))
	assert.Equal(t, 1, count)
}
