package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/models"
)

// fullSource serves a fixed universe with identical flat bar series. Flat
// series match the perfect-order, bollinger, and squeeze rules but not the
// pullback rule (the yearly high is too old).
type fullSource struct {
	symbols []models.Symbol
	bars    []models.Bar
	authErr error
}

func (s *fullSource) Authenticate(ctx context.Context) error { return s.authErr }

func (s *fullSource) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	return s.symbols, nil
}

func (s *fullSource) FetchBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error) {
	return s.bars, nil
}

func (s *fullSource) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	return true, nil
}

type nullCache struct{}

func (nullCache) Get(code string, from, to time.Time, maxAgeDays int) []models.Bar { return nil }
func (nullCache) Put(code string, bars []models.Bar) error                         { return nil }
func (nullCache) Stats() models.CacheStats                                         { return models.CacheStats{} }
func (nullCache) EvictOlderThan(days int) int                                      { return 0 }

type fakeSink struct {
	mu         sync.Mutex
	runs       []models.RunSummary
	detections map[string][]models.Detection
	failRule   string
}

func newFakeSink() *fakeSink {
	return &fakeSink{detections: make(map[string][]models.Detection)}
}

func (s *fakeSink) SaveRun(ctx context.Context, summary models.RunSummary) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary.Rule == s.failRule {
		return "", errors.New("sink unavailable")
	}
	runID := fmt.Sprintf("run-%d", len(s.runs)+1)
	summary.RunID = runID
	s.runs = append(s.runs, summary)
	return runID, nil
}

func (s *fakeSink) SaveDetections(ctx context.Context, runID string, detections []models.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections[runID] = detections
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) runForRule(rule string) *models.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].Rule == rule {
			return &s.runs[i]
		}
	}
	return nil
}

func flatSeries(n int) []models.Bar {
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Date: start.AddDate(0, 0, i), Open: 100, High: 101, Low: 99, Close: 100, Volume: 5000,
		}
	}
	return bars
}

func universe(n int) []models.Symbol {
	symbols := make([]models.Symbol, n)
	for i := range symbols {
		symbols[i] = models.Symbol{
			Code:   fmt.Sprintf("%d%03d0", 1+i%9, i),
			Name:   fmt.Sprintf("Company %d", i),
			Market: models.MarketPrime,
		}
	}
	return symbols
}

func testPipeline(t *testing.T, source *fullSource, sink *fakeSink) *Pipeline {
	t.Helper()
	config := common.NewDefaultConfig()
	config.Screening.Concurrency = 4

	history := NewHistory(filepath.Join(t.TempDir(), "history.json"), 90)
	clock := fixedClock{jstTime(2024, 6, 3, 17, 0)}
	return New(source, nullCache{}, sink, history, clock, common.NewSilentLogger(), config)
}

func TestPipelineRun(t *testing.T) {
	source := &fullSource{symbols: universe(5), bars: flatSeries(260)}
	sink := newFakeSink()
	p := testPipeline(t, source, sink)

	require.NoError(t, p.Run(context.Background()))

	// One summary per rule in the dispatch table; no breakout configured.
	require.Len(t, sink.runs, 4)
	for _, rule := range []string{"perfect_order", "bollinger_band", "200day_pullback", "squeeze"} {
		require.NotNil(t, sink.runForRule(rule), "missing summary for %s", rule)
	}

	po := sink.runForRule("perfect_order")
	assert.Equal(t, 5, po.TotalMatched)
	assert.Equal(t, "2024-06-03", po.TradingDate.Format("2006-01-02"))
	assert.Equal(t, "all", po.MarketFilter)

	// Flat series never pass the pullback recency gate.
	assert.Equal(t, 0, sink.runForRule("200day_pullback").TotalMatched)

	// Detections were persisted under the perfect-order run's id.
	assert.Len(t, sink.detections[po.RunID], 5)
}

func TestPipelineRecordsHistory(t *testing.T) {
	source := &fullSource{symbols: universe(5), bars: flatSeries(260)}
	sink := newFakeSink()
	p := testPipeline(t, source, sink)

	require.NoError(t, p.Run(context.Background()))

	entries, err := p.history.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2024-06-03", entries[0].Date)
	assert.Equal(t, int64(5), entries[0].Processed)
	assert.Equal(t, 5, entries[0].Rules["perfect_order"].Matched)
}

func TestPipelineAuthFailureIsFatal(t *testing.T) {
	source := &fullSource{symbols: universe(2), bars: flatSeries(260), authErr: errors.New("bad token")}
	p := testPipeline(t, source, newFakeSink())

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticating")
}

func TestPipelineSummaryFailureReturnsError(t *testing.T) {
	source := &fullSource{symbols: universe(3), bars: flatSeries(260)}
	sink := newFakeSink()
	sink.failRule = "squeeze"
	p := testPipeline(t, source, sink)

	err := p.Run(context.Background())
	require.Error(t, err)

	// The other rules were still persisted.
	assert.NotNil(t, sink.runForRule("perfect_order"))
	assert.Nil(t, sink.runForRule("squeeze"))
}

func TestPipelineBreakoutSlot(t *testing.T) {
	source := &fullSource{symbols: universe(3), bars: flatSeries(260)}
	sink := newFakeSink()
	p := testPipeline(t, source, sink)
	p.BreakoutMinBars = 50
	p.Breakout = func(symbol models.Symbol, bars []models.Bar) *models.Detection {
		return &models.Detection{Code: symbol.Code, Close: bars[len(bars)-1].Close}
	}

	require.NoError(t, p.Run(context.Background()))

	run := sink.runForRule("breakout")
	require.NotNil(t, run)
	assert.Equal(t, 3, run.TotalMatched)
}

func TestSortDetections(t *testing.T) {
	t.Run("squeeze by duration descending", func(t *testing.T) {
		detections := []models.Detection{
			{Code: "1", Attrs: map[string]string{"squeeze_duration": "5"}},
			{Code: "2", Attrs: map[string]string{"squeeze_duration": "22"}},
			{Code: "3", Attrs: map[string]string{"squeeze_duration": "11"}},
		}
		sortDetections("squeeze", detections)
		assert.Equal(t, []string{"2", "3", "1"}, []string{detections[0].Code, detections[1].Code, detections[2].Code})
	})

	t.Run("pullback by depth ascending", func(t *testing.T) {
		detections := []models.Detection{
			{Code: "1", PullbackPct: models.Float64Ptr(12.5)},
			{Code: "2", PullbackPct: models.Float64Ptr(2.1)},
			{Code: "3"}, // missing depth sorts last
		}
		sortDetections("200day_pullback", detections)
		assert.Equal(t, "2", detections[0].Code)
		assert.Equal(t, "3", detections[2].Code)
	})

	t.Run("default by code", func(t *testing.T) {
		detections := []models.Detection{{Code: "9"}, {Code: "1"}, {Code: "5"}}
		sortDetections("perfect_order", detections)
		assert.Equal(t, "1", detections[0].Code)
	})
}
