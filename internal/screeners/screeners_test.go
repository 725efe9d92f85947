package screeners

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/models"
)

var testSymbol = models.Symbol{Code: "7203", Name: "Test Motor", Market: models.MarketPrime}

// flatBars builds n identical bars around the given close.
func flatBars(n int, close, rangeHalf float64) []models.Bar {
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Date:   start.AddDate(0, 0, i),
			Open:   close,
			High:   close + rangeHalf,
			Low:    close - rangeHalf,
			Close:  close,
			Volume: 10000,
		}
	}
	return bars
}

// trendBars builds n bars whose close rises by step each day.
func trendBars(n int, start, step float64) []models.Bar {
	startDate := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = models.Bar{
			Date:   startDate.AddDate(0, 0, i),
			Open:   c - step/2,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 10000,
		}
	}
	return bars
}

func TestPerfectOrderRule(t *testing.T) {
	t.Run("steady uptrend matches", func(t *testing.T) {
		rule := NewPerfectOrderRule("all")
		bars := trendBars(250, 100, 0.2)

		d := rule.Evaluate(testSymbol, bars)
		require.NotNil(t, d)
		assert.Equal(t, "perfect_order", d.Rule)
		require.NotNil(t, d.EMA10)
		require.NotNil(t, d.EMA50)
		assert.GreaterOrEqual(t, d.Close, *d.EMA10)
		assert.GreaterOrEqual(t, *d.EMA10, *d.EMA20)
		assert.GreaterOrEqual(t, *d.EMA20, *d.EMA50)
		assert.Equal(t, "above", d.SMA200Position)
	})

	t.Run("downtrend does not match", func(t *testing.T) {
		rule := NewPerfectOrderRule("all")
		bars := trendBars(250, 200, -0.2)

		assert.Nil(t, rule.Evaluate(testSymbol, bars))
	})

	t.Run("over-extended price is rejected", func(t *testing.T) {
		rule := NewPerfectOrderRule("all")
		bars := trendBars(250, 100, 0.2)
		// Spike the final close 50% above trend.
		bars[249].Close *= 1.5
		bars[249].High = bars[249].Close + 1

		assert.Nil(t, rule.Evaluate(testSymbol, bars))
	})

	t.Run("sma200 filter excludes wrong side", func(t *testing.T) {
		bars := trendBars(250, 100, 0.2)

		assert.NotNil(t, NewPerfectOrderRule("above").Evaluate(testSymbol, bars))
		assert.Nil(t, NewPerfectOrderRule("below").Evaluate(testSymbol, bars))
	})

	t.Run("short history does not match", func(t *testing.T) {
		bars := trendBars(150, 100, 0.2)

		assert.Nil(t, NewPerfectOrderRule("all").Evaluate(testSymbol, bars))
	})
}

func TestBollingerTouchRule(t *testing.T) {
	// Alternating closes give the bands enough width that normal days stay
	// inside them.
	makeBars := func() []models.Bar {
		bars := flatBars(30, 100, 0.5)
		for i := range bars {
			if i%2 == 1 {
				bars[i].Close = 102
				bars[i].Open = 102
				bars[i].High = 102.5
				bars[i].Low = 101.5
			}
		}
		return bars
	}

	rule := NewBollingerTouchRule()

	t.Run("inside the bands does not match", func(t *testing.T) {
		assert.Nil(t, rule.Evaluate(testSymbol, makeBars()))
	})

	t.Run("upper touch", func(t *testing.T) {
		bars := makeBars()
		bars[29].Close = 110
		bars[29].High = 111

		d := rule.Evaluate(testSymbol, bars)
		require.NotNil(t, d)
		assert.Equal(t, "upper", d.TouchDirection)
		require.NotNil(t, d.BBUpper)
		assert.GreaterOrEqual(t, bars[29].Close, *d.BBUpper)
	})

	t.Run("lower touch", func(t *testing.T) {
		bars := makeBars()
		bars[29].Close = 90
		bars[29].Low = 89

		d := rule.Evaluate(testSymbol, bars)
		require.NotNil(t, d)
		assert.Equal(t, "lower", d.TouchDirection)
	})
}

func TestPullbackRule(t *testing.T) {
	logger := common.NewSilentLogger()

	// A flat series whose last bar prints a marginal new high and whose
	// range straddles every EMA.
	makeMatch := func() []models.Bar {
		bars := flatBars(260, 100, 1)
		bars[259].High = 102
		return bars
	}

	t.Run("shallow pullback touching EMAs matches", func(t *testing.T) {
		rule := NewPullbackRule("all", false, "", logger)
		d := rule.Evaluate(testSymbol, makeMatch())
		require.NotNil(t, d)
		assert.Equal(t, "200day_pullback", d.Rule)
		assert.Equal(t, "10EMA,20EMA,50EMA", d.TouchEMA)
		require.NotNil(t, d.Week52High)
		assert.Equal(t, 102.0, *d.Week52High)
		require.NotNil(t, d.PullbackPct)
		assert.InDelta(t, 100*2.0/102.0, *d.PullbackPct, 1e-9)
	})

	t.Run("stale high is rejected", func(t *testing.T) {
		rule := NewPullbackRule("all", false, "", logger)
		bars := flatBars(260, 100, 1)
		bars[150].High = 150 // high printed 109 bars ago

		assert.Nil(t, rule.Evaluate(testSymbol, bars))
		assert.Equal(t, int64(1), rule.Stats.HasData.Load())
		assert.Equal(t, int64(0), rule.Stats.RecentHigh.Load())
	})

	t.Run("deep pullback is rejected", func(t *testing.T) {
		rule := NewPullbackRule("all", false, "", logger)
		bars := flatBars(260, 100, 1)
		bars[250].High = 150 // recent high, but 33% above the close

		assert.Nil(t, rule.Evaluate(testSymbol, bars))
		assert.Equal(t, int64(1), rule.Stats.RecentHigh.Load())
		assert.Equal(t, int64(0), rule.Stats.Within30Pct.Load())
	})

	t.Run("insufficient history is rejected", func(t *testing.T) {
		rule := NewPullbackRule("all", false, "", logger)
		assert.Nil(t, rule.Evaluate(testSymbol, flatBars(150, 100, 1)))
		assert.Equal(t, int64(0), rule.Stats.HasData.Load())
	})

	t.Run("ema filter narrows touches", func(t *testing.T) {
		// All EMAs sit at 100 here, so every filter value matches.
		d := NewPullbackRule("20ema", false, "", logger).Evaluate(testSymbol, makeMatch())
		assert.NotNil(t, d)
	})

	t.Run("ema filter rejects when only another ema is touched", func(t *testing.T) {
		// A steady climb keeps the EMAs stacked apart; the last bar's range
		// straddles EMA10 only.
		bars := trendBars(260, 100, 0.2)

		d := NewPullbackRule("10ema", false, "", logger).Evaluate(testSymbol, bars)
		require.NotNil(t, d)
		assert.Equal(t, "10EMA", d.TouchEMA)

		assert.Nil(t, NewPullbackRule("20ema", false, "", logger).Evaluate(testSymbol, bars))
		assert.Nil(t, NewPullbackRule("50ema", false, "", logger).Evaluate(testSymbol, bars))
	})

	t.Run("stochastic gate requires an oversold close", func(t *testing.T) {
		rule := NewPullbackRule("all", true, "", logger)

		// Closing mid-range leaves %K well above the oversold bound.
		assert.Nil(t, rule.Evaluate(testSymbol, makeMatch()))

		// Closing near the window low brings %K under it.
		bars := makeMatch()
		bars[259].Low = 98.8
		bars[259].Close = 99.2

		d := rule.Evaluate(testSymbol, bars)
		require.NotNil(t, d)
		require.NotNil(t, d.StochK)
		assert.InDelta(t, 12.5, *d.StochK, 1e-9)
	})

	t.Run("gate stats track the funnel", func(t *testing.T) {
		rule := NewPullbackRule("all", false, "", logger)
		rule.Evaluate(testSymbol, makeMatch())
		rule.Evaluate(testSymbol, flatBars(10, 100, 1))

		stats := rule.Stats.Snapshot()
		assert.Equal(t, int64(2), stats["total"])
		assert.Equal(t, int64(1), stats["has_data"])
		assert.Equal(t, int64(1), stats["passed_all"])
	})
}

func TestSqueezeRule(t *testing.T) {
	rule := NewSqueezeRule(1.4)

	t.Run("sustained compression matches", func(t *testing.T) {
		d := rule.Evaluate(testSymbol, flatBars(120, 100, 1))
		require.NotNil(t, d)
		assert.Equal(t, "squeeze", d.Rule)
		assert.Equal(t, "30", d.Attrs["squeeze_duration"])
	})

	t.Run("expanding range does not match", func(t *testing.T) {
		bars := flatBars(120, 100, 1)
		for i := 117; i < 120; i++ {
			bars[i].High = 120
			bars[i].Low = 80
		}
		assert.Nil(t, rule.Evaluate(testSymbol, bars))
	})

	t.Run("price far from its mean does not match", func(t *testing.T) {
		bars := flatBars(120, 100, 1)
		bars[119].Close = 108
		bars[119].High = 109
		bars[119].Low = 107
		assert.Nil(t, rule.Evaluate(testSymbol, bars))
	})

	t.Run("trailing bars count through the relaxed deviation only", func(t *testing.T) {
		// Closes oscillate between 100 and 112 around an EMA50 of ~106, so
		// every trailing bar sits ~5.5% away: past the strict 5% bound but
		// inside the relaxed 7%. The last bar closes at 110 (~3.7%) and
		// passes the strict gate. Volatility is uniform across the lookback,
		// keeping the width and range floors satisfied throughout.
		start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
		bars := make([]models.Bar, 120)
		for i := range bars {
			c := 100.0
			if i%2 == 1 {
				c = 112
			}
			if i == len(bars)-1 {
				c = 110
			}
			bars[i] = models.Bar{
				Date: start.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10000,
			}
		}

		d := NewSqueezeRule(1.4).Evaluate(testSymbol, bars)
		require.NotNil(t, d)
		assert.Equal(t, "30", d.Attrs["squeeze_duration"])

		// Without the relaxation the first trailing bar already exceeds the
		// deviation bound, leaving a one-bar run below the duration floor.
		assert.Nil(t, NewSqueezeRule(1.0).Evaluate(testSymbol, bars))
	})
}

func TestBreakoutRule(t *testing.T) {
	t.Run("nil predicate yields nil rule", func(t *testing.T) {
		assert.Nil(t, NewBreakoutRule(50, nil))
	})

	t.Run("wraps the predicate and stamps the rule name", func(t *testing.T) {
		called := false
		rule := NewBreakoutRule(50, func(symbol models.Symbol, bars []models.Bar) *models.Detection {
			called = true
			return &models.Detection{Code: symbol.Code, Close: bars[len(bars)-1].Close}
		})

		d := rule.Evaluate(testSymbol, flatBars(60, 100, 1))
		require.NotNil(t, d)
		assert.True(t, called)
		assert.Equal(t, "breakout", d.Rule)
		assert.Equal(t, 50, rule.MinBars())
	})
}
