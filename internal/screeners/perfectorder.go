package screeners

import (
	"fmt"

	"github.com/hfujita/kabuscreen/internal/indicators"
	"github.com/hfujita/kabuscreen/internal/models"
)

// Divergence above this level marks an over-extended move rather than an
// orderly trend, so the match is rejected.
const maxDivergencePct = 20.0

// PerfectOrderRule matches symbols whose closing price and EMAs stack in
// bullish order: Close >= EMA10 >= EMA20 >= EMA50.
type PerfectOrderRule struct {
	// sma200Filter restricts matches by position versus the 200-day SMA:
	// "above", "below", or "all".
	sma200Filter string
}

func NewPerfectOrderRule(sma200Filter string) *PerfectOrderRule {
	return &PerfectOrderRule{sma200Filter: sma200Filter}
}

func (r *PerfectOrderRule) Name() string { return "perfect_order" }

func (r *PerfectOrderRule) MinBars() int { return 200 }

func (r *PerfectOrderRule) Evaluate(symbol models.Symbol, bars []models.Bar) *models.Detection {
	if len(bars) < r.MinBars() {
		return nil
	}

	_, _, _, close, _ := series(bars)
	i := len(close) - 1

	ema10 := indicators.EMA(close, 10)[i]
	ema20 := indicators.EMA(close, 20)[i]
	ema50 := indicators.EMA(close, 50)[i]
	sma200 := indicators.SMA(close, 200)[i]

	if !(close[i] >= ema10 && ema10 >= ema20 && ema20 >= ema50) {
		return nil
	}

	// Cap how far price may run ahead of EMA50, measured against price.
	if close[i] <= 0 {
		return nil
	}
	divergence := (close[i] - ema50) / close[i] * 100
	if divergence > maxDivergencePct {
		return nil
	}

	position := "below"
	if close[i] >= sma200 {
		position = "above"
	}
	if r.sma200Filter != "all" && r.sma200Filter != position {
		return nil
	}

	d := baseDetection(symbol, r.Name(), bars)
	d.EMA10 = models.Float64Ptr(ema10)
	d.EMA20 = models.Float64Ptr(ema20)
	d.EMA50 = models.Float64Ptr(ema50)
	d.SMA200 = models.Float64Ptr(sma200)
	d.SMA200Position = position
	d.Attrs = map[string]string{
		"divergence_pct": fmt.Sprintf("%.2f", divergence),
	}
	return d
}
