// Package screeners implements the screening rules applied to each symbol's
// daily bar series.
//
// Rules are pure with respect to their inputs: bars arrive sorted ascending
// and the last bar is the trading day under evaluation. A rule returns nil
// when the symbol does not match. Counters kept by individual rules (gate
// statistics) are updated atomically so rules can be shared across workers.
package screeners

import (
	"github.com/hfujita/kabuscreen/internal/models"
)

// Rule is one screening strategy.
type Rule interface {
	// Name is the rule identifier persisted with detections.
	Name() string

	// MinBars is the minimum series length the rule needs. The runner skips
	// symbols with fewer bars without calling Evaluate.
	MinBars() int

	// Evaluate inspects the series and returns a detection, or nil when the
	// symbol does not match.
	Evaluate(symbol models.Symbol, bars []models.Bar) *models.Detection
}

// series splits bars into the per-field vectors the indicator functions take.
func series(bars []models.Bar) (open, high, low, close []float64, volume []int64) {
	open = make([]float64, len(bars))
	high = make([]float64, len(bars))
	low = make([]float64, len(bars))
	close = make([]float64, len(bars))
	volume = make([]int64, len(bars))
	for i, b := range bars {
		open[i] = b.Open
		high[i] = b.High
		low[i] = b.Low
		close[i] = b.Close
		volume[i] = b.Volume
	}
	return open, high, low, close, volume
}

// baseDetection fills the fields every rule shares from the last bar.
func baseDetection(symbol models.Symbol, rule string, bars []models.Bar) *models.Detection {
	last := bars[len(bars)-1]
	return &models.Detection{
		Code:   symbol.Code,
		Name:   symbol.Name,
		Market: symbol.Market,
		Rule:   rule,
		Date:   last.Date,
		Close:  last.Close,
		Volume: last.Volume,
	}
}
