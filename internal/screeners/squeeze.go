package screeners

import (
	"fmt"
	"math"

	"github.com/hfujita/kabuscreen/internal/indicators"
	"github.com/hfujita/kabuscreen/internal/models"
)

const (
	squeezeMinBars      = 100
	squeezeBBPeriod     = 20
	squeezeBBSigma      = 2.0
	squeezeEMAPeriod    = 50
	squeezeATRPeriod    = 14
	squeezeLookback     = 60 // bars scanned for the compression floor
	squeezeFloorFactor  = 1.3
	squeezeMaxDeviation = 5.0 // percent from EMA50
	squeezeWalkbackCap  = 30
	squeezeMinDuration  = 5
)

// SqueezeRule matches symbols in a volatility squeeze: both Bollinger Band
// width and ATR sit near their recent floors while price hugs its 50-day
// EMA, and the compression has persisted for several sessions.
type SqueezeRule struct {
	// deviationRelax widens the deviation threshold when measuring how long
	// the squeeze has lasted, so a single wide early session does not reset
	// the duration count.
	deviationRelax float64
}

func NewSqueezeRule(deviationRelax float64) *SqueezeRule {
	if deviationRelax <= 0 {
		deviationRelax = 1.4
	}
	return &SqueezeRule{deviationRelax: deviationRelax}
}

func (r *SqueezeRule) Name() string { return "squeeze" }

func (r *SqueezeRule) MinBars() int { return squeezeMinBars }

func (r *SqueezeRule) Evaluate(symbol models.Symbol, bars []models.Bar) *models.Detection {
	if len(bars) < r.MinBars() {
		return nil
	}

	_, high, low, close, _ := series(bars)
	i := len(close) - 1

	bbw := indicators.BBW(close, squeezeBBPeriod, squeezeBBSigma)
	atr := indicators.ATR(high, low, close, squeezeATRPeriod)
	ema50 := indicators.EMA(close, squeezeEMAPeriod)

	if math.IsNaN(bbw[i]) || math.IsNaN(atr[i]) || ema50[i] == 0 {
		return nil
	}

	bbwFloor := tailMin(bbw, i, squeezeLookback)
	atrFloor := tailMin(atr, i, squeezeLookback)
	if math.IsNaN(bbwFloor) || math.IsNaN(atrFloor) {
		return nil
	}

	deviation := func(j int) float64 {
		if ema50[j] == 0 {
			return math.NaN()
		}
		return math.Abs(close[j]-ema50[j]) / ema50[j] * 100
	}

	if bbw[i] > bbwFloor*squeezeFloorFactor {
		return nil
	}
	if atr[i] > atrFloor*squeezeFloorFactor {
		return nil
	}
	dev := deviation(i)
	if math.IsNaN(dev) || dev > squeezeMaxDeviation {
		return nil
	}

	// Walk back to measure how long the compression has held. Trailing bars
	// get the relaxed deviation threshold.
	relaxedDeviation := squeezeMaxDeviation * r.deviationRelax
	duration := 1
	for j := i - 1; j >= 0 && duration < squeezeWalkbackCap; j-- {
		if math.IsNaN(bbw[j]) || bbw[j] > bbwFloor*squeezeFloorFactor {
			break
		}
		if math.IsNaN(atr[j]) || atr[j] > atrFloor*squeezeFloorFactor {
			break
		}
		dj := deviation(j)
		if math.IsNaN(dj) || dj > relaxedDeviation {
			break
		}
		duration++
	}

	if duration < squeezeMinDuration {
		return nil
	}

	d := baseDetection(symbol, r.Name(), bars)
	d.EMA50 = models.Float64Ptr(ema50[i])
	d.Attrs = map[string]string{
		"bbw":              fmt.Sprintf("%.3f", bbw[i]),
		"bbw_min":          fmt.Sprintf("%.3f", bbwFloor),
		"bbw_floor_ratio":  fmt.Sprintf("%.3f", floorRatio(bbw[i], bbwFloor)),
		"atr":              fmt.Sprintf("%.3f", atr[i]),
		"atr_min":          fmt.Sprintf("%.3f", atrFloor),
		"atr_floor_ratio":  fmt.Sprintf("%.3f", floorRatio(atr[i], atrFloor)),
		"deviation_pct":    fmt.Sprintf("%.2f", dev),
		"squeeze_duration": fmt.Sprintf("%d", duration),
	}
	return d
}

// floorRatio avoids dividing by a zero floor when a series is perfectly flat.
func floorRatio(v, floor float64) float64 {
	if floor == 0 {
		return 1
	}
	return v / floor
}

// tailMin returns the minimum of v over the window of n values ending at i,
// ignoring NaN warm-up values. Returns NaN when the window holds nothing.
func tailMin(v []float64, i, n int) float64 {
	start := i - n + 1
	if start < 0 {
		start = 0
	}
	m := math.NaN()
	for j := start; j <= i; j++ {
		if math.IsNaN(v[j]) {
			continue
		}
		if math.IsNaN(m) || v[j] < m {
			m = v[j]
		}
	}
	return m
}
