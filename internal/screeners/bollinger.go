package screeners

import (
	"math"

	"github.com/hfujita/kabuscreen/internal/indicators"
	"github.com/hfujita/kabuscreen/internal/models"
)

const (
	bbPeriod = 20
	bbSigma  = 3.0
)

// BollingerTouchRule matches symbols whose close crossed a ±3σ Bollinger
// Band. An upper touch flags unusual strength, a lower touch unusual
// weakness; the degenerate flat-series case (zero width) reports upper.
type BollingerTouchRule struct{}

func NewBollingerTouchRule() *BollingerTouchRule { return &BollingerTouchRule{} }

func (r *BollingerTouchRule) Name() string { return "bollinger_band" }

func (r *BollingerTouchRule) MinBars() int { return bbPeriod }

func (r *BollingerTouchRule) Evaluate(symbol models.Symbol, bars []models.Bar) *models.Detection {
	if len(bars) < r.MinBars() {
		return nil
	}

	_, _, _, close, _ := series(bars)
	i := len(close) - 1

	mid, upper, lower := indicators.Bollinger(close, bbPeriod, bbSigma)
	if math.IsNaN(upper[i]) || math.IsNaN(lower[i]) {
		return nil
	}

	direction := ""
	switch {
	case close[i] >= upper[i]:
		direction = "upper"
	case close[i] <= lower[i]:
		direction = "lower"
	default:
		return nil
	}

	d := baseDetection(symbol, r.Name(), bars)
	d.BBUpper = models.Float64Ptr(upper[i])
	d.BBLower = models.Float64Ptr(lower[i])
	d.BBMid = models.Float64Ptr(mid[i])
	d.TouchDirection = direction
	return d
}
