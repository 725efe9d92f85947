package screeners

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/indicators"
	"github.com/hfujita/kabuscreen/internal/models"
)

const (
	pullbackMinBars       = 200
	pullbackHighWindow    = 260 // ~52 weeks of trading days
	pullbackHighRecency   = 60  // bars since the high
	pullbackMaxPct        = 30.0
	pullbackStochOversold = 20.0
)

// PullbackGateStats counts how many symbols survived each gate of the
// pullback rule. Logged after the run to show where the funnel narrows.
type PullbackGateStats struct {
	Total       atomic.Int64
	HasData     atomic.Int64
	RecentHigh  atomic.Int64
	Within30Pct atomic.Int64
	EMA10Touch  atomic.Int64
	EMA20Touch  atomic.Int64
	EMA50Touch  atomic.Int64
	AnyEMATouch atomic.Int64
	PassedAll   atomic.Int64
}

// Snapshot returns the counters as a plain map for logging.
func (s *PullbackGateStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"total":         s.Total.Load(),
		"has_data":      s.HasData.Load(),
		"recent_high":   s.RecentHigh.Load(),
		"within_30pct":  s.Within30Pct.Load(),
		"ema10_touch":   s.EMA10Touch.Load(),
		"ema20_touch":   s.EMA20Touch.Load(),
		"ema50_touch":   s.EMA50Touch.Load(),
		"any_ema_touch": s.AnyEMATouch.Load(),
		"passed_all":    s.PassedAll.Load(),
	}
}

// PullbackRule matches symbols pulling back toward a rising EMA after a
// recent long-term high: the high of the last year must be recent, the
// retracement from it moderate, and the day's range must touch one of the
// 10/20/50-day EMAs.
type PullbackRule struct {
	// emaFilter restricts which EMA must be touched: "10ema", "20ema",
	// "50ema", or "all" (any touch qualifies).
	emaFilter string
	// useStochastic additionally requires an oversold stochastic %K.
	useStochastic bool
	// debugSymbol gets a per-gate trace in the log.
	debugSymbol string
	logger      *common.Logger

	Stats PullbackGateStats
}

func NewPullbackRule(emaFilter string, useStochastic bool, debugSymbol string, logger *common.Logger) *PullbackRule {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &PullbackRule{
		emaFilter:     emaFilter,
		useStochastic: useStochastic,
		debugSymbol:   debugSymbol,
		logger:        logger,
	}
}

func (r *PullbackRule) Name() string { return "200day_pullback" }

func (r *PullbackRule) MinBars() int { return pullbackMinBars }

func (r *PullbackRule) Evaluate(symbol models.Symbol, bars []models.Bar) *models.Detection {
	r.Stats.Total.Add(1)
	debug := symbol.Code == r.debugSymbol

	if len(bars) < pullbackMinBars {
		r.trace(debug, symbol.Code, "has_data", fmt.Sprintf("only %d bars", len(bars)))
		return nil
	}
	r.Stats.HasData.Add(1)

	_, high, low, close, _ := series(bars)
	i := len(close) - 1

	// Highest high over the trailing year (or whole series when shorter),
	// and how many bars ago it printed.
	window := pullbackHighWindow
	if len(high) < window {
		window = len(high)
	}
	highest := high[i-window+1]
	highestIdx := i - window + 1
	for j := i - window + 2; j <= i; j++ {
		if high[j] > highest {
			highest = high[j]
			highestIdx = j
		}
	}

	barsSinceHigh := i - highestIdx
	if barsSinceHigh > pullbackHighRecency {
		r.trace(debug, symbol.Code, "recent_high", fmt.Sprintf("high was %d bars ago", barsSinceHigh))
		return nil
	}
	r.Stats.RecentHigh.Add(1)

	pullbackPct := (highest - close[i]) / highest * 100
	if pullbackPct > pullbackMaxPct {
		r.trace(debug, symbol.Code, "within_30pct", fmt.Sprintf("pullback %.1f%%", pullbackPct))
		return nil
	}
	r.Stats.Within30Pct.Add(1)

	// A touch means the day's range straddles the EMA.
	ema10 := indicators.EMA(close, 10)[i]
	ema20 := indicators.EMA(close, 20)[i]
	ema50 := indicators.EMA(close, 50)[i]

	var touches []string
	if low[i] <= ema10 && ema10 <= high[i] {
		touches = append(touches, "10EMA")
		r.Stats.EMA10Touch.Add(1)
	}
	if low[i] <= ema20 && ema20 <= high[i] {
		touches = append(touches, "20EMA")
		r.Stats.EMA20Touch.Add(1)
	}
	if low[i] <= ema50 && ema50 <= high[i] {
		touches = append(touches, "50EMA")
		r.Stats.EMA50Touch.Add(1)
	}
	if len(touches) == 0 {
		r.trace(debug, symbol.Code, "any_ema_touch", "no EMA inside the day's range")
		return nil
	}
	r.Stats.AnyEMATouch.Add(1)

	if !r.touchSatisfiesFilter(touches) {
		r.trace(debug, symbol.Code, "ema_filter", fmt.Sprintf("touched %v, filter %s", touches, r.emaFilter))
		return nil
	}

	var stochK, stochD float64 = math.NaN(), math.NaN()
	if r.useStochastic {
		k, dVec := indicators.Stochastic(high, low, close, 14, 3)
		stochK, stochD = k[i], dVec[i]
		if math.IsNaN(stochK) || stochK > pullbackStochOversold {
			r.trace(debug, symbol.Code, "stochastic", fmt.Sprintf("%%K %.1f", stochK))
			return nil
		}
	}

	r.Stats.PassedAll.Add(1)
	r.trace(debug, symbol.Code, "passed_all", fmt.Sprintf("pullback %.1f%%, touches %v", pullbackPct, touches))

	d := baseDetection(symbol, r.Name(), bars)
	d.EMA10 = models.Float64Ptr(ema10)
	d.EMA20 = models.Float64Ptr(ema20)
	d.EMA50 = models.Float64Ptr(ema50)
	d.Week52High = models.Float64Ptr(highest)
	d.TouchEMA = strings.Join(touches, ",")
	d.PullbackPct = models.Float64Ptr(pullbackPct)
	if !math.IsNaN(stochK) {
		d.StochK = models.Float64Ptr(stochK)
	}
	if !math.IsNaN(stochD) {
		d.StochD = models.Float64Ptr(stochD)
	}
	d.Attrs = map[string]string{
		"bars_since_high": fmt.Sprintf("%d", barsSinceHigh),
	}
	return d
}

func (r *PullbackRule) touchSatisfiesFilter(touches []string) bool {
	if r.emaFilter == "all" || r.emaFilter == "" {
		return true
	}
	want := map[string]string{"10ema": "10EMA", "20ema": "20EMA", "50ema": "50EMA"}[r.emaFilter]
	for _, t := range touches {
		if t == want {
			return true
		}
	}
	return false
}

func (r *PullbackRule) trace(enabled bool, code, gate, detail string) {
	if !enabled {
		return
	}
	r.logger.Info().Str("code", code).Str("gate", gate).Str("detail", detail).Msg("Pullback gate trace")
}
