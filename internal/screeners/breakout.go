package screeners

import (
	"github.com/hfujita/kabuscreen/internal/models"
)

// BreakoutFunc is a caller-supplied breakout predicate. It returns a
// detection for symbols breaking out of their range, or nil. The strategy
// itself lives outside this package; only the dispatch slot is fixed here.
type BreakoutFunc func(symbol models.Symbol, bars []models.Bar) *models.Detection

// BreakoutRule adapts a BreakoutFunc to the Rule interface.
type BreakoutRule struct {
	minBars int
	fn      BreakoutFunc
}

// NewBreakoutRule wraps fn as a rule. Returns nil when fn is nil so callers
// can drop the slot from their dispatch table.
func NewBreakoutRule(minBars int, fn BreakoutFunc) *BreakoutRule {
	if fn == nil {
		return nil
	}
	if minBars <= 0 {
		minBars = 1
	}
	return &BreakoutRule{minBars: minBars, fn: fn}
}

func (r *BreakoutRule) Name() string { return "breakout" }

func (r *BreakoutRule) MinBars() int { return r.minBars }

func (r *BreakoutRule) Evaluate(symbol models.Symbol, bars []models.Bar) *models.Detection {
	d := r.fn(symbol, bars)
	if d != nil {
		d.Rule = r.Name()
	}
	return d
}
