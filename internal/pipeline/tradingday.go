package pipeline

import (
	"context"
	"time"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/interfaces"
)

// Clock abstracts time.Now so trading-date resolution is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewRealClock returns a Clock backed by the system time.
func NewRealClock() Clock { return realClock{} }

var jst = time.FixedZone("JST", 9*60*60)

const (
	// Daily quotes publish after the session; before this hour the latest
	// complete trading day is the previous one.
	sessionCloseHour = 16

	maxCalendarWalkback = 10
	fallbackOffsetDays  = 7
)

// ResolveTradingDate returns the most recent complete trading day in JST,
// as a date at midnight UTC.
//
// Before 16:00 JST the current day's data is not final, so resolution starts
// from yesterday. Weekends are skipped locally; other closures are checked
// against the exchange calendar. If ten candidates in a row are closed (or
// the calendar is unreachable), the date a week ago is returned so the run
// still produces a usable window.
func ResolveTradingDate(ctx context.Context, source interfaces.QuoteSource, clock Clock, logger *common.Logger) time.Time {
	now := clock.Now().In(jst)

	candidate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if now.Hour() < sessionCloseHour {
		candidate = candidate.AddDate(0, 0, -1)
	}

	for attempt := 0; attempt < maxCalendarWalkback; attempt++ {
		switch candidate.Weekday() {
		case time.Saturday, time.Sunday:
			candidate = candidate.AddDate(0, 0, -1)
			continue
		}

		open, err := source.IsTradingDay(ctx, candidate)
		if err != nil {
			logger.Warn().Err(err).Str("date", candidate.Format("2006-01-02")).
				Msg("Trading calendar unavailable, falling back")
			break
		}
		if open {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, -1)
	}

	fallback := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -fallbackOffsetDays)
	logger.Warn().Str("date", fallback.Format("2006-01-02")).
		Msg("Could not resolve a trading day, using fallback date")
	return fallback
}
