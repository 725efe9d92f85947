// Package interfaces defines the contracts between kabuscreen components
package interfaces

import (
	"context"
	"time"

	"github.com/hfujita/kabuscreen/internal/models"
)

// QuoteSource provides access to an upstream daily quotation API.
// Implementations respect the externally supplied concurrency ceiling and do
// no rate-limit bookkeeping beyond pacing their own requests.
type QuoteSource interface {
	// Authenticate obtains a valid API token. Called once at startup; a
	// failure here is fatal for the run.
	Authenticate(ctx context.Context) error

	// ListSymbols retrieves all listed symbols on the three target market
	// segments (Prime, Standard, Growth).
	ListSymbols(ctx context.Context) ([]models.Symbol, error)

	// FetchBars retrieves daily OHLCV bars for one symbol, ascending by date.
	// An empty upstream response returns (nil, nil).
	FetchBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error)

	// IsTradingDay reports whether the exchange was open on the given date.
	IsTradingDay(ctx context.Context, date time.Time) (bool, error)
}
