// Package runner drives the concurrent fetch-and-evaluate pass over the
// symbol universe.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hfujita/kabuscreen/internal/clients/jquants"
	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/interfaces"
	"github.com/hfujita/kabuscreen/internal/models"
	"github.com/hfujita/kabuscreen/internal/screeners"
)

const progressInterval = 100

// Options bound the runner's concurrency and retry behavior.
type Options struct {
	Concurrency int
	RetryCount  int
	RetryDelay  time.Duration
	MaxAgeDays  int // cache staleness allowance
}

// Result aggregates one pass over the universe.
type Result struct {
	// Detections maps rule name to its matches. Order reflects completion,
	// not input; callers sort before presenting.
	Detections map[string][]models.Detection
	Processed  int64
	Skipped    int64 // no data or insufficient history
	Failed     int64 // fetch failed after retries
}

// Runner fetches bars for each symbol (cache first) and evaluates every rule
// against them. One symbol's failure never affects the others.
type Runner struct {
	source interfaces.QuoteSource
	cache  interfaces.BarCache
	logger *common.Logger
	opts   Options
}

func New(source interfaces.QuoteSource, cache interfaces.BarCache, logger *common.Logger, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 20
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 30
	}
	return &Runner{source: source, cache: cache, logger: logger, opts: opts}
}

// Run evaluates rules over every symbol's bars in [from, to].
func (r *Runner) Run(ctx context.Context, symbols []models.Symbol, rules []screeners.Rule, from, to time.Time) *Result {
	result := &Result{Detections: make(map[string][]models.Detection, len(rules))}

	var processed, skipped, failed, detected atomic.Int64
	var mu sync.Mutex // guards result.Detections

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(symbol models.Symbol) {
			defer wg.Done()
			defer func() { <-sem }()

			bars, err := r.loadBars(ctx, symbol.Code, from, to)
			if err != nil {
				failed.Add(1)
				r.logger.Debug().Err(err).Str("code", symbol.Code).Msg("Failed to load bars")
				return
			}
			if len(bars) == 0 {
				skipped.Add(1)
				return
			}

			for _, rule := range rules {
				if len(bars) < rule.MinBars() {
					continue
				}
				if d := rule.Evaluate(symbol, bars); d != nil {
					detected.Add(1)
					mu.Lock()
					result.Detections[rule.Name()] = append(result.Detections[rule.Name()], *d)
					mu.Unlock()
				}
			}

			if n := processed.Add(1); n%progressInterval == 0 {
				r.logger.Info().
					Int64("processed", n).
					Int64("detected", detected.Load()).
					Int("total", len(symbols)).
					Msg("Screening progress")
			}
		}(symbol)
	}

	wg.Wait()

	result.Processed = processed.Load()
	result.Skipped = skipped.Load()
	result.Failed = failed.Load()
	return result
}

// loadBars consults the cache first and falls back to the quote source,
// retrying transient failures. Fresh fetches are written back to the cache;
// a cache write failure is logged but does not fail the symbol.
func (r *Runner) loadBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error) {
	if bars := r.cache.Get(code, from, to, r.opts.MaxAgeDays); bars != nil {
		return bars, nil
	}

	var bars []models.Bar
	var err error
	for attempt := 1; attempt <= r.opts.RetryCount; attempt++ {
		bars, err = r.source.FetchBars(ctx, code, from, to)
		if err == nil {
			break
		}
		if !jquants.IsRetryable(err) || attempt == r.opts.RetryCount {
			return nil, err
		}
		r.logger.Debug().Err(err).Str("code", code).Int("attempt", attempt).Msg("Retrying fetch")
		select {
		case <-time.After(r.opts.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(bars) > 0 {
		if err := r.cache.Put(code, bars); err != nil {
			r.logger.Warn().Err(err).Str("code", code).Msg("Failed to cache bars")
		}
	}
	return bars, nil
}
