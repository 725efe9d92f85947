// Package pipeline orchestrates the daily screening run: resolve the trading
// day, fetch bars for the whole universe, apply every rule, sample oversized
// result sets, and persist summaries and detections.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/interfaces"
	"github.com/hfujita/kabuscreen/internal/models"
	"github.com/hfujita/kabuscreen/internal/runner"
	"github.com/hfujita/kabuscreen/internal/sampler"
	"github.com/hfujita/kabuscreen/internal/screeners"
)

// lookbackCalendarDays covers the 260 trading days the deepest rule needs,
// with slack for holidays.
const lookbackCalendarDays = 450

// Pipeline wires the screening run end to end.
type Pipeline struct {
	source  interfaces.QuoteSource
	cache   interfaces.BarCache
	sink    interfaces.ResultSink
	history *History
	clock   Clock
	logger  *common.Logger
	config  *common.Config

	// Breakout is an optional externally supplied strategy. When nil the
	// breakout slot is skipped.
	Breakout        screeners.BreakoutFunc
	BreakoutMinBars int
}

func New(source interfaces.QuoteSource, cache interfaces.BarCache, sink interfaces.ResultSink,
	history *History, clock Clock, logger *common.Logger, config *common.Config) *Pipeline {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Pipeline{
		source:  source,
		cache:   cache,
		sink:    sink,
		history: history,
		clock:   clock,
		logger:  logger,
		config:  config,
	}
}

// rules builds the dispatch table in its fixed evaluation order.
func (p *Pipeline) rules() []screeners.Rule {
	sc := p.config.Screening
	table := []screeners.Rule{
		screeners.NewPerfectOrderRule(sc.PerfectOrderSMA200Filter),
		screeners.NewBollingerTouchRule(),
		screeners.NewPullbackRule(sc.PullbackEMAFilter, sc.PullbackStochastic, sc.DebugSymbol, p.logger),
		screeners.NewSqueezeRule(sc.SqueezeDurationDeviationRelax),
	}
	if breakout := screeners.NewBreakoutRule(p.BreakoutMinBars, p.Breakout); breakout != nil {
		table = append(table, breakout)
	} else {
		p.logger.Debug().Msg("No breakout strategy configured, skipping slot")
	}
	return table
}

// Run executes one full screening pass. It returns an error when the run
// cannot produce persisted results: authentication, symbol listing, or
// summary persistence failures. Per-symbol and per-detection problems are
// logged and absorbed.
func (p *Pipeline) Run(ctx context.Context) error {
	started := p.clock.Now()

	if err := p.source.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	tradingDate := ResolveTradingDate(ctx, p.source, p.clock, p.logger)
	p.logger.Info().Str("trading_date", tradingDate.Format("2006-01-02")).Msg("Screening run starting")

	symbols, err := p.source.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("listing symbols: %w", err)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("symbol universe is empty")
	}
	p.logger.Info().Int("symbols", len(symbols)).Msg("Symbol universe loaded")

	from := tradingDate.AddDate(0, 0, -lookbackCalendarDays)
	rules := p.rules()

	run := runner.New(p.source, p.cache, p.logger, runner.Options{
		Concurrency: p.config.Screening.Concurrency,
		RetryCount:  p.config.Clients.JQuants.RetryCount,
		RetryDelay:  time.Duration(p.config.Clients.JQuants.RetryDelaySec) * time.Second,
		MaxAgeDays:  p.config.Cache.MaxAgeDays,
	})

	// Rules run one at a time so each summary carries its own timing. The
	// first pass warms the cache, making the later ones cheap.
	var processed, skipped, failed int64
	outcomes := make(map[string]RuleOutcome, len(rules))
	var persistErr error
	for i, rule := range rules {
		ruleStart := p.clock.Now()
		result := run.Run(ctx, symbols, []screeners.Rule{rule}, from, tradingDate)
		execMillis := p.clock.Now().Sub(ruleStart).Milliseconds()

		processed = max(processed, result.Processed)
		skipped = max(skipped, result.Skipped)
		failed = max(failed, result.Failed)

		detections := result.Detections[rule.Name()]
		sortDetections(rule.Name(), detections)

		p.logger.Info().
			Str("rule", rule.Name()).
			Int64("processed", result.Processed).
			Int64("skipped", result.Skipped).
			Int64("failed", result.Failed).
			Int("matched", len(detections)).
			Int64("exec_millis", execMillis).
			Msg("Screening pass complete")

		summary := models.RunSummary{
			UserID:       p.config.Sink.UserID,
			Rule:         rule.Name(),
			TradingDate:  tradingDate,
			MarketFilter: "all",
			TotalMatched: len(detections),
			ExecMillis:   execMillis,
		}
		runID, err := p.sink.SaveRun(ctx, summary)
		if err != nil {
			p.logger.Error().Err(err).Str("rule", rule.Name()).Msg("Failed to save run summary")
			persistErr = err
			continue
		}

		s := sampler.New(sampler.DefaultLimit, p.config.Screening.SamplerMaxPerRange,
			tradingDate.Unix()+int64(i))
		sampled := s.Sample(detections)

		if err := p.sink.SaveDetections(ctx, runID, sampled); err != nil {
			p.logger.Error().Err(err).Str("rule", rule.Name()).Msg("Failed to save detections")
		}

		outcomes[rule.Name()] = RuleOutcome{
			Matched:    len(detections),
			Sampled:    len(sampled),
			ExecMillis: execMillis,
		}
		p.logger.Info().
			Str("rule", rule.Name()).
			Int("matched", len(detections)).
			Int("sampled", len(sampled)).
			Msg("Rule results persisted")
	}

	p.logPullbackGates(rules)

	stats := p.cache.Stats()
	p.logger.Info().
		Int("files", stats.Files).
		Int64("bytes", stats.Bytes).
		Int64("hits", stats.Hits).
		Int64("misses", stats.Misses).
		Float64("hit_rate", stats.HitRate).
		Msg("Cache statistics")

	if evicted := p.cache.EvictOlderThan(p.config.Cache.EvictAfterDays); evicted > 0 {
		p.logger.Info().Int("evicted", evicted).Msg("Evicted idle cache entries")
	}

	if p.history != nil {
		entry := HistoryEntry{
			Date:      tradingDate.Format("2006-01-02"),
			RanAt:     started,
			Processed: processed,
			Skipped:   skipped,
			Failed:    failed,
			Rules:     outcomes,
			Cache:     stats,
		}
		if err := p.history.Append(entry); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to update run history")
		}
		if avgs := p.history.AverageMatched(); len(avgs) > 0 {
			event := p.logger.Debug()
			for rule, avg := range avgs {
				event = event.Float64(rule, avg)
			}
			event.Msg("Average matches per rule over the history window")
		}
	}

	if persistErr != nil {
		return fmt.Errorf("persisting run summaries: %w", persistErr)
	}
	return nil
}

// logPullbackGates reports the pullback funnel so threshold tuning has data.
func (p *Pipeline) logPullbackGates(rules []screeners.Rule) {
	for _, rule := range rules {
		pr, ok := rule.(*screeners.PullbackRule)
		if !ok {
			continue
		}
		event := p.logger.Info()
		for gate, count := range pr.Stats.Snapshot() {
			event = event.Int64(gate, count)
		}
		event.Msg("Pullback gate funnel")
	}
}

// sortDetections orders a rule's population before sampling so the sample
// and the persisted rows favor the strongest setups.
func sortDetections(rule string, detections []models.Detection) {
	switch rule {
	case "squeeze":
		// Longest-running squeezes first.
		sort.SliceStable(detections, func(i, j int) bool {
			return squeezeDuration(detections[i]) > squeezeDuration(detections[j])
		})
	case "200day_pullback":
		// Shallowest pullbacks first.
		sort.SliceStable(detections, func(i, j int) bool {
			return pullbackPct(detections[i]) < pullbackPct(detections[j])
		})
	default:
		sort.SliceStable(detections, func(i, j int) bool {
			return detections[i].Code < detections[j].Code
		})
	}
}

func squeezeDuration(d models.Detection) int {
	n, _ := strconv.Atoi(d.Attrs["squeeze_duration"])
	return n
}

func pullbackPct(d models.Detection) float64 {
	if d.PullbackPct == nil {
		return 100
	}
	return *d.PullbackPct
}
