// Package app wires the screening pipeline together from configuration.
package app

import (
	"fmt"

	"github.com/hfujita/kabuscreen/internal/cache"
	"github.com/hfujita/kabuscreen/internal/clients/jquants"
	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/pipeline"
	"github.com/hfujita/kabuscreen/internal/storage/sqlitesink"
)

// App holds the assembled components for one screening run.
type App struct {
	Config   *common.Config
	Logger   *common.Logger
	Pipeline *pipeline.Pipeline

	sink *sqlitesink.Sink
}

// NewApp loads configuration and builds the pipeline. Config files are
// optional; environment overrides always apply.
func NewApp(configPath string) (*App, error) {
	config, err := common.LoadConfig(configPath, "kabuscreen.toml")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	if config.Clients.JQuants.RefreshToken == "" {
		return nil, fmt.Errorf("no J-Quants refresh token configured (set JQUANTS_REFRESH_TOKEN)")
	}

	source := jquants.NewClient(config.Clients.JQuants.RefreshToken,
		jquants.WithBaseURL(config.Clients.JQuants.BaseURL),
		jquants.WithLogger(logger),
		jquants.WithRateLimit(config.Clients.JQuants.RateLimit),
		jquants.WithTimeout(config.Clients.JQuants.GetTimeout()),
		jquants.WithTokenCreatedDate(config.Clients.JQuants.TokenCreatedDate),
	)

	barCache, err := cache.NewParquetCache(config.Cache.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening price cache: %w", err)
	}

	sink, err := sqlitesink.New(config.Sink.Path)
	if err != nil {
		return nil, fmt.Errorf("opening result sink: %w", err)
	}

	history := pipeline.NewHistory(config.History.Path, config.History.MaxDays)

	p := pipeline.New(source, barCache, sink, history, pipeline.NewRealClock(), logger, config)

	logger.Info().
		Str("version", common.GetFullVersion()).
		Str("environment", config.Environment).
		Msg("kabuscreen initialized")

	return &App{
		Config:   config,
		Logger:   logger,
		Pipeline: p,
		sink:     sink,
	}, nil
}

// Close releases held resources.
func (a *App) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close result sink")
		}
	}
}
