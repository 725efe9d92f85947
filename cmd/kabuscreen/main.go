// Command kabuscreen runs the daily stock screening batch: it fetches bars
// for every listed symbol on the target market segments, applies the
// screening rules, and persists the results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hfujita/kabuscreen/internal/app"
	"github.com/hfujita/kabuscreen/internal/common"
)

func main() {
	configPath := flag.String("config", os.Getenv("KABUSCREEN_CONFIG"), "path to a TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	// A termination signal cancels the run; in-flight symbols finish and
	// nothing further is persisted.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = a.Pipeline.Run(ctx)
	a.Close()
	if err != nil {
		a.Logger.Error().Err(err).Msg("Screening run failed")
		os.Exit(1)
	}

	a.Logger.Info().Msg("Screening run complete")
}
