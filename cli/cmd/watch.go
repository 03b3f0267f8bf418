package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mass-aquaponics/assetpipe/cli/bundler"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

var watchCmd = &cobra.Command{
	Use:   "watch [app...]",
	Short: "Rebuild application bundles on change",
	Long: `Build the given applications, or every application, and rebuild them whenever
one of their source files changes. Every rebuild rewrites the tracking file, so
django-webpack-loader always serves the latest bundles.

Press Ctrl+C to stop.

Examples:
  assetpipe watch
  assetpipe watch home`,
	PreRunE:           loadSettings,
	ValidArgsFunction: appNames,
	RunE:              runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	configs, err := resolveConfigs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, stopTracing := startTracing(ctx)
	defer stopTracing()

	metrics := observability.NewMetrics()
	runner := newRunner(metrics)

	var g errgroup.Group
	for _, bc := range configs {
		g.Go(func() error {
			return runner.Watch(ctx, bc, func(*bundler.Result, error) {
				writeMetrics(metrics)
			})
		})
	}
	return g.Wait()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
