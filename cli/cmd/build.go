package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mass-aquaponics/assetpipe/cli/bundler"
	"github.com/mass-aquaponics/assetpipe/cli/output"
	"github.com/mass-aquaponics/assetpipe/cli/util"
	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

var buildJobs int

var buildCmd = &cobra.Command{
	Use:   "build [app...]",
	Short: "Build application bundles",
	Long: `Build the bundles of the given applications, or of every application in the plan.

Each build writes <app>/static/dist/<app> and the tracking file <app>/webpack-stats.json.
A failed build records its error in the tracking file.

Examples:
  assetpipe build
  assetpipe build home blog
  assetpipe build --jobs 1 -o json`,
	PreRunE:           loadSettings,
	ValidArgsFunction: appNames,
	RunE:              runBuild,
}

func init() {
	buildCmd.Flags().IntVarP(&buildJobs, "jobs", "j", runtime.NumCPU(), "number of applications built in parallel")
}

func runBuild(cmd *cobra.Command, args []string) error {
	configs, err := resolveConfigs(args)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	_, stopTracing := startTracing(ctx)
	defer stopTracing()

	metrics := observability.NewMetrics()
	results, err := buildAll(ctx, newRunner(metrics), configs, buildJobs)
	writeMetrics(metrics)

	GetFormatter().PrintTable(buildTable(results))
	return err
}

// buildAll builds every configuration, at most jobs at a time. A failing
// application does not stop the others; all failures are returned joined.
func buildAll(ctx context.Context, runner *bundler.Runner, configs []*bundleconfig.Config, jobs int) ([]*bundler.Result, error) {
	if jobs < 1 {
		jobs = 1
	}

	results := make([]*bundler.Result, len(configs))
	errs := make([]error, len(configs))

	var g errgroup.Group
	g.SetLimit(jobs)
	for i, bc := range configs {
		g.Go(func() error {
			res, err := runner.Run(ctx, bc)
			if err != nil {
				log.Error().Err(err).Str("app", bc.App).Msg("Build failed")
				errs[i] = err
				return nil
			}
			log.Info().
				Str("app", bc.App).
				Int("bundles", len(res.Chunks)).
				Dur("duration", res.Duration).
				Msg("Built bundles")
			for _, w := range res.Warnings {
				log.Warn().Str("app", bc.App).Msg(w)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	built := make([]*bundler.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			built = append(built, r)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return built, fmt.Errorf("%d of %d applications failed to build: %w", countErrors(errs), len(configs), err)
	}
	return built, nil
}

func countErrors(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}

func buildTable(results []*bundler.Result) output.TableData {
	data := output.TableData{
		Headers:      []string{"APP", "BUNDLE", "FILES", "SIZE", "DURATION"},
		RightAligned: []string{"SIZE"},
	}
	for _, res := range results {
		bundles := make([]string, 0, len(res.Chunks))
		for name := range res.Chunks {
			bundles = append(bundles, name)
		}
		sort.Strings(bundles)

		for _, name := range bundles {
			files := make([]string, 0, len(res.Chunks[name]))
			for _, chunk := range res.Chunks[name] {
				files = append(files, chunk.Name)
			}
			data.Rows = append(data.Rows, []string{
				res.App,
				name,
				strings.Join(files, ", "),
				util.FormatBytes(res.Sizes[name]),
				res.Duration.Round(time.Millisecond).String(),
			})
		}
	}
	return data
}
