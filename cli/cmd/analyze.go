package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mass-aquaponics/assetpipe/cli/bundler"
	"github.com/mass-aquaponics/assetpipe/cli/output"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

var analyzeDetails bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze [app...]",
	Short: "Show what makes up each bundle",
	Long: `Build the given applications and break every bundle down into the source files
and node_modules packages it contains, largest first. Bundles larger than 244 KiB
are flagged.

Examples:
  assetpipe analyze
  assetpipe analyze home --details
  assetpipe analyze -o json`,
	PreRunE:           loadSettings,
	ValidArgsFunction: appNames,
	RunE:              runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeDetails, "details", false, "list every input file instead of the largest ones")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	configs, err := resolveConfigs(args)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	_, stopTracing := startTracing(ctx)
	defer stopTracing()

	metrics := observability.NewMetrics()
	results, buildErr := buildAll(ctx, newRunner(metrics), configs, buildJobs)
	writeMetrics(metrics)

	analyzer := bundler.NewAnalyzer(settings.Root)
	var analyses []*bundler.AnalysisResult
	for _, res := range results {
		a, err := analyzer.Analyze(res)
		if err != nil {
			return err
		}
		analyses = append(analyses, a...)
	}

	formatter := GetFormatter()
	if formatter.Quiet {
		return buildErr
	}
	if formatter.Format != output.FormatTable {
		if err := formatter.Print(analyses); err != nil {
			return err
		}
		return buildErr
	}

	for _, a := range analyses {
		bundler.DisplayAnalysis(formatter.Writer, a, analyzeDetails)
	}
	bundler.DisplaySummary(formatter.Writer, analyses)
	return buildErr
}
