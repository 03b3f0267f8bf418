// Package cmd provides the Cobra commands for the assetpipe CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mass-aquaponics/assetpipe/cli/bundler"
	cliconfig "github.com/mass-aquaponics/assetpipe/cli/config"
	"github.com/mass-aquaponics/assetpipe/cli/output"
	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/config"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	settingsFile string
	planFile     string
	rootDir      string
	metricsFile  string
	outputFmt    string
	noHeaders    bool
	quiet        bool
	debugMode    bool

	// Shared across commands
	settings  *config.Config
	formatter *output.Formatter
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "assetpipe",
	Short: "assetpipe - Build the frontend bundles of Django applications",
	Long: `assetpipe builds the JavaScript and stylesheet bundles of Django applications
with esbuild and writes the tracking files django-webpack-loader reads.

Each application keeps its sources in <app>/static/src and gets its bundles in
<app>/static/dist/<app>. The applications are listed in assetpipe.yaml.

Get started:
  assetpipe config init     Create assetpipe.yaml
  assetpipe build           Build every application
  assetpipe serve           Rebuild on change and serve the bundles`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Silence errors only when --quiet is used
		cmd.SilenceErrors = quiet
		setupLogging(debugMode || viper.GetBool("debug"))
	},
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "",
		"settings file (default is ./assetpipe-settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&planFile, "plan", "",
		"plan file listing the applications (default is <root>/assetpipe.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "",
		"project directory containing the applications")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "",
		"write build metrics to this file in the Prometheus textfile format")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table",
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false,
		"hide table headers")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"minimal output")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"enable debug output")

	_ = viper.BindEnv("debug", "ASSETPIPE_DEBUG")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)
}

func setupLogging(verbose bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if quiet {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// loadSettings loads the settings for commands that build or publish
func loadSettings(cmd *cobra.Command, args []string) error {
	var err error
	settings, err = config.Load(settingsFile)
	if err != nil {
		return err
	}

	if rootDir != "" {
		settings.Root = rootDir
	}
	if metricsFile != "" {
		settings.Metrics.File = metricsFile
	}
	if debugMode {
		settings.Debug = true
	}

	root, err := filepath.Abs(settings.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %s: %w", settings.Root, err)
	}
	settings.Root = root
	return nil
}

// GetFormatter returns the output formatter (for use by subcommands)
func GetFormatter() *output.Formatter {
	if formatter == nil {
		format, _ := output.ParseFormat(outputFmt)
		formatter = output.NewFormatter(format, noHeaders, quiet)
	}
	return formatter
}

// GetPlanPath returns the plan file path
func GetPlanPath() string {
	if planFile != "" {
		return planFile
	}
	root := rootDir
	if settings != nil {
		root = settings.Root
	}
	if root == "" {
		root = "."
	}
	return cliconfig.DefaultPlanPath(root)
}

// loadPlan loads the plan file, falling back to the default plan
func loadPlan() (*cliconfig.Plan, error) {
	return cliconfig.LoadOrDefault(GetPlanPath())
}

// resolveConfigs returns the bundle configurations of the named applications,
// or of every application, resolved against the project root
func resolveConfigs(names []string) ([]*bundleconfig.Config, error) {
	plan, err := loadPlan()
	if err != nil {
		return nil, err
	}
	return configsFromPlan(plan, names)
}

func configsFromPlan(plan *cliconfig.Plan, names []string) ([]*bundleconfig.Config, error) {
	configs, err := plan.Configs(names...)
	if err != nil {
		return nil, err
	}
	for i, c := range configs {
		configs[i] = c.WithContext(settings.Root)
	}
	return configs, nil
}

func newRunner(metrics *observability.Metrics) *bundler.Runner {
	return bundler.NewRunner(settings.Build,
		bundler.WithMetrics(metrics),
		bundler.WithSass(bundler.NewSassCompiler(settings.Build.SassPath, settings.Root)),
	)
}

// startTracing sets up span export for the command and returns the tracer
// with its shutdown function
func startTracing(ctx context.Context) (*observability.Tracer, func()) {
	tracer, err := observability.InitTracer(ctx, settings.Tracing, Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize OpenTelemetry tracer, tracing will be disabled")
		tracer = &observability.Tracer{}
	}

	return tracer, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}

// writeMetrics writes the metrics file when one is configured
func writeMetrics(metrics *observability.Metrics) {
	if settings.Metrics.File == "" {
		return
	}
	if err := metrics.WriteFile(settings.Metrics.File); err != nil {
		log.Warn().Err(err).Str("file", settings.Metrics.File).Msg("Failed to write metrics")
	}
}

// appNames completes application names from the plan file
func appNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	plan, err := loadPlan()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return plan.Names(), cobra.ShellCompDirectiveNoFileComp
}
